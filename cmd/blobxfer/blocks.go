package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/go-units"

	"github.com/bitrise-io/go-blobtransfer/blockrange"
)

func runBlocks(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: blobxfer blocks [flags] <object>")
	}

	lister, err := a.lister(ctx)
	if err != nil {
		return err
	}
	enumerator := blockrange.NewEnumerator(lister, blockrange.ListOptions{Object: args[0]}, a.logger)

	count := 0
	enumerator.OnRange(func(d blockrange.BlockDescriptor) {
		count++
		fmt.Fprintf(a.stdout, "%-11s %s\t%s\t%s\n", d.Kind, d.Name, d.Range(), units.BytesSize(float64(d.Size)))
	})
	ended := false
	enumerator.OnEnd(func() { ended = true })

	if err := enumerator.List(ctx); err != nil {
		return err
	}
	if !ended {
		return fmt.Errorf("block listing of %s did not finish", args[0])
	}
	fmt.Fprintf(a.stdout, "%d blocks, %s\n", count, units.BytesSize(float64(enumerator.TotalSize())))
	return nil
}
