// blobxfer moves large blobs between local files and a block blob HTTP API
// or S3 in fixed-size chunks, with resumable uploads and downloads.
//
// Usage:
//
//	blobxfer upload   [flags] --object NAME <file | - | --paths PATTERN...>
//	blobxfer download [flags] <object> <destination>
//	blobxfer blocks   [flags] <object>
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/pflag"

	"github.com/bitrise-io/go-blobtransfer/transfer"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, transfer.ErrCancelled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, app *app, args []string) error
}

var commands = []command{
	{name: "upload", summary: "upload a file, stdin or an archive of paths", run: runUpload},
	{name: "download", summary: "download an object into a file", run: runDownload},
	{name: "blocks", summary: "list the blocks of an object", run: runBlocks},
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(stdout)
		return nil
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		return fmt.Errorf("unknown command %q, run blobxfer --help", args[0])
	}

	flagSet := pflag.NewFlagSet("blobxfer "+cmd.name, pflag.ContinueOnError)
	var opts options
	opts.addFlags(flagSet, cmd.name)
	if err := flagSet.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := log.NewLogger()
	logger.EnableDebugLog(opts.verbose)
	envRepo := env.NewRepository()

	config, err := opts.config(flagSet, envRepo)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{
		opts:       opts,
		config:     config,
		logger:     logger,
		envRepo:    envRepo,
		stdout:     stdout,
		controller: transfer.NewController(),
	}
	stopSignals := a.handlePauseSignal()
	defer stopSignals()

	return cmd.run(ctx, a, flagSet.Args())
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "blobxfer moves large blobs in fixed-size chunks.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  blobxfer <command> [flags] [arguments]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Settings are read from --config, then BLOBXFER_* variables, then flags.")
	fmt.Fprintln(w, "Send SIGUSR1 to pause or resume a running transfer.")
}
