package main

import (
	"context"
	"errors"

	"github.com/bitrise-io/go-blobtransfer/transfer"
)

func runDownload(ctx context.Context, a *app, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: blobxfer download [flags] <object> <destination>")
	}

	lister, err := a.lister(ctx)
	if err != nil {
		return err
	}
	fetcher, whole, err := a.fetcher(ctx)
	if err != nil {
		return err
	}
	downloader, err := transfer.NewDownloader(lister, fetcher, a.config, a.logger, transfer.DownloaderOptions{
		Controller: a.controller,
		Whole:      whole,
		EnvRepo:    a.envRepo,
	})
	if err != nil {
		return err
	}

	result, err := downloader.Download(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	printResult(a.stdout, result)
	return nil
}
