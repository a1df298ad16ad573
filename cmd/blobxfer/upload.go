package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/bitrise-io/go-blobtransfer/network"
	"github.com/bitrise-io/go-blobtransfer/objectkey"
	"github.com/bitrise-io/go-blobtransfer/transfer"
)

func runUpload(ctx context.Context, a *app, args []string) error {
	if len(a.opts.paths) > 0 && len(args) > 0 {
		return errors.New("give either a file argument or --paths, not both")
	}
	if len(a.opts.paths) == 0 && len(args) != 1 {
		return errors.New("usage: blobxfer upload [flags] --object NAME <file | - | --paths PATTERN...>")
	}

	fallback := ""
	if len(args) == 1 && args[0] != "-" {
		fallback = filepath.Base(args[0])
	}
	object, err := a.objectName(fallback)
	if err != nil {
		return err
	}

	if len(args) == 1 && args[0] != "-" && a.opts.backend == backendS3 {
		if done, err := a.uploadSmallS3Object(ctx, args[0], object); done || err != nil {
			return err
		}
	}

	sink, err := a.sink(ctx, object)
	if err != nil {
		return err
	}
	lister, err := a.lister(ctx)
	if err != nil {
		return err
	}
	uploader, err := transfer.NewUploader(sink, a.config, a.logger, transfer.UploaderOptions{
		Controller: a.controller,
		Lister:     lister,
		EnvRepo:    a.envRepo,
	})
	if err != nil {
		return err
	}

	var result transfer.Result
	switch {
	case len(a.opts.paths) > 0:
		result, err = uploader.UploadPaths(ctx, a.opts.paths, object)
	case args[0] == "-":
		result, err = uploader.UploadReader(ctx, os.Stdin, object)
	default:
		result, err = uploader.UploadFile(ctx, args[0], object)
	}
	if err != nil {
		return err
	}

	printResult(a.stdout, result)
	return nil
}

// objectName evaluates the --object template, falling back to name.
func (a *app) objectName(name string) (string, error) {
	if strings.TrimSpace(a.opts.object) == "" {
		if name == "" {
			return "", errors.New("--object is required when uploading a stream or paths")
		}
		return name, nil
	}

	model := objectkey.NewModel(a.envRepo, a.logger, "")
	object, err := model.Evaluate(a.opts.object)
	if err != nil {
		return "", fmt.Errorf("failed to evaluate object name: %w", err)
	}
	a.logger.Donef("Object: %s", object)
	return object, nil
}

// uploadSmallS3Object stores files that fit in one chunk with a single
// request. done is false when the file needs a multipart upload.
func (a *app) uploadSmallS3Object(ctx context.Context, path, object string) (done bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() || info.Size() > int64(a.config.ChunkSize) {
		return false, nil
	}

	client, err := a.s3(ctx)
	if err != nil {
		return false, err
	}
	start := time.Now()
	uploader := network.NewS3ObjectUploader(client, a.opts.bucket, int64(a.config.ChunkSize), a.logger)
	err = uploader.Upload(ctx, object, info.Size(), a.config.ContentType, func() (io.ReadCloser, error) {
		return os.Open(path)
	})
	if err != nil {
		return true, err
	}

	printResult(a.stdout, transfer.Result{Object: object, Size: info.Size(), Chunks: 1, Duration: time.Since(start)})
	return true, nil
}

func printResult(w io.Writer, result transfer.Result) {
	digest := "-"
	if len(result.Digest) > 0 {
		digest = string(result.HashAlgorithm) + ":" + result.DigestHex()
	}
	fmt.Fprintf(w, "%s\t%s\t%d chunks\t%s\t%s\n",
		result.Object,
		units.BytesSize(float64(result.Size)),
		result.Chunks,
		digest,
		result.Duration.Round(time.Millisecond),
	)
}
