package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/pflag"

	"github.com/bitrise-io/go-blobtransfer/blockrange"
	"github.com/bitrise-io/go-blobtransfer/network"
	"github.com/bitrise-io/go-blobtransfer/network/chunkuploader"
	"github.com/bitrise-io/go-blobtransfer/transfer"
)

const (
	backendHTTP = "http"
	backendS3   = "s3"
)

type options struct {
	configFile string
	verbose    bool
	backend    string

	baseURL          string
	token            string
	container        string
	blockURLTemplate string

	bucket    string
	region    string
	endpoint  string
	pathStyle bool

	object     string
	paths      []string
	chunkSize  string
	checkpoint string
}

func (o *options) addFlags(fs *pflag.FlagSet, command string) {
	fs.StringVar(&o.configFile, "config", "", "YAML config file")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "enable debug logs")
	fs.StringVar(&o.backend, "backend", "", "storage backend: http or s3 (default: $BLOBXFER_BACKEND or http)")

	fs.StringVar(&o.baseURL, "url", "", "block blob API base URL (default: $BLOBXFER_URL)")
	fs.StringVar(&o.token, "token", "", "API access token (default: $BLOBXFER_TOKEN)")
	fs.StringVar(&o.container, "container", "", "API container (default: $BLOBXFER_CONTAINER)")
	fs.StringVar(&o.blockURLTemplate, "block-url", "", "block upload URL template with {object_url}, {blockid}, {index}, {offset}")

	fs.StringVar(&o.bucket, "bucket", "", "S3 bucket (default: $BLOBXFER_S3_BUCKET)")
	fs.StringVar(&o.region, "region", "", "S3 region (default: $BLOBXFER_S3_REGION)")
	fs.StringVar(&o.endpoint, "endpoint", "", "S3 compatible service URL")
	fs.BoolVar(&o.pathStyle, "path-style", false, "use path style S3 addressing")

	fs.StringVar(&o.chunkSize, "chunk-size", "", "chunk size, e.g. 8MiB")
	fs.StringVar(&o.checkpoint, "checkpoint", "", "checkpoint file making the transfer resumable")

	if command == "upload" {
		fs.StringVar(&o.object, "object", "", "object name, a template like 'builds/{{ .OS }}-{{ checksum \"go.sum\" }}'")
		fs.StringSliceVar(&o.paths, "paths", nil, "archive these paths (globs allowed) instead of uploading a file")
	}
}

// config merges the config file, the environment and the flags, in this order.
func (o *options) config(fs *pflag.FlagSet, envRepo env.Repository) (transfer.Config, error) {
	config := transfer.DefaultConfig()
	if o.configFile != "" {
		var err error
		if config, err = transfer.LoadConfigFile(o.configFile); err != nil {
			return transfer.Config{}, err
		}
	}

	config, err := transfer.ConfigFromEnv(config, envRepo)
	if err != nil {
		return transfer.Config{}, err
	}

	if fs.Changed("chunk-size") {
		size, err := transfer.ParseSize(o.chunkSize)
		if err != nil {
			return transfer.Config{}, err
		}
		config.ChunkSize = size
	}
	if fs.Changed("checkpoint") {
		config.CheckpointPath = o.checkpoint
	}

	if err := config.Validate(); err != nil {
		return transfer.Config{}, err
	}

	fromEnv := map[*string]string{
		&o.backend:   "BLOBXFER_BACKEND",
		&o.baseURL:   "BLOBXFER_URL",
		&o.token:     "BLOBXFER_TOKEN",
		&o.container: "BLOBXFER_CONTAINER",
		&o.bucket:    "BLOBXFER_S3_BUCKET",
		&o.region:    "BLOBXFER_S3_REGION",
		&o.endpoint:  "BLOBXFER_S3_ENDPOINT",
	}
	for target, key := range fromEnv {
		if *target == "" {
			*target = envRepo.Get(key)
		}
	}
	if o.backend == "" {
		o.backend = backendHTTP
	}
	o.backend = strings.ToLower(o.backend)
	if o.backend != backendHTTP && o.backend != backendS3 {
		return transfer.Config{}, fmt.Errorf("unknown backend %q, use http or s3", o.backend)
	}

	return config, nil
}

type app struct {
	opts       options
	config     transfer.Config
	logger     log.Logger
	envRepo    env.Repository
	stdout     io.Writer
	controller *transfer.Controller

	s3Client network.S3API
}

func (a *app) httpEndpoint() network.HTTPEndpoint {
	return network.HTTPEndpoint{
		BaseURL:          a.opts.baseURL,
		Token:            a.opts.token,
		Container:        a.opts.container,
		BlockURLTemplate: a.opts.blockURLTemplate,
	}
}

func (a *app) s3(ctx context.Context) (network.S3API, error) {
	if a.s3Client != nil {
		return a.s3Client, nil
	}
	client, err := network.NewS3Client(ctx, network.S3Endpoint{
		Region:          a.opts.region,
		Bucket:          a.opts.bucket,
		AccessKeyID:     a.envRepo.Get("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: a.envRepo.Get("AWS_SECRET_ACCESS_KEY"),
		Endpoint:        a.opts.endpoint,
		UsePathStyle:    a.opts.pathStyle,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	a.s3Client = client
	return client, nil
}

func (a *app) sink(ctx context.Context, object string) (network.ChunkSink, error) {
	switch a.opts.backend {
	case backendS3:
		client, err := a.s3(ctx)
		if err != nil {
			return nil, err
		}
		return network.NewS3Sink(client, a.opts.bucket, object, int64(a.config.ChunkSize), network.S3SinkOptions{
			NumRetries:  a.config.MaxRetries,
			ContentType: a.config.ContentType,
			ContentMD5:  a.config.ContentMD5,
		}, a.logger)
	default:
		uploaderConfig := chunkuploader.DefaultConfig()
		uploaderConfig.Concurrency = a.config.Concurrency
		uploaderConfig.MaxRetryPerChunk = a.config.MaxRetries
		return network.NewHTTPSink(a.httpEndpoint(), object, int64(a.config.ChunkSize), network.HTTPSinkOptions{
			Uploader:   uploaderConfig,
			ContentMD5: a.config.ContentMD5,
		}, a.logger)
	}
}

func (a *app) lister(ctx context.Context) (blockrange.Lister, error) {
	switch a.opts.backend {
	case backendS3:
		client, err := a.s3(ctx)
		if err != nil {
			return nil, err
		}
		return network.NewS3BlockLister(client, a.opts.bucket, a.logger), nil
	default:
		return network.NewHTTPBlockLister(a.httpEndpoint(), a.logger), nil
	}
}

func (a *app) fetcher(ctx context.Context) (network.RangeFetcher, transfer.WholeObjectFunc, error) {
	switch a.opts.backend {
	case backendS3:
		client, err := a.s3(ctx)
		if err != nil {
			return nil, nil, err
		}
		return network.NewS3RangeFetcher(client, a.opts.bucket), nil, nil
	default:
		endpoint := a.httpEndpoint()
		fetcher, err := network.NewHTTPRangeFetcher(endpoint, a.logger)
		if err != nil {
			return nil, nil, err
		}
		whole := func(ctx context.Context, object, dest string) error {
			return network.Download(ctx, endpoint, object, dest, a.logger)
		}
		return fetcher, whole, nil
	}
}
