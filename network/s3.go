package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/v2/log"
)

// S3Endpoint addresses a bucket.
type S3Endpoint struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the service URL, for S3 compatible stores.
	Endpoint     string
	UsePathStyle bool
}

func (e S3Endpoint) validate() error {
	if e.Bucket == "" {
		return fmt.Errorf("bucket must not be empty")
	}
	return nil
}

// S3API is the subset of the S3 client used by the transfer code.
type S3API interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	GetObjectAttributes(ctx context.Context, params *s3.GetObjectAttributesInput, optFns ...func(*s3.Options)) (*s3.GetObjectAttributesOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// LoadAWSConfig loads the default AWS config for the endpoint. Static
// credentials are used when both keys are set.
func LoadAWSConfig(ctx context.Context, endpoint S3Endpoint, logger log.Logger) (*aws.Config, error) {
	if endpoint.Region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(endpoint.Region),
	}

	if endpoint.AccessKeyID != "" && endpoint.SecretAccessKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(endpoint.AccessKeyID, endpoint.SecretAccessKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}

// NewS3Client creates an S3 client for the endpoint.
func NewS3Client(ctx context.Context, endpoint S3Endpoint, logger log.Logger) (*s3.Client, error) {
	if err := endpoint.validate(); err != nil {
		return nil, err
	}

	cfg, err := LoadAWSConfig(ctx, endpoint, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if endpoint.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint.Endpoint)
		}
		o.UsePathStyle = endpoint.UsePathStyle
	}), nil
}

func isS3NotFound(err error) bool {
	var apiError smithy.APIError
	if !errors.As(err, &apiError) {
		return false
	}
	switch apiError.(type) {
	case *types.NotFound, *types.NoSuchKey, *types.NoSuchUpload:
		return true
	}
	return apiError.ErrorCode() == "NotFound"
}
