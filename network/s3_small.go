package network

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// S3ObjectUploader stores whole objects through the SDK upload manager.
// It serves objects below the chunking threshold.
type S3ObjectUploader struct {
	client   S3API
	bucket   string
	partSize int64
	logger   log.Logger
}

// NewS3ObjectUploader creates an uploader using partSize for the manager's
// own multipart splitting.
func NewS3ObjectUploader(client S3API, bucket string, partSize int64, logger log.Logger) *S3ObjectUploader {
	if partSize < manager.MinUploadPartSize {
		partSize = manager.MinUploadPartSize
	}
	if logger == nil {
		logger = log.NewLogger()
	}
	return &S3ObjectUploader{client: client, bucket: bucket, partSize: partSize, logger: logger}
}

// Upload stores size bytes from body under key. open is called for every
// attempt and must return the content from its start.
func (u *S3ObjectUploader) Upload(ctx context.Context, key string, size int64, contentType string, open func() (io.ReadCloser, error)) error {
	uploader := manager.NewUploader(u.client, func(m *manager.Uploader) {
		m.PartSize = u.partSize
	})

	return retry.Times(numS3Retries).Wait(s3RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		body, err := open()
		if err != nil {
			return fmt.Errorf("open content: %w", err), true
		}
		defer body.Close() //nolint:errcheck

		input := &s3.PutObjectInput{
			Body:              body,
			Bucket:            aws.String(u.bucket),
			Key:               aws.String(key),
			ContentLength:     aws.Int64(size),
			ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		}
		if contentType != "" {
			input.ContentType = aws.String(contentType)
		}

		if _, err := uploader.Upload(ctx, input); err != nil {
			u.logger.Debugf("Upload of %s failed (%d. attempt): %s", key, attempt+1, err)
			return fmt.Errorf("upload object: %w", err), ctx.Err() != nil
		}
		return nil, true
	})
}
