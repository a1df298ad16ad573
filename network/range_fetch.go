package network

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/bitrise-io/go-blobtransfer/chunkstream"
)

// RangeFetcher reads byte ranges of a stored object.
type RangeFetcher interface {
	// FetchRange fills dst, which is exactly r.Size long, with the bytes of r.
	FetchRange(ctx context.Context, object string, r chunkstream.Range, dst []byte) error
}

// HTTPRangeFetcher reads ranges with HTTP Range requests.
type HTTPRangeFetcher struct {
	client   *retryablehttp.Client
	endpoint HTTPEndpoint
	logger   log.Logger
}

// NewHTTPRangeFetcher creates a fetcher for objects of the endpoint.
func NewHTTPRangeFetcher(endpoint HTTPEndpoint, logger log.Logger) (*HTTPRangeFetcher, error) {
	if err := endpoint.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewLogger()
	}
	client := retryhttp.NewClient(logger)
	client.CheckRetry = createCustomRetryFunction(logger)
	return &HTTPRangeFetcher{client: client, endpoint: endpoint, logger: logger}, nil
}

func (f *HTTPRangeFetcher) FetchRange(ctx context.Context, object string, r chunkstream.Range, dst []byte) error {
	if int64(len(dst)) != r.Size {
		return fmt.Errorf("buffer of %d bytes for range %s", len(dst), r)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, f.endpoint.ObjectURL(object), nil)
	if err != nil {
		return err
	}
	for k, v := range requestHeaders(f.endpoint) {
		req.Header.Set(k, v)
	}
	req.Header.Set("Range", r.HTTPRange())

	resp, err := f.client.Do(req)
	if err != nil {
		return &TransferError{Op: "read range", Object: object, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			f.logger.Printf("Failed to close response body: %s", err)
		}
	}()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusNotFound:
		return ErrObjectNotFound
	case http.StatusOK:
		// The server ignored the range; skip to its start.
		if _, err := io.CopyN(io.Discard, resp.Body, r.Start); err != nil {
			return &TransferError{Op: "read range", Object: object, Err: err}
		}
	default:
		return unwrapError("read range", object, resp)
	}

	if _, err := io.ReadFull(resp.Body, dst); err != nil {
		return &TransferError{Op: "read range", Object: object, Err: fmt.Errorf("range %s: %w", r, err)}
	}
	return nil
}

// S3RangeFetcher reads ranges with ranged GetObject calls.
type S3RangeFetcher struct {
	client S3API
	bucket string
}

// NewS3RangeFetcher creates a fetcher for objects of bucket.
func NewS3RangeFetcher(client S3API, bucket string) *S3RangeFetcher {
	return &S3RangeFetcher{client: client, bucket: bucket}
}

func (f *S3RangeFetcher) FetchRange(ctx context.Context, object string, r chunkstream.Range, dst []byte) error {
	if int64(len(dst)) != r.Size {
		return fmt.Errorf("buffer of %d bytes for range %s", len(dst), r)
	}

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(object),
		Range:  aws.String(r.HTTPRange()),
	})
	if err != nil {
		if isS3NotFound(err) {
			return ErrObjectNotFound
		}
		return &TransferError{Op: "read range", Object: object, Err: err}
	}
	defer out.Body.Close() //nolint:errcheck

	if _, err := io.ReadFull(out.Body, dst); err != nil {
		return &TransferError{Op: "read range", Object: object, Err: fmt.Errorf("range %s: %w", r, err)}
	}
	return nil
}
