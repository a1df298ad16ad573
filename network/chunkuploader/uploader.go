package chunkuploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Uploader sends chunks with retry and hung detection. It is safe for
// concurrent use; Config.Concurrency bounds the number of chunks in flight.
type Uploader struct {
	config     Config
	httpClient *http.Client
	logger     log.Logger
	stats      *Stats
	slots      chan struct{}
}

// New creates a new Uploader with the given configuration.
func New(config Config, logger log.Logger) *Uploader {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}
	if config.MaxRetryPerChunk < 1 {
		config.MaxRetryPerChunk = 1
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Uploader{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		stats:      NewStats(),
		slots:      make(chan struct{}, config.Concurrency),
	}
}

// UploadChunk uploads data as chunk index, retrying failed and hung attempts.
// data must stay unchanged until the call returns.
func (u *Uploader) UploadChunk(ctx context.Context, data []byte, url UploadURL, index int) (ChunkResult, error) {
	select {
	case u.slots <- struct{}{}:
	case <-ctx.Done():
		return ChunkResult{}, fmt.Errorf("chunk %d upload cancelled: %w", index+1, ctx.Err())
	}
	defer func() { <-u.slots }()

	return u.uploadChunkWithRetry(ctx, data, url, index)
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (u *Uploader) CloseIdleConnections() {
	u.httpClient.CloseIdleConnections()
}

func (u *Uploader) uploadChunkWithRetry(ctx context.Context, data []byte, url UploadURL, index int) (ChunkResult, error) {
	var uploadErr error

	for attempt := 0; attempt < u.config.MaxRetryPerChunk; attempt++ {
		if err := ctx.Err(); err != nil {
			return ChunkResult{}, fmt.Errorf("chunk %d upload cancelled: %w", index+1, err)
		}

		u.logger.Debugf("Uploading chunk %d (attempt %d/%d) [finished=%d] [avg=%v]",
			index+1, attempt+1, u.config.MaxRetryPerChunk,
			u.stats.FinishedCount(), u.stats.Average().Round(time.Millisecond))

		start := time.Now()
		chunkCtx, cancelChunk := context.WithCancel(ctx)

		// The last attempt is never cancelled as hung.
		if attempt < u.config.MaxRetryPerChunk-1 && u.config.HungThreshold > 0 {
			go u.detectHungUpload(chunkCtx, cancelChunk, start, index)
		}

		var etag string
		etag, uploadErr = u.uploadChunk(chunkCtx, data, url)
		hung := chunkCtx.Err() != nil && ctx.Err() == nil
		cancelChunk()

		if uploadErr == nil {
			took := time.Since(start)
			u.stats.Update(took, int64(len(data)))
			u.logger.Debugf("Chunk %d uploaded in %v, ETag: %s", index+1, took.Round(time.Millisecond), etag)
			return ChunkResult{Index: index, ETag: etag, Attempts: attempt + 1, Duration: took}, nil
		}

		if ctx.Err() != nil {
			return ChunkResult{}, fmt.Errorf("chunk %d upload cancelled: %w", index+1, ctx.Err())
		}

		var statusErr *StatusError
		if !hung && errors.As(uploadErr, &statusErr) && !statusErr.Temporary() {
			return ChunkResult{}, fmt.Errorf("upload chunk %d: %w", index+1, uploadErr)
		}

		if attempt == u.config.MaxRetryPerChunk-1 {
			break
		}

		backoff := time.Duration(attempt+1) * u.config.RetryBackoff
		if hung {
			u.logger.Warnf("Chunk %d attempt %d cancelled (hung), retrying after %v", index+1, attempt+1, backoff)
		} else {
			u.logger.Warnf("Chunk %d attempt %d failed: %v", index+1, attempt+1, uploadErr)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ChunkResult{}, fmt.Errorf("chunk %d upload cancelled: %w", index+1, ctx.Err())
		}
	}

	return ChunkResult{}, fmt.Errorf("upload chunk %d after %d attempts: %w", index+1, u.config.MaxRetryPerChunk, uploadErr)
}

func (u *Uploader) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, index int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := u.stats.Average()
				if elapsed-avg > u.config.HungThreshold {
					u.logger.Warnf("Found hung chunk upload (chunk %d); canceling request after %s (avg: %s)",
						index+1, elapsed.Round(time.Second), avg.Round(time.Second))
					cancel()
					return
				}
			}
		}
	}
}

func (u *Uploader) uploadChunk(ctx context.Context, data []byte, url UploadURL) (string, error) {
	method := url.Method
	if method == "" {
		method = http.MethodPut
	}

	req, err := http.NewRequestWithContext(ctx, method, url.URL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	for k, v := range url.Headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = int64(len(data))

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			u.logger.Warnf("Failed to close response body: %s", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody := make([]byte, 1024)
		n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(errorBody[:n])}
	}

	etag := resp.Header.Get("ETag")
	if etag == "" && u.config.RequireETag {
		return "", fmt.Errorf("no ETag in response")
	}

	return etag, nil
}
