// Package chunkuploader uploads blob chunks to prepared URLs with per-chunk
// retries and hung request detection.
package chunkuploader

import (
	"fmt"
	"time"
)

// UploadURL is the request used to store a single chunk.
type UploadURL struct {
	Method  string
	URL     string
	Headers map[string]string
}

// ChunkResult is the outcome of a successful chunk upload.
type ChunkResult struct {
	Index    int
	ETag     string
	Attempts int
	Duration time.Duration
}

// StatusError is returned when the server rejects a chunk.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upload failed with status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether repeating the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 408 || e.StatusCode == 429
}
