package chunkuploader

import (
	"net/http"
	"runtime"
	"time"
)

// Config tunes how blocks are PUT to their upload URLs.
type Config struct {
	// Concurrency caps the blocks in flight, at least one.
	Concurrency int

	// MaxRetryPerChunk counts attempts, the first one included.
	MaxRetryPerChunk int

	// HungThreshold cancels an attempt running this much longer than the
	// average completed block. Zero disables hang detection.
	HungThreshold time.Duration

	// RetryBackoff is multiplied by the attempt number between attempts.
	RetryBackoff time.Duration

	// RequireETag fails uploads whose response carries no ETag header.
	RequireETag bool

	// HTTPClient defaults to DefaultHTTPClient.
	HTTPClient *http.Client
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		Concurrency:      DefaultConcurrency(),
		MaxRetryPerChunk: 3,
		HungThreshold:    30 * time.Second,
		RetryBackoff:     2 * time.Second,
	}
}

// DefaultConcurrency scales with the CPU count, between 2 and 20.
func DefaultConcurrency() int {
	return min(max(runtime.NumCPU()*3, 2), 20)
}

// DefaultHTTPClient has no overall timeout; every block request carries
// its own deadline.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
		},
	}
}
