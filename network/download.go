package network

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
)

// Download fetches the whole object into dest with parallel ranged requests.
func Download(ctx context.Context, endpoint HTTPEndpoint, object, dest string, logger log.Logger) error {
	if err := endpoint.validate(); err != nil {
		return err
	}
	if dest == "" {
		return fmt.Errorf("download path is empty")
	}

	retryableHTTPClient := retryhttp.NewClient(logger)
	retryableHTTPClient.CheckRetry = createCustomRetryFunction(logger)

	logger.Debugf("Download %s", object)
	client := &http.Client{Transport: &headerTransport{
		base:    retryableHTTPClient.StandardClient().Transport,
		headers: requestHeaders(endpoint),
	}}
	if err := downloadFile(ctx, client, endpoint.ObjectURL(object), dest); err != nil {
		return fmt.Errorf("failed to download %s: %w", object, err)
	}
	return nil
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, downloadErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, downloadErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; downloadErr=%+v", retry, err, downloadErr)
		return retry, err
	}
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	downloader.Client = client

	// NewDownload pins got.DefaultClient, which would drop the auth headers.
	download := got.NewDownload(ctx, url, dest)
	download.Client = client
	return downloader.Do(download)
}

func requestHeaders(endpoint HTTPEndpoint) map[string]string {
	headers := map[string]string{}
	if endpoint.Token != "" {
		headers["Authorization"] = "Bearer " + endpoint.Token
	}
	for k, v := range endpoint.Headers {
		headers[k] = v
	}
	return headers
}

// headerTransport adds fixed headers to requests it did not build itself.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}
