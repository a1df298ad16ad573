package network

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/bitrise-io/go-blobtransfer/blockrange"
)

// DefaultBlockURLTemplate stages blocks next to the object.
const DefaultBlockURLTemplate = "{object_url}?comp=block&blockid={blockid}"

// HTTPEndpoint addresses a container of the block blob HTTP API.
type HTTPEndpoint struct {
	BaseURL   string
	Token     string
	Container string

	// BlockURLTemplate builds block upload URLs. Placeholders: {object_url},
	// {blockid}, {index} and {offset}.
	BlockURLTemplate string

	// Headers are sent with every request.
	Headers map[string]string
}

// ObjectURL returns the URL of object, escaping each path segment.
func (e HTTPEndpoint) ObjectURL(object string) string {
	segments := strings.Split(object, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(e.BaseURL, "/"), url.PathEscape(e.Container), strings.Join(segments, "/"))
}

// BlockURL returns the staging URL of a block.
func (e HTTPEndpoint) BlockURL(object string, index int, offset int64) string {
	template := e.BlockURLTemplate
	if template == "" {
		template = DefaultBlockURLTemplate
	}
	return strings.NewReplacer(
		"{object_url}", e.ObjectURL(object),
		"{blockid}", url.QueryEscape(BlockID(index)),
		"{index}", fmt.Sprintf("%d", index),
		"{offset}", fmt.Sprintf("%d", offset),
	).Replace(template)
}

func (e HTTPEndpoint) validate() error {
	if e.BaseURL == "" {
		return fmt.Errorf("API base URL is empty")
	}
	if e.Container == "" {
		return fmt.Errorf("container is empty")
	}
	return nil
}

type blockListResponse struct {
	Groups     []blockrange.BlockGroup `json:"groups"`
	ObjectSize *int64                  `json:"object_size"`
}

type commitRequest struct {
	BlockIDs      []string `json:"block_ids"`
	Size          int64    `json:"size"`
	Digest        string   `json:"digest,omitempty"`
	HashAlgorithm string   `json:"hash_algorithm,omitempty"`
	ContentType   string   `json:"content_type,omitempty"`
}

type apiClient struct {
	httpClient *retryablehttp.Client
	endpoint   HTTPEndpoint
	logger     log.Logger
}

func newAPIClient(client *retryablehttp.Client, endpoint HTTPEndpoint, logger log.Logger) apiClient {
	return apiClient{
		httpClient: client,
		endpoint:   endpoint,
		logger:     logger,
	}
}

func (c apiClient) newRequest(ctx context.Context, method, url string, body interface{}) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if c.endpoint.Token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.endpoint.Token))
	}
	for k, v := range c.endpoint.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (c apiClient) listBlocks(ctx context.Context, object string) (*blockrange.BlockList, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint.ObjectURL(object)+"?comp=blocklist", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransferError{Op: "list blocks", Object: object, Err: err}
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrObjectNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unwrapError("list blocks", object, resp)
	}

	var response blockListResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("%w: %s", blockrange.ErrMalformedBlockList, err)
	}

	list := &blockrange.BlockList{Groups: response.Groups, ObjectSize: blockrange.UnknownSize}
	if response.ObjectSize != nil {
		list.ObjectSize = *response.ObjectSize
	}
	return list, nil
}

func (c apiClient) commitBlockList(ctx context.Context, object string, request commitRequest) error {
	body, err := json.Marshal(request)
	if err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPut, c.endpoint.ObjectURL(object)+"?comp=blocklist", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Commit request dump: %s", string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransferError{Op: "commit", Object: object, Err: err}
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return unwrapError("commit", object, resp)
	}
	return nil
}

func (c apiClient) discardBlocks(ctx context.Context, object string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, c.endpoint.ObjectURL(object)+"?comp=blocklist", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransferError{Op: "discard blocks", Object: object, Err: err}
	}
	defer c.closeBody(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return unwrapError("discard blocks", object, resp)
	}
}

func (c apiClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf("Failed to close response body: %s", err)
	}
}

func unwrapError(op, object string, resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	return &TransferError{
		Op:         op,
		Object:     object,
		StatusCode: resp.StatusCode,
		Err:        errors.New(string(bytes.TrimSpace(errorResp))),
	}
}

func hexDigest(digest []byte) string {
	if len(digest) == 0 {
		return ""
	}
	return hex.EncodeToString(digest)
}
