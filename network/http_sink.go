package network

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"

	"github.com/bitrise-io/go-blobtransfer/blockrange"
	"github.com/bitrise-io/go-blobtransfer/chunkstream"
	"github.com/bitrise-io/go-blobtransfer/network/chunkuploader"
)

// HTTPSinkOptions tunes an HTTPSink.
type HTTPSinkOptions struct {
	Uploader chunkuploader.Config
	// ContentMD5 sends a Content-MD5 header with every block.
	ContentMD5 bool
}

// HTTPSink stages chunks as blocks of the HTTP API and commits them as a block list.
type HTTPSink struct {
	endpoint  HTTPEndpoint
	object    string
	chunkSize int64
	opts      HTTPSinkOptions
	uploader  *chunkuploader.Uploader
	api       apiClient
	logger    log.Logger

	mu    sync.Mutex
	parts map[int]Part
}

var (
	_ ChunkSink = (*HTTPSink)(nil)
	_ Resumer   = (*HTTPSink)(nil)
)

// NewHTTPSink creates a sink uploading object in chunkSize blocks.
func NewHTTPSink(endpoint HTTPEndpoint, object string, chunkSize int64, opts HTTPSinkOptions, logger log.Logger) (*HTTPSink, error) {
	if err := endpoint.validate(); err != nil {
		return nil, err
	}
	if object == "" {
		return nil, fmt.Errorf("object name is empty")
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size: %d", chunkSize)
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	return &HTTPSink{
		endpoint:  endpoint,
		object:    object,
		chunkSize: chunkSize,
		opts:      opts,
		uploader:  chunkuploader.New(opts.Uploader, logger),
		api:       newAPIClient(retryhttp.NewClient(logger), endpoint, logger),
		logger:    logger,
		parts:     map[int]Part{},
	}, nil
}

// WriteChunk stages one chunk. The chunk buffer is not released.
func (s *HTTPSink) WriteChunk(ctx context.Context, chunk chunkstream.Chunk) error {
	index := chunk.Index(s.chunkSize)
	if chunk.Range.Start != int64(index)*s.chunkSize {
		return fmt.Errorf("chunk %s is not aligned to %d", chunk.Range, s.chunkSize)
	}

	headers := requestHeaders(s.endpoint)
	headers["Content-Type"] = "application/octet-stream"
	headers["Content-Range"] = chunk.Range.ContentRange(-1)
	if s.opts.ContentMD5 {
		sum := md5.Sum(chunk.Bytes())
		headers["Content-MD5"] = base64.StdEncoding.EncodeToString(sum[:])
	}

	result, err := s.uploader.UploadChunk(ctx, chunk.Bytes(), chunkuploader.UploadURL{
		Method:  "PUT",
		URL:     s.endpoint.BlockURL(s.object, index, chunk.Range.Start),
		Headers: headers,
	}, index)
	if err != nil {
		return &TransferError{Op: "stage block", Object: s.object, Err: err}
	}

	s.mu.Lock()
	s.parts[index] = Part{Index: index, BlockID: BlockID(index), ETag: result.ETag, Range: chunk.Range}
	s.mu.Unlock()
	return nil
}

// Commit writes the block list of every staged chunk.
func (s *HTTPSink) Commit(ctx context.Context, info CommitInfo) error {
	s.mu.Lock()
	parts, err := orderedParts(s.parts, info.Size)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("commit %s: %w", s.object, err)
	}

	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		ids = append(ids, part.BlockID)
	}

	s.logger.Debugf("Committing %d blocks of %s", len(ids), s.object)
	return s.api.commitBlockList(ctx, s.object, commitRequest{
		BlockIDs:      ids,
		Size:          info.Size,
		Digest:        hexDigest(info.Digest),
		HashAlgorithm: info.HashAlgorithm,
		ContentType:   info.ContentType,
	})
}

// Abort discards the uncommitted blocks of the object.
func (s *HTTPSink) Abort(ctx context.Context) error {
	s.mu.Lock()
	s.parts = map[int]Part{}
	s.mu.Unlock()

	return s.api.discardBlocks(ctx, s.object)
}

// Parts returns the staged parts.
func (s *HTTPSink) Parts() []Part {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := make([]Part, 0, len(s.parts))
	for _, part := range s.parts {
		parts = append(parts, part)
	}
	return parts
}

// Stats returns the block upload statistics.
func (s *HTTPSink) Stats() *chunkuploader.Stats {
	return s.uploader.Stats()
}

// UploadID is empty: uncommitted blocks belong to the object itself.
func (s *HTTPSink) UploadID() string {
	return ""
}

// ResumeUpload is a no-op, staged blocks are found through the block list.
func (s *HTTPSink) ResumeUpload(context.Context, string) error {
	return nil
}

func (s *HTTPSink) BlockIndex(name string) (int, error) {
	return ParseBlockID(name)
}

func (s *HTTPSink) Adopt(parts []Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, part := range parts {
		part.BlockID = BlockID(part.Index)
		s.parts[part.Index] = part
	}
	return nil
}

// HTTPBlockLister lists blocks through the HTTP API.
type HTTPBlockLister struct {
	api apiClient
}

// NewHTTPBlockLister creates a lister for the endpoint. The container passed
// to ListBlocks overrides the endpoint's when set.
func NewHTTPBlockLister(endpoint HTTPEndpoint, logger log.Logger) *HTTPBlockLister {
	if logger == nil {
		logger = log.NewLogger()
	}
	client := retryhttp.NewClient(logger)
	client.CheckRetry = createCustomRetryFunction(logger)
	return &HTTPBlockLister{api: newAPIClient(client, endpoint, logger)}
}

func (l *HTTPBlockLister) ListBlocks(ctx context.Context, container, object string) (*blockrange.BlockList, error) {
	api := l.api
	if container != "" {
		api.endpoint.Container = container
	}
	return api.listBlocks(ctx, object)
}
