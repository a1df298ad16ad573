// Package network binds the chunk pipeline to storage services: chunk sinks,
// block listers and ranged readers for a block blob HTTP API and for S3.
//
// The HTTP API addresses an object as {base}/{container}/{object}:
//
//	PUT    {object}?comp=block&blockid={id}  stage one block
//	GET    {object}?comp=blocklist           list committed and uncommitted blocks
//	PUT    {object}?comp=blocklist           commit the staged blocks in order
//	DELETE {object}?comp=blocklist           discard uncommitted blocks
//	GET    {object}                          read, honouring Range
package network

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-blobtransfer/chunkstream"
)

// ErrObjectNotFound is returned when the addressed object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ChunkSink stores the chunks of one object. WriteChunk may be called
// concurrently and out of order; Commit assembles the object from the
// written chunks in offset order.
type ChunkSink interface {
	WriteChunk(ctx context.Context, chunk chunkstream.Chunk) error
	Commit(ctx context.Context, info CommitInfo) error
	Abort(ctx context.Context) error
}

// Resumer is implemented by sinks able to continue an interrupted upload.
type Resumer interface {
	// UploadID identifies the pending upload, empty when the service has no such notion.
	UploadID() string
	// ResumeUpload attaches the sink to a pending upload.
	ResumeUpload(ctx context.Context, uploadID string) error
	// BlockIndex maps the name of a staged block to its chunk index.
	BlockIndex(name string) (int, error)
	// Adopt marks blocks staged by an earlier run as written.
	Adopt(parts []Part) error
}

// CommitInfo describes the finished object.
type CommitInfo struct {
	Size          int64
	ChunkSize     int64
	Digest        []byte
	HashAlgorithm string
	ContentType   string
}

// Part is a chunk stored by a sink.
type Part struct {
	Index   int
	BlockID string
	ETag    string
	Range   chunkstream.Range
}

// TransferError is a failed service call.
type TransferError struct {
	Op         string
	Object     string
	StatusCode int
	Err        error
}

func (e *TransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Op, e.Object, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Object, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

const blockIDPrefix = "blk-"

// BlockID returns the name of the block holding chunk index. All ids have
// the same length, which block blob services require within one object.
func BlockID(index int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s%010d", blockIDPrefix, index)))
}

// ParseBlockID is the inverse of BlockID.
func ParseBlockID(id string) (int, error) {
	raw, err := base64.StdEncoding.DecodeString(id)
	if err != nil {
		return 0, fmt.Errorf("decode block id %q: %w", id, err)
	}
	digits, ok := strings.CutPrefix(string(raw), blockIDPrefix)
	if !ok {
		return 0, fmt.Errorf("foreign block id %q", id)
	}
	index, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("parse block id %q: %w", id, err)
	}
	return index, nil
}

// orderedParts sorts parts by index and checks that they cover
// [0, size) without gaps.
func orderedParts(parts map[int]Part, size int64) ([]Part, error) {
	ordered := make([]Part, 0, len(parts))
	for _, part := range parts {
		ordered = append(ordered, part)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	var next int64
	for i, part := range ordered {
		if part.Index != i {
			return nil, fmt.Errorf("missing chunk %d", i)
		}
		if part.Range.Start != next {
			return nil, fmt.Errorf("chunk %d starts at %d, expected %d", i, part.Range.Start, next)
		}
		next = part.Range.Next()
	}
	if next != size {
		return nil, fmt.Errorf("chunks cover %d bytes, object has %d", next, size)
	}
	return ordered, nil
}
