// Package chunkstream re-chunks arbitrary writes into fixed-size, offset
// tagged chunks and binds that process to push-based byte sources.
package chunkstream

import (
	"fmt"

	"github.com/bitrise-io/go-blobtransfer/bufferpool"
)

// Range is an inclusive byte span. End == Start+Size-1.
type Range struct {
	Start int64
	End   int64
	Size  int64
}

// NewRange returns the range of size bytes starting at start.
func NewRange(start, size int64) Range {
	return Range{Start: start, End: start + size - 1, Size: size}
}

// Next returns the offset right after the range.
func (r Range) Next() int64 {
	return r.End + 1
}

// HTTPRange formats the range for a Range request header.
func (r Range) HTTPRange() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// ContentRange formats the range for a Content-Range header. A negative total
// is rendered as an unknown length.
func (r Range) ContentRange(total int64) string {
	if total < 0 {
		return fmt.Sprintf("bytes %d-%d/*", r.Start, r.End)
	}
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total)
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Start, r.End)
}

// Chunk is a unit of emitted data and the range it covers. The receiver owns
// Buffer and releases it once the data is no longer needed.
type Chunk struct {
	Buffer bufferpool.Buffer
	Range  Range
}

// Bytes returns the chunk data.
func (c Chunk) Bytes() []byte {
	return c.Buffer.Bytes()
}

// Release hands the chunk buffer back to its pool, if any.
func (c Chunk) Release() {
	c.Buffer.Release()
}

// Index returns the zero based position of the chunk for a fixed chunk size.
func (c Chunk) Index(chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	return int(c.Range.Start / chunkSize)
}

// State is the lifecycle of a stream.
type State int

const (
	StateIdle State = iota
	StateOpen
	StateEmitting
	StatePaused
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateEmitting:
		return "emitting"
	case StatePaused:
		return "paused"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
