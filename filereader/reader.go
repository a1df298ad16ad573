// Package filereader reads a local file in fixed-size chunks backed by pooled
// buffers, one read at a time, with pause/resume flow control.
package filereader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/go-blobtransfer/bufferpool"
	"github.com/bitrise-io/go-blobtransfer/chunkstream"
	"github.com/bitrise-io/go-blobtransfer/internal"
	"github.com/bitrise-io/go-blobtransfer/internal/flow"
)

// Options tunes a Reader.
type Options struct {
	// StartOffset skips bytes that are already stored; the first emitted
	// range starts here.
	StartOffset int64
	Logger      log.Logger
	FS          internal.OsProxy
}

// Reader emits the contents of a file as offset tagged chunks.
type Reader struct {
	path      string
	chunkSize int64
	pool      *bufferpool.Pool
	opts      Options
	logger    log.Logger
	fs        internal.OsProxy
	gate      *flow.Gate

	mu      sync.Mutex
	running bool
	offset  int64
	size    int64
	ended   bool
	failed  bool
	onOpen  []func(size int64)
	onData  []func(chunkstream.Chunk)
	onEnd   []func()
	onError []func(error)
}

// New creates a reader for path. Buffers come from pool when its chunk size
// matches chunkSize; otherwise every read allocates.
func New(path string, chunkSize int64, pool *bufferpool.Pool, opts Options) (*Reader, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size: %d", chunkSize)
	}
	if opts.StartOffset < 0 {
		return nil, fmt.Errorf("invalid start offset: %d", opts.StartOffset)
	}
	if pool != nil && pool.ChunkSize() != chunkSize {
		pool = nil
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	if opts.FS == nil {
		opts.FS = internal.RealOS{}
	}

	return &Reader{
		path:      path,
		chunkSize: chunkSize,
		pool:      pool,
		opts:      opts,
		logger:    opts.Logger,
		fs:        opts.FS,
		gate:      flow.NewGate(false),
		offset:    opts.StartOffset,
		size:      -1,
	}, nil
}

// OnOpen registers a listener called with the file size once the file is open.
func (r *Reader) OnOpen(fn func(size int64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOpen = append(r.onOpen, fn)
}

// OnData registers a chunk listener. The listener owns the chunk.
func (r *Reader) OnData(fn func(chunkstream.Chunk)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onData = append(r.onData, fn)
}

// OnEnd registers a listener called once after the last chunk.
func (r *Reader) OnEnd(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEnd = append(r.onEnd, fn)
}

// OnError registers a listener for the terminal I/O error.
func (r *Reader) OnError(fn func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = append(r.onError, fn)
}

// Pause holds back the next read. A read in flight still completes and is emitted.
func (r *Reader) Pause() {
	r.gate.Pause()
}

// Resume lets reading continue.
func (r *Reader) Resume() {
	r.gate.Resume()
}

// Paused reports whether reading is on hold.
func (r *Reader) Paused() bool {
	return r.gate.Paused()
}

// Offset returns the offset of the next read.
func (r *Reader) Offset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}

// Size returns the file size, or -1 before the file was opened.
func (r *Reader) Size() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Path returns the path being read.
func (r *Reader) Path() string {
	return r.path
}

// Run opens the file and emits its chunks until EOF, a read error or ctx is
// done. I/O failures are reported through OnError and returned; cancellation
// only returns ctx.Err().
func (r *Reader) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("file reader already started")
	}
	r.running = true
	r.mu.Unlock()

	f, err := r.fs.Open(r.path)
	if err != nil {
		return r.fail(&Error{Op: "open", Path: r.path, Offset: r.opts.StartOffset, Err: err})
	}
	defer func() {
		if err := f.Close(); err != nil {
			r.logger.Warnf("Failed to close %s: %s", r.path, err)
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return r.fail(&Error{Op: "stat", Path: r.path, Err: err})
	}
	size := info.Size()
	if r.opts.StartOffset > size {
		return r.fail(&Error{Op: "seek", Path: r.path, Offset: r.opts.StartOffset, Err: ErrOffsetBeyondEOF})
	}

	r.mu.Lock()
	r.size = size
	onOpen := r.onOpen
	r.mu.Unlock()
	for _, fn := range onOpen {
		fn(size)
	}
	r.logger.Debugf("Reading %s (%d bytes) from offset %d", r.path, size, r.opts.StartOffset)

	offset := r.opts.StartOffset
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.gate.Wait(ctx); err != nil {
			return err
		}

		buf, err := r.acquire(ctx)
		if err != nil {
			return err
		}

		n, err := f.ReadAt(buf.Bytes(), offset)
		if err != nil && !errors.Is(err, io.EOF) {
			buf.Release()
			return r.fail(&Error{Op: "read", Path: r.path, Offset: offset, Err: err})
		}
		if n == 0 {
			buf.Release()
			r.end()
			return nil
		}

		chunk := chunkstream.Chunk{
			Buffer: buf.Truncate(n),
			Range:  chunkstream.NewRange(offset, int64(n)),
		}
		offset += int64(n)

		r.mu.Lock()
		r.offset = offset
		onData := r.onData
		r.mu.Unlock()

		r.logger.Debugf("Read chunk %s of %s", chunk.Range, r.path)
		if len(onData) == 0 {
			chunk.Release()
			continue
		}
		for _, fn := range onData {
			fn(chunk)
		}
	}
}

func (r *Reader) acquire(ctx context.Context) (bufferpool.Buffer, error) {
	if r.pool != nil {
		return r.pool.Acquire(ctx, r.chunkSize)
	}
	return bufferpool.Heap(make([]byte, r.chunkSize)), nil
}

func (r *Reader) end() {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	onEnd := r.onEnd
	r.mu.Unlock()

	for _, fn := range onEnd {
		fn()
	}
}

func (r *Reader) fail(err error) error {
	r.mu.Lock()
	if r.failed {
		r.mu.Unlock()
		return err
	}
	r.failed = true
	onError := r.onError
	r.mu.Unlock()

	r.logger.Errorf("%s", err)
	for _, fn := range onError {
		fn(err)
	}
	return err
}
