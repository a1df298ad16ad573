package chunkstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bitrise-io/go-blobtransfer/bufferpool"
	"github.com/bitrise-io/go-blobtransfer/internal/flow"
)

// Source is a push based byte producer. It calls the data listeners as bytes
// become available and can be paused. Ownership of every delivered Buffer
// passes to the listener.
type Source interface {
	OnData(func(bufferpool.Buffer))
	OnEnd(func())
	OnError(func(error))
	Pause()
	Resume()
}

// ReaderSource turns an io.Reader into a Source. It starts paused; the first
// Resume starts a goroutine that reads until EOF, an error or ctx is done.
type ReaderSource struct {
	ctx      context.Context
	r        io.Reader
	readSize int64
	pool     *bufferpool.Pool
	gate     *flow.Gate
	start    sync.Once

	mu            sync.Mutex
	dataListeners []func(bufferpool.Buffer)
	endListeners  []func()
	errListeners  []func(error)
}

// NewReaderSource creates a source emitting reads of up to readSize bytes.
// Buffers come from pool when its chunk size equals readSize.
func NewReaderSource(ctx context.Context, r io.Reader, readSize int64, pool *bufferpool.Pool) (*ReaderSource, error) {
	if readSize <= 0 {
		return nil, fmt.Errorf("invalid read size: %d", readSize)
	}
	if pool != nil && pool.ChunkSize() != readSize {
		pool = nil
	}

	return &ReaderSource{
		ctx:      ctx,
		r:        r,
		readSize: readSize,
		pool:     pool,
		gate:     flow.NewGate(true),
	}, nil
}

func (s *ReaderSource) OnData(fn func(bufferpool.Buffer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataListeners = append(s.dataListeners, fn)
}

func (s *ReaderSource) OnEnd(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endListeners = append(s.endListeners, fn)
}

func (s *ReaderSource) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errListeners = append(s.errListeners, fn)
}

// Pause blocks the next read. A read already in flight still completes.
func (s *ReaderSource) Pause() {
	s.gate.Pause()
}

// Resume allows reading, starting the reader goroutine on first use.
func (s *ReaderSource) Resume() {
	s.gate.Resume()
	s.start.Do(func() {
		go s.pump()
	})
}

func (s *ReaderSource) pump() {
	for {
		if err := s.ctx.Err(); err != nil {
			s.fail(err)
			return
		}
		if err := s.gate.Wait(s.ctx); err != nil {
			s.fail(err)
			return
		}

		buf, err := s.acquire()
		if err != nil {
			s.fail(err)
			return
		}

		n, err := io.ReadFull(s.r, buf.Bytes())
		if n > 0 {
			s.emit(buf.Truncate(n))
		} else {
			buf.Release()
		}

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			s.end()
			return
		}
		if err != nil {
			s.fail(fmt.Errorf("read source: %w", err))
			return
		}
	}
}

func (s *ReaderSource) acquire() (bufferpool.Buffer, error) {
	if s.pool != nil {
		return s.pool.Acquire(s.ctx, s.readSize)
	}
	return bufferpool.Heap(make([]byte, s.readSize)), nil
}

func (s *ReaderSource) emit(b bufferpool.Buffer) {
	s.mu.Lock()
	listeners := s.dataListeners
	s.mu.Unlock()

	if len(listeners) == 0 {
		b.Release()
		return
	}
	for _, fn := range listeners {
		fn(b)
	}
}

func (s *ReaderSource) end() {
	s.mu.Lock()
	listeners := s.endListeners
	s.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

func (s *ReaderSource) fail(err error) {
	s.mu.Lock()
	listeners := s.errListeners
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(err)
	}
}
