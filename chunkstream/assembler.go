package chunkstream

import (
	"errors"
	"fmt"
	"hash"
	"sync"

	"github.com/bitrise-io/go-blobtransfer/bufferpool"
)

// ErrStreamEnded is returned for writes after End.
var ErrStreamEnded = errors.New("chunkstream: write after end")

// AssemblerOptions configures an Assembler.
type AssemblerOptions struct {
	// Pool supplies chunk buffers. It is only used when its chunk size
	// matches the assembler's; otherwise chunks are heap allocated.
	Pool *bufferpool.Pool

	// ComputeHash enables a running digest over every written byte.
	ComputeHash bool

	// HashAlgorithm selects the digest, DefaultHashAlgorithm when empty.
	HashAlgorithm HashAlgorithm
}

// Assembler turns writes of any size into chunks of exactly chunkSize bytes
// (the last one may be shorter) and emits them in offset order to the data
// listeners.
//
// Writes are expected from a single producer; Pause and Resume may be called
// from any goroutine, including from inside a listener.
type Assembler struct {
	chunkSize int64
	pool      *bufferpool.Pool
	hasher    hash.Hash

	mu         sync.Mutex
	started    bool
	paused     bool
	ended      bool
	endEmitted bool
	draining   bool
	digest     []byte

	pending    bufferpool.Buffer
	pendingLen int64
	offset     int64
	ready      []Chunk

	dataListeners   []func(Chunk)
	endListeners    []func()
	resumeListeners []func()
}

// NewAssembler creates an assembler emitting chunkSize sized chunks.
func NewAssembler(chunkSize int64, opts AssemblerOptions) (*Assembler, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size: %d", chunkSize)
	}

	a := &Assembler{
		chunkSize: chunkSize,
	}
	if opts.Pool != nil && opts.Pool.ChunkSize() == chunkSize {
		a.pool = opts.Pool
	}
	if opts.ComputeHash {
		hasher, err := opts.HashAlgorithm.New()
		if err != nil {
			return nil, err
		}
		a.hasher = hasher
	}

	return a, nil
}

// ChunkSize returns the size of the emitted chunks.
func (a *Assembler) ChunkSize() int64 {
	return a.chunkSize
}

// OnData registers a chunk listener. Chunks written before the first listener
// was attached are delivered once it is.
func (a *Assembler) OnData(fn func(Chunk)) {
	a.mu.Lock()
	a.dataListeners = append(a.dataListeners, fn)
	a.mu.Unlock()

	a.drain()
}

// OnEnd registers a listener called once, after the last chunk was delivered.
func (a *Assembler) OnEnd(fn func()) {
	a.mu.Lock()
	a.endListeners = append(a.endListeners, fn)
	a.mu.Unlock()

	a.drain()
}

// OnResume registers a listener called whenever a paused assembler is resumed.
func (a *Assembler) OnResume(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resumeListeners = append(a.resumeListeners, fn)
}

// Write copies p into the running chunk, emitting every chunk it completes.
func (a *Assembler) Write(p []byte) (int, error) {
	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return 0, ErrStreamEnded
	}
	a.consumeLocked(p, bufferpool.Buffer{}, false)
	a.mu.Unlock()

	a.drain()
	return len(p), nil
}

// WriteBuffer appends the contents of b and takes ownership of it. When no
// partial chunk is pending, chunk aligned parts of b are emitted without
// copying; a buffer of exactly one chunk is emitted as is.
func (a *Assembler) WriteBuffer(b bufferpool.Buffer) error {
	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		b.Release()
		return ErrStreamEnded
	}
	a.consumeLocked(b.Bytes(), b, true)
	a.mu.Unlock()

	a.drain()
	return nil
}

// End flushes the remaining bytes as a final, possibly short, chunk and marks
// the stream ended. Calling End again is a no-op.
func (a *Assembler) End() error {
	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return nil
	}

	if a.pendingLen > 0 {
		a.emitLocked(a.pending.Truncate(int(a.pendingLen)), a.pendingLen)
	} else {
		a.pending.Release()
	}
	a.pending = bufferpool.Buffer{}
	a.pendingLen = 0

	if a.hasher != nil {
		a.digest = a.hasher.Sum(nil)
	}
	a.started = true
	a.ended = true
	a.mu.Unlock()

	a.drain()
	return nil
}

// Pause stops chunk delivery. Written data keeps being chunked and queued.
func (a *Assembler) Pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = true
}

// Resume restarts chunk delivery and notifies the resume listeners.
// It does not restart any upstream producer.
func (a *Assembler) Resume() {
	a.mu.Lock()
	wasPaused := a.paused
	a.paused = false
	listeners := a.resumeListeners
	a.mu.Unlock()

	if wasPaused {
		for _, fn := range listeners {
			fn()
		}
	}
	a.drain()
}

// Paused reports whether delivery is suppressed.
func (a *Assembler) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// State returns the lifecycle state of the stream.
func (a *Assembler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.ended:
		return StateEnded
	case a.paused:
		return StatePaused
	case a.offset > 0:
		return StateEmitting
	case a.started:
		return StateOpen
	default:
		return StateIdle
	}
}

// Written returns the number of bytes accepted so far.
func (a *Assembler) Written() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset + a.pendingLen
}

// Digest returns the content hash of everything written.
// It panics with ErrHashingDisabled when hashing was not requested and with
// ErrDigestNotReady when called before End.
func (a *Assembler) Digest() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.hasher == nil {
		panic(ErrHashingDisabled)
	}
	if !a.ended {
		panic(ErrDigestNotReady)
	}
	return append([]byte(nil), a.digest...)
}

func (a *Assembler) consumeLocked(data []byte, src bufferpool.Buffer, owned bool) {
	a.started = true
	if a.hasher != nil {
		a.hasher.Write(data)
	}

	handedOff := false
	for len(data) > 0 {
		if owned && a.pendingLen == 0 && int64(len(data)) >= a.chunkSize {
			whole := len(data) == src.Len()
			if whole && int64(len(data)) == a.chunkSize {
				a.emitLocked(src, a.chunkSize)
				handedOff = true
				break
			}
			if !src.Pooled() {
				a.emitLocked(bufferpool.Heap(data[:a.chunkSize:a.chunkSize]), a.chunkSize)
				data = data[a.chunkSize:]
				continue
			}
		}

		if a.pending.IsZero() {
			a.pending = a.newChunkBuffer()
		}
		n := copy(a.pending.Bytes()[a.pendingLen:], data)
		a.pendingLen += int64(n)
		data = data[n:]

		if a.pendingLen == a.chunkSize {
			a.emitLocked(a.pending, a.chunkSize)
			a.pending = bufferpool.Buffer{}
			a.pendingLen = 0
		}
	}

	if owned && !handedOff && src.Pooled() {
		src.Release()
	}
}

func (a *Assembler) newChunkBuffer() bufferpool.Buffer {
	if a.pool != nil {
		return a.pool.AcquireSync(a.chunkSize)
	}
	return bufferpool.Heap(make([]byte, a.chunkSize))
}

func (a *Assembler) emitLocked(buf bufferpool.Buffer, size int64) {
	r := NewRange(a.offset, size)
	a.offset += size
	a.ready = append(a.ready, Chunk{Buffer: buf, Range: r})
}

// drain delivers queued chunks and the end event. Only one goroutine drains at
// a time; others enqueue and leave, which keeps delivery in offset order.
func (a *Assembler) drain() {
	a.mu.Lock()
	if a.draining {
		a.mu.Unlock()
		return
	}
	a.draining = true

	for !a.paused {
		if len(a.ready) > 0 {
			if len(a.dataListeners) == 0 {
				break
			}
			chunk := a.ready[0]
			a.ready[0] = Chunk{}
			a.ready = a.ready[1:]
			listeners := a.dataListeners

			a.mu.Unlock()
			for _, fn := range listeners {
				fn(chunk)
			}
			a.mu.Lock()
			continue
		}

		if a.ended && !a.endEmitted && len(a.endListeners) > 0 {
			a.endEmitted = true
			listeners := a.endListeners

			a.mu.Unlock()
			for _, fn := range listeners {
				fn()
			}
			a.mu.Lock()
		}
		break
	}

	a.draining = false
	a.mu.Unlock()
}
