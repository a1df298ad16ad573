package chunkstream

import (
	"sync"

	"github.com/bitrise-io/go-blobtransfer/bufferpool"
)

// StreamAdapter feeds the output of a Source into an Assembler.
//
// The source is paused on construction and only resumed once a data listener
// is attached. Pause and Resume act on both the assembler and the source, so
// a consumer pausing from its data callback stops the producer too.
type StreamAdapter struct {
	asm    *Assembler
	source Source

	mu           sync.Mutex
	started      bool
	err          error
	errListeners []func(error)
}

// NewStreamAdapter wraps source, chunking its output by chunkSize.
func NewStreamAdapter(source Source, chunkSize int64, opts AssemblerOptions) (*StreamAdapter, error) {
	asm, err := NewAssembler(chunkSize, opts)
	if err != nil {
		return nil, err
	}

	source.Pause()

	a := &StreamAdapter{
		asm:    asm,
		source: source,
	}
	source.OnData(a.handleData)
	source.OnEnd(a.handleEnd)
	source.OnError(a.fail)

	return a, nil
}

// OnData registers a chunk listener and starts the source if it has not been
// started yet.
func (a *StreamAdapter) OnData(fn func(Chunk)) {
	a.asm.OnData(fn)
	a.startSource()
}

// OnEnd registers a listener called once after the last chunk.
func (a *StreamAdapter) OnEnd(fn func()) {
	a.asm.OnEnd(fn)
}

// OnResume registers a listener called when the adapter is resumed.
func (a *StreamAdapter) OnResume(fn func()) {
	a.asm.OnResume(fn)
}

// OnError registers a listener for the terminal source error. Registering
// after the failure calls fn immediately.
func (a *StreamAdapter) OnError(fn func(error)) {
	a.mu.Lock()
	err := a.err
	if err == nil {
		a.errListeners = append(a.errListeners, fn)
	}
	a.mu.Unlock()

	if err != nil {
		fn(err)
	}
}

// Pause stops chunk delivery and the source.
func (a *StreamAdapter) Pause() {
	a.asm.Pause()
	a.source.Pause()
}

// Resume restarts chunk delivery and, once started, the source.
func (a *StreamAdapter) Resume() {
	a.asm.Resume()

	a.mu.Lock()
	resume := a.started && a.err == nil
	a.mu.Unlock()

	if resume {
		a.source.Resume()
	}
}

// State returns the state of the underlying assembler.
func (a *StreamAdapter) State() State {
	return a.asm.State()
}

// Written returns the number of bytes received from the source.
func (a *StreamAdapter) Written() int64 {
	return a.asm.Written()
}

// Digest returns the content hash; see Assembler.Digest.
func (a *StreamAdapter) Digest() []byte {
	return a.asm.Digest()
}

// Err returns the terminal source error, if any.
func (a *StreamAdapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *StreamAdapter) startSource() {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.mu.Unlock()

	if !a.asm.Paused() {
		a.source.Resume()
	}
}

func (a *StreamAdapter) handleData(b bufferpool.Buffer) {
	if a.Err() != nil {
		b.Release()
		return
	}
	if err := a.asm.WriteBuffer(b); err != nil {
		a.fail(err)
	}
}

func (a *StreamAdapter) handleEnd() {
	if a.Err() != nil {
		return
	}
	if err := a.asm.End(); err != nil {
		a.fail(err)
	}
}

func (a *StreamAdapter) fail(err error) {
	a.mu.Lock()
	if a.err != nil {
		a.mu.Unlock()
		return
	}
	a.err = err
	listeners := a.errListeners
	a.errListeners = nil
	a.mu.Unlock()

	a.source.Pause()
	for _, fn := range listeners {
		fn(err)
	}
}
