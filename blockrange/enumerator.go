package blockrange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/go-blobtransfer/chunkstream"
)

// ErrNotListed is returned by operations that need a block list before List ran.
var ErrNotListed = errors.New("block list not loaded")

// Enumerator emits the blocks of an object as descriptors, committed kinds
// first as reported by the service, offsets accumulated across all kinds.
//
// Emission is push based (OnRange/OnEnd with Pause/Resume) or pull based
// (Next); both advance the same cursor.
type Enumerator struct {
	lister Lister
	opts   ListOptions
	logger log.Logger

	mu         sync.Mutex
	groups     []BlockGroup
	listed     bool
	cursor     Cursor
	paused     bool
	endEmitted bool
	draining   bool
	onRange    []func(BlockDescriptor)
	onEnd      []func()
}

// NewEnumerator creates an enumerator for the object named by opts.
func NewEnumerator(lister Lister, opts ListOptions, logger log.Logger) *Enumerator {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Enumerator{
		lister: lister,
		opts:   opts,
		logger: logger,
	}
}

// List queries and validates the block list and rewinds the cursor.
func (e *Enumerator) List(ctx context.Context) error {
	list, err := e.lister.ListBlocks(ctx, e.opts.Container, e.opts.Object)
	if err != nil {
		return fmt.Errorf("list blocks of %s: %w", e.objectName(), err)
	}

	groups, err := Normalize(list, e.opts.Object)
	if err != nil {
		return fmt.Errorf("list blocks of %s: %w", e.objectName(), err)
	}

	e.mu.Lock()
	e.groups = groups
	e.listed = true
	e.cursor = Canonical(groups, Cursor{})
	e.endEmitted = false
	e.mu.Unlock()

	for _, group := range groups {
		e.logger.Debugf("%s: %d %s blocks", e.objectName(), len(group.Blocks), group.Kind)
	}

	e.drain()
	return nil
}

// Load uses an already fetched block list instead of querying the lister.
func (e *Enumerator) Load(list *BlockList) error {
	groups, err := Normalize(list, e.opts.Object)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.groups = groups
	e.listed = true
	e.cursor = Canonical(groups, Cursor{})
	e.endEmitted = false
	e.mu.Unlock()

	e.drain()
	return nil
}

// OnRange registers a descriptor listener. Emission starts once the block
// list is loaded and a listener is attached.
func (e *Enumerator) OnRange(fn func(BlockDescriptor)) {
	e.mu.Lock()
	e.onRange = append(e.onRange, fn)
	e.mu.Unlock()

	e.drain()
}

// OnEnd registers a listener called once after the last descriptor.
func (e *Enumerator) OnEnd(fn func()) {
	e.mu.Lock()
	e.onEnd = append(e.onEnd, fn)
	e.mu.Unlock()

	e.drain()
}

// Pause stops emission after the descriptor being delivered.
func (e *Enumerator) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
}

// Resume continues emission from the cursor.
func (e *Enumerator) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()

	e.drain()
}

// Paused reports whether emission is on hold.
func (e *Enumerator) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Next returns the descriptor at the cursor and advances it.
func (e *Enumerator) Next() (BlockDescriptor, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.listed {
		return BlockDescriptor{}, false
	}
	d, next, ok := Step(e.groups, e.cursor)
	if ok {
		e.cursor = next
	}
	return d, ok
}

// Cursor returns the position of the next descriptor.
func (e *Enumerator) Cursor() Cursor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// Seek moves the cursor, typically to one restored from a checkpoint.
// The cursor offset must match the block it points at.
func (e *Enumerator) Seek(c Cursor) error {
	e.mu.Lock()
	if !e.listed {
		e.mu.Unlock()
		return ErrNotListed
	}
	if e.endEmitted {
		e.mu.Unlock()
		return errors.New("enumeration already ended")
	}

	offset, err := OffsetOf(e.groups, c)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if offset != c.Offset {
		e.mu.Unlock()
		return fmt.Errorf("cursor offset mismatch: %s, block starts at %d", c, offset)
	}
	e.cursor = Canonical(e.groups, c)
	e.mu.Unlock()

	e.drain()
	return nil
}

// Done reports whether every descriptor was emitted.
func (e *Enumerator) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listed && Done(e.groups, e.cursor)
}

// Groups returns the validated block groups.
func (e *Enumerator) Groups() []BlockGroup {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]BlockGroup(nil), e.groups...)
}

// Descriptors returns every descriptor independently of the cursor.
func (e *Enumerator) Descriptors() []BlockDescriptor {
	e.mu.Lock()
	groups := e.groups
	e.mu.Unlock()

	var descriptors []BlockDescriptor
	c := Cursor{}
	for {
		d, next, ok := Step(groups, c)
		if !ok {
			break
		}
		descriptors = append(descriptors, d)
		c = next
	}
	return descriptors
}

// Ranges returns the byte ranges of every descriptor.
func (e *Enumerator) Ranges() []chunkstream.Range {
	descriptors := e.Descriptors()
	ranges := make([]chunkstream.Range, 0, len(descriptors))
	for _, d := range descriptors {
		ranges = append(ranges, d.Range())
	}
	return ranges
}

// TotalSize returns the number of bytes covered by all blocks.
func (e *Enumerator) TotalSize() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	size, _ := OffsetOf(e.groups, Cursor{KindIndex: len(e.groups)})
	return size
}

func (e *Enumerator) objectName() string {
	if e.opts.Container == "" {
		return e.opts.Object
	}
	return e.opts.Container + "/" + e.opts.Object
}

func (e *Enumerator) drain() {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true

	for e.listed && !e.paused {
		d, next, ok := Step(e.groups, e.cursor)
		if ok {
			if len(e.onRange) == 0 {
				break
			}
			e.cursor = next
			listeners := e.onRange

			e.mu.Unlock()
			for _, fn := range listeners {
				fn(d)
			}
			e.mu.Lock()
			continue
		}

		// End waits for a listener like descriptors do.
		if !e.endEmitted && len(e.onEnd) > 0 {
			e.endEmitted = true
			listeners := e.onEnd

			e.mu.Unlock()
			for _, fn := range listeners {
				fn()
			}
			e.mu.Lock()
		}
		break
	}

	e.draining = false
	e.mu.Unlock()
}
