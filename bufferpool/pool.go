package bufferpool

import (
	"context"
	"sync"
)

// Stats is a snapshot of the pool bookkeeping.
type Stats struct {
	Total   int
	Free    int
	InUse   int
	Pending int
}

// Pool manages buffers of exactly ChunkSize bytes. It starts empty and doubles
// its capacity on demand up to maxCount buffers. Requests for other sizes
// bypass the pool entirely.
//
// A pool should be owned by a single transfer pipeline.
type Pool struct {
	chunkSize int64
	maxCount  int

	mu      sync.Mutex
	free    [][]byte
	total   int
	inuse   int
	pending []chan []byte
	// handed out buffers, keyed by their first byte
	outstanding map[*byte]struct{}
}

// New creates a pool for chunkSize sized buffers holding at most maxCount of them.
func New(chunkSize int64, maxCount int) *Pool {
	if chunkSize < 1 {
		chunkSize = 1
	}
	if maxCount < 1 {
		maxCount = 1
	}
	return &Pool{
		chunkSize:   chunkSize,
		maxCount:    maxCount,
		outstanding: map[*byte]struct{}{},
	}
}

// ChunkSize returns the size of the pooled buffers.
func (p *Pool) ChunkSize() int64 {
	return p.chunkSize
}

// MaxCount returns the capacity limit of the pool.
func (p *Pool) MaxCount() int {
	return p.maxCount
}

// AcquireSync returns a buffer of the given size without ever blocking.
// If the pool can't serve the request a heap buffer is allocated instead.
func (p *Pool) AcquireSync(size int64) Buffer {
	if size != p.chunkSize {
		return Heap(make([]byte, size))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if data, ok := p.takeLocked(); ok {
		return Buffer{data: data, pool: p}
	}
	return Heap(make([]byte, size))
}

// Acquire returns a buffer of the given size. When a chunk sized buffer is
// requested and the pool is exhausted, the caller waits in FIFO order for the
// next Release or until ctx is done.
func (p *Pool) Acquire(ctx context.Context, size int64) (Buffer, error) {
	if size != p.chunkSize {
		return Heap(make([]byte, size)), nil
	}

	p.mu.Lock()
	if data, ok := p.takeLocked(); ok {
		p.mu.Unlock()
		return Buffer{data: data, pool: p}, nil
	}

	ch := make(chan []byte, 1)
	p.pending = append(p.pending, ch)
	p.mu.Unlock()

	select {
	case data := <-ch:
		return Buffer{data: data, pool: p}, nil
	case <-ctx.Done():
		p.mu.Lock()
		removed := p.removePendingLocked(ch)
		p.mu.Unlock()
		if !removed {
			// A release raced with the cancellation, pass the buffer on.
			p.Release(Buffer{data: <-ch, pool: p})
		}
		return Buffer{}, ctx.Err()
	}
}

// Release hands a pooled buffer back. Heap buffers, buffers of other pools,
// buffers whose length differs from the chunk size and buffers that are not
// currently handed out (a second Release) are dropped.
func (p *Pool) Release(b Buffer) {
	if b.pool != p || int64(len(b.data)) != p.chunkSize {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := &b.data[0]
	if _, ok := p.outstanding[key]; !ok {
		return
	}

	// A waiting acquirer takes over the buffer, it stays outstanding.
	if len(p.pending) > 0 {
		ch := p.pending[0]
		p.pending[0] = nil
		p.pending = p.pending[1:]
		ch <- b.data
		return
	}

	delete(p.outstanding, key)
	p.inuse--
	if p.inuse < 0 {
		p.inuse = 0
	}
	p.free = append(p.free, b.data)
}

// Trim drops every free buffer, shrinking the pool to the buffers in use.
func (p *Pool) Trim() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.total -= len(p.free)
	if p.total < 0 {
		p.total = 0
	}
	p.free = nil
}

// Stats returns the current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Total:   p.total,
		Free:    len(p.free),
		InUse:   p.inuse,
		Pending: len(p.pending),
	}
}

func (p *Pool) takeLocked() ([]byte, bool) {
	if len(p.free) == 0 {
		p.growLocked()
	}
	if len(p.free) == 0 {
		return nil, false
	}

	last := len(p.free) - 1
	data := p.free[last]
	p.free[last] = nil
	p.free = p.free[:last]
	p.inuse++
	p.outstanding[&data[0]] = struct{}{}
	return data, true
}

func (p *Pool) growLocked() {
	if p.total >= p.maxCount {
		return
	}

	target := p.total * 2
	if target == 0 {
		target = 1
	}
	if target > p.maxCount {
		target = p.maxCount
	}

	for p.total < target {
		p.free = append(p.free, make([]byte, p.chunkSize))
		p.total++
	}
}

func (p *Pool) removePendingLocked(ch chan []byte) bool {
	for i, pending := range p.pending {
		if pending == ch {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return true
		}
	}
	return false
}
