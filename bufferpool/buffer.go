// Package bufferpool provides a fixed-size byte buffer allocator with lazy growth
// and FIFO queuing of acquirers once the pool is exhausted.
package bufferpool

// Buffer is a byte slice handed out by a Pool or allocated ad hoc.
// A pooled buffer is owned by exactly one holder until it is released;
// a heap buffer is never returned to any pool.
type Buffer struct {
	data []byte
	pool *Pool
}

// Heap wraps data as an ad hoc buffer that bypasses every pool.
func Heap(data []byte) Buffer {
	return Buffer{data: data}
}

// Bytes returns the buffer contents.
func (b Buffer) Bytes() []byte {
	return b.data
}

// Len returns the length of the buffer.
func (b Buffer) Len() int {
	return len(b.data)
}

// Pooled reports whether the buffer must be released to a pool.
func (b Buffer) Pooled() bool {
	return b.pool != nil
}

// IsZero reports whether the buffer holds no memory at all.
func (b Buffer) IsZero() bool {
	return b.data == nil && b.pool == nil
}

// Release returns a pooled buffer to its pool. Heap buffers are dropped.
func (b Buffer) Release() {
	if b.pool != nil {
		b.pool.Release(b)
	}
}

// Truncate returns a buffer holding the first n bytes of b.
// When n covers the whole buffer, b is returned unchanged. Otherwise the
// bytes are copied into a heap buffer and a pooled b is released, so the
// unused tail of a pooled buffer is never handed out as live data.
func (b Buffer) Truncate(n int) Buffer {
	if n >= len(b.data) {
		return b
	}
	if n < 0 {
		n = 0
	}
	if b.pool == nil {
		return Heap(b.data[:n])
	}

	data := make([]byte, n)
	copy(data, b.data[:n])
	b.Release()
	return Heap(data)
}
