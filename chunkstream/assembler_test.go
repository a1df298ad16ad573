package chunkstream

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/bitrise-io/go-blobtransfer/bufferpool"
)

type collector struct {
	chunks []Chunk
	data   [][]byte
	ends   int
}

func (c *collector) attach(a *Assembler) {
	a.OnData(func(chunk Chunk) {
		c.chunks = append(c.chunks, chunk)
		c.data = append(c.data, append([]byte(nil), chunk.Bytes()...))
	})
	a.OnEnd(func() { c.ends++ })
}

func (c *collector) ranges() []Range {
	var ranges []Range
	for _, chunk := range c.chunks {
		ranges = append(ranges, chunk.Range)
	}
	return ranges
}

func (c *collector) joined() []byte {
	return bytes.Join(c.data, nil)
}

func newTestAssembler(t *testing.T, chunkSize int64, opts AssemblerOptions) *Assembler {
	t.Helper()
	a, err := NewAssembler(chunkSize, opts)
	require.NoError(t, err)
	return a
}

func TestAssembler_ExactChunks(t *testing.T) {
	a := newTestAssembler(t, 4, AssemblerOptions{})
	c := &collector{}
	c.attach(a)

	n, err := a.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	assert.Equal(t, []Range{NewRange(0, 4), NewRange(4, 4)}, c.ranges())
	assert.Equal(t, [][]byte{[]byte("abcd"), []byte("efgh")}, c.data)
	assert.Equal(t, 0, c.ends)

	require.NoError(t, a.End())
	assert.Len(t, c.chunks, 2)
	assert.Equal(t, 1, c.ends)
}

func TestAssembler_ShortFinalChunkOnEnd(t *testing.T) {
	a := newTestAssembler(t, 4, AssemblerOptions{})
	c := &collector{}
	c.attach(a)

	_, err := a.Write([]byte("abcdefg"))
	require.NoError(t, err)
	assert.Equal(t, []Range{{Start: 0, End: 3, Size: 4}}, c.ranges())

	require.NoError(t, a.End())
	assert.Equal(t, []Range{{Start: 0, End: 3, Size: 4}, {Start: 4, End: 6, Size: 3}}, c.ranges())
	assert.Equal(t, []byte("efg"), c.data[1])
	assert.Equal(t, 1, c.ends)
}

func TestAssembler_ContiguityAndConservation(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	input := make([]byte, 10_000)
	rnd.Read(input)

	for _, chunkSize := range []int64{1, 7, 64, 1000, 4096, 20_000} {
		a := newTestAssembler(t, chunkSize, AssemblerOptions{Pool: bufferpool.New(chunkSize, 4)})
		c := &collector{}
		c.attach(a)

		rest := input
		for len(rest) > 0 {
			n := rnd.Intn(3*int(chunkSize)) + 1
			if n > len(rest) {
				n = len(rest)
			}
			_, err := a.Write(rest[:n])
			require.NoError(t, err)
			rest = rest[n:]
		}
		require.NoError(t, a.End())

		var total int64
		for i, r := range c.ranges() {
			if i == 0 {
				assert.Equal(t, int64(0), r.Start)
			} else {
				assert.Equal(t, c.chunks[i-1].Range.End+1, r.Start, "chunk size %d, chunk %d", chunkSize, i)
			}
			assert.Equal(t, r.End-r.Start+1, r.Size)
			assert.Equal(t, int64(len(c.data[i])), r.Size)
			if i < len(c.chunks)-1 {
				assert.Equal(t, chunkSize, r.Size)
			}
			total += r.Size
		}
		assert.Equal(t, int64(len(input)), total)
		assert.Equal(t, input, c.joined())
	}
}

func TestAssembler_HashDeterminism(t *testing.T) {
	input := bytes.Repeat([]byte("0123456789abcdef"), 100)

	tests := []struct {
		alg  HashAlgorithm
		want []byte
	}{
		{alg: "", want: func() []byte { s := md5.Sum(input); return s[:] }()},
		{alg: HashSHA256, want: func() []byte { s := sha256.Sum256(input); return s[:] }()},
		{alg: HashBLAKE3, want: func() []byte { s := blake3.Sum256(input); return s[:] }()},
	}
	for _, tt := range tests {
		t.Run(string(tt.alg), func(t *testing.T) {
			whole := newTestAssembler(t, 64, AssemblerOptions{ComputeHash: true, HashAlgorithm: tt.alg})
			_, err := whole.Write(input)
			require.NoError(t, err)
			require.NoError(t, whole.End())

			pieces := newTestAssembler(t, 64, AssemblerOptions{ComputeHash: true, HashAlgorithm: tt.alg})
			for i := 0; i < len(input); i += 3 {
				end := i + 3
				if end > len(input) {
					end = len(input)
				}
				_, err := pieces.Write(input[i:end])
				require.NoError(t, err)
			}
			require.NoError(t, pieces.End())

			assert.Equal(t, tt.want, whole.Digest())
			assert.Equal(t, tt.want, pieces.Digest())
		})
	}
}

func TestAssembler_DigestMisuse(t *testing.T) {
	hashing := newTestAssembler(t, 4, AssemblerOptions{ComputeHash: true})
	assert.PanicsWithValue(t, ErrDigestNotReady, func() { hashing.Digest() })

	plain := newTestAssembler(t, 4, AssemblerOptions{})
	require.NoError(t, plain.End())
	assert.PanicsWithValue(t, ErrHashingDisabled, func() { plain.Digest() })
}

func TestAssembler_InvalidOptions(t *testing.T) {
	_, err := NewAssembler(0, AssemblerOptions{})
	assert.Error(t, err)

	_, err = NewAssembler(4, AssemblerOptions{ComputeHash: true, HashAlgorithm: "crc"})
	assert.Error(t, err)
}

func TestAssembler_WriteBufferZeroCopy(t *testing.T) {
	pool := bufferpool.New(4, 2)
	a := newTestAssembler(t, 4, AssemblerOptions{Pool: pool})

	var got []Chunk
	a.OnData(func(chunk Chunk) { got = append(got, chunk) })

	buf := pool.AcquireSync(4)
	copy(buf.Bytes(), "wxyz")
	require.NoError(t, a.WriteBuffer(buf))

	require.Len(t, got, 1)
	assert.True(t, got[0].Buffer.Pooled())
	assert.Same(t, &buf.Bytes()[0], &got[0].Bytes()[0])
	assert.Equal(t, NewRange(0, 4), got[0].Range)

	got[0].Release()
	assert.Equal(t, 0, pool.Stats().InUse)
}

func TestAssembler_WriteBufferSplitsHeapBuffer(t *testing.T) {
	a := newTestAssembler(t, 4, AssemblerOptions{})
	c := &collector{}
	c.attach(a)

	data := []byte("abcdefghij")
	require.NoError(t, a.WriteBuffer(bufferpool.Heap(data)))

	require.Len(t, c.chunks, 2)
	assert.Same(t, &data[0], &c.chunks[0].Bytes()[0])
	assert.Same(t, &data[4], &c.chunks[1].Bytes()[0])

	require.NoError(t, a.End())
	assert.Equal(t, []byte("ij"), c.data[2])
	assert.Equal(t, NewRange(8, 2), c.chunks[2].Range)
}

func TestAssembler_WriteBufferAfterPartialCopiesAndReleases(t *testing.T) {
	pool := bufferpool.New(4, 4)
	a := newTestAssembler(t, 4, AssemblerOptions{Pool: pool})
	c := &collector{}
	c.attach(a)

	_, err := a.Write([]byte("ab"))
	require.NoError(t, err)

	buf := pool.AcquireSync(4)
	copy(buf.Bytes(), "cdef")
	require.NoError(t, a.WriteBuffer(buf))
	require.NoError(t, a.End())

	assert.Equal(t, []byte("abcdef"), c.joined())
	for _, chunk := range c.chunks {
		chunk.Release()
	}
	assert.Equal(t, 0, pool.Stats().InUse)
}

func TestAssembler_PauseBuffersChunks(t *testing.T) {
	a := newTestAssembler(t, 2, AssemblerOptions{})
	c := &collector{}
	c.attach(a)

	resumed := 0
	a.OnResume(func() { resumed++ })

	a.Pause()
	assert.Equal(t, StatePaused, a.State())

	_, err := a.Write([]byte("abcdef"))
	require.NoError(t, err)
	require.NoError(t, a.End())
	assert.Empty(t, c.chunks)
	assert.Equal(t, 0, c.ends)

	a.Resume()
	assert.Equal(t, 1, resumed)
	assert.Equal(t, []byte("abcdef"), c.joined())
	assert.Equal(t, 1, c.ends)

	// Resuming a running stream does not notify again.
	a.Resume()
	assert.Equal(t, 1, resumed)
}

func TestAssembler_PauseFromListener(t *testing.T) {
	a := newTestAssembler(t, 1, AssemblerOptions{})

	var got []byte
	a.OnData(func(chunk Chunk) {
		got = append(got, chunk.Bytes()...)
		a.Pause()
	})

	_, err := a.Write([]byte("xyz"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)

	a.Resume()
	assert.Equal(t, []byte("xy"), got)
	a.Resume()
	assert.Equal(t, []byte("xyz"), got)
}

func TestAssembler_BuffersUntilListenerAttached(t *testing.T) {
	a := newTestAssembler(t, 3, AssemblerOptions{})

	_, err := a.Write([]byte("abcdef"))
	require.NoError(t, err)

	c := &collector{}
	c.attach(a)
	assert.Equal(t, []byte("abcdef"), c.joined())
}

func TestAssembler_ListenersAttachedAfterEnd(t *testing.T) {
	tests := []struct {
		name   string
		attach func(a *Assembler, c *collector)
	}{
		{
			name: "data then end",
			attach: func(a *Assembler, c *collector) {
				a.OnData(func(chunk Chunk) { c.data = append(c.data, append([]byte(nil), chunk.Bytes()...)) })
				a.OnEnd(func() { c.ends++ })
			},
		},
		{
			name: "end then data",
			attach: func(a *Assembler, c *collector) {
				a.OnEnd(func() { c.ends++ })
				assert.Equal(t, 0, c.ends, "end waits for the buffered chunks")
				a.OnData(func(chunk Chunk) { c.data = append(c.data, append([]byte(nil), chunk.Bytes()...)) })
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAssembler(t, 4, AssemblerOptions{})
			_, err := a.Write([]byte("abcdefg"))
			require.NoError(t, err)
			require.NoError(t, a.End())

			c := &collector{}
			tt.attach(a, c)

			assert.Equal(t, [][]byte{[]byte("abcd"), []byte("efg")}, c.data)
			assert.Equal(t, 1, c.ends)

			a.OnEnd(func() { c.ends++ })
			assert.Equal(t, 1, c.ends, "end fires once")
		})
	}
}

func TestAssembler_EmptyStreamEnds(t *testing.T) {
	a := newTestAssembler(t, 3, AssemblerOptions{ComputeHash: true})

	ends := 0
	a.OnEnd(func() { ends++ })
	require.NoError(t, a.End())
	require.NoError(t, a.End())

	assert.Equal(t, 1, ends)
	sum := md5.Sum(nil)
	assert.Equal(t, sum[:], a.Digest())
}

func TestAssembler_WriteAfterEnd(t *testing.T) {
	pool := bufferpool.New(4, 1)
	a := newTestAssembler(t, 4, AssemblerOptions{Pool: pool})
	require.NoError(t, a.End())

	_, err := a.Write([]byte("a"))
	assert.ErrorIs(t, err, ErrStreamEnded)

	buf := pool.AcquireSync(4)
	assert.ErrorIs(t, a.WriteBuffer(buf), ErrStreamEnded)
	assert.Equal(t, 0, pool.Stats().InUse)
}

func TestAssembler_States(t *testing.T) {
	a := newTestAssembler(t, 4, AssemblerOptions{})
	assert.Equal(t, StateIdle, a.State())

	_, err := a.Write([]byte("ab"))
	require.NoError(t, err)
	assert.Equal(t, StateOpen, a.State())

	_, err = a.Write([]byte("cd"))
	require.NoError(t, err)
	assert.Equal(t, StateEmitting, a.State())
	assert.Equal(t, int64(4), a.Written())

	require.NoError(t, a.End())
	assert.Equal(t, StateEnded, a.State())
	assert.Equal(t, "ended", a.State().String())
}
