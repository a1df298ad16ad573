package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bitrise-io/go-blobtransfer/blockrange"
	"github.com/bitrise-io/go-blobtransfer/chunkstream"
	"github.com/bitrise-io/go-blobtransfer/network"
)

const testChunkSize = 4096

func testConfig(t *testing.T) Config {
	t.Helper()
	config := DefaultConfig()
	config.ChunkSize = testChunkSize
	config.PoolSize = 4
	config.Concurrency = 2
	config.Compression = "none"
	return config
}

func randomData(size int, seed int64) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

// memSink stages chunks in memory as block blob style blocks.
type memSink struct {
	mu        sync.Mutex
	staged    map[int][]byte
	committed []byte
	info      *network.CommitInfo
	aborted   int
	writes    []int
	adopted   []network.Part
	failAt    int
	onWrite   func(index int)
}

func newMemSink() *memSink {
	return &memSink{staged: map[int][]byte{}, failAt: -1}
}

func (s *memSink) WriteChunk(_ context.Context, chunk chunkstream.Chunk) error {
	index := int(chunk.Range.Start / testChunkSize)

	s.mu.Lock()
	s.writes = append(s.writes, index)
	fail := index == s.failAt
	if !fail {
		s.staged[index] = append([]byte(nil), chunk.Bytes()...)
	}
	onWrite := s.onWrite
	s.mu.Unlock()

	if onWrite != nil {
		onWrite(index)
	}
	if fail {
		return fmt.Errorf("stage chunk %d: service unavailable", index)
	}
	return nil
}

func (s *memSink) Commit(_ context.Context, info network.CommitInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	for i := 0; i < len(s.staged); i++ {
		data, ok := s.staged[i]
		if !ok {
			return fmt.Errorf("missing chunk %d", i)
		}
		buf.Write(data)
	}
	if int64(buf.Len()) != info.Size {
		return fmt.Errorf("chunks cover %d bytes, object has %d", buf.Len(), info.Size)
	}
	s.committed = buf.Bytes()
	s.info = &info
	s.staged = map[int][]byte{}
	return nil
}

func (s *memSink) Abort(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted++
	s.staged = map[int][]byte{}
	return nil
}

func (s *memSink) UploadID() string                           { return "" }
func (s *memSink) ResumeUpload(context.Context, string) error { return nil }
func (s *memSink) BlockIndex(name string) (int, error)        { return network.ParseBlockID(name) }

func (s *memSink) Adopt(parts []network.Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range parts {
		if _, ok := s.staged[p.Index]; !ok {
			return fmt.Errorf("chunk %d is not staged", p.Index)
		}
	}
	s.adopted = append(s.adopted, parts...)
	return nil
}

// ListBlocks reports the staged chunks as uncommitted blocks.
func (s *memSink) ListBlocks(context.Context, string, string) (*blockrange.BlockList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	indexes := make([]int, 0, len(s.staged))
	for i := range s.staged {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	group := blockrange.BlockGroup{Kind: blockrange.Uncommitted}
	for _, i := range indexes {
		group.Blocks = append(group.Blocks, blockrange.Block{Name: network.BlockID(i), Size: int64(len(s.staged[i]))})
	}
	return &blockrange.BlockList{Groups: []blockrange.BlockGroup{group}, ObjectSize: -1}, nil
}

func (s *memSink) writtenChunks() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.writes...)
}

func (s *memSink) setFailAt(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAt = index
}

func (s *memSink) resetWrites() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = nil
}

type memLister struct {
	list *blockrange.BlockList
	err  error
}

func (l memLister) ListBlocks(context.Context, string, string) (*blockrange.BlockList, error) {
	return l.list, l.err
}

// memFetcher serves ranges of data and records them.
type memFetcher struct {
	data []byte

	mu        sync.Mutex
	fetched   []chunkstream.Range
	failFrom  int64
	failCount int
}

func newMemFetcher(data []byte) *memFetcher {
	return &memFetcher{data: data, failFrom: -1}
}

func (f *memFetcher) FetchRange(_ context.Context, _ string, r chunkstream.Range, dst []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failFrom >= 0 && r.Start >= f.failFrom {
		f.failCount++
		return errors.New("connection reset")
	}
	if r.End >= int64(len(f.data)) {
		return fmt.Errorf("range %s beyond object", r)
	}
	copy(dst, f.data[r.Start:r.End+1])
	f.fetched = append(f.fetched, r)
	return nil
}

func (f *memFetcher) ranges() []chunkstream.Range {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chunkstream.Range(nil), f.fetched...)
}

type envRepository struct {
	envVars map[string]string
}

func (repo envRepository) Get(key string) string {
	return repo.envVars[key]
}

func (repo envRepository) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo envRepository) Unset(key string) error {
	delete(repo.envVars, key)
	return nil
}

func (repo envRepository) List() []string {
	var values []string
	for k, v := range repo.envVars {
		values = append(values, k+"="+v)
	}
	return values
}
