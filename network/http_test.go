package network

import (
	"context"
	"crypto/md5"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bitrise-io/go-blobtransfer/blockrange"
	"github.com/bitrise-io/go-blobtransfer/bufferpool"
	"github.com/bitrise-io/go-blobtransfer/chunkstream"
	"github.com/bitrise-io/go-blobtransfer/network/chunkuploader"
)

func testSinkOptions() HTTPSinkOptions {
	config := chunkuploader.DefaultConfig()
	config.RetryBackoff = time.Millisecond
	config.HungThreshold = 0
	return HTTPSinkOptions{Uploader: config, ContentMD5: true}
}

func chunksOf(data []byte, chunkSize int64) []chunkstream.Chunk {
	var chunks []chunkstream.Chunk
	for start := int64(0); start < int64(len(data)); start += chunkSize {
		end := start + chunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		chunks = append(chunks, chunkstream.Chunk{
			Buffer: bufferpool.Heap(data[start:end]),
			Range:  chunkstream.NewRange(start, end-start),
		})
	}
	return chunks
}

func randomBytes(size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	return data
}

func TestHTTPSink_UploadAndCommit(t *testing.T) {
	svc, server := newBlockService(t)
	data := randomBytes(2500)

	sink, err := NewHTTPSink(svc.endpoint(server.URL), "dir/blob.bin", 1000, testSinkOptions(), log.NewLogger())
	require.NoError(t, err)

	chunks := chunksOf(data, 1000)
	// Chunks may arrive out of order.
	for _, i := range []int{2, 0, 1} {
		require.NoError(t, sink.WriteChunk(context.Background(), chunks[i]))
	}
	assert.Len(t, sink.Parts(), 3)

	digest := md5.Sum(data)
	err = sink.Commit(context.Background(), CommitInfo{Size: 2500, ChunkSize: 1000, Digest: digest[:], HashAlgorithm: "md5"})
	require.NoError(t, err)

	assert.Equal(t, data, svc.object("dir/blob.bin"))
	commits := svc.commitRequests()
	require.Len(t, commits, 1)
	assert.Equal(t, []string{BlockID(0), BlockID(1), BlockID(2)}, commits[0].BlockIDs)
	assert.Equal(t, hexDigest(digest[:]), commits[0].Digest)
	assert.Equal(t, int64(3), sink.Stats().FinishedCount())
}

func TestHTTPSink_RetriesTemporaryFailures(t *testing.T) {
	svc, server := newBlockService(t)
	svc.failStage = 1

	sink, err := NewHTTPSink(svc.endpoint(server.URL), "blob", 4, testSinkOptions(), log.NewLogger())
	require.NoError(t, err)

	require.NoError(t, sink.WriteChunk(context.Background(), chunksOf([]byte("abcd"), 4)[0]))
	assert.Equal(t, 2, svc.stageRequests())
}

func TestHTTPSink_CommitRejectsGaps(t *testing.T) {
	svc, server := newBlockService(t)
	sink, err := NewHTTPSink(svc.endpoint(server.URL), "blob", 4, testSinkOptions(), log.NewLogger())
	require.NoError(t, err)

	chunks := chunksOf([]byte("abcdefghij"), 4)
	require.NoError(t, sink.WriteChunk(context.Background(), chunks[0]))
	require.NoError(t, sink.WriteChunk(context.Background(), chunks[2]))

	err = sink.Commit(context.Background(), CommitInfo{Size: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing chunk 1")
	assert.Empty(t, svc.commitRequests())
}

func TestHTTPSink_RejectsUnalignedChunk(t *testing.T) {
	svc, server := newBlockService(t)
	sink, err := NewHTTPSink(svc.endpoint(server.URL), "blob", 4, testSinkOptions(), log.NewLogger())
	require.NoError(t, err)

	chunk := chunkstream.Chunk{Buffer: bufferpool.Heap([]byte("ab")), Range: chunkstream.NewRange(3, 2)}
	assert.Error(t, sink.WriteChunk(context.Background(), chunk))
}

func TestHTTPSink_Abort(t *testing.T) {
	svc, server := newBlockService(t)
	sink, err := NewHTTPSink(svc.endpoint(server.URL), "blob", 4, testSinkOptions(), log.NewLogger())
	require.NoError(t, err)

	require.NoError(t, sink.WriteChunk(context.Background(), chunksOf([]byte("abcd"), 4)[0]))
	require.Equal(t, 1, svc.stagedCount("blob"))

	require.NoError(t, sink.Abort(context.Background()))
	assert.Equal(t, 0, svc.stagedCount("blob"))
	assert.Empty(t, sink.Parts())
}

func TestHTTPSink_ResumeFromUncommittedBlocks(t *testing.T) {
	svc, server := newBlockService(t)
	data := randomBytes(3000)
	endpoint := svc.endpoint(server.URL)

	first, err := NewHTTPSink(endpoint, "blob", 1000, testSinkOptions(), log.NewLogger())
	require.NoError(t, err)
	chunks := chunksOf(data, 1000)
	require.NoError(t, first.WriteChunk(context.Background(), chunks[0]))
	require.NoError(t, first.WriteChunk(context.Background(), chunks[1]))

	enumerator := blockrange.NewEnumerator(NewHTTPBlockLister(endpoint, log.NewLogger()), blockrange.ListOptions{Object: "blob"}, log.NewLogger())
	require.NoError(t, enumerator.List(context.Background()))

	second, err := NewHTTPSink(endpoint, "blob", 1000, testSinkOptions(), log.NewLogger())
	require.NoError(t, err)
	require.NoError(t, second.ResumeUpload(context.Background(), second.UploadID()))

	var adopted []Part
	for _, d := range enumerator.Descriptors() {
		require.Equal(t, blockrange.Uncommitted, d.Kind)
		index, err := second.BlockIndex(d.Name)
		require.NoError(t, err)
		adopted = append(adopted, Part{Index: index, Range: chunkstream.NewRange(int64(index)*1000, d.Size)})
	}
	require.NoError(t, second.Adopt(adopted))

	require.NoError(t, second.WriteChunk(context.Background(), chunks[2]))
	require.NoError(t, second.Commit(context.Background(), CommitInfo{Size: 3000}))
	assert.Equal(t, data, svc.object("blob"))
}

func TestHTTPBlockLister(t *testing.T) {
	svc, server := newBlockService(t)
	svc.put("blob", randomBytes(250), 100)
	lister := NewHTTPBlockLister(svc.endpoint(server.URL), log.NewLogger())

	list, err := lister.ListBlocks(context.Background(), "", "blob")
	require.NoError(t, err)
	assert.Equal(t, int64(250), list.ObjectSize)

	groups, err := blockrange.Normalize(list, "blob")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []blockrange.Block{{Name: BlockID(0), Size: 100}, {Name: BlockID(1), Size: 100}, {Name: BlockID(2), Size: 50}}, groups[0].Blocks)

	_, err = lister.ListBlocks(context.Background(), "", "missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	_, err = lister.ListBlocks(context.Background(), "other", "blob")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestHTTPBlockLister_MalformedResponse(t *testing.T) {
	server := newJSONServer(t, `{"groups": [{"kind": "pending", "blocks": []}]}`)
	lister := NewHTTPBlockLister(HTTPEndpoint{BaseURL: server.URL, Container: "c"}, log.NewLogger())

	_, err := lister.ListBlocks(context.Background(), "", "blob")
	assert.ErrorIs(t, err, blockrange.ErrMalformedBlockList)
}

func TestHTTPRangeFetcher(t *testing.T) {
	svc, server := newBlockService(t)
	data := randomBytes(1000)
	svc.put("blob", data, 1000)

	fetcher, err := NewHTTPRangeFetcher(svc.endpoint(server.URL), log.NewLogger())
	require.NoError(t, err)

	dst := make([]byte, 300)
	require.NoError(t, fetcher.FetchRange(context.Background(), "blob", chunkstream.NewRange(600, 300), dst))
	assert.Equal(t, data[600:900], dst)

	assert.Error(t, fetcher.FetchRange(context.Background(), "blob", chunkstream.NewRange(0, 10), make([]byte, 5)))
	assert.ErrorIs(t, fetcher.FetchRange(context.Background(), "missing", chunkstream.NewRange(0, 1), make([]byte, 1)), ErrObjectNotFound)
}

func TestDownload(t *testing.T) {
	svc, server := newBlockService(t)
	data := randomBytes(3 * 1024 * 1024)
	svc.put("big.bin", data, 1024*1024)

	dest := filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, Download(context.Background(), svc.endpoint(server.URL), "big.bin", dest, log.NewLogger()))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownload_Credentials(t *testing.T) {
	svc, server := newBlockService(t)
	data := randomBytes(2 * 1024 * 1024)
	svc.put("big.bin", data, 1024*1024)

	wrongToken := svc.endpoint(server.URL)
	wrongToken.Token = "expired"
	dest := filepath.Join(t.TempDir(), "rejected.bin")
	assert.Error(t, Download(context.Background(), wrongToken, "big.bin", dest, log.NewLogger()))

	var mu sync.Mutex
	var seen []string
	headerServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("X-Build-Slug"))
		mu.Unlock()
		r.Header.Del("X-Build-Slug")
		svc.ServeHTTP(w, r)
	}))
	t.Cleanup(headerServer.Close)

	withHeaders := svc.endpoint(headerServer.URL)
	withHeaders.Headers = map[string]string{"X-Build-Slug": "build-42"}
	dest = filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, Download(context.Background(), withHeaders, "big.bin", dest, log.NewLogger()))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for _, value := range seen {
		assert.Equal(t, "build-42", value)
	}
}

func TestCreateCustomRetryFunction(t *testing.T) {
	mockLogger := new(mocks.Logger)
	mockLogger.On("Debugf", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return()
	checkRetry := createCustomRetryFunction(mockLogger)

	cases := []struct {
		name     string
		response *http.Response
		error    error
		expected bool
	}{
		{name: "Retry for transport error", response: &http.Response{}, error: errors.New("EOF"), expected: true},
		{name: "No retry for HTTP 404 status code", response: &http.Response{StatusCode: 404}, expected: false},
		{name: "Retry for HTTP 429 status code", response: &http.Response{StatusCode: 429}, expected: true},
		{name: "Retry for HTTP 500 status code", response: &http.Response{StatusCode: 500}, expected: true},
		{name: "No retry for HTTP 200 status code", response: &http.Response{StatusCode: 200}, expected: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			retry, _ := checkRetry(context.Background(), tc.response, tc.error)
			assert.Equal(t, tc.expected, retry)
		})
	}
	mockLogger.AssertNumberOfCalls(t, "Debugf", len(cases))
}
