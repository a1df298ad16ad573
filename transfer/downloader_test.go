package transfer

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitrise-io/go-blobtransfer/blockrange"
	"github.com/bitrise-io/go-blobtransfer/chunkstream"
	internaltesting "github.com/bitrise-io/go-blobtransfer/internal/testing"
	"github.com/bitrise-io/go-blobtransfer/network"
)

// threeBlocks is a committed object of 5000+3000+9000 bytes with one
// uncommitted block staged on top.
func threeBlocks() *blockrange.BlockList {
	return &blockrange.BlockList{
		ObjectSize: 17_000,
		Groups: []blockrange.BlockGroup{
			{Kind: blockrange.Committed, Blocks: []blockrange.Block{
				{Name: "b0", Size: 5000},
				{Name: "b1", Size: 3000},
				{Name: "b2", Size: 9000},
			}},
			{Kind: blockrange.Uncommitted, Blocks: []blockrange.Block{
				{Name: "staged", Size: 4096},
			}},
		},
	}
}

func newTestDownloader(t *testing.T, list *blockrange.BlockList, fetcher *memFetcher, config Config, opts DownloaderOptions) *Downloader {
	t.Helper()
	d, err := NewDownloader(memLister{list: list}, fetcher, config, log.NewLogger(), opts)
	require.NoError(t, err)
	return d
}

func TestDownloader_Download(t *testing.T) {
	data := randomData(17_000, 10)
	fetcher := newMemFetcher(data)
	dest := filepath.Join(t.TempDir(), "out", "blob.bin")

	config := testConfig(t)
	config.Concurrency = 3
	d := newTestDownloader(t, threeBlocks(), fetcher, config, DownloaderOptions{})

	result, err := d.Download(context.Background(), "blob.bin", dest)
	require.NoError(t, err)

	assert.Equal(t, int64(17_000), result.Size)
	assert.Equal(t, 6, result.Chunks, "blocks are split into chunk sized reads")
	assert.NoError(t, internaltesting.NewFileChecker(dest).IsFile().Size(17_000).Content(data).Check())

	for _, r := range fetcher.ranges() {
		assert.LessOrEqual(t, r.Size, int64(testChunkSize))
	}
	assert.Equal(t, 0, d.pool.Stats().InUse)
}

func TestDownloader_OverwritesLongerFile(t *testing.T) {
	data := randomData(17_000, 11)
	dest := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, os.WriteFile(dest, randomData(40_000, 12), 0600))

	d := newTestDownloader(t, threeBlocks(), newMemFetcher(data), testConfig(t), DownloaderOptions{})
	_, err := d.Download(context.Background(), "blob.bin", dest)
	require.NoError(t, err)

	assert.NoError(t, internaltesting.NewFileChecker(dest).Content(data).Check())
}

func TestDownloader_ResumesFromCheckpoint(t *testing.T) {
	data := randomData(17_000, 13)
	dir := t.TempDir()
	dest := filepath.Join(dir, "blob.bin")
	checkpointPath := filepath.Join(dir, "download.ckpt")

	config := testConfig(t)
	config.Concurrency = 1
	config.CheckpointPath = checkpointPath

	fetcher := newMemFetcher(data)
	fetcher.failFrom = 8000
	_, err := newTestDownloader(t, threeBlocks(), fetcher, config, DownloaderOptions{}).Download(context.Background(), "blob.bin", dest)
	require.Error(t, err)
	require.NoError(t, internaltesting.NewFileChecker(dest).IsFile().Check(), "the partial file is kept")

	cp, err := NewCheckpointStore(checkpointPath, nil).Load()
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, blockrange.Cursor{KindIndex: 0, ItemIndex: 2, Offset: 8000}, cp.Cursor)

	retry := newMemFetcher(data)
	result, err := newTestDownloader(t, threeBlocks(), retry, config, DownloaderOptions{}).Download(context.Background(), "blob.bin", dest)
	require.NoError(t, err)

	assert.Equal(t, int64(8000), result.ResumedBytes)
	for _, r := range retry.ranges() {
		assert.GreaterOrEqual(t, r.Start, int64(8000), "completed blocks are not fetched again")
	}
	assert.NoError(t, internaltesting.NewFileChecker(dest).Content(data).Check())
	assert.NoError(t, internaltesting.NewFileChecker(checkpointPath).Missing().Check())
}

func TestDownloader_InvalidCheckpointStartsOver(t *testing.T) {
	data := randomData(17_000, 14)
	dir := t.TempDir()
	dest := filepath.Join(dir, "blob.bin")
	checkpointPath := filepath.Join(dir, "download.ckpt")
	require.NoError(t, NewCheckpointStore(checkpointPath, nil).Save(Checkpoint{
		Direction: DirectionDownload,
		Object:    "blob.bin",
		Path:      dest,
		ChunkSize: testChunkSize,
		Size:      17_000,
		Cursor:    blockrange.Cursor{KindIndex: 0, ItemIndex: 1, Offset: 1234},
	}))

	config := testConfig(t)
	config.CheckpointPath = checkpointPath
	fetcher := newMemFetcher(data)
	result, err := newTestDownloader(t, threeBlocks(), fetcher, config, DownloaderOptions{}).Download(context.Background(), "blob.bin", dest)
	require.NoError(t, err)

	assert.Zero(t, result.ResumedBytes)
	assert.Len(t, fetcher.ranges(), 6)
	assert.NoError(t, internaltesting.NewFileChecker(dest).Content(data).Check())
}

func TestDownloader_FailureRemovesPartialFile(t *testing.T) {
	fetcher := newMemFetcher(randomData(17_000, 15))
	fetcher.failFrom = 0
	dest := filepath.Join(t.TempDir(), "blob.bin")

	d := newTestDownloader(t, threeBlocks(), fetcher, testConfig(t), DownloaderOptions{})
	_, err := d.Download(context.Background(), "blob.bin", dest)

	assert.ErrorContains(t, err, "connection reset")
	assert.NoError(t, internaltesting.NewFileChecker(dest).Missing().Check())
	assert.Equal(t, 0, d.pool.Stats().InUse)
}

func TestDownloader_SingleBlockUsesWholeDownload(t *testing.T) {
	list := &blockrange.BlockList{ObjectSize: 20_000}
	fetcher := newMemFetcher(randomData(20_000, 16))
	dest := filepath.Join(t.TempDir(), "blob.bin")

	var mu sync.Mutex
	var calls []string
	whole := func(_ context.Context, object, path string) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, object+"->"+path)
		return os.WriteFile(path, fetcher.data, 0600)
	}

	d := newTestDownloader(t, list, fetcher, testConfig(t), DownloaderOptions{Whole: whole})
	result, err := d.Download(context.Background(), "blob.bin", dest)
	require.NoError(t, err)

	assert.Equal(t, []string{"blob.bin->" + dest}, calls)
	assert.Equal(t, int64(20_000), result.Size)
	assert.Empty(t, fetcher.ranges())
	assert.NoError(t, internaltesting.NewFileChecker(dest).Content(fetcher.data).Check())
}

// authenticatedObjectServer serves one committed single-block object and
// counts requests missing the bearer token.
func authenticatedObjectServer(t *testing.T, token, object string, data []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var unauthorized atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			unauthorized.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/blobs/"+object {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("comp") == "blocklist" {
			fmt.Fprintf(w, `{"groups":[{"kind":"committed","blocks":[{"name":"b0","size":%d}]}],"object_size":%d}`, len(data), len(data))
			return
		}
		http.ServeContent(w, r, object, time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)
	return server, &unauthorized
}

func TestDownloader_WholeDownloadSendsCredentials(t *testing.T) {
	data := randomData(300_000, 17)
	server, unauthorized := authenticatedObjectServer(t, "secret", "blob.bin", data)
	endpoint := network.HTTPEndpoint{BaseURL: server.URL, Token: "secret", Container: "blobs"}
	logger := log.NewLogger()

	fetcher, err := network.NewHTTPRangeFetcher(endpoint, logger)
	require.NoError(t, err)
	d, err := NewDownloader(network.NewHTTPBlockLister(endpoint, logger), fetcher, testConfig(t), logger, DownloaderOptions{
		Whole: func(ctx context.Context, object, dest string) error {
			return network.Download(ctx, endpoint, object, dest, logger)
		},
	})
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "blob.bin")
	result, err := d.Download(context.Background(), "blob.bin", dest)

	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), result.Size)
	assert.Equal(t, int32(0), unauthorized.Load())
	assert.NoError(t, internaltesting.NewFileChecker(dest).Content(data).Check())
}

func TestDownloader_EmptyObject(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "empty.bin")
	d := newTestDownloader(t, &blockrange.BlockList{ObjectSize: 0}, newMemFetcher(nil), testConfig(t), DownloaderOptions{})

	result, err := d.Download(context.Background(), "empty.bin", dest)
	require.NoError(t, err)
	assert.Zero(t, result.Size)
	assert.NoError(t, internaltesting.NewFileChecker(dest).IsFile().Size(0).Check())
}

func TestDownloader_ListErrors(t *testing.T) {
	d, err := NewDownloader(memLister{err: network.ErrObjectNotFound}, newMemFetcher(nil), testConfig(t), log.NewLogger(), DownloaderOptions{})
	require.NoError(t, err)

	_, err = d.Download(context.Background(), "missing.bin", filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, network.ErrObjectNotFound)

	malformed := &blockrange.BlockList{ObjectSize: -1}
	d = newTestDownloader(t, malformed, newMemFetcher(nil), testConfig(t), DownloaderOptions{})
	_, err = d.Download(context.Background(), "blob.bin", filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, blockrange.ErrMalformedBlockList)
}

func TestDownloader_PausedUntilResume(t *testing.T) {
	data := randomData(17_000, 17)
	fetcher := newMemFetcher(data)
	dest := filepath.Join(t.TempDir(), "blob.bin")

	controller := NewController()
	controller.Pause()
	d := newTestDownloader(t, threeBlocks(), fetcher, testConfig(t), DownloaderOptions{Controller: controller})

	done := make(chan error, 1)
	go func() {
		_, err := d.Download(context.Background(), "blob.bin", dest)
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, fetcher.ranges(), "nothing is fetched while paused")

	controller.Resume()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not finish")
	}
	assert.NoError(t, internaltesting.NewFileChecker(dest).Content(data).Check())
}

func TestSplitRange(t *testing.T) {
	tests := []struct {
		name string
		r    chunkstream.Range
		size int64
		want []chunkstream.Range
	}{
		{name: "fits", r: chunkstream.NewRange(0, 100), size: 100, want: []chunkstream.Range{chunkstream.NewRange(0, 100)}},
		{name: "split with tail", r: chunkstream.NewRange(5000, 9000), size: 4096, want: []chunkstream.Range{
			chunkstream.NewRange(5000, 4096),
			chunkstream.NewRange(9096, 4096),
			chunkstream.NewRange(13192, 808),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitRange(tt.r, tt.size))
		})
	}
}
