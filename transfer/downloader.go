package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"

	"github.com/bitrise-io/go-blobtransfer/blockrange"
	"github.com/bitrise-io/go-blobtransfer/bufferpool"
	"github.com/bitrise-io/go-blobtransfer/chunkstream"
	"github.com/bitrise-io/go-blobtransfer/internal"
	"github.com/bitrise-io/go-blobtransfer/network"
)

// WholeObjectFunc downloads a complete object into dest.
type WholeObjectFunc func(ctx context.Context, object, dest string) error

// DownloaderOptions holds the optional collaborators of a Downloader.
type DownloaderOptions struct {
	Controller *Controller
	// Whole is used for objects stored as a single block when nothing was
	// downloaded yet, typically wrapping network.Download.
	Whole   WholeObjectFunc
	EnvRepo env.Repository
	FS      internal.OsProxy
}

// Downloader reads the committed blocks of an object into a local file.
type Downloader struct {
	lister      blockrange.Lister
	fetcher     network.RangeFetcher
	config      Config
	logger      log.Logger
	controller  *Controller
	whole       WholeObjectFunc
	checkpoints *CheckpointStore
	fs          internal.OsProxy
	pool        *bufferpool.Pool
	tracker     transferTracker
}

// NewDownloader validates config and returns a downloader reading block
// lists from lister and block bytes through fetcher.
func NewDownloader(lister blockrange.Lister, fetcher network.RangeFetcher, config Config, logger log.Logger, opts DownloaderOptions) (*Downloader, error) {
	if lister == nil || fetcher == nil {
		return nil, errors.New("block lister and range fetcher are required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewLogger()
	}
	if opts.Controller == nil {
		opts.Controller = NewController()
	}
	if opts.EnvRepo == nil {
		opts.EnvRepo = env.NewRepository()
	}
	if opts.FS == nil {
		opts.FS = internal.RealOS{}
	}

	d := &Downloader{
		lister:     lister,
		fetcher:    fetcher,
		config:     config,
		logger:     logger,
		controller: opts.Controller,
		whole:      opts.Whole,
		fs:         opts.FS,
		pool:       bufferpool.New(int64(config.ChunkSize), config.PoolSize),
		tracker:    newTransferTracker(config.Analytics, opts.EnvRepo, logger),
	}
	if config.CheckpointPath != "" {
		d.checkpoints = NewCheckpointStore(config.CheckpointPath, opts.FS)
	}
	return d, nil
}

// Controller returns the controller driving the downloads.
func (d *Downloader) Controller() *Controller {
	return d.controller
}

type fetchJob struct {
	seq int
	r   chunkstream.Range
}

// Download writes object to dest. Blocks are split into chunk sized ranged
// reads fetched concurrently. With a checkpoint path configured the cursor
// after the longest completed prefix of blocks is saved, and a later call
// continues from it.
func (d *Downloader) Download(ctx context.Context, object, dest string) (Result, error) {
	start := time.Now()
	ctx, cancel := d.controller.bind(ctx)
	defer cancel()

	list, err := d.lister.ListBlocks(ctx, "", object)
	if err != nil {
		return Result{}, cause(ctx, fmt.Errorf("list blocks of %s: %w", object, err))
	}
	enumerator := blockrange.NewEnumerator(d.lister, blockrange.ListOptions{Object: object}, d.logger)
	if err := enumerator.Load(committedBlocks(list)); err != nil {
		return Result{}, fmt.Errorf("list blocks of %s: %w", object, err)
	}
	size := enumerator.TotalSize()
	blocks := len(enumerator.Descriptors())

	want := Checkpoint{
		Version:   checkpointVersion,
		Direction: DirectionDownload,
		Object:    object,
		Path:      dest,
		ChunkSize: int64(d.config.ChunkSize),
		Size:      size,
	}
	resumed := d.restore(enumerator, want)

	if err := d.fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return Result{}, fmt.Errorf("create download dir: %w", err)
	}

	if d.whole != nil && resumed == 0 && blocks == 1 {
		d.logger.Infof("Downloading %s (%s) in one piece", object, units.HumanSize(float64(size)))
		if err := d.whole(ctx, object, dest); err != nil {
			return Result{}, cause(ctx, err)
		}
		return d.finish(Result{Object: object, Size: size, Chunks: 1, Duration: time.Since(start)}), nil
	}

	flag := os.O_CREATE | os.O_WRONLY
	if resumed == 0 {
		flag |= os.O_TRUNC
	}
	f, err := d.fs.OpenFile(dest, flag, 0644)
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", dest, err)
	}
	closed := false
	defer func() {
		if closed {
			return
		}
		if err := f.Close(); err != nil {
			d.logger.Warnf("Failed to close %s: %s", dest, err)
		}
	}()

	d.logger.Infof("Downloading %s (%s, %d blocks) to %s", object, units.HumanSize(float64(size)), blocks, dest)
	if resumed > 0 {
		d.logger.Infof("Resuming at %s", units.HumanSize(float64(resumed)))
	}

	progress := &downloadProgress{
		d:          d,
		file:       f,
		checkpoint: want,
		pending:    map[int]int{},
		cursors:    map[int]blockrange.Cursor{},
	}

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan fetchJob, d.config.Concurrency)
	g.Go(func() error {
		defer close(jobs)
		for seq := 0; ; seq++ {
			if err := d.controller.wait(gctx); err != nil {
				return err
			}
			block, ok := enumerator.Next()
			if !ok {
				return nil
			}
			pieces := splitRange(block.Range(), int64(d.config.ChunkSize))
			progress.register(seq, len(pieces), enumerator.Cursor())
			for _, r := range pieces {
				select {
				case jobs <- fetchJob{seq: seq, r: r}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
	})
	for i := 0; i < d.config.Concurrency; i++ {
		g.Go(func() error {
			for job := range jobs {
				if err := d.fetch(gctx, object, f, job.r); err != nil {
					return err
				}
				progress.done(job.seq)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		err = cause(ctx, err)
		if d.checkpoints == nil && resumed == 0 {
			closed = true
			if closeErr := f.Close(); closeErr != nil {
				d.logger.Warnf("Failed to close %s: %s", dest, closeErr)
			}
			if rmErr := d.fs.Remove(dest); rmErr != nil {
				d.logger.Warnf("Failed to remove partial download %s: %s", dest, rmErr)
			}
		}
		d.logger.Errorf("Download of %s failed: %s", object, err)
		return Result{}, err
	}

	if err := f.Truncate(size); err != nil {
		return Result{}, fmt.Errorf("truncate %s: %w", dest, err)
	}
	if err := f.Sync(); err != nil {
		return Result{}, fmt.Errorf("sync %s: %w", dest, err)
	}
	closed = true
	if err := f.Close(); err != nil {
		return Result{}, fmt.Errorf("close %s: %w", dest, err)
	}
	if d.checkpoints != nil {
		if err := d.checkpoints.Remove(); err != nil {
			d.logger.Warnf("%s", err)
		}
	}

	return d.finish(Result{
		Object:       object,
		Size:         size,
		Chunks:       progress.fetched(),
		ResumedBytes: resumed,
		Duration:     time.Since(start),
	}), nil
}

// restore seeks the enumerator to a matching checkpoint and returns the
// offset the download continues at.
func (d *Downloader) restore(enumerator *blockrange.Enumerator, want Checkpoint) int64 {
	if d.checkpoints == nil {
		return 0
	}
	cp, err := d.checkpoints.Load()
	if err != nil {
		d.logger.Warnf("Ignoring unreadable checkpoint: %s", err)
		return 0
	}
	if cp == nil {
		return 0
	}
	if !cp.matches(want) {
		d.logger.Infof("Checkpoint %s belongs to another transfer, starting over", d.checkpoints.Path())
		return 0
	}
	if err := enumerator.Seek(cp.Cursor); err != nil {
		d.logger.Warnf("Checkpoint doesn't fit the block list, starting over: %s", err)
		return 0
	}
	return enumerator.Cursor().Offset
}

func (d *Downloader) fetch(ctx context.Context, object string, f internal.File, r chunkstream.Range) error {
	buf, err := d.pool.Acquire(ctx, r.Size)
	if err != nil {
		return err
	}
	defer buf.Release()

	if err := d.fetcher.FetchRange(ctx, object, r, buf.Bytes()); err != nil {
		return err
	}
	if _, err := f.WriteAt(buf.Bytes(), r.Start); err != nil {
		return fmt.Errorf("write %s at %d: %w", f.Name(), r.Start, err)
	}
	d.logger.Debugf("Fetched %s of %s", r, object)
	return nil
}

func (d *Downloader) finish(result Result) Result {
	d.logger.Donef("Downloaded %s (%s) in %s", result.Object, units.HumanSize(float64(result.Size)), result.Duration.Round(time.Millisecond))
	d.tracker.logDownloaded(result)
	d.tracker.wait()
	return result
}

// downloadProgress tracks the blocks whose ranges are all written and moves
// the checkpoint cursor over the completed prefix.
type downloadProgress struct {
	d          *Downloader
	file       internal.File
	checkpoint Checkpoint

	mu         sync.Mutex
	pending    map[int]int
	cursors    map[int]blockrange.Cursor
	registered int
	next       int
	pieces     int
}

func (p *downloadProgress) register(seq, pieces int, after blockrange.Cursor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[seq] = pieces
	p.cursors[seq] = after
	p.registered = seq + 1
}

func (p *downloadProgress) done(seq int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pieces++
	p.pending[seq]--

	advanced := false
	for p.next < p.registered && p.pending[p.next] == 0 {
		p.checkpoint.Cursor = p.cursors[p.next]
		delete(p.pending, p.next)
		delete(p.cursors, p.next)
		p.next++
		advanced = true
	}
	if !advanced || p.d.checkpoints == nil {
		return
	}

	if err := p.file.Sync(); err != nil {
		p.d.logger.Warnf("Failed to sync %s: %s", p.file.Name(), err)
		return
	}
	p.checkpoint.BytesDone = p.checkpoint.Cursor.Offset
	if err := p.d.checkpoints.Save(p.checkpoint); err != nil {
		p.d.logger.Warnf("Failed to save checkpoint: %s", err)
	}
}

func (p *downloadProgress) fetched() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pieces
}

// committedBlocks drops the uncommitted groups, which are not part of the
// readable object.
func committedBlocks(list *blockrange.BlockList) *blockrange.BlockList {
	if list == nil {
		return nil
	}
	filtered := &blockrange.BlockList{ObjectSize: list.ObjectSize}
	for _, group := range list.Groups {
		if group.Kind == blockrange.Committed {
			filtered.Groups = append(filtered.Groups, group)
		}
	}
	return filtered
}

// splitRange cuts r into consecutive ranges of at most size bytes.
func splitRange(r chunkstream.Range, size int64) []chunkstream.Range {
	var pieces []chunkstream.Range
	for start := r.Start; start <= r.End; start += size {
		n := size
		if r.End-start+1 < n {
			n = r.End - start + 1
		}
		pieces = append(pieces, chunkstream.NewRange(start, n))
	}
	return pieces
}
