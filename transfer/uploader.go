package transfer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"

	"github.com/bitrise-io/go-blobtransfer/blockrange"
	"github.com/bitrise-io/go-blobtransfer/bufferpool"
	"github.com/bitrise-io/go-blobtransfer/chunkstream"
	"github.com/bitrise-io/go-blobtransfer/compression"
	"github.com/bitrise-io/go-blobtransfer/filereader"
	"github.com/bitrise-io/go-blobtransfer/internal"
	"github.com/bitrise-io/go-blobtransfer/network"
)

// Result summarizes a finished transfer.
type Result struct {
	Object        string
	Size          int64
	Chunks        int
	ResumedBytes  int64
	Digest        []byte
	HashAlgorithm chunkstream.HashAlgorithm
	Duration      time.Duration
}

// DigestHex returns the hex encoded digest, empty when none was computed.
func (r Result) DigestHex() string {
	return hex.EncodeToString(r.Digest)
}

// UploaderOptions holds the optional collaborators of an Uploader.
type UploaderOptions struct {
	// Controller pauses, resumes and cancels uploads.
	Controller *Controller
	// Lister finds the blocks staged by an interrupted upload.
	Lister blockrange.Lister
	// EnvRepo feeds analytics and the tar binary environment.
	EnvRepo env.Repository
	FS      internal.OsProxy
}

// Uploader moves local data into a chunk sink.
type Uploader struct {
	sink        network.ChunkSink
	config      Config
	logger      log.Logger
	controller  *Controller
	lister      blockrange.Lister
	checkpoints *CheckpointStore
	envRepo     env.Repository
	fs          internal.OsProxy
	pool        *bufferpool.Pool
	tracker     transferTracker
}

// NewUploader validates config and returns an uploader writing to sink.
// Each uploader holds one sink, so it uploads a single object.
func NewUploader(sink network.ChunkSink, config Config, logger log.Logger, opts UploaderOptions) (*Uploader, error) {
	if sink == nil {
		return nil, errors.New("chunk sink is required")
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

	u := &Uploader{
		sink:       sink,
		config:     config,
		logger:     logger,
		controller: opts.Controller,
		lister:     opts.Lister,
		envRepo:    opts.EnvRepo,
		fs:         opts.FS,
		pool:       bufferpool.New(int64(config.ChunkSize), config.PoolSize),
		tracker:    newTransferTracker(config.Analytics, opts.EnvRepo, logger),
	}
	if config.CheckpointPath != "" {
		u.checkpoints = NewCheckpointStore(config.CheckpointPath, opts.FS)
	}
	return u, nil
}

// Controller returns the controller driving the uploads.
func (u *Uploader) Controller() *Controller {
	return u.controller
}

// Pool returns the chunk buffer pool.
func (u *Uploader) Pool() *bufferpool.Pool {
	return u.pool
}

// uploadState counts written chunks and keeps the checkpoint current.
type uploadState struct {
	mu         sync.Mutex
	u          *Uploader
	checkpoint *Checkpoint
	chunks     int
	bytes      int64
}

func (s *uploadState) chunkDone(size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chunks++
	s.bytes += size
	if s.checkpoint == nil || s.u.checkpoints == nil {
		return
	}
	s.checkpoint.BytesDone += size
	if resumer, ok := s.u.sink.(network.Resumer); ok {
		s.checkpoint.UploadID = resumer.UploadID()
	}
	if err := s.u.checkpoints.Save(*s.checkpoint); err != nil {
		s.u.logger.Warnf("Failed to save checkpoint: %s", err)
	}
}

// UploadFile uploads the file at path as object. With a checkpoint path
// configured, an interrupted upload of the same file continues after the
// chunks the service already holds.
func (u *Uploader) UploadFile(ctx context.Context, path, object string) (Result, error) {
	start := time.Now()
	ctx, cancel := u.controller.bind(ctx)
	defer cancel()

	info, err := u.fs.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return Result{}, fmt.Errorf("%s is a directory", path)
	}
	size := info.Size()

	hasher, err := u.config.Hash().New()
	if err != nil {
		return Result{}, err
	}

	state := &uploadState{u: u}
	resumed := int64(0)
	if u.checkpoints != nil {
		want := Checkpoint{
			Version:       checkpointVersion,
			Direction:     DirectionUpload,
			Object:        object,
			Path:          path,
			ChunkSize:     int64(u.config.ChunkSize),
			Size:          size,
			HashAlgorithm: u.config.HashAlgorithm,
		}
		resumed, err = u.resumeFile(ctx, want, hasher)
		if err != nil {
			return Result{}, cause(ctx, err)
		}
		want.BytesDone = resumed
		if resumer, ok := u.sink.(network.Resumer); ok {
			want.UploadID = resumer.UploadID()
		}
		state.checkpoint = &want
	}

	u.logger.Infof("Uploading %s (%s) as %s", path, units.HumanSize(float64(size)), object)
	reader, err := filereader.New(path, int64(u.config.ChunkSize), u.pool, filereader.Options{
		StartOffset: resumed,
		Logger:      u.logger,
		FS:          u.fs,
	})
	if err != nil {
		return Result{}, err
	}
	detach := u.controller.attach(reader)
	defer detach()

	g, gctx := errgroup.WithContext(ctx)
	chunks := make(chan chunkstream.Chunk, u.config.Concurrency)
	reader.OnData(func(c chunkstream.Chunk) {
		hasher.Write(c.Bytes()) //nolint:errcheck
		select {
		case chunks <- c:
		case <-gctx.Done():
			c.Release()
		}
	})
	g.Go(func() error {
		defer close(chunks)
		return reader.Run(gctx)
	})
	u.startWorkers(gctx, g, chunks, state)

	err = g.Wait()
	for c := range chunks {
		c.Release()
	}
	if err != nil {
		return Result{}, u.fail(ctx, object, cause(ctx, err), true)
	}

	result := Result{
		Object:        object,
		Size:          size,
		Chunks:        state.chunks,
		ResumedBytes:  resumed,
		Digest:        hasher.Sum(nil),
		HashAlgorithm: u.config.Hash(),
	}
	if err := u.commit(ctx, result, u.config.ContentType, true); err != nil {
		return Result{}, cause(ctx, err)
	}
	result.Duration = time.Since(start)
	u.finish(result)
	return result, nil
}

// resumeFile adopts the leading chunks already staged for the checkpointed
// upload and feeds their bytes to hasher. It returns the offset to continue at.
func (u *Uploader) resumeFile(ctx context.Context, want Checkpoint, hasher hash.Hash) (int64, error) {
	cp, err := u.checkpoints.Load()
	if err != nil {
		u.logger.Warnf("Ignoring unreadable checkpoint: %s", err)
		return 0, nil
	}
	if cp == nil {
		return 0, nil
	}
	if !cp.matches(want) {
		u.logger.Infof("Checkpoint %s belongs to another transfer, starting over", u.checkpoints.Path())
		return 0, nil
	}

	resumer, ok := u.sink.(network.Resumer)
	if !ok || u.lister == nil {
		u.logger.Warnf("The sink can't resume uploads, starting over")
		return 0, nil
	}
	if cp.UploadID != "" {
		if err := resumer.ResumeUpload(ctx, cp.UploadID); err != nil {
			u.logger.Warnf("Failed to resume upload %s, starting over: %s", cp.UploadID, err)
			return 0, nil
		}
		if scoped, ok := u.lister.(interface{ SetUploadID(string) }); ok {
			scoped.SetUploadID(cp.UploadID)
		}
	}

	enumerator := blockrange.NewEnumerator(u.lister, blockrange.ListOptions{Object: want.Object}, u.logger)
	if err := enumerator.List(ctx); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		u.logger.Warnf("Failed to list staged blocks, starting over: %s", err)
		return 0, nil
	}

	staged := map[int]int64{}
	for _, d := range enumerator.Descriptors() {
		if d.Kind != blockrange.Uncommitted {
			continue
		}
		index, err := resumer.BlockIndex(d.Name)
		if err != nil {
			u.logger.Debugf("Skipping foreign block %s: %s", d.Name, err)
			continue
		}
		staged[index] = d.Size
	}

	parts := stagedPrefix(staged, want.ChunkSize, want.Size)
	if len(parts) == 0 {
		return 0, nil
	}
	if err := resumer.Adopt(parts); err != nil {
		u.logger.Warnf("Failed to adopt staged blocks, starting over: %s", err)
		return 0, nil
	}
	offset := parts[len(parts)-1].Range.Next()

	if err := u.hashPrefix(want.Path, offset, hasher); err != nil {
		return 0, err
	}
	u.logger.Infof("Resuming upload of %s at %s, %d chunks already stored", want.Object, units.HumanSize(float64(offset)), len(parts))
	return offset, nil
}

// stagedPrefix returns the parts covering the longest run of staged chunks
// from offset 0 whose sizes match the local file.
func stagedPrefix(staged map[int]int64, chunkSize, size int64) []network.Part {
	var parts []network.Part
	for index := 0; ; index++ {
		start := int64(index) * chunkSize
		if start >= size {
			break
		}
		want := chunkSize
		if size-start < want {
			want = size - start
		}
		got, ok := staged[index]
		if !ok || got != want {
			break
		}
		parts = append(parts, network.Part{Index: index, Range: chunkstream.NewRange(start, want)})
	}
	return parts
}

func (u *Uploader) hashPrefix(path string, n int64, hasher hash.Hash) error {
	f, err := u.fs.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			u.logger.Warnf("Failed to close %s: %s", path, err)
		}
	}()

	if _, err := io.Copy(hasher, io.NewSectionReader(f, 0, n)); err != nil {
		return fmt.Errorf("hash stored prefix of %s: %w", path, err)
	}
	return nil
}

// UploadReader uploads everything r yields as object. Streams are not
// resumable, so no checkpoint is written.
func (u *Uploader) UploadReader(ctx context.Context, r io.Reader, object string) (Result, error) {
	return u.uploadStream(ctx, r, object, u.config.ContentType)
}

func (u *Uploader) uploadStream(ctx context.Context, r io.Reader, object, contentType string) (Result, error) {
	start := time.Now()
	ctx, cancel := u.controller.bind(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	readPool := u.pool
	if u.config.ReadSize != u.config.ChunkSize {
		readPool = bufferpool.New(int64(u.config.ReadSize), u.config.PoolSize)
	}
	source, err := chunkstream.NewReaderSource(gctx, r, int64(u.config.ReadSize), readPool)
	if err != nil {
		return Result{}, err
	}
	adapter, err := chunkstream.NewStreamAdapter(source, int64(u.config.ChunkSize), chunkstream.AssemblerOptions{
		Pool:          u.pool,
		ComputeHash:   true,
		HashAlgorithm: u.config.Hash(),
	})
	if err != nil {
		return Result{}, err
	}
	detach := u.controller.attach(adapter)
	defer detach()

	chunks := make(chan chunkstream.Chunk, u.config.Concurrency)
	done := make(chan struct{})
	var closeOnce sync.Once
	finish := func() {
		closeOnce.Do(func() {
			close(chunks)
			close(done)
		})
	}
	adapter.OnEnd(finish)
	adapter.OnError(func(error) { finish() })

	state := &uploadState{u: u}
	u.startWorkers(gctx, g, chunks, state)

	u.logger.Infof("Uploading stream as %s", object)
	adapter.OnData(func(c chunkstream.Chunk) {
		select {
		case chunks <- c:
		case <-gctx.Done():
			c.Release()
		}
	})

	if err := g.Wait(); err != nil {
		// The source stops on the cancelled context; whatever it still queued is released.
		go func() {
			<-done
			for c := range chunks {
				c.Release()
			}
		}()
		return Result{}, u.fail(ctx, object, cause(ctx, err), false)
	}
	if err := adapter.Err(); err != nil {
		return Result{}, u.fail(ctx, object, cause(ctx, err), false)
	}

	result := Result{
		Object:        object,
		Size:          adapter.Written(),
		Chunks:        state.chunks,
		Digest:        adapter.Digest(),
		HashAlgorithm: u.config.Hash(),
	}
	if err := u.commit(ctx, result, contentType, false); err != nil {
		return Result{}, cause(ctx, err)
	}
	result.Duration = time.Since(start)
	u.finish(result)
	return result, nil
}

// UploadPaths archives the files matching patterns with the configured codec
// and uploads the archive as object.
func (u *Uploader) UploadPaths(ctx context.Context, patterns []string, object string) (Result, error) {
	paths, err := u.evaluatePaths(patterns)
	if err != nil {
		return Result{}, fmt.Errorf("failed to parse paths: %w", err)
	}
	if len(paths) == 0 || compression.AreAllPathsEmpty(paths) {
		return Result{}, errors.New("no files to upload, the paths are empty or missing")
	}

	codec := u.config.Codec()
	archiver := compression.NewArchiver(u.logger, u.envRepo, compression.NewDependencyChecker(u.logger, u.envRepo))
	archive := archiver.NewArchiveReader(ctx, paths, codec, u.config.CompressionLevel)
	defer func() {
		if err := archive.Close(); err != nil {
			u.logger.Warnf("Failed to close archive stream: %s", err)
		}
	}()

	u.logger.Printf("Archiving %d paths with %s", len(paths), codec)
	return u.uploadStream(ctx, archive, object, codec.ContentType())
}

func (u *Uploader) evaluatePaths(patterns []string) ([]string, error) {
	pathModifier := pathutil.NewPathModifier()
	pathChecker := pathutil.NewPathChecker()

	var expanded []string
	for _, pattern := range patterns {
		if !strings.Contains(pattern, "*") {
			expanded = append(expanded, pattern)
			continue
		}

		base, glob := doublestar.SplitPattern(pattern)
		absBase, err := pathModifier.AbsPath(base)
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), glob, doublestar.WithNoFollow())
		if err != nil {
			u.logger.Warnf("Error in path pattern '%s': %s", pattern, err)
			continue
		}
		if len(matches) == 0 {
			u.logger.Warnf("No match for path pattern: %s", pattern)
			continue
		}
		for _, match := range matches {
			expanded = append(expanded, filepath.Join(base, match))
		}
	}

	var paths []string
	for _, path := range expanded {
		absPath, err := pathModifier.AbsPath(path)
		if err != nil {
			u.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}
		exists, err := pathChecker.IsPathExists(absPath)
		if err != nil {
			u.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			u.logger.Warnf("Path doesn't exist: %s", path)
			continue
		}
		paths = append(paths, absPath)
	}
	return paths, nil
}

// startWorkers starts Concurrency goroutines writing chunks to the sink.
// Once ctx is done the remaining chunks are only released.
func (u *Uploader) startWorkers(ctx context.Context, g *errgroup.Group, chunks <-chan chunkstream.Chunk, state *uploadState) {
	for i := 0; i < u.config.Concurrency; i++ {
		g.Go(func() error {
			for c := range chunks {
				if ctx.Err() != nil {
					c.Release()
					continue
				}
				size := c.Range.Size
				err := u.sink.WriteChunk(ctx, c)
				c.Release()
				if err != nil {
					return err
				}
				state.chunkDone(size)
			}
			return nil
		})
	}
}

func (u *Uploader) commit(ctx context.Context, result Result, contentType string, resumable bool) error {
	err := u.sink.Commit(ctx, network.CommitInfo{
		Size:          result.Size,
		ChunkSize:     int64(u.config.ChunkSize),
		Digest:        result.Digest,
		HashAlgorithm: string(result.HashAlgorithm),
		ContentType:   contentType,
	})
	if err != nil {
		return u.fail(ctx, result.Object, fmt.Errorf("commit %s: %w", result.Object, err), resumable)
	}
	if resumable && u.checkpoints != nil {
		if err := u.checkpoints.Remove(); err != nil {
			u.logger.Warnf("%s", err)
		}
	}
	return nil
}

// fail aborts the upload unless a checkpoint keeps the staged chunks for a
// later resume.
func (u *Uploader) fail(ctx context.Context, object string, err error, resumable bool) error {
	if resumable && u.checkpoints != nil {
		u.logger.Warnf("Upload of %s interrupted, it can be resumed from %s: %s", object, u.checkpoints.Path(), err)
		return err
	}

	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if abortErr := u.sink.Abort(abortCtx); abortErr != nil {
		u.logger.Warnf("Failed to abort upload of %s: %s", object, abortErr)
	}
	u.logger.Errorf("Upload of %s failed: %s", object, err)
	return err
}

func (u *Uploader) finish(result Result) {
	u.logger.Donef("Uploaded %s (%s, %d chunks) in %s", result.Object, units.HumanSize(float64(result.Size)), result.Chunks, result.Duration.Round(time.Millisecond))
	u.tracker.logUploaded(result)
	u.tracker.wait()
}
