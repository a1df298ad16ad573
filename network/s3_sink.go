package network

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/go-blobtransfer/chunkstream"
)

const (
	numS3Retries  = 3
	s3RetryWait   = 5 * time.Second
	maxS3PartsNum = 10000
)

// S3SinkOptions tunes an S3Sink.
type S3SinkOptions struct {
	NumRetries  int
	RetryWait   time.Duration
	ContentType string
	// ContentMD5 sends a Content-MD5 header with every part.
	ContentMD5 bool
}

// S3Sink uploads chunks as the parts of an S3 multipart upload. Chunk i is
// part i+1.
type S3Sink struct {
	client    S3API
	bucket    string
	key       string
	chunkSize int64
	opts      S3SinkOptions
	logger    log.Logger

	mu       sync.Mutex
	uploadID string
	parts    map[int]Part
	// etags of the parts already stored by a resumed upload
	etags map[int]string
}

var (
	_ ChunkSink = (*S3Sink)(nil)
	_ Resumer   = (*S3Sink)(nil)
)

// NewS3Sink creates a sink uploading key in chunkSize parts.
func NewS3Sink(client S3API, bucket, key string, chunkSize int64, opts S3SinkOptions, logger log.Logger) (*S3Sink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}
	if key == "" {
		return nil, fmt.Errorf("key must not be empty")
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size: %d", chunkSize)
	}
	if opts.NumRetries <= 0 {
		opts.NumRetries = numS3Retries
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = s3RetryWait
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	return &S3Sink{
		client:    client,
		bucket:    bucket,
		key:       key,
		chunkSize: chunkSize,
		opts:      opts,
		logger:    logger,
		parts:     map[int]Part{},
	}, nil
}

func (s *S3Sink) retrying(fn func() (error, bool)) error {
	return retry.Times(uint(s.opts.NumRetries)).Wait(s.opts.RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			s.logger.Debugf("Retrying S3 request (%d. attempt)", attempt)
		}
		return fn()
	})
}

func (s *S3Sink) ensureUpload(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.uploadID != "" {
		return s.uploadID, nil
	}

	var uploadID string
	err := s.retrying(func() (error, bool) {
		input := &s3.CreateMultipartUploadInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key),
		}
		if s.opts.ContentType != "" {
			input.ContentType = aws.String(s.opts.ContentType)
		}
		out, err := s.client.CreateMultipartUpload(ctx, input)
		if err != nil {
			return fmt.Errorf("create multipart upload: %w", err), ctx.Err() != nil
		}
		uploadID = aws.ToString(out.UploadId)
		return nil, true
	})
	if err != nil {
		return "", &TransferError{Op: "create upload", Object: s.key, Err: err}
	}

	s.logger.Debugf("Started multipart upload %s for %s", uploadID, s.key)
	s.uploadID = uploadID
	return uploadID, nil
}

// WriteChunk uploads one chunk as a part. The chunk buffer is not released.
func (s *S3Sink) WriteChunk(ctx context.Context, chunk chunkstream.Chunk) error {
	index := chunk.Index(s.chunkSize)
	if chunk.Range.Start != int64(index)*s.chunkSize {
		return fmt.Errorf("chunk %s is not aligned to %d", chunk.Range, s.chunkSize)
	}
	if index >= maxS3PartsNum {
		return fmt.Errorf("chunk %d exceeds the S3 part limit of %d", index, maxS3PartsNum)
	}

	uploadID, err := s.ensureUpload(ctx)
	if err != nil {
		return err
	}

	var contentMD5 *string
	if s.opts.ContentMD5 {
		sum := md5.Sum(chunk.Bytes())
		contentMD5 = aws.String(base64.StdEncoding.EncodeToString(sum[:]))
	}

	var etag string
	err = s.retrying(func() (error, bool) {
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(s.key),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(int32(index + 1)),
			ContentLength: aws.Int64(chunk.Range.Size),
			ContentMD5:    contentMD5,
			Body:          bytes.NewReader(chunk.Bytes()),
		})
		if err != nil {
			return fmt.Errorf("upload part %d: %w", index+1, err), ctx.Err() != nil
		}
		etag = aws.ToString(out.ETag)
		return nil, true
	})
	if err != nil {
		return &TransferError{Op: "upload part", Object: s.key, Err: err}
	}

	s.mu.Lock()
	s.parts[index] = Part{Index: index, BlockID: partName(index), ETag: etag, Range: chunk.Range}
	s.mu.Unlock()
	return nil
}

// Commit completes the multipart upload. An object without chunks is
// stored with a single empty PutObject.
func (s *S3Sink) Commit(ctx context.Context, info CommitInfo) error {
	s.mu.Lock()
	parts, err := orderedParts(s.parts, info.Size)
	uploadID := s.uploadID
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("commit %s: %w", s.key, err)
	}

	if len(parts) == 0 {
		if uploadID != "" {
			if err := s.Abort(ctx); err != nil {
				s.logger.Warnf("Failed to abort unused upload: %s", err)
			}
		}
		return s.putEmpty(ctx, info)
	}

	completed := make([]types.CompletedPart, 0, len(parts))
	for _, part := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(int32(part.Index + 1)),
		})
	}
	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})

	s.logger.Debugf("Completing multipart upload of %s with %d parts", s.key, len(completed))
	err = s.retrying(func() (error, bool) {
		_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.bucket),
			Key:             aws.String(s.key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		if err != nil {
			return fmt.Errorf("complete multipart upload: %w", err), ctx.Err() != nil
		}
		return nil, true
	})
	if err != nil {
		return &TransferError{Op: "commit", Object: s.key, Err: err}
	}
	return nil
}

func (s *S3Sink) putEmpty(ctx context.Context, info CommitInfo) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	}
	contentType := info.ContentType
	if contentType == "" {
		contentType = s.opts.ContentType
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	err := s.retrying(func() (error, bool) {
		if _, err := s.client.PutObject(ctx, input); err != nil {
			return fmt.Errorf("put empty object: %w", err), ctx.Err() != nil
		}
		return nil, true
	})
	if err != nil {
		return &TransferError{Op: "commit", Object: s.key, Err: err}
	}
	return nil
}

// Abort aborts the multipart upload, if one was started.
func (s *S3Sink) Abort(ctx context.Context) error {
	s.mu.Lock()
	uploadID := s.uploadID
	s.uploadID = ""
	s.parts = map[int]Part{}
	s.mu.Unlock()

	if uploadID == "" {
		return nil
	}

	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.key),
		UploadId: aws.String(uploadID),
	})
	if err != nil && !isS3NotFound(err) {
		return &TransferError{Op: "abort", Object: s.key, Err: err}
	}
	return nil
}

// Parts returns the uploaded parts.
func (s *S3Sink) Parts() []Part {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := make([]Part, 0, len(s.parts))
	for _, part := range s.parts {
		parts = append(parts, part)
	}
	return parts
}

func (s *S3Sink) UploadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadID
}

// ResumeUpload attaches the sink to an existing multipart upload. The ETags
// of its parts are fetched so that Adopt can reuse them.
func (s *S3Sink) ResumeUpload(ctx context.Context, uploadID string) error {
	if uploadID == "" {
		return fmt.Errorf("upload id is empty")
	}

	parts, err := listUploadParts(ctx, s.client, s.bucket, s.key, uploadID)
	if err != nil {
		return &TransferError{Op: "resume upload", Object: s.key, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.uploadID = uploadID
	s.etags = map[int]string{}
	for _, p := range parts {
		s.etags[int(aws.ToInt32(p.PartNumber))-1] = aws.ToString(p.ETag)
	}
	return nil
}

func (s *S3Sink) BlockIndex(name string) (int, error) {
	return parsePartName(name)
}

// Adopt marks parts of the resumed upload as written. Parts unknown to the
// upload are rejected.
func (s *S3Sink) Adopt(parts []Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, part := range parts {
		etag, ok := s.etags[part.Index]
		if !ok {
			return fmt.Errorf("part %d is not part of upload %s", part.Index+1, s.uploadID)
		}
		part.BlockID = partName(part.Index)
		part.ETag = etag
		s.parts[part.Index] = part
	}
	return nil
}

func listUploadParts(ctx context.Context, client S3API, bucket, key, uploadID string) ([]types.Part, error) {
	var parts []types.Part
	var marker *string
	for {
		out, err := client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, fmt.Errorf("list parts: %w", err)
		}
		parts = append(parts, out.Parts...)
		if !aws.ToBool(out.IsTruncated) {
			return parts, nil
		}
		marker = out.NextPartNumberMarker
	}
}

func partName(index int) string {
	return fmt.Sprintf("%d", index+1)
}

func parsePartName(name string) (int, error) {
	var number int
	if _, err := fmt.Sscanf(name, "%d", &number); err != nil || number < 1 || partName(number-1) != name {
		return 0, fmt.Errorf("invalid part number %q", name)
	}
	return number - 1, nil
}
