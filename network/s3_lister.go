package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/go-blobtransfer/blockrange"
)

// S3BlockLister reports the parts of an S3 object as blocks. Parts of the
// stored object are committed blocks; parts of a pending multipart upload,
// when one is set, are uncommitted blocks.
type S3BlockLister struct {
	client S3API
	bucket string
	logger log.Logger

	mu       sync.Mutex
	uploadID string
}

// NewS3BlockLister creates a lister for objects of bucket.
func NewS3BlockLister(client S3API, bucket string, logger log.Logger) *S3BlockLister {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &S3BlockLister{client: client, bucket: bucket, logger: logger}
}

// SetUploadID selects the multipart upload whose parts are listed as uncommitted.
func (l *S3BlockLister) SetUploadID(uploadID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.uploadID = uploadID
}

func (l *S3BlockLister) ListBlocks(ctx context.Context, container, object string) (*blockrange.BlockList, error) {
	bucket := l.bucket
	if container != "" {
		bucket = container
	}
	l.mu.Lock()
	uploadID := l.uploadID
	l.mu.Unlock()

	list := &blockrange.BlockList{ObjectSize: blockrange.UnknownSize}

	committed, size, err := l.committedParts(ctx, bucket, object)
	switch {
	case err == nil:
		list.ObjectSize = size
		list.Groups = append(list.Groups, blockrange.BlockGroup{Kind: blockrange.Committed, Blocks: committed})
	case isS3NotFound(err) && uploadID != "":
		l.logger.Debugf("%s/%s is not stored yet", bucket, object)
	case isS3NotFound(err):
		return nil, ErrObjectNotFound
	default:
		return nil, &TransferError{Op: "list blocks", Object: object, Err: err}
	}

	if uploadID != "" {
		parts, err := listUploadParts(ctx, l.client, bucket, object, uploadID)
		if err != nil {
			return nil, &TransferError{Op: "list blocks", Object: object, Err: err}
		}
		blocks := make([]blockrange.Block, 0, len(parts))
		for _, p := range parts {
			blocks = append(blocks, blockrange.Block{
				Name: partName(int(aws.ToInt32(p.PartNumber)) - 1),
				Size: aws.ToInt64(p.Size),
			})
		}
		list.Groups = append(list.Groups, blockrange.BlockGroup{Kind: blockrange.Uncommitted, Blocks: blocks})
	}

	return list, nil
}

// committedParts returns the parts of the stored object. Objects uploaded
// without multipart checksums report no parts; they are described by their
// size alone.
func (l *S3BlockLister) committedParts(ctx context.Context, bucket, object string) ([]blockrange.Block, int64, error) {
	var blocks []blockrange.Block
	var marker *string
	size := blockrange.UnknownSize
	for {
		out, err := l.client.GetObjectAttributes(ctx, &s3.GetObjectAttributesInput{
			Bucket:           aws.String(bucket),
			Key:              aws.String(object),
			PartNumberMarker: marker,
			ObjectAttributes: []types.ObjectAttributes{
				types.ObjectAttributesObjectParts,
				types.ObjectAttributesObjectSize,
			},
		})
		if err != nil {
			if isS3NotFound(err) {
				return nil, 0, err
			}
			l.logger.Debugf("get object attributes of %s: %s", object, err)
			return l.headSize(ctx, bucket, object)
		}
		if out.ObjectSize != nil {
			size = *out.ObjectSize
		}
		if out.ObjectParts == nil {
			break
		}
		for _, p := range out.ObjectParts.Parts {
			blocks = append(blocks, blockrange.Block{
				Name: partName(int(aws.ToInt32(p.PartNumber)) - 1),
				Size: aws.ToInt64(p.Size),
			})
		}
		if !aws.ToBool(out.ObjectParts.IsTruncated) {
			break
		}
		marker = out.ObjectParts.NextPartNumberMarker
	}

	if size == blockrange.UnknownSize {
		return l.headSize(ctx, bucket, object)
	}
	return blocks, size, nil
}

func (l *S3BlockLister) headSize(ctx context.Context, bucket, object string) ([]blockrange.Block, int64, error) {
	out, err := l.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("head object: %w", err)
	}
	return nil, aws.ToInt64(out.ContentLength), nil
}
