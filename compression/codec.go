// Package compression streams archives of local paths through a compression
// codec, producing the byte source of an upload, and unpacks them again.
package compression

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec names a compression format.
type Codec string

const (
	CodecNone Codec = "none"
	CodecZstd Codec = "zstd"
	CodecLZ4  Codec = "lz4"
)

// DefaultZstdLevel matches the zstd command line default.
const DefaultZstdLevel = 3

// ParseCodec parses a codec name. The empty string means CodecNone.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(strings.ToLower(strings.TrimSpace(s))); c {
	case "", CodecNone:
		return CodecNone, nil
	case CodecZstd, CodecLZ4:
		return c, nil
	default:
		return "", fmt.Errorf("unknown compression codec: %s", s)
	}
}

// Extension returns the archive file extension of the codec.
func (c Codec) Extension() string {
	switch c {
	case CodecZstd:
		return "tzst"
	case CodecLZ4:
		return "tar.lz4"
	default:
		return "tar"
	}
}

// ContentType returns the media type of an archive with the codec.
func (c Codec) ContentType() string {
	switch c {
	case CodecZstd:
		return "application/zstd"
	case CodecLZ4:
		return "application/x-lz4"
	default:
		return "application/x-tar"
	}
}

var lz4Levels = []lz4.CompressionLevel{
	lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4, lz4.Level5,
	lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NewWriter wraps w with the encoder of codec. Closing the returned writer
// flushes the encoder but leaves w open. level is codec specific, 0 selects
// the default.
func NewWriter(w io.Writer, codec Codec, level int) (io.WriteCloser, error) {
	switch codec {
	case "", CodecNone:
		return nopWriteCloser{w}, nil
	case CodecZstd:
		if level == 0 {
			level = DefaultZstdLevel
		}
		if level < 1 || level > 19 {
			return nil, fmt.Errorf("compression level should be between 1 and 19")
		}
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, fmt.Errorf("create zstd writer: %w", err)
		}
		return zw, nil
	case CodecLZ4:
		if level < 0 || level > 9 {
			return nil, fmt.Errorf("compression level should be between 0 and 9")
		}
		lw := lz4.NewWriter(w)
		if level > 0 {
			if err := lw.Apply(lz4.CompressionLevelOption(lz4Levels[level-1])); err != nil {
				return nil, fmt.Errorf("configure lz4 writer: %w", err)
			}
		}
		return lw, nil
	default:
		return nil, fmt.Errorf("unknown compression codec: %s", codec)
	}
}

// NewReader wraps r with the decoder of codec.
func NewReader(r io.Reader, codec Codec) (io.ReadCloser, error) {
	switch codec {
	case "", CodecNone:
		return io.NopCloser(r), nil
	case CodecZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unknown compression codec: %s", codec)
	}
}

// NewCompressingReader returns a reader yielding the compressed form of r.
// Compression runs in a goroutine that stops when the reader is closed.
func NewCompressingReader(r io.Reader, codec Codec, level int) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	encoder, err := NewWriter(pw, codec, level)
	if err != nil {
		return nil, err
	}

	go func() {
		_, err := io.Copy(encoder, r)
		if closeErr := encoder.Close(); err == nil {
			err = closeErr
		}
		pw.CloseWithError(err) //nolint:errcheck
	}()

	return pr, nil
}
