// Package transfer drives whole uploads and downloads: it connects the file
// reader or a stream adapter to a chunk sink, and the block enumerator to a
// range fetcher, with bounded concurrency, pause/resume and checkpoints.
package transfer

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/bitrise-io/go-blobtransfer/chunkstream"
	"github.com/bitrise-io/go-blobtransfer/compression"
)

const (
	DefaultChunkSize   = 8 * units.MiB
	DefaultPoolSize    = 8
	DefaultConcurrency = 4
	DefaultMaxRetries  = 3
	minChunkSize       = 4 * units.KiB
)

// Size is a byte count that reads and prints human units ("8MiB", "512k").
type Size int64

// ParseSize parses a human readable size.
func ParseSize(s string) (Size, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return Size(n), nil
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}

func (s Size) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseSize(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Config tunes a transfer.
type Config struct {
	ChunkSize        Size   `yaml:"chunk_size"`
	ReadSize         Size   `yaml:"read_size"`
	PoolSize         int    `yaml:"pool_size"`
	Concurrency      int    `yaml:"concurrency"`
	MaxRetries       int    `yaml:"max_retries"`
	HashAlgorithm    string `yaml:"hash_algorithm"`
	Compression      string `yaml:"compression"`
	CompressionLevel int    `yaml:"compression_level"`
	CheckpointPath   string `yaml:"checkpoint_path"`
	ContentType      string `yaml:"content_type"`
	ContentMD5       bool   `yaml:"content_md5"`
	Analytics        bool   `yaml:"analytics"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        DefaultChunkSize,
		PoolSize:         DefaultPoolSize,
		Concurrency:      DefaultConcurrency,
		MaxRetries:       DefaultMaxRetries,
		HashAlgorithm:    string(chunkstream.DefaultHashAlgorithm),
		Compression:      string(compression.CodecZstd),
		CompressionLevel: compression.DefaultZstdLevel,
		ContentType:      "application/octet-stream",
	}
}

// LoadConfigFile reads a YAML config file over the defaults.
func LoadConfigFile(path string) (Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return config, nil
}

// ConfigFromEnv overrides base with the BLOBXFER_* variables that are set.
func ConfigFromEnv(base Config, envRepo env.Repository) (Config, error) {
	config := base

	sizes := map[string]*Size{
		"BLOBXFER_CHUNK_SIZE": &config.ChunkSize,
		"BLOBXFER_READ_SIZE":  &config.ReadSize,
	}
	for key, target := range sizes {
		if v := envRepo.Get(key); v != "" {
			s, err := ParseSize(v)
			if err != nil {
				return Config{}, fmt.Errorf("%s: %w", key, err)
			}
			*target = s
		}
	}

	ints := map[string]*int{
		"BLOBXFER_POOL_SIZE":         &config.PoolSize,
		"BLOBXFER_CONCURRENCY":       &config.Concurrency,
		"BLOBXFER_MAX_RETRIES":       &config.MaxRetries,
		"BLOBXFER_COMPRESSION_LEVEL": &config.CompressionLevel,
	}
	for key, target := range ints {
		if v := envRepo.Get(key); v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return Config{}, fmt.Errorf("%s: invalid number %q", key, v)
			}
			*target = n
		}
	}

	bools := map[string]*bool{
		"BLOBXFER_CONTENT_MD5": &config.ContentMD5,
		"BLOBXFER_ANALYTICS":   &config.Analytics,
	}
	for key, target := range bools {
		if v := envRepo.Get(key); v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return Config{}, fmt.Errorf("%s: invalid boolean %q", key, v)
			}
			*target = b
		}
	}

	strs := map[string]*string{
		"BLOBXFER_HASH_ALGORITHM":  &config.HashAlgorithm,
		"BLOBXFER_COMPRESSION":     &config.Compression,
		"BLOBXFER_CHECKPOINT_PATH": &config.CheckpointPath,
		"BLOBXFER_CONTENT_TYPE":    &config.ContentType,
	}
	for key, target := range strs {
		if v := envRepo.Get(key); v != "" {
			*target = v
		}
	}

	return config, nil
}

// Validate checks the config and fills the derived defaults.
func (c *Config) Validate() error {
	if c.ChunkSize < minChunkSize {
		return fmt.Errorf("chunk size %s is below the minimum of %s", c.ChunkSize, Size(minChunkSize))
	}
	if c.ReadSize == 0 {
		c.ReadSize = c.ChunkSize
	}
	if c.ReadSize < 0 {
		return fmt.Errorf("invalid read size: %s", c.ReadSize)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool size should be at least 1, got %d", c.PoolSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency should be at least 1, got %d", c.Concurrency)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries should not be negative, got %d", c.MaxRetries)
	}

	alg, err := chunkstream.ParseHashAlgorithm(c.HashAlgorithm)
	if err != nil {
		return err
	}
	c.HashAlgorithm = string(alg)

	codec, err := compression.ParseCodec(c.Compression)
	if err != nil {
		return err
	}
	c.Compression = string(codec)
	switch codec {
	case compression.CodecZstd:
		if c.CompressionLevel == 0 {
			c.CompressionLevel = compression.DefaultZstdLevel
		}
		if c.CompressionLevel < 1 || c.CompressionLevel > 19 {
			return fmt.Errorf("compression level should be between 1 and 19")
		}
	case compression.CodecLZ4:
		if c.CompressionLevel < 0 || c.CompressionLevel > 9 {
			return fmt.Errorf("compression level should be between 0 and 9")
		}
	}

	if c.ContentType == "" {
		c.ContentType = "application/octet-stream"
	}
	return nil
}

// Hash returns the validated digest algorithm.
func (c Config) Hash() chunkstream.HashAlgorithm {
	return chunkstream.HashAlgorithm(c.HashAlgorithm)
}

// Codec returns the validated compression codec.
func (c Config) Codec() compression.Codec {
	return compression.Codec(c.Compression)
}
