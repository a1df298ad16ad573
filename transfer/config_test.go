package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())

	assert.Equal(t, config.ChunkSize, config.ReadSize)
	assert.Equal(t, "md5", config.HashAlgorithm)
	assert.Equal(t, "zstd", config.Compression)
	assert.Equal(t, 3, config.CompressionLevel)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    Size
		wantErr bool
	}{
		{in: "4096", want: 4096},
		{in: "8MiB", want: 8 << 20},
		{in: "512k", want: 512 << 10},
		{in: " 1g ", want: 1 << 30},
		{in: "lots", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "8MiB", Size(8<<20).String())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "tiny chunks", modify: func(c *Config) { c.ChunkSize = 100 }, wantErr: "chunk size"},
		{name: "no pool", modify: func(c *Config) { c.PoolSize = 0 }, wantErr: "pool size"},
		{name: "no workers", modify: func(c *Config) { c.Concurrency = 0 }, wantErr: "concurrency"},
		{name: "negative retries", modify: func(c *Config) { c.MaxRetries = -1 }, wantErr: "max retries"},
		{name: "unknown hash", modify: func(c *Config) { c.HashAlgorithm = "crc32" }, wantErr: "hash algorithm"},
		{name: "unknown codec", modify: func(c *Config) { c.Compression = "brotli" }, wantErr: "compression codec"},
		{name: "zstd level", modify: func(c *Config) { c.CompressionLevel = 20 }, wantErr: "between 1 and 19"},
		{name: "lz4 level", modify: func(c *Config) { c.Compression = "lz4"; c.CompressionLevel = 10 }, wantErr: "between 0 and 9"},
		{name: "no compression ignores level", modify: func(c *Config) { c.Compression = "none"; c.CompressionLevel = 42 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)
			err := config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	envRepo := envRepository{envVars: map[string]string{
		"BLOBXFER_CHUNK_SIZE":      "16MiB",
		"BLOBXFER_CONCURRENCY":     "8",
		"BLOBXFER_CONTENT_MD5":     "true",
		"BLOBXFER_HASH_ALGORITHM":  "blake3",
		"BLOBXFER_CHECKPOINT_PATH": "/tmp/upload.ckpt",
	}}

	config, err := ConfigFromEnv(DefaultConfig(), envRepo)
	require.NoError(t, err)

	assert.Equal(t, Size(16<<20), config.ChunkSize)
	assert.Equal(t, 8, config.Concurrency)
	assert.True(t, config.ContentMD5)
	assert.Equal(t, "blake3", config.HashAlgorithm)
	assert.Equal(t, "/tmp/upload.ckpt", config.CheckpointPath)
	assert.Equal(t, DefaultPoolSize, config.PoolSize)
	require.NoError(t, config.Validate())
}

func TestConfigFromEnv_InvalidValues(t *testing.T) {
	for key, value := range map[string]string{
		"BLOBXFER_CHUNK_SIZE":  "huge",
		"BLOBXFER_POOL_SIZE":   "eight",
		"BLOBXFER_CONTENT_MD5": "sometimes",
	} {
		t.Run(key, func(t *testing.T) {
			_, err := ConfigFromEnv(DefaultConfig(), envRepository{envVars: map[string]string{key: value}})
			assert.ErrorContains(t, err, key)
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobxfer.yml")
	content := `chunk_size: 1MiB
read_size: 64KiB
concurrency: 6
compression: lz4
compression_level: 5
analytics: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	config, err := LoadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, Size(1<<20), config.ChunkSize)
	assert.Equal(t, Size(64<<10), config.ReadSize)
	assert.Equal(t, 6, config.Concurrency)
	assert.Equal(t, "lz4", config.Compression)
	assert.Equal(t, 5, config.CompressionLevel)
	assert.True(t, config.Analytics)
	assert.Equal(t, DefaultPoolSize, config.PoolSize, "unset keys keep their defaults")
	require.NoError(t, config.Validate())
}

func TestLoadConfigFile_Errors(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("chunk_size: a lot\n"), 0600))
	_, err = LoadConfigFile(path)
	assert.ErrorContains(t, err, "invalid size")
}
