package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-blobtransfer/blockrange"
	"github.com/bitrise-io/go-blobtransfer/internal"
	"github.com/bitrise-io/go-blobtransfer/internal/codec"
)

const checkpointVersion = 1

// Direction tells which way a checkpointed transfer was moving data.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Checkpoint is the persisted progress of an interrupted transfer.
type Checkpoint struct {
	Version       int               `cbor:"1,keyasint"`
	Direction     Direction         `cbor:"2,keyasint"`
	Object        string            `cbor:"3,keyasint"`
	Path          string            `cbor:"4,keyasint"`
	UploadID      string            `cbor:"5,keyasint,omitempty"`
	ChunkSize     int64             `cbor:"6,keyasint"`
	Size          int64             `cbor:"7,keyasint"`
	Cursor        blockrange.Cursor `cbor:"8,keyasint"`
	BytesDone     int64             `cbor:"9,keyasint"`
	HashAlgorithm string            `cbor:"10,keyasint,omitempty"`
}

// matches reports whether c was written for the same transfer as want.
func (c *Checkpoint) matches(want Checkpoint) bool {
	return c.Version == checkpointVersion &&
		c.Direction == want.Direction &&
		c.Object == want.Object &&
		c.Path == want.Path &&
		c.ChunkSize == want.ChunkSize &&
		c.Size == want.Size &&
		c.HashAlgorithm == want.HashAlgorithm
}

// CheckpointStore keeps a single checkpoint in a file.
type CheckpointStore struct {
	path string
	fs   internal.OsProxy
}

// NewCheckpointStore returns a store backed by path.
func NewCheckpointStore(path string, fs internal.OsProxy) *CheckpointStore {
	if fs == nil {
		fs = internal.RealOS{}
	}
	return &CheckpointStore{path: path, fs: fs}
}

// Path returns the checkpoint file path.
func (s *CheckpointStore) Path() string {
	return s.path
}

// Load returns the stored checkpoint, or nil when there is none.
func (s *CheckpointStore) Load() (*Checkpoint, error) {
	data, err := s.fs.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := codec.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", s.path, err)
	}
	return &cp, nil
}

// Save replaces the stored checkpoint. The file is swapped in with a rename
// so a crash never leaves a torn checkpoint behind.
func (s *CheckpointStore) Save(cp Checkpoint) error {
	cp.Version = checkpointVersion
	data, err := codec.Marshal(cp)
	if err != nil {
		return err
	}

	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := s.fs.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Remove deletes the stored checkpoint. A missing file is not an error.
func (s *CheckpointStore) Remove() error {
	if err := s.fs.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}
