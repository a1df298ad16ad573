package internal

import (
	"io"
	"os"
)

// File is the part of *os.File the transfer code works with.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Name() string
	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
}

// OsProxy defines the subset of os package functions used for local files.
// Tests swap it to inject I/O failures.
type OsProxy interface {
	Open(name string) (File, error)
	OpenFile(name string, flag int, perm os.FileMode) (File, error)
	Stat(name string) (os.FileInfo, error)
	MkdirAll(path string, perm os.FileMode) error
	Remove(name string) error
	Rename(oldpath, newpath string) error
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm os.FileMode) error
}

// RealOS is the default implementation that delegates to the real os package.
type RealOS struct{}

func (RealOS) Stat(name string) (os.FileInfo, error)        { return os.Stat(name) }               //nolint:revive
func (RealOS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }     //nolint:revive
func (RealOS) Remove(name string) error                     { return os.Remove(name) }             //nolint:revive
func (RealOS) Rename(oldpath, newpath string) error         { return os.Rename(oldpath, newpath) } //nolint:revive
func (RealOS) ReadFile(name string) ([]byte, error)         { return os.ReadFile(name) }           //nolint:revive

//nolint:revive
func (RealOS) Open(name string) (File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

//nolint:revive
func (RealOS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

//nolint:revive
func (RealOS) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}
