package testing

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
)

// FileChecker allows chaining multiple checks on a transferred file.
type FileChecker struct {
	Path   string
	Checks []func(string) error
}

// NewFileChecker creates a FileChecker for the given path.
func NewFileChecker(path string) *FileChecker {
	return &FileChecker{Path: path, Checks: []func(string) error{}}
}

// Check runs all checks on the path and returns every failure.
func (fc *FileChecker) Check() error {
	errors := MultiError{}
	for _, check := range fc.Checks {
		AppendErr(&errors, check(fc.Path))
	}

	if len(errors) == 0 {
		return nil
	}

	return errors
}

// IsFile adds a check that the path is a regular file.
func (fc *FileChecker) IsFile() *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		info, err := getInfo(path)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("expected regular file: %s", path)
		}
		return nil
	})
	return fc
}

// Missing adds a check that nothing exists at the path.
func (fc *FileChecker) Missing() *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		if _, err := os.Lstat(path); !os.IsNotExist(err) {
			return fmt.Errorf("expected %s to be missing", path)
		}
		return nil
	})
	return fc
}

// Size adds a check on the file size.
func (fc *FileChecker) Size(want int64) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		info, err := getInfo(path)
		if err != nil {
			return err
		}
		if info.Size() != want {
			return fmt.Errorf("size mismatch for %s: want %d got %d", path, want, info.Size())
		}
		return nil
	})
	return fc
}

// Content adds a check that the file holds exactly want.
func (fc *FileChecker) Content(want []byte) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		got, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("file %s content mismatch: want %d bytes got %d bytes", path, len(want), len(got))
		}
		return nil
	})
	return fc
}

// MD5 adds a check on the hex encoded MD5 of the file.
func (fc *FileChecker) MD5(want string) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sum := md5.Sum(b)
		if got := hex.EncodeToString(sum[:]); got != want {
			return fmt.Errorf("md5 mismatch for %s: want %s got %s", path, want, got)
		}
		return nil
	})
	return fc
}

func getInfo(path string) (os.FileInfo, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("path does not exist: %s", path)
		}
		return nil, fmt.Errorf("lstat %s: %w", path, err)
	}
	return info, nil
}
