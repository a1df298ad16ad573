package compression

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// ArchiveDependencyChecker tells whether the external archiving tools are available.
type ArchiveDependencyChecker interface {
	CheckDependencies() bool
}

// DependencyChecker looks the tar binary up on the PATH.
type DependencyChecker struct {
	logger  log.Logger
	envRepo env.Repository
}

// NewDependencyChecker ...
func NewDependencyChecker(logger log.Logger, envRepo env.Repository) *DependencyChecker {
	return &DependencyChecker{
		logger:  logger,
		envRepo: envRepo,
	}
}

// CheckDependencies ...
func (dc *DependencyChecker) CheckDependencies() bool {
	return dc.checkDependency("tar")
}

func (dc *DependencyChecker) checkDependency(binaryName string) bool {
	cmdFactory := command.NewFactory(dc.envRepo)
	cmd := cmdFactory.Create("which", []string{binaryName}, nil)
	dc.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	_, err := cmd.RunAndReturnTrimmedCombinedOutput()
	return err == nil
}

// Archiver streams tar archives of local paths. Paths are stored as given,
// so absolute paths are restored to the same location.
type Archiver struct {
	logger                   log.Logger
	envRepo                  env.Repository
	archiveDependencyChecker ArchiveDependencyChecker
}

// NewArchiver ...
func NewArchiver(logger log.Logger, envRepo env.Repository, archiveDependencyChecker ArchiveDependencyChecker) *Archiver {
	return &Archiver{
		logger:                   logger,
		envRepo:                  envRepo,
		archiveDependencyChecker: archiveDependencyChecker,
	}
}

// Archive writes a tar of includePaths, compressed with codec, to w.
func (a *Archiver) Archive(ctx context.Context, w io.Writer, includePaths []string, codec Codec, level int) error {
	encoder, err := NewWriter(w, codec, level)
	if err != nil {
		return err
	}

	if a.archiveDependencyChecker != nil && a.archiveDependencyChecker.CheckDependencies() {
		a.logger.Infof("Using installed tar binary")
		err = a.archiveWithBinary(encoder, includePaths)
	} else {
		a.logger.Infof("Falling back to native implementation of tar.")
		err = a.archiveWithGoLib(ctx, encoder, includePaths)
	}
	if err != nil {
		return fmt.Errorf("archive files: %w", err)
	}

	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close %s writer: %w", codec, err)
	}
	return nil
}

// NewArchiveReader returns a reader yielding the compressed archive of
// includePaths. Archiving runs in a goroutine; closing the reader stops it.
func (a *Archiver) NewArchiveReader(ctx context.Context, includePaths []string, codec Codec, level int) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(a.Archive(ctx, pw, includePaths, codec, level)) //nolint:errcheck
	}()
	return pr
}

func (a *Archiver) archiveWithGoLib(ctx context.Context, w io.Writer, includePaths []string) error {
	tw := tar.NewWriter(w)

	for _, p := range includePaths {
		path := filepath.Clean(p)
		// walk through every file in the folder
		if err := filepath.Walk(path, func(file string, fi os.FileInfo, e error) error {
			if e != nil {
				return e
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			header, err := tar.FileInfoHeader(fi, file)
			if err != nil {
				return fmt.Errorf("create file info header: %w", err)
			}
			header.Name = filepath.ToSlash(filepath.Clean(file))

			if fi.Mode()&os.ModeSymlink != 0 {
				link, err := os.Readlink(file)
				if err != nil {
					return fmt.Errorf("read symlink: %w", err)
				}
				header.Typeflag = tar.TypeSymlink
				header.Linkname = link
			}

			if err := tw.WriteHeader(header); err != nil {
				return fmt.Errorf("write tar file header: %w", err)
			}

			// nothing more to do for non-regular files or directories
			if !fi.Mode().IsRegular() {
				return nil
			}

			data, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("open file: %w", err)
			}
			if _, err := io.Copy(tw, data); err != nil {
				data.Close() //nolint:errcheck
				return fmt.Errorf("copy to file: %w", err)
			}
			if err := data.Close(); err != nil {
				return fmt.Errorf("close file: %w", err)
			}

			return nil
		}); err != nil {
			return fmt.Errorf("iterate on files: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	return nil
}

func (a *Archiver) archiveWithBinary(w io.Writer, includePaths []string) error {
	cmdFactory := command.NewFactory(a.envRepo)

	/*
		tar arguments:
		-P: Alias for --absolute-paths in BSD tar and --absolute-names in GNU tar
			Storing absolute paths in the archive allows paths outside the current directory
		-c: Create archive
		-f -: Write the archive to stdout, compression happens in process
	*/
	tarArgs := []string{
		"-P",
		"-c",
		"-f", "-",
	}
	tarArgs = append(tarArgs, includePaths...)

	var stderr bytes.Buffer
	cmd := cmdFactory.Create("tar", tarArgs, &command.Opts{Stdout: w, Stderr: &stderr})
	a.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command failed with exit status %d (%s):\n%w", exitErr.ExitCode(), cmd.PrintableCommandArgs(), errors.New(strings.TrimSpace(stderr.String())))
		}
		return fmt.Errorf("executing command failed (%s): %w", cmd.PrintableCommandArgs(), err)
	}

	return nil
}

// Extract unpacks a compressed archive read from r. Entries are placed
// under destinationDirectory when it is set, and at their stored path
// otherwise.
func Extract(ctx context.Context, r io.Reader, codec Codec, destinationDirectory string) error {
	decoder, err := NewReader(r, codec)
	if err != nil {
		return err
	}
	defer decoder.Close() //nolint:errcheck

	tr := tar.NewReader(decoder)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar file: %w", err)
		}

		target, err := extractTarget(header.Name, destinationDirectory)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("create target directories: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("create target directories: %w", err)
			}
			fileToWrite, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("create file: %w", err)
			}
			if _, err := io.Copy(fileToWrite, tr); err != nil {
				fileToWrite.Close() //nolint:errcheck
				return fmt.Errorf("copy content to file: %w", err)
			}
			// closed per entry, deferring would keep every file open until the end
			if err := fileToWrite.Close(); err != nil {
				return fmt.Errorf("write file: %w", err)
			}
		case tar.TypeSymlink:
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("symlink file: %w", err)
			}
		}
	}
	return nil
}

func extractTarget(name, destinationDirectory string) (string, error) {
	target := filepath.FromSlash(name)
	if destinationDirectory == "" {
		return target, nil
	}

	target = filepath.Join(destinationDirectory, target)
	rel, err := filepath.Rel(destinationDirectory, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %s escapes %s", name, destinationDirectory)
	}
	return target, nil
}

// AreAllPathsEmpty checks if the provided paths are all nonexistent files or empty directories
func AreAllPathsEmpty(includePaths []string) bool {
	allEmpty := true

	for _, path := range includePaths {
		fileInfo, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			continue
		}

		if !fileInfo.IsDir() {
			allEmpty = false
			break
		}

		file, err := os.Open(path)
		if err != nil {
			continue
		}
		_, err = file.Readdirnames(1) // query only 1 child
		file.Close()                  //nolint:errcheck
		if errors.Is(err, io.EOF) {
			continue
		}
		if err == nil {
			allEmpty = false
			break
		}
	}

	return allEmpty
}
