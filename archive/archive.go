// Package archive packs directories into a single zstd compressed tar file, so a
// directory can be uploaded through one upload session.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
)

// Extension is appended to the name of archived directories.
const Extension = ".tar.zst"

// DefaultLevel is the zstd level used when none is given.
const DefaultLevel = 3

// Archiver ...
type Archiver struct {
	logger log.Logger
}

// NewArchiver ...
func NewArchiver(logger log.Logger) *Archiver {
	return &Archiver{logger: logger}
}

// Compress writes a tar.zst archive of includePaths to archivePath. Entries are named
// relative to the parent directory of each include path, so the archive unpacks into
// the directories' own names. level is a zstd level between 1 and 19.
func (a *Archiver) Compress(archivePath string, includePaths []string, level int) (err error) {
	if level == 0 {
		level = DefaultLevel
	}
	if level < 1 || level > 19 {
		return fmt.Errorf("compression level should be between 1 and 19")
	}

	file, err := os.OpenFile(archivePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close archive file: %w", closeErr)
		}
	}()

	zstdWriter, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zstdWriter)

	for _, p := range includePaths {
		a.logger.Debugf("Archiving %s", p)
		if err := addPath(tw, filepath.Clean(p)); err != nil {
			_ = zstdWriter.Close()
			return err
		}
	}

	// produce tar
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	// produce zstd
	if err := zstdWriter.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	return nil
}

func addPath(tw *tar.Writer, root string) error {
	base := filepath.Dir(root)

	// walk through every file in the folder
	return filepath.Walk(root, func(file string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("walk %s: %w", file, walkErr)
		}

		var link string
		if fi.Mode()&os.ModeSymlink != 0 {
			var err error
			if link, err = os.Readlink(file); err != nil {
				return fmt.Errorf("read symlink: %w", err)
			}
		}

		// generate tar header
		header, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return fmt.Errorf("create file info header: %w", err)
		}
		name, err := filepath.Rel(base, file)
		if err != nil {
			return fmt.Errorf("relative path of %s: %w", file, err)
		}
		header.Name = filepath.ToSlash(name)
		if fi.IsDir() {
			header.Name += "/"
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
		defer data.Close()
		if _, err := io.Copy(tw, data); err != nil {
			return fmt.Errorf("copy %s: %w", file, err)
		}
		return nil
	})
}

// Extract unpacks an archive created by Compress into destinationDirectory.
// Entries that would land outside of it are rejected.
func (a *Archiver) Extract(archivePath, destinationDirectory string) error {
	compressedFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", archivePath, err)
	}
	defer compressedFile.Close()

	zr, err := zstd.NewReader(compressedFile)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	root := filepath.Clean(destinationDirectory)
	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar file: %w", err)
		}

		target := filepath.Join(root, filepath.FromSlash(header.Name))
		if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return fmt.Errorf("archive entry %s is outside of the destination", header.Name)
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
			if err := writeFile(target, tr, os.FileMode(header.Mode)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("symlink file: %w", err)
			}
		default:
			a.logger.Warnf("Skipping unsupported archive entry %s", header.Name)
		}
	}
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	fileToWrite, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(fileToWrite, r); err != nil {
		_ = fileToWrite.Close()
		return fmt.Errorf("copy content to file: %w", err)
	}
	if err := fileToWrite.Close(); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// AreAllPathsEmpty checks if the provided paths are all nonexistent files or empty directories
func AreAllPathsEmpty(includePaths []string) bool {
	for _, path := range includePaths {
		fileInfo, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return false
		}
		if !fileInfo.IsDir() {
			return false
		}

		entries, err := os.ReadDir(path)
		if err != nil || len(entries) > 0 {
			return false
		}
	}
	return true
}
