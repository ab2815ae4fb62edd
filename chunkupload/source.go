package chunkupload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
)

// Source is a byte source that supports independent concurrent reads of disjoint ranges.
// *bytes.Reader, *io.SectionReader and *FileSource satisfy it.
type Source interface {
	io.ReaderAt
	Size() int64
}

// FileSource reads from a file on disk.
// ReadAt uses pread, so parts can be read in parallel without a lock.
type FileSource struct {
	file *os.File
	size int64
}

// OpenFile opens path as a Source.
func OpenFile(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &FileSource{file: file, size: info.Size()}, nil
}

// ReadAt ...
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

// Size ...
func (s *FileSource) Size() int64 {
	return s.size
}

// Name returns the path the source was opened with.
func (s *FileSource) Name() string {
	return s.file.Name()
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// NewBytesSource wraps an in-memory buffer as a Source.
func NewBytesSource(b []byte) Source {
	return bytes.NewReader(b)
}

// contextReader fails reads once ctx is done, so copy loops observe cancellation between reads.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// partBody is the request body of a single part: a positioned, rewindable view
// of the source that stops at cancellation.
type partBody struct {
	ctx     context.Context
	section *io.SectionReader
}

func newPartBody(ctx context.Context, src Source, offset, size int64) *partBody {
	return &partBody{ctx: ctx, section: io.NewSectionReader(src, offset, size)}
}

func (b *partBody) Read(p []byte) (int, error) {
	if err := b.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := b.section.Read(p)
	if err != nil && err != io.EOF {
		return n, &Error{Kind: ErrIO, Op: OpUploadPart, Err: err}
	}
	return n, err
}

func (b *partBody) Seek(offset int64, whence int) (int64, error) {
	return b.section.Seek(offset, whence)
}

// Len reports the part size, so HTTP clients can set Content-Length.
func (b *partBody) Len() int {
	return int(b.section.Size())
}
