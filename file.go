package cfile

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// FileSink is a WritableFile backed by a grailbio file. Local paths as
// well as any registered file implementation (e.g. s3://) are supported.
type FileSink struct {
	ctx context.Context
	f   file.File
	w   *bufio.Writer
}

var _ WritableFile = (*FileSink)(nil)

// CreateFile creates a file at path.
func CreateFile(ctx context.Context, path string) (*FileSink, error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("cfile: create %s", path))
	}
	return &FileSink{
		ctx: ctx,
		f:   f,
		w:   bufio.NewWriterSize(f.Writer(ctx), 1<<16),
	}, nil
}

// Name returns the file path.
func (s *FileSink) Name() string { return s.f.Name() }

// Append implements WritableFile.
func (s *FileSink) Append(p []byte) error {
	_, err := s.w.Write(p)
	return err
}

// Flush implements WritableFile.
func (s *FileSink) Flush() error { return s.w.Flush() }

// Sync implements WritableFile. Data is committed once the file is closed.
func (s *FileSink) Sync() error { return s.w.Flush() }

// Close implements WritableFile.
func (s *FileSink) Close() error {
	if err := s.w.Flush(); err != nil {
		s.f.Discard(s.ctx)
		return err
	}
	return s.f.Close(s.ctx)
}

// --------------------------------------------------------------------

// FileReader is a Reader over a grailbio file.
type FileReader struct {
	*Reader
	f file.File
}

// OpenFile opens the file at path for reading.
func OpenFile(ctx context.Context, path string) (*FileReader, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("cfile: open %s", path))
	}

	info, err := f.Stat(ctx)
	if err != nil {
		_ = f.Close(ctx)
		return nil, errors.E(err, fmt.Sprintf("cfile: stat %s", path))
	}

	r, err := NewReader(&seekReaderAt{rs: f.Reader(ctx)}, info.Size())
	if err != nil {
		_ = f.Close(ctx)
		return nil, err
	}
	return &FileReader{Reader: r, f: f}, nil
}

// Close closes the underlying file.
func (r *FileReader) Close(ctx context.Context) error {
	return r.f.Close(ctx)
}

// seekReaderAt adapts an io.ReadSeeker to io.ReaderAt.
type seekReaderAt struct {
	mu sync.Mutex
	rs io.ReadSeeker
}

func (s *seekReaderAt) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.rs.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(s.rs, p)
}
