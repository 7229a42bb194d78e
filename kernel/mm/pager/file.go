package pager

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"vmfault/kernel"
	"vmfault/kernel/mm"
	"vmfault/kernel/mm/vmm"
)

var (
	errInjected    = &kernel.Error{Module: "pager", Message: "injected failure"}
	errOutOfBounds = &kernel.Error{Module: "pager", Message: "offset past the end of the page file"}
	errWrongFile   = &kernel.Error{Module: "pager", Message: "location belongs to another page file"}
)

// FileStore is a Pager backed by a page file on disk. Page i of the file
// lives at byte offset i*mm.PageSize.
type FileStore struct {
	file  uint8
	pages uint32
	f     *os.File
}

// NewFileStore creates (or truncates) a page file with room for pages pages
// and serves locations whose File matches file.
func NewFileStore(path string, file uint8, pages uint32) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	if err = f.Truncate(int64(pages) * int64(mm.PageSize)); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &FileStore{file: file, pages: pages, f: f}, nil
}

// Close closes the page file.
func (s *FileStore) Close() error {
	return s.f.Close()
}

// ReadPage implements Pager.
func (s *FileStore) ReadPage(ctx context.Context, loc vmm.Location, frame []byte) error {
	off, err := s.offset("read", loc)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &IOError{Kind: Transient, Op: "read", Loc: loc, Err: err}
	}

	if _, err = s.f.ReadAt(frame[:mm.PageSize], off); err != nil && !errors.Is(err, io.EOF) {
		return &IOError{Kind: Permanent, Op: "read", Loc: loc, Err: err}
	}
	return nil
}

// WritePage implements Pager.
func (s *FileStore) WritePage(ctx context.Context, loc vmm.Location, frame []byte) error {
	off, err := s.offset("write", loc)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &IOError{Kind: Transient, Op: "write", Loc: loc, Err: err}
	}

	if _, err = s.f.WriteAt(frame[:mm.PageSize], off); err != nil {
		return &IOError{Kind: Permanent, Op: "write", Loc: loc, Err: err}
	}
	return nil
}

func (s *FileStore) offset(op string, loc vmm.Location) (int64, error) {
	switch {
	case loc.File != s.file:
		return 0, &IOError{Kind: Permanent, Op: op, Loc: loc, Err: errWrongFile}
	case loc.Offset >= s.pages:
		return 0, &IOError{Kind: Permanent, Op: op, Loc: loc, Err: errOutOfBounds}
	}
	return int64(loc.Offset) * int64(mm.PageSize), nil
}
