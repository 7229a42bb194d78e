// Package pager defines the I/O collaborator used to read paged-out content
// into frames and write modified frames back to backing storage.
package pager

import (
	"context"
	"errors"
	"fmt"

	"vmfault/kernel"
	"vmfault/kernel/mm/vmm"
)

// Pager moves page contents between frames and backing storage. Both calls
// may block; they are never issued while the frame table lock is held.
type Pager interface {
	// ReadPage fills frame with the content stored at loc.
	ReadPage(ctx context.Context, loc vmm.Location, frame []byte) error

	// WritePage stores the content of frame at loc.
	WritePage(ctx context.Context, loc vmm.Location, frame []byte) error
}

// Kind classifies an I/O failure.
type Kind uint8

const (
	// Transient failures are expected to clear up; the faulting access is
	// retried.
	Transient Kind = iota

	// Permanent failures mean the page content is lost.
	Permanent
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k == Transient {
		return "transient"
	}
	return "permanent"
}

// IOError describes a failed page transfer.
type IOError struct {
	Kind Kind
	Op   string
	Loc  vmm.Location
	Err  error
}

// Error implements the error interface.
func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s error at %s: %v", e.Kind, e.Op, e.Loc, e.Err)
}

// Unwrap returns the underlying error.
func (e *IOError) Unwrap() error {
	return e.Err
}

// IsTransient returns true if err is (or wraps) a transient I/O error.
func IsTransient(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr) && ioErr.Kind == Transient
}

var (
	// ErrPageNotFound is reported when no content is stored at a location.
	ErrPageNotFound = &kernel.Error{Module: "pager", Message: "no page stored at location"}

	// ErrUnknownFile is reported when a location names a page file that
	// is not attached.
	ErrUnknownFile = &kernel.Error{Module: "pager", Message: "page file is not attached"}
)

// Files dispatches transfers to the pager attached for the page file
// number of each location.
type Files map[uint8]Pager

// ReadPage implements Pager.
func (f Files) ReadPage(ctx context.Context, loc vmm.Location, frame []byte) error {
	p, ok := f[loc.File]
	if !ok {
		return &IOError{Kind: Permanent, Op: "read", Loc: loc, Err: ErrUnknownFile}
	}
	return p.ReadPage(ctx, loc, frame)
}

// WritePage implements Pager.
func (f Files) WritePage(ctx context.Context, loc vmm.Location, frame []byte) error {
	p, ok := f[loc.File]
	if !ok {
		return &IOError{Kind: Permanent, Op: "write", Loc: loc, Err: ErrUnknownFile}
	}
	return p.WritePage(ctx, loc, frame)
}
