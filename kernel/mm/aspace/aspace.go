// Package aspace binds together the translation tables, the working set and
// the descriptor tree of an address space.
package aspace

import (
	"sync/atomic"

	"vmfault/kernel"
	"vmfault/kernel/mm/pfn"
	"vmfault/kernel/mm/vad"
	"vmfault/kernel/mm/vmm"
	"vmfault/kernel/mm/ws"
	"vmfault/kernel/thread"
)

var (
	nextSpaceID uint64

	errNotSystemSpace = &kernel.Error{Module: "aspace", Message: "process spaces must be created from the system space"}
)

// Space is an address space. Process spaces share the system range with the
// system space they were created from.
type Space struct {
	id          uint64
	name        string
	tables      *vmm.Tables
	workingSet  *ws.WorkingSet
	descriptors *vad.Tree
	system      *Space
}

// NewSystem creates the system address space.
func NewSystem(frames *pfn.FrameTable, t *thread.Thread) (*Space, *kernel.Error) {
	return newSpace("system", frames, t, nil)
}

// NewProcess creates a process address space that shares the system range
// of system.
func NewProcess(name string, system *Space, frames *pfn.FrameTable, t *thread.Thread) (*Space, *kernel.Error) {
	if system == nil || !system.IsSystem() {
		return nil, errNotSystemSpace
	}
	return newSpace(name, frames, t, system)
}

func newSpace(name string, frames *pfn.FrameTable, t *thread.Thread, system *Space) (*Space, *kernel.Error) {
	id := atomic.AddUint64(&nextSpaceID, 1)

	g := frames.Lock(t)
	root, zeroed, err := g.Acquire(0)
	if err != nil {
		g.Unlock()
		return nil, err
	}
	g.Initialize(root, pfn.Owner{Space: id, Level: uint8(vmm.LevelTop)}, 0, false)
	g.Unlock()

	// zero outside the frame lock; the root is not reachable yet
	if !zeroed {
		kernel.Memset(frames.Contents(root), 0)
	}

	s := &Space{
		id:          id,
		name:        name,
		workingSet:  ws.New(name, system == nil),
		descriptors: &vad.Tree{},
		system:      system,
	}

	var systemTables *vmm.Tables
	if system != nil {
		systemTables = system.tables
	}
	s.tables = vmm.NewTables(id, frames, root, systemTables)

	return s, nil
}

// ID returns the space identifier used in frame back-references.
func (s *Space) ID() uint64 { return s.id }

// Name returns the space name.
func (s *Space) Name() string { return s.name }

// IsSystem returns true for the system space.
func (s *Space) IsSystem() bool { return s.system == nil }

// System returns the system space; the system space returns itself.
func (s *Space) System() *Space {
	if s.system == nil {
		return s
	}
	return s.system
}

// Tables returns the translation tables.
func (s *Space) Tables() *vmm.Tables { return s.tables }

// WorkingSet returns the working set.
func (s *Space) WorkingSet() *ws.WorkingSet { return s.workingSet }

// Descriptors returns the descriptor tree.
func (s *Space) Descriptors() *vad.Tree { return s.descriptors }

// For returns the space that owns the entries for va: the system space for
// system-range addresses and s otherwise.
func (s *Space) For(va uintptr) *Space {
	if vmm.IsSystemAddress(va) {
		return s.System()
	}
	return s
}
