// Package pfn implements the frame table: the database that tracks the state
// of every physical frame. Physical memory is simulated by a word array so
// the frame table can back page tables as well as page contents.
package pfn

import (
	"log/slog"
	"sync/atomic"
	"unsafe"

	"vmfault/kernel"
	"vmfault/kernel/irql"
	"vmfault/kernel/kfmt"
	"vmfault/kernel/mm"
	"vmfault/kernel/sync"
	"vmfault/kernel/thread"
)

var (
	// ErrNoFreeFrames is returned by Acquire when no free, zeroed or
	// standby frame is available.
	ErrNoFreeFrames = &kernel.Error{Module: "pfn", Message: "out of physical frames"}

	// ErrFrameLockReentrant is raised when a thread tries to acquire the
	// frame table lock while already holding it.
	ErrFrameLockReentrant = &kernel.Error{Module: "pfn", Message: "frame table lock acquired recursively"}

	// ErrFrameStillShared is raised when a frame that is still mapped by
	// a valid entry is released or moved to a reclaim list.
	ErrFrameStillShared = &kernel.Error{Module: "pfn", Message: "frame is still mapped by a valid entry"}

	// ErrFrameState is raised when a frame operation is applied to a frame
	// in the wrong state.
	ErrFrameState = &kernel.Error{Module: "pfn", Message: "frame operation applied in unexpected state"}

	// ErrGuardReleased is raised when a released guard is used.
	ErrGuardReleased = &kernel.Error{Module: "pfn", Message: "frame table guard used after release"}

	errFrameOutOfRange = &kernel.Error{Module: "pfn", Message: "frame number outside of physical memory"}
	errInvalidConfig   = &kernel.Error{Module: "pfn", Message: "frame table needs at least one frame and one color"}
)

const wordsPerFrame = mm.PageSize >> mm.PointerShift

// RepurposeFn is invoked, with the frame table lock held, when a standby
// frame is taken away from its owner. It must restore the owning transition
// entry to originalPte without blocking.
type RepurposeFn func(g *Guard, frame mm.Frame, owner Owner, prototype bool, originalPte uint64)

// Config describes the simulated physical memory.
type Config struct {
	// Frames is the number of physical frames.
	Frames int

	// Colors is the number of cache colors. Frame f has color f % Colors.
	Colors int
}

// Stats is a snapshot of the frame table counters.
type Stats struct {
	Total, Free, Zeroed, Standby, Modified, Active int

	Acquired, Repurposed, Released uint64
}

// FrameTable tracks the state of all physical frames. All mutating
// operations are methods of the Guard returned by Lock.
type FrameTable struct {
	lock   sync.Spinlock
	holder atomic.Uint64

	entries []Entry
	memory  []uint64
	colors  int

	zeroed   []frameList
	free     []frameList
	standby  frameList
	modified frameList

	acquired, repurposed, released uint64

	onRepurpose RepurposeFn
	log         *slog.Logger
}

// New creates a frame table for cfg.Frames zero-filled frames.
func New(cfg Config) (*FrameTable, *kernel.Error) {
	if cfg.Frames <= 0 || cfg.Colors <= 0 {
		return nil, errInvalidConfig
	}

	ft := &FrameTable{
		entries:  make([]Entry, cfg.Frames),
		memory:   make([]uint64, uintptr(cfg.Frames)*wordsPerFrame),
		colors:   cfg.Colors,
		zeroed:   make([]frameList, cfg.Colors),
		free:     make([]frameList, cfg.Colors),
		standby:  newFrameList(),
		modified: newFrameList(),
		log:      kfmt.Logger("pfn"),
	}

	for c := 0; c < cfg.Colors; c++ {
		ft.zeroed[c] = newFrameList()
		ft.free[c] = newFrameList()
	}

	for f := mm.Frame(0); int(f) < cfg.Frames; f++ {
		color := uint32(int(f) % cfg.Colors)
		ft.entries[f] = Entry{State: StateZeroed, Color: color, next: mm.InvalidFrame, prev: mm.InvalidFrame}
		ft.zeroed[color].pushBack(ft.entries, f)
	}

	return ft, nil
}

// SetRepurposeHandler installs the callback used to restore the owner of a
// repurposed standby frame. Without a handler standby frames are never
// repurposed.
func (ft *FrameTable) SetRepurposeHandler(fn RepurposeFn) {
	ft.onRepurpose = fn
}

// Frames returns the number of physical frames.
func (ft *FrameTable) Frames() int {
	return len(ft.entries)
}

// Colors returns the number of cache colors.
func (ft *FrameTable) Colors() int {
	return ft.colors
}

// Lock acquires the frame table lock on behalf of t and raises its priority
// level to irql.DispatchLevel until the returned guard is unlocked. Nothing
// that may block can be called while the guard is live.
func (ft *FrameTable) Lock(t *thread.Thread) *Guard {
	if ft.HeldBy(t) {
		kfmt.Panic(ErrFrameLockReentrant)
	}

	oldLevel := t.Raise(max(irql.DispatchLevel, t.Level()))
	ft.lock.Acquire()
	ft.holder.Store(uint64(t.ID()))

	return &Guard{ft: ft, t: t, oldLevel: oldLevel}
}

// HeldBy returns true if t currently holds the frame table lock.
func (ft *FrameTable) HeldBy(t *thread.Thread) bool {
	return ft.holder.Load() == uint64(t.ID())
}

// Contents returns the bytes of the supplied frame. Callers must own the
// frame (it is active and mapped or being initialized by them) before
// touching its contents.
func (ft *FrameTable) Contents(f mm.Frame) []byte {
	ft.checkFrame(f)
	words := ft.memory[uintptr(f)*wordsPerFrame:]
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), mm.PageSize)
}

// Word returns a pointer to the index-th 64-bit word of a frame. Page tables
// use it to access their entries atomically.
func (ft *FrameTable) Word(f mm.Frame, index int) *uint64 {
	ft.checkFrame(f)
	if index < 0 || uintptr(index) >= wordsPerFrame {
		kfmt.Panic(errFrameOutOfRange)
	}
	return &ft.memory[uintptr(f)*wordsPerFrame+uintptr(index)]
}

// Stats returns a snapshot of the frame table counters. It must not be
// called while holding a Guard.
func (ft *FrameTable) Stats() Stats {
	ft.lock.Acquire()
	defer ft.lock.Release()

	s := Stats{
		Total:      len(ft.entries),
		Standby:    ft.standby.count,
		Modified:   ft.modified.count,
		Acquired:   ft.acquired,
		Repurposed: ft.repurposed,
		Released:   ft.released,
	}
	for c := 0; c < ft.colors; c++ {
		s.Zeroed += ft.zeroed[c].count
		s.Free += ft.free[c].count
	}
	s.Active = s.Total - s.Zeroed - s.Free - s.Standby - s.Modified
	return s
}

func (ft *FrameTable) checkFrame(f mm.Frame) {
	if !f.Valid() || int(f) >= len(ft.entries) {
		kfmt.Panic(errFrameOutOfRange)
	}
}
