// Package ws implements working sets: the per address space record of
// resident pages together with the lock that serializes every entry state
// transition in that space.
package ws

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"vmfault/kernel"
	"vmfault/kernel/irql"
	"vmfault/kernel/kfmt"
	"vmfault/kernel/mm"
	"vmfault/kernel/thread"
)

var (
	// ErrReentrantLock is raised when a thread faults while already
	// holding the working set lock it needs to resolve the fault.
	ErrReentrantLock = &kernel.Error{Module: "ws", Message: "working set lock acquired recursively"}

	// ErrLockLevel is raised when the working set lock is requested at or
	// above DispatchLevel. Holding the frame table lock raises the level,
	// so this also catches acquisitions that would invert the lock order.
	ErrLockLevel = &kernel.Error{Module: "ws", Message: "working set lock acquired at or above DISPATCH_LEVEL"}

	// ErrGuardReleased is raised when a released guard is used.
	ErrGuardReleased = &kernel.Error{Module: "ws", Message: "working set guard used after release"}
)

// WorkingSet tracks the resident pages of an address space.
type WorkingSet struct {
	name   string
	system bool

	mu    sync.Mutex
	owner atomic.Uint64

	resident map[mm.Page]struct{}
	peak     int

	log *slog.Logger
}

// New creates an empty working set. System working sets cover the shared
// system range.
func New(name string, system bool) *WorkingSet {
	return &WorkingSet{
		name:     name,
		system:   system,
		resident: make(map[mm.Page]struct{}),
		log:      kfmt.Logger("ws").With("ws", name),
	}
}

// Name returns the working set name.
func (w *WorkingSet) Name() string { return w.name }

// IsSystem returns true for the shared system working set.
func (w *WorkingSet) IsSystem() bool { return w.system }

// HeldBy returns true if t holds the working set lock.
func (w *WorkingSet) HeldBy(t *thread.Thread) bool {
	return w.owner.Load() == uint64(t.ID())
}

// Lock acquires the working set lock on behalf of t and raises its priority
// level to irql.APCLevel. The holder may block (e.g. for page-in I/O) but
// must not call Lock again before unlocking.
func (w *WorkingSet) Lock(t *thread.Thread) *Guard {
	if w.HeldBy(t) {
		w.log.Error("recursive working set lock acquisition", "thread", t.ID())
		kfmt.Panic(ErrReentrantLock)
	}

	if !t.Level().CanBlock() {
		w.log.Error("working set lock requested at elevated level", "thread", t.ID(), "level", t.Level())
		kfmt.Panic(ErrLockLevel)
	}

	oldLevel := t.Raise(max(irql.APCLevel, t.Level()))
	w.mu.Lock()
	w.owner.Store(uint64(t.ID()))

	return &Guard{ws: w, t: t, oldLevel: oldLevel}
}

// Guard is proof that a working set lock is held.
type Guard struct {
	ws       *WorkingSet
	t        *thread.Thread
	oldLevel irql.Level
}

// WorkingSet returns the locked working set.
func (g *Guard) WorkingSet() *WorkingSet {
	return g.live()
}

// Unlock releases the working set lock and restores the priority level.
func (g *Guard) Unlock() {
	w := g.live()
	g.ws = nil

	w.owner.Store(0)
	w.mu.Unlock()
	g.t.Lower(g.oldLevel)
}

// Insert records page as resident. It returns false if the page was
// already tracked.
func (g *Guard) Insert(page mm.Page) bool {
	w := g.live()
	if _, found := w.resident[page]; found {
		return false
	}
	w.resident[page] = struct{}{}
	if len(w.resident) > w.peak {
		w.peak = len(w.resident)
	}
	return true
}

// Remove drops page from the resident set. It returns false if the page was
// not tracked.
func (g *Guard) Remove(page mm.Page) bool {
	w := g.live()
	if _, found := w.resident[page]; !found {
		return false
	}
	delete(w.resident, page)
	return true
}

// Contains returns true if page is resident.
func (g *Guard) Contains(page mm.Page) bool {
	_, found := g.live().resident[page]
	return found
}

// Len returns the number of resident pages.
func (g *Guard) Len() int {
	return len(g.live().resident)
}

// Peak returns the largest number of pages that were resident at once.
func (g *Guard) Peak() int {
	return g.live().peak
}

// Pages returns the resident pages in ascending order.
func (g *Guard) Pages() []mm.Page {
	w := g.live()
	pages := make([]mm.Page, 0, len(w.resident))
	for page := range w.resident {
		pages = append(pages, page)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	return pages
}

func (g *Guard) live() *WorkingSet {
	if g.ws == nil {
		kfmt.Panic(ErrGuardReleased)
	}
	return g.ws
}
