package vmm

import (
	"sync/atomic"

	"vmfault/kernel"
	"vmfault/kernel/mm"
	"vmfault/kernel/mm/pfn"
)

var (
	// ErrParentNotPresent is returned when an entry cannot be reached
	// because the entry one level up is not valid.
	ErrParentNotPresent = &kernel.Error{Module: "vmm", Message: "parent table is not present"}

	// ErrNonCanonicalAddress is returned for addresses outside both the
	// user and the system range.
	ErrNonCanonicalAddress = &kernel.Error{Module: "vmm", Message: "virtual address is not canonical"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// Tables is the multi-level translation table of an address space. Tables
// are kept in frames owned by the frame table; entries are read and written
// atomically. Tables never allocate: creating a missing child table is the
// job of the fault resolver.
type Tables struct {
	id     uint64
	frames *pfn.FrameTable
	root   mm.Frame

	// system holds the shared system-range tables. It is nil for the
	// system tables themselves.
	system *Tables
}

// NewTables returns the tables rooted at root. Lookups of system-range
// addresses are redirected to system when it is not nil.
func NewTables(id uint64, frames *pfn.FrameTable, root mm.Frame, system *Tables) *Tables {
	return &Tables{id: id, frames: frames, root: root, system: system}
}

// ID returns the identifier used in frame back-references to entries of
// these tables.
func (t *Tables) ID() uint64 {
	return t.id
}

// Root returns the frame holding the top-level table.
func (t *Tables) Root() mm.Frame {
	return t.root
}

// Owning returns the tables that physically hold the entries for va: the
// system tables for system-range addresses, t otherwise.
func (t *Tables) Owning(va uintptr) *Tables {
	if t.system != nil && IsSystemAddress(va) {
		return t.system
	}
	return t
}

// Load atomically reads the entry identified by h.
func (t *Tables) Load(h EntryHandle) (PageTableEntry, *kernel.Error) {
	word, err := t.word(h)
	if err != nil {
		return 0, err
	}
	return PageTableEntry(atomic.LoadUint64(word)), nil
}

// Store atomically replaces the entry identified by h.
func (t *Tables) Store(h EntryHandle, pte PageTableEntry) *kernel.Error {
	word, err := t.word(h)
	if err != nil {
		return err
	}
	atomic.StoreUint64(word, uint64(pte))
	return nil
}

// CompareAndSwap replaces the entry identified by h with newPte if it still
// holds oldPte.
func (t *Tables) CompareAndSwap(h EntryHandle, oldPte, newPte PageTableEntry) (bool, *kernel.Error) {
	word, err := t.word(h)
	if err != nil {
		return false, err
	}
	return atomic.CompareAndSwapUint64(word, uint64(oldPte), uint64(newPte)), nil
}

// Visit calls visitFn with every entry of the table at level that is reached
// from a valid parent, in address order. The walk stops early if visitFn
// returns false. Only entries physically held by t are visited.
func (t *Tables) Visit(level Level, visitFn func(h EntryHandle, pte PageTableEntry) bool) {
	t.visit(t.root, LevelTop, 0, level, visitFn)
}

func (t *Tables) visit(table mm.Frame, cur Level, base uintptr, target Level, visitFn func(EntryHandle, PageTableEntry) bool) bool {
	for i := 0; i < mm.EntriesPerTable; i++ {
		va := base | uintptr(i)<<pageLevelShifts[cur]
		if cur == LevelTop && i >= mm.EntriesPerTable/2 {
			// Sign-extend system-range addresses.
			va |= SystemRangeStart
			if t.system != nil {
				break
			}
		}

		pte := PageTableEntry(atomic.LoadUint64(t.frames.Word(table, i)))
		if cur == target {
			if pte != 0 && !visitFn(Locate(va, cur), pte) {
				return false
			}
			continue
		}

		if pte.IsValid() && !t.visit(pte.Frame(), cur+1, va, target, visitFn) {
			return false
		}
	}
	return true
}

// word returns a pointer to the storage of the entry identified by h.
func (t *Tables) word(h EntryHandle) (*uint64, *kernel.Error) {
	if !IsCanonical(h.VA) {
		return nil, ErrNonCanonicalAddress
	}

	owner := t.Owning(h.VA)
	table := owner.root
	for level := LevelTop; level < h.Level; level++ {
		pte := PageTableEntry(atomic.LoadUint64(owner.frames.Word(table, tableIndex(h.VA, level))))
		if !pte.IsValid() {
			return nil, ErrParentNotPresent
		}
		if pte.HasFlags(FlagHugePage) {
			return nil, errNoHugePageSupport
		}
		table = pte.Frame()
	}

	return owner.frames.Word(table, tableIndex(h.VA, h.Level)), nil
}
