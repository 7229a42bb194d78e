package vmm

import (
	"fmt"

	"vmfault/kernel/mm"
)

// Level identifies a translation level.
type Level uint8

const (
	LevelTop Level = iota
	LevelParent
	LevelDirectory
	LevelLeaf
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case LevelTop:
		return "top"
	case LevelParent:
		return "parent"
	case LevelDirectory:
		return "directory"
	case LevelLeaf:
		return "leaf"
	default:
		return "unknown"
	}
}

// EntryHandle locates the entry that translates VA at Level. Addr is the
// address of the entry inside the self-mapped page table window.
type EntryHandle struct {
	Level Level
	VA    uintptr
	Addr  uintptr
}

// String implements fmt.Stringer.
func (h EntryHandle) String() string {
	return fmt.Sprintf("%s entry for %#x @ %#x", h.Level, h.VA, h.Addr)
}

// Index returns the index of the entry inside its table.
func (h EntryHandle) Index() int {
	return tableIndex(h.VA, h.Level)
}

// Parent returns the handle of the entry one level up. Calling Parent on a
// top-level handle returns the handle unchanged.
func (h EntryHandle) Parent() EntryHandle {
	if h.Level == LevelTop {
		return h
	}
	return Locate(h.VA, h.Level-1)
}

// Child returns the handle of the entry one level down.
func (h EntryHandle) Child() EntryHandle {
	if h.Level == LevelLeaf {
		return h
	}
	return Locate(h.VA, h.Level+1)
}

// IsCanonical returns true if the upper address bits are a sign extension
// of bit 47.
func IsCanonical(va uintptr) bool {
	return va < UserRangeEnd || va >= SystemRangeStart
}

// IsSystemAddress returns true if va belongs to the shared system range.
func IsSystemAddress(va uintptr) bool {
	return va >= SystemRangeStart
}

// Locate computes the handle of the entry that translates va at the given
// level. It performs pure address arithmetic: entry contents are never
// read.
func Locate(va uintptr, level Level) EntryHandle {
	if level > LevelLeaf {
		level = LevelLeaf
	}

	va = mm.PageFromAddress(va).Address()

	var entryAddr uintptr
	walk(va, func(pteLevel uint8, addr uintptr) bool {
		entryAddr = addr
		return Level(pteLevel) < level
	})

	return EntryHandle{Level: level, VA: va, Addr: entryAddr}
}

func tableIndex(va uintptr, level Level) int {
	return int((va >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1))
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and the self-map address of the
// entry for that level. If the function returns false, then the walk is
// aborted.
type pageTableWalker func(pteLevel uint8, entryAddr uintptr) bool

// walk computes the self-map address of the entry that corresponds to each
// page table level of virtAddr and passes it to walkFn.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
	)

	// tableAddr is initially set to the recursively mapped virtual address for the
	// last entry in the top-most page table. Dereferencing a pointer to this address
	// will allow us to access the top-most table itself.
	for level, tableAddr = uint8(0), pdtVirtualAddr; level < pageLevels; level, tableAddr = level+1, entryAddr {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)

		entryAddr = tableAddr + (entryIndex << mm.PointerShift)

		if !walkFn(level, entryAddr) {
			return
		}

		// Shift left by the number of bits for this paging level to get
		// the virtual address of the table pointed to by entryAddr
		entryAddr <<= pageLevelBits[level]
	}
}
