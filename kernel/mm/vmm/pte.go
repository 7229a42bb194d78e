package vmm

import (
	"vmfault/kernel/mm"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

// PageTableEntry is the storage word of a page table entry. Valid entries
// use the hardware translation format; invalid entries reuse the remaining
// bits to describe where the content of the page can be found. Use Unpack to
// interpret a word.
type PageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint64(*pte) &^ uint64(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte PageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint64(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame .
func (pte *PageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (PageTableEntry)((uint64(*pte) &^ ptePhysPageMask) | uint64(frame.Address()))
}

// IsValid returns true if the entry uses the hardware translation format.
func (pte PageTableEntry) IsValid() bool {
	return pte.HasFlags(FlagPresent)
}

// protection returns the protection field of an invalid entry.
func (pte PageTableEntry) protection() mm.Protection {
	return mm.Protection((uint64(pte) & protMask) >> protShift)
}
