// Package vad implements the address space descriptor tree. Descriptors are
// created and destroyed by the region manager; the fault resolver only reads
// them to synthesize entries that were never established.
package vad

import (
	"fmt"
	"sort"

	"vmfault/kernel"
	"vmfault/kernel/mm"
	"vmfault/kernel/mm/section"
	"vmfault/kernel/mm/vmm"
)

var (
	errUnalignedRange = &kernel.Error{Module: "vad", Message: "descriptor range must be page aligned and non-empty"}
	errOverlap        = &kernel.Error{Module: "vad", Message: "descriptor overlaps an existing descriptor"}
	errSegmentRange   = &kernel.Error{Module: "vad", Message: "descriptor extends past the end of its segment"}
	errNotFound       = &kernel.Error{Module: "vad", Message: "no descriptor starts at the supplied address"}
)

// Descriptor describes a region of an address space.
type Descriptor struct {
	// Start and End delimit the region [Start, End).
	Start, End uintptr

	Protection mm.Protection

	// Segment is the backing object of a mapped region. Nil for private
	// memory.
	Segment *section.Segment

	// SegmentOffset is the index of the segment page mapped at Start.
	SegmentOffset int

	// StackGrowthDown marks regions whose guard page signals a request to
	// extend the region downwards.
	StackGrowthDown bool
}

// Contains returns true if va falls inside the descriptor.
func (d *Descriptor) Contains(va uintptr) bool {
	return va >= d.Start && va < d.End
}

// Pages returns the number of pages covered by the descriptor.
func (d *Descriptor) Pages() int {
	return int((d.End - d.Start) >> mm.PageShift)
}

// String implements fmt.Stringer.
func (d *Descriptor) String() string {
	backing := "private"
	if d.Segment != nil {
		backing = fmt.Sprintf("segment %q+%d", d.Segment.Name(), d.SegmentOffset)
	}
	return fmt.Sprintf("[%#x-%#x) %s %s", d.Start, d.End, d.Protection, backing)
}

// Resolution is the outcome of resolving an address against the tree.
type Resolution struct {
	Protection mm.Protection

	// Proto is valid when HasProto is set and refers to the prototype
	// entry backing the address.
	Proto    vmm.ProtoRef
	HasProto bool

	// Descriptor is the descriptor covering the address, or nil.
	Descriptor *Descriptor
}

// Tree is an ordered set of non-overlapping descriptors.
//
// Preconditions: the working set lock of the owning address space must be
// held for every method call.
type Tree struct {
	descriptors []*Descriptor
}

// Insert adds a descriptor to the tree.
func (t *Tree) Insert(d *Descriptor) *kernel.Error {
	if d.Start >= d.End || mm.PageOffset(d.Start) != 0 || mm.PageOffset(d.End) != 0 {
		return errUnalignedRange
	}

	if d.Segment != nil && d.SegmentOffset+d.Pages() > d.Segment.Len() {
		return errSegmentRange
	}

	i := t.search(d.Start)
	if i < len(t.descriptors) && t.descriptors[i].Start < d.End {
		return errOverlap
	}
	if i > 0 && t.descriptors[i-1].End > d.Start {
		return errOverlap
	}

	t.descriptors = append(t.descriptors, nil)
	copy(t.descriptors[i+1:], t.descriptors[i:])
	t.descriptors[i] = d
	return nil
}

// Remove deletes the descriptor that starts at start.
func (t *Tree) Remove(start uintptr) (*Descriptor, *kernel.Error) {
	i := t.search(start)
	if i == len(t.descriptors) || t.descriptors[i].Start != start {
		return nil, errNotFound
	}

	d := t.descriptors[i]
	t.descriptors = append(t.descriptors[:i], t.descriptors[i+1:]...)
	return d, nil
}

// Find returns the descriptor covering va.
func (t *Tree) Find(va uintptr) (*Descriptor, bool) {
	// first descriptor ending after va
	i := sort.Search(len(t.descriptors), func(i int) bool { return t.descriptors[i].End > va })
	if i < len(t.descriptors) && t.descriptors[i].Contains(va) {
		return t.descriptors[i], true
	}
	return nil, false
}

// Len returns the number of descriptors.
func (t *Tree) Len() int {
	return len(t.descriptors)
}

// Resolve returns the protection and backing of va. Addresses outside every
// descriptor resolve to mm.NoAccess.
func (t *Tree) Resolve(va uintptr) Resolution {
	d, ok := t.Find(va)
	if !ok {
		return Resolution{Protection: mm.NoAccess}
	}

	res := Resolution{Protection: d.Protection, Descriptor: d}
	if d.Segment != nil {
		index := d.SegmentOffset + int((va-d.Start)>>mm.PageShift)
		res.Proto, res.HasProto = d.Segment.Ref(index), true
	}
	return res
}

// search returns the index of the first descriptor starting at or after va.
func (t *Tree) search(va uintptr) int {
	return sort.Search(len(t.descriptors), func(i int) bool { return t.descriptors[i].Start >= va })
}
