// Package section manages segments: shared prototype tables that describe
// the pages of a backing object mapped by more than one address space.
package section

import (
	"sync"
	"sync/atomic"

	"vmfault/kernel"
	"vmfault/kernel/mm"
	"vmfault/kernel/mm/pfn"
	"vmfault/kernel/mm/vmm"
)

const (
	indexBits = 32
	indexMask = vmm.ProtoRef(1<<indexBits - 1)

	// maxSegments is bounded by the 16 bits left in a ProtoRef once the
	// index is stored. The all-ones id is reserved for
	// vmm.ProtoRefFromDescriptor.
	maxSegments = 1<<16 - 1
)

var (
	// ErrUnknownPrototype is returned when a ProtoRef does not address an
	// existing prototype entry.
	ErrUnknownPrototype = &kernel.Error{Module: "section", Message: "prototype reference does not match any segment"}

	errTooManySegments = &kernel.Error{Module: "section", Message: "segment limit reached"}
	errEmptySegment    = &kernel.Error{Module: "section", Message: "segment must contain at least one page"}
	errBadProtection   = &kernel.Error{Module: "section", Message: "segment protection must be a committed page protection"}
)

// Ref builds the reference of the index-th prototype entry of segment id.
func Ref(id uint16, index uint32) vmm.ProtoRef {
	return vmm.ProtoRef(id)<<indexBits | vmm.ProtoRef(index)
}

// Split decomposes a reference built by Ref.
func Split(ref vmm.ProtoRef) (id uint16, index uint32) {
	return uint16((ref & vmm.ProtoRefMask) >> indexBits), uint32(ref & indexMask)
}

// Config describes a new segment.
type Config struct {
	Name  string
	Pages int

	// Protection is the protection of every prototype entry.
	Protection mm.Protection

	// Backing is the location of the first page of the backing object.
	// Page i lives at Backing.Offset+i. A zero location creates a
	// demand-zero (page-file backed) segment.
	Backing vmm.Location
}

// Segment is a prototype table. Prototype entries use the same encoding as
// page table entries. Reads are lock free; writes require the frame table
// lock.
type Segment struct {
	id         uint16
	name       string
	protection mm.Protection
	entries    []uint64
}

// ID returns the segment identifier.
func (s *Segment) ID() uint16 { return s.id }

// Name returns the segment name.
func (s *Segment) Name() string { return s.name }

// Protection returns the protection of the segment pages.
func (s *Segment) Protection() mm.Protection { return s.protection }

// Len returns the number of prototype entries.
func (s *Segment) Len() int { return len(s.entries) }

// Ref returns the reference of the index-th prototype entry.
func (s *Segment) Ref(index int) vmm.ProtoRef {
	return Ref(s.id, uint32(index))
}

// Owner returns the frame back-reference for the index-th prototype entry.
func (s *Segment) Owner(index int) pfn.Owner {
	return pfn.Owner{Space: uint64(s.id), Addr: uintptr(index), Level: uint8(vmm.LevelLeaf)}
}

// Load atomically reads the index-th prototype entry.
func (s *Segment) Load(index int) vmm.PageTableEntry {
	return vmm.PageTableEntry(atomic.LoadUint64(&s.entries[index]))
}

// Store replaces the index-th prototype entry. The guard proves that the
// caller holds the frame table lock.
func (s *Segment) Store(_ *pfn.Guard, index int, pte vmm.PageTableEntry) {
	atomic.StoreUint64(&s.entries[index], uint64(pte))
}

// CompareAndSwap replaces the index-th prototype entry if it still holds
// oldPte.
func (s *Segment) CompareAndSwap(_ *pfn.Guard, index int, oldPte, newPte vmm.PageTableEntry) bool {
	return atomic.CompareAndSwapUint64(&s.entries[index], uint64(oldPte), uint64(newPte))
}

// Registry tracks all live segments. Lookups never block.
type Registry struct {
	mu       sync.Mutex
	segments atomic.Pointer[[]*Segment]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.segments.Store(&[]*Segment{})
	return r
}

// Create registers a new segment.
func (r *Registry) Create(cfg Config) (*Segment, *kernel.Error) {
	if cfg.Pages <= 0 {
		return nil, errEmptySegment
	}
	if cfg.Protection.Base() == mm.ProtectNone || cfg.Protection&^mm.ProtectionMask != 0 {
		return nil, errBadProtection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.segments.Load()
	if len(cur) >= maxSegments {
		return nil, errTooManySegments
	}

	seg := &Segment{
		id:         uint16(len(cur)),
		name:       cfg.Name,
		protection: cfg.Protection,
		entries:    make([]uint64, cfg.Pages),
	}

	for i := range seg.entries {
		var e vmm.Entry
		if cfg.Backing.IsZero() {
			e = vmm.DemandZeroEntry(cfg.Protection)
		} else {
			e = vmm.PageFileEntry(vmm.Location{File: cfg.Backing.File, Offset: cfg.Backing.Offset + uint32(i)}, cfg.Protection)
		}
		seg.entries[i] = uint64(vmm.Pack(e))
	}

	next := make([]*Segment, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, seg)
	r.segments.Store(&next)

	return seg, nil
}

// Segment returns the segment with the supplied id.
func (r *Registry) Segment(id uint16) (*Segment, bool) {
	segments := *r.segments.Load()
	if int(id) >= len(segments) {
		return nil, false
	}
	return segments[id], true
}

// Lookup resolves a prototype reference to its segment and entry index.
func (r *Registry) Lookup(ref vmm.ProtoRef) (*Segment, int, *kernel.Error) {
	id, index := Split(ref)
	seg, ok := r.Segment(id)
	if !ok || int(index) >= seg.Len() {
		return nil, 0, ErrUnknownPrototype
	}
	return seg, int(index), nil
}
