package pager

import (
	"math/bits"
	"sync"

	"vmfault/kernel"
	"vmfault/kernel/mm/vmm"
)

var (
	// ErrNoFreeSlots is returned when a page file is full.
	ErrNoFreeSlots = &kernel.Error{Module: "pager", Message: "page file is full"}

	errSlotNotAllocated = &kernel.Error{Module: "pager", Message: "page file slot is not allocated"}
)

// Slots tracks allocated page file slots using a bitmap. Slot 0 of page
// file 0 is never handed out since the empty location denotes demand-zero
// content.
type Slots struct {
	mu        sync.Mutex
	file      uint8
	count     uint32
	freeCount uint32
	bitmap    []uint64
}

// NewSlots returns an allocator for count slots of the given page file.
func NewSlots(file uint8, count uint32) *Slots {
	s := &Slots{
		file:      file,
		count:     count,
		freeCount: count,
		bitmap:    make([]uint64, (count+63)>>6),
	}

	// mark the bits past count as used
	if rem := count & 63; rem != 0 {
		s.bitmap[len(s.bitmap)-1] = ^uint64(0) << rem
	}

	if file == 0 && count > 0 {
		s.bitmap[0] |= 1
		s.freeCount--
	}
	return s
}

// Allocate reserves a free slot.
func (s *Slots) Allocate() (vmm.Location, *kernel.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.freeCount == 0 {
		return vmm.Location{}, ErrNoFreeSlots
	}

	for block, word := range s.bitmap {
		if word == ^uint64(0) {
			continue
		}

		bit := uint32(bits.TrailingZeros64(^word))
		s.bitmap[block] |= 1 << bit
		s.freeCount--
		return vmm.Location{File: s.file, Offset: uint32(block)<<6 | bit}, nil
	}

	return vmm.Location{}, ErrNoFreeSlots
}

// Free releases a slot obtained from Allocate.
func (s *Slots) Free(loc vmm.Location) *kernel.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, mask := loc.Offset>>6, uint64(1)<<(loc.Offset&63)
	if loc.File != s.file || loc.Offset >= s.count || s.bitmap[block]&mask == 0 {
		return errSlotNotAllocated
	}

	s.bitmap[block] &^= mask
	s.freeCount++
	return nil
}

// FreeCount returns the number of unallocated slots.
func (s *Slots) FreeCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeCount
}
