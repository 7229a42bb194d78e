package vmm

import (
	"math"

	"vmfault/kernel/mm"
)

const (
	// pageLevels indicates the number of translation levels.
	pageLevels = 4

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. Bits 12-51 contain the
	// physical memory address.
	ptePhysPageMask = uint64(0x000ffffffffff000)

	// selfMapSlot is the top-level slot that points back at the top-level
	// table. Entries of every level become addressable through it.
	selfMapSlot = mm.EntriesPerTable - 1

	// SystemRangeStart is the first address of the system range. Top-level
	// entries for the system range are shared by every address space.
	SystemRangeStart = uintptr(0xffff800000000000)

	// UserRangeEnd is the first address above the user range.
	UserRangeEnd = uintptr(0x0000800000000000)

	// PageTablesBase is the first address of the self-mapped page table
	// window.
	PageTablesBase = uintptr(0xffffff8000000000)
)

var (
	// pdtVirtualAddr is a special virtual address that exploits the
	// recursive mapping used in the last top-level entry to allow accessing
	// the top-level table itself. By setting all page level bits to 1 the
	// translation keeps following the last top-level entry for all page
	// levels landing on the top-level table.
	pdtVirtualAddr = uintptr(math.MaxUint64 &^ ((1 << 12) - 1))

	// pageLevelBits defines the number of virtual address bits that correspond to each
	// page level. Each level uses 9 bits which amounts to 512 entries per table.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

const (
	// FlagPresent is set when the entry is valid and the mapped frame (or
	// child table) is resident.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if untrusted contexts can access this page.
	// If not set only trusted code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared. Uncached pages set it together with FlagDoNotCache.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set when this page is accessed.
	FlagAccessed

	// FlagDirty is set when this page is modified.
	FlagDirty

	// FlagHugePage marks a 2Mb mapping at the directory level. Tables refuse
	// to walk through one.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when switching address spaces.
	FlagGlobal

	// FlagCopyOnWrite is used to implement copy-on-write functionality. This
	// flag and FlagRW are mutually exclusive.
	FlagCopyOnWrite = 1 << 9

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute = 1 << 63
)

// Layout of invalid (FlagPresent clear) entries.
const (
	pageFileShift  = 1
	pageFileMask   = uint64(0x7) << pageFileShift
	protShift      = 4
	protMask       = uint64(mm.ProtectionMask) << protShift
	flagPrototype  = uint64(1) << 10
	flagTransition = uint64(1) << 11
	protoRefShift  = 16
	offsetShift    = 32
)
