package vmm

import (
	"fmt"

	"vmfault/kernel"
	"vmfault/kernel/kfmt"
	"vmfault/kernel/mm"
)

// State identifies the shape of a page table entry.
type State uint8

const (
	// StateEmpty is the all-zero word: the entry has never been
	// established and must be synthesized from the address space
	// descriptors.
	StateEmpty State = iota

	// StateValid entries map a resident frame (or child table).
	StateValid

	// StateTransition entries were valid; the frame still holds the page
	// content but sits on a reclaim list.
	StateTransition

	// StateDemandZero entries materialize as a zero-filled frame.
	StateDemandZero

	// StatePrototype entries refer to a shared prototype entry.
	StatePrototype

	// StatePageFile entries keep the location of the page content in
	// backing storage.
	StatePageFile

	// StateNoAccess entries fault on every touch.
	StateNoAccess

	// StateReserved entries describe reserved but uncommitted memory.
	StateReserved
)

var stateNames = [...]string{
	StateEmpty:      "empty",
	StateValid:      "valid",
	StateTransition: "transition",
	StateDemandZero: "demand-zero",
	StatePrototype:  "prototype",
	StatePageFile:   "page-file",
	StateNoAccess:   "no-access",
	StateReserved:   "reserved",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// ProtoRef addresses a prototype entry. Only the low 48 bits are stored.
type ProtoRef uint64

const (
	// ProtoRefMask covers the bits of a ProtoRef that fit in an entry.
	ProtoRefMask = ProtoRef(1<<48 - 1)

	// ProtoRefFromDescriptor marks a prototype entry whose prototype must
	// be looked up in the address space descriptor covering the address.
	ProtoRefFromDescriptor = ProtoRefMask
)

// Location describes where the content of a paged-out page lives.
type Location struct {
	// File is the page file number (0-7).
	File uint8

	// Offset is the page index inside the page file.
	Offset uint32
}

// IsZero returns true for the empty location.
func (l Location) IsZero() bool {
	return l.File == 0 && l.Offset == 0
}

// String implements fmt.Stringer.
func (l Location) String() string {
	return fmt.Sprintf("pf%d:%#x", l.File, l.Offset)
}

// reservedLocation is stored in reserved entries so they never collapse to
// the empty word.
var reservedLocation = Location{Offset: 0xffffffff}

var (
	errInvalidEntry = &kernel.Error{Module: "vmm", Message: "entry cannot be encoded"}
)

// Entry is the decoded form of a page table entry. Which fields are
// meaningful depends on State.
type Entry struct {
	State State

	// Protection is the stored protection of invalid entries or the
	// protection derived from the hardware bits of valid entries. A zero
	// protection on a prototype entry means the prototype's protection
	// applies.
	Protection mm.Protection

	// Frame is set for valid and transition entries.
	Frame mm.Frame

	// Hardware bookkeeping bits of valid entries.
	Accessed, Dirty, Global bool

	// Proto is set for prototype entries.
	Proto ProtoRef

	// Location is set for page-file and reserved entries.
	Location Location
}

// ValidEntry returns a valid entry mapping frame with protection prot.
func ValidEntry(frame mm.Frame, prot mm.Protection) Entry {
	return Entry{State: StateValid, Frame: frame, Protection: prot}
}

// TransitionEntry returns a transition entry for a frame on a reclaim list.
func TransitionEntry(frame mm.Frame, prot mm.Protection) Entry {
	return Entry{State: StateTransition, Frame: frame, Protection: prot}
}

// DemandZeroEntry returns a demand-zero entry.
func DemandZeroEntry(prot mm.Protection) Entry {
	return Entry{State: StateDemandZero, Protection: prot}
}

// PrototypeEntry returns an entry referring to a prototype entry. A zero
// protection inherits the prototype's protection.
func PrototypeEntry(ref ProtoRef, prot mm.Protection) Entry {
	return Entry{State: StatePrototype, Proto: ref & ProtoRefMask, Protection: prot}
}

// PageFileEntry returns an entry for content stored at loc.
func PageFileEntry(loc Location, prot mm.Protection) Entry {
	return Entry{State: StatePageFile, Location: loc, Protection: prot}
}

// NoAccessEntry returns an explicit no-access entry.
func NoAccessEntry() Entry {
	return Entry{State: StateNoAccess, Protection: mm.NoAccess}
}

// ReservedEntry returns an entry for reserved but uncommitted memory.
func ReservedEntry() Entry {
	return Entry{State: StateReserved, Location: reservedLocation}
}

// String implements fmt.Stringer.
func (e Entry) String() string {
	switch e.State {
	case StateValid:
		return fmt.Sprintf("valid{frame: %d, prot: %s, accessed: %t, dirty: %t}", e.Frame, e.Protection, e.Accessed, e.Dirty)
	case StateTransition:
		return fmt.Sprintf("transition{frame: %d, prot: %s}", e.Frame, e.Protection)
	case StatePrototype:
		return fmt.Sprintf("prototype{ref: %#x, prot: %s}", uint64(e.Proto), e.Protection)
	case StatePageFile:
		return fmt.Sprintf("page-file{loc: %s, prot: %s}", e.Location, e.Protection)
	case StateDemandZero:
		return fmt.Sprintf("demand-zero{prot: %s}", e.Protection)
	default:
		return e.State.String()
	}
}

// Unpack decodes a page table entry word.
func Unpack(pte PageTableEntry) Entry {
	if pte.IsValid() {
		return unpackValid(pte)
	}

	word := uint64(pte)
	prot := pte.protection()

	switch {
	case word&flagPrototype != 0:
		return Entry{State: StatePrototype, Proto: ProtoRef(word >> protoRefShift), Protection: prot}
	case word&flagTransition != 0:
		return Entry{State: StateTransition, Frame: pte.Frame(), Protection: prot}
	}

	loc := Location{
		File:   uint8((word & pageFileMask) >> pageFileShift),
		Offset: uint32(word >> offsetShift),
	}

	switch {
	case word == 0:
		return Entry{State: StateEmpty}
	case prot == mm.ProtectNone:
		return Entry{State: StateReserved, Location: loc}
	case loc.IsZero() && prot.IsNoAccess():
		return Entry{State: StateNoAccess, Protection: prot}
	case loc.IsZero():
		return Entry{State: StateDemandZero, Protection: prot}
	default:
		return Entry{State: StatePageFile, Location: loc, Protection: prot}
	}
}

func unpackValid(pte PageTableEntry) Entry {
	exec := !pte.HasFlags(FlagNoExecute)

	var prot mm.Protection
	switch {
	case pte.HasFlags(FlagRW) && exec:
		prot = mm.ExecuteReadWrite
	case pte.HasFlags(FlagRW):
		prot = mm.ReadWrite
	case pte.HasFlags(FlagCopyOnWrite) && exec:
		prot = mm.ExecuteWriteCopy
	case pte.HasFlags(FlagCopyOnWrite):
		prot = mm.WriteCopy
	case exec:
		prot = mm.ExecuteRead
	default:
		prot = mm.ReadOnly
	}

	if pte.HasFlags(FlagDoNotCache) {
		prot |= mm.NoCache
	}
	if !pte.HasFlags(FlagUserAccessible) {
		prot |= mm.KernelOnly
	}

	return Entry{
		State:      StateValid,
		Frame:      pte.Frame(),
		Protection: prot,
		Accessed:   pte.HasFlags(FlagAccessed),
		Dirty:      pte.HasFlags(FlagDirty),
		Global:     pte.HasFlags(FlagGlobal),
	}
}

// Pack encodes e into a page table entry word. Entries that have no
// encoding (e.g. a valid guard page) are fatal.
func Pack(e Entry) PageTableEntry {
	var word uint64

	switch e.State {
	case StateEmpty:
		return 0
	case StateValid:
		return packValid(e)
	case StateTransition:
		if !e.Protection.Committed() {
			kfmt.Panic(errInvalidEntry)
		}
		word = flagTransition | uint64(e.Frame.Address())&ptePhysPageMask
	case StatePrototype:
		word = flagPrototype | uint64(e.Proto&ProtoRefMask)<<protoRefShift
	case StateDemandZero, StatePageFile:
		if !e.Protection.Committed() || (e.State == StateDemandZero) != e.Location.IsZero() {
			kfmt.Panic(errInvalidEntry)
		}
		word = packLocation(e.Location)
	case StateNoAccess:
		return PageTableEntry(uint64(mm.NoAccess) << protShift)
	case StateReserved:
		loc := e.Location
		if loc.IsZero() {
			loc = reservedLocation
		}
		return PageTableEntry(packLocation(loc))
	default:
		kfmt.Panic(errInvalidEntry)
	}

	return PageTableEntry(word | uint64(e.Protection&mm.ProtectionMask)<<protShift)
}

func packLocation(loc Location) uint64 {
	return uint64(loc.File&0x7)<<pageFileShift | uint64(loc.Offset)<<offsetShift
}

func packValid(e Entry) PageTableEntry {
	prot := e.Protection
	if !prot.Readable() || prot.IsGuard() {
		kfmt.Panic(errInvalidEntry)
	}

	var pte PageTableEntry
	pte.SetFrame(e.Frame)
	pte.SetFlags(FlagPresent)

	switch {
	case prot.CopyOnWrite():
		pte.SetFlags(FlagCopyOnWrite)
	case prot.Writable():
		pte.SetFlags(FlagRW)
	}
	if !prot.Executable() {
		pte.SetFlags(FlagNoExecute)
	}
	if !prot.IsKernelOnly() {
		pte.SetFlags(FlagUserAccessible)
	}
	if prot&mm.NoCache != 0 {
		// PCD together with PWT selects uncached memory with the default
		// PAT layout.
		pte.SetFlags(FlagDoNotCache | FlagWriteThroughCaching)
	}
	if e.Accessed {
		pte.SetFlags(FlagAccessed)
	}
	if e.Dirty {
		pte.SetFlags(FlagDirty)
	}
	if e.Global {
		pte.SetFlags(FlagGlobal)
	}
	return pte
}
