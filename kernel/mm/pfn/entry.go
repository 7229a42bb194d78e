package pfn

import "vmfault/kernel/mm"

// State describes which list (if any) a frame currently belongs to.
type State uint8

const (
	// StateFree frames hold stale content and are available for reuse.
	StateFree State = iota

	// StateZeroed frames are known to be zero-filled.
	StateZeroed

	// StateStandby frames are not mapped by any valid entry but still hold
	// the content of the entry that last owned them. They may be reclaimed
	// by faulting on the owning transition entry or repurposed.
	StateStandby

	// StateModified frames are like standby frames but hold content that
	// must be written to backing storage before the frame can be reused.
	StateModified

	// StateActive frames are in use by one or more entries.
	StateActive
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateZeroed:
		return "zeroed"
	case StateStandby:
		return "standby"
	case StateModified:
		return "modified"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// CacheAttribute describes how the memory backing a frame may be cached.
type CacheAttribute uint8

const (
	CacheWriteBack CacheAttribute = iota
	CacheWriteThrough
	CacheDisabled
)

// Owner is a back-reference to the entry that maps a frame. For private
// pages Space identifies an address space and Addr is the virtual address of
// the page; for prototype pages Space identifies a segment and Addr is the
// index of the prototype entry inside it.
type Owner struct {
	Space uint64
	Addr  uintptr
	Level uint8
}

// Entry is the frame table record for a single physical frame.
type Entry struct {
	State State

	// Owner points back at the entry that maps this frame.
	Owner Owner

	// OriginalPte is a snapshot of the invalid entry the frame was
	// materialized from. It is used to rebuild the owning entry when the
	// frame is repurposed.
	OriginalPte uint64

	// ShareCount is the number of valid entries that map this frame.
	ShareCount uint32

	Color          uint32
	CacheAttribute CacheAttribute

	// Prototype is set when the owner is a shared prototype entry.
	Prototype bool

	// Modified is set when the frame content differs from the copy held in
	// backing storage.
	Modified bool

	ReadInProgress  bool
	WriteInProgress bool

	readDone chan struct{}

	// list links; InvalidFrame terminates a list.
	next, prev mm.Frame
}

// frameList is an intrusive doubly-linked list of frames threaded through
// the frame table entries.
type frameList struct {
	head, tail mm.Frame
	count      int
}

func newFrameList() frameList {
	return frameList{head: mm.InvalidFrame, tail: mm.InvalidFrame}
}

func (l *frameList) pushBack(entries []Entry, f mm.Frame) {
	entries[f].next = mm.InvalidFrame
	entries[f].prev = l.tail
	if l.tail.Valid() {
		entries[l.tail].next = f
	} else {
		l.head = f
	}
	l.tail = f
	l.count++
}

func (l *frameList) remove(entries []Entry, f mm.Frame) {
	e := &entries[f]
	if e.prev.Valid() {
		entries[e.prev].next = e.next
	} else {
		l.head = e.next
	}
	if e.next.Valid() {
		entries[e.next].prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.next, e.prev = mm.InvalidFrame, mm.InvalidFrame
	l.count--
}

func (l *frameList) popFront(entries []Entry) mm.Frame {
	f := l.head
	if f.Valid() {
		l.remove(entries, f)
	}
	return f
}
