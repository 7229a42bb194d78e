package fault

import (
	"sync/atomic"

	"vmfault/kernel/kfmt"
	"vmfault/kernel/mm"
	"vmfault/kernel/mm/aspace"
	"vmfault/kernel/mm/pfn"
	"vmfault/kernel/mm/vmm"
)

// Trim removes the page at va from the working set of its space. A private
// page becomes a transition entry whose frame moves to the standby list
// (or the modified list if it still has to be written); a prototype
// mapping reverts to a prototype entry and gives up its share. Trim
// returns false if the page is not resident or cannot be trimmed.
func (r *Resolver) Trim(mc MmContext, space *aspace.Space, va uintptr) bool {
	owner := space.For(va)
	tables := owner.Tables()
	r.track(owner)

	wsg := owner.WorkingSet().Lock(mc.Thread)
	defer wsg.Unlock()

	h := vmm.Locate(va, vmm.LevelLeaf)
	pte, err := tables.Load(h)
	if err != nil || !pte.IsValid() {
		return false
	}
	e := vmm.Unpack(pte)

	g := r.frames.Lock(mc.Thread)
	defer g.Unlock()

	fe := g.Entry(e.Frame)

	var next vmm.Entry
	switch {
	case fe.Prototype:
		seg, index := r.prototypeOf(fe.Owner)
		next = vmm.PrototypeEntry(seg.Ref(index), e.Protection)
	case fe.ShareCount == 1:
		next = vmm.TransitionEntry(e.Frame, e.Protection)
	default:
		return false
	}

	if swapped, _ := tables.CompareAndSwap(h, pte, vmm.Pack(next)); !swapped {
		return false
	}
	if e.Dirty {
		g.SetModified(e.Frame, true)
	}

	if g.RemoveShare(e.Frame) == 0 {
		if fe.Prototype {
			r.dropLastShare(g, e.Frame, fe)
		} else {
			g.InsertStandby(e.Frame)
		}
	}
	wsg.Remove(mm.PageFromAddress(va))

	r.log.Debug("trimmed page", "space", owner.Name(), "va", mm.PageFromAddress(va).Address(), "next", next)
	return true
}

// TrimTable pages out the leaf table that maps va. Only tables with no
// valid or transition entries can be trimmed. The directory entry becomes a
// transition entry. A table without any entry goes to the standby list and
// comes back empty once its frame is reused; a table that still holds
// non-resident entries goes to the modified list so its content reaches the
// page file first. TrimTable returns false if the table is not resident or
// still maps pages.
func (r *Resolver) TrimTable(mc MmContext, space *aspace.Space, va uintptr) bool {
	owner := space.For(va)
	tables := owner.Tables()
	r.track(owner)

	wsg := owner.WorkingSet().Lock(mc.Thread)
	defer wsg.Unlock()

	h := vmm.Locate(va, vmm.LevelDirectory)
	pte, err := tables.Load(h)
	if err != nil || !pte.IsValid() {
		return false
	}
	e := vmm.Unpack(pte)

	g := r.frames.Lock(mc.Thread)
	defer g.Unlock()

	fe := g.Entry(e.Frame)
	if fe.ShareCount != 1 {
		return false
	}

	empty := true
	for i := 0; i < mm.EntriesPerTable; i++ {
		switch vmm.Unpack(vmm.PageTableEntry(atomic.LoadUint64(r.frames.Word(e.Frame, i)))).State {
		case vmm.StateEmpty:
		case vmm.StateValid, vmm.StateTransition:
			return false
		default:
			empty = false
		}
	}

	if swapped, _ := tables.CompareAndSwap(h, pte, vmm.Pack(vmm.TransitionEntry(e.Frame, e.Protection))); !swapped {
		return false
	}

	switch {
	case empty:
		g.SetOriginalPte(e.Frame, 0)
		g.SetModified(e.Frame, false)
	case vmm.Unpack(vmm.PageTableEntry(fe.OriginalPte)).State == vmm.StatePageFile:
		g.SetModified(e.Frame, true)
	default:
		// the writer replaces this with the page file slot it allocates
		g.SetOriginalPte(e.Frame, uint64(vmm.Pack(vmm.DemandZeroEntry(e.Protection))))
		g.SetModified(e.Frame, true)
	}
	g.RemoveShare(e.Frame)
	g.InsertStandby(e.Frame)

	r.log.Debug("trimmed page table", "space", owner.Name(), "va", mm.PageFromAddress(va).Address(), "frame", e.Frame, "empty", empty)
	return true
}

// repurpose is the frame table callback invoked when a standby frame is
// reused. The entry that still refers to the frame through a transition
// entry gets back the non-resident form captured in originalPte.
func (r *Resolver) repurpose(g *pfn.Guard, frame mm.Frame, owner pfn.Owner, prototype bool, originalPte uint64) {
	restored := vmm.PageTableEntry(originalPte)

	if prototype {
		seg, index := r.prototypeOf(owner)
		if !isTransitionOf(seg.Load(index), frame) {
			kfmt.Panic(ErrCorruptEntry)
		}
		seg.Store(g, index, restored)
	} else {
		tables := r.tablesOf(owner.Space)
		h := vmm.Locate(owner.Addr, vmm.Level(owner.Level))
		pte, err := tables.Load(h)
		switch {
		case err != nil:
			kfmt.Panic(ErrCorruptEntry.Wrap(err))
		case !isTransitionOf(pte, frame):
			kfmt.Panic(ErrCorruptEntry)
		}
		if err := tables.Store(h, restored); err != nil {
			kfmt.Panic(ErrCorruptEntry.Wrap(err))
		}
	}

	r.log.Debug("restored owner of repurposed frame", "frame", frame, "prototype", prototype, "entry", vmm.Unpack(restored))
}

func isTransitionOf(pte vmm.PageTableEntry, frame mm.Frame) bool {
	e := vmm.Unpack(pte)
	return e.State == vmm.StateTransition && e.Frame == frame
}
