package fault

import (
	"vmfault/kernel"
	"vmfault/kernel/mm"
	"vmfault/kernel/mm/pfn"
	"vmfault/kernel/mm/section"
	"vmfault/kernel/mm/vmm"
)

// prototype maps the page described by a shared prototype entry. A
// prototype that is not resident is paged in first; the read is issued
// without the frame table lock and other faulters on the same prototype
// wait for it instead of reading the page twice.
func (f *fault) prototype() state {
	ref := f.entry.Proto
	if ref == vmm.ProtoRefFromDescriptor {
		res := f.descriptor()
		if !res.HasProto {
			f.fatal = ErrCorruptEntry
			return stateFatal
		}
		ref = res.Proto
	}

	seg, index, err := f.r.segments.Lookup(ref)
	if err != nil {
		f.fatal = ErrCorruptEntry.Wrap(err)
		return stateFatal
	}

	prot := f.prototypeProtection(seg)
	if next, ok := f.admit(prot); !ok {
		return next
	}

	write := f.access.IsWrite()
	cow := write && prot.CopyOnWrite()
	canBlock := f.mayBlock()

	g := f.r.frames.Lock(f.mc.Thread)
	protoPte := seg.Load(index)
	pe := vmm.Unpack(protoPte)

	var frame mm.Frame
	switch pe.State {
	case vmm.StateValid:
		frame = pe.Frame
		if done := g.ReadEvent(frame); done != nil {
			g.Unlock()
			return f.collide(done)
		}
		g.AddShare(frame)

	case vmm.StateTransition:
		frame = pe.Frame
		g.RemoveStandby(frame)
		g.AddShare(frame)
		seg.Store(g, index, vmm.Pack(vmm.ValidEntry(frame, pe.Protection.WithoutGuard())))

	case vmm.StateDemandZero, vmm.StatePageFile:
		if pe.State == vmm.StatePageFile && !canBlock {
			g.Unlock()
			f.fatal = ErrIrqlNotLessOrEqual
			return stateFatal
		}

		var next state
		if g, frame, next = f.pageInPrototype(g, seg, index, protoPte, pe); g == nil {
			return next
		}

	default:
		g.Unlock()
		f.fatal = ErrCorruptEntry
		return stateFatal
	}

	if cow {
		// map the shared frame read-only; the copy happens in the valid
		// entry handler
		f.install(g, frame, prot, false)
		g.Unlock()
		return stateEntryValid
	}

	if write {
		g.SetModified(frame, true)
	}
	f.install(g, frame, prot, write)
	g.Unlock()

	return stateResolved
}

// prototypeProtection returns the effective protection of a prototype
// mapping: the override stored in the entry, then the descriptor, then the
// segment.
func (f *fault) prototypeProtection(seg *section.Segment) mm.Protection {
	if f.entry.Protection != mm.ProtectNone {
		return f.entry.Protection
	}
	if d := f.descriptor().Descriptor; d != nil && d.Segment == seg {
		return d.Protection
	}
	return seg.Protection()
}

// pageInPrototype materializes a demand-zero or paged-out prototype. It is
// entered and left with the frame table lock held and returns the guard
// together with the resident frame, which carries one share for the
// faulting entry. On failure the lock is released and a nil guard is
// returned with the state that completes the fault.
func (f *fault) pageInPrototype(g *pfn.Guard, seg *section.Segment, index int, protoPte vmm.PageTableEntry, pe vmm.Entry) (*pfn.Guard, mm.Frame, state) {
	frame, zeroed, err := g.Acquire(f.color())
	if err != nil {
		g.Unlock()
		return nil, mm.InvalidFrame, f.transient(err)
	}
	g.Initialize(frame, seg.Owner(index), uint64(protoPte), true)
	g.BeginRead(frame)
	seg.Store(g, index, vmm.Pack(vmm.ValidEntry(frame, pe.Protection.WithoutGuard())))
	g.Unlock()
	f.frames++

	var ioErr error
	switch {
	case pe.State == vmm.StatePageFile:
		ioErr = f.r.pager.ReadPage(f.mc.context(), pe.Location, f.r.frames.Contents(frame))
		f.reads++
	case !zeroed:
		kernel.Memset(f.r.frames.Contents(frame), 0)
	}

	g = f.r.frames.Lock(f.mc.Thread)
	g.EndRead(frame)
	if ioErr != nil {
		seg.Store(g, index, protoPte)
		g.RemoveShare(frame)
		g.Release(frame)
		g.Unlock()
		return nil, mm.InvalidFrame, f.inPageError(ioErr)
	}

	f.log.Debug("prototype paged in", "segment", seg.Name(), "index", index, "frame", frame)
	return g, frame, 0
}

// collide waits for a read issued by another fault and restarts the fault.
// The working set lock is dropped while waiting.
func (f *fault) collide(done <-chan struct{}) state {
	f.collisions++
	if f.collisions > f.r.opts.MaxCollidedRetries {
		return f.transient(errCollidedFault)
	}

	f.log.Warn("collided with in-progress page read", "attempt", f.collisions)
	f.unlockWorkingSet()
	waitFn(done)
	return stateStart
}
