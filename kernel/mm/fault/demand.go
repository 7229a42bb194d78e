package fault

import (
	"vmfault/kernel"
	"vmfault/kernel/mm"
	"vmfault/kernel/mm/pager"
	"vmfault/kernel/mm/vmm"
)

// mappedProtection is the protection a non-resident private page is
// installed with. A write to a copy-on-write page gets the private frame
// writable right away.
func (f *fault) mappedProtection(prot mm.Protection) mm.Protection {
	if f.access.IsWrite() {
		return privateWritable(prot)
	}
	return prot
}

// demandZero maps a fresh zero-filled frame.
func (f *fault) demandZero() state {
	prot := f.entry.Protection
	if next, ok := f.admit(prot); !ok {
		return next
	}
	mapped := f.mappedProtection(prot)

	g := f.r.frames.Lock(f.mc.Thread)
	frame, zeroed, err := g.Acquire(f.color())
	if err != nil {
		g.Unlock()
		return f.transient(err)
	}
	g.Initialize(frame, f.frameOwner(), uint64(vmm.Pack(vmm.DemandZeroEntry(prot))), false)
	g.Unlock()
	f.frames++

	// the frame is not reachable yet
	if !zeroed {
		kernel.Memset(f.r.frames.Contents(frame), 0)
	}

	g = f.r.frames.Lock(f.mc.Thread)
	if f.access.IsWrite() && mapped.Writable() {
		g.SetModified(frame, true)
	}
	f.install(g, frame, mapped, f.access.IsWrite())
	g.Unlock()

	return stateResolved
}

// transition takes a frame off the standby or modified list and maps it
// again. The entry is checked again under the frame table lock because the
// frame may have been repurposed in the meantime.
func (f *fault) transition() state {
	prot := f.entry.Protection
	if next, ok := f.admit(prot); !ok {
		return next
	}
	mapped := f.mappedProtection(prot)
	frame := f.entry.Frame

	g := f.r.frames.Lock(f.mc.Thread)
	if !f.unchanged() {
		g.Unlock()
		return stateStart
	}

	g.RemoveStandby(frame)
	g.AddShare(frame)
	if f.access.IsWrite() {
		g.SetModified(frame, true)
	}
	f.install(g, frame, mapped, f.access.IsWrite())
	g.Unlock()

	f.log.Debug("transition page made valid", "frame", frame)
	return stateResolved
}

// pageFile reads a private page back from its page file. The working set
// lock stays held while the thread waits for the read.
func (f *fault) pageFile() state {
	prot := f.entry.Protection
	if next, ok := f.admit(prot); !ok {
		return next
	}
	if !f.mayBlock() {
		f.fatal = ErrIrqlNotLessOrEqual
		return stateFatal
	}
	mapped := f.mappedProtection(prot)

	g := f.r.frames.Lock(f.mc.Thread)
	frame, _, err := g.Acquire(f.color())
	if err != nil {
		g.Unlock()
		return f.transient(err)
	}
	g.Initialize(frame, f.frameOwner(), uint64(f.pte), false)
	g.Unlock()
	f.frames++

	ioErr := f.r.pager.ReadPage(f.mc.context(), f.entry.Location, f.r.frames.Contents(frame))
	f.reads++

	g = f.r.frames.Lock(f.mc.Thread)
	if ioErr != nil {
		g.RemoveShare(frame)
		g.Release(frame)
		g.Unlock()
		return f.inPageError(ioErr)
	}
	if f.access.IsWrite() {
		g.SetModified(frame, true)
	}
	f.install(g, frame, mapped, f.access.IsWrite())
	g.Unlock()

	return stateResolved
}

// inPageError completes a fault whose page could not be read. Transient
// failures are retried by the faulting access; permanent ones are
// reported.
func (f *fault) inPageError(err error) state {
	if pager.IsTransient(err) {
		return f.transient(err)
	}

	f.log.Error("in-page error", "err", err)
	f.status, f.err = InPageError, err
	return stateResolved
}
