package fault

import (
	"vmfault/kernel"
	"vmfault/kernel/mm"
	"vmfault/kernel/mm/vmm"
)

// Verdict is the result of an access check.
type Verdict uint8

const (
	// Allow means the protection permits the access.
	Allow Verdict = iota

	// DenyGuardPage means the access hit a guard page.
	DenyGuardPage

	// DenyAccess means the protection forbids the access.
	DenyAccess
)

// String implements fmt.Stringer.
func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case DenyGuardPage:
		return "guard-page"
	default:
		return "deny"
	}
}

// Check decides whether a page with protection prot may be accessed. It is
// evaluated before an entry is made valid for an access it does not
// already satisfy.
func Check(prot mm.Protection, access mm.Access, priv mm.Privilege) Verdict {
	switch {
	case priv == mm.Untrusted && prot.IsKernelOnly():
		return DenyAccess
	case !prot.Committed() || prot.IsNoAccess():
		return DenyAccess
	case !prot.Permits(access):
		return DenyAccess
	case prot.IsGuard():
		return DenyGuardPage
	}
	return Allow
}

// privateWritable returns the protection of a copy-on-write page once it
// has a private frame.
func privateWritable(prot mm.Protection) mm.Protection {
	modifiers := prot &^ prot.Base()

	switch prot.Base() {
	case mm.WriteCopy:
		return modifiers | mm.ReadWrite
	case mm.ExecuteWriteCopy:
		return modifiers | mm.ExecuteReadWrite
	}
	return prot
}

// admit checks the effective protection of a non-resident entry. When the
// access is not allowed the returned state completes the fault.
func (f *fault) admit(prot mm.Protection) (state, bool) {
	switch Check(prot, f.access, f.priv) {
	case Allow:
		return 0, true
	case DenyGuardPage:
		return f.guardPage(prot), false
	default:
		f.violation = ViolationProtection
		return stateAccessViolation, false
	}
}

// guardPage strips the guard from the entry so the next touch succeeds and
// reports the violation.
func (f *fault) guardPage(prot mm.Protection) state {
	e := f.entry
	e.Protection = prot.WithoutGuard()

	g := f.r.frames.Lock(f.mc.Thread)
	if !f.unchanged() {
		g.Unlock()
		return stateStart
	}
	f.store(e)
	g.Unlock()

	if d := f.descriptor().Descriptor; d != nil {
		f.hint = d.StackGrowthDown
	}
	f.log.Debug("guard page touched", "stack_growth", f.hint)
	f.status = GuardPageViolation
	return stateResolved
}

// valid handles a fault on a resident entry: a write to a copy-on-write
// page, a race with another faulter that already fixed the entry, or a
// genuine protection violation.
func (f *fault) valid() state {
	prot := f.entry.Protection

	if v := Check(prot, f.access, f.priv); v != Allow {
		f.violation = ViolationProtection
		return stateAccessViolation
	}

	if f.access.IsWrite() && prot.CopyOnWrite() {
		if f.elevated {
			f.fatal = ErrIrqlNotLessOrEqual
			return stateFatal
		}
		return f.copyOnWrite()
	}
	return f.touch()
}

// touch performs the accessed and dirty bookkeeping of an access that the
// entry already permits. Faults at elevated level get here without the
// working set lock, so a write marks the frame modified under the same
// frame table lock as the entry update.
func (f *fault) touch() state {
	write := f.access.IsWrite()

	next := f.entry
	next.Accessed = true
	next.Dirty = next.Dirty || write

	if write {
		g := f.r.frames.Lock(f.mc.Thread)
		defer g.Unlock()

		if next == f.entry && !f.unchanged() {
			return stateStart
		}
		if next != f.entry {
			if st, ok := f.swapEntry(next); !ok {
				return st
			}
		}
		g.SetModified(f.entry.Frame, true)
	} else if next != f.entry {
		if st, ok := f.swapEntry(next); !ok {
			return st
		}
	}

	f.status = Success
	return stateResolved
}

// swapEntry replaces the entry if it still holds the word it was read as.
func (f *fault) swapEntry(next vmm.Entry) (state, bool) {
	swapped, err := f.tables.CompareAndSwap(f.handle, f.pte, vmm.Pack(next))
	if err != nil {
		f.fatal = ErrCorruptEntry.Wrap(err)
		return stateFatal, false
	}
	if !swapped {
		return stateStart, false
	}
	return 0, true
}

// copyOnWrite gives the faulting space a private writable copy of the
// page. A private frame mapped only by this entry is taken over without a
// copy. The working set lock serializes faulters on the same entry, so a
// second faulter finds the entry already writable.
func (f *fault) copyOnWrite() state {
	src := f.entry.Frame
	prot := privateWritable(f.entry.Protection)

	g := f.r.frames.Lock(f.mc.Thread)
	fe := g.Entry(src)
	if !fe.Prototype && fe.ShareCount == 1 {
		g.SetModified(src, true)
		f.install(g, src, prot, true)
		g.Unlock()

		f.log.Debug("copy-on-write resolved by taking ownership", "frame", src)
		return stateResolved
	}

	dst, _, err := g.Acquire(f.color())
	if err != nil {
		g.Unlock()
		return f.transient(err)
	}
	g.Initialize(dst, f.frameOwner(), uint64(vmm.Pack(vmm.DemandZeroEntry(f.entry.Protection))), false)
	g.Unlock()
	f.frames++

	kernel.Memcopy(f.r.frames.Contents(src), f.r.frames.Contents(dst))
	f.copies++

	g = f.r.frames.Lock(f.mc.Thread)
	g.SetModified(dst, true)
	f.install(g, dst, prot, true)
	if g.RemoveShare(src) == 0 {
		f.r.dropLastShare(g, src, fe)
	}
	g.Unlock()

	f.log.Debug("copy-on-write resolved by copy", "from", src, "to", dst)
	return stateResolved
}
