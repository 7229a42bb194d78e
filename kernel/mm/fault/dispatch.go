package fault

import (
	"log/slog"
	"time"

	"vmfault/kernel"
	"vmfault/kernel/mm"
	"vmfault/kernel/mm/aspace"
	"vmfault/kernel/mm/pfn"
	"vmfault/kernel/mm/vad"
	"vmfault/kernel/mm/vmm"
	"vmfault/kernel/mm/ws"
)

type state uint8

const (
	stateStart state = iota
	stateSystemAddress
	stateUserAddress
	stateLevelMissing
	stateEntryValid
	stateEntryTransition
	stateEntryDemandZero
	stateEntryPrototype
	stateEntryPageFile
	stateEntryNoAccess
	stateResolved
	stateAccessViolation
	stateFatal
)

var stateNames = [...]string{
	stateStart:           "START",
	stateSystemAddress:   "SYSTEM_ADDRESS",
	stateUserAddress:     "USER_ADDRESS",
	stateLevelMissing:    "LEVEL_MISSING",
	stateEntryValid:      "ENTRY_VALID",
	stateEntryTransition: "ENTRY_TRANSITION",
	stateEntryDemandZero: "ENTRY_DEMAND_ZERO",
	stateEntryPrototype:  "ENTRY_PROTOTYPE",
	stateEntryPageFile:   "ENTRY_PAGE_FILE",
	stateEntryNoAccess:   "ENTRY_NOACCESS",
	stateResolved:        "RESOLVED",
	stateAccessViolation: "ACCESS_VIOLATION",
	stateFatal:           "FATAL",
}

func (s state) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// fault is the progress of a single Resolve call.
type fault struct {
	r      *Resolver
	mc     MmContext
	space  *aspace.Space
	va     uintptr
	access mm.Access
	priv   mm.Privilege
	trap   TrapContext

	// owner is the space holding the entries for va and tables its
	// translation tables.
	owner  *aspace.Space
	tables *vmm.Tables

	wsg      *ws.Guard
	elevated bool

	// handle, pte and entry describe the entry being looked at.
	handle vmm.EntryHandle
	pte    vmm.PageTableEntry
	entry  vmm.Entry

	res      vad.Resolution
	resolved bool

	violation Violation
	fatal     *kernel.Error
	status    Status
	hint      bool
	err       error

	states                []string
	frames, reads, copies int
	collisions            int
	began                 time.Time
	log                   *slog.Logger
}

// run drives the state machine until the fault completes.
func (f *fault) run() Result {
	st := stateStart
	for {
		f.states = append(f.states, st.String())
		f.log.Debug("fault state", "state", st)

		switch st {
		case stateStart:
			st = f.start()
		case stateSystemAddress:
			st = f.systemAddress()
		case stateUserAddress:
			st = f.userAddress()
		case stateLevelMissing:
			st = f.levelMissing()
		case stateEntryValid:
			st = f.valid()
		case stateEntryTransition:
			st = f.transition()
		case stateEntryDemandZero:
			st = f.demandZero()
		case stateEntryPrototype:
			st = f.prototype()
		case stateEntryPageFile:
			st = f.pageFile()
		case stateEntryNoAccess:
			st = f.noAccess()
		case stateAccessViolation:
			if st = f.accessViolation(); st != stateFatal {
				return f.finish()
			}
		case stateResolved:
			return f.finish()
		case stateFatal:
			f.abort()
		default:
			f.fatal = ErrCorruptEntry
			st = stateFatal
		}
	}
}

// start classifies the fault by address range. It is also the target of
// every retry, so it drops whatever a previous attempt learned.
func (f *fault) start() state {
	f.unlockWorkingSet()
	f.res, f.resolved = vad.Resolution{}, false
	f.elevated = !f.mc.Thread.Level().CanBlock()

	switch {
	case !vmm.IsCanonical(f.va):
		f.violation = ViolationNonCanonical
		return stateAccessViolation
	case vmm.IsSystemAddress(f.va):
		return stateSystemAddress
	default:
		return stateUserAddress
	}
}

func (f *fault) systemAddress() state {
	if f.priv == mm.Untrusted {
		f.violation = ViolationSystemRange
		return stateAccessViolation
	}
	return f.enter(f.space.System())
}

func (f *fault) userAddress() state {
	return f.enter(f.space)
}

// enter locks the working set of owner and starts the walk at the top
// level. Faults at elevated level walk without the lock and may only find
// resident entries.
func (f *fault) enter(owner *aspace.Space) state {
	f.owner, f.tables = owner, owner.Tables()
	f.r.track(owner)

	if !f.elevated {
		f.wsg = owner.WorkingSet().Lock(f.mc.Thread)
	}

	f.handle = vmm.Locate(f.va, vmm.LevelTop)
	return f.descend()
}

// descend follows valid table entries from the current handle down to the
// leaf.
func (f *fault) descend() state {
	for {
		if !f.load() {
			return stateFatal
		}
		if f.handle.Level == vmm.LevelLeaf {
			return f.classify()
		}
		if f.entry.State != vmm.StateValid {
			if f.elevated {
				f.fatal = ErrIrqlNotLessOrEqual
				return stateFatal
			}
			return stateLevelMissing
		}
		f.handle = f.handle.Child()
	}
}

func (f *fault) load() bool {
	pte, err := f.tables.Load(f.handle)
	if err != nil {
		f.fatal = ErrCorruptEntry.Wrap(err)
		return false
	}
	f.pte, f.entry = pte, vmm.Unpack(pte)
	return true
}

// classify routes a leaf entry to its handler.
func (f *fault) classify() state {
	if f.entry.State == vmm.StateValid {
		return stateEntryValid
	}
	if f.elevated {
		f.fatal = ErrIrqlNotLessOrEqual
		return stateFatal
	}

	switch f.entry.State {
	case vmm.StateEmpty:
		return stateLevelMissing
	case vmm.StateTransition:
		return stateEntryTransition
	case vmm.StateDemandZero:
		return stateEntryDemandZero
	case vmm.StatePrototype:
		return stateEntryPrototype
	case vmm.StatePageFile:
		return stateEntryPageFile
	case vmm.StateNoAccess, vmm.StateReserved:
		return stateEntryNoAccess
	}

	f.fatal = ErrCorruptEntry
	return stateFatal
}

// levelMissing establishes the entry at the current level. Table levels
// get a fresh zeroed table, their trimmed table back or their paged out
// table read in; an empty leaf is synthesized from the descriptor covering
// the address.
func (f *fault) levelMissing() state {
	if f.handle.Level == vmm.LevelLeaf {
		return f.synthesizeLeaf()
	}

	switch f.entry.State {
	case vmm.StateEmpty:
		if f.descriptor().Protection.IsNoAccess() {
			f.violation = ViolationUnmapped
			return stateAccessViolation
		}
		if next, ok := f.createTable(); !ok {
			return next
		}
	case vmm.StateTransition:
		if !f.revalidateTable() {
			return stateStart
		}
	case vmm.StatePageFile:
		if next, ok := f.readTable(); !ok {
			return next
		}
	default:
		f.fatal = ErrCorruptEntry
		return stateFatal
	}

	f.handle = f.handle.Child()
	return f.descend()
}

func (f *fault) createTable() (state, bool) {
	g := f.r.frames.Lock(f.mc.Thread)
	frame, zeroed, err := g.Acquire(f.color())
	if err != nil {
		g.Unlock()
		return f.transient(err), false
	}
	g.Initialize(frame, f.frameOwner(), 0, false)
	g.Unlock()
	f.frames++

	if !zeroed {
		kernel.Memset(f.r.frames.Contents(frame), 0)
	}

	prot := mm.ReadWrite
	if vmm.IsSystemAddress(f.va) {
		prot |= mm.KernelOnly
	}
	f.store(vmm.ValidEntry(frame, prot))
	return 0, true
}

// revalidateTable brings a trimmed table back. It returns false if the
// entry changed before the frame table lock was taken.
func (f *fault) revalidateTable() bool {
	g := f.r.frames.Lock(f.mc.Thread)
	defer g.Unlock()

	if !f.unchanged() {
		return false
	}

	frame := f.entry.Frame
	g.RemoveStandby(frame)
	g.AddShare(frame)
	f.store(vmm.ValidEntry(frame, f.entry.Protection))
	return true
}

// readTable reads a paged out table back into a new frame. The working
// set lock stays held while the thread waits for the read.
func (f *fault) readTable() (state, bool) {
	if !f.mayBlock() {
		f.fatal = ErrIrqlNotLessOrEqual
		return stateFatal, false
	}

	g := f.r.frames.Lock(f.mc.Thread)
	frame, _, err := g.Acquire(f.color())
	if err != nil {
		g.Unlock()
		return f.transient(err), false
	}
	g.Initialize(frame, f.frameOwner(), uint64(f.pte), false)
	g.Unlock()
	f.frames++

	ioErr := f.r.pager.ReadPage(f.mc.context(), f.entry.Location, f.r.frames.Contents(frame))
	f.reads++

	if ioErr != nil {
		g = f.r.frames.Lock(f.mc.Thread)
		g.RemoveShare(frame)
		g.Release(frame)
		g.Unlock()
		return f.inPageError(ioErr), false
	}

	f.log.Debug("page table read in", "entry", f.handle, "frame", frame)
	f.store(vmm.ValidEntry(frame, f.entry.Protection))
	return 0, true
}

func (f *fault) synthesizeLeaf() state {
	res := f.descriptor()

	switch {
	case res.Protection.IsNoAccess():
		f.violation = ViolationUnmapped
		return stateAccessViolation
	case res.HasProto:
		f.entry = vmm.PrototypeEntry(vmm.ProtoRefFromDescriptor, 0)
		return stateEntryPrototype
	case !res.Protection.Committed():
		f.entry = vmm.ReservedEntry()
		return stateEntryNoAccess
	default:
		f.entry = vmm.DemandZeroEntry(res.Protection)
		return stateEntryDemandZero
	}
}

func (f *fault) noAccess() state {
	if f.entry.State == vmm.StateReserved {
		f.violation = ViolationUncommitted
	} else {
		f.violation = ViolationNoAccess
	}
	return stateAccessViolation
}

// accessViolation applies the violation policy. It returns stateFatal when
// the violation cannot be reported.
func (f *fault) accessViolation() state {
	preApproved := f.trap != nil && f.trap.AllowBenignAccessViolation()
	if Decide(f.violation, f.priv, preApproved) == CrashSystem {
		f.fatal = f.violation.fatalError()
		return stateFatal
	}

	f.log.Debug("access violation", "reason", f.violation, "access", f.access, "privilege", f.priv)
	f.status = AccessViolation
	return stateAccessViolation
}

// descriptor resolves the address against the descriptor tree of the
// owning space once per attempt.
func (f *fault) descriptor() vad.Resolution {
	if !f.resolved {
		f.res, f.resolved = f.owner.Descriptors().Resolve(f.va), true
	}
	return f.res
}

// unchanged reports whether the entry still holds the word the current
// decision was based on. Callers hold the frame table lock.
func (f *fault) unchanged() bool {
	pte, err := f.tables.Load(f.handle)
	return err == nil && pte == f.pte
}

func (f *fault) store(e vmm.Entry) {
	pte := vmm.Pack(e)
	if err := f.tables.Store(f.handle, pte); err != nil {
		f.log.Error("entry store failed", "entry", f.handle, "err", err)
		f.fatal = ErrCorruptEntry.Wrap(err)
		f.abort()
	}
	f.pte, f.entry = pte, e
}

// install makes the leaf entry valid and records the page in the working
// set.
func (f *fault) install(g *pfn.Guard, frame mm.Frame, prot mm.Protection, dirty bool) {
	if prot&mm.NoCache != 0 {
		g.SetCacheAttribute(frame, pfn.CacheDisabled)
	}

	e := vmm.ValidEntry(frame, prot)
	e.Accessed, e.Dirty = true, dirty
	f.store(e)

	if f.wsg != nil {
		f.wsg.Insert(mm.PageFromAddress(f.va))
	}
}

// frameOwner is the back-reference of a frame mapped by the current
// entry.
func (f *fault) frameOwner() pfn.Owner {
	return pfn.Owner{
		Space: f.owner.ID(),
		Addr:  mm.PageFromAddress(f.va).Address(),
		Level: uint8(f.handle.Level),
	}
}

func (f *fault) color() uint32 {
	return uint32(mm.PageFromAddress(f.va))
}

// mayBlock reports whether the faulting thread may wait for I/O.
func (f *fault) mayBlock() bool {
	return f.mc.Thread.Level().CanBlock() && !f.r.frames.HeldBy(f.mc.Thread)
}

// transient completes the fault after a short pause so the access is
// retried once the condition has cleared.
func (f *fault) transient(err error) state {
	f.log.Warn("transient fault condition, retrying access", "err", err)
	f.unlockWorkingSet()
	sleepFn(f.r.opts.RetryDelay)
	f.status = Success
	return stateResolved
}

func (f *fault) unlockWorkingSet() {
	if f.wsg != nil {
		f.wsg.Unlock()
		f.wsg = nil
	}
}

func (f *fault) finish() Result {
	f.unlockWorkingSet()
	f.log.Debug("fault resolved", "status", f.status, "frames", f.frames, "reads", f.reads)
	f.emit(f.status.String())

	return Result{
		Status:          f.status,
		Address:         f.va,
		StackGrowthHint: f.hint,
		Err:             f.err,
	}
}
