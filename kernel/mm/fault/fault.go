// Package fault implements the page fault resolver. Given a faulting
// address and the attempted access it classifies the fault, walks and
// repairs the translation tables of the owning address space and either
// makes the access possible or reports why it cannot be.
//
// Faults are resolved by a small state machine (see dispatch.go). Every
// entry transition happens under the working set lock of the space that
// owns the address; frame state changes additionally take the frame table
// lock, which is never held across a blocking call.
package fault

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"vmfault/kernel"
	"vmfault/kernel/kfmt"
	"vmfault/kernel/mm"
	"vmfault/kernel/mm/aspace"
	"vmfault/kernel/mm/pager"
	"vmfault/kernel/mm/pfn"
	"vmfault/kernel/mm/section"
	"vmfault/kernel/mm/trace"
	"vmfault/kernel/mm/vmm"
	"vmfault/kernel/thread"
)

var (
	// ErrIrqlNotLessOrEqual is raised when a fault taken at or above
	// DISPATCH_LEVEL needs anything but an already resident entry.
	ErrIrqlNotLessOrEqual = &kernel.Error{Module: "fault", Message: "page fault at elevated priority level requires a blocking resolution"}

	// ErrInvalidAccess is raised when a trusted context performs an
	// invalid access that was not pre-approved by its trap context.
	ErrInvalidAccess = &kernel.Error{Module: "fault", Message: "invalid memory access from trusted context"}

	// ErrUncommittedAccess is raised when a trusted context touches
	// reserved or explicitly inaccessible memory.
	ErrUncommittedAccess = &kernel.Error{Module: "fault", Message: "trusted context touched reserved or no-access memory"}

	// ErrCorruptEntry is raised when an entry holds a shape it cannot
	// hold at its level or refers to something that does not exist.
	ErrCorruptEntry = &kernel.Error{Module: "fault", Message: "page table entry is corrupt"}

	errCollidedFault = &kernel.Error{Module: "fault", Message: "page read still in progress"}
	errNoPageFile    = &kernel.Error{Module: "fault", Message: "no page file slots available for modified page"}
)

var (
	// sleepFn pauses the faulting thread before a transient failure is
	// reported as success. Tests override it.
	sleepFn = time.Sleep

	// waitFn blocks until a collided page read completes.
	waitFn = func(done <-chan struct{}) { <-done }
)

// Status is the outcome of a fault that did not crash the system.
type Status uint8

const (
	// Success means the access can be retried and will succeed, or
	// will fault again for a new reason.
	Success Status = iota

	// AccessViolation means the access is not allowed.
	AccessViolation

	// GuardPageViolation means the access touched a guard page. The guard
	// has been removed.
	GuardPageViolation

	// InPageError means the page content could not be read from backing
	// storage.
	InPageError
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case AccessViolation:
		return "AccessViolation"
	case GuardPageViolation:
		return "GuardPageViolation"
	case InPageError:
		return "InPageError"
	default:
		return "Unknown"
	}
}

// Result is returned by Resolve.
type Result struct {
	Status Status

	// Address is the faulting address.
	Address uintptr

	// StackGrowthHint is set on guard page violations inside a region
	// that grows downwards. Whether to extend the region is up to the
	// caller.
	StackGrowthHint bool

	// Err holds the I/O failure behind an InPageError.
	Err error
}

// MmContext carries the execution context of a memory manager operation.
type MmContext struct {
	Thread *thread.Thread

	// Context is handed to the pager. It may be nil.
	Context context.Context
}

func (mc MmContext) context() context.Context {
	if mc.Context == nil {
		return context.Background()
	}
	return mc.Context
}

// TrapContext is the opaque trap state of the faulting access. The
// resolver only asks whether an invalid access from a trusted context may
// be reported instead of crashing the system.
type TrapContext interface {
	AllowBenignAccessViolation() bool
}

// Trap is a TrapContext with a fixed answer.
type Trap struct {
	BenignAccessViolation bool
}

// AllowBenignAccessViolation implements TrapContext.
func (t Trap) AllowBenignAccessViolation() bool {
	return t.BenignAccessViolation
}

// Options tunes a Resolver.
type Options struct {
	// RetryDelay is how long a faulting thread pauses when it hits a
	// transient condition (frame exhaustion, transient I/O error).
	RetryDelay time.Duration

	// MaxCollidedRetries bounds the number of times a fault waits for a
	// page read issued by another fault.
	MaxCollidedRetries int

	// Tracer receives a record per resolved fault. Optional.
	Tracer trace.Tracer

	// Logger defaults to the "fault" kfmt logger.
	Logger *slog.Logger
}

// DefaultOptions returns the options used by the simulator.
func DefaultOptions() Options {
	return Options{
		RetryDelay:         10 * time.Millisecond,
		MaxCollidedRetries: 8,
	}
}

// Resolver resolves page faults against a set of address spaces sharing a
// frame table.
type Resolver struct {
	system   *aspace.Space
	frames   *pfn.FrameTable
	segments *section.Registry
	pager    pager.Pager
	opts     Options
	log      *slog.Logger

	// spaces maps address space ids to their tables so repurposed frames
	// can restore the entry that referenced them.
	spaces sync.Map
}

// New creates a resolver and installs it as the repurpose handler of
// frames.
func New(system *aspace.Space, frames *pfn.FrameTable, segments *section.Registry, p pager.Pager, opts Options) *Resolver {
	if opts.Logger == nil {
		opts.Logger = kfmt.Logger("fault")
	}

	r := &Resolver{
		system:   system,
		frames:   frames,
		segments: segments,
		pager:    p,
		opts:     opts,
		log:      opts.Logger,
	}
	r.track(system)
	frames.SetRepurposeHandler(r.repurpose)

	return r
}

// Resolve resolves a fault at va taken by mc.Thread while running in space.
// Conditions the resolver cannot recover from are raised with kfmt.Panic
// and never return.
func (r *Resolver) Resolve(mc MmContext, space *aspace.Space, va uintptr, access mm.Access, priv mm.Privilege, trap TrapContext) Result {
	f := &fault{
		r:      r,
		mc:     mc,
		space:  space,
		va:     va,
		access: access,
		priv:   priv,
		trap:   trap,
		began:  time.Now(),
		log:    r.log.With("space", space.Name(), "va", mm.PageFromAddress(va).Address(), "thread", mc.Thread.ID()),
	}
	defer f.unlockWorkingSet()

	return f.run()
}

func (r *Resolver) track(s *aspace.Space) {
	r.spaces.LoadOrStore(s.ID(), s.Tables())
}

func (r *Resolver) tablesOf(id uint64) *vmm.Tables {
	v, ok := r.spaces.Load(id)
	if !ok {
		kfmt.Panic(ErrCorruptEntry)
	}
	return v.(*vmm.Tables)
}

// prototypeOf returns the prototype entry a prototype frame belongs to.
func (r *Resolver) prototypeOf(owner pfn.Owner) (*section.Segment, int) {
	seg, ok := r.segments.Segment(uint16(owner.Space))
	if !ok || int(owner.Addr) >= seg.Len() {
		kfmt.Panic(ErrCorruptEntry)
	}
	return seg, int(owner.Addr)
}

// dropLastShare disposes of a frame whose last valid mapping went away.
// Prototype frames keep their content on the standby list behind a
// transition prototype; private frames are freed.
func (r *Resolver) dropLastShare(g *pfn.Guard, frame mm.Frame, fe pfn.Entry) {
	if !fe.Prototype {
		g.Release(frame)
		return
	}

	seg, index := r.prototypeOf(fe.Owner)
	pe := vmm.Unpack(seg.Load(index))
	seg.Store(g, index, vmm.Pack(vmm.TransitionEntry(frame, pe.Protection)))
	g.InsertStandby(frame)
}
