package main

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"vmfault/kernel"
	"vmfault/kernel/irql"
	"vmfault/kernel/kfmt"
	"vmfault/kernel/mm"
	"vmfault/kernel/mm/aspace"
	"vmfault/kernel/mm/fault"
	"vmfault/kernel/mm/pager"
	"vmfault/kernel/mm/pfn"
	"vmfault/kernel/mm/section"
	"vmfault/kernel/mm/trace"
	"vmfault/kernel/mm/vad"
	"vmfault/kernel/mm/vmm"
	"vmfault/kernel/thread"
)

const (
	userBase   = uintptr(0x0000000040000000)
	systemBase = vmm.SystemRangeStart + 0x40000000
)

// scenario drives a fixed sequence of faults and returns a one-line
// summary, or an error if the resolver did not behave as expected.
type scenario struct {
	name string
	desc string
	run  func(e *env) (string, error)
}

var scenarios = []scenario{
	{"unmapped", "untrusted read of unmapped memory is reported", runUnmapped},
	{"demand-zero", "first write to committed private memory maps a zeroed frame", runDemandZero},
	{"cow", "write to a shared copy-on-write page makes one private copy", runCopyOnWrite},
	{"transient", "transient in-page error is retried by the faulting access", runTransient},
	{"elevated", "non-resident fault at dispatch level is fatal", runElevated},
	{"cow-race", "concurrent writers to one copy-on-write page copy it once", runCopyOnWriteRace},
	{"collided", "faults racing on one prototype page issue a single read", runCollided},
	{"guard-page", "guard page touch reports stack growth and clears the guard", runGuardPage},
	{"page-out", "trimmed dirty page is written out and read back", runPageOut},
	{"table-out", "page table of a paged out page is written out and read back", runTableOut},
	{"system", "trusted write to the system range is visible in every space", runSystem},
}

func lookupScenarios(names []string) ([]scenario, error) {
	if len(names) == 0 {
		return scenarios, nil
	}

	selected := make([]scenario, 0, len(names))
	for _, name := range names {
		found := false
		for _, s := range scenarios {
			if s.name == name {
				selected = append(selected, s)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown scenario %q", name)
		}
	}
	return selected, nil
}

// runScenario runs s in a fresh environment and prints its outcome and the
// final frame table statistics.
func runScenario(out io.Writer, cfg config, tracer trace.Tracer, s scenario) error {
	e, err := newEnv(cfg, tracer)
	if err != nil {
		fmt.Fprintf(out, "FAIL %-12s %v\n", s.name, err)
		return err
	}

	summary, err := s.run(e)
	if err != nil {
		fmt.Fprintf(out, "FAIL %-12s %v\n", s.name, err)
	} else {
		fmt.Fprintf(out, "ok   %-12s %s\n", s.name, summary)
	}

	st := e.frames.Stats()
	fmt.Fprintf(out, "     frames: total=%d free=%d zeroed=%d standby=%d modified=%d active=%d acquired=%d repurposed=%d released=%d\n",
		st.Total, st.Free, st.Zeroed, st.Standby, st.Modified, st.Active, st.Acquired, st.Repurposed, st.Released)
	return err
}

// env is a simulated machine: a frame table, the system space, a segment
// registry and an in-memory backing store shared by every file.
type env struct {
	frames   *pfn.FrameTable
	system   *aspace.Space
	segments *section.Registry
	store    *pager.MemoryStore
	resolver *fault.Resolver
	mc       fault.MmContext
}

func newEnv(cfg config, tracer trace.Tracer) (*env, error) {
	frames, kerr := pfn.New(pfn.Config{Frames: cfg.frames, Colors: cfg.colors})
	if kerr != nil {
		return nil, kerr
	}

	th := thread.New()
	system, kerr := aspace.NewSystem(frames, th)
	if kerr != nil {
		return nil, kerr
	}

	e := &env{
		frames:   frames,
		system:   system,
		segments: section.NewRegistry(),
		store:    pager.NewMemoryStore(),
		mc:       fault.MmContext{Thread: th},
	}

	opts := fault.DefaultOptions()
	opts.Tracer = tracer
	e.resolver = fault.New(system, frames, e.segments, e.store, opts)
	return e, nil
}

func (e *env) process(name string) (*aspace.Space, error) {
	s, err := aspace.NewProcess(name, e.system, e.frames, e.mc.Thread)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (e *env) mapRegion(s *aspace.Space, d *vad.Descriptor) error {
	if err := s.Descriptors().Insert(d); err != nil {
		return err
	}
	return nil
}

func (e *env) mapPrivate(s *aspace.Space, start uintptr, pages int, prot mm.Protection) error {
	return e.mapRegion(s, &vad.Descriptor{Start: start, End: start + uintptr(pages)<<mm.PageShift, Protection: prot})
}

func (e *env) mapSegment(s *aspace.Space, start uintptr, seg *section.Segment, prot mm.Protection) error {
	return e.mapRegion(s, &vad.Descriptor{
		Start:      start,
		End:        start + uintptr(seg.Len())<<mm.PageShift,
		Protection: prot,
		Segment:    seg,
	})
}

func (e *env) resolve(s *aspace.Space, va uintptr, access mm.Access, priv mm.Privilege) fault.Result {
	return e.resolver.Resolve(e.mc, s, va, access, priv, nil)
}

// touch resolves a fault and fails unless it completes with status.
func (e *env) touch(s *aspace.Space, va uintptr, access mm.Access, status fault.Status) error {
	if res := e.resolve(s, va, access, mm.Untrusted); res.Status != status {
		return fmt.Errorf("%s access to %#x in %s: got %s, want %s", access, va, s.Name(), res.Status, status)
	}
	return nil
}

func (e *env) leaf(s *aspace.Space, va uintptr) (vmm.Entry, error) {
	pte, err := s.Tables().Load(vmm.Locate(va, vmm.LevelLeaf))
	if err != nil {
		return vmm.Entry{}, err
	}
	return vmm.Unpack(pte), nil
}

func (e *env) validLeaf(s *aspace.Space, va uintptr) (vmm.Entry, error) {
	entry, err := e.leaf(s, va)
	if err != nil {
		return entry, err
	}
	if entry.State != vmm.StateValid {
		return entry, fmt.Errorf("entry for %#x in %s is %s, want valid", va, s.Name(), entry.State)
	}
	return entry, nil
}

func (e *env) shareCount(f mm.Frame) uint32 {
	g := e.frames.Lock(e.mc.Thread)
	defer g.Unlock()
	return g.Entry(f).ShareCount
}

// exhaust takes every obtainable frame, repurposing the standby list, and
// gives them back.
func (e *env) exhaust() {
	g := e.frames.Lock(e.mc.Thread)
	defer g.Unlock()

	var held []mm.Frame
	for {
		f, _, err := g.Acquire(0)
		if err != nil {
			break
		}
		g.Initialize(f, pfn.Owner{}, 0, false)
		held = append(held, f)
	}
	for _, f := range held {
		g.RemoveShare(f)
		g.Release(f)
	}
}

// fatalOf runs fn and returns the fatal error it raised, if any.
func fatalOf(fn func()) (fatal *kernel.Error) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(*kernel.Error)
			if !ok {
				panic(r)
			}
			fatal = err
		}
	}()

	fn()
	return nil
}

func runUnmapped(e *env) (string, error) {
	proc, err := e.process("proc")
	if err != nil {
		return "", err
	}

	before := e.frames.Stats().Acquired
	if err := e.touch(proc, userBase, mm.AccessRead, fault.AccessViolation); err != nil {
		return "", err
	}
	if acquired := e.frames.Stats().Acquired - before; acquired != 0 {
		return "", fmt.Errorf("violation acquired %d frames", acquired)
	}
	return "access violation, no frames acquired", nil
}

func runDemandZero(e *env) (string, error) {
	proc, err := e.process("proc")
	if err != nil {
		return "", err
	}
	if err := e.mapPrivate(proc, userBase, 16, mm.ReadWrite); err != nil {
		return "", err
	}

	before := e.frames.Stats().Acquired
	if err := e.touch(proc, userBase, mm.AccessWrite, fault.Success); err != nil {
		return "", err
	}

	entry, err := e.validLeaf(proc, userBase)
	if err != nil {
		return "", err
	}
	if !entry.Dirty || entry.Protection != mm.ReadWrite {
		return "", fmt.Errorf("unexpected entry %s", entry)
	}
	if !bytes.Equal(e.frames.Contents(entry.Frame), make([]byte, mm.PageSize)) {
		return "", fmt.Errorf("frame %d is not zero-filled", entry.Frame)
	}

	return fmt.Sprintf("frame %d mapped, %d frames acquired", entry.Frame, e.frames.Stats().Acquired-before), nil
}

// sharedCopyOnWrite sets up a copy-on-write segment page mapped and read
// by two spaces.
func (e *env) sharedCopyOnWrite() (a, b *aspace.Space, shared mm.Frame, err error) {
	seg, kerr := e.segments.Create(section.Config{Name: "image", Pages: 1, Protection: mm.WriteCopy})
	if kerr != nil {
		return nil, nil, 0, kerr
	}

	if a, err = e.process("a"); err != nil {
		return
	}
	if b, err = e.process("b"); err != nil {
		return
	}

	for _, s := range []*aspace.Space{a, b} {
		if err = e.mapSegment(s, userBase, seg, mm.WriteCopy); err != nil {
			return
		}
		if err = e.touch(s, userBase, mm.AccessRead, fault.Success); err != nil {
			return
		}
	}

	entry, err := e.validLeaf(a, userBase)
	if err != nil {
		return
	}
	shared = entry.Frame
	e.frames.Contents(shared)[0] = 0xab
	return a, b, shared, nil
}

func runCopyOnWrite(e *env) (string, error) {
	a, b, shared, err := e.sharedCopyOnWrite()
	if err != nil {
		return "", err
	}

	before := e.frames.Stats().Acquired
	for i := 0; i < 2; i++ {
		if err := e.touch(a, userBase, mm.AccessWrite, fault.Success); err != nil {
			return "", err
		}
	}

	private, err := e.validLeaf(a, userBase)
	if err != nil {
		return "", err
	}
	other, err := e.validLeaf(b, userBase)
	if err != nil {
		return "", err
	}

	switch {
	case e.frames.Stats().Acquired-before != 1:
		return "", fmt.Errorf("acquired %d frames, want 1", e.frames.Stats().Acquired-before)
	case private.Frame == shared || other.Frame != shared:
		return "", fmt.Errorf("private frame %d, shared frame %d, other frame %d", private.Frame, shared, other.Frame)
	case e.frames.Contents(private.Frame)[0] != 0xab:
		return "", fmt.Errorf("private copy does not hold the shared content")
	case e.shareCount(shared) != 1:
		return "", fmt.Errorf("shared frame has %d shares, want 1", e.shareCount(shared))
	}
	return fmt.Sprintf("frame %d copied to %d", shared, private.Frame), nil
}

func runTransient(e *env) (string, error) {
	seg, kerr := e.segments.Create(section.Config{
		Name:       "data",
		Pages:      4,
		Protection: mm.ReadOnly,
		Backing:    vmm.Location{File: 1, Offset: 100},
	})
	if kerr != nil {
		return "", kerr
	}
	proc, err := e.process("proc")
	if err != nil {
		return "", err
	}
	if err := e.mapSegment(proc, userBase, seg, mm.ReadOnly); err != nil {
		return "", err
	}

	loc := vmm.Location{File: 1, Offset: 102}
	va := userBase + 2*mm.PageSize
	e.store.Put(loc, []byte("backing page"))
	e.store.FailNext(loc, pager.Transient)

	if err := e.touch(proc, va, mm.AccessRead, fault.Success); err != nil {
		return "", err
	}
	if entry, _ := e.leaf(proc, va); entry.State == vmm.StateValid {
		return "", fmt.Errorf("page mapped despite the failed read")
	}

	if err := e.touch(proc, va, mm.AccessRead, fault.Success); err != nil {
		return "", err
	}
	entry, err := e.validLeaf(proc, va)
	if err != nil {
		return "", err
	}
	if !bytes.HasPrefix(e.frames.Contents(entry.Frame), []byte("backing page")) {
		return "", fmt.Errorf("frame %d does not hold the backing page", entry.Frame)
	}
	return fmt.Sprintf("mapped after %d reads", e.store.Reads()), nil
}

func runElevated(e *env) (string, error) {
	proc, err := e.process("proc")
	if err != nil {
		return "", err
	}
	if err := e.mapPrivate(proc, userBase, 1, mm.ReadWrite); err != nil {
		return "", err
	}

	old := e.mc.Thread.Raise(irql.DispatchLevel)
	fatal := fatalOf(func() { e.resolve(proc, userBase, mm.AccessRead, mm.Untrusted) })
	e.mc.Thread.Lower(old)

	if fatal != fault.ErrIrqlNotLessOrEqual {
		return "", fmt.Errorf("got fatal error %v, want %v", fatal, fault.ErrIrqlNotLessOrEqual)
	}
	return "fatal: " + fatal.Message, nil
}

func runCopyOnWriteRace(e *env) (string, error) {
	a, _, shared, err := e.sharedCopyOnWrite()
	if err != nil {
		return "", err
	}

	const writers = 8
	before := e.frames.Stats().Acquired

	var wg sync.WaitGroup
	results := make([]fault.Result, writers)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mc := fault.MmContext{Thread: thread.New()}
			results[i] = e.resolver.Resolve(mc, a, userBase, mm.AccessWrite, mm.Untrusted, nil)
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if res.Status != fault.Success {
			return "", fmt.Errorf("writer %d: got %s", i, res.Status)
		}
	}
	if acquired := e.frames.Stats().Acquired - before; acquired != 1 {
		return "", fmt.Errorf("%d writers acquired %d frames, want 1", writers, acquired)
	}
	if e.shareCount(shared) != 1 {
		return "", fmt.Errorf("shared frame has %d shares, want 1", e.shareCount(shared))
	}
	return fmt.Sprintf("%d writers, one copy", writers), nil
}

func runCollided(e *env) (string, error) {
	seg, kerr := e.segments.Create(section.Config{
		Name:       "library",
		Pages:      1,
		Protection: mm.ExecuteRead,
		Backing:    vmm.Location{File: 2, Offset: 1},
	})
	if kerr != nil {
		return "", kerr
	}
	e.store.Put(vmm.Location{File: 2, Offset: 1}, []byte("code"))
	e.store.SetLatency(20 * time.Millisecond)

	spaces := make([]*aspace.Space, 2)
	for i := range spaces {
		s, err := e.process(fmt.Sprintf("p%d", i))
		if err != nil {
			return "", err
		}
		if err := e.mapSegment(s, userBase, seg, mm.ExecuteRead); err != nil {
			return "", err
		}
		spaces[i] = s
	}

	var wg sync.WaitGroup
	results := make([]fault.Result, len(spaces))
	for i, s := range spaces {
		wg.Add(1)
		go func(i int, s *aspace.Space) {
			defer wg.Done()
			mc := fault.MmContext{Thread: thread.New()}
			results[i] = e.resolver.Resolve(mc, s, userBase, mm.AccessExecute, mm.Untrusted, nil)
		}(i, s)
	}
	wg.Wait()

	var frame mm.Frame
	for i, s := range spaces {
		if results[i].Status != fault.Success {
			return "", fmt.Errorf("%s: got %s", s.Name(), results[i].Status)
		}
		entry, err := e.validLeaf(s, userBase)
		if err != nil {
			return "", err
		}
		if i > 0 && entry.Frame != frame {
			return "", fmt.Errorf("spaces map frames %d and %d", frame, entry.Frame)
		}
		frame = entry.Frame
	}

	if reads := e.store.Reads(); reads != 1 {
		return "", fmt.Errorf("%d reads issued, want 1", reads)
	}
	if shares := e.shareCount(frame); shares != 2 {
		return "", fmt.Errorf("frame %d has %d shares, want 2", frame, shares)
	}
	return fmt.Sprintf("frame %d shared after one read", frame), nil
}

func runGuardPage(e *env) (string, error) {
	proc, err := e.process("proc")
	if err != nil {
		return "", err
	}
	stack := &vad.Descriptor{
		Start:           userBase,
		End:             userBase + mm.PageSize,
		Protection:      mm.ReadWrite | mm.Guard,
		StackGrowthDown: true,
	}
	if err := e.mapRegion(proc, stack); err != nil {
		return "", err
	}

	res := e.resolve(proc, userBase, mm.AccessWrite, mm.Untrusted)
	if res.Status != fault.GuardPageViolation || !res.StackGrowthHint {
		return "", fmt.Errorf("got %s (hint %t), want guard page violation with hint", res.Status, res.StackGrowthHint)
	}
	if err := e.touch(proc, userBase, mm.AccessWrite, fault.Success); err != nil {
		return "", err
	}
	return "guard reported once, page mapped on retry", nil
}

func runPageOut(e *env) (string, error) {
	proc, err := e.process("proc")
	if err != nil {
		return "", err
	}
	if err := e.mapPrivate(proc, userBase, 1, mm.ReadWrite); err != nil {
		return "", err
	}
	if err := e.touch(proc, userBase, mm.AccessWrite, fault.Success); err != nil {
		return "", err
	}
	entry, err := e.validLeaf(proc, userBase)
	if err != nil {
		return "", err
	}
	copy(e.frames.Contents(entry.Frame), "dirty page")

	if !e.resolver.Trim(e.mc, proc, userBase) {
		return "", fmt.Errorf("page could not be trimmed")
	}
	written, werr := e.resolver.WriteModified(e.mc, pager.NewSlots(0, 64), 16)
	if werr != nil {
		return "", werr
	}
	if written != 1 {
		return "", fmt.Errorf("wrote %d pages, want 1", written)
	}

	e.exhaust()
	if out, _ := e.leaf(proc, userBase); out.State != vmm.StatePageFile {
		return "", fmt.Errorf("entry is %s after repurpose, want page-file", out.State)
	}

	if err := e.touch(proc, userBase, mm.AccessRead, fault.Success); err != nil {
		return "", err
	}
	entry, err = e.validLeaf(proc, userBase)
	if err != nil {
		return "", err
	}
	if !bytes.HasPrefix(e.frames.Contents(entry.Frame), []byte("dirty page")) {
		return "", fmt.Errorf("page content lost across page-out")
	}
	return fmt.Sprintf("%d write, %d read", e.store.Writes(), e.store.Reads()), nil
}

func runTableOut(e *env) (string, error) {
	proc, err := e.process("proc")
	if err != nil {
		return "", err
	}
	if err := e.mapPrivate(proc, userBase, 1, mm.ReadWrite); err != nil {
		return "", err
	}
	if err := e.touch(proc, userBase, mm.AccessWrite, fault.Success); err != nil {
		return "", err
	}
	entry, err := e.validLeaf(proc, userBase)
	if err != nil {
		return "", err
	}
	copy(e.frames.Contents(entry.Frame), "paged table")

	if e.resolver.TrimTable(e.mc, proc, userBase) {
		return "", fmt.Errorf("table trimmed while it still maps a page")
	}

	slots := pager.NewSlots(0, 64)
	if !e.resolver.Trim(e.mc, proc, userBase) {
		return "", fmt.Errorf("page could not be trimmed")
	}
	if _, werr := e.resolver.WriteModified(e.mc, slots, 16); werr != nil {
		return "", werr
	}
	e.exhaust()

	if !e.resolver.TrimTable(e.mc, proc, userBase) {
		return "", fmt.Errorf("table could not be trimmed")
	}
	if _, werr := e.resolver.WriteModified(e.mc, slots, 16); werr != nil {
		return "", werr
	}
	e.exhaust()

	dir, kerr := proc.Tables().Load(vmm.Locate(userBase, vmm.LevelDirectory))
	if kerr != nil {
		return "", kerr
	}
	if st := vmm.Unpack(dir).State; st != vmm.StatePageFile {
		return "", fmt.Errorf("directory entry is %s after repurpose, want page-file", st)
	}

	if err := e.touch(proc, userBase, mm.AccessRead, fault.Success); err != nil {
		return "", err
	}
	entry, err = e.validLeaf(proc, userBase)
	if err != nil {
		return "", err
	}
	if !bytes.HasPrefix(e.frames.Contents(entry.Frame), []byte("paged table")) {
		return "", fmt.Errorf("page content lost across table page-out")
	}
	return fmt.Sprintf("%d writes, %d reads", e.store.Writes(), e.store.Reads()), nil
}

func runSystem(e *env) (string, error) {
	if err := e.mapPrivate(e.system, systemBase, 1, mm.ReadWrite|mm.KernelOnly); err != nil {
		return "", err
	}
	a, err := e.process("a")
	if err != nil {
		return "", err
	}
	b, err := e.process("b")
	if err != nil {
		return "", err
	}

	if err := e.touch(a, systemBase, mm.AccessRead, fault.AccessViolation); err != nil {
		return "", err
	}
	if res := e.resolve(a, systemBase, mm.AccessWrite, mm.Trusted); res.Status != fault.Success {
		return "", fmt.Errorf("trusted write: got %s", res.Status)
	}

	ea, err := e.validLeaf(a, systemBase)
	if err != nil {
		return "", err
	}
	eb, err := e.validLeaf(b, systemBase)
	if err != nil {
		return "", err
	}
	if ea.Frame != eb.Frame {
		return "", fmt.Errorf("spaces see frames %d and %d", ea.Frame, eb.Frame)
	}
	kfmt.Logger("mmsim").Debug("system page mapped", "frame", ea.Frame)
	return fmt.Sprintf("frame %d visible in every space", ea.Frame), nil
}
