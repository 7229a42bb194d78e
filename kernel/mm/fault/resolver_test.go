package fault

import (
	"bytes"
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"vmfault/kernel"
	"vmfault/kernel/irql"
	"vmfault/kernel/kfmt"
	"vmfault/kernel/mm"
	"vmfault/kernel/mm/aspace"
	"vmfault/kernel/mm/pager"
	"vmfault/kernel/mm/pfn"
	"vmfault/kernel/mm/section"
	"vmfault/kernel/mm/trace"
	"vmfault/kernel/mm/vad"
	"vmfault/kernel/mm/vmm"
	"vmfault/kernel/mm/ws"
	"vmfault/kernel/thread"
)

const (
	userBase   = uintptr(0x0000000040000000)
	systemBase = vmm.SystemRangeStart + 0x40000000
)

type recordingTracer struct {
	records []trace.Record
}

func (t *recordingTracer) Write(r trace.Record) { t.records = append(t.records, r) }
func (t *recordingTracer) Flush() {}

func mapRegion(space *aspace.Space, d *vad.Descriptor) *vad.Descriptor {
	Expect(space.Descriptors().Insert(d)).To(BeNil())
	return d
}

func privateRegion(start uintptr, pages int, prot mm.Protection) *vad.Descriptor {
	return &vad.Descriptor{Start: start, End: start + uintptr(pages)<<mm.PageShift, Protection: prot}
}

func segmentRegion(start uintptr, seg *section.Segment, prot mm.Protection) *vad.Descriptor {
	return &vad.Descriptor{Start: start, End: start + uintptr(seg.Len())<<mm.PageShift, Protection: prot, Segment: seg}
}

func leafEntry(space *aspace.Space, va uintptr) vmm.Entry {
	pte, err := space.Tables().Load(vmm.Locate(va, vmm.LevelLeaf))
	Expect(err).To(BeNil())
	return vmm.Unpack(pte)
}

func storeLeaf(space *aspace.Space, va uintptr, e vmm.Entry) {
	Expect(space.Tables().Store(vmm.Locate(va, vmm.LevelLeaf), vmm.Pack(e))).To(BeNil())
}

func frameEntry(frames *pfn.FrameTable, t *thread.Thread, f mm.Frame) pfn.Entry {
	g := frames.Lock(t)
	defer g.Unlock()
	return g.Entry(f)
}

func resident(space *aspace.Space, t *thread.Thread, va uintptr) bool {
	g := space.WorkingSet().Lock(t)
	defer g.Unlock()
	return g.Contains(mm.PageFromAddress(va))
}

func expectFatal(expErr *kernel.Error, fn func()) {
	defer func() {
		ExpectWithOffset(1, recover()).To(BeIdenticalTo(expErr))
	}()
	fn()
}

// exhaust acquires every frame it can get, forcing standby frames to be
// repurposed, and returns them to the free list.
func exhaust(frames *pfn.FrameTable, t *thread.Thread) {
	g := frames.Lock(t)
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

// expectConsistentShares checks that every frame mapped by a leaf entry of
// the supplied spaces has a share count equal to the number of entries
// mapping it, and that private frames are mapped exactly once.
func expectConsistentShares(frames *pfn.FrameTable, t *thread.Thread, spaces ...*aspace.Space) {
	mapped := make(map[mm.Frame]int)
	for _, s := range spaces {
		s.Tables().Visit(vmm.LevelLeaf, func(_ vmm.EntryHandle, pte vmm.PageTableEntry) bool {
			if pte.IsValid() {
				mapped[pte.Frame()]++
			}
			return true
		})
	}

	for f, count := range mapped {
		fe := frameEntry(frames, t, f)
		ExpectWithOffset(1, fe.ShareCount).To(BeEquivalentTo(count), "share count of frame %d", f)
		if !fe.Prototype {
			ExpectWithOffset(1, count).To(Equal(1), "private frame %d mapped more than once", f)
		}
	}
}

var _ = Describe("Resolver", func() {
	var (
		mockCtrl  *gomock.Controller
		mockPager *MockPager
		frames    *pfn.FrameTable
		segments  *section.Registry
		system    *aspace.Space
		proc      *aspace.Space
		th        *thread.Thread
		mc        MmContext
		resolver  *Resolver
		slept     []time.Duration
	)

	newProcess := func(name string) *aspace.Space {
		s, err := aspace.NewProcess(name, system, frames, th)
		Expect(err).To(BeNil())
		return s
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		mockPager = NewMockPager(mockCtrl)

		var err *kernel.Error
		frames, err = pfn.New(pfn.Config{Frames: 64, Colors: 4})
		Expect(err).To(BeNil())

		th = thread.New()
		mc = MmContext{Thread: th}

		system, err = aspace.NewSystem(frames, th)
		Expect(err).To(BeNil())
		proc = newProcess("proc")

		segments = section.NewRegistry()

		slept = nil
		sleepFn = func(d time.Duration) { slept = append(slept, d) }

		resolver = New(system, frames, segments, mockPager, DefaultOptions())
	})

	AfterEach(func() {
		sleepFn = time.Sleep
		mockCtrl.Finish()

		Expect(th.Level()).To(Equal(irql.PassiveLevel))
		Expect(frames.HeldBy(th)).To(BeFalse())
		Expect(proc.WorkingSet().HeldBy(th)).To(BeFalse())
		Expect(system.WorkingSet().HeldBy(th)).To(BeFalse())
	})

	Context("unmapped memory", func() {
		It("should report an access violation without allocating a frame", func() {
			before := frames.Stats()

			res := resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil)

			Expect(res.Status).To(Equal(AccessViolation))
			Expect(res.Address).To(Equal(userBase))
			Expect(frames.Stats()).To(Equal(before))
		})

		It("should crash on an invalid access from a trusted context", func() {
			expectFatal(ErrInvalidAccess, func() {
				resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Trusted, nil)
			})
		})

		It("should report the violation when the trap context allows it", func() {
			res := resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Trusted, Trap{BenignAccessViolation: true})
			Expect(res.Status).To(Equal(AccessViolation))
		})

		It("should reject non-canonical addresses", func() {
			res := resolver.Resolve(mc, proc, vmm.UserRangeEnd, mm.AccessRead, mm.Untrusted, nil)
			Expect(res.Status).To(Equal(AccessViolation))
		})

		It("should reject untrusted accesses to the system range", func() {
			mapRegion(system, privateRegion(systemBase, 1, mm.ReadWrite))

			res := resolver.Resolve(mc, proc, systemBase, mm.AccessRead, mm.Untrusted, nil)
			Expect(res.Status).To(Equal(AccessViolation))
		})
	})

	Context("demand-zero pages", func() {
		BeforeEach(func() {
			mapRegion(proc, privateRegion(userBase, 4, mm.ReadWrite))
		})

		It("should map a zero-filled frame on a write", func() {
			before := frames.Stats()

			res := resolver.Resolve(mc, proc, userBase+0x10, mm.AccessWrite, mm.Untrusted, nil)
			Expect(res.Status).To(Equal(Success))

			e := leafEntry(proc, userBase)
			Expect(e.State).To(Equal(vmm.StateValid))
			Expect(e.Protection).To(Equal(mm.ReadWrite))
			Expect(e.Dirty).To(BeTrue())
			Expect(e.Accessed).To(BeTrue())
			Expect(frames.Contents(e.Frame)).To(Equal(make([]byte, mm.PageSize)))

			fe := frameEntry(frames, th, e.Frame)
			Expect(fe.ShareCount).To(BeEquivalentTo(1))
			Expect(fe.Modified).To(BeTrue())
			Expect(fe.Prototype).To(BeFalse())
			Expect(fe.Owner).To(Equal(pfn.Owner{Space: proc.ID(), Addr: userBase, Level: uint8(vmm.LevelLeaf)}))

			// three page tables and the page itself
			Expect(frames.Stats().Acquired - before.Acquired).To(BeEquivalentTo(4))
			Expect(resident(proc, th, userBase)).To(BeTrue())
		})

		It("should leave the frame clean when a copy-on-write page is read", func() {
			va := userBase + 16*mm.PageSize
			mapRegion(proc, privateRegion(va, 1, mm.WriteCopy))

			Expect(resolver.Resolve(mc, proc, va, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(Success))

			e := leafEntry(proc, va)
			Expect(e.Protection).To(Equal(mm.WriteCopy))
			Expect(e.Dirty).To(BeFalse())
			Expect(frameEntry(frames, th, e.Frame).Modified).To(BeFalse())

			Expect(resolver.Trim(mc, proc, va)).To(BeTrue())
			Expect(frames.Stats().Modified).To(Equal(0))
			Expect(frames.Stats().Standby).To(Equal(1))
		})

		It("should zero frames that come from the free list", func() {
			g := frames.Lock(th)
			var dirty []mm.Frame
			for {
				f, _, err := g.Acquire(0)
				if err != nil {
					break
				}
				g.Initialize(f, pfn.Owner{}, 0, false)
				dirty = append(dirty, f)
			}
			for _, f := range dirty {
				kernel.Memset(frames.Contents(f), 0xff)
				g.RemoveShare(f)
				g.Release(f)
			}
			g.Unlock()

			Expect(resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(Success))

			e := leafEntry(proc, userBase)
			Expect(frames.Contents(e.Frame)).To(Equal(make([]byte, mm.PageSize)))
		})

		It("should be idempotent once the fault is resolved", func() {
			Expect(resolver.Resolve(mc, proc, userBase, mm.AccessWrite, mm.Untrusted, nil).Status).To(Equal(Success))
			first := leafEntry(proc, userBase)
			before := frames.Stats()

			for i := 0; i < 3; i++ {
				Expect(resolver.Resolve(mc, proc, userBase, mm.AccessWrite, mm.Untrusted, nil).Status).To(Equal(Success))
			}

			Expect(leafEntry(proc, userBase)).To(Equal(first))
			Expect(frames.Stats()).To(Equal(before))
		})

		It("should only update the accessed and dirty bits of a resident page", func() {
			Expect(resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(Success))
			e := leafEntry(proc, userBase)
			Expect(e.Dirty).To(BeFalse())

			Expect(resolver.Resolve(mc, proc, userBase, mm.AccessWrite, mm.Untrusted, nil).Status).To(Equal(Success))
			after := leafEntry(proc, userBase)
			Expect(after.Frame).To(Equal(e.Frame))
			Expect(after.Dirty).To(BeTrue())
		})

		It("should never allow execution of a non-executable page", func() {
			Expect(resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(Success))

			res := resolver.Resolve(mc, proc, userBase, mm.AccessExecute, mm.Untrusted, nil)
			Expect(res.Status).To(Equal(AccessViolation))
		})

		It("should report frame exhaustion as a transient condition", func() {
			small, err := pfn.New(pfn.Config{Frames: 2, Colors: 1})
			Expect(err).To(BeNil())
			smallSystem, err := aspace.NewSystem(small, th)
			Expect(err).To(BeNil())
			smallProc, err := aspace.NewProcess("small", smallSystem, small, th)
			Expect(err).To(BeNil())
			mapRegion(smallProc, privateRegion(userBase, 1, mm.ReadWrite))

			r := New(smallSystem, small, section.NewRegistry(), mockPager, DefaultOptions())
			res := r.Resolve(mc, smallProc, userBase, mm.AccessRead, mm.Untrusted, nil)

			Expect(res.Status).To(Equal(Success))
			Expect(slept).To(Equal([]time.Duration{DefaultOptions().RetryDelay}))
		})

		It("should record the visited states", func() {
			tracer := &recordingTracer{}
			opts := DefaultOptions()
			opts.Tracer = tracer
			r := New(system, frames, segments, mockPager, opts)

			r.Resolve(mc, proc, userBase, mm.AccessWrite, mm.Untrusted, nil)

			Expect(tracer.records).To(HaveLen(1))
			rec := tracer.records[0]
			Expect(rec.Path()).To(Equal("START|USER_ADDRESS|LEVEL_MISSING|LEVEL_MISSING|LEVEL_MISSING|LEVEL_MISSING|ENTRY_DEMAND_ZERO|RESOLVED"))
			Expect(rec.Status).To(Equal("Success"))
			Expect(rec.FramesAllocated).To(Equal(4))
			Expect(rec.Space).To(Equal("proc"))
		})
	})

	Context("guard pages", func() {
		It("should strip the guard and hint at stack growth", func() {
			d := privateRegion(userBase, 2, mm.ReadWrite|mm.Guard)
			d.StackGrowthDown = true
			mapRegion(proc, d)

			res := resolver.Resolve(mc, proc, userBase+mm.PageSize, mm.AccessWrite, mm.Untrusted, nil)
			Expect(res.Status).To(Equal(GuardPageViolation))
			Expect(res.StackGrowthHint).To(BeTrue())
			Expect(leafEntry(proc, userBase+mm.PageSize)).To(Equal(vmm.DemandZeroEntry(mm.ReadWrite)))

			res = resolver.Resolve(mc, proc, userBase+mm.PageSize, mm.AccessWrite, mm.Untrusted, nil)
			Expect(res.Status).To(Equal(Success))
		})

		It("should not check protection of a guard page once the guard is gone", func() {
			mapRegion(proc, privateRegion(userBase, 1, mm.ReadOnly|mm.Guard))

			res := resolver.Resolve(mc, proc, userBase, mm.AccessWrite, mm.Untrusted, nil)
			Expect(res.Status).To(Equal(AccessViolation))
			Expect(res.StackGrowthHint).To(BeFalse())
		})
	})

	Context("reserved and no-access memory", func() {
		BeforeEach(func() {
			mapRegion(proc, privateRegion(userBase, 1, mm.ProtectNone))
		})

		It("should report uncommitted accesses from untrusted contexts", func() {
			res := resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil)
			Expect(res.Status).To(Equal(AccessViolation))
		})

		It("should crash on uncommitted accesses from trusted contexts even if pre-approved", func() {
			expectFatal(ErrUncommittedAccess, func() {
				resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Trusted, Trap{BenignAccessViolation: true})
			})
		})

		It("should crash on explicit no-access entries from trusted contexts", func() {
			mapRegion(proc, privateRegion(userBase+mm.PageSize, 1, mm.ReadWrite))
			Expect(resolver.Resolve(mc, proc, userBase+mm.PageSize, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(Success))
			storeLeaf(proc, userBase+mm.PageSize, vmm.NoAccessEntry())

			Expect(resolver.Resolve(mc, proc, userBase+mm.PageSize, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(AccessViolation))
			expectFatal(ErrUncommittedAccess, func() {
				resolver.Resolve(mc, proc, userBase+mm.PageSize, mm.AccessRead, mm.Trusted, nil)
			})
		})
	})

	Context("system range", func() {
		It("should resolve trusted faults in the shared system tables", func() {
			mapRegion(system, privateRegion(systemBase, 1, mm.ReadWrite|mm.KernelOnly))
			other := newProcess("other")

			res := resolver.Resolve(mc, proc, systemBase, mm.AccessWrite, mm.Trusted, nil)
			Expect(res.Status).To(Equal(Success))

			e := leafEntry(system, systemBase)
			Expect(e.State).To(Equal(vmm.StateValid))
			Expect(e.Protection).To(Equal(mm.ReadWrite | mm.KernelOnly))
			Expect(leafEntry(proc, systemBase)).To(Equal(e))
			Expect(leafEntry(other, systemBase)).To(Equal(e))

			Expect(resident(system, th, systemBase)).To(BeTrue())
			Expect(resident(proc, th, systemBase)).To(BeFalse())
		})

		It("should deny untrusted accesses to kernel-only user pages", func() {
			mapRegion(proc, privateRegion(userBase, 1, mm.ReadWrite|mm.KernelOnly))

			res := resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil)
			Expect(res.Status).To(Equal(AccessViolation))
		})
	})

	Context("elevated priority level", func() {
		BeforeEach(func() {
			mapRegion(proc, privateRegion(userBase, 2, mm.ReadWrite))
		})

		It("should crash when the page is not resident", func() {
			before := frames.Stats()

			old := th.Raise(irql.DispatchLevel)
			expectFatal(ErrIrqlNotLessOrEqual, func() {
				resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil)
			})
			th.Lower(old)

			Expect(frames.Stats()).To(Equal(before))
		})

		It("should crash when only the leaf entry is missing", func() {
			Expect(resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(Success))

			old := th.Raise(irql.DispatchLevel)
			expectFatal(ErrIrqlNotLessOrEqual, func() {
				resolver.Resolve(mc, proc, userBase+mm.PageSize, mm.AccessRead, mm.Untrusted, nil)
			})
			th.Lower(old)
		})

		It("should service resident pages without taking the working set lock", func() {
			Expect(resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(Success))

			old := th.Raise(irql.DispatchLevel)
			res := resolver.Resolve(mc, proc, userBase, mm.AccessWrite, mm.Untrusted, nil)
			th.Lower(old)

			Expect(res.Status).To(Equal(Success))
			e := leafEntry(proc, userBase)
			Expect(e.Dirty).To(BeTrue())
			Expect(frameEntry(frames, th, e.Frame).Modified).To(BeTrue())
		})

		It("should mark an already dirty page modified again", func() {
			Expect(resolver.Resolve(mc, proc, userBase, mm.AccessWrite, mm.Untrusted, nil).Status).To(Equal(Success))
			f := leafEntry(proc, userBase).Frame

			g := frames.Lock(th)
			g.SetModified(f, false)
			g.Unlock()

			old := th.Raise(irql.DispatchLevel)
			res := resolver.Resolve(mc, proc, userBase, mm.AccessWrite, mm.Untrusted, nil)
			th.Lower(old)

			Expect(res.Status).To(Equal(Success))
			Expect(frameEntry(frames, th, f).Modified).To(BeTrue())
		})

		It("should leave a resident page clean on a read", func() {
			Expect(resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(Success))
			f := leafEntry(proc, userBase).Frame

			old := th.Raise(irql.DispatchLevel)
			res := resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil)
			th.Lower(old)

			Expect(res.Status).To(Equal(Success))
			Expect(frameEntry(frames, th, f).Modified).To(BeFalse())
		})

		It("should print the entries of the faulting address", func() {
			var buf bytes.Buffer
			kfmt.SetOutputSink(&buf)
			defer kfmt.SetOutputSink(nil)

			old := th.Raise(irql.DispatchLevel)
			expectFatal(ErrIrqlNotLessOrEqual, func() {
				resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil)
			})
			th.Lower(old)

			Expect(buf.String()).To(ContainSubstring("[fault] states: START -> USER_ADDRESS -> FATAL"))
			Expect(buf.String()).To(ContainSubstring("[fault]   top: "))
		})
	})

	Context("lock discipline", func() {
		It("should crash when the thread already holds the working set lock", func() {
			mapRegion(proc, privateRegion(userBase, 1, mm.ReadWrite))

			g := proc.WorkingSet().Lock(th)
			expectFatal(ws.ErrReentrantLock, func() {
				resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil)
			})
			g.Unlock()
		})
	})

	Context("copy-on-write", func() {
		var (
			seg    *section.Segment
			other  *aspace.Space
			shared mm.Frame
		)

		BeforeEach(func() {
			var err *kernel.Error
			seg, err = segments.Create(section.Config{Name: "image", Pages: 1, Protection: mm.WriteCopy})
			Expect(err).To(BeNil())

			other = newProcess("other")
			mapRegion(proc, segmentRegion(userBase, seg, mm.WriteCopy))
			mapRegion(other, segmentRegion(userBase, seg, mm.WriteCopy))

			Expect(resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(Success))
			Expect(resolver.Resolve(mc, other, userBase, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(Success))

			shared = leafEntry(proc, userBase).Frame
			Expect(leafEntry(other, userBase).Frame).To(Equal(shared))
			Expect(frameEntry(frames, th, shared).ShareCount).To(BeEquivalentTo(2))
			frames.Contents(shared)[0] = 0xab
		})

		It("should copy the page exactly once for back-to-back writes", func() {
			before := frames.Stats()

			Expect(resolver.Resolve(mc, proc, userBase, mm.AccessWrite, mm.Untrusted, nil).Status).To(Equal(Success))
			Expect(resolver.Resolve(mc, proc, userBase, mm.AccessWrite, mm.Untrusted, nil).Status).To(Equal(Success))

			Expect(frames.Stats().Acquired - before.Acquired).To(BeEquivalentTo(1))

			private := leafEntry(proc, userBase)
			Expect(private.Frame).NotTo(Equal(shared))
			Expect(private.Protection).To(Equal(mm.ReadWrite))
			Expect(private.Dirty).To(BeTrue())
			Expect(frames.Contents(private.Frame)[0]).To(Equal(byte(0xab)))

			Expect(frameEntry(frames, th, shared).ShareCount).To(BeEquivalentTo(1))
			Expect(leafEntry(other, userBase).Frame).To(Equal(shared))
			expectConsistentShares(frames, th, proc, other)
		})

		It("should copy the page exactly once for concurrent writes", func() {
			before := frames.Stats()

			results := make(chan Result, 2)
			for i := 0; i < 2; i++ {
				go func() {
					defer GinkgoRecover()
					results <- resolver.Resolve(MmContext{Thread: thread.New()}, proc, userBase, mm.AccessWrite, mm.Untrusted, nil)
				}()
			}
			Expect((<-results).Status).To(Equal(Success))
			Expect((<-results).Status).To(Equal(Success))

			Expect(frames.Stats().Acquired - before.Acquired).To(BeEquivalentTo(1))
			Expect(leafEntry(proc, userBase).Protection).To(Equal(mm.ReadWrite))
			Expect(frameEntry(frames, th, shared).ShareCount).To(BeEquivalentTo(1))
		})

		It("should move the prototype frame to standby after its last mapping is copied", func() {
			Expect(resolver.Resolve(mc, proc, userBase, mm.AccessWrite, mm.Untrusted, nil).Status).To(Equal(Success))
			Expect(resolver.Resolve(mc, other, userBase, mm.AccessWrite, mm.Untrusted, nil).Status).To(Equal(Success))

			Expect(vmm.Unpack(seg.Load(0))).To(Equal(vmm.TransitionEntry(shared, mm.WriteCopy)))
			Expect(frameEntry(frames, th, shared).State).To(Equal(pfn.StateStandby))
			expectConsistentShares(frames, th, proc, other)
		})

		It("should take over a private frame instead of copying it", func() {
			mapRegion(proc, privateRegion(userBase+mm.PageSize, 1, mm.WriteCopy))
			va := userBase + mm.PageSize

			Expect(resolver.Resolve(mc, proc, va, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(Success))
			f := leafEntry(proc, va).Frame
			Expect(leafEntry(proc, va).Protection).To(Equal(mm.WriteCopy))

			before := frames.Stats()
			Expect(resolver.Resolve(mc, proc, va, mm.AccessWrite, mm.Untrusted, nil).Status).To(Equal(Success))

			Expect(frames.Stats().Acquired).To(Equal(before.Acquired))
			e := leafEntry(proc, va)
			Expect(e.Frame).To(Equal(f))
			Expect(e.Protection).To(Equal(mm.ReadWrite))
		})

		It("should crash on a copy-on-write fault at elevated level", func() {
			old := th.Raise(irql.DispatchLevel)
			expectFatal(ErrIrqlNotLessOrEqual, func() {
				resolver.Resolve(mc, proc, userBase, mm.AccessWrite, mm.Untrusted, nil)
			})
			th.Lower(old)
		})
	})

	Context("prototype pages backed by a file", func() {
		var (
			seg *section.Segment
			loc vmm.Location
		)

		BeforeEach(func() {
			var err *kernel.Error
			seg, err = segments.Create(section.Config{
				Name:       "data",
				Pages:      2,
				Protection: mm.ReadOnly,
				Backing:    vmm.Location{File: 1, Offset: 100},
			})
			Expect(err).To(BeNil())
			mapRegion(proc, segmentRegion(userBase, seg, mm.ReadOnly))
			loc = vmm.Location{File: 1, Offset: 101}
		})

		It("should retry a transient read error without surfacing it", func() {
			busy := &pager.IOError{Kind: pager.Transient, Op: "read", Loc: loc, Err: errors.New("device busy")}
			mockPager.EXPECT().ReadPage(gomock.Any(), loc, gomock.Any()).Return(busy).Times(1)
			before := frames.Stats()

			res := resolver.Resolve(mc, proc, userBase+mm.PageSize, mm.AccessRead, mm.Untrusted, nil)

			Expect(res.Status).To(Equal(Success))
			Expect(res.Err).To(BeNil())
			Expect(slept).To(Equal([]time.Duration{DefaultOptions().RetryDelay}))
			Expect(vmm.Unpack(seg.Load(1)).State).To(Equal(vmm.StatePageFile))
			Expect(leafEntry(proc, userBase+mm.PageSize).State).To(Equal(vmm.StateEmpty))

			// only the page tables stay allocated
			Expect(frames.Stats().Active).To(Equal(before.Active + 3))

			mockPager.EXPECT().ReadPage(gomock.Any(), loc, gomock.Any()).
				DoAndReturn(func(_ context.Context, _ vmm.Location, frame []byte) error {
					frame[0] = 0x5a
					return nil
				}).Times(1)

			res = resolver.Resolve(mc, proc, userBase+mm.PageSize, mm.AccessRead, mm.Untrusted, nil)
			Expect(res.Status).To(Equal(Success))

			e := leafEntry(proc, userBase+mm.PageSize)
			Expect(e.State).To(Equal(vmm.StateValid))
			Expect(e.Protection).To(Equal(mm.ReadOnly))
			Expect(frames.Contents(e.Frame)[0]).To(Equal(byte(0x5a)))

			fe := frameEntry(frames, th, e.Frame)
			Expect(fe.Prototype).To(BeTrue())
			Expect(fe.ShareCount).To(BeEquivalentTo(1))
			Expect(fe.ReadInProgress).To(BeFalse())
			Expect(vmm.Unpack(seg.Load(1)).Frame).To(Equal(e.Frame))
		})

		It("should report a permanent read error as an in-page error", func() {
			lost := &pager.IOError{Kind: pager.Permanent, Op: "read", Loc: loc, Err: errors.New("bad sector")}
			mockPager.EXPECT().ReadPage(gomock.Any(), loc, gomock.Any()).Return(lost).Times(1)

			res := resolver.Resolve(mc, proc, userBase+mm.PageSize, mm.AccessRead, mm.Untrusted, nil)

			Expect(res.Status).To(Equal(InPageError))
			Expect(res.Err).To(MatchError(lost))
			Expect(slept).To(BeEmpty())
			Expect(vmm.Unpack(seg.Load(1)).State).To(Equal(vmm.StatePageFile))
		})

		It("should deny writes to a read-only mapping before reading the page", func() {
			res := resolver.Resolve(mc, proc, userBase, mm.AccessWrite, mm.Untrusted, nil)
			Expect(res.Status).To(Equal(AccessViolation))
		})

		It("should let a collided fault wait for the read in progress", func() {
			other := newProcess("other")
			mapRegion(other, segmentRegion(userBase, seg, mm.ReadOnly))

			origWait := waitFn
			DeferCleanup(func() { waitFn = origWait })

			waiting := make(chan struct{})
			waitFn = func(done <-chan struct{}) {
				close(waiting)
				<-done
			}

			first := vmm.Location{File: 1, Offset: 100}
			finished := make(chan struct{})
			var second Result

			mockPager.EXPECT().ReadPage(gomock.Any(), first, gomock.Any()).
				DoAndReturn(func(_ context.Context, _ vmm.Location, frame []byte) error {
					go func() {
						defer GinkgoRecover()
						second = resolver.Resolve(MmContext{Thread: thread.New()}, other, userBase, mm.AccessRead, mm.Untrusted, nil)
						close(finished)
					}()
					<-waiting
					frame[0] = 0x42
					return nil
				}).Times(1)

			res := resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil)
			Eventually(finished).Should(BeClosed())

			Expect(res.Status).To(Equal(Success))
			Expect(second.Status).To(Equal(Success))

			f := leafEntry(proc, userBase).Frame
			Expect(leafEntry(other, userBase).Frame).To(Equal(f))
			Expect(frames.Contents(f)[0]).To(Equal(byte(0x42)))
			Expect(frameEntry(frames, th, f).ShareCount).To(BeEquivalentTo(2))
			expectConsistentShares(frames, th, proc, other)
		})
	})

	Context("private pages in the page file", func() {
		It("should read the page back into a new frame", func() {
			mapRegion(proc, privateRegion(userBase, 2, mm.ReadWrite))
			Expect(resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(Success))

			loc := vmm.Location{File: 0, Offset: 7}
			storeLeaf(proc, userBase+mm.PageSize, vmm.PageFileEntry(loc, mm.ReadWrite))

			mockPager.EXPECT().ReadPage(gomock.Any(), loc, gomock.Any()).
				DoAndReturn(func(_ context.Context, _ vmm.Location, frame []byte) error {
					copy(frame, "paged out")
					return nil
				}).Times(1)

			res := resolver.Resolve(mc, proc, userBase+mm.PageSize, mm.AccessWrite, mm.Untrusted, nil)
			Expect(res.Status).To(Equal(Success))

			e := leafEntry(proc, userBase+mm.PageSize)
			Expect(e.State).To(Equal(vmm.StateValid))
			Expect(e.Dirty).To(BeTrue())
			Expect(string(frames.Contents(e.Frame)[:9])).To(Equal("paged out"))
			Expect(frameEntry(frames, th, e.Frame).OriginalPte).To(Equal(uint64(vmm.Pack(vmm.PageFileEntry(loc, mm.ReadWrite)))))
		})
	})

	Context("trimmed pages", func() {
		It("should make a private transition page valid again without I/O", func() {
			mapRegion(proc, privateRegion(userBase, 1, mm.ReadWrite))
			Expect(resolver.Resolve(mc, proc, userBase, mm.AccessWrite, mm.Untrusted, nil).Status).To(Equal(Success))
			f := leafEntry(proc, userBase).Frame

			Expect(resolver.Trim(mc, proc, userBase)).To(BeTrue())
			Expect(leafEntry(proc, userBase)).To(Equal(vmm.TransitionEntry(f, mm.ReadWrite)))
			Expect(frames.Stats().Modified).To(Equal(1))
			Expect(resident(proc, th, userBase)).To(BeFalse())
			Expect(resolver.Trim(mc, proc, userBase)).To(BeFalse())

			before := frames.Stats()
			Expect(resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(Success))

			e := leafEntry(proc, userBase)
			Expect(e.State).To(Equal(vmm.StateValid))
			Expect(e.Frame).To(Equal(f))
			Expect(frames.Stats().Acquired).To(Equal(before.Acquired))
			Expect(frames.Stats().Modified).To(Equal(0))
			Expect(resident(proc, th, userBase)).To(BeTrue())
		})

		It("should revert prototype mappings and keep the prototype frame on standby", func() {
			seg, err := segments.Create(section.Config{Name: "shared", Pages: 1, Protection: mm.ReadOnly})
			Expect(err).To(BeNil())
			mapRegion(proc, segmentRegion(userBase, seg, mm.ReadOnly))

			Expect(resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(Success))
			f := leafEntry(proc, userBase).Frame

			Expect(resolver.Trim(mc, proc, userBase)).To(BeTrue())
			Expect(leafEntry(proc, userBase)).To(Equal(vmm.PrototypeEntry(seg.Ref(0), mm.ReadOnly)))
			Expect(vmm.Unpack(seg.Load(0))).To(Equal(vmm.TransitionEntry(f, mm.ReadOnly)))
			Expect(frames.Stats().Standby).To(Equal(1))

			Expect(resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(Success))
			Expect(leafEntry(proc, userBase).Frame).To(Equal(f))
			Expect(vmm.Unpack(seg.Load(0)).State).To(Equal(vmm.StateValid))
			Expect(frames.Stats().Standby).To(Equal(0))
		})

		It("should refuse to trim a table that still maps pages", func() {
			mapRegion(proc, privateRegion(userBase, 1, mm.ReadWrite))
			Expect(resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(Success))

			Expect(resolver.TrimTable(mc, proc, userBase)).To(BeFalse())

			Expect(resolver.Trim(mc, proc, userBase)).To(BeTrue())
			Expect(resolver.TrimTable(mc, proc, userBase)).To(BeFalse())
			Expect(leafEntry(proc, userBase).State).To(Equal(vmm.StateTransition))
		})

		Context("with an empty page table", func() {
			var (
				dir   vmm.EntryHandle
				table mm.Frame
			)

			BeforeEach(func() {
				// the walk builds the tables before the leaf is denied
				mapRegion(proc, privateRegion(userBase, 1, mm.ReadWrite|mm.KernelOnly))
				Expect(resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(AccessViolation))
				Expect(leafEntry(proc, userBase).State).To(Equal(vmm.StateEmpty))

				dir = vmm.Locate(userBase, vmm.LevelDirectory)
				pte, err := proc.Tables().Load(dir)
				Expect(err).To(BeNil())
				table = pte.Frame()

				Expect(resolver.TrimTable(mc, proc, userBase)).To(BeTrue())
				Expect(resolver.TrimTable(mc, proc, userBase)).To(BeFalse())
			})

			It("should revalidate the trimmed table without allocating", func() {
				pte, err := proc.Tables().Load(dir)
				Expect(err).To(BeNil())
				Expect(vmm.Unpack(pte)).To(Equal(vmm.TransitionEntry(table, mm.ReadWrite)))
				Expect(frames.Stats().Standby).To(Equal(1))
				Expect(frames.Stats().Modified).To(Equal(0))

				before := frames.Stats()
				Expect(resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(AccessViolation))

				pte, err = proc.Tables().Load(dir)
				Expect(err).To(BeNil())
				Expect(pte.IsValid()).To(BeTrue())
				Expect(pte.Frame()).To(Equal(table))
				Expect(frames.Stats().Acquired).To(Equal(before.Acquired))
				Expect(frames.Stats().Standby).To(Equal(0))
				Expect(frameEntry(frames, th, table).ShareCount).To(BeEquivalentTo(1))
			})

			It("should restore an empty directory entry once the table frame is reused", func() {
				exhaust(frames, th)

				pte, err := proc.Tables().Load(dir)
				Expect(err).To(BeNil())
				Expect(vmm.Unpack(pte).State).To(Equal(vmm.StateEmpty))
				Expect(frames.Stats().Repurposed).To(BeEquivalentTo(1))

				mapRegion(proc, privateRegion(userBase+mm.PageSize, 1, mm.ReadWrite))
				Expect(resolver.Resolve(mc, proc, userBase+mm.PageSize, mm.AccessWrite, mm.Untrusted, nil).Status).To(Equal(Success))
				Expect(leafEntry(proc, userBase+mm.PageSize).State).To(Equal(vmm.StateValid))
			})
		})

		It("should crash when the entry of a repurposed frame cannot be restored", func() {
			// the space is tracked but has no tables yet
			Expect(resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(AccessViolation))
			owner := pfn.Owner{Space: proc.ID(), Addr: userBase, Level: uint8(vmm.LevelLeaf)}

			var recovered interface{}
			func() {
				defer func() { recovered = recover() }()

				g := frames.Lock(th)
				defer g.Unlock()
				resolver.repurpose(g, 1, owner, false, uint64(vmm.Pack(vmm.DemandZeroEntry(mm.ReadWrite))))
			}()

			err, ok := recovered.(*kernel.Error)
			Expect(ok).To(BeTrue())
			Expect(errors.Is(err, ErrCorruptEntry)).To(BeTrue())
			Expect(errors.Is(err, vmm.ErrParentNotPresent)).To(BeTrue())
		})

		It("should crash when a repurposed frame is not referenced by its owner", func() {
			mapRegion(proc, privateRegion(userBase, 1, mm.ReadWrite))
			Expect(resolver.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(Success))
			e := leafEntry(proc, userBase)
			owner := pfn.Owner{Space: proc.ID(), Addr: userBase, Level: uint8(vmm.LevelLeaf)}

			expectFatal(ErrCorruptEntry, func() {
				g := frames.Lock(th)
				defer g.Unlock()
				resolver.repurpose(g, e.Frame, owner, false, 0)
			})
			Expect(leafEntry(proc, userBase)).To(Equal(e))
		})
	})

	Context("modified page writer", func() {
		var (
			store *pager.MemoryStore
			r     *Resolver
		)

		BeforeEach(func() {
			store = pager.NewMemoryStore()
			r = New(system, frames, segments, store, DefaultOptions())
		})

		It("should page a private page out and back in", func() {
			mapRegion(proc, privateRegion(userBase, 1, mm.ReadWrite))
			Expect(r.Resolve(mc, proc, userBase, mm.AccessWrite, mm.Untrusted, nil).Status).To(Equal(Success))
			frames.Contents(leafEntry(proc, userBase).Frame)[7] = 0x77

			Expect(r.Trim(mc, proc, userBase)).To(BeTrue())

			written, err := r.WriteModified(mc, pager.NewSlots(0, 16), 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(written).To(Equal(1))
			Expect(store.Writes()).To(Equal(1))
			Expect(frames.Stats().Modified).To(Equal(0))
			Expect(frames.Stats().Standby).To(Equal(1))

			exhaust(frames, th)

			slot := vmm.Location{File: 0, Offset: 1}
			Expect(leafEntry(proc, userBase)).To(Equal(vmm.PageFileEntry(slot, mm.ReadWrite)))
			data, ok := store.Get(slot)
			Expect(ok).To(BeTrue())
			Expect(data[7]).To(Equal(byte(0x77)))

			Expect(r.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(Success))
			e := leafEntry(proc, userBase)
			Expect(e.State).To(Equal(vmm.StateValid))
			Expect(frames.Contents(e.Frame)[7]).To(Equal(byte(0x77)))
			Expect(store.Reads()).To(Equal(1))
		})

		It("should restore demand-zero prototypes of repurposed clean frames", func() {
			seg, kerr := segments.Create(section.Config{Name: "scratch", Pages: 1, Protection: mm.ReadOnly})
			Expect(kerr).To(BeNil())
			mapRegion(proc, segmentRegion(userBase, seg, mm.ReadOnly))

			Expect(r.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(Success))
			Expect(r.Trim(mc, proc, userBase)).To(BeTrue())

			exhaust(frames, th)

			Expect(vmm.Unpack(seg.Load(0))).To(Equal(vmm.DemandZeroEntry(mm.ReadOnly)))
			Expect(frames.Stats().Repurposed).To(BeEquivalentTo(1))
		})

		It("should page a page table out and back in", func() {
			mapRegion(proc, privateRegion(userBase, 1, mm.ReadWrite))
			Expect(r.Resolve(mc, proc, userBase, mm.AccessWrite, mm.Untrusted, nil).Status).To(Equal(Success))
			frames.Contents(leafEntry(proc, userBase).Frame)[3] = 0x33

			slots := pager.NewSlots(0, 16)
			Expect(r.Trim(mc, proc, userBase)).To(BeTrue())
			_, err := r.WriteModified(mc, slots, 10)
			Expect(err).NotTo(HaveOccurred())
			exhaust(frames, th)
			Expect(leafEntry(proc, userBase).State).To(Equal(vmm.StatePageFile))

			dir := vmm.Locate(userBase, vmm.LevelDirectory)
			Expect(r.TrimTable(mc, proc, userBase)).To(BeTrue())
			Expect(frames.Stats().Modified).To(Equal(1))

			written, err := r.WriteModified(mc, slots, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(written).To(Equal(1))
			exhaust(frames, th)

			pte, kerr := proc.Tables().Load(dir)
			Expect(kerr).To(BeNil())
			Expect(vmm.Unpack(pte).State).To(Equal(vmm.StatePageFile))
			Expect(vmm.Unpack(pte).Protection).To(Equal(mm.ReadWrite))
			Expect(store.Writes()).To(Equal(2))

			Expect(r.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(Success))
			Expect(store.Reads()).To(Equal(2))

			pte, kerr = proc.Tables().Load(dir)
			Expect(kerr).To(BeNil())
			Expect(pte.IsValid()).To(BeTrue())

			e := leafEntry(proc, userBase)
			Expect(e.State).To(Equal(vmm.StateValid))
			Expect(frames.Contents(e.Frame)[3]).To(Equal(byte(0x33)))
			expectConsistentShares(frames, th, proc)
		})

		It("should keep a non-empty trimmed table modified without a page file", func() {
			mapRegion(proc, privateRegion(userBase, 1, mm.ReadWrite))
			Expect(r.Resolve(mc, proc, userBase, mm.AccessRead, mm.Untrusted, nil).Status).To(Equal(Success))
			storeLeaf(proc, userBase+mm.PageSize, vmm.PageFileEntry(vmm.Location{File: 0, Offset: 9}, mm.ReadWrite))
			Expect(r.Trim(mc, proc, userBase)).To(BeTrue())
			exhaust(frames, th)

			Expect(r.TrimTable(mc, proc, userBase)).To(BeTrue())

			written, err := r.WriteModified(mc, nil, 10)
			Expect(err).To(MatchError(errNoPageFile))
			Expect(written).To(Equal(0))
			Expect(frames.Stats().Modified).To(Equal(1))

			exhaust(frames, th)
			pte, kerr := proc.Tables().Load(vmm.Locate(userBase, vmm.LevelDirectory))
			Expect(kerr).To(BeNil())
			Expect(vmm.Unpack(pte).State).To(Equal(vmm.StateTransition))
		})

		It("should keep a frame modified when its write fails", func() {
			failing := NewMockPager(mockCtrl)
			r = New(system, frames, segments, failing, DefaultOptions())
			failing.EXPECT().WritePage(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("disk full")).Times(1)

			mapRegion(proc, privateRegion(userBase, 1, mm.ReadWrite))
			Expect(r.Resolve(mc, proc, userBase, mm.AccessWrite, mm.Untrusted, nil).Status).To(Equal(Success))
			Expect(r.Trim(mc, proc, userBase)).To(BeTrue())

			written, err := r.WriteModified(mc, pager.NewSlots(0, 16), 10)
			Expect(err).To(MatchError("disk full"))
			Expect(written).To(Equal(0))
			Expect(frames.Stats().Modified).To(Equal(1))
		})
	})
})
