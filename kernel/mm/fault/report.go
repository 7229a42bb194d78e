package fault

import (
	"fmt"
	"strings"
	"time"

	"vmfault/kernel/kfmt"
	"vmfault/kernel/mm/trace"
	"vmfault/kernel/mm/vmm"
)

// abort reports an unrecoverable fault and halts. It never returns.
func (f *fault) abort() {
	f.log.Error("unrecoverable fault", "err", f.fatal, "access", f.access, "privilege", f.priv, "level", f.mc.Thread.Level())
	f.dump()
	f.emit("Fatal")

	f.unlockWorkingSet()
	kfmt.Panic(f.fatal)
}

// dump prints the fault context and the entries translating the address
// at every level.
func (f *fault) dump() {
	w := &kfmt.PrefixWriter{Sink: kfmt.Output(), Prefix: []byte("[fault] ")}

	fmt.Fprintf(w, "%s access to %#x from %s context in %s\n", f.access, f.va, f.priv, f.space.Name())
	fmt.Fprintf(w, "thread %d running at %s\n", f.mc.Thread.ID(), f.mc.Thread.Level())
	fmt.Fprintf(w, "states: %s\n", strings.Join(f.states, " -> "))

	if f.tables == nil || !vmm.IsCanonical(f.va) {
		return
	}
	for level := vmm.LevelTop; level <= vmm.LevelLeaf; level++ {
		h := vmm.Locate(f.va, level)
		pte, err := f.tables.Load(h)
		if err != nil {
			fmt.Fprintf(w, "  %s: %s\n", level, err.Message)
			return
		}
		fmt.Fprintf(w, "  %s: %#016x %s\n", level, uint64(pte), vmm.Unpack(pte))
	}
}

// emit hands the fault record to the configured tracer.
func (f *fault) emit(status string) {
	if f.r.opts.Tracer == nil {
		return
	}

	rec := trace.NewRecord()
	rec.Space = f.space.Name()
	rec.Address = f.va
	rec.Access = f.access.String()
	rec.Privilege = f.priv.String()
	rec.States = f.states
	rec.Status = status
	rec.FramesAllocated = f.frames
	rec.Reads = f.reads
	rec.Copies = f.copies
	rec.Start = f.began
	rec.End = time.Now()

	f.r.opts.Tracer.Write(rec)
}
