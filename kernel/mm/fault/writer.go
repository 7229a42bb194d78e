package fault

import (
	"vmfault/kernel"
	"vmfault/kernel/mm/pager"
	"vmfault/kernel/mm/vmm"
)

// WriteModified writes up to max frames from the modified list to backing
// storage and returns the number of frames written. Frames whose content
// has no backing location yet get a page file slot from slots. Written
// frames move to the standby list unless they were dirtied again while the
// write was in flight.
func (r *Resolver) WriteModified(mc MmContext, slots *pager.Slots, max int) (int, error) {
	written := 0

	for written < max {
		g := r.frames.Lock(mc.Thread)
		frame, ok := g.NextModified()
		if !ok {
			g.Unlock()
			break
		}

		orig := vmm.Unpack(vmm.PageTableEntry(g.Entry(frame).OriginalPte))
		loc := orig.Location
		if orig.State != vmm.StatePageFile {
			if slots == nil {
				g.Unlock()
				return written, errNoPageFile
			}

			var err *kernel.Error
			if loc, err = slots.Allocate(); err != nil {
				g.Unlock()
				return written, err
			}
			g.SetOriginalPte(frame, uint64(vmm.Pack(vmm.PageFileEntry(loc, orig.Protection))))
		}
		g.BeginWrite(frame)
		g.Unlock()

		ioErr := r.pager.WritePage(mc.context(), loc, r.frames.Contents(frame))

		g = r.frames.Lock(mc.Thread)
		g.EndWrite(frame, ioErr == nil)
		g.Unlock()

		if ioErr != nil {
			r.log.Warn("modified page write failed", "frame", frame, "loc", loc, "err", ioErr)
			return written, ioErr
		}
		written++
	}

	return written, nil
}
