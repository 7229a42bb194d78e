package pfn

import (
	"vmfault/kernel"
	"vmfault/kernel/irql"
	"vmfault/kernel/kfmt"
	"vmfault/kernel/mm"
	"vmfault/kernel/thread"
)

// Guard is proof that the frame table lock is held. Every frame state
// mutation goes through a Guard.
type Guard struct {
	ft       *FrameTable
	t        *thread.Thread
	oldLevel irql.Level
}

// Unlock releases the frame table lock and restores the priority level the
// thread had when it called Lock.
func (g *Guard) Unlock() {
	ft := g.live()
	g.ft = nil

	ft.holder.Store(0)
	ft.lock.Release()
	g.t.Lower(g.oldLevel)
}

// Entry returns a copy of the frame table entry for f.
func (g *Guard) Entry(f mm.Frame) Entry {
	ft := g.live()
	ft.checkFrame(f)
	return ft.entries[f]
}

// Acquire removes a frame from the zeroed, free or standby lists and marks
// it active. Frames with the requested color are preferred. The returned
// flag is true if the frame is known to be zero-filled. Acquire returns
// ErrNoFreeFrames if no frame can be found.
func (g *Guard) Acquire(color uint32) (mm.Frame, bool, *kernel.Error) {
	ft := g.live()
	preferred := int(color) % ft.colors

	for c := 0; c < ft.colors; c++ {
		if f := ft.zeroed[(preferred+c)%ft.colors].popFront(ft.entries); f.Valid() {
			ft.activate(f)
			return f, true, nil
		}
	}

	for c := 0; c < ft.colors; c++ {
		if f := ft.free[(preferred+c)%ft.colors].popFront(ft.entries); f.Valid() {
			ft.activate(f)
			return f, false, nil
		}
	}

	if ft.onRepurpose != nil {
		if f := ft.standby.popFront(ft.entries); f.Valid() {
			e := ft.entries[f]
			ft.onRepurpose(g, f, e.Owner, e.Prototype, e.OriginalPte)
			ft.repurposed++
			ft.activate(f)
			ft.log.Debug("repurposed standby frame", "frame", f, "owner_space", e.Owner.Space, "owner_addr", e.Owner.Addr)
			return f, false, nil
		}
	}

	return mm.InvalidFrame, false, ErrNoFreeFrames
}

// Initialize binds an acquired frame to the entry that will map it and sets
// its share count to one.
func (g *Guard) Initialize(f mm.Frame, owner Owner, originalPte uint64, prototype bool) {
	e := g.active(f)
	e.Owner = owner
	e.OriginalPte = originalPte
	e.Prototype = prototype
	e.ShareCount = 1
	e.Modified = false
	e.CacheAttribute = CacheWriteBack
}

// SetOriginalPte replaces the entry snapshot used to rebuild the owner
// when the frame is repurposed.
func (g *Guard) SetOriginalPte(f mm.Frame, originalPte uint64) {
	ft := g.live()
	ft.checkFrame(f)
	ft.entries[f].OriginalPte = originalPte
}

// SetCacheAttribute records the cache attribute of the mapping.
func (g *Guard) SetCacheAttribute(f mm.Frame, attr CacheAttribute) {
	g.active(f).CacheAttribute = attr
}

// AddShare records an additional valid entry mapping f and returns the new
// share count.
func (g *Guard) AddShare(f mm.Frame) uint32 {
	e := g.active(f)
	e.ShareCount++
	return e.ShareCount
}

// RemoveShare drops a valid entry mapping f and returns the remaining share
// count. Once the count reaches zero the caller must either Release the
// frame or move it to a reclaim list with InsertStandby.
func (g *Guard) RemoveShare(f mm.Frame) uint32 {
	e := g.active(f)
	if e.ShareCount == 0 {
		kfmt.Panic(ErrFrameState)
	}
	e.ShareCount--
	return e.ShareCount
}

// Release returns an unshared active frame to the free list.
func (g *Guard) Release(f mm.Frame) {
	ft := g.live()
	e := g.active(f)
	if e.ShareCount != 0 {
		kfmt.Panic(ErrFrameStillShared)
	}

	e.Owner = Owner{}
	e.OriginalPte = 0
	e.Prototype = false
	e.Modified = false
	e.State = StateFree
	ft.free[e.Color].pushBack(ft.entries, f)
	ft.released++
}

// InsertStandby moves an unshared active frame to the standby list, or to
// the modified list if its content has not been written back yet. The owner
// is expected to turn its entry into a transition entry.
func (g *Guard) InsertStandby(f mm.Frame) {
	ft := g.live()
	e := g.active(f)
	if e.ShareCount != 0 {
		kfmt.Panic(ErrFrameStillShared)
	}

	if e.Modified {
		e.State = StateModified
		ft.modified.pushBack(ft.entries, f)
		return
	}
	e.State = StateStandby
	ft.standby.pushBack(ft.entries, f)
}

// RemoveStandby takes a frame off the standby or modified list so a
// transition entry can be made valid again. The share count is left at zero;
// callers follow up with AddShare.
func (g *Guard) RemoveStandby(f mm.Frame) {
	ft := g.live()
	ft.checkFrame(f)

	e := &ft.entries[f]
	switch e.State {
	case StateStandby:
		ft.standby.remove(ft.entries, f)
	case StateModified:
		ft.modified.remove(ft.entries, f)
	default:
		kfmt.Panic(ErrFrameState)
	}
	e.State = StateActive
}

// BeginRead flags f as the target of an in-progress read. Other faulters
// that find the flag set wait on ReadEvent instead of issuing a second read.
func (g *Guard) BeginRead(f mm.Frame) {
	e := g.active(f)
	if e.ReadInProgress {
		kfmt.Panic(ErrFrameState)
	}
	e.ReadInProgress = true
	e.readDone = make(chan struct{})
}

// EndRead clears the in-progress flag and wakes up collided faulters.
func (g *Guard) EndRead(f mm.Frame) {
	ft := g.live()
	ft.checkFrame(f)

	e := &ft.entries[f]
	if !e.ReadInProgress {
		kfmt.Panic(ErrFrameState)
	}
	e.ReadInProgress = false
	close(e.readDone)
	e.readDone = nil
}

// ReadEvent returns a channel that is closed when the in-progress read of f
// completes, or nil if no read is in progress. The channel must only be
// waited on after the guard is unlocked.
func (g *Guard) ReadEvent(f mm.Frame) <-chan struct{} {
	ft := g.live()
	ft.checkFrame(f)
	return ft.entries[f].readDone
}

// SetModified updates the modified flag of f.
func (g *Guard) SetModified(f mm.Frame, modified bool) {
	ft := g.live()
	ft.checkFrame(f)
	ft.entries[f].Modified = modified
}

// NextModified returns the first frame on the modified list that is not
// already being written.
func (g *Guard) NextModified() (mm.Frame, bool) {
	ft := g.live()
	for f := ft.modified.head; f.Valid(); f = ft.entries[f].next {
		if !ft.entries[f].WriteInProgress {
			return f, true
		}
	}
	return mm.InvalidFrame, false
}

// BeginWrite marks f as being written to backing storage. The modified flag
// is cleared so writes that race with the page-out set it again.
func (g *Guard) BeginWrite(f mm.Frame) {
	ft := g.live()
	ft.checkFrame(f)

	e := &ft.entries[f]
	if e.WriteInProgress {
		kfmt.Panic(ErrFrameState)
	}
	e.WriteInProgress = true
	e.Modified = false
}

// EndWrite completes a write started with BeginWrite. A failed write marks
// the frame modified again. A frame still sitting on the modified list that
// was not dirtied during the write moves to the standby list.
func (g *Guard) EndWrite(f mm.Frame, ok bool) {
	ft := g.live()
	ft.checkFrame(f)

	e := &ft.entries[f]
	if !e.WriteInProgress {
		kfmt.Panic(ErrFrameState)
	}
	e.WriteInProgress = false
	if !ok {
		e.Modified = true
	}

	if e.State == StateModified && !e.Modified {
		ft.modified.remove(ft.entries, f)
		e.State = StateStandby
		ft.standby.pushBack(ft.entries, f)
	}
}

func (g *Guard) live() *FrameTable {
	if g.ft == nil {
		kfmt.Panic(ErrGuardReleased)
	}
	return g.ft
}

func (g *Guard) active(f mm.Frame) *Entry {
	ft := g.live()
	ft.checkFrame(f)

	e := &ft.entries[f]
	if e.State != StateActive {
		kfmt.Panic(ErrFrameState)
	}
	return e
}

// activate marks a frame that was just unlinked from a list as active.
func (ft *FrameTable) activate(f mm.Frame) {
	e := &ft.entries[f]
	e.State = StateActive
	e.Owner = Owner{}
	e.OriginalPte = 0
	e.ShareCount = 0
	e.Prototype = false
	e.Modified = false
	ft.acquired++
}
