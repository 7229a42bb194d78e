// Package thread models the identity and execution priority of the thread
// on whose stack a memory-management operation runs.
package thread

import (
	"sync/atomic"

	"vmfault/kernel"
	"vmfault/kernel/irql"
	"vmfault/kernel/kfmt"
)

// ID identifies a thread. The zero ID never refers to a live thread and is
// used by locks to mark themselves as unowned.
type ID uint64

var (
	nextID uint64

	errLowerAboveCurrent = &kernel.Error{Module: "thread", Message: "attempt to lower priority level above the current level"}
	errRaiseBelowCurrent = &kernel.Error{Module: "thread", Message: "attempt to raise priority level below the current level"}
)

// Thread is the execution context of a faulting access. A Thread value must
// only be used by the goroutine that models it.
type Thread struct {
	id    ID
	level atomic.Uint32
}

// New returns a new thread running at PassiveLevel.
func New() *Thread {
	return &Thread{id: ID(atomic.AddUint64(&nextID, 1))}
}

// ID returns the thread identifier.
func (t *Thread) ID() ID {
	return t.id
}

// Level returns the current priority level of the thread.
func (t *Thread) Level() irql.Level {
	return irql.Level(t.level.Load())
}

// Raise raises the priority level to newLevel and returns the previous
// level. Raising to a level below the current one is fatal.
func (t *Thread) Raise(newLevel irql.Level) irql.Level {
	old := t.Level()
	if newLevel < old {
		kfmt.Panic(errRaiseBelowCurrent)
	}
	t.level.Store(uint32(newLevel))
	return old
}

// Lower restores the priority level to oldLevel, typically the value
// returned by a previous call to Raise. Lowering to a level above the
// current one is fatal.
func (t *Thread) Lower(oldLevel irql.Level) {
	if oldLevel > t.Level() {
		kfmt.Panic(errLowerAboveCurrent)
	}
	t.level.Store(uint32(oldLevel))
}
