// Package sync provides synchronization primitive implementations for
// spinlocks.
package sync

import (
	"runtime"
	"sync/atomic"
)

const (
	// attemptsBeforeYielding is the number of failed acquisition attempts
	// after which a spinning task yields the processor.
	attemptsBeforeYielding = 64
)

var (
	// yieldFn is invoked by a spinning task after attemptsBeforeYielding
	// failed attempts. Tests override it to count contention.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. Critical sections protected by a Spinlock
// must be short and must never block.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	acquireSpinlock(&l.state, attemptsBeforeYielding)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Held returns true if the lock is currently held by some task.
func (l *Spinlock) Held() bool {
	return atomic.LoadUint32(&l.state) != 0
}

// acquireSpinlock spins on state using a test-and-test-and-set loop, yielding
// every attemptsBeforeYielding failed attempts.
func acquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for attempts := uint32(0); ; attempts++ {
		if atomic.LoadUint32(state) == 0 && atomic.CompareAndSwapUint32(state, 0, 1) {
			return
		}

		if attempts == attemptsBeforeYielding {
			yieldFn()
			attempts = 0
		}
	}
}
