// Package sync provides the spinlock used to guard the memory core's short
// critical sections. Code holding a Spinlock may run with interrupts disabled
// or from within the scheduler so it must never block.
package sync

import "sync/atomic"

// spinAttempts is the number of acquisition attempts made before invoking
// yieldFn (if set).
const spinAttempts = 64

var (
	// yieldFn is invoked by Acquire after spinAttempts failed attempts. It
	// is nil while the kernel runs without a scheduler; tests substitute
	// runtime.Gosched.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, spinAttempts)
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

// archAcquireSpinlock spins on a test-and-test-and-set loop so contending
// cores only write to the lock word when it looks free.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for {
		for attempt := uint32(0); attempt < attemptsBeforeYielding; attempt++ {
			if atomic.LoadUint32(state) == 0 && atomic.CompareAndSwapUint32(state, 0, 1) {
				return
			}
		}

		if yieldFn != nil {
			yieldFn()
		}
	}
}
