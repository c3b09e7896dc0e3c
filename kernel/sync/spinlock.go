// Package sync provides synchronization primitive implementations for spinlocks
// and interrupt-safe spinlocks.
package sync

import (
	"runtime"
	"sync/atomic"

	"github.com/gmelodie/cruzos/kernel/cpu"
	syscpu "golang.org/x/sys/cpu"
)

// attemptsBeforeYielding is the number of failed acquisition attempts after
// which a spinning task yields its time slice.
const attemptsBeforeYielding = 64

var (
	// yieldFn is invoked by spinning tasks. Tests may replace it.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
	_     syscpu.CacheLinePad
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempt := uint32(1); ; attempt++ {
		if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}

		if attempt%attemptsBeforeYielding == 0 {
			yieldFn()
		}
	}
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

// IRQSpinlock is a Spinlock that masks interrupt delivery on its CPU for as
// long as it is held. An interrupt handler can therefore never run on top of
// the critical section it protects, so handlers may safely call into code
// guarded by an IRQSpinlock.
type IRQSpinlock struct {
	cpu  *cpu.CPU
	lock Spinlock
}

// NewIRQSpinlock returns a lock that masks interrupts on c. A nil c yields a
// lock that behaves like a plain Spinlock.
func NewIRQSpinlock(c *cpu.CPU) *IRQSpinlock {
	return &IRQSpinlock{cpu: c}
}

// Acquire masks interrupts and then blocks until the lock is acquired.
func (l *IRQSpinlock) Acquire() {
	if l.cpu != nil {
		l.cpu.PushInterruptsOff()
	}
	l.lock.Acquire()
}

// Release relinquishes the lock and unmasks interrupts. Interrupts raised
// while the lock was held are delivered once the outermost mask is removed.
func (l *IRQSpinlock) Release() {
	l.lock.Release()
	if l.cpu != nil {
		l.cpu.PopInterruptsOff()
	}
}
