package heap

import (
	"github.com/gmelodie/cruzos/kernel"
	"github.com/gmelodie/cruzos/kernel/cpu"
	"github.com/gmelodie/cruzos/kernel/mm"
	"github.com/gmelodie/cruzos/kernel/sync"
)

// BumpAllocator hands out blocks by advancing a cursor through the arena.
// Individual blocks are never reused; the arena is only reclaimed once every
// block has been freed.
type BumpAllocator struct {
	HookableBase

	lock *sync.IRQSpinlock

	start, end  uintptr
	next        uintptr
	allocations uint64

	haltErr *kernel.Error
}

// NewBumpAllocator returns a bump allocator for the arena [start,
// start+size).
func NewBumpAllocator(c *cpu.CPU, start, size uintptr) (*BumpAllocator, *kernel.Error) {
	if err := checkArena(start, size); err != nil {
		return nil, err
	}

	return &BumpAllocator{
		lock:  sync.NewIRQSpinlock(c),
		start: start,
		end:   start + size,
		next:  start,
	}, nil
}

// Allocate returns the address of a block of size bytes whose address is a
// multiple of align.
func (b *BumpAllocator) Allocate(size, align uintptr) (uintptr, *kernel.Error) {
	b.lock.Acquire()
	ev, err := b.allocateLocked(size, align)
	b.lock.Release()

	b.notify(ev, err, false)
	return ev.Addr, err
}

func (b *BumpAllocator) allocateLocked(size, align uintptr) (Event, *kernel.Error) {
	ev := Event{Op: "allocate", Size: size, Align: align}

	if b.haltErr != nil {
		return ev, ErrHalted
	}

	if size == 0 || size > b.end-b.start || !mm.IsPowerOfTwo(align) {
		return ev, b.failLocked(ErrInvalidLayout)
	}

	allocStart, ok := mm.AlignUpChecked(b.next, align)
	allocEnd := allocStart + size
	if !ok || allocEnd < allocStart || allocEnd > b.end {
		return ev, b.failLocked(ErrOutOfMemory)
	}

	b.next = allocEnd
	b.allocations++
	ev.Addr, ev.Live = allocStart, b.allocations
	return ev, nil
}

// Deallocate releases a block. The memory is only reclaimed when the last
// live block is released.
func (b *BumpAllocator) Deallocate(addr, size uintptr) *kernel.Error {
	b.lock.Acquire()
	ev, reset, err := b.deallocateLocked(addr, size)
	b.lock.Release()

	b.notify(ev, err, reset)
	return err
}

func (b *BumpAllocator) deallocateLocked(addr, size uintptr) (Event, bool, *kernel.Error) {
	ev := Event{Op: "deallocate", Addr: addr, Size: size}

	if b.haltErr != nil {
		return ev, false, ErrHalted
	}

	if b.allocations == 0 || addr < b.start || addr+size < addr || addr+size > b.next {
		return ev, false, b.failLocked(ErrInvalidFree)
	}

	b.allocations--
	ev.Live = b.allocations
	if b.allocations != 0 {
		return ev, false, nil
	}

	b.next = b.start
	return ev, true, nil
}

// Stats returns a snapshot of the allocator state.
func (b *BumpAllocator) Stats() Stats {
	b.lock.Acquire()
	defer b.lock.Release()

	return Stats{
		ArenaStart:  b.start,
		ArenaEnd:    b.end,
		Next:        b.next,
		Allocations: b.allocations,
	}
}

// HaltCause returns the fatal error that halted the allocator or nil.
func (b *BumpAllocator) HaltCause() *kernel.Error {
	b.lock.Acquire()
	defer b.lock.Release()
	return b.haltErr
}

func (b *BumpAllocator) failLocked(err *kernel.Error) *kernel.Error {
	if err.Fatal() && b.haltErr == nil {
		b.haltErr = err
		log.WithField("cause", err.Kind).Error(err.Message)
	}
	return err
}

func (b *BumpAllocator) notify(ev Event, err *kernel.Error, reset bool) {
	if len(b.Hooks) == 0 {
		return
	}

	switch {
	case err != nil:
		ev.Err = err
		b.InvokeHook(HookCtx{Domain: b, Pos: HookPosFailure, Item: ev})
	case ev.Op == "deallocate":
		b.InvokeHook(HookCtx{Domain: b, Pos: HookPosDeallocate, Item: ev})
		if reset {
			b.InvokeHook(HookCtx{Domain: b, Pos: HookPosReset, Item: ev})
		}
	default:
		b.InvokeHook(HookCtx{Domain: b, Pos: HookPosAllocate, Item: ev})
	}
}
