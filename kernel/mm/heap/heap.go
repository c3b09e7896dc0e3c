// Package heap implements the kernel's dynamic memory allocators. Both
// allocators manage a fixed, pre-mapped virtual arena and only touch it
// through a Memory accessor, so they never hold Go pointers into simulated
// memory.
package heap

import (
	"github.com/gmelodie/cruzos/kernel"
	"github.com/gmelodie/cruzos/kernel/kfmt"
	"github.com/gmelodie/cruzos/kernel/mm"
)

var (
	// ErrInvalidLayout is returned for requests that can never be satisfied:
	// a zero size, an alignment that is not a power of two or a block that
	// does not fit in the arena.
	ErrInvalidLayout = &kernel.Error{Module: "heap", Message: "invalid allocation layout", Kind: kernel.KindConfigViolation}

	// ErrOutOfMemory is returned when neither the free list nor the
	// untouched tail of the arena can hold the requested block.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory", Kind: kernel.KindResourceExhausted}

	// ErrInvalidFree is returned when freeing a block that is not live.
	ErrInvalidFree = &kernel.Error{Module: "heap", Message: "attempt to free a block that is not allocated", Kind: kernel.KindProtocolViolation}

	// ErrCorruptFreeList is returned when a free list node points outside
	// the arena or the list contains a cycle.
	ErrCorruptFreeList = &kernel.Error{Module: "heap", Message: "free list is corrupted", Kind: kernel.KindProtocolViolation}

	// ErrHalted is returned by every operation of an allocator that has
	// previously reported a fatal error.
	ErrHalted = &kernel.Error{Module: "heap", Message: "allocator halted after a fatal error", Kind: kernel.KindHalted}

	errBadArena = &kernel.Error{Module: "heap", Message: "heap arena must be non-nil, 16-byte aligned and large enough for a free list node", Kind: kernel.KindConfigViolation}

	log = kfmt.Logger("heap")
)

// Memory provides word access to the virtual addresses of the arena.
type Memory interface {
	ReadUint64(virtAddr uintptr) (uint64, *kernel.Error)
	WriteUint64(virtAddr uintptr, value uint64) *kernel.Error
}

// Allocator is the allocation contract exposed to the rest of the kernel.
type Allocator interface {
	Hookable

	// Allocate returns the address of a block of at least size bytes
	// whose address is a multiple of align.
	Allocate(size, align uintptr) (uintptr, *kernel.Error)

	// Deallocate releases a block previously returned by Allocate. The
	// size must match the one used when allocating the block.
	Deallocate(addr, size uintptr) *kernel.Error

	// Stats returns a snapshot of the allocator state.
	Stats() Stats
}

// Stats describes the state of an allocator.
type Stats struct {
	// The arena managed by the allocator: [ArenaStart, ArenaEnd).
	ArenaStart, ArenaEnd uintptr

	// Next is the bump cursor; [Next, ArenaEnd) has never been allocated.
	Next uintptr

	// Allocations is the number of live blocks.
	Allocations uint64

	// FreeBlocks and FreeBytes describe the free list.
	FreeBlocks int
	FreeBytes  uintptr

	// Err is set if the free list could not be walked. FreeBlocks and
	// FreeBytes then only cover the nodes visited before the error.
	Err *kernel.Error
}

// Untouched returns the size of the untouched tail of the arena.
func (s Stats) Untouched() mm.Size {
	return mm.Size(s.ArenaEnd - s.Next)
}

// checkArena validates the arena geometry shared by all allocators.
func checkArena(start, size uintptr) *kernel.Error {
	if start == 0 || start%blockGranularity != 0 || size < nodeSize || start+size < start {
		return errBadArena
	}
	return nil
}
