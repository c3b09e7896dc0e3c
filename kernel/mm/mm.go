// Package mm contains the types shared by the physical and virtual memory
// managers: frames, pages, sizes and the frame allocator contract.
package mm

import (
	"math"

	"github.com/gmelodie/cruzos/kernel"
)

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = 3
)

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint64 {
	return uint64(AlignUp(uintptr(s), uintptr(PageSize)) >> PageShift)
}

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// IsPowerOfTwo returns true if v is a non-zero power of two.
func IsPowerOfTwo(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}

// AlignUp rounds addr up to the next multiple of align which must be a power
// of two. The result wraps around if addr is within align bytes of the top of
// the address space; use AlignUpChecked when that matters.
func AlignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// AlignUpChecked behaves like AlignUp but returns false if the result would
// overflow.
func AlignUpChecked(addr, align uintptr) (uintptr, bool) {
	aligned := AlignUp(addr, align)
	return aligned, aligned >= addr
}

// AlignDown rounds addr down to the previous multiple of align which must be
// a power of two.
func AlignDown(addr, align uintptr) uintptr {
	return addr &^ (align - 1)
}

// FrameAllocator is implemented by physical frame sources.
type FrameAllocator interface {
	// AllocFrame reserves a physical frame that has not been handed out
	// before.
	AllocFrame() (Frame, *kernel.Error)
}

// FrameAllocatorFn adapts a function to the FrameAllocator interface.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// AllocFrame implements FrameAllocator.
func (fn FrameAllocatorFn) AllocFrame() (Frame, *kernel.Error) {
	return fn()
}

var (
	// frameAllocator points to the frame allocator registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocator

	errNoFrameAllocator = &kernel.Error{Module: "mm", Message: "no frame allocator registered", Kind: kernel.KindConfigViolation}
)

// SetFrameAllocator registers a frame allocator that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(alloc FrameAllocator) { frameAllocator = alloc }

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, errNoFrameAllocator
	}
	return frameAllocator.AllocFrame()
}
