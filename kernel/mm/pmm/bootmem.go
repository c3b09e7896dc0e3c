// Package pmm contains the physical frame source used by the page table
// code.
package pmm

import (
	"io"

	"github.com/gmelodie/cruzos/kernel"
	"github.com/gmelodie/cruzos/kernel/cpu"
	"github.com/gmelodie/cruzos/kernel/hal/multiboot"
	"github.com/gmelodie/cruzos/kernel/kfmt"
	"github.com/gmelodie/cruzos/kernel/mm"
	"github.com/gmelodie/cruzos/kernel/sync"
)

var (
	// ErrOutOfMemory is returned once every usable frame has been handed
	// out.
	ErrOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory", Kind: kernel.KindResourceExhausted}

	log = kfmt.Logger("boot_mem_alloc")
)

// frameSpan is a range of usable frames [start, end).
type frameSpan struct {
	start, end mm.Frame
}

// BootMemAllocator implements a rudimentary physical memory allocator which
// hands out the frames of the usable memory regions reported by the boot
// loader.
//
// Regions are visited in ascending address order and their extents are
// rounded inwards to frame boundaries. Frames that overlap the kernel image
// are skipped. Allocations are tracked via a cursor that only ever moves
// forward; frames can never be returned to the allocator.
type BootMemAllocator struct {
	lock *sync.IRQSpinlock

	info  *multiboot.Info
	spans []frameSpan

	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// Index into spans and the next frame to hand out from it.
	spanIndex int
	nextFrame mm.Frame

	// Keep track of kernel location so we exclude this region.
	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame mm.Frame
}

// NewBootMemAllocator returns a frame source over the usable regions of
// info. Frames overlapping [kernelStart, kernelEnd) are never handed out; an
// empty kernel range excludes nothing. The allocator masks interrupts on c
// while its state is updated; c may be nil.
func NewBootMemAllocator(c *cpu.CPU, info *multiboot.Info, kernelStart, kernelEnd uintptr) *BootMemAllocator {
	alloc := &BootMemAllocator{
		lock:            sync.NewIRQSpinlock(c),
		info:            info,
		kernelStartAddr: kernelStart,
		kernelEndAddr:   kernelEnd,
	}

	// round down kernel start to the nearest page and round up kernel end
	// to the nearest page.
	if kernelEnd > kernelStart {
		alloc.kernelStartFrame = mm.FrameFromAddress(kernelStart)
		alloc.kernelEndFrame = mm.FrameFromAddress(mm.AlignUp(kernelEnd, uintptr(mm.PageSize)))
	}

	info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		// Ignore reserved regions and regions smaller than a single page
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mm.PageSize) {
			return true
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		span := frameSpan{
			start: mm.FrameFromAddress(mm.AlignUp(uintptr(region.PhysAddress), uintptr(mm.PageSize))),
			end:   mm.FrameFromAddress(uintptr(region.End())),
		}
		if span.start < span.end {
			alloc.spans = append(alloc.spans, span)
		}
		return true
	})

	if len(alloc.spans) != 0 {
		alloc.nextFrame = alloc.spans[0].start
	}

	return alloc
}

// AllocFrame reserves the next available free frame. It returns
// ErrOutOfMemory once the usable regions are exhausted.
func (alloc *BootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for alloc.spanIndex < len(alloc.spans) {
		span := alloc.spans[alloc.spanIndex]
		if alloc.nextFrame < span.start {
			alloc.nextFrame = span.start
		}

		// Jump over the kernel image
		if alloc.nextFrame >= alloc.kernelStartFrame && alloc.nextFrame < alloc.kernelEndFrame {
			alloc.nextFrame = alloc.kernelEndFrame
		}

		if alloc.nextFrame >= span.end {
			alloc.spanIndex++
			continue
		}

		frame := alloc.nextFrame
		alloc.nextFrame++
		alloc.allocCount++
		return frame, nil
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// AllocCount returns the number of frames handed out so far.
func (alloc *BootMemAllocator) AllocCount() uint64 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.allocCount
}

// FreeFrames returns the number of frames that can still be allocated.
func (alloc *BootMemAllocator) FreeFrames() uint64 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	var free uint64
	for index := alloc.spanIndex; index < len(alloc.spans); index++ {
		start, end := alloc.spans[index].start, alloc.spans[index].end
		if index == alloc.spanIndex && alloc.nextFrame > start {
			start = alloc.nextFrame
		}
		if start >= end {
			continue
		}

		free += uint64(end - start)

		// Subtract the part of the kernel image inside [start, end)
		kStart, kEnd := alloc.kernelStartFrame, alloc.kernelEndFrame
		if kStart < start {
			kStart = start
		}
		if kEnd > end {
			kEnd = end
		}
		if kStart < kEnd {
			free -= uint64(kEnd - kStart)
		}
	}

	return free
}

// PrintMemoryMap writes the system's memory map to w. If w is nil the output
// goes to the kernel log sink.
func (alloc *BootMemAllocator) PrintMemoryMap(w io.Writer) {
	kfmt.Fprintf(w, "[boot_mem_alloc] system memory map:\n")
	var totalFree mm.Size
	alloc.info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Fprintf(w, "\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.End(), region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Fprintf(w, "[boot_mem_alloc] available memory: %dKb\n", uint64(totalFree/mm.Kb))
	kfmt.Fprintf(w, "[boot_mem_alloc] kernel loaded at 0x%x - 0x%x\n", alloc.kernelStartAddr, alloc.kernelEndAddr)
	kfmt.Fprintf(w, "[boot_mem_alloc] size: %d bytes, reserved pages: %d\n",
		uint64(alloc.kernelEndAddr-alloc.kernelStartAddr),
		uint64(alloc.kernelEndFrame-alloc.kernelStartFrame),
	)

	log.WithField("frames", alloc.FreeFrames()).Debug("frame source ready")
}
