// Package kmain contains the boot sequence that brings up the memory
// management subsystem: frame source, page tables and kernel heap.
package kmain

import (
	"io"

	"github.com/gmelodie/cruzos/kernel"
	"github.com/gmelodie/cruzos/kernel/cpu"
	"github.com/gmelodie/cruzos/kernel/hal/multiboot"
	"github.com/gmelodie/cruzos/kernel/kfmt"
	"github.com/gmelodie/cruzos/kernel/mm"
	"github.com/gmelodie/cruzos/kernel/mm/heap"
	"github.com/gmelodie/cruzos/kernel/mm/physmem"
	"github.com/gmelodie/cruzos/kernel/mm/pmm"
	"github.com/gmelodie/cruzos/kernel/mm/vmm"
	"github.com/pkg/errors"
)

var log = kfmt.Logger("kmain")

// Kernel holds the memory management state created by Boot.
type Kernel struct {
	cfg *Config

	cpu    *cpu.CPU
	info   *multiboot.Info
	frames *pmm.BootMemAllocator
	phys   *physmem.Memory
	pdt    *vmm.PageDirectoryTable
	vm     *vmm.VirtualMemory
	heap   heap.Allocator

	// userCodePages is the number of pages currently mapped at the start
	// of the user code region.
	userCodePages uint64
}

// Boot brings up the memory subsystem described by cfg. It uses the memory
// map from cfg; BootWithInfo accepts boot information parsed from a
// multiboot payload instead.
func Boot(cfg *Config) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid boot configuration")
	}
	return BootWithInfo(cfg, cfg.BootInfo())
}

// BootWithInfo runs the boot sequence: it sets up the frame source over the
// usable regions of info, creates and activates the kernel page tables, maps
// the heap arena and installs the configured allocator as the default heap.
func BootWithInfo(cfg *Config, info *multiboot.Info) (*Kernel, error) {
	level, err := kfmt.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "invalid log level")
	}
	kfmt.SetLevel(level)

	k := &Kernel{
		cfg:  cfg,
		cpu:  cpu.New(),
		info: info,
	}

	k.frames = pmm.NewBootMemAllocator(k.cpu, info, uintptr(cfg.Kernel.Start), uintptr(cfg.Kernel.End))
	mm.SetFrameAllocator(k.frames)

	k.phys = physmem.New(uintptr(info.HighestAddress()))

	var kErr *kernel.Error
	if k.pdt, kErr = vmm.NewPageDirectoryTable(k.frames, physmem.NewDirectMap(k.phys, uintptr(cfg.PhysOffset)), k.cpu); kErr != nil {
		return nil, errors.Wrap(kErr, "create kernel page tables")
	}
	k.pdt.Activate()
	k.vm = vmm.NewVirtualMemory(k.pdt, k.cpu)

	if err = k.initHeap(); err != nil {
		return nil, err
	}

	k.cpu.EnableInterrupts()
	return k, nil
}

// initHeap maps every page of the heap arena to a fresh frame and installs
// the configured allocator.
func (k *Kernel) initHeap() error {
	log.Info("Mapping heap...")

	start, size := uintptr(k.cfg.Heap.Start), uintptr(k.cfg.Heap.Size)
	if err := k.mapPages(start, size, vmm.FlagPresent|vmm.FlagRW); err != nil {
		return errors.Wrapf(err, "map heap arena at 0x%x", start)
	}

	var kErr *kernel.Error
	switch k.cfg.Allocator {
	case AllocatorBump:
		k.heap, kErr = heap.NewBumpAllocator(k.cpu, start, size)
	default:
		k.heap, kErr = heap.NewLinkedListAllocator(k.cpu, start, size, k.vm)
	}
	if kErr != nil {
		return errors.Wrapf(kErr, "create %s heap allocator", k.cfg.Allocator)
	}

	heap.SetDefault(k.heap)
	log.WithField("allocator", k.cfg.Allocator).Info("OK")
	return nil
}

// mapPages maps the pages spanning [start, start+size) one at a time.
func (k *Kernel) mapPages(start, size uintptr, flags vmm.PageTableEntryFlag) *kernel.Error {
	firstPage := mm.PageFromAddress(start)
	lastPage := mm.PageFromAddress(start + size - 1)

	for page := firstPage; page <= lastPage; page++ {
		if _, err := k.pdt.Map(page, flags); err != nil {
			return err
		}
	}

	return nil
}

// Config returns the configuration the kernel was booted with.
func (k *Kernel) Config() *Config { return k.cfg }

// CPU returns the processor model.
func (k *Kernel) CPU() *cpu.CPU { return k.cpu }

// BootInfo returns the boot information the frame source was built from.
func (k *Kernel) BootInfo() *multiboot.Info { return k.info }

// Frames returns the physical frame source.
func (k *Kernel) Frames() *pmm.BootMemAllocator { return k.frames }

// PhysicalMemory returns the machine's physical memory.
func (k *Kernel) PhysicalMemory() *physmem.Memory { return k.phys }

// PageDirectoryTable returns the active kernel page tables.
func (k *Kernel) PageDirectoryTable() *vmm.PageDirectoryTable { return k.pdt }

// VirtualMemory returns an accessor for the kernel address space.
func (k *Kernel) VirtualMemory() *vmm.VirtualMemory { return k.vm }

// Heap returns the kernel heap allocator.
func (k *Kernel) Heap() heap.Allocator { return k.heap }

// Translate resolves a virtual address in the kernel address space.
func (k *Kernel) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	return k.pdt.Translate(virtAddr)
}

// PrintHeap writes the heap state and, for the linked list allocator, its
// free list to w. Every line is prefixed with "[heap] ".
func (k *Kernel) PrintHeap(w io.Writer) {
	pw := &kfmt.PrefixWriter{Sink: w, Prefix: []byte("[heap] ")}

	stats := k.heap.Stats()
	kfmt.Fprintf(pw, "%s allocator at 0x%x - 0x%x, untouched: %d bytes\n",
		k.cfg.Allocator, stats.ArenaStart, stats.ArenaEnd, uint64(stats.Untouched()))
	kfmt.Fprintf(pw, "live blocks: %d, free blocks: %d (%d bytes)\n",
		stats.Allocations, stats.FreeBlocks, uint64(stats.FreeBytes))
	if stats.Err != nil {
		kfmt.Fprintf(pw, "free list unreadable: %s\n", stats.Err.Message)
		return
	}

	list, ok := k.heap.(*heap.LinkedListAllocator)
	if !ok {
		return
	}

	blocks, err := list.FreeList()
	if err != nil {
		kfmt.Fprintf(pw, "free list unreadable: %s\n", err.Message)
		return
	}
	for _, block := range blocks {
		kfmt.Fprintf(pw, "\t[0x%x - 0x%x]\n", block.Addr, block.Addr+block.Size)
	}
}

// PrintMemoryMap writes the firmware memory map and the kernel footprint to
// w.
func (k *Kernel) PrintMemoryMap(w io.Writer) {
	k.frames.PrintMemoryMap(w)
}
