package vmm

import (
	"github.com/gmelodie/cruzos/kernel"
	"github.com/gmelodie/cruzos/kernel/cpu"
	"github.com/gmelodie/cruzos/kernel/kfmt"
	"github.com/gmelodie/cruzos/kernel/mm"
	"github.com/gmelodie/cruzos/kernel/mm/physmem"
	"github.com/gmelodie/cruzos/kernel/sync"
)

var log = kfmt.Logger("vmm")

// PageDirectoryTable describes the top-most table in a multi-level paging
// scheme together with everything needed to edit the tree below it: a frame
// source for new table nodes, the physical memory window through which the
// nodes are accessed and the MMU whose TLB must be kept coherent.
//
// Once an operation reports a fatal error the table refuses to serve any
// further requests and returns ErrHalted; the cause can be retrieved with
// HaltCause.
type PageDirectoryTable struct {
	lock *sync.IRQSpinlock

	frames mm.FrameAllocator
	mem    *physmem.DirectMap
	mmu    MMU

	pdtFrame mm.Frame
	haltErr  *kernel.Error
}

// NewPageDirectoryTable allocates a zeroed top-level table from frames. If
// mmu is a *cpu.CPU, interrupts are masked on it while the table is edited.
func NewPageDirectoryTable(frames mm.FrameAllocator, mem *physmem.DirectMap, mmu MMU) (*PageDirectoryTable, *kernel.Error) {
	pdtFrame, err := frames.AllocFrame()
	if err != nil {
		return nil, err
	}

	pdt := newPageDirectoryTable(frames, mem, mmu, pdtFrame)
	if err = mem.Memset(mem.PhysToVirt(pdtFrame.Address()), 0, mm.PageSize); err != nil {
		return nil, err
	}

	log.WithField("frame", pdtFrame).Debug("allocated page directory table")
	return pdt, nil
}

// LoadPageDirectoryTable wraps an existing top-level table located at
// pdtFrame. The table contents are left untouched.
func LoadPageDirectoryTable(frames mm.FrameAllocator, mem *physmem.DirectMap, mmu MMU, pdtFrame mm.Frame) *PageDirectoryTable {
	return newPageDirectoryTable(frames, mem, mmu, pdtFrame)
}

func newPageDirectoryTable(frames mm.FrameAllocator, mem *physmem.DirectMap, mmu MMU, pdtFrame mm.Frame) *PageDirectoryTable {
	c, _ := mmu.(*cpu.CPU)
	return &PageDirectoryTable{
		lock:     sync.NewIRQSpinlock(c),
		frames:   frames,
		mem:      mem,
		mmu:      mmu,
		pdtFrame: pdtFrame,
	}
}

// Frame returns the physical frame that holds the top-level table.
func (pdt *PageDirectoryTable) Frame() mm.Frame {
	return pdt.pdtFrame
}

// Activate enables this page directory table and flushes the TLB.
func (pdt *PageDirectoryTable) Activate() {
	pdt.mmu.SwitchPDT(pdt.pdtFrame.Address())
}

// Active returns true if this table is the one loaded in the MMU.
func (pdt *PageDirectoryTable) Active() bool {
	return pdt.mmu.ActivePDT() == pdt.pdtFrame.Address()
}

// HaltCause returns the fatal error that halted the table or nil.
func (pdt *PageDirectoryTable) HaltCause() *kernel.Error {
	pdt.lock.Acquire()
	defer pdt.lock.Release()
	return pdt.haltErr
}

// checkHaltedLocked returns ErrHalted if a fatal error was reported earlier.
func (pdt *PageDirectoryTable) checkHaltedLocked() *kernel.Error {
	if pdt.haltErr != nil {
		return ErrHalted
	}
	return nil
}

// failLocked latches err if it is fatal and returns it.
func (pdt *PageDirectoryTable) failLocked(err *kernel.Error) *kernel.Error {
	if err != nil && err.Fatal() && pdt.haltErr == nil {
		pdt.haltErr = err
		log.WithField("cause", err.Kind).Error(err.Message)
	}
	return err
}
