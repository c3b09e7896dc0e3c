// Package vmm manages 4-level page directory tables that live inside
// physical frames. The tables are reached through the direct physical memory
// window so they can be edited whether or not they are active.
package vmm

import (
	"github.com/gmelodie/cruzos/kernel"
)

//go:generate mockgen -destination "mock_mmu_test.go" -package $GOPACKAGE -write_package_comment=false github.com/gmelodie/cruzos/kernel/mm/vmm MMU
//go:generate mockgen -destination "mock_mm_test.go" -package $GOPACKAGE -write_package_comment=false github.com/gmelodie/cruzos/kernel/mm FrameAllocator

// MMU is the part of the processor that the page table code talks to.
type MMU interface {
	// ActivePDT returns the physical address of the active top-level table.
	ActivePDT() uintptr

	// SwitchPDT loads a new top-level table and flushes the TLB.
	SwitchPDT(pdtPhysAddr uintptr)

	// FlushTLBEntry drops the cached translation for a virtual address.
	FlushTLBEntry(virtAddr uintptr)
}

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Kind: kernel.KindNotMapped}

	// ErrDoubleMap is returned when mapping a page that is already mapped.
	ErrDoubleMap = &kernel.Error{Module: "vmm", Message: "page is already mapped", Kind: kernel.KindProtocolViolation}

	// ErrDoubleUnmap is returned when unmapping a page that is not mapped.
	ErrDoubleUnmap = &kernel.Error{Module: "vmm", Message: "page is not mapped", Kind: kernel.KindProtocolViolation}

	// ErrHalted is returned by every operation of a page directory table
	// that has previously reported a fatal error.
	ErrHalted = &kernel.Error{Module: "vmm", Message: "page directory table halted after a fatal error", Kind: kernel.KindHalted}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported", Kind: kernel.KindConfigViolation}
)
