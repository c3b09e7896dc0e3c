package vmm

import (
	"encoding/binary"

	"github.com/gmelodie/cruzos/kernel"
	"github.com/gmelodie/cruzos/kernel/mm"
)

// TLB caches page translations for the active page directory table.
type TLB interface {
	ActivePDT() uintptr
	LookupTLB(virtAddr uintptr) (uintptr, bool)
	FillTLB(virtAddr, frameAddr uintptr)
}

// VirtualMemory provides access to memory through the virtual addresses
// defined by a page directory table. Translations are served from the TLB
// while the table is active and fall back to a table walk otherwise.
type VirtualMemory struct {
	pdt *PageDirectoryTable
	tlb TLB
}

// NewVirtualMemory returns an accessor for the address space described by
// pdt. tlb may be nil in which case every access walks the table.
func NewVirtualMemory(pdt *PageDirectoryTable, tlb TLB) *VirtualMemory {
	return &VirtualMemory{pdt: pdt, tlb: tlb}
}

// PageDirectoryTable returns the table that defines the address space.
func (vm *VirtualMemory) PageDirectoryTable() *PageDirectoryTable {
	return vm.pdt
}

func (vm *VirtualMemory) translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	useTLB := vm.tlb != nil && vm.tlb.ActivePDT() == vm.pdt.pdtFrame.Address()
	if useTLB {
		if frameAddr, ok := vm.tlb.LookupTLB(virtAddr); ok {
			return frameAddr + PageOffset(virtAddr), nil
		}
	}

	physAddr, err := vm.pdt.Translate(virtAddr)
	if err != nil {
		return 0, err
	}

	if useTLB {
		vm.tlb.FillTLB(virtAddr, physAddr)
	}
	return physAddr, nil
}

// visit invokes fn with the physical address of each page-contained chunk of
// [virtAddr, virtAddr+size).
func (vm *VirtualMemory) visit(virtAddr uintptr, size uintptr, fn func(physAddr, done, n uintptr) *kernel.Error) *kernel.Error {
	for done := uintptr(0); done < size; {
		addr := virtAddr + done
		n := uintptr(mm.PageSize) - PageOffset(addr)
		if n > size-done {
			n = size - done
		}

		physAddr, err := vm.translate(addr)
		if err != nil {
			return err
		}

		if err = fn(physAddr, done, n); err != nil {
			return err
		}
		done += n
	}

	return nil
}

// Read copies len(buf) bytes starting at virtAddr into buf.
func (vm *VirtualMemory) Read(virtAddr uintptr, buf []byte) *kernel.Error {
	mem := vm.pdt.mem.Memory()
	return vm.visit(virtAddr, uintptr(len(buf)), func(physAddr, done, n uintptr) *kernel.Error {
		return mem.Read(physAddr, buf[done:done+n])
	})
}

// Write copies buf to memory starting at virtAddr.
func (vm *VirtualMemory) Write(virtAddr uintptr, buf []byte) *kernel.Error {
	mem := vm.pdt.mem.Memory()
	return vm.visit(virtAddr, uintptr(len(buf)), func(physAddr, done, n uintptr) *kernel.Error {
		return mem.Write(physAddr, buf[done:done+n])
	})
}

// Memset sets size bytes starting at virtAddr to value.
func (vm *VirtualMemory) Memset(virtAddr uintptr, value byte, size mm.Size) *kernel.Error {
	mem := vm.pdt.mem.Memory()
	return vm.visit(virtAddr, uintptr(size), func(physAddr, _, n uintptr) *kernel.Error {
		return mem.Memset(physAddr, value, mm.Size(n))
	})
}

// ReadUint64 returns the little-endian 64-bit word at virtAddr.
func (vm *VirtualMemory) ReadUint64(virtAddr uintptr) (uint64, *kernel.Error) {
	var buf [8]byte
	if err := vm.Read(virtAddr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 stores value as a little-endian 64-bit word at virtAddr.
func (vm *VirtualMemory) WriteUint64(virtAddr uintptr, value uint64) *kernel.Error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return vm.Write(virtAddr, buf[:])
}
