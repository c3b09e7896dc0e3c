package physmem

import (
	"github.com/gmelodie/cruzos/kernel"
	"github.com/gmelodie/cruzos/kernel/mm"
)

// DirectMap exposes the whole of physical memory through a linear virtual
// window that starts at a fixed offset. The page table code uses it to reach
// the table nodes it manipulates.
type DirectMap struct {
	mem    *Memory
	offset uintptr
}

// NewDirectMap returns a window onto mem that starts at the virtual address
// offset.
func NewDirectMap(mem *Memory, offset uintptr) *DirectMap {
	return &DirectMap{mem: mem, offset: offset}
}

// Memory returns the underlying physical memory.
func (d *DirectMap) Memory() *Memory { return d.mem }

// Offset returns the virtual address where physical address 0 is visible.
func (d *DirectMap) Offset() uintptr { return d.offset }

// PhysToVirt returns the window address of physAddr.
func (d *DirectMap) PhysToVirt(physAddr uintptr) uintptr {
	return d.offset + physAddr
}

// VirtToPhys returns the physical address behind a window address.
func (d *DirectMap) VirtToPhys(virtAddr uintptr) (uintptr, *kernel.Error) {
	if virtAddr < d.offset || virtAddr-d.offset >= d.mem.limit {
		return 0, ErrBadWindowAddress
	}
	return virtAddr - d.offset, nil
}

// ReadUint64 reads a 64-bit word through the window.
func (d *DirectMap) ReadUint64(virtAddr uintptr) (uint64, *kernel.Error) {
	physAddr, err := d.VirtToPhys(virtAddr)
	if err != nil {
		return 0, err
	}
	return d.mem.ReadUint64(physAddr)
}

// WriteUint64 writes a 64-bit word through the window.
func (d *DirectMap) WriteUint64(virtAddr uintptr, value uint64) *kernel.Error {
	physAddr, err := d.VirtToPhys(virtAddr)
	if err != nil {
		return err
	}
	return d.mem.WriteUint64(physAddr, value)
}

// Memset fills size bytes starting at the window address virtAddr.
func (d *DirectMap) Memset(virtAddr uintptr, value byte, size mm.Size) *kernel.Error {
	physAddr, err := d.VirtToPhys(virtAddr)
	if err != nil {
		return err
	}
	return d.mem.Memset(physAddr, value, size)
}
