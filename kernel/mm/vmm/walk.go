package vmm

import (
	"github.com/gmelodie/cruzos/kernel"
	"github.com/gmelodie/cruzos/kernel/mm"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and a copy of the page table
// entry for that level. Changes made to the entry are written back to the
// table. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// entryIndex extracts the bits from virtual address that correspond to the
// index in the page table of the given level.
func entryIndex(virtAddr uintptr, level uint8) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
}

// walk performs a page table walk for the given virtual address starting at
// the root table. It calls the supplied walkFn with the page table entry
// that corresponds to each page table level. The table for the next level is
// located by reading the frame of the (possibly updated) entry. An error is
// returned only if a table node cannot be accessed.
func (pdt *PageDirectoryTable) walk(virtAddr uintptr, walkFn pageTableWalker) *kernel.Error {
	tableFrame := pdt.pdtFrame

	for level := uint8(0); level < pageLevels; level++ {
		entryAddr := pdt.mem.PhysToVirt(tableFrame.Address() + (entryIndex(virtAddr, level) << mm.PointerShift))

		raw, err := pdt.mem.ReadUint64(entryAddr)
		if err != nil {
			return err
		}

		pte := pageTableEntry(raw)
		ok := walkFn(level, &pte)

		if uint64(pte) != raw {
			if err = pdt.mem.WriteUint64(entryAddr, uint64(pte)); err != nil {
				return err
			}
		}

		if !ok {
			return nil
		}

		tableFrame = pte.Frame()
	}

	return nil
}
