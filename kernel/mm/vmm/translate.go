package vmm

import (
	"github.com/gmelodie/cruzos/kernel"
	"github.com/gmelodie/cruzos/kernel/mm"
)

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address. Translate never modifies the
// table.
func (pdt *PageDirectoryTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pdt.lock.Acquire()
	defer pdt.lock.Release()

	if err := pdt.checkHaltedLocked(); err != nil {
		return 0, err
	}

	pte, err := pdt.pteForAddressLocked(virtAddr)
	if err != nil {
		return 0, pdt.failLocked(err)
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// Lookup returns the frame and flags of the leaf entry that maps page.
func (pdt *PageDirectoryTable) Lookup(page mm.Page) (mm.Frame, PageTableEntryFlag, *kernel.Error) {
	pdt.lock.Acquire()
	defer pdt.lock.Release()

	if err := pdt.checkHaltedLocked(); err != nil {
		return mm.InvalidFrame, 0, err
	}

	pte, err := pdt.pteForAddressLocked(page.Address())
	if err != nil {
		return mm.InvalidFrame, 0, pdt.failLocked(err)
	}

	return pte.Frame(), pte.Flags(), nil
}

// pteForAddressLocked returns the final page table entry that correspond to a
// particular virtual address. The function performs a page table walk till it
// reaches the final page table entry returning ErrInvalidMapping if the page
// is not present.
func (pdt *PageDirectoryTable) pteForAddressLocked(virtAddr uintptr) (pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry pageTableEntry
	)

	walkErr := pdt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pteLevel < pageLevels-1 && pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		entry = *pte
		return true
	})

	if walkErr != nil {
		return 0, walkErr
	}
	return entry, err
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}
