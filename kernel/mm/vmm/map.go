package vmm

import (
	"github.com/gmelodie/cruzos/kernel"
	"github.com/gmelodie/cruzos/kernel/mm"
)

// Map obtains a physical frame from the table's frame source and maps page
// to it. It returns the frame backing the page.
func (pdt *PageDirectoryTable) Map(page mm.Page, flags PageTableEntryFlag) (mm.Frame, *kernel.Error) {
	pdt.lock.Acquire()
	defer pdt.lock.Release()

	if err := pdt.checkHaltedLocked(); err != nil {
		return mm.InvalidFrame, err
	}

	if err := pdt.checkUnmappedLocked(page); err != nil {
		return mm.InvalidFrame, pdt.failLocked(err)
	}

	frame, err := pdt.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, pdt.failLocked(err)
	}

	if err = pdt.mapLocked(page, frame, flags); err != nil {
		return mm.InvalidFrame, err
	}

	return frame, nil
}

// MapTo establishes a mapping between a virtual page and a physical memory
// frame. Missing tables at each paging level are allocated from the table's
// frame source and cleared before they are linked. Existing intermediate
// entries keep their flags and gain any new permission bits in flags.
//
// FlagPresent is implied. Mapping a page that is already mapped returns
// ErrDoubleMap.
func (pdt *PageDirectoryTable) MapTo(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	pdt.lock.Acquire()
	defer pdt.lock.Release()

	if err := pdt.checkHaltedLocked(); err != nil {
		return err
	}

	return pdt.mapLocked(page, frame, flags)
}

// checkUnmappedLocked performs a read-only walk and returns ErrDoubleMap if
// page is already mapped.
func (pdt *PageDirectoryTable) checkUnmappedLocked(page mm.Page) *kernel.Error {
	switch _, err := pdt.pteForAddressLocked(page.Address()); err {
	case nil:
		return ErrDoubleMap
	case ErrInvalidMapping:
		return nil
	default:
		return err
	}
}

// mapLocked links page to frame. The table is left untouched if page is
// already mapped.
func (pdt *PageDirectoryTable) mapLocked(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if err := pdt.checkUnmappedLocked(page); err != nil {
		return pdt.failLocked(err)
	}

	var (
		err        *kernel.Error
		tableFlags = FlagPresent | (flags &^ leafOnlyFlags)
	)

	walkErr := pdt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				err = ErrDoubleMap
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			return true
		}

		if pte.HasFlags(FlagPresent) {
			if pte.HasFlags(FlagHugePage) {
				err = errNoHugePageSupport
				return false
			}

			pte.SetFlags(tableFlags)
			return true
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		var newTableFrame mm.Frame
		if newTableFrame, err = pdt.frames.AllocFrame(); err != nil {
			return false
		}

		if err = pdt.mem.Memset(pdt.mem.PhysToVirt(newTableFrame.Address()), 0, mm.PageSize); err != nil {
			return false
		}

		*pte = 0
		pte.SetFrame(newTableFrame)
		pte.SetFlags(tableFlags)
		return true
	})

	if walkErr != nil {
		err = walkErr
	}
	if err != nil {
		return pdt.failLocked(err)
	}

	pdt.mmu.FlushTLBEntry(page.Address())
	return nil
}

// MapRegion maps pageCount consecutive pages starting at startPage, each to
// a fresh frame taken from the table's frame source.
func (pdt *PageDirectoryTable) MapRegion(startPage mm.Page, pageCount uint64, flags PageTableEntryFlag) *kernel.Error {
	pdt.lock.Acquire()
	defer pdt.lock.Release()

	for page := startPage; pageCount > 0; pageCount, page = pageCount-1, page+1 {
		if err := pdt.checkHaltedLocked(); err != nil {
			return err
		}

		if err := pdt.checkUnmappedLocked(page); err != nil {
			return pdt.failLocked(err)
		}

		frame, err := pdt.frames.AllocFrame()
		if err != nil {
			return pdt.failLocked(err)
		}

		if err = pdt.mapLocked(page, frame, flags); err != nil {
			return err
		}
	}

	return nil
}

// IdentityMapRegion establishes an identity mapping to the physical memory
// region which starts at the given frame and ends at frame + pages(size). The
// size argument is always rounded up to the nearest page boundary.
// IdentityMapRegion returns back the Page that corresponds to the region
// start.
func (pdt *PageDirectoryTable) IdentityMapRegion(startFrame mm.Frame, size mm.Size, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	pdt.lock.Acquire()
	defer pdt.lock.Release()

	startPage := mm.Page(startFrame)
	pageCount := mm.Page(size.Pages())

	for curPage := startPage; curPage < startPage+pageCount; curPage++ {
		if err := pdt.checkHaltedLocked(); err != nil {
			return 0, err
		}

		if err := pdt.mapLocked(curPage, mm.Frame(curPage), flags); err != nil {
			return 0, err
		}
	}

	return startPage, nil
}

// Unmap removes a mapping previously installed via a call to Map or MapTo.
// Unmapping a page whose translation path contains an unused entry returns
// ErrDoubleUnmap. The table nodes along the path are never released.
func (pdt *PageDirectoryTable) Unmap(page mm.Page) *kernel.Error {
	pdt.lock.Acquire()
	defer pdt.lock.Release()

	if err := pdt.checkHaltedLocked(); err != nil {
		return err
	}

	return pdt.unmapLocked(page)
}

func (pdt *PageDirectoryTable) unmapLocked(page mm.Page) *kernel.Error {
	var err *kernel.Error

	walkErr := pdt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// Next table is not present; this page was never mapped
		if !pte.HasFlags(FlagPresent) {
			err = ErrDoubleUnmap
			return false
		}

		// If we reached the last level all we need to do is to mark
		// the entry as unused
		if pteLevel == pageLevels-1 {
			*pte = 0
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	if walkErr != nil {
		err = walkErr
	}
	if err != nil {
		return pdt.failLocked(err)
	}

	pdt.mmu.FlushTLBEntry(page.Address())
	return nil
}

// UnmapRegion removes the mappings of pageCount consecutive pages starting
// at startPage.
func (pdt *PageDirectoryTable) UnmapRegion(startPage mm.Page, pageCount uint64) *kernel.Error {
	pdt.lock.Acquire()
	defer pdt.lock.Release()

	for page := startPage; pageCount > 0; pageCount, page = pageCount-1, page+1 {
		if err := pdt.checkHaltedLocked(); err != nil {
			return err
		}

		if err := pdt.unmapLocked(page); err != nil {
			return err
		}
	}

	return nil
}
