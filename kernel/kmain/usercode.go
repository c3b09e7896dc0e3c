package kmain

import (
	"github.com/gmelodie/cruzos/kernel/mm"
	"github.com/gmelodie/cruzos/kernel/mm/vmm"
	"github.com/pkg/errors"
)

var (
	errUserCodeMapped   = errors.New("user code region is already mapped")
	errUserCodeSize     = errors.New("invalid user code size")
	errUserCodeUnmapped = errors.New("user code region is not mapped")
)

// MapUserCode maps size bytes at the start of the user code region with
// user-accessible, writable pages and returns the region start address.
func (k *Kernel) MapUserCode(size mm.Size) (uintptr, error) {
	if k.userCodePages != 0 {
		return 0, errUserCodeMapped
	}

	if size == 0 || uint64(size) > k.cfg.UserCode.Size {
		return 0, errors.Wrapf(errUserCodeSize, "%d bytes requested, at most %d allowed", size, k.cfg.UserCode.Size)
	}

	start := uintptr(k.cfg.UserCode.Start)
	if err := k.mapPages(start, uintptr(size), vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible); err != nil {
		return 0, errors.Wrapf(err, "map user code at 0x%x", start)
	}

	k.userCodePages = size.Pages()
	log.WithField("pages", k.userCodePages).Debug("mapped user code")
	return start, nil
}

// FreeUserCode unmaps the pages mapped by MapUserCode. Their frames are not
// returned to the frame source.
func (k *Kernel) FreeUserCode() error {
	if k.userCodePages == 0 {
		return errUserCodeUnmapped
	}

	start := mm.PageFromAddress(uintptr(k.cfg.UserCode.Start))
	if err := k.pdt.UnmapRegion(start, k.userCodePages); err != nil {
		return errors.Wrapf(err, "unmap user code at 0x%x", start.Address())
	}

	k.userCodePages = 0
	return nil
}
