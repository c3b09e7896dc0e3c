package heap

import (
	"github.com/gmelodie/cruzos/kernel"
)

var (
	// defaultAllocator is the allocator registered using SetDefault.
	defaultAllocator Allocator

	errNoDefaultAllocator = &kernel.Error{Module: "heap", Message: "no default allocator installed", Kind: kernel.KindConfigViolation}
)

// SetDefault installs the allocator used by Alloc and Free.
func SetDefault(alloc Allocator) { defaultAllocator = alloc }

// Default returns the installed allocator or nil.
func Default() Allocator { return defaultAllocator }

// Alloc allocates a block using the default allocator.
func Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	if defaultAllocator == nil {
		return 0, errNoDefaultAllocator
	}
	return defaultAllocator.Allocate(size, align)
}

// Free releases a block obtained from Alloc.
func Free(addr, size uintptr) *kernel.Error {
	if defaultAllocator == nil {
		return errNoDefaultAllocator
	}
	return defaultAllocator.Deallocate(addr, size)
}
