package heap

import (
	. "github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
)

var _ = Describe("Default allocator", func() {
	AfterEach(func() {
		SetDefault(nil)
	})

	It("should fail when no allocator is installed", func() {
		SetDefault(nil)
		gomega.Expect(Default()).To(gomega.BeNil())

		_, err := Alloc(16, 8)
		gomega.Expect(err).To(gomega.Equal(errNoDefaultAllocator))
		gomega.Expect(Free(testArenaStart, 16)).To(gomega.Equal(errNoDefaultAllocator))
	})

	It("should route requests to the installed allocator", func() {
		_, mem := newTestArena(testArenaSize)
		alloc, err := NewLinkedListAllocator(nil, testArenaStart, testArenaSize, mem)
		gomega.Expect(err).To(gomega.BeNil())

		SetDefault(alloc)
		gomega.Expect(Default()).To(gomega.BeIdenticalTo(Allocator(alloc)))

		var addr uintptr
		addr, err = Alloc(128, 16)
		gomega.Expect(err).To(gomega.BeNil())
		gomega.Expect(addr).To(gomega.Equal(testArenaStart))
		gomega.Expect(alloc.Stats().Allocations).To(gomega.Equal(uint64(1)))

		gomega.Expect(Free(addr, 128)).To(gomega.BeNil())
		gomega.Expect(alloc.Stats().Allocations).To(gomega.Equal(uint64(0)))
	})

	It("should route requests to a bump allocator", func() {
		alloc, err := NewBumpAllocator(nil, testArenaStart, testArenaSize)
		gomega.Expect(err).To(gomega.BeNil())
		SetDefault(alloc)

		var addr uintptr
		addr, err = Alloc(10, 2)
		gomega.Expect(err).To(gomega.BeNil())
		gomega.Expect(addr).To(gomega.Equal(testArenaStart))
		gomega.Expect(Free(addr, 10)).To(gomega.BeNil())
		gomega.Expect(alloc.Stats().Next).To(gomega.Equal(testArenaStart))
	})
})
