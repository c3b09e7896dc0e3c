package heap

import (
	"github.com/gmelodie/cruzos/kernel"
	. "github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
)

var _ = Describe("BumpAllocator", func() {
	var alloc *BumpAllocator

	BeforeEach(func() {
		var err *kernel.Error
		alloc, err = NewBumpAllocator(nil, testArenaStart, 4096)
		gomega.Expect(err).To(gomega.BeNil())
	})

	It("should hand out consecutive aligned blocks", func() {
		addr, err := alloc.Allocate(3, 1)
		gomega.Expect(err).To(gomega.BeNil())
		gomega.Expect(addr).To(gomega.Equal(testArenaStart))

		addr, err = alloc.Allocate(8, 8)
		gomega.Expect(err).To(gomega.BeNil())
		gomega.Expect(addr).To(gomega.Equal(testArenaStart + 8))

		addr, err = alloc.Allocate(1, 256)
		gomega.Expect(err).To(gomega.BeNil())
		gomega.Expect(addr).To(gomega.Equal(testArenaStart + 256))

		stats := alloc.Stats()
		gomega.Expect(stats.Next).To(gomega.Equal(testArenaStart + 257))
		gomega.Expect(stats.Allocations).To(gomega.Equal(uint64(3)))
	})

	It("should only reclaim memory once every block is freed", func() {
		a, _ := alloc.Allocate(64, 8)
		b, _ := alloc.Allocate(64, 8)

		gomega.Expect(alloc.Deallocate(a, 64)).To(gomega.BeNil())
		c, err := alloc.Allocate(64, 8)
		gomega.Expect(err).To(gomega.BeNil())
		gomega.Expect(c).To(gomega.Equal(testArenaStart + 128))

		gomega.Expect(alloc.Deallocate(b, 64)).To(gomega.BeNil())
		gomega.Expect(alloc.Deallocate(c, 64)).To(gomega.BeNil())
		gomega.Expect(alloc.Stats().Next).To(gomega.Equal(testArenaStart))

		a, err = alloc.Allocate(64, 8)
		gomega.Expect(err).To(gomega.BeNil())
		gomega.Expect(a).To(gomega.Equal(testArenaStart))
	})

	It("should report exhaustion", func() {
		_, err := alloc.Allocate(4000, 8)
		gomega.Expect(err).To(gomega.BeNil())

		_, err = alloc.Allocate(128, 8)
		gomega.Expect(err).To(gomega.Equal(ErrOutOfMemory))
		gomega.Expect(alloc.HaltCause()).To(gomega.Equal(ErrOutOfMemory))

		_, err = alloc.Allocate(8, 8)
		gomega.Expect(err).To(gomega.Equal(ErrHalted))
	})

	It("should reject invalid requests", func() {
		_, err := alloc.Allocate(8, 3)
		gomega.Expect(err).To(gomega.Equal(ErrInvalidLayout))

		other, _ := NewBumpAllocator(nil, testArenaStart, 4096)
		gomega.Expect(other.Deallocate(testArenaStart, 8)).To(gomega.Equal(ErrInvalidFree))
	})

	It("should invoke hooks", func() {
		var positions []*HookPos
		alloc.AcceptHook(HookFunc(func(ctx HookCtx) {
			positions = append(positions, ctx.Pos)
		}))

		a, _ := alloc.Allocate(8, 8)
		gomega.Expect(alloc.Deallocate(a, 8)).To(gomega.BeNil())
		gomega.Expect(alloc.Deallocate(a, 8)).To(gomega.Equal(ErrInvalidFree))

		gomega.Expect(positions).To(gomega.Equal([]*HookPos{HookPosAllocate, HookPosDeallocate, HookPosReset, HookPosFailure}))
	})
})
