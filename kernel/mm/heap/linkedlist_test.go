package heap

import (
	"math/rand"

	"github.com/gmelodie/cruzos/kernel"
	"github.com/gmelodie/cruzos/kernel/cpu"
	"github.com/gmelodie/cruzos/kernel/mm/vmm"
	. "github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
)

var _ = Describe("LinkedListAllocator", func() {
	var (
		c     *cpu.CPU
		mem   *vmm.VirtualMemory
		alloc *LinkedListAllocator
	)

	mustAllocate := func(size, align uintptr) uintptr {
		addr, err := alloc.Allocate(size, align)
		gomega.ExpectWithOffset(1, err).To(gomega.BeNil())
		return addr
	}

	mustDeallocate := func(addr, size uintptr) {
		gomega.ExpectWithOffset(1, alloc.Deallocate(addr, size)).To(gomega.BeNil())
	}

	BeforeEach(func() {
		var err *kernel.Error
		c, mem = newTestArena(testArenaSize)
		alloc, err = NewLinkedListAllocator(c, testArenaStart, testArenaSize, mem)
		gomega.Expect(err).To(gomega.BeNil())
	})

	It("should reject unusable arenas", func() {
		for _, arena := range [][2]uintptr{
			{testArenaStart + 8, testArenaSize},
			{0, testArenaSize},
			{testArenaStart, 8},
			{^uintptr(0) &^ 15, 4096},
		} {
			_, err := NewLinkedListAllocator(nil, arena[0], arena[1], mem)
			gomega.Expect(err).To(gomega.Equal(errBadArena), "arena 0x%x+0x%x", arena[0], arena[1])
		}
	})

	It("should carve allocations from the untouched tail", func() {
		gomega.Expect(mustAllocate(24, 8)).To(gomega.Equal(testArenaStart))
		// Blocks are rounded up to 16 bytes
		gomega.Expect(mustAllocate(8, 8)).To(gomega.Equal(testArenaStart + 32))
		gomega.Expect(mustAllocate(1, 1)).To(gomega.Equal(testArenaStart + 48))

		stats := alloc.Stats()
		gomega.Expect(stats.Next).To(gomega.Equal(testArenaStart + 64))
		gomega.Expect(stats.Allocations).To(gomega.Equal(uint64(3)))
		gomega.Expect(stats.FreeBlocks).To(gomega.Equal(0))
		gomega.Expect(uintptr(stats.Untouched())).To(gomega.Equal(testArenaSize - 64))
	})

	It("should honor the requested alignment", func() {
		gomega.Expect(mustAllocate(16, 4096)).To(gomega.Equal(testArenaStart))
		gomega.Expect(mustAllocate(16, 8)).To(gomega.Equal(testArenaStart + 16))
		gomega.Expect(mustAllocate(16, 4096)).To(gomega.Equal(testArenaStart + 4096))
		gomega.Expect(mustAllocate(100, 64)).To(gomega.Equal(testArenaStart + 4096 + 64))
	})

	It("should reuse a freed block before advancing the bump cursor", func() {
		a := mustAllocate(64, 8)
		mustAllocate(64, 8)
		mustDeallocate(a, 64)

		next := alloc.Stats().Next
		gomega.Expect(mustAllocate(48, 8)).To(gomega.Equal(a))
		gomega.Expect(alloc.Stats().Next).To(gomega.Equal(next))

		// The 16 byte leftover becomes a free block of its own
		gomega.Expect(alloc.FreeList()).To(gomega.Equal([]Block{{Addr: a + 48, Size: 16}}))
		gomega.Expect(mustAllocate(16, 16)).To(gomega.Equal(a + 48))
		gomega.Expect(alloc.Stats().Next).To(gomega.Equal(next))
		gomega.Expect(alloc.Stats().FreeBlocks).To(gomega.Equal(0))
	})

	It("should serve equal or smaller requests from a freed block", func() {
		blocker := mustAllocate(16, 8)
		for _, size := range []uintptr{256, 200, 129, 64, 17, 1} {
			a := mustAllocate(256, 16)
			mustDeallocate(a, 256)

			next := alloc.Stats().Next
			gomega.Expect(mustAllocate(size, 16)).To(gomega.Equal(a), "size %d", size)
			gomega.Expect(alloc.Stats().Next).To(gomega.Equal(next), "size %d", size)
		}
		gomega.Expect(blocker).To(gomega.Equal(testArenaStart))
	})

	It("should push freed blocks and leftovers to the front of the free list", func() {
		a := mustAllocate(64, 8)
		mustAllocate(16, 8)
		b := mustAllocate(128, 8)
		mustAllocate(16, 8)

		mustDeallocate(a, 64)
		mustDeallocate(b, 128)
		gomega.Expect(alloc.FreeList()).To(gomega.Equal([]Block{{Addr: b, Size: 128}, {Addr: a, Size: 64}}))

		// First fit takes the head
		gomega.Expect(mustAllocate(32, 8)).To(gomega.Equal(b))
		gomega.Expect(alloc.FreeList()).To(gomega.Equal([]Block{{Addr: b + 32, Size: 96}, {Addr: a, Size: 64}}))
	})

	It("should unlink blocks from the middle of the free list", func() {
		a := mustAllocate(64, 8)
		mustAllocate(16, 8)
		b := mustAllocate(128, 8)
		mustAllocate(16, 8)

		mustDeallocate(b, 128)
		mustDeallocate(a, 64)
		gomega.Expect(alloc.FreeList()).To(gomega.Equal([]Block{{Addr: a, Size: 64}, {Addr: b, Size: 128}}))

		// Only the second block can hold the request
		gomega.Expect(mustAllocate(96, 8)).To(gomega.Equal(b))
		gomega.Expect(alloc.FreeList()).To(gomega.Equal([]Block{{Addr: b + 96, Size: 32}, {Addr: a, Size: 64}}))

		gomega.Expect(mustAllocate(64, 8)).To(gomega.Equal(a))
		gomega.Expect(alloc.FreeList()).To(gomega.Equal([]Block{{Addr: b + 96, Size: 32}}))
	})

	It("should leak the padding in front of an aligned block", func() {
		mustAllocate(16, 16)
		y := mustAllocate(32, 16)
		mustAllocate(16, 16)
		gomega.Expect(y % 32).To(gomega.Equal(uintptr(16)))

		mustDeallocate(y, 32)
		next := alloc.Stats().Next

		gomega.Expect(mustAllocate(16, 32)).To(gomega.Equal(y + 16))
		gomega.Expect(alloc.FreeList()).To(gomega.BeEmpty())
		gomega.Expect(alloc.Stats().Next).To(gomega.Equal(next))
	})

	It("should reset the arena once the last block is freed", func() {
		sizes := []uintptr{24, 100, 8, 4000, 16, 333, 64, 1, 512, 48}
		addrs := make([]uintptr, len(sizes))
		for i, size := range sizes {
			addrs[i] = mustAllocate(size, 8)
		}

		for _, i := range []int{3, 0, 9, 5, 1, 8, 2, 7, 4, 6} {
			mustDeallocate(addrs[i], sizes[i])
		}

		stats := alloc.Stats()
		gomega.Expect(stats.Allocations).To(gomega.Equal(uint64(0)))
		gomega.Expect(stats.Next).To(gomega.Equal(testArenaStart))
		gomega.Expect(stats.FreeBlocks).To(gomega.Equal(0))

		gomega.Expect(mustAllocate(sizes[0], 8)).To(gomega.Equal(testArenaStart))
	})

	It("should report exhaustion of the arena", func() {
		mustAllocate(testArenaSize-16, 16)

		_, err := alloc.Allocate(32, 8)
		gomega.Expect(err).To(gomega.Equal(ErrOutOfMemory))
		gomega.Expect(err.Kind).To(gomega.Equal(kernel.KindResourceExhausted))
		gomega.Expect(alloc.HaltCause()).To(gomega.Equal(ErrOutOfMemory))

		_, err = alloc.Allocate(16, 8)
		gomega.Expect(err).To(gomega.Equal(ErrHalted))
		gomega.Expect(alloc.Deallocate(testArenaStart, testArenaSize-16)).To(gomega.Equal(ErrHalted))
	})

	It("should report exhaustion when the tail is too small and the free list is empty", func() {
		mustAllocate(testArenaSize/2, 16)
		_, err := alloc.Allocate(testArenaSize/2+16, 16)
		gomega.Expect(err).To(gomega.Equal(ErrOutOfMemory))
	})

	DescribeTable("invalid layouts",
		func(size, align uintptr) {
			_, err := alloc.Allocate(size, align)
			gomega.Expect(err).To(gomega.Equal(ErrInvalidLayout))
			gomega.Expect(err.Kind).To(gomega.Equal(kernel.KindConfigViolation))
			gomega.Expect(alloc.HaltCause()).To(gomega.Equal(ErrInvalidLayout))
		},
		Entry("zero size", uintptr(0), uintptr(8)),
		Entry("zero alignment", uintptr(16), uintptr(0)),
		Entry("non power-of-two alignment", uintptr(16), uintptr(24)),
		Entry("larger than the arena", testArenaSize+1, uintptr(8)),
		Entry("alignment pushing the block past the arena", uintptr(16), uintptr(1<<47)),
		Entry("overflowing size", ^uintptr(0), uintptr(8)),
	)

	DescribeTable("invalid frees",
		func(setup func() (uintptr, uintptr)) {
			addr, size := setup()
			gomega.Expect(alloc.Deallocate(addr, size)).To(gomega.Equal(ErrInvalidFree))
			gomega.Expect(alloc.HaltCause()).To(gomega.Equal(ErrInvalidFree))
		},
		Entry("no live allocations", func() (uintptr, uintptr) {
			return testArenaStart, 16
		}),
		Entry("address before the arena", func() (uintptr, uintptr) {
			mustAllocate(16, 8)
			return testArenaStart - 16, 16
		}),
		Entry("block past the bump cursor", func() (uintptr, uintptr) {
			a := mustAllocate(16, 8)
			return a, 32
		}),
		Entry("double free", func() (uintptr, uintptr) {
			a := mustAllocate(64, 8)
			mustAllocate(64, 8)
			mustDeallocate(a, 64)
			return a, 64
		}),
		Entry("block overlapping a free block", func() (uintptr, uintptr) {
			a := mustAllocate(64, 8)
			mustAllocate(64, 8)
			mustDeallocate(a, 64)
			return a + 32, 16
		}),
		Entry("zero size", func() (uintptr, uintptr) {
			a := mustAllocate(64, 8)
			return a, 0
		}),
	)

	It("should detect a corrupted free list", func() {
		a := mustAllocate(64, 8)
		mustAllocate(64, 8)
		mustDeallocate(a, 64)

		gomega.Expect(mem.WriteUint64(a+nodeNextOffset, 0x1234)).To(gomega.BeNil())

		_, err := alloc.Allocate(2048, 8)
		gomega.Expect(err).To(gomega.Equal(ErrCorruptFreeList))
	})

	It("should detect a free list cycle", func() {
		a := mustAllocate(64, 8)
		mustAllocate(64, 8)
		mustDeallocate(a, 64)

		gomega.Expect(mem.WriteUint64(a+nodeNextOffset, uint64(a))).To(gomega.BeNil())

		_, err := alloc.Allocate(2048, 8)
		gomega.Expect(err).To(gomega.Equal(ErrCorruptFreeList))
	})

	It("should report a corrupt free list in its stats", func() {
		a := mustAllocate(64, 8)
		mustAllocate(64, 8)
		mustDeallocate(a, 64)
		gomega.Expect(alloc.Stats().Err).To(gomega.BeNil())

		gomega.Expect(mem.WriteUint64(a+nodeNextOffset, 0x1234)).To(gomega.BeNil())

		stats := alloc.Stats()
		gomega.Expect(stats.Err).To(gomega.Equal(ErrCorruptFreeList))
		gomega.Expect(stats.FreeBlocks).To(gomega.Equal(1))
		gomega.Expect(alloc.HaltCause()).To(gomega.Equal(ErrCorruptFreeList))
	})

	It("should keep live blocks disjoint, aligned and untouched", func() {
		const (
			blocksPerEpoch = 64
			epochs         = 40
			magic          = uint64(0x6372757a6f73)
		)

		type block struct{ addr, size uintptr }
		rng := rand.New(rand.NewSource(42))

		free := func(live []block, index int) []block {
			b := live[index]
			word, err := mem.ReadUint64(b.addr)
			gomega.Expect(err).To(gomega.BeNil())
			gomega.Expect(word).To(gomega.Equal(magic^uint64(b.addr)), "live block 0x%x was overwritten", b.addr)

			mustDeallocate(b.addr, b.size)
			live[index] = live[len(live)-1]
			return live[:len(live)-1]
		}

		for epoch := 0; epoch < epochs; epoch++ {
			var live []block
			for allocated := 0; allocated < blocksPerEpoch; {
				if len(live) != 0 && rng.Intn(3) == 0 {
					live = free(live, rng.Intn(len(live)))
					continue
				}

				size := uintptr(1 + rng.Intn(512))
				align := uintptr(1) << uint(rng.Intn(7))
				addr := mustAllocate(size, align)
				allocated++

				gomega.Expect(addr%align).To(gomega.BeZero(), "0x%x is not aligned to %d", addr, align)
				gomega.Expect(addr).To(gomega.BeNumerically(">=", testArenaStart))
				gomega.Expect(addr + size).To(gomega.BeNumerically("<=", testArenaStart+testArenaSize))

				for _, other := range live {
					overlap := addr < other.addr+other.size && other.addr < addr+size
					gomega.Expect(overlap).To(gomega.BeFalse(), "[0x%x, 0x%x) overlaps [0x%x, 0x%x)", addr, addr+size, other.addr, other.addr+other.size)
				}

				gomega.Expect(mem.WriteUint64(addr, magic^uint64(addr))).To(gomega.BeNil())
				live = append(live, block{addr, size})
			}

			for len(live) != 0 {
				live = free(live, rng.Intn(len(live)))
			}

			gomega.Expect(alloc.Stats().Next).To(gomega.Equal(testArenaStart))
		}
	})

	It("should not run interrupt handlers inside the allocator", func() {
		c.EnableInterrupts()

		var handlerAddr uintptr
		alloc.lock.Acquire()
		c.RaiseInterrupt(func() {
			handlerAddr = mustAllocate(32, 8)
		})
		gomega.Expect(handlerAddr).To(gomega.BeZero())
		alloc.lock.Release()

		gomega.Expect(handlerAddr).To(gomega.Equal(testArenaStart))
	})

	It("should invoke hooks", func() {
		var events []string
		alloc.AcceptHook(HookFunc(func(ctx HookCtx) {
			gomega.Expect(ctx.Domain).To(gomega.BeIdenticalTo(alloc))
			tag := ctx.Pos.Name
			if ctx.Item.FromFreeList {
				tag += "(free list)"
			}
			events = append(events, tag)
		}))
		gomega.Expect(alloc.NumHooks()).To(gomega.Equal(1))

		a := mustAllocate(32, 8)
		b := mustAllocate(32, 8)
		mustDeallocate(a, 32)
		mustAllocate(32, 8)
		mustDeallocate(a, 32)
		mustDeallocate(b, 32)
		_, _ = alloc.Allocate(0, 8)

		gomega.Expect(events).To(gomega.Equal([]string{
			"Allocate",
			"Allocate",
			"Deallocate",
			"Allocate(free list)",
			"Deallocate",
			"Deallocate",
			"Reset",
			"Failure",
		}))
	})
})

var _ = DescribeTable("free list candidate rule",
	func(node freeNode, size, align uintptr, expOK bool, expStart, expLeftover uintptr) {
		start, leftover, ok := node.fit(size, align)
		gomega.Expect(ok).To(gomega.Equal(expOK))
		if expOK {
			gomega.Expect(start).To(gomega.Equal(expStart))
			gomega.Expect(leftover).To(gomega.Equal(expLeftover))
		}
	},
	Entry("exact fit", freeNode{addr: 0x1000, size: 64}, uintptr(64), uintptr(8), true, uintptr(0x1000), uintptr(0x1040)),
	Entry("leftover large enough for a node", freeNode{addr: 0x1000, size: 64}, uintptr(48), uintptr(8), true, uintptr(0x1000), uintptr(0x1030)),
	Entry("leftover too small for a node", freeNode{addr: 0x1000, size: 40}, uintptr(32), uintptr(8), false, uintptr(0), uintptr(0)),
	Entry("leftover aligned up for a node", freeNode{addr: 0x1000, size: 64}, uintptr(20), uintptr(4), true, uintptr(0x1000), uintptr(0x1018)),
	Entry("alignment pushes the block out", freeNode{addr: 0x1010, size: 32}, uintptr(32), uintptr(32), false, uintptr(0), uintptr(0)),
	Entry("aligned block at the end", freeNode{addr: 0x1010, size: 48}, uintptr(32), uintptr(32), true, uintptr(0x1020), uintptr(0x1040)),
	Entry("too small", freeNode{addr: 0x1000, size: 16}, uintptr(32), uintptr(8), false, uintptr(0), uintptr(0)),
)
