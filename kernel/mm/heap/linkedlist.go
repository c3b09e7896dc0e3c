package heap

import (
	"github.com/gmelodie/cruzos/kernel"
	"github.com/gmelodie/cruzos/kernel/cpu"
	"github.com/gmelodie/cruzos/kernel/mm"
	"github.com/gmelodie/cruzos/kernel/sync"
	"github.com/sirupsen/logrus"
)

const (
	// nodeSize is the size of the {size, next} header written at the
	// start of every free block.
	nodeSize = 16

	// nodeNextOffset is the offset of the next field inside a node.
	nodeNextOffset = 8

	// nodeAlign is the alignment required by a free list node.
	nodeAlign = 8

	// blockGranularity is the unit all block sizes are rounded up to.
	// Together with a 16-byte aligned arena it guarantees that every
	// block and every leftover can host a free list node.
	blockGranularity = 16
)

// Block describes a range of the arena.
type Block struct {
	Addr, Size uintptr
}

// freeNode is the in-memory form of a free list node.
type freeNode struct {
	addr, size, next uintptr
}

// LinkedListAllocator manages an arena with a bump cursor and an unordered,
// singly linked list of free blocks. The list nodes live inside the free
// blocks themselves.
//
// Allocations are first served from the first free block that can hold the
// request without leaving a sliver too small for a node; any leftover is
// pushed back to the front of the list. When no free block fits, the block
// is carved from the untouched tail of the arena. Freed blocks are pushed to
// the front of the list and are never coalesced. Once the last live block is
// freed the whole arena is reclaimed: the bump cursor returns to the arena
// start and the free list is emptied.
//
// All errors except ErrHalted latch the allocator into a halted state.
type LinkedListAllocator struct {
	HookableBase

	lock *sync.IRQSpinlock
	mem  Memory

	start, end uintptr

	// next is the bump cursor.
	next uintptr

	// allocations is the number of live blocks.
	allocations uint64

	// head is the free list sentinel; only its next field is used and it
	// can never be allocated.
	head freeNode

	haltErr *kernel.Error
}

// NewLinkedListAllocator returns an allocator for the arena [start,
// start+size). The arena must already be mapped and accessible through mem.
// Interrupts are masked on c while the allocator state is updated; c may be
// nil.
func NewLinkedListAllocator(c *cpu.CPU, start, size uintptr, mem Memory) (*LinkedListAllocator, *kernel.Error) {
	if err := checkArena(start, size); err != nil {
		return nil, err
	}

	return &LinkedListAllocator{
		lock:  sync.NewIRQSpinlock(c),
		mem:   mem,
		start: start,
		end:   start + size,
		next:  start,
	}, nil
}

// Allocate returns the address of a block of at least size bytes whose
// address is a multiple of align.
func (l *LinkedListAllocator) Allocate(size, align uintptr) (uintptr, *kernel.Error) {
	l.lock.Acquire()
	ev, err := l.allocateLocked(size, align)
	l.lock.Release()

	l.notify(ev, err, false)
	return ev.Addr, err
}

// Deallocate releases a block previously returned by Allocate.
func (l *LinkedListAllocator) Deallocate(addr, size uintptr) *kernel.Error {
	l.lock.Acquire()
	ev, reset, err := l.deallocateLocked(addr, size)
	l.lock.Release()

	l.notify(ev, err, reset)
	return err
}

func (l *LinkedListAllocator) allocateLocked(size, align uintptr) (Event, *kernel.Error) {
	ev := Event{Op: "allocate", Size: size, Align: align}

	if l.haltErr != nil {
		return ev, ErrHalted
	}

	blockSize, err := l.layout(size, align)
	if err != nil {
		return ev, l.failLocked(err)
	}

	// First fit from the free list
	var (
		prev  uintptr
		cur   = l.head.next
		limit = l.maxNodes()
	)
	for steps := uintptr(0); cur != 0; steps++ {
		if steps == limit {
			return ev, l.failLocked(ErrCorruptFreeList)
		}

		node, err := l.readNode(cur)
		if err != nil {
			return ev, l.failLocked(err)
		}

		allocStart, leftoverStart, ok := node.fit(blockSize, align)
		if !ok {
			prev, cur = cur, node.next
			continue
		}

		if err = l.unlink(prev, node.next); err != nil {
			return ev, l.failLocked(err)
		}

		if regionEnd := node.addr + node.size; leftoverStart < regionEnd {
			if err = l.push(leftoverStart, regionEnd-leftoverStart); err != nil {
				return ev, l.failLocked(err)
			}
		}

		l.allocations++
		ev.Addr, ev.FromFreeList, ev.Live = allocStart, true, l.allocations
		return ev, nil
	}

	// Carve the block from the untouched tail of the arena
	allocStart, ok := mm.AlignUpChecked(l.next, align)
	allocEnd := allocStart + blockSize
	if !ok || allocEnd < allocStart || allocEnd > l.end {
		return ev, l.failLocked(ErrOutOfMemory)
	}

	l.next = allocEnd
	l.allocations++
	ev.Addr, ev.Live = allocStart, l.allocations
	return ev, nil
}

func (l *LinkedListAllocator) deallocateLocked(addr, size uintptr) (Event, bool, *kernel.Error) {
	ev := Event{Op: "deallocate", Addr: addr, Size: size}

	if l.haltErr != nil {
		return ev, false, ErrHalted
	}

	blockSize, ok := normalizeSize(size)
	if !ok || l.allocations == 0 || addr < l.start || addr+blockSize < addr || addr+blockSize > l.next {
		return ev, false, l.failLocked(ErrInvalidFree)
	}

	// A block overlapping a free block is either freed twice or was never
	// handed out.
	err := l.visitFreeList(func(node freeNode) bool {
		return addr >= node.addr+node.size || node.addr >= addr+blockSize
	})
	if err != nil {
		return ev, false, l.failLocked(err)
	}

	l.allocations--
	ev.Live = l.allocations

	if l.allocations == 0 {
		l.next = l.start
		l.head.next = 0
		return ev, true, nil
	}

	if blockSize >= nodeSize && addr%nodeAlign == 0 {
		if err = l.push(addr, blockSize); err != nil {
			return ev, false, l.failLocked(err)
		}
	}

	return ev, false, nil
}

// layout validates a request and returns the size of the block that will
// back it.
func (l *LinkedListAllocator) layout(size, align uintptr) (uintptr, *kernel.Error) {
	if !mm.IsPowerOfTwo(align) {
		return 0, ErrInvalidLayout
	}

	blockSize, ok := normalizeSize(size)
	if !ok || blockSize > l.end-l.start {
		return 0, ErrInvalidLayout
	}

	// The request must fit an empty arena
	firstFit, ok := mm.AlignUpChecked(l.start, align)
	if !ok || firstFit+blockSize < firstFit || firstFit+blockSize > l.end {
		return 0, ErrInvalidLayout
	}

	return blockSize, nil
}

// normalizeSize rounds size up so that the block can later host a free list
// node.
func normalizeSize(size uintptr) (uintptr, bool) {
	if size == 0 {
		return 0, false
	}

	if size < nodeSize {
		size = nodeSize
	}
	return mm.AlignUpChecked(size, blockGranularity)
}

// fit checks whether the node can serve a block of the given size and
// alignment. It returns the block address and the start of the leftover
// region; the leftover is either empty or large enough for a node.
func (n freeNode) fit(size, align uintptr) (uintptr, uintptr, bool) {
	regionEnd := n.addr + n.size

	allocStart, ok := mm.AlignUpChecked(n.addr, align)
	if !ok {
		return 0, 0, false
	}

	allocEnd := allocStart + size
	if allocEnd < allocStart || allocEnd > regionEnd {
		return 0, 0, false
	}

	if allocEnd == regionEnd {
		return allocStart, regionEnd, true
	}

	leftoverStart := mm.AlignUp(allocEnd, nodeAlign)
	if leftoverStart > regionEnd || regionEnd-leftoverStart < nodeSize {
		return 0, 0, false
	}

	return allocStart, leftoverStart, true
}

// maxNodes is an upper bound for the length of a sane free list.
func (l *LinkedListAllocator) maxNodes() uintptr {
	return (l.end-l.start)/nodeSize + 1
}

func (l *LinkedListAllocator) readNode(addr uintptr) (freeNode, *kernel.Error) {
	if addr < l.start || addr%nodeAlign != 0 || addr > l.end-nodeSize {
		return freeNode{}, ErrCorruptFreeList
	}

	size, err := l.mem.ReadUint64(addr)
	if err != nil {
		return freeNode{}, err
	}

	next, err := l.mem.ReadUint64(addr + nodeNextOffset)
	if err != nil {
		return freeNode{}, err
	}

	node := freeNode{addr: addr, size: uintptr(size), next: uintptr(next)}
	if node.size < nodeSize || node.size > l.end-addr {
		return freeNode{}, ErrCorruptFreeList
	}

	return node, nil
}

// push writes a node for [addr, addr+size) and makes it the list head.
func (l *LinkedListAllocator) push(addr, size uintptr) *kernel.Error {
	if err := l.mem.WriteUint64(addr, uint64(size)); err != nil {
		return err
	}

	if err := l.mem.WriteUint64(addr+nodeNextOffset, uint64(l.head.next)); err != nil {
		return err
	}

	l.head.next = addr
	return nil
}

// unlink points the node at prev (or the sentinel if prev is 0) to next.
func (l *LinkedListAllocator) unlink(prev, next uintptr) *kernel.Error {
	if prev == 0 {
		l.head.next = next
		return nil
	}
	return l.mem.WriteUint64(prev+nodeNextOffset, uint64(next))
}

// visitFreeList invokes visitor for each free list node. It returns
// ErrInvalidFree if visitor returns false.
func (l *LinkedListAllocator) visitFreeList(visitor func(freeNode) bool) *kernel.Error {
	limit := l.maxNodes()
	for cur, steps := l.head.next, uintptr(0); cur != 0; steps++ {
		if steps == limit {
			return ErrCorruptFreeList
		}

		node, err := l.readNode(cur)
		if err != nil {
			return err
		}

		if !visitor(node) {
			return ErrInvalidFree
		}
		cur = node.next
	}

	return nil
}

// FreeList returns the blocks in the free list in list order.
func (l *LinkedListAllocator) FreeList() ([]Block, *kernel.Error) {
	l.lock.Acquire()
	defer l.lock.Release()

	var blocks []Block
	err := l.visitFreeList(func(node freeNode) bool {
		blocks = append(blocks, Block{Addr: node.addr, Size: node.size})
		return true
	})
	return blocks, err
}

// Stats returns a snapshot of the allocator state.
func (l *LinkedListAllocator) Stats() Stats {
	l.lock.Acquire()
	defer l.lock.Release()

	stats := Stats{
		ArenaStart:  l.start,
		ArenaEnd:    l.end,
		Next:        l.next,
		Allocations: l.allocations,
	}

	if err := l.visitFreeList(func(node freeNode) bool {
		stats.FreeBlocks++
		stats.FreeBytes += node.size
		return true
	}); err != nil {
		stats.Err = l.failLocked(err)
	}

	return stats
}

// HaltCause returns the fatal error that halted the allocator or nil.
func (l *LinkedListAllocator) HaltCause() *kernel.Error {
	l.lock.Acquire()
	defer l.lock.Release()
	return l.haltErr
}

func (l *LinkedListAllocator) failLocked(err *kernel.Error) *kernel.Error {
	if err.Fatal() && l.haltErr == nil {
		l.haltErr = err
		log.WithFields(logrus.Fields{
			"cause": err.Kind,
			"live":  l.allocations,
			"next":  l.next,
		}).Error(err.Message)
	}
	return err
}

func (l *LinkedListAllocator) notify(ev Event, err *kernel.Error, reset bool) {
	if len(l.Hooks) == 0 {
		return
	}

	if err != nil {
		ev.Err = err
		l.InvokeHook(HookCtx{Domain: l, Pos: HookPosFailure, Item: ev})
		return
	}

	pos := HookPosAllocate
	if ev.Op == "deallocate" {
		pos = HookPosDeallocate
	}
	l.InvokeHook(HookCtx{Domain: l, Pos: pos, Item: ev})

	if reset {
		l.InvokeHook(HookCtx{Domain: l, Pos: HookPosReset, Item: ev})
	}
}
