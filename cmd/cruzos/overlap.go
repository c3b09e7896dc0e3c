package main

import (
	gosync "sync"

	"github.com/google/btree"
	"github.com/pkg/errors"
)

// span is a live block [start, end).
type span struct {
	start, end uintptr
}

func spanLess(a, b span) bool { return a.start < b.start }

// overlapChecker tracks live blocks ordered by address and reports any block
// that overlaps a block that is still live.
type overlapChecker struct {
	mu   gosync.Mutex
	tree *btree.BTreeG[span]
}

func newOverlapChecker() *overlapChecker {
	return &overlapChecker{tree: btree.NewG(8, spanLess)}
}

// Add records the block [addr, addr+size).
func (c *overlapChecker) Add(addr, size uintptr) error {
	s := span{start: addr, end: addr + size}

	c.mu.Lock()
	defer c.mu.Unlock()

	var conflict *span
	c.tree.DescendLessOrEqual(s, func(prev span) bool {
		if prev.end > s.start {
			conflict = &prev
		}
		return false
	})
	if conflict == nil {
		c.tree.AscendGreaterOrEqual(s, func(next span) bool {
			if next.start < s.end {
				conflict = &next
			}
			return false
		})
	}

	if conflict != nil {
		return errors.Errorf("block [0x%x, 0x%x) overlaps live block [0x%x, 0x%x)", s.start, s.end, conflict.start, conflict.end)
	}

	c.tree.ReplaceOrInsert(s)
	return nil
}

// Remove forgets the block starting at addr.
func (c *overlapChecker) Remove(addr uintptr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, found := c.tree.Delete(span{start: addr}); !found {
		return errors.Errorf("block at 0x%x is not live", addr)
	}
	return nil
}

// Len returns the number of live blocks.
func (c *overlapChecker) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Len()
}
