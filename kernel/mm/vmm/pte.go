package vmm

import (
	"strings"

	"github.com/gmelodie/cruzos/kernel/mm"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

var flagNames = []struct {
	flag PageTableEntryFlag
	name string
}{
	{FlagPresent, "present"},
	{FlagRW, "rw"},
	{FlagUserAccessible, "user"},
	{FlagWriteThroughCaching, "write-through"},
	{FlagDoNotCache, "no-cache"},
	{FlagAccessed, "accessed"},
	{FlagDirty, "dirty"},
	{FlagHugePage, "huge"},
	{FlagGlobal, "global"},
	{FlagNoExecute, "nx"},
}

// String implements fmt.Stringer for PageTableEntryFlag.
func (f PageTableEntryFlag) String() string {
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}

	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseFlags converts a list of flag names (as returned by String) into a
// PageTableEntryFlag. Unknown names are reported via the second return value.
func ParseFlags(names ...string) (PageTableEntryFlag, []string) {
	var (
		flags   PageTableEntryFlag
		unknown []string
	)

next:
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		for _, fn := range flagNames {
			if fn.name == name {
				flags |= fn.flag
				continue next
			}
		}
		unknown = append(unknown, name)
	}

	return flags, unknown
}

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. The actual format
// of the entry and flags is architecture-dependent.
type pageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// Flags returns the flag bits of the entry.
func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint64(pte) &^ ptePhysPageMask)
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint64(*pte) &^ uint64(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint64(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame .
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uint64(*pte) &^ ptePhysPageMask) | (uint64(frame.Address()) & ptePhysPageMask))
}
