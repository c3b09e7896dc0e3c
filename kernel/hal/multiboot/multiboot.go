// Package multiboot decodes the boot information handed to the kernel by a
// multiboot2 compliant bootloader. Only the tags required by the memory
// management code (memory map and boot command line) are interpreted.
package multiboot

import (
	"encoding/binary"
	"sort"
	"strings"

	"github.com/gmelodie/cruzos/kernel"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	// infoHeaderSize is the size of the {total_size, reserved} header that
	// precedes the first tag.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the {type, size} header of each tag.
	tagHeaderSize = 8

	// mmapHeaderSize is the size of the {entry_size, entry_version} header
	// of the memory map tag.
	mmapHeaderSize = 8

	// mmapEntrySize is the size of a version 0 memory map entry.
	mmapEntrySize = 24
)

var (
	errInfoTooShort     = &kernel.Error{Module: "multiboot", Message: "boot info is shorter than its header", Kind: kernel.KindConfigViolation}
	errBadMmapEntrySize = &kernel.Error{Module: "multiboot", Message: "memory map entry size is too small", Kind: kernel.KindConfigViolation}
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// ParseMemoryEntryType maps the names returned by MemoryEntryType.String (and
// the short aliases "usable", "acpi" and "nvs") back to a MemoryEntryType.
// Unrecognized names map to MemReserved.
func ParseMemoryEntryType(name string) MemoryEntryType {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "available", "usable":
		return MemAvailable
	case "acpi", "acpi (reclaimable)":
		return MemAcpiReclaimable
	case "nvs":
		return MemNvs
	default:
		return MemReserved
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// End returns the first physical address past the region.
func (e MemoryMapEntry) End() uint64 {
	return e.PhysAddress + e.Length
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// Info holds the decoded boot information.
type Info struct {
	regions   []MemoryMapEntry
	cmdLineKV map[string]string
}

// NewInfo returns boot information describing the supplied memory map. The
// regions are copied and sorted by physical address; unknown region types are
// treated as reserved.
func NewInfo(regions []MemoryMapEntry) *Info {
	info := &Info{
		regions:   make([]MemoryMapEntry, len(regions)),
		cmdLineKV: make(map[string]string),
	}
	copy(info.regions, regions)
	info.normalize()
	return info
}

// Parse decodes a multiboot2 information structure. Tags that extend past
// the end of data are ignored so that truncated dumps containing the memory
// map can still be decoded.
func Parse(data []byte) (*Info, *kernel.Error) {
	if len(data) < infoHeaderSize {
		return nil, errInfoTooShort
	}

	info := &Info{cmdLineKV: make(map[string]string)}

	totalSize := int(binary.LittleEndian.Uint32(data))
	if totalSize > len(data) || totalSize < infoHeaderSize {
		totalSize = len(data)
	}

	for offset := infoHeaderSize; offset+tagHeaderSize <= totalSize; {
		tag := tagType(binary.LittleEndian.Uint32(data[offset:]))
		size := int(binary.LittleEndian.Uint32(data[offset+4:]))
		if tag == tagMbSectionEnd || size < tagHeaderSize || offset+size > totalSize {
			break
		}

		payload := data[offset+tagHeaderSize : offset+size]
		switch tag {
		case tagMemoryMap:
			if err := info.parseMemoryMap(payload); err != nil {
				return nil, err
			}
		case tagBootCmdLine:
			info.parseCmdLine(payload)
		}

		// Tags are aligned at 8-byte aligned addresses
		offset += (size + 7) &^ 7
	}

	info.normalize()
	return info, nil
}

func (info *Info) parseMemoryMap(payload []byte) *kernel.Error {
	if len(payload) < mmapHeaderSize {
		return nil
	}

	entrySize := int(binary.LittleEndian.Uint32(payload))
	if entrySize < mmapEntrySize {
		return errBadMmapEntrySize
	}

	for cur := mmapHeaderSize; cur+mmapEntrySize <= len(payload); cur += entrySize {
		info.regions = append(info.regions, MemoryMapEntry{
			PhysAddress: binary.LittleEndian.Uint64(payload[cur:]),
			Length:      binary.LittleEndian.Uint64(payload[cur+8:]),
			Type:        MemoryEntryType(binary.LittleEndian.Uint32(payload[cur+16:])),
		})
	}

	return nil
}

func (info *Info) parseCmdLine(payload []byte) {
	// The command line is a C-style NULL-terminated string
	if end := strings.IndexByte(string(payload), 0); end >= 0 {
		payload = payload[:end]
	}

	for _, pair := range strings.Fields(string(payload)) {
		kv := strings.SplitN(pair, "=", 2)
		switch len(kv) {
		case 2: // foo=bar
			info.cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			info.cmdLineKV[kv[0]] = kv[0]
		}
	}
}

func (info *Info) normalize() {
	for i := range info.regions {
		// Mark unknown entry types as reserved
		if info.regions[i].Type == 0 || info.regions[i].Type >= memUnknown {
			info.regions[i].Type = MemReserved
		}
	}

	sort.SliceStable(info.regions, func(i, j int) bool {
		return info.regions[i].PhysAddress < info.regions[j].PhysAddress
	})
}

// VisitMemRegions invokes the supplied visitor for each memory region in
// ascending physical address order.
func (info *Info) VisitMemRegions(visitor MemRegionVisitor) {
	for i := range info.regions {
		region := info.regions[i]
		if !visitor(&region) {
			return
		}
	}
}

// MemRegions returns a copy of the memory map.
func (info *Info) MemRegions() []MemoryMapEntry {
	regions := make([]MemoryMapEntry, len(info.regions))
	copy(regions, info.regions)
	return regions
}

// HighestAddress returns the first physical address past the end of the
// highest region of any type.
func (info *Info) HighestAddress() uint64 {
	var highest uint64
	for _, region := range info.regions {
		if end := region.End(); end > highest {
			highest = end
		}
	}
	return highest
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel.
func (info *Info) GetBootCmdLine() map[string]string {
	return info.cmdLineKV
}

// Encode serializes the memory map and command line as a multiboot2
// information structure that Parse can decode.
func (info *Info) Encode() []byte {
	data := make([]byte, infoHeaderSize)

	if len(info.cmdLineKV) != 0 {
		keys := make([]string, 0, len(info.cmdLineKV))
		for key := range info.cmdLineKV {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		var pairs []string
		for _, key := range keys {
			if value := info.cmdLineKV[key]; value != key {
				pairs = append(pairs, key+"="+value)
			} else {
				pairs = append(pairs, key)
			}
		}
		data = appendTag(data, tagBootCmdLine, append([]byte(strings.Join(pairs, " ")), 0))
	}

	mmap := make([]byte, mmapHeaderSize, mmapHeaderSize+len(info.regions)*mmapEntrySize)
	binary.LittleEndian.PutUint32(mmap, mmapEntrySize)
	for _, region := range info.regions {
		var entry [mmapEntrySize]byte
		binary.LittleEndian.PutUint64(entry[0:], region.PhysAddress)
		binary.LittleEndian.PutUint64(entry[8:], region.Length)
		binary.LittleEndian.PutUint32(entry[16:], uint32(region.Type))
		mmap = append(mmap, entry[:]...)
	}
	data = appendTag(data, tagMemoryMap, mmap)
	data = appendTag(data, tagMbSectionEnd, nil)

	binary.LittleEndian.PutUint32(data, uint32(len(data)))
	return data
}

func appendTag(data []byte, tag tagType, payload []byte) []byte {
	var header [tagHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:], uint32(tag))
	binary.LittleEndian.PutUint32(header[4:], uint32(tagHeaderSize+len(payload)))
	data = append(data, header[:]...)
	data = append(data, payload...)
	for len(data)%8 != 0 {
		data = append(data, 0)
	}
	return data
}
