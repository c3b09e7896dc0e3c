package kmain

import (
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/gmelodie/cruzos/kernel/hal/multiboot"
	"github.com/gmelodie/cruzos/kernel/kfmt"
	"github.com/gmelodie/cruzos/kernel/mm"
	"github.com/pkg/errors"
)

const (
	// HeapStart is the virtual address where the kernel heap arena begins.
	HeapStart = uintptr(0x4444_4444_0000)

	// HeapSize is the default size of the kernel heap arena.
	HeapSize = 100 * mm.Kb

	// UserCodeStart is the virtual address of the user code region.
	UserCodeStart = uintptr(0x5555_5555_0000)

	// UserCodeMaxSize is the largest user code region that can be mapped.
	UserCodeMaxSize = 4 * mm.Kb

	// PhysOffset is the default address of the physical memory window.
	PhysOffset = uintptr(0xffff_8000_0000_0000)
)

// Allocator kinds accepted by Config.Allocator.
const (
	AllocatorLinkedList = "linked_list"
	AllocatorBump       = "bump"
)

// Config is the boot configuration of the kernel.
type Config struct {
	// LogLevel is the minimum level of the kernel log (e.g. "info").
	LogLevel string `toml:"log_level"`

	// Allocator selects the heap allocator: "linked_list" or "bump".
	Allocator string `toml:"allocator"`

	// PhysOffset is the virtual address at which all physical memory is
	// visible.
	PhysOffset uint64 `toml:"phys_offset"`

	Kernel    KernelConfig   `toml:"kernel"`
	Heap      RegionConfig   `toml:"heap"`
	UserCode  RegionConfig   `toml:"user_code"`
	MemoryMap []MemoryRegion `toml:"memory_map"`
}

// KernelConfig describes the physical extent of the kernel image. Frames in
// [Start, End) are never handed out by the frame source.
type KernelConfig struct {
	Start uint64 `toml:"start"`
	End   uint64 `toml:"end"`
}

// RegionConfig describes a virtual memory region.
type RegionConfig struct {
	Start uint64 `toml:"start"`
	Size  uint64 `toml:"size"`
}

// MemoryRegion is a firmware memory map entry. Type is one of the names
// accepted by multiboot.ParseMemoryEntryType.
type MemoryRegion struct {
	Base   uint64 `toml:"base"`
	Length uint64 `toml:"length"`
	Type   string `toml:"type"`
}

// DefaultConfig returns the configuration of a 128M QEMU machine.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:   "info",
		Allocator:  AllocatorLinkedList,
		PhysOffset: uint64(PhysOffset),
		Kernel:     KernelConfig{Start: 0x100000, End: 0x200000},
		Heap:       RegionConfig{Start: uint64(HeapStart), Size: uint64(HeapSize)},
		UserCode:   RegionConfig{Start: uint64(UserCodeStart), Size: uint64(UserCodeMaxSize)},
		MemoryMap: []MemoryRegion{
			{Base: 0, Length: 0x9fc00, Type: "available"},
			{Base: 0x9fc00, Length: 0x400, Type: "reserved"},
			{Base: 0xf0000, Length: 0x10000, Type: "reserved"},
			{Base: 0x100000, Length: 0x7ee0000, Type: "available"},
			{Base: 0x7fe0000, Length: 0x20000, Type: "reserved"},
			{Base: 0xfffc0000, Length: 0x40000, Type: "reserved"},
		},
	}
}

// LoadConfig decodes the TOML file at path on top of DefaultConfig. Keys
// that do not correspond to a Config field are rejected.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}

	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, errors.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if err = cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}

	return cfg, nil
}

// Validate checks the configuration for values that Boot can never use.
func (cfg *Config) Validate() error {
	if _, err := kfmt.ParseLevel(cfg.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}

	switch cfg.Allocator {
	case AllocatorLinkedList, AllocatorBump:
	default:
		return errors.Errorf("allocator: unsupported allocator %q", cfg.Allocator)
	}

	if cfg.Heap.Size == 0 || cfg.Heap.Start+cfg.Heap.Size < cfg.Heap.Start {
		return errors.Errorf("heap: invalid region [0x%x, +0x%x)", cfg.Heap.Start, cfg.Heap.Size)
	}

	if cfg.UserCode.Size == 0 || cfg.UserCode.Start+cfg.UserCode.Size < cfg.UserCode.Start {
		return errors.Errorf("user_code: invalid region [0x%x, +0x%x)", cfg.UserCode.Start, cfg.UserCode.Size)
	}

	if len(cfg.MemoryMap) == 0 {
		return errors.New("memory_map: no regions")
	}

	for i, region := range cfg.MemoryMap {
		if region.Base+region.Length < region.Base {
			return errors.Errorf("memory_map[%d]: region overflows the address space", i)
		}
	}

	return nil
}

// BootInfo converts the configured memory map into boot information.
func (cfg *Config) BootInfo() *multiboot.Info {
	regions := make([]multiboot.MemoryMapEntry, 0, len(cfg.MemoryMap))
	for _, region := range cfg.MemoryMap {
		regions = append(regions, multiboot.MemoryMapEntry{
			PhysAddress: region.Base,
			Length:      region.Length,
			Type:        multiboot.ParseMemoryEntryType(region.Type),
		})
	}

	return multiboot.NewInfo(regions)
}
