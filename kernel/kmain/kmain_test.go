package kmain

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/gmelodie/cruzos/kernel"
	"github.com/gmelodie/cruzos/kernel/hal/multiboot"
	"github.com/gmelodie/cruzos/kernel/kfmt"
	"github.com/gmelodie/cruzos/kernel/mm"
	"github.com/gmelodie/cruzos/kernel/mm/heap"
	"github.com/gmelodie/cruzos/kernel/mm/pmm"
	"github.com/gmelodie/cruzos/kernel/mm/vmm"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cruzos.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	info := cfg.BootInfo()
	assert.Equal(t, uint64(0x100000000), info.HighestAddress())
	assert.Len(t, info.MemRegions(), 6)
	assert.Equal(t, multiboot.MemAvailable, info.MemRegions()[3].Type)
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"
allocator = "bump"

[heap]
start = 0x100000000
size = 8192

[[memory_map]]
base = 0x100000
length = 0x1000000
type = "usable"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, AllocatorBump, cfg.Allocator)
	assert.Equal(t, RegionConfig{Start: 0x100000000, Size: 8192}, cfg.Heap)
	assert.Equal(t, []MemoryRegion{{Base: 0x100000, Length: 0x1000000, Type: "usable"}}, cfg.MemoryMap)

	// untouched keys keep their defaults
	assert.Equal(t, uint64(PhysOffset), cfg.PhysOffset)
	assert.Equal(t, uint64(UserCodeStart), cfg.UserCode.Start)
}

func TestLoadConfigErrors(t *testing.T) {
	specs := map[string]string{
		"unknown key":        `heap_start = 1`,
		"bad allocator":      `allocator = "slab"`,
		"bad log level":      `log_level = "loud"`,
		"empty heap":         "[heap]\nsize = 0",
		"overflowing heap":   "[heap]\nstart = 0xffffffffffffff00\nsize = 0x1000",
		"empty user code":    "[user_code]\nsize = 0",
		"overflowing region": "[[memory_map]]\nbase = 0xffffffffffffff00\nlength = 0x1000",
		"syntax error":       `allocator = `,
	}

	for name, contents := range specs {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, contents))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestBoot(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	k, err := Boot(DefaultConfig())
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "[kmain] Mapping heap...\n")
	assert.True(t, k.PageDirectoryTable().Active())
	assert.True(t, k.CPU().InterruptsEnabled())
	assert.Same(t, k.Heap(), heap.Default())

	heapPages := HeapSize.Pages()
	for i := uint64(0); i < heapPages; i++ {
		addr := HeapStart + uintptr(i)*uintptr(mm.PageSize)
		_, flags, kErr := k.PageDirectoryTable().Lookup(mm.PageFromAddress(addr))
		require.Nil(t, kErr, "heap page %d", i)
		assert.True(t, flags&vmm.FlagRW != 0)
		assert.True(t, flags&vmm.FlagUserAccessible == 0)
	}

	_, kErr := k.Translate(HeapStart + uintptr(HeapSize))
	assert.Equal(t, vmm.ErrInvalidMapping, kErr)

	addr, kErr := heap.Alloc(64, 8)
	require.Nil(t, kErr)
	assert.Equal(t, HeapStart, addr)
	require.Nil(t, k.VirtualMemory().WriteUint64(addr, 0xdeadbeef))
	require.Nil(t, heap.Free(addr, 64))

	var mapBuf bytes.Buffer
	k.PrintMemoryMap(&mapBuf)
	assert.Contains(t, mapBuf.String(), "kernel loaded at 0x100000 - 0x200000")
}

func TestPrintHeap(t *testing.T) {
	k, err := Boot(DefaultConfig())
	require.NoError(t, err)

	a, kErr := k.Heap().Allocate(64, 8)
	require.Nil(t, kErr)
	_, kErr = k.Heap().Allocate(32, 8)
	require.Nil(t, kErr)
	require.Nil(t, k.Heap().Deallocate(a, 64))

	var buf bytes.Buffer
	k.PrintHeap(&buf)

	exp := "[heap] linked_list allocator at 0x444444440000 - 0x444444459000, untouched: 102304 bytes\n" +
		"[heap] live blocks: 1, free blocks: 1 (64 bytes)\n" +
		"[heap] \t[0x444444440000 - 0x444444440040]\n"
	assert.Equal(t, exp, buf.String())
}

func TestBootBumpAllocator(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Allocator = AllocatorBump

	k, err := Boot(cfg)
	require.NoError(t, err)
	require.IsType(t, &heap.BumpAllocator{}, k.Heap())

	addr, kErr := k.Heap().Allocate(16, 16)
	require.Nil(t, kErr)
	assert.Equal(t, HeapStart, addr)
}

func TestBootErrors(t *testing.T) {
	t.Run("invalid config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Allocator = "slab"

		_, err := Boot(cfg)
		assert.Error(t, err)
	})

	t.Run("out of frames", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Kernel = KernelConfig{}
		cfg.MemoryMap = []MemoryRegion{
			{Base: 0x100000, Length: 4 * uint64(mm.PageSize), Type: "available"},
		}

		_, err := Boot(cfg)
		require.Error(t, err)
		assert.Equal(t, pmm.ErrOutOfMemory, errors.Cause(err))
	})

	t.Run("misaligned heap", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Heap.Start++

		_, err := Boot(cfg)
		require.Error(t, err)
		kErr, ok := errors.Cause(err).(*kernel.Error)
		require.True(t, ok)
		assert.Equal(t, "heap", kErr.Module)
	})
}

func TestUserCode(t *testing.T) {
	k, err := Boot(DefaultConfig())
	require.NoError(t, err)

	_, err = k.MapUserCode(0)
	assert.Equal(t, errUserCodeSize, errors.Cause(err))

	_, err = k.MapUserCode(UserCodeMaxSize + 1)
	assert.Equal(t, errUserCodeSize, errors.Cause(err))

	assert.Equal(t, errUserCodeUnmapped, k.FreeUserCode())

	start, err := k.MapUserCode(100)
	require.NoError(t, err)
	assert.Equal(t, UserCodeStart, start)

	_, flags, kErr := k.PageDirectoryTable().Lookup(mm.PageFromAddress(start))
	require.Nil(t, kErr)
	assert.Equal(t, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible, flags&(vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible))

	_, err = k.MapUserCode(100)
	assert.Equal(t, errUserCodeMapped, err)

	require.NoError(t, k.FreeUserCode())
	_, kErr = k.Translate(start)
	assert.Equal(t, vmm.ErrInvalidMapping, kErr)

	// the region can be mapped again once freed
	_, err = k.MapUserCode(UserCodeMaxSize)
	require.NoError(t, err)
	require.NoError(t, k.FreeUserCode())
}
