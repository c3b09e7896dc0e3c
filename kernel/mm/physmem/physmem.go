// Package physmem simulates the machine's physical RAM. Frames are backed
// lazily so that multi-gigabyte memory maps cost nothing until touched. A
// frame that is touched for the first time reads back the poison pattern,
// just like uninitialized RAM would.
package physmem

import (
	"encoding/binary"

	"github.com/gmelodie/cruzos/kernel"
	"github.com/gmelodie/cruzos/kernel/mm"
	"github.com/gmelodie/cruzos/kernel/sync"
)

// DefaultPoison is the byte pattern returned by frames that have never been
// written to.
const DefaultPoison = byte(0xa5)

var (
	// ErrBusError is returned for accesses past the end of physical memory.
	ErrBusError = &kernel.Error{Module: "physmem", Message: "physical address out of range", Kind: kernel.KindProtocolViolation}

	// ErrBadWindowAddress is returned by DirectMap for virtual addresses
	// that fall outside the physical memory window.
	ErrBadWindowAddress = &kernel.Error{Module: "physmem", Message: "address outside the physical memory window", Kind: kernel.KindProtocolViolation}
)

type frameData [mm.PageSize]byte

// Memory is a sparse, byte addressable model of physical RAM.
type Memory struct {
	lock sync.Spinlock

	limit  uintptr
	poison byte
	frames map[mm.Frame]*frameData
}

// New returns a memory model covering physical addresses [0, limit).
func New(limit uintptr) *Memory {
	return &Memory{
		limit:  limit,
		poison: DefaultPoison,
		frames: make(map[mm.Frame]*frameData),
	}
}

// SetPoison changes the pattern returned by frames that are touched for the
// first time.
func (m *Memory) SetPoison(poison byte) {
	m.lock.Acquire()
	m.poison = poison
	m.lock.Release()
}

// Limit returns the first physical address past the end of memory.
func (m *Memory) Limit() uintptr {
	return m.limit
}

// ResidentFrames returns the number of frames that have been touched.
func (m *Memory) ResidentFrames() int {
	m.lock.Acquire()
	defer m.lock.Release()
	return len(m.frames)
}

func (m *Memory) checkRange(physAddr uintptr, size uintptr) *kernel.Error {
	if physAddr >= m.limit || size > m.limit-physAddr {
		return ErrBusError
	}
	return nil
}

// frameLocked returns the backing store of the frame, materializing it with
// the poison pattern if needed.
func (m *Memory) frameLocked(frame mm.Frame) *frameData {
	data, ok := m.frames[frame]
	if !ok {
		data = new(frameData)
		if m.poison != 0 {
			for i := range data {
				data[i] = m.poison
			}
		}
		m.frames[frame] = data
	}
	return data
}

// visitLocked invokes fn for each frame-contained chunk of [physAddr, physAddr+size).
func (m *Memory) visitLocked(physAddr, size uintptr, fn func(chunk []byte, done uintptr)) {
	for done := uintptr(0); done < size; {
		addr := physAddr + done
		offset := addr & uintptr(mm.PageSize-1)
		n := uintptr(mm.PageSize) - offset
		if n > size-done {
			n = size - done
		}

		data := m.frameLocked(mm.FrameFromAddress(addr))
		fn(data[offset:offset+n], done)
		done += n
	}
}

// Read copies len(buf) bytes starting at physAddr into buf.
func (m *Memory) Read(physAddr uintptr, buf []byte) *kernel.Error {
	if err := m.checkRange(physAddr, uintptr(len(buf))); err != nil {
		return err
	}

	m.lock.Acquire()
	m.visitLocked(physAddr, uintptr(len(buf)), func(chunk []byte, done uintptr) {
		copy(buf[done:], chunk)
	})
	m.lock.Release()
	return nil
}

// Write copies buf to physical memory starting at physAddr.
func (m *Memory) Write(physAddr uintptr, buf []byte) *kernel.Error {
	if err := m.checkRange(physAddr, uintptr(len(buf))); err != nil {
		return err
	}

	m.lock.Acquire()
	m.visitLocked(physAddr, uintptr(len(buf)), func(chunk []byte, done uintptr) {
		copy(chunk, buf[done:])
	})
	m.lock.Release()
	return nil
}

// Memset sets size bytes starting at physAddr to the supplied value.
func (m *Memory) Memset(physAddr uintptr, value byte, size mm.Size) *kernel.Error {
	if err := m.checkRange(physAddr, uintptr(size)); err != nil {
		return err
	}

	m.lock.Acquire()
	m.visitLocked(physAddr, uintptr(size), func(chunk []byte, _ uintptr) {
		if len(chunk) == 0 {
			return
		}
		// Set first element and make log2(size) optimized copies
		chunk[0] = value
		for index := 1; index < len(chunk); index *= 2 {
			copy(chunk[index:], chunk[:index])
		}
	})
	m.lock.Release()
	return nil
}

// ReadUint64 returns the little-endian 64-bit word at physAddr.
func (m *Memory) ReadUint64(physAddr uintptr) (uint64, *kernel.Error) {
	var buf [8]byte
	if err := m.Read(physAddr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 stores value as a little-endian 64-bit word at physAddr.
func (m *Memory) WriteUint64(physAddr uintptr, value uint64) *kernel.Error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return m.Write(physAddr, buf[:])
}
