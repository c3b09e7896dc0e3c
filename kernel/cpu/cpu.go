// Package cpu models the processor state that the memory management code
// depends on: the active page directory register, the TLB and the interrupt
// flag.
package cpu

import (
	"sync"

	"github.com/tebeka/atexit"
)

var (
	// haltFn is invoked by Halt. Tests override it so that they can
	// observe a halt without terminating the test binary.
	haltFn = func() { atexit.Exit(1) }
)

// Halt stops instruction execution. On a hosted machine this runs the
// handlers registered with atexit and terminates the process.
func Halt() {
	haltFn()
}

// InterruptHandler is a function invoked when an interrupt is delivered.
// Handlers run with interrupts masked.
type InterruptHandler func()

// CPU models a single execution context. The zero value is not usable; use
// New to create one.
type CPU struct {
	mu sync.Mutex

	// cr3 holds the physical address of the active top-level page table.
	cr3 uintptr

	// tlb caches virtual page address -> physical frame address lookups.
	tlb        map[uintptr]uintptr
	tlbFlushes uint64

	interruptsEnabled bool

	// maskDepth counts the nested PushInterruptsOff calls. Interrupts
	// are only delivered when maskDepth is zero and interruptsEnabled is
	// set.
	maskDepth int
	pending   []InterruptHandler
}

// New returns a CPU with an empty TLB and interrupts disabled, which is the
// state the boot code runs in.
func New() *CPU {
	return &CPU{
		tlb: make(map[uintptr]uintptr),
	}
}

// EnableInterrupts enables interrupt handling and delivers any interrupts
// that were raised while they were disabled.
func (c *CPU) EnableInterrupts() {
	c.mu.Lock()
	c.interruptsEnabled = true
	pending := c.takePendingLocked()
	c.mu.Unlock()

	c.dispatch(pending)
}

// DisableInterrupts disables interrupt handling.
func (c *CPU) DisableInterrupts() {
	c.mu.Lock()
	c.interruptsEnabled = false
	c.mu.Unlock()
}

// InterruptsEnabled returns true if a raised interrupt would be delivered
// immediately.
func (c *CPU) InterruptsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interruptsEnabled && c.maskDepth == 0
}

// PushInterruptsOff masks interrupt delivery. Calls nest; each call must be
// matched by a call to PopInterruptsOff.
func (c *CPU) PushInterruptsOff() {
	c.mu.Lock()
	c.maskDepth++
	c.mu.Unlock()
}

// PopInterruptsOff undoes a PushInterruptsOff call. When the outermost
// level is popped, interrupts raised in the meantime are delivered.
func (c *CPU) PopInterruptsOff() {
	c.mu.Lock()
	if c.maskDepth == 0 {
		c.mu.Unlock()
		panic("cpu: PopInterruptsOff called without a matching PushInterruptsOff")
	}
	c.maskDepth--
	pending := c.takePendingLocked()
	c.mu.Unlock()

	c.dispatch(pending)
}

// RaiseInterrupt signals an interrupt. The handler runs immediately if
// interrupts are enabled and unmasked; otherwise it is queued.
func (c *CPU) RaiseInterrupt(handler InterruptHandler) {
	c.mu.Lock()
	if !c.interruptsEnabled || c.maskDepth != 0 {
		c.pending = append(c.pending, handler)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.dispatch([]InterruptHandler{handler})
}

// PendingInterrupts returns the number of queued interrupts.
func (c *CPU) PendingInterrupts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *CPU) takePendingLocked() []InterruptHandler {
	if !c.interruptsEnabled || c.maskDepth != 0 || len(c.pending) == 0 {
		return nil
	}

	pending := c.pending
	c.pending = nil
	return pending
}

func (c *CPU) dispatch(handlers []InterruptHandler) {
	for _, handler := range handlers {
		c.PushInterruptsOff()
		handler()
		c.PopInterruptsOff()
	}
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func (c *CPU) SwitchPDT(pdtPhysAddr uintptr) {
	c.mu.Lock()
	c.cr3 = pdtPhysAddr
	c.flushAllLocked()
	c.mu.Unlock()
}

// ActivePDT returns the physical address of the currently active page table.
func (c *CPU) ActivePDT() uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cr3
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func (c *CPU) FlushTLBEntry(virtAddr uintptr) {
	c.mu.Lock()
	delete(c.tlb, pageBase(virtAddr))
	c.tlbFlushes++
	c.mu.Unlock()
}

// FlushTLB drops all cached translations.
func (c *CPU) FlushTLB() {
	c.mu.Lock()
	c.flushAllLocked()
	c.mu.Unlock()
}

func (c *CPU) flushAllLocked() {
	for addr := range c.tlb {
		delete(c.tlb, addr)
	}
	c.tlbFlushes++
}

// TLBFlushCount returns the number of flush operations performed so far.
func (c *CPU) TLBFlushCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tlbFlushes
}

// LookupTLB returns the cached physical frame address for the page that
// contains virtAddr.
func (c *CPU) LookupTLB(virtAddr uintptr) (uintptr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	frameAddr, ok := c.tlb[pageBase(virtAddr)]
	return frameAddr, ok
}

// FillTLB caches the physical frame address for the page that contains
// virtAddr.
func (c *CPU) FillTLB(virtAddr, frameAddr uintptr) {
	c.mu.Lock()
	c.tlb[pageBase(virtAddr)] = frameAddr &^ (pageSize - 1)
	c.mu.Unlock()
}

// pageSize mirrors mm.PageSize; the cpu package sits below mm.
const pageSize = uintptr(1 << 12)

func pageBase(addr uintptr) uintptr {
	return addr &^ (pageSize - 1)
}
