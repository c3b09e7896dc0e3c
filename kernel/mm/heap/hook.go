package heap

import "github.com/gmelodie/cruzos/kernel"

// HookPos defines the enum of possible hooking positions
type HookPos struct {
	Name string
}

// HookPosAllocate is triggered after a block is handed out.
var HookPosAllocate = &HookPos{Name: "Allocate"}

// HookPosDeallocate is triggered after a block is released.
var HookPosDeallocate = &HookPos{Name: "Deallocate"}

// HookPosReset is triggered when the last live block is released and the
// arena is reclaimed as a whole.
var HookPosReset = &HookPos{Name: "Reset"}

// HookPosFailure is triggered when a request is rejected.
var HookPosFailure = &HookPos{Name: "Failure"}

// Event describes the request that triggered a hook.
type Event struct {
	// Op is either "allocate" or "deallocate".
	Op string

	Addr, Size, Align uintptr

	// FromFreeList is set when an allocation reused a free list block.
	FromFreeList bool

	// Live is the number of live blocks after the request.
	Live uint64

	// Err is set for HookPosFailure.
	Err *kernel.Error
}

// HookCtx is the context that holds all the information about the site that a
// hook is triggered
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   Event
}

// Hookable defines an object that accept Hooks
type Hookable interface {
	// AcceptHook registers a hook
	AcceptHook(hook Hook)
}

// Hook is a short piece of program that can be invoked by a hookable object.
// Hooks run after the allocator lock is released but must not call back
// into the allocator that invoked them.
type Hook interface {
	// Func determines what to do if hook is invoked.
	Func(ctx HookCtx)
}

// HookFunc adapts a function to the Hook interface.
type HookFunc func(ctx HookCtx)

// Func implements Hook.
func (fn HookFunc) Func(ctx HookCtx) { fn(ctx) }

// A HookableBase provides some utility function for other type that implement
// the Hookable interface.
type HookableBase struct {
	Hooks []Hook
}

// AcceptHook register a hook
func (h *HookableBase) AcceptHook(hook Hook) {
	h.Hooks = append(h.Hooks, hook)
}

// NumHooks returns the number of registered hooks.
func (h *HookableBase) NumHooks() int {
	return len(h.Hooks)
}

// InvokeHook triggers the register Hooks
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.Hooks {
		hook.Func(ctx)
	}
}
