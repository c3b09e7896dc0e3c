package kfmt

import (
	"github.com/gmelodie/cruzos/kernel"
	"github.com/gmelodie/cruzos/kernel/cpu"
	"github.com/pkg/errors"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return on a real machine.
//
// Errors wrapped with github.com/pkg/errors are unwrapped so that the module
// of the originating *kernel.Error is reported together with the full
// context message.
func Panic(e interface{}) {
	var (
		module  string
		message string
	)

	switch t := e.(type) {
	case *kernel.Error:
		if t != nil {
			module, message = t.Module, t.Message
		}
	case string:
		module, message = errRuntimePanic.Module, t
	case error:
		module, message = errRuntimePanic.Module, t.Error()
		if kErr, ok := errors.Cause(t).(*kernel.Error); ok {
			module = kErr.Module
		}
	}

	Printf("\n-----------------------------------\n")
	if message != "" {
		Printf("[%s] unrecoverable error: %s\n", module, message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}
