// Command cruzos boots the memory management core on a simulated machine
// and exposes it for inspection and stress testing.
package main

import (
	"os"

	"github.com/gmelodie/cruzos/kernel"
	"github.com/gmelodie/cruzos/kernel/kfmt"
	"github.com/pkg/errors"
)

var (
	// Mocked by tests.
	panicFn = kfmt.Panic
	exitFn  = os.Exit
)

func main() {
	handleError(newRootCmd().Execute())
}

// handleError halts the machine through kfmt.Panic when err was caused by a
// fatal kernel error. Any other error exits with status 1.
func handleError(err error) {
	if err == nil {
		return
	}

	if kErr, ok := errors.Cause(err).(*kernel.Error); ok && kErr.Fatal() {
		panicFn(err)
		return
	}

	exitFn(1)
}
