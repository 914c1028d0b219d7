package util

import (
	"runtime/debug"

	"github.com/karstnetwork/karst/internal/logging"
)

// SafeGo runs fn on a new goroutine with panic recovery. Use in place of
// bare `go` statements so a panicking connection or session task cannot
// take down the whole node.
func SafeGo(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Error("goroutine panic recovered",
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}

// SafeGoWithName is SafeGo with a goroutine name included in the panic log.
func SafeGoWithName(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Error("goroutine panic recovered",
					"goroutine", name,
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}
