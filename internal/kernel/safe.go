package kernel

import (
	"fmt"
	"runtime/debug"
)

// runSafely calls fn and turns a panic into an error carrying scope and the
// panicking goroutine's stack.
func runSafely(scope string, fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%s: panic: %v\n%s", scope, recovered, debug.Stack())
		}
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}
