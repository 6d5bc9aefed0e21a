// Package watchdog bounds the wall time of blocking calls that cannot be
// cancelled cooperatively.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when the call outlives its budget.
var ErrTimeout = errors.New("watchdog: call timed out")

// ErrPanic is returned when fn panics.
var ErrPanic = errors.New("watchdog: call panicked")

// Run executes fn on its own goroutine and waits at most timeout for it. On
// expiry fn is abandoned: it keeps running until it returns on its own and
// its result is discarded. A cancelled ctx also abandons the call. A panic
// in fn is returned as ErrPanic.
func Run[T any](ctx context.Context, timeout time.Duration, fn func() T) (T, error) {
	var zero T
	done := make(chan T, 1)
	failed := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				failed <- fmt.Errorf("%w: %v", ErrPanic, r)
			}
		}()
		done <- fn()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-done:
		return v, nil
	case err := <-failed:
		return zero, err
	case <-timer.C:
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return zero, fmt.Errorf("watchdog wait canceled: %w", ctx.Err())
	}
}
