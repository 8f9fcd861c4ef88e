// Package testutil provides helpers shared by the webworker test suites:
// polling for asynchronous state and hosting goja event loops.
package testutil

import (
	"context"
	"fmt"
	"time"
)

// Poll repeatedly checks condition until it returns true, the timeout
// expires, or ctx is done.
func Poll(ctx context.Context, condition func() bool, timeout time.Duration, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if condition() {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("timeout waiting for condition (threshold: %v)", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForState polls getter until predicate accepts its value, returning that
// value. On timeout or cancellation it returns the zero value.
func WaitForState[T any](ctx context.Context, getter func() T, predicate func(T) bool, timeout time.Duration, interval time.Duration) (T, error) {
	var last T
	err := Poll(ctx, func() bool {
		last = getter()
		return predicate(last)
	}, timeout, interval)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("waiting for %T: %w", zero, err)
	}
	return last, nil
}
