package common

import (
	"context"
	"fmt"
	"time"
)

// waitUntil polls predicate every interval until it reports true, the
// timeout elapses or ctx is cancelled. Predicate errors are swallowed and
// polling continues; only the deadline surfaces them as ErrTimedOut. The
// predicate is evaluated once immediately before the first interval.
func waitUntil(ctx context.Context, predicate func(context.Context) (bool, error), timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	var lastErr error
	for {
		ok, err := predicate(ctx)
		if err == nil && ok {
			return nil
		}
		lastErr = err

		select {
		case <-deadline.C:
			if lastErr != nil {
				return fmt.Errorf("waiting for condition after %s (last attempt: %v): %w", timeout, lastErr, ErrTimedOut)
			}
			return fmt.Errorf("waiting for condition after %s: %w", timeout, ErrTimedOut)
		case <-ctx.Done():
			if err := ctx.Err(); err == context.DeadlineExceeded {
				return fmt.Errorf("waiting for condition: %w", ErrTimedOut)
			}
			return ctx.Err()
		case <-tick.C:
		}
	}
}
