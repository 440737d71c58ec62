package apperr

import (
	"context"
	"log/slog"
	"time"
)

// Retry calls fn until it succeeds, returns a non-upstream error, or attempts run out.
// The wait doubles after each upstream failure, starting at base.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	wait := base
	var err error
	for i := 0; i < attempts; i++ {
		err = fn(ctx)
		if err == nil || !IsUpstream(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		slog.Warn("upstream failure, retrying", "attempt", i+1, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}
