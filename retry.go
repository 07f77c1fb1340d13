package syncstore

import (
	"context"
	"errors"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry executes task with Fibonacci backoff up to 5 retries.
// If retries are exhausted, gaveUpTask is invoked (when not nil) and the
// final error is returned.
func Retry(ctx context.Context, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	b := retry.NewFibonacci(100 * time.Millisecond)
	if err := retry.Do(ctx, retry.WithMaxRetries(5, b), task); err != nil {
		log.Warn(err.Error() + ", gave up")
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// ShouldRetry reports whether the error is retryable (non-nil, not a
// context error, and not one of the permanent storage error kinds).
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	// Context cancellations/timeouts are permanent from the caller's POV.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrCollectionNotFound) || errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrOverQuota) || errors.Is(err, ErrInvalidBatch) {
		return false
	}
	return true
}

// Sleep blocks for the specified duration or until the context is done,
// whichever happens first. It returns the context's error so loop
// callers can use it as their shutdown signal.
func Sleep(ctx context.Context, sleepTime time.Duration) error {
	if sleepTime <= 0 {
		return ctx.Err()
	}
	sleep, cancel := context.WithTimeout(ctx, sleepTime)
	defer cancel()
	<-sleep.Done()
	return ctx.Err()
}
