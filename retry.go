package odm

import (
	"context"
	"errors"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryBackoff is the initial Fibonacci backoff used by Retry. Tests may lower it.
var RetryBackoff = 50 * time.Millisecond

// Retry executes task with Fibonacci backoff up to 5 retries. Storage drivers use it to re-run
// compare-and-set round trips that lost a race against a concurrent writer of the same document.
// A task signals a retryable failure by returning retry.RetryableError(err).
// If retries are exhausted, gaveUpTask is invoked (when not nil) and the final error is returned.
func Retry(ctx context.Context, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	b := retry.NewFibonacci(RetryBackoff)
	if err := retry.Do(ctx, retry.WithMaxRetries(5, b), task); err != nil {
		log.Warn(err.Error() + ", gave up")
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// Retryable marks err as retryable for Retry.
func Retryable(err error) error {
	return retry.RetryableError(err)
}

// ShouldRetry reports whether the error is retryable (non-nil and not a known permanent failure).
// Version conflicts, constraint violations, missing documents and mapping errors are permanent.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrDuplicateKey) ||
		errors.Is(err, ErrNotFound) {
		return false
	}
	switch CodeOf(err) {
	case ConfigurationError, ConcurrencyConflict, CascadeError, IdentityConflict, InvalidState:
		return false
	}
	return true
}
