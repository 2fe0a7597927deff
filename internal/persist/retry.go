package persist

import (
	"context"
	"time"
)

// Sleeper waits for d or until ctx is done, whichever comes first
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleeper is the default Sleeper
func ContextSleeper(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryConfig configures linear backoff retry behavior
type RetryConfig struct {
	MaxAttempts int           // Total attempts, including the first
	BaseDelay   time.Duration // Delay after attempt n is n × BaseDelay
}

// retryWithBackoff executes fn until it succeeds or attempts run out.
// onRetry is called before each wait. A done ctx ends the loop with ctx.Err().
func retryWithBackoff[T any](ctx context.Context, config RetryConfig, sleep Sleeper, onRetry func(attempt int, err error), fn func() (T, error)) (T, int, error) {
	var lastErr error
	var zero T
	attempts := max(config.MaxAttempts, 1)

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, attempt, nil
		}

		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return zero, attempt, ctx.Err()
		}

		if attempt < attempts {
			if onRetry != nil {
				onRetry(attempt, err)
			}
			if err := sleep(ctx, time.Duration(attempt)*config.BaseDelay); err != nil {
				return zero, attempt, err
			}
		}
	}

	return zero, attempts, lastErr
}
