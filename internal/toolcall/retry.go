package toolcall

import (
	"context"
	"time"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBase     = 1 * time.Second
	defaultRetryCap      = 10 * time.Second
)

// backoff returns the delay for attempt (0-based); exponential base, 2*base,
// 4*base... capped.
func backoff(base, cap time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && d < cap; i++ {
		d = d * 2
		if d > cap {
			d = cap
		}
	}
	return d
}

// doWithRetryValue runs fn up to maxAttempts times and returns its value.
// Every error is retryable at this layer; the breaker above decides when a
// tool is hopeless. The sleep is context-aware so shutdown is not delayed.
func doWithRetryValue[T any](ctx context.Context, maxAttempts int, base, cap time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		val, err := fn()
		if err == nil {
			return val, nil
		}
		lastErr = err
		if attempt == maxAttempts-1 {
			return zero, err
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff(base, cap, attempt)):
			// continue
		}
	}
	return zero, lastErr
}
