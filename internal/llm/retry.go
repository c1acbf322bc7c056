package llm

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

const (
	defaultMaxAttempts = 3
	retryBaseDelay     = 500 * time.Millisecond
)

// completeWithRetry runs attempt until it succeeds, returns a fatal
// error, or attempts are exhausted. Backoff doubles per attempt with
// ±25% jitter.
func completeWithRetry(ctx context.Context, attempts int, attempt func() (*Response, error)) (*Response, error) {
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBackoff(i)):
			}
		}

		resp, err := attempt()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if IsFatal(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("llm call failed after %d attempts: %w", attempts, lastErr)
}

// retryBackoff computes the wait before the attempt-th retry.
func retryBackoff(attempt int) time.Duration {
	backoff := float64(retryBaseDelay) * math.Pow(2, float64(attempt-1))
	jitter := backoff * 0.25 * (rand.Float64()*2 - 1)
	return time.Duration(backoff + jitter)
}
