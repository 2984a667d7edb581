package utils

import (
	"context"
	"math"
	"time"
)

// ExponentialBackoff calculates exponential backoff delay
func ExponentialBackoff(attempt int, baseDelay time.Duration, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^62 overflows Duration arithmetic long before that
	if attempt > 30 {
		return maxDelay
	}

	delay := time.Duration(math.Pow(2, float64(attempt))) * baseDelay
	if delay > maxDelay || delay <= 0 {
		return maxDelay
	}
	return delay
}

// RetryWithBackoff calls fn up to maxAttempts times, sleeping with
// exponential backoff in between. It stops early when fn succeeds, when
// retryable reports false for its error, or when ctx ends.
func RetryWithBackoff(ctx context.Context, maxAttempts int, baseDelay, maxDelay time.Duration, retryable func(error) bool, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}

		if attempt < maxAttempts-1 {
			timer := time.NewTimer(ExponentialBackoff(attempt, baseDelay, maxDelay))
			select {
			case <-ctx.Done():
				timer.Stop()
				return lastErr
			case <-timer.C:
			}
		}
	}
	return lastErr
}
