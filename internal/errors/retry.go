package errors

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig configures the shared retry policy for calls to external
// services (LLM, vector store, reranker, mail).
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
	// Multiplier grows the delay between attempts.
	Multiplier float64
	// Jitter is the fraction of the delay randomized in both directions.
	// 0.5 means each delay is scaled by a factor in [0.5, 1.5].
	Jitter float64
}

// DefaultRetryConfig returns the policy used across the service:
// 3 attempts, 1s initial delay, doubling, +/-50% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     16 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.5,
	}
}

// Retry runs fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is exhausted. Only errors for which IsRetryable reports
// true are retried. Context cancellation aborts immediately with ctx.Err().
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay, cfg.Jitter)):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return lastErr
}

// jittered scales d by a random factor in [1-f, 1+f].
func jittered(d time.Duration, f float64) time.Duration {
	if f <= 0 {
		return d
	}
	scale := 1 + f*(2*rand.Float64()-1)
	return time.Duration(float64(d) * scale)
}
