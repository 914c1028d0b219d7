package util

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig holds configuration for retry with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the initial delay between attempts.
	BaseDelay time.Duration
	// MaxDelay caps the per-attempt delay.
	MaxDelay time.Duration
	// Multiplier is the factor by which the delay grows per attempt.
	Multiplier float64
	// Jitter adds randomness to delays (0.0 - 1.0) to prevent
	// thundering herds of redialling peers.
	Jitter float64
	// RetryIf, when set, limits which errors are retried.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns the defaults used by the dialer.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// ErrAttemptsExhausted is returned by Retry when every attempt failed.
// The last attempt's error is wrapped alongside it.
var ErrAttemptsExhausted = errors.New("all retry attempts failed")

// Retry runs fn until it succeeds, the attempt budget is exhausted or the
// context is done. The last error is joined with ErrAttemptsExhausted so
// callers can match either.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2.0
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(cfg, attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := fn(); err != nil {
			lastErr = err
			if cfg.RetryIf != nil && !cfg.RetryIf(err) {
				return err
			}
			continue
		}
		return nil
	}

	return errors.Join(ErrAttemptsExhausted, lastErr)
}

// backoffDelay computes the delay before the given attempt (1-based).
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	d := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if cfg.Jitter > 0 {
		d += d * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
