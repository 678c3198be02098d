package transport

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy configures per-call retries with capped exponential backoff.
// Only timeouts are retried: a timed-out request's pending slot is already
// released, so the retry goes out with a fresh request id and a late
// response to the original cannot be mistaken for it. Tool-reported
// failures and session-fatal errors are never retried here.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first (default 3)
	BaseDelay   time.Duration // delay before the first retry (default 100ms)
	MaxDelay    time.Duration // cap on the backoff delay (default 5s)
	Jitter      float64       // random variation factor in [0,1] (default 0.1)
}

// DefaultRetryPolicy returns the default per-call retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.1,
	}
}

func (p RetryPolicy) applyDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = 0.1
	}
	return p
}

// Delay calculates the backoff delay for retry attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1)
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Retryable reports whether err warrants another attempt.
func Retryable(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Retry executes fn with the given policy, retrying only timed-out
// attempts.
func Retry[T any](ctx context.Context, policy RetryPolicy, logger *zap.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	policy = policy.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	var zero T
	var err error
	var result T

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		result, err = fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("call succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return result, nil
		}
		if !Retryable(err) || attempt == policy.MaxAttempts-1 {
			return zero, err
		}

		delay := policy.Delay(attempt)
		logger.Warn("call timed out, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, err
}
