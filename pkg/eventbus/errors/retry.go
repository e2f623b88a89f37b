package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig configures in-process retry loops (reconnects, CLI publish).
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Reconnect loops ignore it.
	MaxAttempts int

	// InitialBackoff is the starting backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied to backoff after each attempt.
	BackoffFactor float64

	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64

	// RetryableFunc optionally overrides the default retryability check.
	RetryableFunc func(error) bool
}

// DefaultRetry is the standard retry configuration.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// Next returns the backoff that follows current, capped at MaxBackoff.
func (cfg RetryConfig) Next(current time.Duration) time.Duration {
	if current <= 0 {
		return cfg.InitialBackoff
	}
	factor := cfg.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	next := time.Duration(float64(current) * factor)
	if cfg.MaxBackoff > 0 && next > cfg.MaxBackoff {
		next = cfg.MaxBackoff
	}
	return next
}

// RetryResult contains the result of a retry operation.
type RetryResult[T any] struct {
	// Value is the result if successful.
	Value T

	// Err is the final error if all attempts failed.
	Err error

	// Attempts is the number of attempts made.
	Attempts int

	// Duration is the total time spent retrying.
	Duration time.Duration
}

// WithRetryContext executes a function with retries, respecting context cancellation.
func WithRetryContext[T any](
	ctx context.Context,
	cfg RetryConfig,
	fn func(context.Context) (T, error),
) RetryResult[T] {
	start := time.Now()
	backoff := cfg.InitialBackoff
	var lastErr error

	isRetryable := cfg.RetryableFunc
	if isRetryable == nil {
		isRetryable = IsRetryable
	}

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return RetryResult[T]{
				Err:      &CategorizedError{Err: err, Category: CategoryPermanent, Context: "context cancelled"},
				Attempts: attempt,
				Duration: time.Since(start),
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return RetryResult[T]{
				Value:    result,
				Attempts: attempt + 1,
				Duration: time.Since(start),
			}
		}

		lastErr = err

		if !isRetryable(err) {
			return RetryResult[T]{
				Err: &CategorizedError{
					Err:      err,
					Category: Categorize(err),
					Retries:  attempt + 1,
				},
				Attempts: attempt + 1,
				Duration: time.Since(start),
			}
		}

		// Don't sleep after the last attempt
		if attempt < cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return RetryResult[T]{
					Err:      &CategorizedError{Err: ctx.Err(), Category: CategoryPermanent, Context: "context cancelled during backoff"},
					Attempts: attempt + 1,
					Duration: time.Since(start),
				}
			case <-time.After(applyJitter(backoff, cfg.Jitter)):
			}
			backoff = cfg.Next(backoff)
		}
	}

	return RetryResult[T]{
		Err: &CategorizedError{
			Err:      lastErr,
			Category: Categorize(lastErr),
			Retries:  cfg.MaxAttempts,
			Context:  "max retries exceeded",
		},
		Attempts: cfg.MaxAttempts,
		Duration: time.Since(start),
	}
}

// Backoff names the delay policy between handler attempts.
type Backoff string

const (
	// BackoffFixed waits retry_delay before every retry.
	BackoffFixed Backoff = "fixed"

	// BackoffExponential waits retry_delay * factor^(n-1) before the n-th retry.
	BackoffExponential Backoff = "exponential"
)

// ParseBackoff converts a configuration string to a Backoff.
func ParseBackoff(s string) (Backoff, error) {
	switch Backoff(s) {
	case BackoffFixed, BackoffExponential:
		return Backoff(s), nil
	case "":
		return BackoffExponential, nil
	}
	return "", fmt.Errorf("unknown backoff %q (want fixed or exponential)", s)
}

// BackoffPolicy computes the wait before a handler may be attempted again.
type BackoffPolicy struct {
	Kind Backoff

	// Factor is the exponential growth rate. Default: 2.
	Factor float64

	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration

	// Jitter is the random jitter factor (0.0-1.0). Default: 0.
	Jitter float64
}

// DefaultBackoff doubles the subscription's retry delay after each failure, capped at one hour.
var DefaultBackoff = BackoffPolicy{
	Kind:     BackoffExponential,
	Factor:   2.0,
	MaxDelay: time.Hour,
}

// Multiplier returns backoffFactor(retryCount): 1 for fixed backoff,
// Factor^(retryCount-1) for exponential backoff.
func (p BackoffPolicy) Multiplier(retryCount int) float64 {
	if p.Kind == BackoffFixed || retryCount <= 1 {
		return 1
	}
	factor := p.Factor
	if factor <= 0 {
		factor = DefaultBackoff.Factor
	}
	return math.Pow(factor, float64(retryCount-1))
}

// Delay returns base * Multiplier(retryCount), capped and jittered.
func (p BackoffPolicy) Delay(base time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := float64(base) * p.Multiplier(retryCount)
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return applyJitter(time.Duration(d), p.Jitter)
}

// applyJitter returns the backoff duration with jitter applied.
func applyJitter(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}

	// base +/- (base * jitter * random)
	jitterAmount := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + jitterAmount)
}
