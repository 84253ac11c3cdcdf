package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/sallandpioneers/foreman/internal/config"
)

// ErrorType classifies errors for retry decisions
type ErrorType int

const (
	// Retryable indicates the error is transient and should be retried
	Retryable ErrorType = iota
	// RateLimited indicates rate limiting - prefer the server's retry-after
	RateLimited
	// Permanent indicates the error should not be retried
	Permanent
)

// Classifier is a function that classifies an error
type Classifier func(error) ErrorType

// Options configures retry behavior
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     bool
	Classifier Classifier
	// RetryAfter extracts a server-mandated delay from an error, if any.
	// When set and the error is RateLimited, it overrides the computed
	// backoff (clamped to [0, MaxDelay]).
	RetryAfter func(error) (time.Duration, bool)
}

// DefaultOptions returns retry options from config
func DefaultOptions(cfg config.RetryConfig) Options {
	return Options{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		MaxDelay:   cfg.MaxDelay,
		Jitter:     cfg.Jitter,
		Classifier: nil, // Must be set by caller
	}
}

// Backoff computes the delay before retry number attempt (0-based)
// using capped exponential growth: base * 2^attempt, at most MaxDelay.
func (o Options) Backoff(attempt int) time.Duration {
	delay := o.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= o.MaxDelay {
			return o.MaxDelay
		}
	}
	if delay > o.MaxDelay {
		return o.MaxDelay
	}
	return delay
}

// withJitter multiplies the delay by 1 + U(0, 0.25).
func withJitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (1 + rand.Float64()*0.25))
}

func (o Options) delayFor(err error, attempt int, errType ErrorType) time.Duration {
	if errType == RateLimited && o.RetryAfter != nil {
		if after, ok := o.RetryAfter(err); ok {
			if after < 0 {
				after = 0
			}
			if after > o.MaxDelay {
				after = o.MaxDelay
			}
			return after
		}
	}
	d := o.Backoff(attempt)
	if o.Jitter {
		d = withJitter(d)
	}
	return d
}

// Do executes a function with retry logic. The first call is attempt
// zero; up to MaxRetries further attempts follow for errors classified
// Retryable or RateLimited. Permanent errors stop immediately.
func Do(ctx context.Context, opts Options, fn func() error) error {
	_, err := DoWithResult(ctx, opts, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes a function that returns a value with retry logic
func DoWithResult[T any](ctx context.Context, opts Options, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		// Check context before each attempt
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}

		errType := Permanent
		if opts.Classifier != nil {
			errType = opts.Classifier(lastErr)
		}
		if errType == Permanent || attempt == opts.MaxRetries {
			return result, lastErr
		}

		if err := sleep(ctx, opts.delayFor(lastErr, attempt, errType)); err != nil {
			return result, err
		}
	}

	return result, lastErr
}

// sleep waits for the given duration or until context is cancelled
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
