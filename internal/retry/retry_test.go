package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sallandpioneers/foreman/internal/config"
)

func testOptions() Options {
	return Options{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   8 * time.Millisecond,
		Classifier: func(error) ErrorType { return Retryable },
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	opts := Options{BaseDelay: time.Second, MaxDelay: 30 * time.Second}

	assert.Equal(t, 1*time.Second, opts.Backoff(0))
	assert.Equal(t, 2*time.Second, opts.Backoff(1))
	assert.Equal(t, 4*time.Second, opts.Backoff(2))
	assert.Equal(t, 16*time.Second, opts.Backoff(4))
	assert.Equal(t, 30*time.Second, opts.Backoff(5))
	assert.Equal(t, 30*time.Second, opts.Backoff(20))
}

func TestJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := withJitter(base)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+base/4)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), testOptions(), func() error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	opts := testOptions()
	opts.Classifier = func(error) ErrorType { return Permanent }

	calls := 0
	err := Do(context.Background(), opts, func() error {
		calls++
		return errors.New("no point")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), testOptions(), func() error {
		calls++
		return errors.New("always")
	})
	require.Error(t, err)
	// First attempt plus MaxRetries more.
	assert.Equal(t, 4, calls)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := testOptions()
	opts.BaseDelay = time.Hour
	opts.MaxDelay = time.Hour

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, opts, func() error {
		calls++
		return errors.New("flaky")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryAfterOverridesBackoff(t *testing.T) {
	opts := testOptions()
	opts.Classifier = func(error) ErrorType { return RateLimited }
	opts.RetryAfter = func(error) (time.Duration, bool) { return time.Hour, true }

	// The server delay is clamped to MaxDelay, so this finishes quickly.
	assert.Equal(t, opts.MaxDelay, opts.delayFor(errors.New("429"), 0, RateLimited))

	opts.RetryAfter = func(error) (time.Duration, bool) { return -5 * time.Second, true }
	assert.Equal(t, time.Duration(0), opts.delayFor(errors.New("429"), 0, RateLimited))
}

func TestDoWithResultReturnsValue(t *testing.T) {
	got, err := DoWithResult(context.Background(), testOptions(), func() (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestDefaultOptionsFromConfig(t *testing.T) {
	opts := DefaultOptions(config.RetryConfig{
		MaxRetries: 5,
		BaseDelay:  2 * time.Second,
		MaxDelay:   time.Minute,
		Jitter:     true,
	})
	assert.Equal(t, 5, opts.MaxRetries)
	assert.Equal(t, 2*time.Second, opts.BaseDelay)
	assert.True(t, opts.Jitter)
	assert.Nil(t, opts.Classifier)
}

func TestClassifyGit(t *testing.T) {
	tests := []struct {
		err  string
		want ErrorType
	}{
		{"fatal: could not resolve host: github.com", Retryable},
		{"fatal: the remote end hung up unexpectedly", Retryable},
		{"error: the requested url returned error: 503", Retryable},
		{"error: the requested url returned error: 429", RateLimited},
		{"error: pathspec 'nope' did not match any file", Permanent},
		{"merge conflict in main.go", Permanent},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyGit(errors.New(tt.err)), tt.err)
	}
	assert.Equal(t, Permanent, ClassifyGit(nil))
}

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		err  string
		want ErrorType
	}{
		{"HTTP 429: rate limited", RateLimited},
		{"HTTP 503: service unavailable", Retryable},
		{"HTTP 404: not found", Permanent},
		{"dial tcp: connection refused", Retryable},
		{"secondary rate limit hit", RateLimited},
		{"validation failed", Permanent},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyHTTPError(errors.New(tt.err)), tt.err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	d, ok := ParseRetryAfter("30")
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	d, ok = ParseRetryAfter("-5")
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), d)

	// HTTP-date in the past clamps to zero.
	d, ok = ParseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT")
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), d)

	_, ok = ParseRetryAfter("soon")
	assert.False(t, ok)
	_, ok = ParseRetryAfter("")
	assert.False(t, ok)
}
