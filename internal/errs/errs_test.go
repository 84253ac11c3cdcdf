package errs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorString(t *testing.T) {
	e := New(RateLimited, "host-api", "too many proposals")
	e.RetryAfter = 30 * time.Second
	msg := e.Error()
	assert.Contains(t, msg, "rate-limited")
	assert.Contains(t, msg, "[host-api]")
	assert.Contains(t, msg, "too many proposals")
	assert.Contains(t, msg, "retry after 30s")
}

func TestKindOfUnwrapsChains(t *testing.T) {
	inner := New(Timeout, "agent", "no output")
	wrapped := fmt.Errorf("run failed: %w", inner)

	assert.Equal(t, Timeout, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, Timeout))
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
}

func TestIsMatchesByKind(t *testing.T) {
	err := New(NotFound, "host-api", "issue 42")
	assert.True(t, errors.Is(err, &Error{Kind: NotFound}))
	assert.True(t, errors.Is(err, &Error{Kind: NotFound, Op: "host-api"}))
	assert.False(t, errors.Is(err, &Error{Kind: NotFound, Op: "git"}))
	assert.False(t, errors.Is(err, &Error{Kind: Network}))
}

func TestRetryableAndTransientSets(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
		transient bool
	}{
		{Network, true, true},
		{Timeout, true, true},
		{RateLimited, false, true},
		{CircuitOpen, false, true},
		{BudgetExceeded, false, false},
		{Configuration, false, false},
		{AgentProvider, false, false},
		{InvalidTransition, false, false},
	}
	for _, tt := range tests {
		err := New(tt.kind, "op", "x")
		assert.Equal(t, tt.retryable, IsRetryable(err), tt.kind.String())
		assert.Equal(t, tt.transient, IsTransient(err), tt.kind.String())
	}
}

func TestWithSessionStampsOnce(t *testing.T) {
	err := New(Storage, "store", "locked")
	WithSession(err, "sess-1")
	assert.Equal(t, "sess-1", err.SessionID)

	// An already-stamped error keeps its original session.
	WithSession(err, "sess-2")
	assert.Equal(t, "sess-1", err.SessionID)

	// Untagged errors pass through unchanged.
	plain := errors.New("plain")
	assert.Equal(t, plain, WithSession(plain, "sess-3"))
}
