package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sallandpioneers/foreman/internal/errs"
)

func testOptions() Options {
	return Options{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenDuration:     50 * time.Millisecond,
	}
}

func trip(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.Do(func() error { return errors.New("down") })
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("github-api", testOptions())
	trip(b, 2)
	assert.Equal(t, gobreaker.StateClosed, b.State())

	trip(b, 1)
	assert.Equal(t, gobreaker.StateOpen, b.State())
}

func TestOpenCircuitFailsFastWithReopenTime(t *testing.T) {
	b := New("git-operations", testOptions())
	trip(b, 3)
	require.Equal(t, gobreaker.StateOpen, b.State())

	calls := 0
	err := b.Do(func() error { calls++; return nil })
	require.Error(t, err)
	assert.Equal(t, 0, calls, "fn must not run while open")
	assert.True(t, errs.IsKind(err, errs.CircuitOpen))

	var fe *errs.Error
	require.ErrorAs(t, err, &fe)
	assert.False(t, fe.ReopenAt.IsZero())
	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), fe.ReopenAt, 40*time.Millisecond)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New("github-api", testOptions())
	trip(b, 2)
	require.NoError(t, b.Do(func() error { return nil }))
	trip(b, 2)
	// Never three in a row, so still closed.
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestHalfOpenClosesAfterSuccesses(t *testing.T) {
	b := New("ai-provider", testOptions())
	trip(b, 3)
	require.Equal(t, gobreaker.StateOpen, b.State())

	time.Sleep(70 * time.Millisecond)
	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, gobreaker.StateHalfOpen, b.State())

	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New("ai-provider", testOptions())
	trip(b, 3)
	time.Sleep(70 * time.Millisecond)

	require.Error(t, b.Do(func() error { return errors.New("still down") }))
	assert.Equal(t, gobreaker.StateOpen, b.State())
}

func TestDoWithResultPassesValueThrough(t *testing.T) {
	b := New("github-api", testOptions())
	got, err := DoWithResult(b, func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	_, err = DoWithResult(b, func() (string, error) { return "", errors.New("nope") })
	assert.EqualError(t, err, "nope")
}

func TestRegistrySharesInstances(t *testing.T) {
	r := NewRegistry(testOptions())
	a := r.Get(OpHostAPI)
	assert.Same(t, a, r.Get(OpHostAPI))
	assert.NotSame(t, a, r.Get(OpGit))

	trip(a, 3)
	states := r.States()
	assert.Equal(t, gobreaker.StateOpen, states[OpHostAPI])
	assert.Equal(t, gobreaker.StateClosed, states[OpGit])
}
