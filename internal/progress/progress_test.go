package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sallandpioneers/foreman/internal/providers"
)

func TestUpdateCreatesThenEdits(t *testing.T) {
	host := providers.NewMockHost()
	r := NewReporter(host, "acme/widgets", 42, 0, true)
	ctx := context.Background()

	require.NoError(t, r.Update(ctx, StatusQueued))
	require.NoError(t, r.Update(ctx, StatusWorking))

	// One comment created, then edited in place.
	assert.Equal(t, 1, host.CallCount("CreateComment"))
	assert.Equal(t, 1, host.CallCount("UpdateComment"))

	comments := host.Comments["acme/widgets#42"]
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].Body, StatusWorking)
	assert.True(t, HasMarker(comments[0].Body))
}

func TestUpdateDebounces(t *testing.T) {
	host := providers.NewMockHost()
	r := NewReporter(host, "acme/widgets", 42, time.Hour, true)
	ctx := context.Background()

	require.NoError(t, r.Update(ctx, StatusQueued))
	require.NoError(t, r.Update(ctx, StatusWorking))

	// Second update falls inside the debounce window.
	assert.Equal(t, 1, host.CallCount("CreateComment"))
	assert.Equal(t, 0, host.CallCount("UpdateComment"))

	// Finalize bypasses the debounce.
	require.NoError(t, r.Finalize(ctx, FormatCompleted("https://github.com/acme/widgets/pull/7")))
	assert.Equal(t, 1, host.CallCount("UpdateComment"))
}

func TestDisabledReporterIsNoop(t *testing.T) {
	host := providers.NewMockHost()
	r := NewReporter(host, "acme/widgets", 42, 0, false)

	require.NoError(t, r.Update(context.Background(), StatusQueued))
	require.NoError(t, r.Finalize(context.Background(), StatusCompleted))
	assert.Empty(t, host.Calls)
}
