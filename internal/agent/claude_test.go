package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sallandpioneers/foreman/internal/errs"
)

// fakeCLI writes an executable script standing in for the agent binary.
func fakeCLI(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestQueryParsesStream(t *testing.T) {
	cli := NewClaudeCLI(fakeCLI(t, `cat >/dev/null
echo '{"type":"system","subtype":"init","session_id":"sess-abc"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working on it"}]}}'
echo '{"type":"result","subtype":"success","is_error":false,"result":"done","total_cost_usd":0.37,"num_turns":4,"session_id":"sess-abc"}'
`))

	var lines []string
	res, err := cli.Query(context.Background(), "fix the bug", Options{
		OnProgress: func(line string) { lines = append(lines, line) },
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "sess-abc", res.SessionID)
	assert.InDelta(t, 0.37, res.CostDelta, 1e-9)
	assert.Equal(t, 4, res.NumTurns)
	assert.Contains(t, res.Output, "working on it")
	assert.Contains(t, res.Output, "done")
	assert.Len(t, lines, 3)
}

func TestQueryErrorResult(t *testing.T) {
	cli := NewClaudeCLI(fakeCLI(t, `cat >/dev/null
echo '{"type":"result","subtype":"error_max_turns","is_error":true,"result":"","total_cost_usd":1.2,"num_turns":50}'
`))

	res, err := cli.Query(context.Background(), "impossible task", Options{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "error_max_turns", res.Err)
	// Cost is reported even for failed runs.
	assert.InDelta(t, 1.2, res.CostDelta, 1e-9)
}

func TestQueryProcessFailure(t *testing.T) {
	cli := NewClaudeCLI(fakeCLI(t, `cat >/dev/null
echo "invalid api key" >&2
exit 1
`))

	res, err := cli.Query(context.Background(), "anything", Options{})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.AgentProvider))
	assert.False(t, res.Success)
	assert.Contains(t, res.Err, "invalid api key")
}

func TestQueryCancellationIsTimeout(t *testing.T) {
	cli := NewClaudeCLI(fakeCLI(t, `cat >/dev/null
sleep 30
`))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := cli.Query(ctx, "anything", Options{})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Timeout))
}

func TestQuerySkipsUnparsableLines(t *testing.T) {
	cli := NewClaudeCLI(fakeCLI(t, `cat >/dev/null
echo 'not json at all'
echo '{"type":"result","is_error":false,"num_turns":1}'
`))

	res, err := cli.Query(context.Background(), "x", Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Output, "not json at all")
}
