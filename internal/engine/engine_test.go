package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sallandpioneers/foreman/internal/agent"
	"github.com/sallandpioneers/foreman/internal/breaker"
	"github.com/sallandpioneers/foreman/internal/budget"
	"github.com/sallandpioneers/foreman/internal/cleanup"
	"github.com/sallandpioneers/foreman/internal/config"
	"github.com/sallandpioneers/foreman/internal/errs"
	"github.com/sallandpioneers/foreman/internal/feedback"
	"github.com/sallandpioneers/foreman/internal/locks"
	"github.com/sallandpioneers/foreman/internal/providers"
	"github.com/sallandpioneers/foreman/internal/store"
	"github.com/sallandpioneers/foreman/internal/worktree"
)

const issueURL = "https://github.com/acme/widgets/issues/42"

type fakeGitRunner struct{}

func (f *fakeGitRunner) Run(ctx context.Context, args []string, dir string) (*worktree.CmdResult, error) {
	if len(args) >= 1 && args[0] == "clone" {
		if err := os.MkdirAll(args[len(args)-1], 0o755); err != nil {
			return nil, err
		}
	}
	return &worktree.CmdResult{}, nil
}

type testEnv struct {
	engine *Engine
	store  *store.Store
	host   *providers.MockHost
	agent  *agent.MockProvider
	wt     *worktree.Manager
	clean  *cleanup.Manager
	cfg    *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.StateDir = base
	cfg.Verify.TestCommand = "" // no local test loop unless a test opts in
	cfg.Progress.Enabled = false

	st, err := store.Open(filepath.Join(base, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	host := providers.NewMockHost()
	host.Issues["acme/widgets#42"] = &providers.Issue{
		Number: 42, Title: "Fix the widget", Body: "It is broken", State: "open", Author: "alice",
	}

	ag := agent.NewMockProvider()
	ag.Results = []*agent.Result{{Success: true, CostDelta: 0.25, NumTurns: 5}}

	wt := worktree.NewManager(cfg.WorktreeDir(), cfg.MirrorDir(), &fakeGitRunner{},
		cfg.Limits.MaxWorktrees, cfg.Limits.MaxWorktreesPerProject, nil)
	clean := cleanup.NewManager(nil)
	gate := budget.NewGate(cfg.Budget, cfg.Rate, st)
	breakers := breaker.NewRegistry(breaker.DefaultOptions(cfg.Breaker))

	eng := New(cfg, st, host, ag, wt, clean, gate, locks.NewRepoLocks(), breakers, nil)
	return &testEnv{engine: eng, store: st, host: host, agent: ag, wt: wt, clean: clean, cfg: cfg}
}

func TestRunOnIssueHappyPath(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.engine.RunOnIssue(context.Background(), issueURL, RunOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ProposalURL)

	issue, err := env.store.GetIssue("github.com/acme/widgets#42")
	require.NoError(t, err)
	assert.Equal(t, store.IssuePRCreated, issue.State)
	assert.Equal(t, res.ProposalURL, issue.ProposalURL)

	sess, err := env.store.GetSession(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCompleted, sess.Status)
	assert.InDelta(t, 0.25, sess.CostUSD, 1e-9)
	assert.Equal(t, 5, sess.Turns)
	assert.Equal(t, res.ProposalURL, sess.ProposalURL)

	// Proposal counter bumped, working copy gone, cleanup task drained.
	counts, err := env.store.TodayProposalCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts["acme/widgets"])
	assert.Empty(t, env.wt.List())
	assert.Equal(t, 0, env.clean.Count())

	// History: discovered→queued→in_progress→pr_created.
	history, err := env.store.ListTransitions(issue.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "pr_created", history[2].To)
}

func TestRunOnIssueBudgetDenied(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Budget.DailyLimitUSD = 0.1
	env.cfg.Agent.Estimate = 1.0
	// Gate reads config at construction; rebuild.
	gate := budget.NewGate(env.cfg.Budget, env.cfg.Rate, env.store)
	env.engine.gate = gate

	_, err := env.engine.RunOnIssue(context.Background(), issueURL, RunOptions{})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.BudgetExceeded))
	assert.Contains(t, err.Error(), "Estimated cost would exceed daily limit")

	// No session was created.
	active, err := env.store.ActiveSessions()
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Equal(t, 0, env.agent.Calls())
}

func TestRunOnIssueUnauthorizedAuthor(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Security.AllowedAuthors = []string{"bob"}

	_, err := env.engine.RunOnIssue(context.Background(), issueURL, RunOptions{})
	require.Error(t, err)
	assert.Equal(t, 0, env.agent.Calls())
}

func TestRunOnIssueWatchdogTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Watchdog.AgentTimeout = 50 * time.Millisecond
	env.agent.Hang = make(chan struct{}) // never closed

	res, err := env.engine.RunOnIssue(context.Background(), issueURL, RunOptions{})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Timeout))

	sess, gerr := env.store.GetSession(res.SessionID)
	require.NoError(t, gerr)
	assert.Equal(t, store.SessionFailed, sess.Status)

	// Timeout is transient: the issue goes back to the queue.
	issue, gerr := env.store.GetIssue(res.IssueID)
	require.NoError(t, gerr)
	assert.Equal(t, store.IssueQueued, issue.State)

	// Resources released on the failure path too.
	assert.Empty(t, env.wt.List())
	assert.Equal(t, 0, env.clean.Count())
}

func TestRunOnIssueHeartbeatsSuppressTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Watchdog.AgentTimeout = 80 * time.Millisecond
	env.agent.ProgressLines = []string{"line1", "line2"}

	_, err := env.engine.RunOnIssue(context.Background(), issueURL, RunOptions{})
	assert.NoError(t, err)
}

func TestRunOnIssuePermanentFailureAbandons(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Orchestrator.AbandonOnFailure = true
	env.agent.Results = []*agent.Result{{Success: false, Err: "model refused"}}

	res, err := env.engine.RunOnIssue(context.Background(), issueURL, RunOptions{})
	require.Error(t, err)

	issue, gerr := env.store.GetIssue(res.IssueID)
	require.NoError(t, gerr)
	assert.Equal(t, store.IssueAbandoned, issue.State)
}

func TestRunOnIssueDryRunSkipsPublish(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.engine.RunOnIssue(context.Background(), issueURL, RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.Empty(t, res.ProposalURL)
	assert.Equal(t, 0, env.host.CallCount("CreatePR"))

	issue, gerr := env.store.GetIssue(res.IssueID)
	require.NoError(t, gerr)
	assert.Equal(t, store.IssueQueued, issue.State)

	sess, gerr := env.store.GetSession(res.SessionID)
	require.NoError(t, gerr)
	assert.Equal(t, store.SessionCompleted, sess.Status)
}

func TestRunOnIssueCostRecordedBeforeFailure(t *testing.T) {
	// Spend from a failed run must still land in the ledger.
	env := newTestEnv(t)
	env.agent.Results = []*agent.Result{{Success: false, CostDelta: 0.40, NumTurns: 2, Err: "gave up"}}

	_, err := env.engine.RunOnIssue(context.Background(), issueURL, RunOptions{})
	require.Error(t, err)

	day, gerr := env.store.TodayCost()
	require.NoError(t, gerr)
	assert.InDelta(t, 0.40, day, 1e-9)
}

func TestRunOnIssueRejectsPullURL(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.RunOnIssue(context.Background(), "https://github.com/acme/widgets/pull/7", RunOptions{})
	assert.Error(t, err)
}

func TestRunIteration(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.engine.RunOnIssue(context.Background(), issueURL, RunOptions{})
	require.NoError(t, err)
	prURL := res.ProposalURL

	fb := feedback.NewParser(nil).Parse(feedback.Input{
		Comments: []*providers.Comment{
			{ID: 1, Body: "please fix the broken error path", Author: "reviewer"},
		},
	})
	require.NotEmpty(t, fb.Items)

	iterRes, err := env.engine.RunIteration(context.Background(), prURL, fb)
	require.NoError(t, err)
	assert.NotEqual(t, res.SessionID, iterRes.SessionID)

	issue, gerr := env.store.GetIssue(res.IssueID)
	require.NoError(t, gerr)
	assert.Equal(t, store.IssuePRCreated, issue.State)

	// pr_created → awaiting_feedback → iterating → pr_created on top of
	// the original three transitions.
	history, gerr := env.store.ListTransitions(issue.ID)
	require.NoError(t, gerr)
	require.Len(t, history, 6)
	assert.Equal(t, "awaiting_feedback", history[3].To)
	assert.Equal(t, "iterating", history[4].To)
	assert.Equal(t, "pr_created", history[5].To)

	// The iteration prompt carried the feedback payload.
	prompts := env.agent.Prompts
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "broken error path")
}

func TestRunIterationFailureRestoresAwaitingFeedback(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.engine.RunOnIssue(context.Background(), issueURL, RunOptions{})
	require.NoError(t, err)

	env.agent.Results = []*agent.Result{{Success: false, Err: "stuck"}}
	fb := &feedback.Feedback{Items: []feedback.Item{{Type: feedback.ItemBugFix, Priority: 2, Body: "x"}}}

	_, err = env.engine.RunIteration(context.Background(), res.ProposalURL, fb)
	require.Error(t, err)

	issue, gerr := env.store.GetIssue(res.IssueID)
	require.NoError(t, gerr)
	assert.Equal(t, store.IssueAwaitingFeedback, issue.State)
}
