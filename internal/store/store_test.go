package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sallandpioneers/foreman/internal/errs"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testIssue(number int) *Issue {
	return &Issue{
		ID:      IssueID("github.com", "acme/widgets", number),
		URL:     "https://github.com/acme/widgets/issues/42",
		Host:    "github.com",
		Project: "acme/widgets",
		Number:  number,
		Title:   "Fix the widget",
	}
}

func TestSaveIssueStartsDiscovered(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveIssue(testIssue(42)))

	got, err := s.GetIssue("github.com/acme/widgets#42")
	require.NoError(t, err)
	assert.Equal(t, IssueDiscovered, got.State)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSaveIssuePreservesStateOnUpsert(t *testing.T) {
	s := openTestStore(t)
	issue := testIssue(42)
	require.NoError(t, s.SaveIssue(issue))
	require.NoError(t, s.TransitionIssue(issue.ID, IssueQueued, "", ""))

	// Re-discovery of the same issue must not reset its state.
	again := testIssue(42)
	again.Title = "Fix the widget (updated)"
	require.NoError(t, s.SaveIssue(again))

	got, err := s.GetIssue(issue.ID)
	require.NoError(t, err)
	assert.Equal(t, IssueQueued, got.State)
	assert.Equal(t, "Fix the widget (updated)", got.Title)
}

func TestGetIssueByURL(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveIssue(testIssue(42)))

	got, err := s.GetIssue("https://github.com/acme/widgets/issues/42")
	require.NoError(t, err)
	assert.Equal(t, 42, got.Number)

	_, err = s.GetIssue("https://github.com/acme/widgets/issues/999")
	assert.True(t, errs.IsKind(err, errs.NotFound))
}

func TestTransitionIssueRejectsIllegal(t *testing.T) {
	tests := []struct {
		name string
		via  []IssueState
		to   IssueState
		ok   bool
	}{
		{"discovered to queued", nil, IssueQueued, true},
		{"discovered to in_progress skips queue", nil, IssueInProgress, false},
		{"discovered to merged", nil, IssueMerged, false},
		{"queued to in_progress", []IssueState{IssueQueued}, IssueInProgress, true},
		{"in_progress back to queued", []IssueState{IssueQueued, IssueInProgress}, IssueQueued, true},
		{"pr_created to awaiting_feedback", []IssueState{IssueQueued, IssueInProgress, IssuePRCreated}, IssueAwaitingFeedback, true},
		{"pr_created to abandoned", []IssueState{IssueQueued, IssueInProgress, IssuePRCreated}, IssueAbandoned, false},
		{"merged is terminal", []IssueState{IssueQueued, IssueInProgress, IssuePRCreated, IssueMerged}, IssueQueued, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			issue := testIssue(42)
			require.NoError(t, s.SaveIssue(issue))
			for _, st := range tt.via {
				require.NoError(t, s.TransitionIssue(issue.ID, st, "", ""))
			}

			err := s.TransitionIssue(issue.ID, tt.to, "test", "")
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errs.IsKind(err, errs.InvalidTransition))
				// A rejected transition must not change the stored state.
				got, gerr := s.GetIssue(issue.ID)
				require.NoError(t, gerr)
				want := IssueDiscovered
				if len(tt.via) > 0 {
					want = tt.via[len(tt.via)-1]
				}
				assert.Equal(t, want, got.State)
			}
		})
	}
}

func TestTransitionHistoryAppendOnly(t *testing.T) {
	s := openTestStore(t)
	issue := testIssue(42)
	require.NoError(t, s.SaveIssue(issue))
	require.NoError(t, s.TransitionIssue(issue.ID, IssueQueued, "admitted", ""))
	require.NoError(t, s.TransitionIssue(issue.ID, IssueInProgress, "", "sess-1"))

	history, err := s.ListTransitions(issue.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "discovered", history[0].From)
	assert.Equal(t, "queued", history[0].To)
	assert.Equal(t, "admitted", history[0].Reason)
	assert.Equal(t, "queued", history[1].From)
	assert.Equal(t, "in_progress", history[1].To)
	assert.Equal(t, "sess-1", history[1].SessionID)
}

func TestSingleActiveSessionPerIssue(t *testing.T) {
	s := openTestStore(t)
	issue := testIssue(42)
	require.NoError(t, s.SaveIssue(issue))

	sess, err := s.CreateSession(issue.ID, "claude", "sonnet", "/tmp/wt")
	require.NoError(t, err)
	assert.Equal(t, SessionActive, sess.Status)

	_, err = s.CreateSession(issue.ID, "claude", "sonnet", "/tmp/wt2")
	assert.True(t, errs.IsKind(err, errs.InvalidTransition))

	// Finishing the first session frees the slot.
	require.NoError(t, s.TransitionSession(sess.ID, SessionCompleted, ""))
	_, err = s.CreateSession(issue.ID, "claude", "sonnet", "/tmp/wt3")
	assert.NoError(t, err)
}

func TestPausedSessionResumes(t *testing.T) {
	s := openTestStore(t)
	issue := testIssue(42)
	require.NoError(t, s.SaveIssue(issue))
	sess, err := s.CreateSession(issue.ID, "claude", "", "")
	require.NoError(t, err)

	require.NoError(t, s.TransitionSession(sess.ID, SessionPaused, "budget"))
	require.NoError(t, s.TransitionSession(sess.ID, SessionActive, "resumed"))
	require.NoError(t, s.TransitionSession(sess.ID, SessionFailed, "agent error"))

	got, err := s.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionFailed, got.Status)
	assert.Equal(t, "agent error", got.Error)
	require.NotNil(t, got.FinishedAt)

	// Terminal statuses absorb everything.
	err = s.TransitionSession(sess.ID, SessionActive, "")
	assert.True(t, errs.IsKind(err, errs.InvalidTransition))
}

func TestSessionMetricsAccumulate(t *testing.T) {
	s := openTestStore(t)
	issue := testIssue(42)
	require.NoError(t, s.SaveIssue(issue))
	sess, err := s.CreateSession(issue.ID, "claude", "", "")
	require.NoError(t, err)

	require.NoError(t, s.UpdateSessionMetrics(sess.ID, Metrics{CostDeltaUSD: 0.25, TurnsDelta: 3}))
	require.NoError(t, s.UpdateSessionMetrics(sess.ID, Metrics{CostDeltaUSD: 0.50, TurnsDelta: 2, LastActivity: time.Now()}))

	got, err := s.GetSession(sess.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, got.CostUSD, 1e-9)
	assert.Equal(t, 5, got.Turns)

	day, err := s.TodayCost()
	require.NoError(t, err)
	assert.InDelta(t, 0.75, day, 1e-9)
	month, err := s.MonthCost()
	require.NoError(t, err)
	assert.InDelta(t, 0.75, month, 1e-9)
}

func TestNegativeCostDeltaRejected(t *testing.T) {
	s := openTestStore(t)
	issue := testIssue(42)
	require.NoError(t, s.SaveIssue(issue))
	sess, err := s.CreateSession(issue.ID, "claude", "", "")
	require.NoError(t, err)

	err = s.UpdateSessionMetrics(sess.ID, Metrics{CostDeltaUSD: -1})
	assert.Error(t, err)
}

func TestProposalCountsPerProject(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.IncrProposalCount("acme/widgets"))
	require.NoError(t, s.IncrProposalCount("acme/widgets"))
	require.NoError(t, s.IncrProposalCount("acme/Gadgets"))

	counts, err := s.TodayProposalCounts()
	require.NoError(t, err)
	assert.Equal(t, 2, counts["acme/widgets"])
	// Project keys are not case folded.
	assert.Equal(t, 1, counts["acme/Gadgets"])
	assert.Equal(t, 0, counts["acme/gadgets"])
}

func TestActiveSessions(t *testing.T) {
	s := openTestStore(t)
	a := testIssue(1)
	a.ID = IssueID("github.com", "acme/widgets", 1)
	a.URL = "https://github.com/acme/widgets/issues/1"
	b := testIssue(2)
	b.ID = IssueID("github.com", "acme/widgets", 2)
	b.URL = "https://github.com/acme/widgets/issues/2"
	require.NoError(t, s.SaveIssue(a))
	require.NoError(t, s.SaveIssue(b))

	s1, err := s.CreateSession(a.ID, "claude", "", "")
	require.NoError(t, err)
	_, err = s.CreateSession(b.ID, "claude", "", "")
	require.NoError(t, err)
	require.NoError(t, s.TransitionSession(s1.ID, SessionCompleted, ""))

	active, err := s.ActiveSessions()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, active[0].IssueID)
}

func TestGetIssueByProposal(t *testing.T) {
	s := openTestStore(t)
	issue := testIssue(42)
	require.NoError(t, s.SaveIssue(issue))
	require.NoError(t, s.SetIssueProposal(issue.ID, "https://github.com/acme/widgets/pull/7"))

	got, err := s.GetIssueByProposal("https://github.com/acme/widgets/pull/7")
	require.NoError(t, err)
	assert.Equal(t, issue.ID, got.ID)

	_, err = s.GetIssueByProposal("https://github.com/acme/widgets/pull/8")
	assert.True(t, errs.IsKind(err, errs.NotFound))
}
