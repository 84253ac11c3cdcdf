package store

import (
	"fmt"
	"time"
)

// IssueState is the lifecycle state of an issue.
type IssueState string

const (
	IssueDiscovered       IssueState = "discovered"
	IssueQueued           IssueState = "queued"
	IssueInProgress       IssueState = "in_progress"
	IssuePRCreated        IssueState = "pr_created"
	IssueAwaitingFeedback IssueState = "awaiting_feedback"
	IssueIterating        IssueState = "iterating"
	IssueMerged           IssueState = "merged"
	IssueClosed           IssueState = "closed"
	IssueAbandoned        IssueState = "abandoned"
)

// SessionStatus is the lifecycle state of one engine run.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionPaused    SessionStatus = "paused"
)

// Issue is the durable record of a unit of work.
type Issue struct {
	ID          string     `json:"id"` // host/owner/repo#number
	URL         string     `json:"url"`
	Host        string     `json:"host"`
	Project     string     `json:"project"` // owner/repo, exactly as the host returns it
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	Body        string     `json:"body,omitempty"`
	Labels      []string   `json:"labels,omitempty"`
	Author      string     `json:"author,omitempty"`
	Assignee    string     `json:"assignee,omitempty"`
	State       IssueState `json:"state"`
	ProposalURL string     `json:"proposal_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Session records one execution of the engine against one issue.
type Session struct {
	ID             string        `json:"id"`
	IssueID        string        `json:"issue_id"`
	Status         SessionStatus `json:"status"`
	Provider       string        `json:"provider,omitempty"`
	Model          string        `json:"model,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
	Turns          int           `json:"turns"`
	CostUSD        float64       `json:"cost_usd"`
	ProposalURL    string        `json:"proposal_url,omitempty"`
	WorkDir        string        `json:"work_dir,omitempty"`
	Resumable      bool          `json:"resumable,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Transition is an immutable, append-only record of one state change.
type Transition struct {
	Entity    string    `json:"entity"` // "issue" or "session"
	EntityID  string    `json:"entity_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	At        time.Time `json:"at"`
	SessionID string    `json:"session_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// LedgerEntry is one append-only cost record.
type LedgerEntry struct {
	Day       string    `json:"day"`   // 2006-01-02, local time
	Month     string    `json:"month"` // 2006-01
	SessionID string    `json:"session_id"`
	CostUSD   float64   `json:"cost_usd"`
	At        time.Time `json:"at"`
}

// Metrics is the delta applied by UpdateSessionMetrics. Cost deltas are
// additive so the session's accumulated cost never decreases.
type Metrics struct {
	CostDeltaUSD float64
	TurnsDelta   int
	LastActivity time.Time
	ProposalURL  string
}

var issueTransitions = map[IssueState][]IssueState{
	IssueDiscovered:       {IssueQueued, IssueAbandoned},
	IssueQueued:           {IssueInProgress, IssueAbandoned},
	IssueInProgress:       {IssuePRCreated, IssueAbandoned, IssueQueued},
	IssuePRCreated:        {IssueAwaitingFeedback, IssueMerged, IssueClosed},
	IssueAwaitingFeedback: {IssueIterating, IssueMerged, IssueClosed},
	IssueIterating:        {IssueAwaitingFeedback, IssueAbandoned, IssuePRCreated},
	// merged, closed, abandoned are terminal
}

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionActive: {SessionCompleted, SessionFailed, SessionPaused},
	SessionPaused: {SessionActive},
	// completed, failed are terminal
}

// IssueTerminal reports whether the state absorbs all transitions.
func IssueTerminal(s IssueState) bool {
	switch s {
	case IssueMerged, IssueClosed, IssueAbandoned:
		return true
	}
	return false
}

// SessionTerminal reports whether the status absorbs all transitions.
func SessionTerminal(s SessionStatus) bool {
	return s == SessionCompleted || s == SessionFailed
}

// CanTransitionIssue reports whether from→to appears in the allowed table.
func CanTransitionIssue(from, to IssueState) bool {
	for _, t := range issueTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CanTransitionSession reports whether from→to appears in the allowed table.
func CanTransitionSession(from, to SessionStatus) bool {
	for _, t := range sessionTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IssueID builds the canonical issue identity.
func IssueID(host, project string, number int) string {
	return fmt.Sprintf("%s/%s#%d", host, project, number)
}

// Day and Month format times the way the ledger keys them.
func Day(t time.Time) string   { return t.Format("2006-01-02") }
func Month(t time.Time) string { return t.Format("2006-01") }
