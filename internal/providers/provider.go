// Package providers abstracts the code host. The engine talks to the
// Host interface; implementations exist for GitHub (via the gh CLI)
// and an in-memory mock for tests.
package providers

import (
	"context"
	"time"
)

// Issue represents an issue from any host.
type Issue struct {
	Number    int
	Title     string
	Body      string
	Labels    []string
	State     string
	Author    string
	Assignee  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Comment represents a comment on an issue or PR. Path and Line are
// set for review comments attached to a diff position.
type Comment struct {
	ID        int64
	Body      string
	Author    string
	CreatedAt time.Time
	Path      string
	Line      int
	InReplyTo int64
}

// Review represents a PR review with a verdict.
type Review struct {
	ID        int64
	Author    string
	State     string // APPROVED, CHANGES_REQUESTED, COMMENTED
	Body      string
	CreatedAt time.Time
}

// CheckRun represents one CI check attached to a PR head.
type CheckRun struct {
	Name       string
	Status     string // queued, in_progress, completed
	Conclusion string // success, failure, neutral, cancelled, skipped, timed_out, action_required
	DetailsURL string
}

// PR represents a pull request.
type PR struct {
	Number    int
	Title     string
	Body      string
	State     string
	Merged    bool
	Mergeable bool
	HTMLURL   string
	HeadRef   string
	BaseRef   string
}

// PRCreate contains fields for opening a PR.
type PRCreate struct {
	Title string
	Body  string
	Head  string
	Base  string
	Draft bool
}

// Host is the interface to a code hosting service.
type Host interface {
	// Issue operations
	GetIssue(ctx context.Context, project string, number int) (*Issue, error)
	ListOpenIssues(ctx context.Context, project, label string) ([]*Issue, error)
	GetComments(ctx context.Context, project string, number int) ([]*Comment, error)
	CreateComment(ctx context.Context, project string, number int, body string) (int64, error)
	UpdateComment(ctx context.Context, project string, commentID int64, body string) error

	// PR operations
	CreatePR(ctx context.Context, project string, pr PRCreate) (*PR, error)
	GetPR(ctx context.Context, project string, number int) (*PR, error)
	GetPRComments(ctx context.Context, project string, number int) ([]*Comment, error)
	GetPRReviewComments(ctx context.Context, project string, number int) ([]*Comment, error)
	GetReviews(ctx context.Context, project string, number int) ([]*Review, error)
	GetChecks(ctx context.Context, project string, number int) ([]*CheckRun, error)
	DeleteBranch(ctx context.Context, project, branch string) error

	// Repository operations
	CloneURL(project string) string
	GetDefaultBranch(ctx context.Context, project string) (string, error)

	// Authorization
	IsCollaborator(ctx context.Context, project, username string) (bool, error)

	// Host info
	Name() string
}

// ChecksSummary is the rolled-up view of a PR's check runs.
type ChecksSummary struct {
	Pending []*CheckRun
	Failing []*CheckRun
	Passing []*CheckRun
}

// AllPassed reports whether every check completed without failing.
func (s ChecksSummary) AllPassed() bool {
	return len(s.Pending) == 0 && len(s.Failing) == 0
}

// SummarizeChecks classifies check runs. A conclusion in nonFailing is
// treated as passing; a completed check with an unrecognised conclusion
// is treated like skipped rather than failing, so new host-side
// conclusion values never block a proposal by surprise.
func SummarizeChecks(checks []*CheckRun, nonFailing []string) ChecksSummary {
	pass := make(map[string]bool, len(nonFailing))
	for _, c := range nonFailing {
		pass[c] = true
	}
	known := map[string]bool{
		"success": true, "failure": true, "neutral": true, "cancelled": true,
		"skipped": true, "timed_out": true, "action_required": true, "stale": true,
	}

	var s ChecksSummary
	for _, check := range checks {
		if check.Status != "completed" {
			s.Pending = append(s.Pending, check)
			continue
		}
		conclusion := check.Conclusion
		if !known[conclusion] {
			conclusion = "skipped"
		}
		if pass[conclusion] {
			s.Passing = append(s.Passing, check)
		} else {
			s.Failing = append(s.Failing, check)
		}
	}
	return s
}
