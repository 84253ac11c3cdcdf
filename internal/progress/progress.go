// Package progress posts a debounced status comment on the issue as
// the pipeline advances, editing one comment in place rather than
// spamming the thread.
package progress

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sallandpioneers/foreman/internal/providers"
)

// botMarker identifies comments written by this tool, so feedback
// parsing can drop them.
const botMarker = "<!-- foreman-status -->"

// Status messages per pipeline stage.
const (
	StatusQueued        = "⏳ Queued for processing..."
	StatusPreparing     = "📦 Preparing working copy..."
	StatusWorking       = "🔨 Working on a fix..."
	StatusVerifying     = "✅ Verifying changes..."
	StatusPublishing    = "🚀 Opening pull request..."
	StatusCompleted     = "✨ Done - %s"
	StatusIterating     = "🔄 Addressing review feedback..."
	StatusFailed        = "❌ Failed: %s"
	StatusBudgetBlocked = "💰 Deferred: %s"
)

// HasMarker reports whether a comment body was written by the reporter.
func HasMarker(body string) bool {
	return strings.Contains(body, botMarker)
}

// Reporter maintains one status comment on an issue.
type Reporter struct {
	host             providers.Host
	project          string
	issueNumber      int
	debounceInterval time.Duration
	enabled          bool

	mu              sync.Mutex
	statusCommentID int64
	lastUpdate      time.Time
}

// NewReporter creates a reporter for one issue. A disabled reporter is
// a no-op, so callers never branch on configuration.
func NewReporter(host providers.Host, project string, issueNumber int, debounceInterval time.Duration, enabled bool) *Reporter {
	return &Reporter{
		host:             host,
		project:          project,
		issueNumber:      issueNumber,
		debounceInterval: debounceInterval,
		enabled:          enabled,
	}
}

// Update posts or edits the status comment. Updates inside the
// debounce window are dropped once the comment exists.
func (r *Reporter) Update(ctx context.Context, status string) error {
	if !r.enabled {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.lastUpdate) < r.debounceInterval && r.statusCommentID != 0 {
		return nil
	}
	return r.doUpdate(ctx, status)
}

// Finalize posts the terminal status, bypassing debounce.
func (r *Reporter) Finalize(ctx context.Context, status string) error {
	if !r.enabled {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doUpdate(ctx, status)
}

func (r *Reporter) doUpdate(ctx context.Context, status string) error {
	body := fmt.Sprintf("%s\n**Status:** %s", botMarker, status)

	if r.statusCommentID == 0 {
		id, err := r.host.CreateComment(ctx, r.project, r.issueNumber, body)
		if err != nil {
			return fmt.Errorf("failed to create status comment: %w", err)
		}
		r.statusCommentID = id
	} else {
		if err := r.host.UpdateComment(ctx, r.project, r.statusCommentID, body); err != nil {
			return fmt.Errorf("failed to update status comment: %w", err)
		}
	}
	r.lastUpdate = time.Now()
	return nil
}

// FormatCompleted renders the terminal success status.
func FormatCompleted(prURL string) string {
	return fmt.Sprintf(StatusCompleted, prURL)
}

// FormatFailed renders the terminal failure status.
func FormatFailed(err error) string {
	return fmt.Sprintf(StatusFailed, err.Error())
}

// FormatBlocked renders a deferred-by-gate status.
func FormatBlocked(reason string) string {
	return fmt.Sprintf(StatusBudgetBlocked, reason)
}
