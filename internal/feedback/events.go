// Package feedback turns reviewer activity on a proposal into
// structured work items, and watches proposals for new activity.
package feedback

import "time"

// EventType tags what the monitor observed on a proposal.
type EventType string

const (
	EventFeedback      EventType = "feedback"       // new actionable comments or reviews
	EventChecksChanged EventType = "checks_changed" // CI status moved
	EventMerged        EventType = "merged"
	EventClosed        EventType = "closed"
	EventError         EventType = "error" // polling failed; monitoring continues
)

// Event is one observation emitted by the monitor.
type Event struct {
	Type     EventType
	PRURL    string
	At       time.Time
	Feedback *Feedback // set for EventFeedback
	Checks   []string  // failing check names for EventChecksChanged
	Err      error     // set for EventError
}

// ItemType classifies one piece of actionable feedback.
type ItemType string

const (
	ItemCodeChange    ItemType = "code_change"
	ItemBugFix        ItemType = "bug_fix"
	ItemStyle         ItemType = "style"
	ItemTest          ItemType = "test"
	ItemDocumentation ItemType = "documentation"
	ItemPerformance   ItemType = "performance"
	ItemSecurity      ItemType = "security"
	ItemCIFailure     ItemType = "ci_failure"
)

// Item is one actionable unit of reviewer feedback.
type Item struct {
	Type     ItemType
	Priority int // 1 is highest
	Body     string
	Author   string
	Path     string
	Line     int
}

// Feedback is the parsed view of all activity on a proposal.
type Feedback struct {
	Items          []Item
	NeedsAttention bool // changes requested or failing checks present
	Summary        string
}
