package errs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an error for propagation and reporting decisions.
type Kind int

const (
	Unknown Kind = iota
	Configuration
	BudgetExceeded
	RateLimited
	InvalidTransition
	NotFound
	Storage
	Network
	Timeout
	CircuitOpen
	AgentProvider
	VersionControl
	FeedbackParse
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case BudgetExceeded:
		return "budget-exceeded"
	case RateLimited:
		return "rate-limited"
	case InvalidTransition:
		return "invalid-transition"
	case NotFound:
		return "not-found"
	case Storage:
		return "storage"
	case Network:
		return "network"
	case Timeout:
		return "timeout"
	case CircuitOpen:
		return "circuit-open"
	case AgentProvider:
		return "agent-provider"
	case VersionControl:
		return "version-control"
	case FeedbackParse:
		return "feedback-parse"
	default:
		return "unknown"
	}
}

// Error carries the kind plus the context a user-visible failure needs:
// the operation label, retry-after for rate limits, reopen time for open
// circuits, and the session that hit it.
type Error struct {
	Kind       Kind
	Op         string
	Msg        string
	RetryAfter time.Duration
	ReopenAt   time.Time
	SessionID  string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		fmt.Fprintf(&b, " [%s]", e.Op)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Kind == RateLimited && e.RetryAfter > 0 {
		fmt.Fprintf(&b, " (retry after %s)", e.RetryAfter)
	}
	if e.Kind == CircuitOpen && !e.ReopenAt.IsZero() {
		fmt.Fprintf(&b, " (reopens at %s)", e.ReopenAt.Format(time.RFC3339))
	}
	if e.SessionID != "" {
		fmt.Fprintf(&b, " (session %s)", e.SessionID)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so callers can match with errors.Is against
// a bare-kind sentinel, e.g. errors.Is(err, &Error{Kind: NotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// New creates an error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap annotates err with a kind and operation label.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf annotates err with a kind, operation label and message.
func Wrapf(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain, Unknown if untagged.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether an error is worth retrying. Only Network
// and Timeout qualify; RateLimited is handled separately because it
// carries its own delay, and CircuitOpen must fail fast.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case Network, Timeout:
		return true
	default:
		return false
	}
}

// IsTransient reports whether a failed engine run should send the issue
// back to the queue rather than abandoning it.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case Network, Timeout, RateLimited, CircuitOpen:
		return true
	default:
		return false
	}
}

// WithSession stamps the session id onto a tagged error, leaving
// untagged errors alone.
func WithSession(err error, sessionID string) error {
	var e *Error
	if errors.As(err, &e) && e.SessionID == "" {
		e.SessionID = sessionID
	}
	return err
}
