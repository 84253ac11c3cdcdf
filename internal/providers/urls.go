package providers

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/sallandpioneers/foreman/internal/errs"
)

// RefKind distinguishes issue URLs from proposal URLs.
type RefKind string

const (
	KindIssue RefKind = "issue"
	KindPull  RefKind = "pull"
)

// Ref is the parsed identity of an issue or pull request URL.
type Ref struct {
	Host    string // e.g. github.com
	Project string // owner/repo
	Number  int
	Kind    RefKind
}

// ParseURL parses an issue or pull request web URL. Accepted path
// forms are /owner/repo/issues/N, /owner/repo/pull/N, /owner/repo/pulls/N
// and /owner/repo/merge_requests/N (with an optional leading "-"
// segment as GitLab emits).
func ParseURL(raw string) (Ref, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Ref{}, errs.Wrapf(errs.Configuration, "providers", err, "invalid URL %q", raw)
	}
	if u.Host == "" {
		return Ref{}, errs.New(errs.Configuration, "providers", fmt.Sprintf("URL %q has no host", raw))
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	// Drop GitLab's "-" path separator.
	filtered := segments[:0]
	for _, s := range segments {
		if s != "-" {
			filtered = append(filtered, s)
		}
	}
	segments = filtered
	if len(segments) < 4 {
		return Ref{}, errs.New(errs.Configuration, "providers", fmt.Sprintf("URL %q is not an issue or pull request", raw))
	}

	kindSeg := segments[len(segments)-2]
	numberSeg := segments[len(segments)-1]

	var kind RefKind
	switch kindSeg {
	case "issues":
		kind = KindIssue
	case "pull", "pulls", "merge_requests":
		kind = KindPull
	default:
		return Ref{}, errs.New(errs.Configuration, "providers", fmt.Sprintf("URL %q has unrecognised kind %q", raw, kindSeg))
	}

	number, err := strconv.Atoi(numberSeg)
	if err != nil || number <= 0 {
		return Ref{}, errs.New(errs.Configuration, "providers", fmt.Sprintf("URL %q has invalid number %q", raw, numberSeg))
	}

	return Ref{
		Host:    u.Host,
		Project: strings.Join(segments[:len(segments)-2], "/"),
		Number:  number,
		Kind:    kind,
	}, nil
}

// BuildURL renders a Ref back into its canonical web URL. Parsing the
// result yields the same Ref.
func BuildURL(r Ref) string {
	seg := "issues"
	if r.Kind == KindPull {
		seg = "pull"
	}
	return fmt.Sprintf("https://%s/%s/%s/%d", r.Host, r.Project, seg, r.Number)
}

// IssueID returns the canonical durable identity for the reference.
func (r Ref) IssueID() string {
	return fmt.Sprintf("%s/%s#%d", r.Host, r.Project, r.Number)
}
