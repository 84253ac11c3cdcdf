package feedback

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sallandpioneers/foreman/internal/providers"
)

// Parser classifies reviewer activity into actionable items.
type Parser struct {
	botAccounts map[string]bool
}

// NewParser creates a parser. Feedback authored by botAccounts is
// dropped so automated comments never trigger iterations.
func NewParser(botAccounts []string) *Parser {
	bots := make(map[string]bool, len(botAccounts))
	for _, b := range botAccounts {
		bots[strings.ToLower(b)] = true
	}
	return &Parser{botAccounts: bots}
}

// keyword tables, checked in priority order so a comment mentioning
// both a security hole and a typo is classified as security.
var classifiers = []struct {
	typ      ItemType
	keywords []string
}{
	{ItemSecurity, []string{"security", "vulnerab", "injection", "xss", "csrf", "cve", "exploit", "sanitiz", "unsafe"}},
	{ItemBugFix, []string{"bug", "broken", "crash", "incorrect", "wrong", "fails", "failure", "race", "leak", "panic", "regression"}},
	{ItemPerformance, []string{"performance", "slow", "optimi", "n+1", "latency", "allocation", "inefficien"}},
	{ItemTest, []string{"test", "coverage", "assert", "flaky"}},
	{ItemDocumentation, []string{"document", "docs", "readme", "changelog", "godoc"}},
	{ItemStyle, []string{"style", "format", "lint", "naming", "typo", "whitespace", "indent", "nit"}},
}

func classify(body string) ItemType {
	lower := strings.ToLower(body)
	for _, c := range classifiers {
		for _, kw := range c.keywords {
			if strings.Contains(lower, kw) {
				return c.typ
			}
		}
	}
	return ItemCodeChange
}

func priorityOf(t ItemType) int {
	switch t {
	case ItemSecurity, ItemCIFailure:
		return 1
	case ItemBugFix:
		return 2
	}
	return 3
}

func (p *Parser) isBot(author string) bool {
	author = strings.ToLower(author)
	return p.botAccounts[author] || strings.HasSuffix(author, "[bot]")
}

// Input collects everything the parser looks at for one proposal.
type Input struct {
	Comments       []*providers.Comment // issue-level PR comments
	ReviewComments []*providers.Comment // inline diff comments
	Reviews        []*providers.Review
	Checks         providers.ChecksSummary
	// Since filters out activity at or before these IDs; zero keeps
	// everything.
	SinceCommentID int64
	SinceReviewID  int64
}

// Parse turns raw activity into prioritised items. Direct replies are
// skipped because the agent's next pass re-reads whole threads anyway.
func (p *Parser) Parse(in Input) *Feedback {
	fb := &Feedback{}

	addComment := func(c *providers.Comment) {
		if p.isBot(c.Author) || c.InReplyTo != 0 {
			return
		}
		if in.SinceCommentID != 0 && c.ID <= in.SinceCommentID {
			return
		}
		if strings.TrimSpace(c.Body) == "" {
			return
		}
		typ := classify(c.Body)
		fb.Items = append(fb.Items, Item{
			Type:     typ,
			Priority: priorityOf(typ),
			Body:     c.Body,
			Author:   c.Author,
			Path:     c.Path,
			Line:     c.Line,
		})
	}
	for _, c := range in.Comments {
		addComment(c)
	}
	for _, c := range in.ReviewComments {
		addComment(c)
	}

	for _, r := range in.Reviews {
		if p.isBot(r.Author) {
			continue
		}
		if strings.EqualFold(r.State, "CHANGES_REQUESTED") {
			fb.NeedsAttention = true
		}
		if in.SinceReviewID != 0 && r.ID <= in.SinceReviewID {
			continue
		}
		if strings.TrimSpace(r.Body) == "" {
			continue
		}
		typ := classify(r.Body)
		fb.Items = append(fb.Items, Item{
			Type:     typ,
			Priority: priorityOf(typ),
			Body:     r.Body,
			Author:   r.Author,
		})
	}

	for _, check := range in.Checks.Failing {
		fb.Items = append(fb.Items, Item{
			Type:     ItemCIFailure,
			Priority: 1,
			Body:     fmt.Sprintf("CI check %q failed: %s", check.Name, check.DetailsURL),
		})
		fb.NeedsAttention = true
	}

	sort.SliceStable(fb.Items, func(i, j int) bool {
		return fb.Items[i].Priority < fb.Items[j].Priority
	})
	fb.Summary = summarize(fb.Items)
	return fb
}

func summarize(items []Item) string {
	if len(items) == 0 {
		return "no actionable feedback"
	}
	counts := make(map[ItemType]int)
	for _, item := range items {
		counts[item.Type]++
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, string(t))
	}
	sort.Strings(types)
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = fmt.Sprintf("%d %s", counts[ItemType(t)], t)
	}
	return fmt.Sprintf("%d item(s): %s", len(items), strings.Join(parts, ", "))
}

// Prompt renders the feedback as instructions for an iteration run.
func (fb *Feedback) Prompt() string {
	var b strings.Builder
	b.WriteString("Address the following review feedback on the open pull request.\n")
	b.WriteString("Work highest priority first.\n\n")
	for i, item := range fb.Items {
		fmt.Fprintf(&b, "%d. [%s, priority %d]", i+1, item.Type, item.Priority)
		if item.Path != "" {
			fmt.Fprintf(&b, " (%s:%d)", item.Path, item.Line)
		}
		if item.Author != "" {
			fmt.Fprintf(&b, " from %s", item.Author)
		}
		b.WriteString(":\n")
		b.WriteString(item.Body)
		b.WriteString("\n\n")
	}
	return b.String()
}
