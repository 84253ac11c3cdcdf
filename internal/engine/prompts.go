package engine

import (
	"fmt"
	"strings"

	"github.com/sallandpioneers/foreman/internal/feedback"
	"github.com/sallandpioneers/foreman/internal/store"
)

// issuePrompt renders the issue as the agent's task description.
func issuePrompt(issue *store.Issue) string {
	var b strings.Builder
	b.WriteString("You are working in an isolated checkout of the repository ")
	b.WriteString(issue.Project)
	b.WriteString(".\n\n")
	fmt.Fprintf(&b, "Resolve issue #%d: %s\n\n", issue.Number, issue.Title)
	if issue.Body != "" {
		b.WriteString("Issue description:\n")
		b.WriteString(issue.Body)
		b.WriteString("\n\n")
	}
	if len(issue.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n\n", strings.Join(issue.Labels, ", "))
	}
	b.WriteString("Guidelines:\n")
	b.WriteString("- Make the smallest change that fully resolves the issue.\n")
	b.WriteString("- Follow the conventions of the surrounding code.\n")
	b.WriteString("- Add or update tests that cover the change.\n")
	b.WriteString("- Do not commit; leave changes in the working tree.\n")
	return b.String()
}

// iterationPrompt renders review feedback as the follow-up task.
func iterationPrompt(issue *store.Issue, fb *feedback.Feedback) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You previously opened a pull request for issue #%d (%s) in %s.\n",
		issue.Number, issue.Title, issue.Project)
	b.WriteString("The branch with your changes is checked out.\n\n")
	b.WriteString(fb.Prompt())
	b.WriteString("Do not commit; leave changes in the working tree.\n")
	return b.String()
}
