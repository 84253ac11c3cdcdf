package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want Ref
	}{
		{
			"github issue",
			"https://github.com/acme/widgets/issues/42",
			Ref{Host: "github.com", Project: "acme/widgets", Number: 42, Kind: KindIssue},
		},
		{
			"github pull",
			"https://github.com/acme/widgets/pull/7",
			Ref{Host: "github.com", Project: "acme/widgets", Number: 7, Kind: KindPull},
		},
		{
			"plural pulls",
			"https://github.com/acme/widgets/pulls/7",
			Ref{Host: "github.com", Project: "acme/widgets", Number: 7, Kind: KindPull},
		},
		{
			"gitlab merge request",
			"https://gitlab.com/acme/widgets/-/merge_requests/3",
			Ref{Host: "gitlab.com", Project: "acme/widgets", Number: 3, Kind: KindPull},
		},
		{
			"nested gitlab project",
			"https://gitlab.com/acme/team/widgets/-/issues/5",
			Ref{Host: "gitlab.com", Project: "acme/team/widgets", Number: 5, Kind: KindIssue},
		},
		{
			"trailing slash trimmed",
			"https://github.com/acme/widgets/issues/42/",
			Ref{Host: "github.com", Project: "acme/widgets", Number: 42, Kind: KindIssue},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseURL(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseURLRejects(t *testing.T) {
	bad := []string{
		"",
		"not a url",
		"https://github.com/acme/widgets",
		"https://github.com/acme/widgets/commit/abc123",
		"https://github.com/acme/widgets/issues/zero",
		"https://github.com/acme/widgets/issues/-1",
		"https://github.com/acme/widgets/issues/0",
	}
	for _, url := range bad {
		_, err := ParseURL(url)
		assert.Error(t, err, url)
	}
}

func TestBuildURLRoundTrip(t *testing.T) {
	refs := []Ref{
		{Host: "github.com", Project: "acme/widgets", Number: 42, Kind: KindIssue},
		{Host: "github.com", Project: "acme/widgets", Number: 7, Kind: KindPull},
		{Host: "code.internal.example", Project: "platform/tools/cli", Number: 1, Kind: KindIssue},
	}
	for _, ref := range refs {
		parsed, err := ParseURL(BuildURL(ref))
		require.NoError(t, err)
		assert.Equal(t, ref, parsed)
	}
}

func TestRefIssueID(t *testing.T) {
	ref := Ref{Host: "github.com", Project: "acme/widgets", Number: 42, Kind: KindIssue}
	assert.Equal(t, "github.com/acme/widgets#42", ref.IssueID())
}

func TestSummarizeChecks(t *testing.T) {
	nonFailing := []string{"success", "neutral", "skipped", "action_required"}
	checks := []*CheckRun{
		{Name: "build", Status: "completed", Conclusion: "success"},
		{Name: "lint", Status: "completed", Conclusion: "neutral"},
		{Name: "deploy-preview", Status: "completed", Conclusion: "action_required"},
		{Name: "tests", Status: "completed", Conclusion: "failure"},
		{Name: "slow-suite", Status: "in_progress"},
		{Name: "new-conclusion", Status: "completed", Conclusion: "some_future_value"},
	}

	s := SummarizeChecks(checks, nonFailing)
	assert.Len(t, s.Pending, 1)
	require.Len(t, s.Failing, 1)
	assert.Equal(t, "tests", s.Failing[0].Name)
	// Unknown conclusions are treated like skipped, not failing.
	assert.Len(t, s.Passing, 4)
	assert.False(t, s.AllPassed())

	s = SummarizeChecks(checks[:3], nonFailing)
	assert.True(t, s.AllPassed())
}
