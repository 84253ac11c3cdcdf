package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sallandpioneers/foreman/internal/store"
)

func TestOpenProposalURLsCoversReviewStates(t *testing.T) {
	st := testStore(t)

	require.NoError(t, st.SaveIssue(&store.Issue{
		ID: "github/acme/widgets#1", URL: "https://github.com/acme/widgets/issues/1",
		State: store.IssuePRCreated, ProposalURL: "https://github.com/acme/widgets/pull/10",
	}))
	require.NoError(t, st.SaveIssue(&store.Issue{
		ID: "github/acme/widgets#2", URL: "https://github.com/acme/widgets/issues/2",
		State: store.IssueIterating, ProposalURL: "https://github.com/acme/widgets/pull/11",
	}))
	// No proposal yet, and a merged one: neither is watchable.
	require.NoError(t, st.SaveIssue(&store.Issue{
		ID: "github/acme/widgets#3", URL: "https://github.com/acme/widgets/issues/3",
		State: store.IssueQueued,
	}))
	require.NoError(t, st.SaveIssue(&store.Issue{
		ID: "github/acme/widgets#4", URL: "https://github.com/acme/widgets/issues/4",
		State: store.IssueMerged, ProposalURL: "https://github.com/acme/widgets/pull/12",
	}))

	urls, err := openProposalURLs(st)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"https://github.com/acme/widgets/pull/10",
		"https://github.com/acme/widgets/pull/11",
	}, urls)
}

func TestOpenProposalURLsNoneTracked(t *testing.T) {
	urls, err := openProposalURLs(testStore(t))
	require.NoError(t, err)
	assert.Empty(t, urls)
}
