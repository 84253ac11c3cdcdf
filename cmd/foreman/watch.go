package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sallandpioneers/foreman/internal/feedback"
	"github.com/sallandpioneers/foreman/internal/store"
)

func watchCmd() *cobra.Command {
	var interval time.Duration
	var once bool
	var autoIterate bool

	cmd := &cobra.Command{
		Use:   "watch [<pr-url>...]",
		Short: "Watch pull requests for review activity",
		Long: `Poll pull requests for new reviews, comments and check results.
With --auto-iterate, actionable feedback immediately triggers an
iteration run on the branch. Each watch stops when its pull request is
merged or closed, or after a long stretch without activity.

Without URLs, every tracked issue with an open proposal is watched.

Example:
  foreman watch --auto-iterate https://github.com/owner/repo/pull/456
  foreman watch`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.close()

			ctx, cancel := app.signalContext()
			defer cancel()

			if interval <= 0 {
				interval = app.cfg.Watch.Interval
			}
			if !cmd.Flags().Changed("auto-iterate") {
				autoIterate = app.cfg.Watch.AutoIterate
			}

			urls := args
			if len(urls) == 0 {
				urls, err = openProposalURLs(app.store)
				if err != nil {
					return err
				}
				if len(urls) == 0 {
					fmt.Println("No open proposals to watch.")
					return nil
				}
				fmt.Printf("Watching %d open proposal(s)\n", len(urls))
			}

			parser := feedback.NewParser(app.cfg.Security.BotAccounts)
			monitor := feedback.NewMonitor(app.host, parser, app.cfg.Verify.NonFailingConclusions,
				interval, app.cfg.Watch.InactivityTimeout, app.log)

			events, err := monitor.WatchAll(ctx, urls)
			if err != nil {
				return err
			}

			// The merged channel closes once every watch has ended, so
			// terminal events are recorded without stopping the loop.
			for ev := range events {
				switch ev.Type {
				case feedback.EventFeedback:
					fmt.Printf("[%s] %s feedback: %s\n", ev.At.Format(time.TimeOnly), ev.PRURL, ev.Feedback.Summary)
					if autoIterate {
						if _, err := app.engine.RunIteration(ctx, ev.PRURL, ev.Feedback); err != nil {
							app.log.WithError(err).Error("iteration failed")
						}
					}
					if once {
						return nil
					}
				case feedback.EventChecksChanged:
					fmt.Printf("[%s] %s failing checks: %v\n", ev.At.Format(time.TimeOnly), ev.PRURL, ev.Checks)
				case feedback.EventMerged:
					fmt.Printf("[%s] %s merged\n", ev.At.Format(time.TimeOnly), ev.PRURL)
					markProposal(app, ev.PRURL, store.IssueMerged)
				case feedback.EventClosed:
					fmt.Printf("[%s] %s closed without merge\n", ev.At.Format(time.TimeOnly), ev.PRURL)
					markProposal(app, ev.PRURL, store.IssueClosed)
				case feedback.EventError:
					app.log.WithError(ev.Err).Warn("poll failed")
				}
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "Poll interval (0 = config default)")
	cmd.Flags().BoolVar(&once, "once", false, "Exit after the first actionable feedback event")
	cmd.Flags().BoolVar(&autoIterate, "auto-iterate", false, "Run an iteration when actionable feedback arrives")

	return cmd
}

// openProposalURLs returns the proposal URL of every tracked issue
// whose pull request is still open for review.
func openProposalURLs(st *store.Store) ([]string, error) {
	var urls []string
	for _, state := range []store.IssueState{
		store.IssuePRCreated, store.IssueAwaitingFeedback, store.IssueIterating,
	} {
		issues, err := st.ListIssuesByState(state)
		if err != nil {
			return nil, err
		}
		for _, issue := range issues {
			if issue.ProposalURL != "" {
				urls = append(urls, issue.ProposalURL)
			}
		}
	}
	return urls, nil
}

// markProposal records the terminal state of the issue behind a merged
// or closed proposal. Proposals opened outside foreman have no record;
// that is not an error.
func markProposal(app *app, prURL string, state store.IssueState) {
	issue, err := app.store.GetIssueByProposal(prURL)
	if err != nil {
		app.log.WithError(err).Debug("no tracked issue for proposal")
		return
	}
	if err := app.store.TransitionIssue(issue.ID, state, "proposal "+string(state), ""); err != nil {
		app.log.WithError(err).Warn("failed to record terminal issue state")
	}
}
