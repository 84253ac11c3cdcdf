package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sallandpioneers/foreman/internal/feedback"
	"github.com/sallandpioneers/foreman/internal/providers"
)

func iterateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "iterate <pr-url>",
		Short: "Address review feedback on an open pull request",
		Long: `Collect the reviews, comments and check results on a pull request
opened by foreman, turn them into a work list, and run the agent on
the existing branch to address them.

Example:
  foreman iterate https://github.com/owner/repo/pull/456`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.close()

			ctx, cancel := app.signalContext()
			defer cancel()

			fb, err := collectFeedback(ctx, app, args[0])
			if err != nil {
				return err
			}
			if len(fb.Items) == 0 {
				fmt.Println("No actionable feedback found.")
				return nil
			}
			fmt.Printf("Addressing %d feedback item(s): %s\n", len(fb.Items), fb.Summary)

			res, err := app.engine.RunIteration(ctx, args[0], fb)
			if err != nil {
				return err
			}
			fmt.Printf("Pushed update to %s\n", res.ProposalURL)
			return nil
		},
	}
	return cmd
}

// collectFeedback pulls every review surface of the proposal and parses
// it into prioritised work items.
func collectFeedback(ctx context.Context, app *app, prURL string) (*feedback.Feedback, error) {
	ref, err := providers.ParseURL(prURL)
	if err != nil {
		return nil, err
	}
	if ref.Kind != providers.KindPull {
		return nil, fmt.Errorf("%s is not a pull request URL", prURL)
	}

	comments, err := app.host.GetPRComments(ctx, ref.Project, ref.Number)
	if err != nil {
		return nil, err
	}
	reviewComments, err := app.host.GetPRReviewComments(ctx, ref.Project, ref.Number)
	if err != nil {
		return nil, err
	}
	reviews, err := app.host.GetReviews(ctx, ref.Project, ref.Number)
	if err != nil {
		return nil, err
	}
	checks, err := app.host.GetChecks(ctx, ref.Project, ref.Number)
	if err != nil {
		app.log.WithError(err).Warn("could not fetch checks, parsing comments only")
		checks = nil
	}

	parser := feedback.NewParser(app.cfg.Security.BotAccounts)
	fb := parser.Parse(feedback.Input{
		Comments:       comments,
		ReviewComments: reviewComments,
		Reviews:        reviews,
		Checks:         providers.SummarizeChecks(checks, app.cfg.Verify.NonFailingConclusions),
	})
	return fb, nil
}
