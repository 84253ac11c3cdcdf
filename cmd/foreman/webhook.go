package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sallandpioneers/foreman/internal/store"
	"github.com/sallandpioneers/foreman/internal/webhook"
)

func webhookCmd() *cobra.Command {
	var port int
	var secret string
	var repos []string
	var autoIterate bool
	var deleteBranch bool

	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Receive repository events instead of polling",
		Long: `Run an HTTP endpoint that receives repository webhooks. Review
comments and check results on foreman's pull requests trigger
iterations; a merge marks the issue done and optionally deletes the
branch.

Deliveries are verified against the shared secret and filtered by the
repository allow-list before anything runs.

Example:
  foreman webhook --port 8080 --secret "$WEBHOOK_SECRET" --repos owner/repo`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.close()

			ctx, cancel := app.signalContext()
			defer cancel()

			if port == 0 {
				port = app.cfg.Webhook.Port
			}
			if secret == "" {
				secret = app.cfg.Webhook.Secret
			}
			if len(repos) == 0 {
				repos = app.cfg.Webhook.AllowedRepos
			}
			if !cmd.Flags().Changed("auto-iterate") {
				autoIterate = app.cfg.Webhook.AutoIterate
			}
			if !cmd.Flags().Changed("delete-branch-on-merge") {
				deleteBranch = app.cfg.Webhook.DeleteBranchOnMerge
			}

			srv := webhook.New(webhook.Options{
				Port:         port,
				Secret:       secret,
				AllowedRepos: repos,
			}, func(ev webhook.Event) {
				handleDelivery(ctx, app, ev, autoIterate, deleteBranch)
			}, app.log)

			go func() {
				<-ctx.Done()
				srv.Shutdown(context.Background())
			}()

			fmt.Printf("Listening on :%d\n", port)
			return srv.Start()
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Listen port (0 = config default)")
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC secret for delivery verification")
	cmd.Flags().StringSliceVar(&repos, "repos", nil, "Repositories to accept events from (owner/repo)")
	cmd.Flags().BoolVar(&autoIterate, "auto-iterate", false, "Run an iteration when actionable feedback arrives")
	cmd.Flags().BoolVar(&deleteBranch, "delete-branch-on-merge", false, "Delete the proposal branch after merge")

	return cmd
}

// handleDelivery reacts to one accepted webhook event. Only activity on
// pull requests foreman itself opened does anything.
func handleDelivery(ctx context.Context, app *app, ev webhook.Event, autoIterate, deleteBranch bool) {
	switch ev.Type {
	case "pull_request":
		if ev.Action == "closed" && ev.PRURL != "" {
			state := store.IssueClosed
			if ev.Merged {
				state = store.IssueMerged
			}
			markProposal(app, ev.PRURL, state)
			if ev.Merged && deleteBranch && ev.Branch != "" {
				if err := app.host.DeleteBranch(ctx, ev.Repo, ev.Branch); err != nil {
					app.log.WithError(err).Warn("failed to delete merged branch")
				}
			}
		}

	case "issue_comment", "pull_request_review", "pull_request_review_comment", "check_run", "check_suite":
		if ev.PRURL == "" || !autoIterate {
			return
		}
		// Only iterate on proposals we track.
		if _, err := app.store.GetIssueByProposal(ev.PRURL); err != nil {
			return
		}
		fb, err := collectFeedback(ctx, app, ev.PRURL)
		if err != nil {
			app.log.WithError(err).Warn("failed to collect feedback after delivery")
			return
		}
		if len(fb.Items) == 0 && !fb.NeedsAttention {
			return
		}
		if _, err := app.engine.RunIteration(ctx, ev.PRURL, fb); err != nil {
			app.log.WithError(err).Error("iteration failed")
		}
	}
}
