package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sallandpioneers/foreman/internal/engine"
	"github.com/sallandpioneers/foreman/internal/orchestrator"
	"github.com/sallandpioneers/foreman/internal/store"
)

func workCmd() *cobra.Command {
	var dryRun bool
	var maxBudget float64

	cmd := &cobra.Command{
		Use:   "work <issue-url>",
		Short: "Resolve a single issue and open a pull request",
		Long: `Run the agent against one issue: prepare an isolated working copy,
implement a fix, verify it and open a pull request.

Example:
  foreman work https://github.com/owner/repo/issues/123
  foreman work --dry-run https://github.com/owner/repo/issues/123`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.close()

			ctx, cancel := app.signalContext()
			defer cancel()

			res, err := app.engine.RunOnIssue(ctx, args[0], engine.RunOptions{
				DryRun:       dryRun,
				MaxBudgetUSD: maxBudget,
			})
			if err != nil {
				return err
			}
			if res.ProposalURL != "" {
				fmt.Println(res.ProposalURL)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Stop before pushing or opening a pull request")
	cmd.Flags().Float64Var(&maxBudget, "max-budget", 0, "Per-run spend cap in USD (0 = config default)")

	return cmd
}

func workParallelCmd() *cobra.Command {
	var dryRun bool
	var maxBudget float64

	cmd := &cobra.Command{
		Use:   "work-parallel <count> [<issue-url>...]",
		Short: "Resolve several issues concurrently",
		Long: `Run up to <count> agents at once across the given issues. Admission
is first-come-first-served; issues predicted to touch the same files
wait for each other, and one failing run never stops the rest.

Without issue URLs the backlog is drained instead: every tracked issue
currently in state queued is run, oldest first.

Example:
  foreman work-parallel 3 \
    https://github.com/owner/repo/issues/1 \
    https://github.com/owner/repo/issues/2 \
    https://github.com/owner/repo/issues/3
  foreman work-parallel 3`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := strconv.Atoi(args[0])
			if err != nil || count < 1 {
				return fmt.Errorf("count must be a positive integer, got %q", args[0])
			}

			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.close()

			if count > app.cfg.Limits.MaxConcurrentAgents {
				count = app.cfg.Limits.MaxConcurrentAgents
			}

			urls := args[1:]
			if len(urls) == 0 {
				urls, err = queuedIssueURLs(app.store)
				if err != nil {
					return err
				}
				if len(urls) == 0 {
					fmt.Println("No queued issues.")
					return nil
				}
				fmt.Printf("Draining %d queued issue(s)\n", len(urls))
			}

			ctx, cancel := app.signalContext()
			defer cancel()

			orch := orchestrator.New(app.engine, app.host, count,
				app.cfg.Limits.MaxConcurrentPerProject, app.log)
			outcomes := orch.Run(ctx, urls, engine.RunOptions{
				DryRun:       dryRun,
				MaxBudgetUSD: maxBudget,
			})

			failed := 0
			for _, out := range outcomes {
				switch {
				case out.Err != nil:
					failed++
					fmt.Printf("FAIL  %s: %v\n", out.URL, out.Err)
				case out.Result != nil && out.Result.ProposalURL != "":
					fmt.Printf("OK    %s -> %s\n", out.URL, out.Result.ProposalURL)
				default:
					fmt.Printf("OK    %s\n", out.URL)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d issues failed", failed, len(outcomes))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Stop before pushing or opening pull requests")
	cmd.Flags().Float64Var(&maxBudget, "max-budget", 0, "Per-run spend cap in USD (0 = config default)")

	return cmd
}

// queuedIssueURLs returns the backlog: every issue in state queued,
// oldest first.
func queuedIssueURLs(st *store.Store) ([]string, error) {
	issues, err := st.ListIssuesByState(store.IssueQueued)
	if err != nil {
		return nil, err
	}
	sort.Slice(issues, func(i, j int) bool {
		return issues[i].CreatedAt.Before(issues[j].CreatedAt)
	})
	urls := make([]string, 0, len(issues))
	for _, issue := range issues {
		if issue.URL != "" {
			urls = append(urls, issue.URL)
		}
	}
	return urls, nil
}
