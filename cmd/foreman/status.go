package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sallandpioneers/foreman/internal/health"
	"github.com/sallandpioneers/foreman/internal/store"
)

func statusCmd() *cobra.Command {
	var showAll bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tracked issues, spend, working copies and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.close()

			if err := printIssues(app, showAll); err != nil {
				return err
			}
			if err := printSessions(app); err != nil {
				return err
			}
			if err := printSpend(app); err != nil {
				return err
			}
			printWorktrees(app)
			printHealth(app)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&showAll, "all", "a", false, "Include issues in terminal states")
	return cmd
}

var issueStates = []store.IssueState{
	store.IssueDiscovered, store.IssueQueued, store.IssueInProgress,
	store.IssuePRCreated, store.IssueAwaitingFeedback, store.IssueIterating,
	store.IssueMerged, store.IssueClosed, store.IssueAbandoned,
}

func printIssues(app *app, showAll bool) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ISSUE\tSTATE\tTITLE\tPROPOSAL")

	rows := 0
	for _, state := range issueStates {
		if !showAll && store.IssueTerminal(state) {
			continue
		}
		issues, err := app.store.ListIssuesByState(state)
		if err != nil {
			return err
		}
		for _, issue := range issues {
			title := issue.Title
			if len(title) > 50 {
				title = title[:47] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", issue.ID, issue.State, title, issue.ProposalURL)
			rows++
		}
	}
	if rows == 0 {
		fmt.Fprintln(w, "(none)\t\t\t")
	}
	w.Flush()
	fmt.Println()
	return nil
}

func printSessions(app *app) error {
	sessions, err := app.store.ActiveSessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tISSUE\tSTARTED\tCOST\tTURNS")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t$%.2f\t%d\n",
			s.ID, s.IssueID, humanize.Time(s.StartedAt), s.CostUSD, s.Turns)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func printSpend(app *app) error {
	day, err := app.store.TodayCost()
	if err != nil {
		return err
	}
	month, err := app.store.MonthCost()
	if err != nil {
		return err
	}
	fmt.Printf("Spend: $%.2f today (limit $%.2f), $%.2f this month (limit $%.2f)\n",
		day, app.cfg.Budget.DailyLimitUSD, month, app.cfg.Budget.MonthlyLimitUSD)

	counts, err := app.store.TodayProposalCounts()
	if err != nil {
		return err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Printf("Proposals today: %d of %d\n\n", total, app.cfg.Rate.MaxProposalsPerDay)
	return nil
}

func printWorktrees(app *app) {
	records := app.worktrees.List()
	fmt.Printf("Working copies: %d of %d\n", len(records), app.cfg.Limits.MaxWorktrees)
	for _, rec := range records {
		fmt.Printf("  %s  %s  %s\n", rec.Path, rec.Status, humanize.Time(rec.CreatedAt))
	}
	fmt.Println()
}

func printHealth(app *app) {
	checker := health.New(app.cfg.StateDir, app.agent, app.worktrees, app.breakers,
		app.cfg.Limits.MaxWorktrees, "gh")
	report := checker.Run(context.Background())

	fmt.Printf("Health: %s\n", report.Status)
	for _, check := range report.Checks {
		fmt.Printf("  %-10s %-9s %s\n", check.Name, check.Status, check.Detail)
	}
}
