package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func cleanupCmd() *cobra.Command {
	var maxAge time.Duration
	var all bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove leftover working copies",
		Long: `Reconcile tracked working copies with what is actually on disk, then
remove the ones whose runs finished and, with --max-age, any older
than the given duration. Age-based removal includes active copies:
past the age limit they are assumed abandoned by a dead run.

Example:
  foreman cleanup
  foreman cleanup --max-age 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.close()

			if err := app.worktrees.SyncWithDisk(); err != nil {
				return fmt.Errorf("failed to reconcile with disk: %w", err)
			}
			before := len(app.worktrees.List())

			var errs []error
			errs = append(errs, app.worktrees.CleanupCompleted()...)

			if !cmd.Flags().Changed("max-age") {
				maxAge = time.Duration(app.cfg.Limits.WorktreeMaxAgeHours) * time.Hour
			}
			if all {
				maxAge = 0 // every inactive copy qualifies
			}
			if all || maxAge > 0 {
				errs = append(errs, app.worktrees.CleanupByAge(maxAge)...)
			}

			removed := before - len(app.worktrees.List())
			fmt.Printf("Removed %d working cop%s\n", removed, pluralY(removed))
			for _, err := range errs {
				app.log.WithError(err).Warn("cleanup error")
			}
			if len(errs) > 0 {
				return fmt.Errorf("%d cleanup error(s)", len(errs))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "Also remove working copies older than this (0 = config default)")
	cmd.Flags().BoolVar(&all, "all", false, "Remove every inactive working copy regardless of age")

	return cmd
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
