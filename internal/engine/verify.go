package engine

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sallandpioneers/foreman/internal/errs"
	"github.com/sallandpioneers/foreman/internal/store"
	"github.com/sallandpioneers/foreman/internal/worktree"
)

// verify enforces diff size limits and runs the configured local test
// command, feeding failures back to the agent up to the configured
// number of fix iterations.
func (e *Engine) verify(ctx context.Context, session *store.Session, wc *worktree.Record,
	opts RunOptions, log *logrus.Entry) error {

	base, err := worktree.DefaultBranch(ctx, e.gitRunner(), wc.Path)
	if err != nil {
		base = "main"
	}
	stats, err := worktree.DiffAgainst(ctx, e.gitRunner(), wc.Path, "origin/"+base)
	if err != nil {
		log.WithError(err).Debug("diff against base failed, checking working tree only")
		stats = worktree.DiffStats{}
	}
	if e.cfg.Verify.MaxChangedFiles > 0 && stats.Files > e.cfg.Verify.MaxChangedFiles {
		return errs.New(errs.Configuration, "verify",
			fmt.Sprintf("change touches %d files, limit is %d", stats.Files, e.cfg.Verify.MaxChangedFiles))
	}
	if e.cfg.Verify.MaxChangedLines > 0 && stats.Lines > e.cfg.Verify.MaxChangedLines {
		return errs.New(errs.Configuration, "verify",
			fmt.Sprintf("change touches %d lines, limit is %d", stats.Lines, e.cfg.Verify.MaxChangedLines))
	}

	if e.cfg.Verify.TestCommand == "" {
		return nil
	}

	maxFix := e.cfg.Verify.MaxLocalTestFixIterations
	for attempt := 0; ; attempt++ {
		output, testErr := runTests(ctx, wc.Path, e.cfg.Verify.TestCommand)
		if testErr == nil {
			return nil
		}
		if attempt >= maxFix {
			return errs.New(errs.AgentProvider, "verify",
				fmt.Sprintf("tests still failing after %d fix attempts", maxFix))
		}
		log.Infof("tests failed, asking agent to fix (attempt %d/%d)", attempt+1, maxFix)

		res, err := e.drive(ctx, session, wc.Path, fixTestsPrompt(e.cfg.Verify.TestCommand, output), opts, log)
		if err != nil {
			return err
		}
		if !res.Success {
			return errs.New(errs.AgentProvider, "verify", "agent fix run failed: "+res.Err)
		}
	}
}

// runTests executes the configured test command through the shell and
// returns its combined output.
func runTests(ctx context.Context, dir, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func fixTestsPrompt(command, output string) string {
	const maxOutput = 16 * 1024
	if len(output) > maxOutput {
		output = output[len(output)-maxOutput:]
	}
	var b strings.Builder
	b.WriteString("The local test command failed. Fix the failures without weakening the tests.\n\n")
	fmt.Fprintf(&b, "Command: %s\n\nOutput:\n```\n%s\n```\n", command, output)
	return b.String()
}
