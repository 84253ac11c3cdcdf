package worktree

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// CmdResult holds command execution results.
type CmdResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// GitRunner executes git commands. Tests substitute a fake.
type GitRunner interface {
	Run(ctx context.Context, args []string, dir string) (*CmdResult, error)
}

// DefaultGitRunner implements GitRunner using os/exec.
type DefaultGitRunner struct{}

// Run executes a git command.
func (r *DefaultGitRunner) Run(ctx context.Context, args []string, dir string) (*CmdResult, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	stdout, err := cmd.Output()
	result := &CmdResult{Stdout: string(stdout)}

	if exitErr, ok := err.(*exec.ExitError); ok {
		result.Stderr = string(exitErr.Stderr)
		result.ExitCode = exitErr.ExitCode()
		return result, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, result.Stderr)
	}
	return result, err
}

// RepoNameFromURL extracts the repository name from a git URL.
func RepoNameFromURL(url string) string {
	// SSH form: git@github.com:user/repo.git
	if strings.HasPrefix(url, "git@") {
		parts := strings.Split(url, ":")
		if len(parts) >= 2 {
			path := parts[len(parts)-1]
			return strings.TrimSuffix(filepath.Base(path), ".git")
		}
	}
	path := url
	if idx := strings.LastIndex(url, "/"); idx >= 0 {
		path = url[idx+1:]
	}
	return strings.TrimSuffix(path, ".git")
}

// DefaultBranch returns the default branch of a repository.
func DefaultBranch(ctx context.Context, runner GitRunner, repoPath string) (string, error) {
	result, err := runner.Run(ctx, []string{"symbolic-ref", "refs/remotes/origin/HEAD"}, repoPath)
	if err == nil {
		branch := strings.TrimPrefix(strings.TrimSpace(result.Stdout), "refs/remotes/origin/")
		if branch != "" {
			return branch, nil
		}
	}
	for _, branch := range []string{"main", "master"} {
		if _, err := runner.Run(ctx, []string{"rev-parse", "refs/heads/" + branch}, repoPath); err == nil {
			return branch, nil
		}
	}
	return "main", nil
}

// HasChanges reports whether the working copy has uncommitted changes.
func HasChanges(ctx context.Context, runner GitRunner, dir string) (bool, error) {
	result, err := runner.Run(ctx, []string{"status", "--porcelain"}, dir)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(result.Stdout) != "", nil
}

// CommitAll stages and commits everything in the working copy. It is a
// no-op when nothing changed.
func CommitAll(ctx context.Context, runner GitRunner, dir, message string) error {
	changed, err := HasChanges(ctx, runner, dir)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if _, err := runner.Run(ctx, []string{"add", "-A"}, dir); err != nil {
		return err
	}
	_, err = runner.Run(ctx, []string{"commit", "-m", message}, dir)
	return err
}

// Push pushes the branch to origin, setting upstream.
func Push(ctx context.Context, runner GitRunner, dir, branch string) error {
	_, err := runner.Run(ctx, []string{"push", "-u", "origin", branch}, dir)
	return err
}

// DiffStats summarises changes between the default branch base and HEAD.
type DiffStats struct {
	Files int
	Lines int // added plus removed
}

// DiffAgainst computes change statistics relative to base. Renames are
// detected so a moved file counts once.
func DiffAgainst(ctx context.Context, runner GitRunner, dir, base string) (DiffStats, error) {
	result, err := runner.Run(ctx, []string{"diff", "--numstat", "-M", base + "...HEAD"}, dir)
	if err != nil {
		return DiffStats{}, err
	}
	var stats DiffStats
	for _, line := range strings.Split(result.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		stats.Files++
		// Binary files report "-"; they count as a file with zero lines.
		if added, err := strconv.Atoi(fields[0]); err == nil {
			stats.Lines += added
		}
		if removed, err := strconv.Atoi(fields[1]); err == nil {
			stats.Lines += removed
		}
	}
	return stats, nil
}

// ChangedFiles lists paths changed relative to base, rename-aware.
func ChangedFiles(ctx context.Context, runner GitRunner, dir, base string) ([]string, error) {
	result, err := runner.Run(ctx, []string{"diff", "--name-only", "-M", base + "...HEAD"}, dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(result.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}
