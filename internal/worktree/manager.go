// Package worktree manages isolated working copies, one per issue.
// Clones come from a local bare mirror per project, so concurrent runs
// against the same repository never touch each other's checkout.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sallandpioneers/foreman/internal/errs"
)

// Status of a registered working copy.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusOrphaned  Status = "orphaned" // on disk but unknown to the registry
)

// Record describes one managed working copy.
type Record struct {
	ID        string // directory basename, <repo>-issue-<n>
	Project   string // owner/repo
	IssueID   string
	Path      string
	Branch    string
	Status    Status
	CreatedAt time.Time
}

// Manager is the registry of working copies under one base directory.
type Manager struct {
	baseDir       string
	mirrorDir     string
	runner        GitRunner
	maxTotal      int
	maxPerProject int
	logger        *logrus.Entry

	mu      sync.Mutex
	records map[string]*Record // keyed by path
}

// NewManager creates a manager rooted at baseDir with mirrors in
// mirrorDir. Limits of zero mean unlimited.
func NewManager(baseDir, mirrorDir string, runner GitRunner, maxTotal, maxPerProject int, logger *logrus.Entry) *Manager {
	if runner == nil {
		runner = &DefaultGitRunner{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		baseDir:       baseDir,
		mirrorDir:     mirrorDir,
		runner:        runner,
		maxTotal:      maxTotal,
		maxPerProject: maxPerProject,
		logger:        logger,
		records:       make(map[string]*Record),
	}
}

// Runner exposes the git runner so callers share the same fake in
// tests.
func (m *Manager) Runner() GitRunner {
	return m.runner
}

// pathFor builds the working copy directory name from the project and
// issue number, e.g. widgets-issue-42.
func (m *Manager) pathFor(project string, number int) string {
	repo := project
	if idx := strings.LastIndex(project, "/"); idx >= 0 {
		repo = project[idx+1:]
	}
	return filepath.Join(m.baseDir, fmt.Sprintf("%s-issue-%d", repo, number))
}

// MirrorPath returns the bare mirror location for a project.
func (m *Manager) MirrorPath(project string) string {
	return filepath.Join(m.mirrorDir, strings.ReplaceAll(project, "/", "-")+".git")
}

// EnsureMirror clones or refreshes the bare mirror for a project.
func (m *Manager) EnsureMirror(ctx context.Context, project, remoteURL string) (string, error) {
	mirror := m.MirrorPath(project)
	if _, err := os.Stat(mirror); err == nil {
		if _, err := m.runner.Run(ctx, []string{"--git-dir", mirror, "remote", "update", "--prune"}, ""); err != nil {
			return "", errs.Wrapf(errs.VersionControl, "worktree", err, "failed to refresh mirror for %s", project)
		}
		return mirror, nil
	}
	if err := os.MkdirAll(m.mirrorDir, 0o755); err != nil {
		return "", errs.Wrap(errs.VersionControl, "worktree", err)
	}
	if _, err := m.runner.Run(ctx, []string{"clone", "--mirror", remoteURL, mirror}, ""); err != nil {
		return "", errs.Wrapf(errs.VersionControl, "worktree", err, "failed to mirror %s", project)
	}
	return mirror, nil
}

// Create registers and materialises a working copy for the issue on a
// fresh branch. The record is registered before any files are written,
// so a crash mid-clone still leaves the path known to cleanup. On
// failure the record is marked failed and the error returned.
func (m *Manager) Create(ctx context.Context, project, issueID string, number int, remoteURL, branch string) (*Record, error) {
	return m.create(ctx, project, issueID, number, remoteURL, branch, false)
}

// CreateFromExisting is Create for an iteration run: it checks out the
// already-pushed branch instead of creating a new one.
func (m *Manager) CreateFromExisting(ctx context.Context, project, issueID string, number int, remoteURL, branch string) (*Record, error) {
	return m.create(ctx, project, issueID, number, remoteURL, branch, true)
}

func (m *Manager) create(ctx context.Context, project, issueID string, number int, remoteURL, branch string, existing bool) (*Record, error) {
	path := m.pathFor(project, number)

	m.mu.Lock()
	if _, exists := m.records[path]; exists {
		m.mu.Unlock()
		return nil, errs.New(errs.VersionControl, "worktree",
			fmt.Sprintf("working copy already exists for %s", issueID))
	}
	if m.maxTotal > 0 && len(m.records) >= m.maxTotal {
		m.mu.Unlock()
		return nil, errs.New(errs.VersionControl, "worktree",
			fmt.Sprintf("working copy limit reached (%d)", m.maxTotal))
	}
	if m.maxPerProject > 0 && m.countProjectLocked(project) >= m.maxPerProject {
		m.mu.Unlock()
		return nil, errs.New(errs.VersionControl, "worktree",
			fmt.Sprintf("working copy limit for %s reached (%d)", project, m.maxPerProject))
	}
	rec := &Record{
		ID:        filepath.Base(path),
		Project:   project,
		IssueID:   issueID,
		Path:      path,
		Branch:    branch,
		Status:    StatusActive,
		CreatedAt: time.Now(),
	}
	m.records[path] = rec
	m.mu.Unlock()

	if err := m.materialise(ctx, rec, project, remoteURL, existing); err != nil {
		m.MarkStatus(path, StatusFailed)
		return nil, err
	}
	return rec, nil
}

func (m *Manager) materialise(ctx context.Context, rec *Record, project, remoteURL string, existing bool) error {
	mirror, err := m.EnsureMirror(ctx, project, remoteURL)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return errs.Wrap(errs.VersionControl, "worktree", err)
	}
	if _, err := m.runner.Run(ctx, []string{"clone", mirror, rec.Path}, ""); err != nil {
		return errs.Wrapf(errs.VersionControl, "worktree", err, "failed to clone %s", project)
	}
	// Point origin at the real remote so pushes leave the machine.
	if _, err := m.runner.Run(ctx, []string{"remote", "set-url", "origin", remoteURL}, rec.Path); err != nil {
		return errs.Wrap(errs.VersionControl, "worktree", err)
	}
	if existing {
		if _, err := m.runner.Run(ctx, []string{"fetch", "origin", rec.Branch}, rec.Path); err != nil {
			return errs.Wrapf(errs.VersionControl, "worktree", err, "failed to fetch branch %s", rec.Branch)
		}
		if _, err := m.runner.Run(ctx, []string{"checkout", rec.Branch}, rec.Path); err != nil {
			return errs.Wrapf(errs.VersionControl, "worktree", err, "failed to checkout branch %s", rec.Branch)
		}
		return nil
	}
	if _, err := m.runner.Run(ctx, []string{"checkout", "-b", rec.Branch}, rec.Path); err != nil {
		return errs.Wrapf(errs.VersionControl, "worktree", err, "failed to create branch %s", rec.Branch)
	}
	return nil
}

// Remove deletes the working copy from disk and unregisters it. The
// record survives a failed removal so a later sweep can retry; a path
// already gone is treated as removed.
func (m *Manager) Remove(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return errs.Wrapf(errs.VersionControl, "worktree", err, "failed to remove %s", path)
	}
	m.mu.Lock()
	delete(m.records, path)
	m.mu.Unlock()
	return nil
}

// MarkStatus updates a record's status.
func (m *Manager) MarkStatus(path string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[path]; ok {
		rec.Status = status
	}
}

// Get returns the record at path, if registered.
func (m *Manager) Get(path string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[path]
	if !ok {
		return nil, false
	}
	copied := *rec
	return &copied, true
}

// List returns all records, oldest first.
func (m *Manager) List() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListByProject returns records for one project, oldest first.
func (m *Manager) ListByProject(project string) []Record {
	var out []Record
	for _, rec := range m.List() {
		if rec.Project == project {
			out = append(out, rec)
		}
	}
	return out
}

func (m *Manager) countProjectLocked(project string) int {
	n := 0
	for _, rec := range m.records {
		if rec.Project == project {
			n++
		}
	}
	return n
}

// CleanupCompleted removes every working copy not marked active.
func (m *Manager) CleanupCompleted() []error {
	var errors []error
	for _, rec := range m.List() {
		if rec.Status == StatusActive {
			continue
		}
		if err := m.Remove(rec.Path); err != nil {
			errors = append(errors, err)
		}
	}
	return errors
}

// CleanupByAge removes working copies older than maxAge regardless of
// status. Stale active copies are assumed abandoned by a dead run.
func (m *Manager) CleanupByAge(maxAge time.Duration) []error {
	cutoff := time.Now().Add(-maxAge)
	var errors []error
	for _, rec := range m.List() {
		if rec.CreatedAt.After(cutoff) {
			continue
		}
		m.logger.Infof("removing stale working copy %s (age %s)", rec.ID, time.Since(rec.CreatedAt).Round(time.Minute))
		if err := m.Remove(rec.Path); err != nil {
			errors = append(errors, err)
		}
	}
	return errors
}

// DetectFileConflicts returns paths modified in more than one active
// working copy. Both committed and uncommitted changes count.
func (m *Manager) DetectFileConflicts(ctx context.Context) ([]string, error) {
	counts := make(map[string]int)
	for _, rec := range m.List() {
		if rec.Status != StatusActive {
			continue
		}
		seen := make(map[string]bool)
		if files, err := ChangedFiles(ctx, m.runner, rec.Path, "origin/HEAD"); err == nil {
			for _, f := range files {
				seen[f] = true
			}
		}
		if result, err := m.runner.Run(ctx, []string{"status", "--porcelain"}, rec.Path); err == nil {
			for _, line := range strings.Split(result.Stdout, "\n") {
				if len(line) > 3 {
					seen[strings.TrimSpace(line[3:])] = true
				}
			}
		}
		for f := range seen {
			counts[f]++
		}
	}
	var conflicts []string
	for f, n := range counts {
		if n > 1 {
			conflicts = append(conflicts, f)
		}
	}
	sort.Strings(conflicts)
	return conflicts, nil
}

// SyncWithDisk reconciles the registry with the base directory.
// Registered paths missing from disk are dropped; directories on disk
// with no record are adopted as orphaned so age-based cleanup can
// collect them.
func (m *Manager) SyncWithDisk() error {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			entries = nil
		} else {
			return errs.Wrap(errs.VersionControl, "worktree", err)
		}
	}

	onDisk := make(map[string]os.DirEntry, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			onDisk[filepath.Join(m.baseDir, e.Name())] = e
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for path := range m.records {
		if _, ok := onDisk[path]; !ok {
			m.logger.Debugf("dropping registry entry for missing path %s", path)
			delete(m.records, path)
		}
	}
	for path, entry := range onDisk {
		if _, ok := m.records[path]; ok {
			continue
		}
		createdAt := time.Now()
		if info, err := entry.Info(); err == nil {
			createdAt = info.ModTime()
		}
		m.records[path] = &Record{
			ID:        filepath.Base(path),
			Path:      path,
			Status:    StatusOrphaned,
			CreatedAt: createdAt,
		}
	}
	return nil
}
