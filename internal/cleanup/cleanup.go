// Package cleanup tracks resources that must be released on every exit
// path: worktrees, temp files, child processes. Tasks run highest
// priority first; a failing task never blocks its siblings.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// TaskType categorises a registered resource.
type TaskType string

const (
	TaskWorktree TaskType = "worktree"
	TaskTempFile TaskType = "temp-file"
	TaskProcess  TaskType = "process"
	TaskCustom   TaskType = "custom"
)

// Task is one release action.
type Task struct {
	ID          string
	Type        TaskType
	Description string
	Priority    int // higher runs first
	CreatedAt   time.Time
	Run         func(ctx context.Context) error
}

// ErrAlreadyRunning is returned when RunAll is entered re-entrantly.
var ErrAlreadyRunning = errors.New("cleanup already running")

// Manager is the process-wide cleanup registry.
type Manager struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	running bool
	logger  *logrus.Entry
}

// NewManager creates an empty registry.
func NewManager(logger *logrus.Entry) *Manager {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		tasks:  make(map[string]*Task),
		logger: logger,
	}
}

// Register adds a task, replacing any task with the same ID.
func (m *Manager) Register(t Task) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = &t
}

// Unregister drops a task without running it.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
}

// Count returns the number of registered tasks.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Tasks returns a snapshot ordered the way RunAll would execute.
func (m *Manager) Tasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orderedLocked()
}

func (m *Manager) orderedLocked() []Task {
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// RunAll executes every task, highest priority first. Errors are
// collected; failing tasks stay registered and are reported, successful
// ones are removed. A second concurrent call fails with
// ErrAlreadyRunning.
func (m *Manager) RunAll(ctx context.Context) []error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return []error{ErrAlreadyRunning}
	}
	m.running = true
	ordered := m.orderedLocked()
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	var errs []error
	for _, t := range ordered {
		if err := t.Run(ctx); err != nil {
			m.logger.WithError(err).Warnf("cleanup task %s (%s) failed", t.ID, t.Description)
			errs = append(errs, fmt.Errorf("cleanup %s: %w", t.ID, err))
			continue
		}
		m.mu.Lock()
		delete(m.tasks, t.ID)
		m.mu.Unlock()
	}
	return errs
}

// OnSignal installs SIGINT/SIGTERM handlers that cancel the given
// context, run all cleanup tasks, and exit with the conventional
// user-cancellation code.
func (m *Manager) OnSignal(cancel context.CancelFunc, exit func(code int)) {
	if exit == nil {
		exit = os.Exit
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		m.logger.Infof("received %s, running cleanup", sig)
		cancel()
		m.RunAll(context.Background())
		if sig == syscall.SIGINT {
			exit(130)
		}
		exit(1)
	}()
}
