package locks

import (
	"context"
	"strings"
	"sync"
)

// RepoLocks serialises repo-mutating operations per repository path.
// Each path gets strict FIFO mutual exclusion; independent paths never
// contend.
type RepoLocks struct {
	mu    sync.Mutex
	repos map[string]*repoState
}

type repoState struct {
	held    bool
	waiters []chan struct{}
}

// NewRepoLocks creates an empty lock table.
func NewRepoLocks() *RepoLocks {
	return &RepoLocks{repos: make(map[string]*repoState)}
}

// Normalize strips trailing path separators so "/a/b/" and "/a/b" map
// to the same lock.
func Normalize(path string) string {
	trimmed := strings.TrimRight(path, "/\\")
	if trimmed == "" {
		return path
	}
	return trimmed
}

// Acquire takes the lock for path, blocking in FIFO order. The returned
// release function is idempotent and must be called on every exit path.
func (r *RepoLocks) Acquire(ctx context.Context, path string) (func(), error) {
	key := Normalize(path)

	r.mu.Lock()
	st, ok := r.repos[key]
	if !ok {
		st = &repoState{}
		r.repos[key] = st
	}
	if !st.held {
		st.held = true
		r.mu.Unlock()
		return r.releaser(key), nil
	}

	ch := make(chan struct{})
	st.waiters = append(st.waiters, ch)
	r.mu.Unlock()

	select {
	case <-ch:
		return r.releaser(key), nil
	case <-ctx.Done():
		r.mu.Lock()
		for i, q := range st.waiters {
			if q == ch {
				st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
				r.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		r.mu.Unlock()
		// Lock was handed to us concurrently with cancellation; pass it on.
		r.release(key)
		return nil, ctx.Err()
	}
}

func (r *RepoLocks) releaser(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { r.release(key) })
	}
}

func (r *RepoLocks) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.repos[key]
	if !ok {
		return
	}
	if len(st.waiters) > 0 {
		ch := st.waiters[0]
		st.waiters = st.waiters[1:]
		close(ch) // lock passes directly to the head waiter
		return
	}
	st.held = false
	delete(r.repos, key)
}

// With runs fn while holding the lock for path, releasing on all exit
// paths including panic.
func (r *RepoLocks) With(ctx context.Context, path string, fn func() error) error {
	release, err := r.Acquire(ctx, path)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Held reports whether the lock for path is currently held.
func (r *RepoLocks) Held(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.repos[Normalize(path)]
	return ok && st.held
}

// Waiting returns the number of waiters queued on path.
func (r *RepoLocks) Waiting(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.repos[Normalize(path)]
	if !ok {
		return 0
	}
	return len(st.waiters)
}
