// Package locks provides the two mutual-exclusion primitives the
// orchestrator relies on: a counting semaphore with strict FIFO wakeup
// and a per-repository lock keyed by normalised path.
package locks

import (
	"context"
	"sync"
)

// Semaphore is a counting semaphore with a FIFO waiter queue. A
// released slot is handed directly to the head waiter, so acquisition
// order is exactly the order Acquire was called.
type Semaphore struct {
	mu       sync.Mutex
	max      int
	acquired int
	waiters  []*semWaiter
}

type semWaiter struct {
	ch chan struct{}
}

// NewSemaphore creates a semaphore admitting at most max holders.
func NewSemaphore(max int) *Semaphore {
	if max < 1 {
		max = 1
	}
	return &Semaphore{max: max}
}

// Acquire obtains a slot, blocking in FIFO order until one is free or
// the context is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.acquired < s.max && len(s.waiters) == 0 {
		s.acquired++
		s.mu.Unlock()
		return nil
	}

	w := &semWaiter{ch: make(chan struct{})}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, q := range s.waiters {
			if q == w {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				s.mu.Unlock()
				return ctx.Err()
			}
		}
		s.mu.Unlock()
		// The slot was handed over concurrently with cancellation;
		// pass it on so it is not lost.
		s.Release()
		return ctx.Err()
	}
}

// TryAcquire obtains a slot without blocking.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquired < s.max && len(s.waiters) == 0 {
		s.acquired++
		return true
	}
	return false
}

// Release frees a slot. When waiters are queued the slot is passed to
// the head waiter without decrementing the in-use count.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(w.ch)
		return
	}
	if s.acquired > 0 {
		s.acquired--
	}
}

// Acquired returns the number of slots currently held.
func (s *Semaphore) Acquired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}

// Available returns the number of free slots.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max - s.acquired
}

// Waiting returns the number of queued waiters.
func (s *Semaphore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
