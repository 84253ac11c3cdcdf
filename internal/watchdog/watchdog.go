// Package watchdog detects stalled operations. A watchdog fires its
// timeout callback when no heartbeat arrives within the configured
// window; every heartbeat resets the timer.
package watchdog

import (
	"sync"
	"time"
)

// TimeoutContext is handed to the timeout callback.
type TimeoutContext struct {
	Op            string
	StartedAt     time.Time
	LastHeartbeat time.Time
	Meta          map[string]any
}

// Watchdog tracks liveness of one operation. It does not stop itself
// when the timer fires; the callback decides what happens next.
type Watchdog struct {
	op          string
	timeout     time.Duration
	onTimeout   func(TimeoutContext)
	onHeartbeat func()

	mu        sync.Mutex
	timer     *time.Timer
	running   bool
	startedAt time.Time
	lastBeat  time.Time
	meta      map[string]any
}

// New creates a watchdog for the named operation. onTimeout is required;
// onHeartbeat may be nil.
func New(op string, timeout time.Duration, onTimeout func(TimeoutContext), onHeartbeat func()) *Watchdog {
	return &Watchdog{
		op:          op,
		timeout:     timeout,
		onTimeout:   onTimeout,
		onHeartbeat: onHeartbeat,
	}
}

// Start arms the timer. Meta is carried into the timeout context.
func (w *Watchdog) Start(meta map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}
	now := time.Now()
	w.running = true
	w.startedAt = now
	w.lastBeat = now
	w.meta = meta
	w.timer = time.AfterFunc(w.timeout, w.fire)
}

// Heartbeat resets the timer and records activity.
func (w *Watchdog) Heartbeat() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.lastBeat = time.Now()
	w.timer.Reset(w.timeout)
	cb := w.onHeartbeat
	w.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Stop disarms the timer.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	w.timer.Stop()
}

func (w *Watchdog) fire() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	tc := TimeoutContext{
		Op:            w.op,
		StartedAt:     w.startedAt,
		LastHeartbeat: w.lastBeat,
		Meta:          w.meta,
	}
	cb := w.onTimeout
	w.mu.Unlock()

	cb(tc)
}

// Running reports whether the watchdog is armed.
func (w *Watchdog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// With runs fn under a watchdog: started on entry, stopped on every
// exit path. fn receives the heartbeat function.
func With(op string, timeout time.Duration, onTimeout func(TimeoutContext), fn func(heartbeat func()) error) error {
	w := New(op, timeout, onTimeout, nil)
	w.Start(nil)
	defer w.Stop()
	return fn(w.Heartbeat)
}
