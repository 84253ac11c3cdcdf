// Package breaker provides named circuit breakers for classes of
// upstream I/O (agent provider, host API, git). It wraps
// sony/gobreaker so that open-circuit failures carry the time the
// circuit will admit traffic again.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/sallandpioneers/foreman/internal/config"
	"github.com/sallandpioneers/foreman/internal/errs"
)

// Well-known operation labels.
const (
	OpAgentProvider = "ai-provider"
	OpHostAPI       = "github-api"
	OpGit           = "git-operations"
)

// Options configures a breaker.
type Options struct {
	FailureThreshold uint32        // consecutive failures that open the circuit
	SuccessThreshold uint32        // consecutive half-open successes that close it
	OpenDuration     time.Duration // how long the circuit stays open
	OnStateChange    func(name string, from, to gobreaker.State)
}

// DefaultOptions returns breaker options from config.
func DefaultOptions(cfg config.BreakerConfig) Options {
	return Options{
		FailureThreshold: uint32(cfg.FailureThreshold),
		SuccessThreshold: uint32(cfg.SuccessThreshold),
		OpenDuration:     cfg.OpenDuration,
	}
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold == 0 {
		o.FailureThreshold = 5
	}
	if o.SuccessThreshold == 0 {
		o.SuccessThreshold = 2
	}
	if o.OpenDuration == 0 {
		o.OpenDuration = 60 * time.Second
	}
	return o
}

// Breaker guards one named operation.
type Breaker struct {
	name string
	open time.Duration
	cb   *gobreaker.CircuitBreaker[any]

	mu       sync.Mutex
	openedAt time.Time
}

// New creates a breaker for the named operation.
func New(name string, opts Options) *Breaker {
	opts = opts.withDefaults()
	b := &Breaker{name: name, open: opts.OpenDuration}

	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: opts.SuccessThreshold,
		Timeout:     opts.OpenDuration,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opts.FailureThreshold
		},
		OnStateChange: func(n string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.mu.Lock()
				b.openedAt = time.Now()
				b.mu.Unlock()
			}
			if opts.OnStateChange != nil {
				opts.OnStateChange(n, from, to)
			}
		},
	})
	return b
}

// Do runs fn through the breaker. While the circuit is open it fails
// fast with a CircuitOpen error carrying the reopen time; fn is not
// invoked.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		e := errs.Wrap(errs.CircuitOpen, b.name, err)
		e.ReopenAt = b.ReopenAt()
		return e
	}
	return err
}

// DoWithResult is Do for functions returning a value.
func DoWithResult[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		e := errs.Wrap(errs.CircuitOpen, b.name, err)
		e.ReopenAt = b.ReopenAt()
		return zero, e
	}
	if err != nil {
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Name returns the operation label.
func (b *Breaker) Name() string {
	return b.name
}

// ReopenAt returns when the currently open circuit will admit a probe.
func (b *Breaker) ReopenAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedAt.IsZero() {
		return time.Time{}
	}
	return b.openedAt.Add(b.open)
}

// Registry hands out one breaker per operation label. The process-wide
// instance lives in the caller (tests construct their own).
type Registry struct {
	mu       sync.Mutex
	opts     Options
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the label, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.opts)
	r.breakers[name] = b
	return b
}

// States returns a snapshot of every breaker's state, for status output.
func (r *Registry) States() map[string]gobreaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]gobreaker.State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
