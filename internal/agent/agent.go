// Package agent drives the external code-generation CLI. The engine
// depends only on the Provider interface; the CLI implementation and
// an in-memory mock live alongside it.
package agent

import "context"

// Options configures one agent invocation.
type Options struct {
	CWD          string
	Model        string
	MaxTurns     int
	MaxBudgetUSD float64
	ResumeID     string
	// OnProgress is invoked for every line of agent output. Callers use
	// it to feed watchdog heartbeats and activity timestamps.
	OnProgress func(line string)
}

// Result is the outcome of one agent invocation. CostDelta is the
// spend of this invocation alone, never a running total.
type Result struct {
	Success   bool
	Output    string
	CostDelta float64
	NumTurns  int
	SessionID string
	Err       string
}

// Provider executes prompts against an agent backend.
type Provider interface {
	Query(ctx context.Context, prompt string, opts Options) (*Result, error)
	IsAvailable(ctx context.Context) bool
	Name() string
}
