// Package health aggregates the runtime preconditions for starting new
// work: disk headroom in the state directory, memory pressure, working
// copy capacity, agent availability and circuit state.
package health

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sony/gobreaker/v2"

	"github.com/sallandpioneers/foreman/internal/agent"
	"github.com/sallandpioneers/foreman/internal/breaker"
	"github.com/sallandpioneers/foreman/internal/worktree"
)

// Status is the outcome of one check, ordered by severity.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFailing  Status = "failing"
)

// Check is one named probe result.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail"`
}

// Report aggregates all checks; Status is the worst individual one.
type Report struct {
	Status Status    `json:"status"`
	Checks []Check   `json:"checks"`
	At     time.Time `json:"at"`
}

// Thresholds for resource probes.
const (
	diskFailingBytes  = 1 << 30 // 1 GiB
	diskDegradedBytes = 5 << 30 // 5 GiB
	memDegradedPct    = 90.0
	memFailingPct     = 97.0
)

// Checker runs the probe set.
type Checker struct {
	stateDir     string
	agent        agent.Provider
	worktrees    *worktree.Manager
	breakers     *breaker.Registry
	maxWorktrees int
	hostCLI      string
}

// New builds a checker. agent, worktrees and breakers may each be nil
// and hostCLI may be empty; those probes are then skipped.
func New(stateDir string, ag agent.Provider, wt *worktree.Manager, br *breaker.Registry, maxWorktrees int, hostCLI string) *Checker {
	return &Checker{
		stateDir:     stateDir,
		agent:        ag,
		worktrees:    wt,
		breakers:     br,
		maxWorktrees: maxWorktrees,
		hostCLI:      hostCLI,
	}
}

// Run executes every probe and rolls the results up.
func (c *Checker) Run(ctx context.Context) *Report {
	report := &Report{Status: StatusOK, At: time.Now().UTC()}

	report.add(c.checkDisk())
	report.add(c.checkMemory())
	if c.worktrees != nil {
		report.add(c.checkWorktrees())
	}
	if c.agent != nil {
		report.add(c.checkAgent(ctx))
	}
	if c.hostCLI != "" {
		report.add(c.checkHostCLI())
	}
	if c.breakers != nil {
		report.add(c.checkBreakers())
	}
	return report
}

func (r *Report) add(ch Check) {
	r.Checks = append(r.Checks, ch)
	if severity(ch.Status) > severity(r.Status) {
		r.Status = ch.Status
	}
}

func severity(s Status) int {
	switch s {
	case StatusFailing:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

func (c *Checker) checkDisk() Check {
	usage, err := disk.Usage(c.stateDir)
	if err != nil {
		return Check{Name: "disk", Status: StatusDegraded, Detail: "cannot stat state dir: " + err.Error()}
	}
	detail := fmt.Sprintf("%s free of %s", humanize.IBytes(usage.Free), humanize.IBytes(usage.Total))
	switch {
	case usage.Free < diskFailingBytes:
		return Check{Name: "disk", Status: StatusFailing, Detail: detail}
	case usage.Free < diskDegradedBytes:
		return Check{Name: "disk", Status: StatusDegraded, Detail: detail}
	}
	return Check{Name: "disk", Status: StatusOK, Detail: detail}
}

func (c *Checker) checkMemory() Check {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Check{Name: "memory", Status: StatusDegraded, Detail: "cannot read memory stats: " + err.Error()}
	}
	detail := fmt.Sprintf("%.1f%% used, %s available", vm.UsedPercent, humanize.IBytes(vm.Available))
	switch {
	case vm.UsedPercent > memFailingPct:
		return Check{Name: "memory", Status: StatusFailing, Detail: detail}
	case vm.UsedPercent > memDegradedPct:
		return Check{Name: "memory", Status: StatusDegraded, Detail: detail}
	}
	return Check{Name: "memory", Status: StatusOK, Detail: detail}
}

func (c *Checker) checkWorktrees() Check {
	count := len(c.worktrees.List())
	detail := fmt.Sprintf("%d of %d in use", count, c.maxWorktrees)
	if c.maxWorktrees > 0 && count >= c.maxWorktrees {
		return Check{Name: "worktrees", Status: StatusDegraded, Detail: detail}
	}
	return Check{Name: "worktrees", Status: StatusOK, Detail: detail}
}

func (c *Checker) checkAgent(ctx context.Context) Check {
	if !c.agent.IsAvailable(ctx) {
		return Check{Name: "agent", Status: StatusFailing,
			Detail: c.agent.Name() + " is not available"}
	}
	return Check{Name: "agent", Status: StatusOK, Detail: c.agent.Name() + " available"}
}

func (c *Checker) checkHostCLI() Check {
	path, err := exec.LookPath(c.hostCLI)
	if err != nil {
		return Check{Name: "host-cli", Status: StatusFailing,
			Detail: c.hostCLI + " not found in PATH"}
	}
	return Check{Name: "host-cli", Status: StatusOK, Detail: path}
}

func (c *Checker) checkBreakers() Check {
	var open, halfOpen []string
	for name, state := range c.breakers.States() {
		switch state {
		case gobreaker.StateOpen:
			open = append(open, name)
		case gobreaker.StateHalfOpen:
			halfOpen = append(halfOpen, name)
		}
	}
	switch {
	case len(open) > 0:
		return Check{Name: "breakers", Status: StatusDegraded,
			Detail: fmt.Sprintf("open: %v", open)}
	case len(halfOpen) > 0:
		return Check{Name: "breakers", Status: StatusDegraded,
			Detail: fmt.Sprintf("half-open: %v", halfOpen)}
	}
	return Check{Name: "breakers", Status: StatusOK, Detail: "all closed"}
}
