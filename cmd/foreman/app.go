package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sallandpioneers/foreman/internal/agent"
	"github.com/sallandpioneers/foreman/internal/breaker"
	"github.com/sallandpioneers/foreman/internal/budget"
	"github.com/sallandpioneers/foreman/internal/cleanup"
	"github.com/sallandpioneers/foreman/internal/config"
	"github.com/sallandpioneers/foreman/internal/engine"
	"github.com/sallandpioneers/foreman/internal/locks"
	"github.com/sallandpioneers/foreman/internal/logging"
	"github.com/sallandpioneers/foreman/internal/providers"
	"github.com/sallandpioneers/foreman/internal/store"
	"github.com/sallandpioneers/foreman/internal/worktree"
)

// app wires the full dependency graph once per command invocation.
type app struct {
	cfg       *config.Config
	log       *logrus.Entry
	store     *store.Store
	host      providers.Host
	agent     agent.Provider
	worktrees *worktree.Manager
	cleanup   *cleanup.Manager
	breakers  *breaker.Registry
	gate      *budget.Gate
	engine    *engine.Engine
}

func buildApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.Setup(cfg.LogDir(), cfg.LogLevel, verbose)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	log := logrus.NewEntry(logger)

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	host, err := createHost(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	ag := agent.NewClaudeCLI(cfg.Agent.Command)
	wt := worktree.NewManager(cfg.WorktreeDir(), cfg.MirrorDir(), &worktree.DefaultGitRunner{},
		cfg.Limits.MaxWorktrees, cfg.Limits.MaxWorktreesPerProject, log)
	cl := cleanup.NewManager(log)
	gate := budget.NewGate(cfg.Budget, cfg.Rate, st)
	breakers := breaker.NewRegistry(breaker.DefaultOptions(cfg.Breaker))

	eng := engine.New(cfg, st, host, ag, wt, cl, gate, locks.NewRepoLocks(), breakers, log)

	// Crash leftovers from a previous process become visible records.
	if err := wt.SyncWithDisk(); err != nil {
		log.WithError(err).Warn("failed to reconcile working copies with disk")
	}

	return &app{
		cfg:       cfg,
		log:       log,
		store:     st,
		host:      host,
		agent:     ag,
		worktrees: wt,
		cleanup:   cl,
		breakers:  breakers,
		gate:      gate,
		engine:    eng,
	}, nil
}

func createHost(cfg *config.Config) (providers.Host, error) {
	switch cfg.Provider {
	case "", "github":
		return providers.NewGitHubHost(cfg.GitHub.Token), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

func (a *app) close() {
	if errs := a.cleanup.RunAll(context.Background()); len(errs) > 0 {
		a.log.Warnf("%d cleanup task(s) failed on shutdown", len(errs))
	}
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("failed to close state database")
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM; the
// handler drains cleanup tasks and exits 130 on interrupt.
func (a *app) signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	a.cleanup.OnSignal(cancel, nil)
	return ctx, cancel
}
