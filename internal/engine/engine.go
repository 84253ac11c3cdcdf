// Package engine drives one issue through the full pipeline: admission,
// workspace prepare, agent drive, verify, publish, cleanup. It
// guarantees that at completion either a proposal exists upstream and
// the session completed, or the session failed with a specific error
// and every resource was released.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sallandpioneers/foreman/internal/agent"
	"github.com/sallandpioneers/foreman/internal/breaker"
	"github.com/sallandpioneers/foreman/internal/budget"
	"github.com/sallandpioneers/foreman/internal/cleanup"
	"github.com/sallandpioneers/foreman/internal/config"
	"github.com/sallandpioneers/foreman/internal/errs"
	"github.com/sallandpioneers/foreman/internal/feedback"
	"github.com/sallandpioneers/foreman/internal/locks"
	"github.com/sallandpioneers/foreman/internal/logging"
	"github.com/sallandpioneers/foreman/internal/progress"
	"github.com/sallandpioneers/foreman/internal/providers"
	"github.com/sallandpioneers/foreman/internal/retry"
	"github.com/sallandpioneers/foreman/internal/security"
	"github.com/sallandpioneers/foreman/internal/store"
	"github.com/sallandpioneers/foreman/internal/watchdog"
	"github.com/sallandpioneers/foreman/internal/worktree"
)

// Engine composes the state store, working-copy manager, resilience
// layer and external adapters into the one-issue pipeline.
type Engine struct {
	cfg       *config.Config
	store     *store.Store
	host      providers.Host
	agent     agent.Provider
	worktrees *worktree.Manager
	cleanup   *cleanup.Manager
	gate      *budget.Gate
	repoLocks *locks.RepoLocks
	breakers  *breaker.Registry
	logger    *logrus.Entry
}

// New wires an engine from its collaborators.
func New(cfg *config.Config, st *store.Store, host providers.Host, ag agent.Provider,
	wt *worktree.Manager, cl *cleanup.Manager, gate *budget.Gate,
	repoLocks *locks.RepoLocks, breakers *breaker.Registry, logger *logrus.Entry) *Engine {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		cfg:       cfg,
		store:     st,
		host:      host,
		agent:     ag,
		worktrees: wt,
		cleanup:   cl,
		gate:      gate,
		repoLocks: repoLocks,
		breakers:  breakers,
		logger:    logger,
	}
}

// RunOptions are per-run flags.
type RunOptions struct {
	DryRun       bool
	MaxBudgetUSD float64 // overrides config per-issue cap when > 0
}

// RunResult reports what one run produced.
type RunResult struct {
	IssueID     string
	SessionID   string
	ProposalURL string
}

// BranchName is the deterministic branch for an issue number.
func BranchName(number int) string {
	return fmt.Sprintf("foreman/issue-%d", number)
}

func (e *Engine) retryOpts() retry.Options {
	opts := retry.DefaultOptions(e.cfg.Retry)
	opts.Classifier = retry.ClassifyHTTPError
	opts.RetryAfter = func(err error) (time.Duration, bool) {
		var fe *errs.Error
		if errors.As(err, &fe) && fe.RetryAfter > 0 {
			return fe.RetryAfter, true
		}
		return 0, false
	}
	return opts
}

// RunOnIssue executes the pipeline for one issue URL.
func (e *Engine) RunOnIssue(ctx context.Context, issueURL string, opts RunOptions) (*RunResult, error) {
	ref, err := providers.ParseURL(issueURL)
	if err != nil {
		return nil, err
	}
	if ref.Kind != providers.KindIssue {
		return nil, errs.New(errs.Configuration, "engine", fmt.Sprintf("%s is not an issue URL", issueURL))
	}
	log := e.logger.WithField("issue", ref.IssueID())

	issue, err := e.admit(ctx, ref, issueURL, opts)
	if err != nil {
		return nil, err
	}

	session, err := e.store.CreateSession(issue.ID, e.agent.Name(), e.cfg.Agent.Model, "")
	if err != nil {
		return nil, err
	}
	log = log.WithField("session", session.ID)
	if _, closeLog, lerr := logging.ForSession(log.Logger, e.cfg.LogDir(), "work", session.ID); lerr != nil {
		log.WithError(lerr).Warn("failed to open session log")
	} else {
		defer closeLog()
	}
	result := &RunResult{IssueID: issue.ID, SessionID: session.ID}

	reporter := progress.NewReporter(e.host, ref.Project, ref.Number,
		e.cfg.Progress.DebounceInterval, e.cfg.Progress.Enabled && !opts.DryRun)

	proposalURL, runErr := e.execute(ctx, ref, issue, session, reporter, opts, log)
	if runErr != nil {
		e.fail(issue, session, reporter, runErr, log)
		return result, runErr
	}
	result.ProposalURL = proposalURL

	if err := e.store.TransitionSession(session.ID, store.SessionCompleted, ""); err != nil {
		log.WithError(err).Warn("failed to complete session record")
	}
	if proposalURL != "" {
		reporter.Finalize(ctx, progress.FormatCompleted(proposalURL))
	}
	return result, nil
}

// admit runs the gates and moves the issue to in_progress. No session
// exists yet; a refusal leaves no trace beyond the discovered issue.
func (e *Engine) admit(ctx context.Context, ref providers.Ref, issueURL string, opts RunOptions) (*store.Issue, error) {
	hostBreaker := e.breakers.Get(breaker.OpHostAPI)
	remote, err := retry.DoWithResult(ctx, e.retryOpts(), func() (*providers.Issue, error) {
		return breaker.DoWithResult(hostBreaker, func() (*providers.Issue, error) {
			return e.host.GetIssue(ctx, ref.Project, ref.Number)
		})
	})
	if err != nil {
		return nil, err
	}

	if !security.IsAuthorized(e.cfg.Security.AllowedAuthors, remote.Author, e.logger) {
		return nil, errs.New(errs.Configuration, "engine",
			fmt.Sprintf("author %s is not authorized", remote.Author))
	}

	estimate := e.cfg.Agent.Estimate
	decision, err := e.gate.CanProceed(estimate)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, errs.New(errs.BudgetExceeded, "engine", decision.Reason)
	}
	decision, err = e.gate.CanPublish(ref.Project)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		ge := errs.New(errs.RateLimited, "engine", decision.Reason)
		ge.RetryAfter = time.Until(decision.NextAvailable)
		return nil, ge
	}

	issue := &store.Issue{
		ID:       ref.IssueID(),
		URL:      issueURL,
		Host:     ref.Host,
		Project:  ref.Project,
		Number:   ref.Number,
		Title:    remote.Title,
		Body:     remote.Body,
		Labels:   remote.Labels,
		Author:   remote.Author,
		Assignee: remote.Assignee,
	}
	if err := e.store.SaveIssue(issue); err != nil {
		return nil, err
	}
	saved, err := e.store.GetIssue(issue.ID)
	if err != nil {
		return nil, err
	}
	if saved.State == store.IssueDiscovered {
		if err := e.store.TransitionIssue(issue.ID, store.IssueQueued, "admitted", ""); err != nil {
			return nil, err
		}
		saved.State = store.IssueQueued
	}
	if saved.State != store.IssueQueued {
		return nil, errs.New(errs.InvalidTransition, "engine",
			fmt.Sprintf("issue %s is %s, expected queued", issue.ID, saved.State))
	}
	if err := e.store.TransitionIssue(issue.ID, store.IssueInProgress, "", ""); err != nil {
		return nil, err
	}
	saved.State = store.IssueInProgress
	return saved, nil
}

// execute runs prepare → drive → verify → publish with cleanup always.
func (e *Engine) execute(ctx context.Context, ref providers.Ref, issue *store.Issue,
	session *store.Session, reporter *progress.Reporter, opts RunOptions, log *logrus.Entry) (proposalURL string, err error) {

	reporter.Update(ctx, progress.StatusPreparing)

	branch := BranchName(ref.Number)
	wc, err := e.prepare(ctx, ref, issue.ID, branch, false)
	if err != nil {
		return "", err
	}
	taskID := "worktree:" + wc.Path
	e.cleanup.Register(cleanup.Task{
		ID:          taskID,
		Type:        cleanup.TaskWorktree,
		Description: "working copy for " + issue.ID,
		Priority:    10,
		Run: func(context.Context) error {
			return e.worktrees.Remove(wc.Path)
		},
	})
	defer func() {
		status := worktree.StatusCompleted
		if err != nil {
			status = worktree.StatusFailed
		}
		e.worktrees.MarkStatus(wc.Path, status)
		if rmErr := e.worktrees.Remove(wc.Path); rmErr != nil {
			log.WithError(rmErr).Warn("failed to remove working copy")
			return
		}
		e.cleanup.Unregister(taskID)
	}()

	reporter.Update(ctx, progress.StatusWorking)
	prompt := issuePrompt(issue)
	res, err := e.drive(ctx, session, wc.Path, prompt, opts, log)
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", errs.New(errs.AgentProvider, "engine", "agent run failed: "+res.Err)
	}

	reporter.Update(ctx, progress.StatusVerifying)
	if err := e.verify(ctx, session, wc, opts, log); err != nil {
		return "", err
	}

	if err := worktree.CommitAll(ctx, e.gitRunner(), wc.Path, commitMessage(issue)); err != nil {
		return "", err
	}
	changed, err := worktree.HasChanges(ctx, e.gitRunner(), wc.Path)
	if err == nil && changed {
		log.Warn("uncommitted changes remain after commit")
	}

	if opts.DryRun {
		log.Info("dry run, skipping publish")
		if err := e.store.TransitionIssue(issue.ID, store.IssueQueued, "dry-run", session.ID); err != nil {
			return "", err
		}
		return "", nil
	}

	reporter.Update(ctx, progress.StatusPublishing)
	return e.publish(ctx, ref, issue, session, wc, branch)
}

// prepare acquires the repo lock for mirror fetch and branch creation.
func (e *Engine) prepare(ctx context.Context, ref providers.Ref, issueID, branch string, existing bool) (*worktree.Record, error) {
	remoteURL := e.host.CloneURL(ref.Project)
	gitBreaker := e.breakers.Get(breaker.OpGit)

	var wc *worktree.Record
	err := e.repoLocks.With(ctx, e.worktrees.MirrorPath(ref.Project), func() error {
		gitRetry := e.retryOpts()
		gitRetry.Classifier = retry.ClassifyGit
		err := retry.Do(ctx, gitRetry, func() error {
			return gitBreaker.Do(func() error {
				_, err := e.worktrees.EnsureMirror(ctx, ref.Project, remoteURL)
				return err
			})
		})
		if err != nil {
			return err
		}
		if existing {
			wc, err = e.worktrees.CreateFromExisting(ctx, ref.Project, issueID, ref.Number, remoteURL, branch)
		} else {
			wc, err = e.worktrees.Create(ctx, ref.Project, issueID, ref.Number, remoteURL, branch)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return wc, nil
}

// drive runs the agent under the watchdog. Heartbeats come from agent
// output lines; the timeout callback cancels the agent process. Cost
// deltas land in the store before any later decision reads them.
func (e *Engine) drive(ctx context.Context, session *store.Session, cwd, prompt string,
	opts RunOptions, log *logrus.Entry) (*agent.Result, error) {

	agentCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut atomic.Bool
	wd := watchdog.New("agent", e.cfg.Watchdog.AgentTimeout, func(tc watchdog.TimeoutContext) {
		log.Warnf("agent silent since %s, terminating", tc.LastHeartbeat.Format(time.RFC3339))
		timedOut.Store(true)
		cancel()
	}, nil)
	wd.Start(map[string]any{"session": session.ID})
	defer wd.Stop()

	var lastBeatWrite time.Time
	onProgress := func(string) {
		wd.Heartbeat()
		// Activity writes are throttled; the watchdog itself is not.
		if time.Since(lastBeatWrite) > 5*time.Second {
			lastBeatWrite = time.Now()
			if err := e.store.UpdateSessionMetrics(session.ID, store.Metrics{LastActivity: time.Now()}); err != nil {
				log.WithError(err).Debug("failed to record activity")
			}
		}
	}

	maxBudget := e.cfg.Budget.PerIssueUSD
	if opts.MaxBudgetUSD > 0 {
		maxBudget = opts.MaxBudgetUSD
	}

	agentBreaker := e.breakers.Get(breaker.OpAgentProvider)
	res, err := breaker.DoWithResult(agentBreaker, func() (*agent.Result, error) {
		return e.agent.Query(agentCtx, prompt, agent.Options{
			CWD:          cwd,
			Model:        e.cfg.Agent.Model,
			MaxTurns:     e.cfg.Agent.MaxTurns,
			MaxBudgetUSD: maxBudget,
			OnProgress:   onProgress,
		})
	})

	if res != nil && (res.CostDelta > 0 || res.NumTurns > 0) {
		if mErr := e.store.UpdateSessionMetrics(session.ID, store.Metrics{
			CostDeltaUSD: res.CostDelta,
			TurnsDelta:   res.NumTurns,
			LastActivity: time.Now(),
		}); mErr != nil {
			log.WithError(mErr).Error("failed to record agent cost")
		}
	}
	if err != nil {
		if timedOut.Load() {
			te := errs.Wrap(errs.Timeout, "engine", err)
			te.Msg = fmt.Sprintf("agent produced no output for %s", e.cfg.Watchdog.AgentTimeout)
			return res, te
		}
		return res, err
	}

	updated, gErr := e.store.GetSession(session.ID)
	if gErr == nil {
		d := e.gate.CanContinueSession(updated.CostUSD)
		if opts.MaxBudgetUSD > 0 && updated.CostUSD >= opts.MaxBudgetUSD {
			d = budget.Decision{Allowed: false, Reason: fmt.Sprintf("Session cost %.2f USD reached run limit %.2f USD", updated.CostUSD, opts.MaxBudgetUSD)}
		}
		if !d.Allowed {
			return res, errs.New(errs.BudgetExceeded, "engine", d.Reason)
		}
	}
	return res, nil
}

// publish pushes and opens the proposal under the repo lock.
func (e *Engine) publish(ctx context.Context, ref providers.Ref, issue *store.Issue,
	session *store.Session, wc *worktree.Record, branch string) (string, error) {

	hostBreaker := e.breakers.Get(breaker.OpHostAPI)
	gitBreaker := e.breakers.Get(breaker.OpGit)

	var pr *providers.PR
	err := e.repoLocks.With(ctx, e.worktrees.MirrorPath(ref.Project), func() error {
		gitRetry := e.retryOpts()
		gitRetry.Classifier = retry.ClassifyGit
		if err := retry.Do(ctx, gitRetry, func() error {
			return gitBreaker.Do(func() error {
				return worktree.Push(ctx, e.gitRunner(), wc.Path, branch)
			})
		}); err != nil {
			return err
		}

		base, err := worktree.DefaultBranch(ctx, e.gitRunner(), wc.Path)
		if err != nil {
			base = "main"
		}
		pr, err = retry.DoWithResult(ctx, e.retryOpts(), func() (*providers.PR, error) {
			return breaker.DoWithResult(hostBreaker, func() (*providers.PR, error) {
				return e.host.CreatePR(ctx, ref.Project, providers.PRCreate{
					Title: proposalTitle(issue),
					Body:  proposalBody(issue),
					Head:  branch,
					Base:  base,
				})
			})
		})
		return err
	})
	if err != nil {
		return "", err
	}

	if err := e.store.UpdateSessionMetrics(session.ID, store.Metrics{ProposalURL: pr.HTMLURL}); err != nil {
		return "", err
	}
	if err := e.store.SetIssueProposal(issue.ID, pr.HTMLURL); err != nil {
		return "", err
	}
	if err := e.store.TransitionIssue(issue.ID, store.IssuePRCreated, "", session.ID); err != nil {
		return "", err
	}
	if err := e.store.IncrProposalCount(ref.Project); err != nil {
		return "", err
	}
	return pr.HTMLURL, nil
}

// fail records the failure on session and issue. Transient failures
// requeue the issue; permanent ones abandon it when configured, else
// requeue for a later attempt.
func (e *Engine) fail(issue *store.Issue, session *store.Session, reporter *progress.Reporter,
	runErr error, log *logrus.Entry) {

	log.WithError(runErr).Error("run failed")
	if err := e.store.TransitionSession(session.ID, store.SessionFailed, runErr.Error()); err != nil {
		log.WithError(err).Warn("failed to record session failure")
	}

	next := store.IssueQueued
	reason := "transient failure, requeued"
	if !errs.IsTransient(runErr) && e.cfg.Orchestrator.AbandonOnFailure {
		next = store.IssueAbandoned
		reason = "permanent failure"
	}
	if err := e.store.TransitionIssue(issue.ID, next, reason, session.ID); err != nil {
		log.WithError(err).Warn("failed to record issue failure state")
	}
	reporter.Finalize(context.Background(), progress.FormatFailed(runErr))
}

// RunIteration reruns the pipeline for review feedback on an existing
// proposal: the working copy comes from the already-pushed branch and
// the feedback payload is the prompt.
func (e *Engine) RunIteration(ctx context.Context, prURL string, fb *feedback.Feedback) (*RunResult, error) {
	ref, err := providers.ParseURL(prURL)
	if err != nil {
		return nil, err
	}
	if ref.Kind != providers.KindPull {
		return nil, errs.New(errs.Configuration, "engine", fmt.Sprintf("%s is not a pull request URL", prURL))
	}
	issue, err := e.store.GetIssueByProposal(prURL)
	if err != nil {
		return nil, err
	}
	log := e.logger.WithFields(logrus.Fields{"issue": issue.ID, "pr": prURL})

	if issue.State == store.IssuePRCreated {
		if err := e.store.TransitionIssue(issue.ID, store.IssueAwaitingFeedback, "feedback received", ""); err != nil {
			return nil, err
		}
		issue.State = store.IssueAwaitingFeedback
	}
	if issue.State != store.IssueAwaitingFeedback {
		return nil, errs.New(errs.InvalidTransition, "engine",
			fmt.Sprintf("issue %s is %s, cannot iterate", issue.ID, issue.State))
	}
	if err := e.store.TransitionIssue(issue.ID, store.IssueIterating, "", ""); err != nil {
		return nil, err
	}

	session, err := e.store.CreateSession(issue.ID, e.agent.Name(), e.cfg.Agent.Model, "")
	if err != nil {
		return nil, err
	}
	result := &RunResult{IssueID: issue.ID, SessionID: session.ID, ProposalURL: prURL}
	log = log.WithField("session", session.ID)
	if _, closeLog, lerr := logging.ForSession(log.Logger, e.cfg.LogDir(), "iterate", session.ID); lerr != nil {
		log.WithError(lerr).Warn("failed to open session log")
	} else {
		defer closeLog()
	}

	issueRef := providers.Ref{Host: issue.Host, Project: issue.Project, Number: issue.Number, Kind: providers.KindIssue}
	branch := BranchName(issue.Number)

	runErr := e.iterate(ctx, issueRef, issue, session, branch, fb, log)
	if runErr != nil {
		if err := e.store.TransitionSession(session.ID, store.SessionFailed, runErr.Error()); err != nil {
			log.WithError(err).Warn("failed to record session failure")
		}
		// The proposal still exists; back to awaiting further feedback.
		if err := e.store.TransitionIssue(issue.ID, store.IssueAwaitingFeedback, "iteration failed", session.ID); err != nil {
			log.WithError(err).Warn("failed to restore issue state")
		}
		return result, runErr
	}

	if err := e.store.TransitionIssue(issue.ID, store.IssuePRCreated, "iteration pushed", session.ID); err != nil {
		return result, err
	}
	if err := e.store.TransitionSession(session.ID, store.SessionCompleted, ""); err != nil {
		log.WithError(err).Warn("failed to complete session record")
	}
	return result, nil
}

func (e *Engine) iterate(ctx context.Context, ref providers.Ref, issue *store.Issue,
	session *store.Session, branch string, fb *feedback.Feedback, log *logrus.Entry) (err error) {

	wc, err := e.prepare(ctx, ref, issue.ID, branch, true)
	if err != nil {
		return err
	}
	taskID := "worktree:" + wc.Path
	e.cleanup.Register(cleanup.Task{
		ID:          taskID,
		Type:        cleanup.TaskWorktree,
		Description: "iteration working copy for " + issue.ID,
		Priority:    10,
		Run: func(context.Context) error {
			return e.worktrees.Remove(wc.Path)
		},
	})
	defer func() {
		status := worktree.StatusCompleted
		if err != nil {
			status = worktree.StatusFailed
		}
		e.worktrees.MarkStatus(wc.Path, status)
		if rmErr := e.worktrees.Remove(wc.Path); rmErr != nil {
			log.WithError(rmErr).Warn("failed to remove working copy")
			return
		}
		e.cleanup.Unregister(taskID)
	}()

	res, err := e.drive(ctx, session, wc.Path, iterationPrompt(issue, fb), RunOptions{}, log)
	if err != nil {
		return err
	}
	if !res.Success {
		return errs.New(errs.AgentProvider, "engine", "agent iteration failed: "+res.Err)
	}

	if err := e.verify(ctx, session, wc, RunOptions{}, log); err != nil {
		return err
	}
	if err := worktree.CommitAll(ctx, e.gitRunner(), wc.Path, "Address review feedback\n\n"+fb.Summary); err != nil {
		return err
	}

	gitBreaker := e.breakers.Get(breaker.OpGit)
	return e.repoLocks.With(ctx, e.worktrees.MirrorPath(ref.Project), func() error {
		gitRetry := e.retryOpts()
		gitRetry.Classifier = retry.ClassifyGit
		return retry.Do(ctx, gitRetry, func() error {
			return gitBreaker.Do(func() error {
				return worktree.Push(ctx, e.gitRunner(), wc.Path, branch)
			})
		})
	})
}

func (e *Engine) gitRunner() worktree.GitRunner {
	return e.worktrees.Runner()
}

func commitMessage(issue *store.Issue) string {
	title := strings.TrimSpace(issue.Title)
	return fmt.Sprintf("%s\n\nCloses #%d", title, issue.Number)
}

func proposalTitle(issue *store.Issue) string {
	return fmt.Sprintf("Fix #%d: %s", issue.Number, strings.TrimSpace(issue.Title))
}

func proposalBody(issue *store.Issue) string {
	return fmt.Sprintf("Automated change for #%d.\n\nCloses #%d", issue.Number, issue.Number)
}
