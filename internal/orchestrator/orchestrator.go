// Package orchestrator runs the engine across many issues in parallel:
// FIFO admission over a global concurrency limit, a per-project cap,
// and conflict deferral between issues predicted to touch the same
// files. One engine failing never stops the others.
package orchestrator

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sallandpioneers/foreman/internal/engine"
	"github.com/sallandpioneers/foreman/internal/locks"
	"github.com/sallandpioneers/foreman/internal/providers"
)

// Runner is the per-issue pipeline the orchestrator schedules.
type Runner interface {
	RunOnIssue(ctx context.Context, issueURL string, opts engine.RunOptions) (*engine.RunResult, error)
}

// Outcome is the result of one scheduled issue.
type Outcome struct {
	URL    string
	Result *engine.RunResult
	Err    error
}

// Orchestrator schedules issues onto engine runs.
type Orchestrator struct {
	runner        Runner
	host          providers.Host
	sem           *locks.Semaphore
	maxPerProject int
	logger        *logrus.Entry
}

// New creates an orchestrator admitting at most maxConcurrent engines
// globally and maxPerProject per repository.
func New(runner Runner, host providers.Host, maxConcurrent, maxPerProject int, logger *logrus.Entry) *Orchestrator {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if maxPerProject < 1 {
		maxPerProject = 1
	}
	return &Orchestrator{
		runner:        runner,
		host:          host,
		sem:           locks.NewSemaphore(maxConcurrent),
		maxPerProject: maxPerProject,
		logger:        logger,
	}
}

type queued struct {
	url       string
	project   string
	predicted []string
}

// Run schedules every URL and blocks until all finish or ctx is
// cancelled. Admission is FIFO: a queued issue is skipped only while a
// gate blocks it (per-project cap or a predicted file conflict with an
// in-flight issue), and every completion re-evaluates the whole queue.
// On cancellation in-flight engines are drained and the still-queued
// remainder is reported with the context error. Outcomes come back in
// input order.
func (o *Orchestrator) Run(ctx context.Context, urls []string, opts engine.RunOptions) []Outcome {
	outcomes := make(map[string]Outcome, len(urls))
	var pending []*queued

	for _, url := range urls {
		ref, err := providers.ParseURL(url)
		if err != nil {
			outcomes[url] = Outcome{URL: url, Err: err}
			continue
		}
		pending = append(pending, &queued{
			url:       url,
			project:   ref.Project,
			predicted: o.predict(ctx, ref),
		})
	}

	type completion struct {
		item *queued
		out  Outcome
	}
	done := make(chan completion)

	inflight := make(map[string]*queued)  // url -> item
	perProject := make(map[string]int)    // project -> running count
	var wg sync.WaitGroup

	admit := func() {
		remaining := pending[:0]
		for _, item := range pending {
			if perProject[item.project] >= o.maxPerProject ||
				o.conflicts(item, inflight) ||
				!o.sem.TryAcquire() {
				remaining = append(remaining, item)
				continue
			}
			inflight[item.url] = item
			perProject[item.project]++
			o.logger.WithField("issue", item.url).Info("starting engine")

			wg.Add(1)
			go func(item *queued) {
				defer wg.Done()
				res, err := o.runner.RunOnIssue(ctx, item.url, opts)
				done <- completion{item: item, out: Outcome{URL: item.url, Result: res, Err: err}}
			}(item)
		}
		pending = remaining
	}

	admit()
	for len(inflight) > 0 || len(pending) > 0 {
		select {
		case c := <-done:
			delete(inflight, c.item.url)
			perProject[c.item.project]--
			o.sem.Release()
			if c.out.Err != nil {
				o.logger.WithError(c.out.Err).WithField("issue", c.out.URL).Warn("engine run failed")
			}
			outcomes[c.out.URL] = c.out
			admit()

		case <-ctx.Done():
			// Stop admitting; engines see the same ctx and wind down.
			for _, item := range pending {
				outcomes[item.url] = Outcome{URL: item.url, Err: ctx.Err()}
			}
			pending = nil
			for len(inflight) > 0 {
				c := <-done
				delete(inflight, c.item.url)
				perProject[c.item.project]--
				o.sem.Release()
				outcomes[c.out.URL] = c.out
			}
		}
	}
	wg.Wait()

	ordered := make([]Outcome, 0, len(urls))
	for _, url := range urls {
		ordered = append(ordered, outcomes[url])
	}
	return ordered
}

// predict fetches the issue text and extracts probable file targets.
// Prediction is best effort; an unreachable issue just yields no
// deferral signal.
func (o *Orchestrator) predict(ctx context.Context, ref providers.Ref) []string {
	issue, err := o.host.GetIssue(ctx, ref.Project, ref.Number)
	if err != nil {
		o.logger.WithError(err).WithField("issue", ref.IssueID()).
			Debug("could not fetch issue for conflict prediction")
		return nil
	}
	return PredictFiles(issue.Title + "\n" + issue.Body)
}

// conflicts reports whether item's predicted files overlap any
// in-flight issue in the same project.
func (o *Orchestrator) conflicts(item *queued, inflight map[string]*queued) bool {
	for _, running := range inflight {
		if running.project == item.project && Overlap(item.predicted, running.predicted) {
			return true
		}
	}
	return false
}

// InFlight returns the number of engines currently running.
func (o *Orchestrator) InFlight() int {
	return o.sem.Acquired()
}
