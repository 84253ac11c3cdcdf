package feedback

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sallandpioneers/foreman/internal/providers"
)

// Monitor polls proposals for reviewer activity and emits typed
// events. A watch stops on merge, close, inactivity timeout, or
// context cancellation.
type Monitor struct {
	host     providers.Host
	parser   *Parser
	logger   *logrus.Entry
	interval time.Duration
	timeout  time.Duration // inactivity window

	nonFailing []string
}

// NewMonitor creates a monitor polling every interval, giving up after
// timeout without any new activity.
func NewMonitor(host providers.Host, parser *Parser, nonFailing []string, interval, timeout time.Duration, logger *logrus.Entry) *Monitor {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if timeout <= 0 {
		timeout = 120 * time.Minute
	}
	return &Monitor{
		host:       host,
		parser:     parser,
		logger:     logger,
		interval:   interval,
		timeout:    timeout,
		nonFailing: nonFailing,
	}
}

// Watch polls until a terminal event or the inactivity timeout, sending
// events on the returned channel. The channel closes when watching
// ends. Poll errors are reported as EventError and do not stop the
// loop.
func (m *Monitor) Watch(ctx context.Context, prURL string) (<-chan Event, error) {
	ref, err := providers.ParseURL(prURL)
	if err != nil {
		return nil, err
	}

	events := make(chan Event, 8)
	go m.loop(ctx, ref, prURL, events)
	return events, nil
}

// WatchAll watches several proposals at once and merges their event
// streams. The returned channel closes once every individual watch has
// ended.
func (m *Monitor) WatchAll(ctx context.Context, prURLs []string) (<-chan Event, error) {
	merged := make(chan Event, 8)
	var wg sync.WaitGroup
	for _, prURL := range prURLs {
		events, err := m.Watch(ctx, prURL)
		if err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(events <-chan Event) {
			defer wg.Done()
			for ev := range events {
				merged <- ev
			}
		}(events)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()
	return merged, nil
}

func (m *Monitor) loop(ctx context.Context, ref providers.Ref, prURL string, events chan<- Event) {
	defer close(events)

	log := m.logger.WithField("pr", prURL)
	lastActivity := time.Now()
	var lastCommentID int64
	var lastReviewID int64
	var lastFailing []string

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	emit := func(ev Event) bool {
		ev.PRURL = prURL
		ev.At = time.Now()
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pr, err := m.host.GetPR(ctx, ref.Project, ref.Number)
		if err != nil {
			log.WithError(err).Warn("poll failed")
			if !emit(Event{Type: EventError, Err: err}) {
				return
			}
			continue
		}
		if pr.Merged {
			emit(Event{Type: EventMerged})
			return
		}
		if pr.State == "closed" || pr.State == "CLOSED" {
			emit(Event{Type: EventClosed})
			return
		}

		comments, err := m.host.GetPRComments(ctx, ref.Project, ref.Number)
		if err != nil {
			if !emit(Event{Type: EventError, Err: err}) {
				return
			}
			continue
		}
		reviewComments, _ := m.host.GetPRReviewComments(ctx, ref.Project, ref.Number)
		reviews, _ := m.host.GetReviews(ctx, ref.Project, ref.Number)
		checks, _ := m.host.GetChecks(ctx, ref.Project, ref.Number)
		summary := providers.SummarizeChecks(checks, m.nonFailing)

		fb := m.parser.Parse(Input{
			Comments:       comments,
			ReviewComments: reviewComments,
			Reviews:        reviews,
			Checks:         summary,
			SinceCommentID: lastCommentID,
			SinceReviewID:  lastReviewID,
		})

		// The change signal covers more than comment IDs. A review-only
		// round or a CI flip must trigger feedback even though no
		// comment arrived.
		failing := failingNames(summary)
		checksMoved := changed(lastFailing, failing)
		maxComment := maxCommentID(comments, reviewComments)
		maxReview := maxReviewID(reviews)
		active := checksMoved || maxComment > lastCommentID || maxReview > lastReviewID

		if checksMoved {
			lastFailing = failing
			if !emit(Event{Type: EventChecksChanged, Checks: failing}) {
				return
			}
		}
		if active {
			lastActivity = time.Now()
			if maxComment > lastCommentID {
				lastCommentID = maxComment
			}
			if maxReview > lastReviewID {
				lastReviewID = maxReview
			}
			if len(fb.Items) > 0 {
				if !emit(Event{Type: EventFeedback, Feedback: fb}) {
					return
				}
			}
		}

		if time.Since(lastActivity) > m.timeout {
			log.Infof("no activity for %s, stopping watch", m.timeout)
			return
		}
	}
}

func failingNames(s providers.ChecksSummary) []string {
	names := make([]string, 0, len(s.Failing))
	for _, c := range s.Failing {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

func changed(a, b []string) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i] != b[i] {
			return true
		}
	}
	return false
}

func maxCommentID(lists ...[]*providers.Comment) int64 {
	var max int64
	for _, list := range lists {
		for _, c := range list {
			if c.ID > max {
				max = c.ID
			}
		}
	}
	return max
}

func maxReviewID(reviews []*providers.Review) int64 {
	var max int64
	for _, r := range reviews {
		if r.ID > max {
			max = r.ID
		}
	}
	return max
}
