// Package budget gates new work on spend and proposal-rate limits.
// Decisions read the durable cost rollups, so spend recorded by
// in-flight sessions counts immediately.
package budget

import (
	"fmt"
	"time"

	"github.com/sallandpioneers/foreman/internal/config"
	"github.com/sallandpioneers/foreman/internal/store"
)

// Decision is the outcome of a gate check.
type Decision struct {
	Allowed       bool
	Reason        string    // empty when allowed
	NextAvailable time.Time // when a denied rate check would pass again
}

// Gate evaluates budget and rate limits against stored history.
type Gate struct {
	cfg   config.BudgetConfig
	rate  config.RateConfig
	store *store.Store
}

// NewGate creates a gate reading spend and proposal counts from s.
func NewGate(cfg config.BudgetConfig, rate config.RateConfig, s *store.Store) *Gate {
	return &Gate{cfg: cfg, rate: rate, store: s}
}

// CanProceed reports whether a run with the given cost estimate may
// start. The daily check runs before the monthly one, so when both
// would deny the daily reason wins.
func (g *Gate) CanProceed(estimateUSD float64) (Decision, error) {
	day, err := g.store.TodayCost()
	if err != nil {
		return Decision{}, err
	}
	if day+estimateUSD > g.cfg.DailyLimitUSD {
		return Decision{
			Allowed:       false,
			Reason:        "Estimated cost would exceed daily limit",
			NextAvailable: nextMidnight(time.Now()),
		}, nil
	}

	month, err := g.store.MonthCost()
	if err != nil {
		return Decision{}, err
	}
	if month+estimateUSD > g.cfg.MonthlyLimitUSD {
		return Decision{
			Allowed:       false,
			Reason:        "Estimated cost would exceed monthly limit",
			NextAvailable: nextMonth(time.Now()),
		}, nil
	}
	return Decision{Allowed: true}, nil
}

// CanContinueSession reports whether a session that has already spent
// spentUSD may continue spending toward the per-issue cap.
func (g *Gate) CanContinueSession(spentUSD float64) Decision {
	if g.cfg.PerIssueUSD > 0 && spentUSD >= g.cfg.PerIssueUSD {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("Session cost %.2f USD reached per-issue limit %.2f USD", spentUSD, g.cfg.PerIssueUSD),
		}
	}
	return Decision{Allowed: true}
}

// CanPublish reports whether another proposal may be opened today, both
// globally and for the given project. The project key is used exactly
// as the host returns it.
func (g *Gate) CanPublish(project string) (Decision, error) {
	counts, err := g.store.TodayProposalCounts()
	if err != nil {
		return Decision{}, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if g.rate.MaxProposalsPerDay > 0 && total >= g.rate.MaxProposalsPerDay {
		return Decision{
			Allowed:       false,
			Reason:        fmt.Sprintf("Daily proposal limit reached (%d)", g.rate.MaxProposalsPerDay),
			NextAvailable: nextMidnight(time.Now()),
		}, nil
	}
	if g.rate.MaxProposalsPerProjectPerDay > 0 && counts[project] >= g.rate.MaxProposalsPerProjectPerDay {
		return Decision{
			Allowed:       false,
			Reason:        fmt.Sprintf("Daily proposal limit for %s reached (%d)", project, g.rate.MaxProposalsPerProjectPerDay),
			NextAvailable: nextMidnight(time.Now()),
		}, nil
	}
	return Decision{Allowed: true}, nil
}

// nextMidnight returns the start of the next local day.
func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}

// nextMonth returns the start of the next local month.
func nextMonth(now time.Time) time.Time {
	y, m, _ := now.Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, now.Location())
}
