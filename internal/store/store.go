// Package store is the durable state machine for issues and sessions.
// It is backed by a single bbolt file: every write operation is one
// transaction, bbolt's single-writer lock serialises mutations, and
// readers always observe a committed snapshot.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/sallandpioneers/foreman/internal/errs"
)

const (
	bucketIssues      = "issues"
	bucketIssueURLs   = "issue_urls" // url -> issue id
	bucketSessions    = "sessions"
	bucketActive      = "active_sessions" // issue id -> session id
	bucketTransitions = "transitions"     // sub-bucket per entity id, seq keys
	bucketLedger      = "ledger"          // seq keys
	bucketRollups     = "rollups"         // day:<d> / month:<m> -> summed cost
	bucketProposals   = "proposals"       // <day>|<project> -> count
)

// Store wraps the bbolt database.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the state database file.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errs.Wrapf(errs.Storage, "store", err, "failed to open database %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{
			bucketIssues, bucketIssueURLs, bucketSessions, bucketActive,
			bucketTransitions, bucketLedger, bucketRollups, bucketProposals,
		} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errs.Wrap(errs.Storage, "store", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func getJSON(b *bolt.Bucket, key string, v any) error {
	data := b.Get([]byte(key))
	if data == nil {
		return errs.New(errs.NotFound, "store", key)
	}
	return json.Unmarshal(data, v)
}

func seqKey(b *bolt.Bucket) ([]byte, error) {
	seq, err := b.NextSequence()
	if err != nil {
		return nil, err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key, nil
}

func appendTransition(tx *bolt.Tx, t Transition) error {
	root := tx.Bucket([]byte(bucketTransitions))
	b, err := root.CreateBucketIfNotExists([]byte(t.EntityID))
	if err != nil {
		return err
	}
	key, err := seqKey(b)
	if err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// SaveIssue upserts an issue record and its URL index. A new issue
// starts in discovered; an existing issue keeps its state and proposal.
func (s *Store) SaveIssue(issue *Issue) error {
	if issue.ID == "" {
		return errs.New(errs.Storage, "store", "issue has no id")
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		issues := tx.Bucket([]byte(bucketIssues))

		var existing Issue
		if err := getJSON(issues, issue.ID, &existing); err == nil {
			issue.State = existing.State
			issue.CreatedAt = existing.CreatedAt
			if issue.ProposalURL == "" {
				issue.ProposalURL = existing.ProposalURL
			}
		} else {
			if issue.State == "" {
				issue.State = IssueDiscovered
			}
			if issue.CreatedAt.IsZero() {
				issue.CreatedAt = time.Now()
			}
		}
		issue.UpdatedAt = time.Now()

		if err := putJSON(issues, issue.ID, issue); err != nil {
			return err
		}
		if issue.URL != "" {
			if err := tx.Bucket([]byte(bucketIssueURLs)).Put([]byte(issue.URL), []byte(issue.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errs.Wrap(errs.Storage, "store", err)
	}
	return nil
}

// GetIssue looks an issue up by canonical id or by URL.
func (s *Store) GetIssue(idOrURL string) (*Issue, error) {
	var issue Issue
	err := s.db.View(func(tx *bolt.Tx) error {
		id := idOrURL
		if strings.Contains(idOrURL, "://") {
			mapped := tx.Bucket([]byte(bucketIssueURLs)).Get([]byte(idOrURL))
			if mapped == nil {
				return errs.New(errs.NotFound, "store", idOrURL)
			}
			id = string(mapped)
		}
		return getJSON(tx.Bucket([]byte(bucketIssues)), id, &issue)
	})
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

// GetIssueByProposal finds the issue linked to a proposal URL.
func (s *Store) GetIssueByProposal(proposalURL string) (*Issue, error) {
	var found *Issue
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketIssues)).ForEach(func(k, v []byte) error {
			var issue Issue
			if err := json.Unmarshal(v, &issue); err != nil {
				return err
			}
			if issue.ProposalURL == proposalURL {
				found = &issue
			}
			return nil
		})
	})
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "store", err)
	}
	if found == nil {
		return nil, errs.New(errs.NotFound, "store", proposalURL)
	}
	return found, nil
}

// ListIssuesByState returns every issue in the given state.
func (s *Store) ListIssuesByState(state IssueState) ([]*Issue, error) {
	var out []*Issue
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketIssues)).ForEach(func(k, v []byte) error {
			var issue Issue
			if err := json.Unmarshal(v, &issue); err != nil {
				return err
			}
			if issue.State == state {
				out = append(out, &issue)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "store", err)
	}
	return out, nil
}

// TransitionIssue mutates the issue state, validating against the
// allowed table and appending exactly one transition record in the
// same transaction.
func (s *Store) TransitionIssue(id string, to IssueState, reason, sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		issues := tx.Bucket([]byte(bucketIssues))
		var issue Issue
		if err := getJSON(issues, id, &issue); err != nil {
			return err
		}
		if !CanTransitionIssue(issue.State, to) {
			return errs.New(errs.InvalidTransition, "store",
				fmt.Sprintf("issue %s: %s -> %s", id, issue.State, to))
		}
		from := issue.State
		issue.State = to
		issue.UpdatedAt = time.Now()
		if err := putJSON(issues, id, &issue); err != nil {
			return err
		}
		return appendTransition(tx, Transition{
			Entity:    "issue",
			EntityID:  id,
			From:      string(from),
			To:        string(to),
			At:        time.Now(),
			SessionID: sessionID,
			Reason:    reason,
		})
	})
}

// SetIssueProposal records the proposal URL on the issue.
func (s *Store) SetIssueProposal(id, proposalURL string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		issues := tx.Bucket([]byte(bucketIssues))
		var issue Issue
		if err := getJSON(issues, id, &issue); err != nil {
			return err
		}
		issue.ProposalURL = proposalURL
		issue.UpdatedAt = time.Now()
		return putJSON(issues, id, &issue)
	})
}

// CreateSession starts a new active session for the issue. At most one
// session per issue may be active; a second attempt fails.
func (s *Store) CreateSession(issueID, provider, model, workDir string) (*Session, error) {
	session := &Session{
		ID:             uuid.NewString(),
		IssueID:        issueID,
		Status:         SessionActive,
		Provider:       provider,
		Model:          model,
		StartedAt:      time.Now(),
		LastActivityAt: time.Now(),
		WorkDir:        workDir,
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		active := tx.Bucket([]byte(bucketActive))
		if existing := active.Get([]byte(issueID)); existing != nil {
			return errs.New(errs.InvalidTransition, "store",
				fmt.Sprintf("issue %s already has active session %s", issueID, existing))
		}
		if err := putJSON(tx.Bucket([]byte(bucketSessions)), session.ID, session); err != nil {
			return err
		}
		if err := active.Put([]byte(issueID), []byte(session.ID)); err != nil {
			return err
		}
		return appendTransition(tx, Transition{
			Entity:   "session",
			EntityID: session.ID,
			From:     "",
			To:       string(SessionActive),
			At:       time.Now(),
		})
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(id string) (*Session, error) {
	var session Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket([]byte(bucketSessions)), id, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// TransitionSession mutates session status with table validation, an
// appended transition record, and active-index maintenance.
func (s *Store) TransitionSession(id string, to SessionStatus, reason string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket([]byte(bucketSessions))
		var session Session
		if err := getJSON(sessions, id, &session); err != nil {
			return err
		}
		if !CanTransitionSession(session.Status, to) {
			return errs.New(errs.InvalidTransition, "store",
				fmt.Sprintf("session %s: %s -> %s", id, session.Status, to))
		}
		from := session.Status
		session.Status = to
		if to == SessionFailed && reason != "" {
			session.Error = reason
		}
		active := tx.Bucket([]byte(bucketActive))
		if SessionTerminal(to) {
			now := time.Now()
			session.FinishedAt = &now
			if err := active.Delete([]byte(session.IssueID)); err != nil {
				return err
			}
		} else if to == SessionPaused {
			if err := active.Delete([]byte(session.IssueID)); err != nil {
				return err
			}
		} else if to == SessionActive {
			if existing := active.Get([]byte(session.IssueID)); existing != nil && string(existing) != id {
				return errs.New(errs.InvalidTransition, "store",
					fmt.Sprintf("issue %s already has active session %s", session.IssueID, existing))
			}
			if err := active.Put([]byte(session.IssueID), []byte(id)); err != nil {
				return err
			}
		}
		if err := putJSON(sessions, id, &session); err != nil {
			return err
		}
		return appendTransition(tx, Transition{
			Entity:   "session",
			EntityID: id,
			From:     string(from),
			To:       string(to),
			At:       time.Now(),
			Reason:   reason,
		})
	})
}

// UpdateSessionMetrics applies activity/cost deltas. A positive cost
// delta also appends a ledger row and bumps the day and month rollups
// in the same transaction, so budget reads always include in-flight
// spend. Negative cost deltas are rejected: accumulated cost is
// monotone.
func (s *Store) UpdateSessionMetrics(id string, m Metrics) error {
	if m.CostDeltaUSD < 0 {
		return errs.New(errs.Storage, "store", "negative cost delta")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket([]byte(bucketSessions))
		var session Session
		if err := getJSON(sessions, id, &session); err != nil {
			return err
		}
		session.CostUSD += m.CostDeltaUSD
		session.Turns += m.TurnsDelta
		if !m.LastActivity.IsZero() {
			session.LastActivityAt = m.LastActivity
		}
		if m.ProposalURL != "" {
			session.ProposalURL = m.ProposalURL
		}
		if err := putJSON(sessions, id, &session); err != nil {
			return err
		}

		if m.CostDeltaUSD > 0 {
			now := time.Now()
			entry := LedgerEntry{
				Day:       Day(now),
				Month:     Month(now),
				SessionID: id,
				CostUSD:   m.CostDeltaUSD,
				At:        now,
			}
			ledger := tx.Bucket([]byte(bucketLedger))
			key, err := seqKey(ledger)
			if err != nil {
				return err
			}
			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := ledger.Put(key, data); err != nil {
				return err
			}
			if err := bumpRollup(tx, "day:"+entry.Day, m.CostDeltaUSD); err != nil {
				return err
			}
			if err := bumpRollup(tx, "month:"+entry.Month, m.CostDeltaUSD); err != nil {
				return err
			}
		}
		return nil
	})
}

func bumpRollup(tx *bolt.Tx, key string, delta float64) error {
	b := tx.Bucket([]byte(bucketRollups))
	var total float64
	if data := b.Get([]byte(key)); data != nil {
		if err := json.Unmarshal(data, &total); err != nil {
			return err
		}
	}
	total += delta
	data, err := json.Marshal(total)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func (s *Store) rollup(key string) (float64, error) {
	var total float64
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket([]byte(bucketRollups)).Get([]byte(key)); data != nil {
			return json.Unmarshal(data, &total)
		}
		return nil
	})
	if err != nil {
		return 0, errs.Wrap(errs.Storage, "store", err)
	}
	return total, nil
}

// TodayCost returns spend accumulated today (local time).
func (s *Store) TodayCost() (float64, error) {
	return s.rollup("day:" + Day(time.Now()))
}

// MonthCost returns spend accumulated this month (local time).
func (s *Store) MonthCost() (float64, error) {
	return s.rollup("month:" + Month(time.Now()))
}

// ActiveSessions returns every session currently active.
func (s *Store) ActiveSessions() ([]*Session, error) {
	var out []*Session
	err := s.db.View(func(tx *bolt.Tx) error {
		sessions := tx.Bucket([]byte(bucketSessions))
		return tx.Bucket([]byte(bucketActive)).ForEach(func(issueID, sessionID []byte) error {
			var session Session
			if err := getJSON(sessions, string(sessionID), &session); err != nil {
				return err
			}
			out = append(out, &session)
			return nil
		})
	})
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "store", err)
	}
	return out, nil
}

// IncrProposalCount bumps today's proposal counter for a project.
func (s *Store) IncrProposalCount(project string) error {
	key := Day(time.Now()) + "|" + project
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketProposals))
		var count int
		if data := b.Get([]byte(key)); data != nil {
			if err := json.Unmarshal(data, &count); err != nil {
				return err
			}
		}
		count++
		data, err := json.Marshal(count)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// TodayProposalCounts returns today's proposal count per project. The
// project key is used exactly as stored; no case folding.
func (s *Store) TodayProposalCounts() (map[string]int, error) {
	prefix := Day(time.Now()) + "|"
	out := make(map[string]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketProposals)).ForEach(func(k, v []byte) error {
			key := string(k)
			if !strings.HasPrefix(key, prefix) {
				return nil
			}
			var count int
			if err := json.Unmarshal(v, &count); err != nil {
				return err
			}
			out[strings.TrimPrefix(key, prefix)] = count
			return nil
		})
	})
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "store", err)
	}
	return out, nil
}

// ListTransitions returns the full history for an entity, oldest first.
func (s *Store) ListTransitions(entityID string) ([]Transition, error) {
	var out []Transition
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketTransitions)).Bucket([]byte(entityID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var t Transition
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	})
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "store", err)
	}
	return out, nil
}
