// Package enrollment implements the Voice/Wake enrollment session ledger
// from spec.md §3: a bounded-counter session tracking consecutive passes
// and total attempts up to fixed caps, with lifecycle
// IN_PROGRESS→(LOCKED|PENDING|DECLINED|COMPLETE).
//
// Grounded on the same ledger.Family + runtime transition map idiom as
// internal/workorder and internal/onboarding.
package enrollment

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/SeleneOSv1/selene-os/internal/kernerr"
	"github.com/SeleneOSv1/selene-os/internal/ledger"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

// Status is the enrollment session's lifecycle state.
type Status string

const (
	InProgress Status = "IN_PROGRESS"
	Locked     Status = "LOCKED"
	Pending    Status = "PENDING"
	Declined   Status = "DECLINED"
	Complete   Status = "COMPLETE"
)

var transitions = map[Status]map[Status]bool{
	InProgress: {Locked: true, Pending: true, Declined: true, Complete: true},
}

// Caps bounds the session's counters. Defaults match the reference
// enrollment flow: three consecutive passes to complete, ten total
// attempts before lockout.
type Caps struct {
	RequiredConsecutivePasses int
	MaxAttempts               int
}

// DefaultCaps returns the reference bounds.
func DefaultCaps() Caps { return Caps{RequiredConsecutivePasses: 3, MaxAttempts: 10} }

// Session is the current projection for one enrollment session.
type Session struct {
	SessionID         string
	UserID            string
	Status            Status
	ConsecutivePasses int
	AttemptCount      int
}

// Store owns the enrollment ledger family.
type Store struct {
	family *ledger.Family
	caps   Caps
}

// NewStore opens the enrollment ledger family.
func NewStore(ctx context.Context, db *sqlx.DB, clk clock.Clock, caps Caps) (*Store, error) {
	fam, err := ledger.Open(ctx, db, clk, "enrollment")
	if err != nil {
		return nil, err
	}
	return &Store{family: fam, caps: caps}, nil
}

// Start appends the IN_PROGRESS event opening a new enrollment session.
func (s *Store) Start(ctx context.Context, tenantID, sessionID, userID string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	sess := Session{SessionID: sessionID, UserID: userID, Status: InProgress}
	return s.family.Append(ctx, tenantID, sessionID, "STARTED", encode(sess), reasonCode, idempotencyKey, fold)
}

// RecordAttempt appends one attempt outcome, incrementing AttemptCount
// and ConsecutivePasses (reset to zero on a failed pass). The session is
// automatically moved to LOCKED once AttemptCount reaches MaxAttempts, or
// to COMPLETE once ConsecutivePasses reaches RequiredConsecutivePasses —
// both bounds enforced here rather than trusted from the caller.
func (s *Store) RecordAttempt(ctx context.Context, tenantID, sessionID string, passed bool, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	cur, err := s.Get(ctx, tenantID, sessionID)
	if err != nil {
		return ledger.AppendResult{}, err
	}
	if cur.Status != InProgress {
		return ledger.AppendResult{}, fmt.Errorf("enrollment: %w: session %s is not IN_PROGRESS", kernerr.ErrMalformedInput, sessionID)
	}

	cur.AttemptCount++
	if passed {
		cur.ConsecutivePasses++
	} else {
		cur.ConsecutivePasses = 0
	}

	eventType := "ATTEMPT_FAIL"
	if passed {
		eventType = "ATTEMPT_PASS"
	}
	switch {
	case cur.ConsecutivePasses >= s.caps.RequiredConsecutivePasses:
		cur.Status = Complete
		eventType = "COMPLETE"
	case cur.AttemptCount >= s.caps.MaxAttempts:
		cur.Status = Locked
		eventType = "LOCKED"
	}

	return s.family.Append(ctx, tenantID, sessionID, eventType, encode(cur), reasonCode, idempotencyKey, fold)
}

// Decline appends a DECLINED event, ending the session without
// exhausting its attempt budget.
func (s *Store) Decline(ctx context.Context, tenantID, sessionID string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	cur, err := s.Get(ctx, tenantID, sessionID)
	if err != nil {
		return ledger.AppendResult{}, err
	}
	if !transitions[cur.Status][Declined] {
		return ledger.AppendResult{}, fmt.Errorf("enrollment: %w: session %s cannot be declined from %s", kernerr.ErrMalformedInput, sessionID, cur.Status)
	}
	cur.Status = Declined
	return s.family.Append(ctx, tenantID, sessionID, "DECLINED", encode(cur), reasonCode, idempotencyKey, fold)
}

// Get returns the current projection for an enrollment session.
func (s *Store) Get(ctx context.Context, tenantID, sessionID string) (Session, error) {
	payload, _, ok, err := s.family.ReadCurrent(ctx, tenantID, sessionID)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, kernerr.ErrNotFound
	}
	return decode(payload), nil
}

func encode(s Session) string {
	return fmt.Sprintf("enrollment|id:%s|user:%s|status:%s|consecutive:%d|attempts:%d",
		s.SessionID, s.UserID, s.Status, s.ConsecutivePasses, s.AttemptCount)
}

func decode(payload string) Session {
	s := Session{}
	for _, part := range strings.Split(payload, "|") {
		switch {
		case strings.HasPrefix(part, "id:"):
			s.SessionID = part[3:]
		case strings.HasPrefix(part, "user:"):
			s.UserID = part[len("user:"):]
		case strings.HasPrefix(part, "status:"):
			s.Status = Status(part[len("status:"):])
		case strings.HasPrefix(part, "consecutive:"):
			v, _ := strconv.Atoi(part[len("consecutive:"):])
			s.ConsecutivePasses = v
		case strings.HasPrefix(part, "attempts:"):
			v, _ := strconv.Atoi(part[len("attempts:"):])
			s.AttemptCount = v
		}
	}
	return s
}

func fold(_ *string, ev ledger.Event) (string, error) { return ev.Payload, nil }
