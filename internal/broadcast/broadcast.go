// Package broadcast implements the shared multi-party decision board used
// by both the Access-escalation ESCALATE path (spec.md §4.4) and the
// Builder human-permission-interrupt loop (spec.md §4.5). A broadcast is
// opened against a target (an access instance, a release stage, ...),
// collects threshold-gated votes from named parties, and resolves to
// exactly one terminal outcome.
//
// Grounded on quantumlife-canon-core's internal/approval family
// (internal/approval/interface.go's Manager/Store/Verifier split and
// internal/persist/approval_ledger.go's append-then-fold replay) —
// generalized off of intersection-scoped financial contracts onto this
// repo's ledger.Family primitive, and trimmed of signature verification
// and request-token expiry math since Selene's broadcasts are resolved
// synchronously by named parties rather than bearer tokens mailed out of
// band.
package broadcast

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

// Status is the broadcast's lifecycle state.
type Status string

const (
	Open      Status = "OPEN"
	Approved  Status = "APPROVED"
	Denied    Status = "DENIED"
	TimedOut  Status = "TIMED_OUT"
	Cancelled Status = "CANCELLED"
)

// Vote is one party's decision on a broadcast.
type Vote string

const (
	VoteApprove Vote = "APPROVE"
	VoteDeny    Vote = "DENY"
)

var transitions = map[Status]map[Status]bool{
	Open: {Approved: true, Denied: true, TimedOut: true, Cancelled: true},
}

// Broadcast is the current projection for one decision board.
type Broadcast struct {
	BroadcastID   string
	Kind          string // e.g. "access_escalation", "builder_release"
	TargetID      string
	Threshold     int
	RequiredVoter string // non-empty if a specific party must vote (else any Threshold distinct voters suffice)
	Status        Status
	Voters        []string // distinct voters who have cast a vote, in cast order
	ApproveCount  int
	DenyCount     int
}

func (b Broadcast) hasVoted(voter string) bool {
	for _, v := range b.Voters {
		if v == voter {
			return true
		}
	}
	return false
}

// Broadcaster is the interface the orchestrator's access-escalation path
// and the builder's permission-interrupt loop both depend on, so either
// can be swapped for a different delivery mechanism (chat DM, paging)
// without touching caller code.
type Broadcaster interface {
	Open(ctx context.Context, tenantID, broadcastID, kind, targetID string, threshold int, requiredVoter string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error)
	Cast(ctx context.Context, tenantID, broadcastID, voter string, vote Vote, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error)
	Cancel(ctx context.Context, tenantID, broadcastID string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error)
	TimeOut(ctx context.Context, tenantID, broadcastID string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error)
	Get(ctx context.Context, tenantID, broadcastID string) (Broadcast, error)
}

// Board is the in-memory-database-backed default Broadcaster. "In-memory"
// here means backed by the same SQLite handle every other domain package
// uses, per SPEC_FULL.md's note that the in-memory implementation is the
// default; a future Slack- or PagerDuty-backed Broadcaster can satisfy the
// same interface without changing callers.
type Board struct {
	family *ledger.Family
}

var _ Broadcaster = (*Board)(nil)

// NewBoard opens the broadcast ledger family.
func NewBoard(ctx context.Context, db *sqlx.DB, clk clock.Clock) (*Board, error) {
	fam, err := ledger.Open(ctx, db, clk, "broadcast")
	if err != nil {
		return nil, err
	}
	return &Board{family: fam}, nil
}

// Open appends the OPEN event for a new broadcast. threshold is the
// number of distinct APPROVE votes required to resolve APPROVED, and when
// requiredVoter is set its own APPROVE must be among them; a single
// DENY from requiredVoter (if set), or threshold distinct DENY votes
// otherwise, resolves DENIED.
func (b *Board) Open(ctx context.Context, tenantID, broadcastID, kind, targetID string, threshold int, requiredVoter string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	if threshold <= 0 {
		return ledger.AppendResult{}, fmt.Errorf("broadcast: %w: threshold must be positive", kernerr.ErrMalformedInput)
	}
	bc := Broadcast{
		BroadcastID: broadcastID, Kind: kind, TargetID: targetID,
		Threshold: threshold, RequiredVoter: requiredVoter, Status: Open,
	}
	return b.family.Append(ctx, tenantID, broadcastID, "OPENED", encode(bc), reasonCode, idempotencyKey, fold)
}

// Cast records one party's vote. A party that has already voted on this
// broadcast cannot vote again (retries must reuse the original
// idempotency key instead). Once the resolution condition is met the
// broadcast transitions to APPROVED or DENIED in the same append.
func (b *Board) Cast(ctx context.Context, tenantID, broadcastID, voter string, vote Vote, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	cur, err := b.Get(ctx, tenantID, broadcastID)
	if err != nil {
		return ledger.AppendResult{}, err
	}
	if cur.Status != Open {
		return ledger.AppendResult{}, fmt.Errorf("broadcast: %w: %s is not OPEN", kernerr.ErrMalformedInput, broadcastID)
	}
	if cur.hasVoted(voter) {
		return ledger.AppendResult{}, fmt.Errorf("broadcast: %w: %s already voted on %s", kernerr.ErrMalformedInput, voter, broadcastID)
	}

	cur.Voters = append(cur.Voters, voter)
	switch vote {
	case VoteApprove:
		cur.ApproveCount++
	case VoteDeny:
		cur.DenyCount++
	default:
		return ledger.AppendResult{}, fmt.Errorf("broadcast: %w: unknown vote %q", kernerr.ErrMalformedInput, vote)
	}

	eventType := "VOTE_" + string(vote)
	switch {
	case vote == VoteDeny && cur.RequiredVoter != "" && voter == cur.RequiredVoter:
		cur.Status = Denied
	case cur.ApproveCount >= cur.Threshold && (cur.RequiredVoter == "" || cur.hasVoted(cur.RequiredVoter)):
		cur.Status = Approved
	case cur.DenyCount >= cur.Threshold:
		cur.Status = Denied
	}
	if cur.Status != Open {
		eventType = "RESOLVED:" + string(cur.Status)
	}

	return b.family.Append(ctx, tenantID, broadcastID, eventType, encode(cur), reasonCode, idempotencyKey, fold)
}

// Cancel appends a CANCELLED event, withdrawing a broadcast before it resolves.
func (b *Board) Cancel(ctx context.Context, tenantID, broadcastID string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	return b.transitionTo(ctx, tenantID, broadcastID, Cancelled, reasonCode, idempotencyKey)
}

// TimeOut appends a TIMED_OUT event. The caller decides when a broadcast
// has aged out; no package in this repository calls TimeOut.
func (b *Board) TimeOut(ctx context.Context, tenantID, broadcastID string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	return b.transitionTo(ctx, tenantID, broadcastID, TimedOut, reasonCode, idempotencyKey)
}

func (b *Board) transitionTo(ctx context.Context, tenantID, broadcastID string, to Status, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	cur, err := b.Get(ctx, tenantID, broadcastID)
	if err != nil {
		return ledger.AppendResult{}, err
	}
	if !transitions[cur.Status][to] {
		return ledger.AppendResult{}, fmt.Errorf("broadcast: %w: %s -> %s not legal", kernerr.ErrMalformedInput, cur.Status, to)
	}
	cur.Status = to
	return b.family.Append(ctx, tenantID, broadcastID, string(to), encode(cur), reasonCode, idempotencyKey, fold)
}

// Get returns the current projection for a broadcast.
func (b *Board) Get(ctx context.Context, tenantID, broadcastID string) (Broadcast, error) {
	payload, _, ok, err := b.family.ReadCurrent(ctx, tenantID, broadcastID)
	if err != nil {
		return Broadcast{}, err
	}
	if !ok {
		return Broadcast{}, kernerr.ErrNotFound
	}
	return decode(payload), nil
}

func encode(b Broadcast) string {
	var sb strings.Builder
	sb.WriteString("broadcast|id:")
	sb.WriteString(b.BroadcastID)
	sb.WriteString("|kind:")
	sb.WriteString(b.Kind)
	sb.WriteString("|target:")
	sb.WriteString(b.TargetID)
	sb.WriteString("|threshold:")
	sb.WriteString(strconv.Itoa(b.Threshold))
	sb.WriteString("|required_voter:")
	sb.WriteString(b.RequiredVoter)
	sb.WriteString("|status:")
	sb.WriteString(string(b.Status))
	sb.WriteString("|approve_count:")
	sb.WriteString(strconv.Itoa(b.ApproveCount))
	sb.WriteString("|deny_count:")
	sb.WriteString(strconv.Itoa(b.DenyCount))
	sb.WriteString("|voters:")
	sb.WriteString(strings.Join(b.Voters, ","))
	return sb.String()
}

func decode(payload string) Broadcast {
	b := Broadcast{}
	for _, part := range strings.Split(payload, "|") {
		switch {
		case strings.HasPrefix(part, "id:"):
			b.BroadcastID = part[3:]
		case strings.HasPrefix(part, "kind:"):
			b.Kind = part[len("kind:"):]
		case strings.HasPrefix(part, "target:"):
			b.TargetID = part[len("target:"):]
		case strings.HasPrefix(part, "threshold:"):
			v, _ := strconv.Atoi(part[len("threshold:"):])
			b.Threshold = v
		case strings.HasPrefix(part, "required_voter:"):
			b.RequiredVoter = part[len("required_voter:"):]
		case strings.HasPrefix(part, "status:"):
			b.Status = Status(part[len("status:"):])
		case strings.HasPrefix(part, "approve_count:"):
			v, _ := strconv.Atoi(part[len("approve_count:"):])
			b.ApproveCount = v
		case strings.HasPrefix(part, "deny_count:"):
			v, _ := strconv.Atoi(part[len("deny_count:"):])
			b.DenyCount = v
		case strings.HasPrefix(part, "voters:"):
			raw := part[len("voters:"):]
			if raw != "" {
				b.Voters = strings.Split(raw, ",")
			}
		}
	}
	return b
}

func fold(_ *string, ev ledger.Event) (string, error) { return ev.Payload, nil }
