package builder

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/SeleneOSv1/selene-os/internal/broadcast"
	"github.com/SeleneOSv1/selene-os/internal/kernerr"
	"github.com/SeleneOSv1/selene-os/internal/ledger"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

// InterruptKind names the two mandatory human-interrupt checkpoints
// (spec.md §4.5 "before code generation and before any launch ramp").
type InterruptKind string

const (
	InterruptBeforeGeneration InterruptKind = "BEFORE_GENERATION"
	InterruptBeforeLaunchRamp InterruptKind = "BEFORE_LAUNCH_RAMP"
)

// Brief is the plain-language interrupt payload shown to the approving
// human: the issue, the proposed fix, and the specific yes/no question.
type Brief struct {
	ProposalID string
	Kind       InterruptKind
	Issue      string
	Fix        string
	Question   string // e.g. "Should I proceed?" or "All tests passed, can I launch?"
}

// RaiseInterrupt opens a broadcast for one human-interrupt checkpoint and
// returns its id. A single required voter (the release owner) must
// approve or deny; there is no majority-vote path for this checkpoint —
// a launch or code-generation step always needs exactly one explicit
// human decision.
func RaiseInterrupt(ctx context.Context, board broadcast.Broadcaster, tenantID, broadcastID string, brief Brief, owner string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	kind := "builder_interrupt:" + string(brief.Kind)
	return board.Open(ctx, tenantID, broadcastID, kind, brief.ProposalID, 1, owner, reasonCode, idempotencyKey)
}

// Decide casts the release owner's explicit approve/deny for an open
// interrupt broadcast. Reminders (see scheduler.go) never call this —
// only an explicit human decision resolves an interrupt, per spec.md
// §4.5 "reminders never grant permission."
func Decide(ctx context.Context, board broadcast.Broadcaster, tenantID, broadcastID, owner string, approve bool, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	vote := broadcast.VoteDeny
	if approve {
		vote = broadcast.VoteApprove
	}
	return board.Cast(ctx, tenantID, broadcastID, owner, vote, reasonCode, idempotencyKey)
}

// Resolved reports whether the interrupt broadcast reached a terminal
// decision, and whether that decision was an approval.
func Resolved(ctx context.Context, board broadcast.Broadcaster, tenantID, broadcastID string) (resolved, approved bool, err error) {
	bc, err := board.Get(ctx, tenantID, broadcastID)
	if err != nil {
		return false, false, err
	}
	switch bc.Status {
	case broadcast.Approved:
		return true, true, nil
	case broadcast.Denied, broadcast.TimedOut, broadcast.Cancelled:
		return true, false, nil
	default:
		return false, false, nil
	}
}

// DailyReview is the current projection of the operator's daily release
// review freshness check (spec.md §4.5 "Daily review freshness
// (DAILY_REVIEW_OK and DAILY_REVIEW_DATE_UTC == today(UTC)) is required
// for either gate to pass").
type DailyReview struct {
	TenantID  string
	OK        bool
	DateUTC   string // YYYY-MM-DD
}

// DailyReviewStore owns the daily-review-freshness ledger family, one
// scope row per tenant.
type DailyReviewStore struct {
	family *ledger.Family
}

// NewDailyReviewStore opens the daily-review ledger family.
func NewDailyReviewStore(ctx context.Context, db *sqlx.DB, clk clock.Clock) (*DailyReviewStore, error) {
	fam, err := ledger.Open(ctx, db, clk, "builder_daily_review")
	if err != nil {
		return nil, err
	}
	return &DailyReviewStore{family: fam}, nil
}

// Record appends today's review outcome for a tenant.
func (s *DailyReviewStore) Record(ctx context.Context, tenantID string, ok bool, dateUTC string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	r := DailyReview{TenantID: tenantID, OK: ok, DateUTC: dateUTC}
	return s.family.Append(ctx, tenantID, "daily_review", "RECORDED", encodeDailyReview(r), reasonCode, idempotencyKey, dailyReviewFold)
}

// IsFreshToday reports whether the tenant's most recently recorded
// review is OK and dated today (in UTC, per clk).
func (s *DailyReviewStore) IsFreshToday(ctx context.Context, tenantID string, clk clock.Clock) (bool, error) {
	payload, _, ok, err := s.family.ReadCurrent(ctx, tenantID, "daily_review")
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	r := decodeDailyReview(payload)
	today := clk.Now().UTC().Format("2006-01-02")
	return r.OK && r.DateUTC == today, nil
}

// GateLaunch checks both mandatory preconditions for advancing past a
// human-interrupt checkpoint: an explicit human approval, and a fresh
// (today, OK) daily review. Either missing precondition fails closed
// with kernerr.ErrMalformedInput; the caller maps this to
// reason.DailyReviewStale.
func GateLaunch(ctx context.Context, board broadcast.Broadcaster, reviews *DailyReviewStore, clk clock.Clock, tenantID, broadcastID string) error {
	resolved, approved, err := Resolved(ctx, board, tenantID, broadcastID)
	if err != nil {
		return err
	}
	if !resolved || !approved {
		return fmt.Errorf("builder: %w: interrupt %s has no explicit approval", kernerr.ErrMalformedInput, broadcastID)
	}
	fresh, err := reviews.IsFreshToday(ctx, tenantID, clk)
	if err != nil {
		return err
	}
	if !fresh {
		return fmt.Errorf("builder: %w: daily review for tenant %s is not fresh", kernerr.ErrMalformedInput, tenantID)
	}
	return nil
}

func encodeDailyReview(r DailyReview) string {
	return fmt.Sprintf("daily_review|ok:%s|date:%s", strconv.FormatBool(r.OK), r.DateUTC)
}

func decodeDailyReview(payload string) DailyReview {
	r := DailyReview{}
	for _, part := range strings.Split(payload, "|") {
		switch {
		case strings.HasPrefix(part, "ok:"):
			v, _ := strconv.ParseBool(part[len("ok:"):])
			r.OK = v
		case strings.HasPrefix(part, "date:"):
			r.DateUTC = part[len("date:"):]
		}
	}
	return r
}

func dailyReviewFold(_ *string, ev ledger.Event) (string, error) { return ev.Payload, nil }
