// Package capreq implements the CapReq (capability request) ledger from
// spec.md §3: an append-only request/approval event stream per
// `capreq_id`, deduped on `(tenant, capreq_id, idempotency_key)`.
//
// Grounded on the same ledger.Family idiom as internal/onboarding,
// generalized from quantumlife-canon-core's internal/persist request
// lifecycles.
package capreq

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/SeleneOSv1/selene-os/internal/kernerr"
	"github.com/SeleneOSv1/selene-os/internal/ledger"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

// Status is the capability request's lifecycle state.
type Status string

const (
	Requested Status = "REQUESTED"
	Approved  Status = "APPROVED"
	Denied    Status = "DENIED"
	Revoked   Status = "REVOKED"
)

var transitions = map[Status]map[Status]bool{
	Requested: {Approved: true, Denied: true},
	Approved:  {Revoked: true},
}

// Request is the current projection for one capability request.
type Request struct {
	CapReqID    string
	UserID      string
	Capability  string
	Status      Status
}

// Store owns the capreq ledger family.
type Store struct {
	family *ledger.Family
}

// NewStore opens the capreq ledger family.
func NewStore(ctx context.Context, db *sqlx.DB, clk clock.Clock) (*Store, error) {
	fam, err := ledger.Open(ctx, db, clk, "capreq")
	if err != nil {
		return nil, err
	}
	return &Store{family: fam}, nil
}

// Request appends the REQUESTED event for a new capability request.
func (s *Store) Request(ctx context.Context, tenantID, capReqID, userID, capability string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	r := Request{CapReqID: capReqID, UserID: userID, Capability: capability, Status: Requested}
	return s.family.Append(ctx, tenantID, capReqID, "REQUESTED", encode(r), reasonCode, idempotencyKey, fold)
}

// Decide appends an APPROVED or DENIED event, refusing any transition
// outside the legal request-approval lifecycle.
func (s *Store) Decide(ctx context.Context, tenantID, capReqID string, to Status, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	cur, err := s.Get(ctx, tenantID, capReqID)
	if err != nil {
		return ledger.AppendResult{}, err
	}
	if !transitions[cur.Status][to] {
		return ledger.AppendResult{}, fmt.Errorf("capreq: %w: %s -> %s not legal", kernerr.ErrMalformedInput, cur.Status, to)
	}
	cur.Status = to
	return s.family.Append(ctx, tenantID, capReqID, "DECIDED:"+string(to), encode(cur), reasonCode, idempotencyKey, fold)
}

// Get returns the current projection for a capability request.
func (s *Store) Get(ctx context.Context, tenantID, capReqID string) (Request, error) {
	payload, _, ok, err := s.family.ReadCurrent(ctx, tenantID, capReqID)
	if err != nil {
		return Request{}, err
	}
	if !ok {
		return Request{}, kernerr.ErrNotFound
	}
	return decode(payload), nil
}

func encode(r Request) string {
	return fmt.Sprintf("capreq|id:%s|user:%s|capability:%s|status:%s", r.CapReqID, r.UserID, r.Capability, r.Status)
}

func decode(payload string) Request {
	r := Request{}
	for _, part := range strings.Split(payload, "|") {
		switch {
		case strings.HasPrefix(part, "id:"):
			r.CapReqID = part[3:]
		case strings.HasPrefix(part, "user:"):
			r.UserID = part[len("user:"):]
		case strings.HasPrefix(part, "capability:"):
			r.Capability = part[len("capability:"):]
		case strings.HasPrefix(part, "status:"):
			r.Status = Status(part[len("status:"):])
		}
	}
	return r
}

func fold(_ *string, ev ledger.Event) (string, error) { return ev.Payload, nil }
