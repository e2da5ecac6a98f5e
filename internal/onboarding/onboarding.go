// Package onboarding implements the Onboarding draft and Link token
// ledger/current families from spec.md §3: a draft's monotonic status
// machine DRAFT_CREATED→DRAFT_READY→(COMMITTED|REVOKED|EXPIRED), and a
// one-shot link token lifecycle DRAFT_CREATED→SENT→OPENED→ACTIVATED→
// CONSUMED with terminal REVOKED/EXPIRED/BLOCKED states.
//
// Grounded on the same ledger.Family + runtime-enforced transition map
// idiom as internal/workorder, which in turn generalizes
// quantumlife-canon-core's internal/persist status machines.
package onboarding

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/SeleneOSv1/selene-os/internal/kernerr"
	"github.com/SeleneOSv1/selene-os/internal/ledger"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

// DraftStatus is the onboarding draft's runtime-enforced lifecycle state.
type DraftStatus string

const (
	DraftCreated DraftStatus = "DRAFT_CREATED"
	DraftReady   DraftStatus = "DRAFT_READY"
	Committed    DraftStatus = "COMMITTED"
	Revoked      DraftStatus = "REVOKED"
	Expired      DraftStatus = "EXPIRED"
)

var draftTransitions = map[DraftStatus]map[DraftStatus]bool{
	DraftCreated: {DraftReady: true, Revoked: true, Expired: true},
	DraftReady:   {Committed: true, Revoked: true, Expired: true},
}

// Draft is the current projection for one onboarding draft.
type Draft struct {
	DraftID string
	UserID  string
	Status  DraftStatus
}

// DraftStore owns the onboarding-draft ledger family.
type DraftStore struct {
	family *ledger.Family
}

// NewDraftStore opens the onboarding-draft ledger family.
func NewDraftStore(ctx context.Context, db *sqlx.DB, clk clock.Clock) (*DraftStore, error) {
	fam, err := ledger.Open(ctx, db, clk, "onboarding_draft")
	if err != nil {
		return nil, err
	}
	return &DraftStore{family: fam}, nil
}

// Create appends the DRAFT_CREATED event for a new onboarding draft.
func (s *DraftStore) Create(ctx context.Context, tenantID, draftID, userID string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	d := Draft{DraftID: draftID, UserID: userID, Status: DraftCreated}
	return s.family.Append(ctx, tenantID, draftID, "DRAFT_CREATED", encodeDraft(d), reasonCode, idempotencyKey, draftFold)
}

// Transition appends a status-changing event for a draft, refusing
// illegal transitions.
func (s *DraftStore) Transition(ctx context.Context, tenantID, draftID string, to DraftStatus, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	cur, err := s.Get(ctx, tenantID, draftID)
	if err != nil {
		return ledger.AppendResult{}, err
	}
	if !draftTransitions[cur.Status][to] {
		return ledger.AppendResult{}, fmt.Errorf("onboarding: %w: %s -> %s not legal", kernerr.ErrMalformedInput, cur.Status, to)
	}
	cur.Status = to
	return s.family.Append(ctx, tenantID, draftID, "TRANSITION:"+string(to), encodeDraft(cur), reasonCode, idempotencyKey, draftFold)
}

// Get returns the current projection for a draft.
func (s *DraftStore) Get(ctx context.Context, tenantID, draftID string) (Draft, error) {
	payload, _, ok, err := s.family.ReadCurrent(ctx, tenantID, draftID)
	if err != nil {
		return Draft{}, err
	}
	if !ok {
		return Draft{}, kernerr.ErrNotFound
	}
	return decodeDraft(payload), nil
}

func encodeDraft(d Draft) string {
	return fmt.Sprintf("onboarding_draft|id:%s|user:%s|status:%s", d.DraftID, d.UserID, d.Status)
}

func decodeDraft(payload string) Draft {
	d := Draft{}
	for _, part := range strings.Split(payload, "|") {
		switch {
		case strings.HasPrefix(part, "id:"):
			d.DraftID = part[3:]
		case strings.HasPrefix(part, "user:"):
			d.UserID = part[len("user:"):]
		case strings.HasPrefix(part, "status:"):
			d.Status = DraftStatus(part[len("status:"):])
		}
	}
	return d
}

func draftFold(_ *string, ev ledger.Event) (string, error) { return ev.Payload, nil }

// LinkTokenStatus is the one-shot link token's runtime-enforced lifecycle
// state.
type LinkTokenStatus string

const (
	TokenDraftCreated LinkTokenStatus = "DRAFT_CREATED"
	TokenSent         LinkTokenStatus = "SENT"
	TokenOpened       LinkTokenStatus = "OPENED"
	TokenActivated    LinkTokenStatus = "ACTIVATED"
	TokenConsumed     LinkTokenStatus = "CONSUMED"
	TokenRevoked      LinkTokenStatus = "REVOKED"
	TokenExpired      LinkTokenStatus = "EXPIRED"
	TokenBlocked      LinkTokenStatus = "BLOCKED"
)

var tokenTransitions = map[LinkTokenStatus]map[LinkTokenStatus]bool{
	TokenDraftCreated: {TokenSent: true, TokenRevoked: true, TokenExpired: true, TokenBlocked: true},
	TokenSent:         {TokenOpened: true, TokenRevoked: true, TokenExpired: true, TokenBlocked: true},
	TokenOpened:       {TokenActivated: true, TokenRevoked: true, TokenExpired: true, TokenBlocked: true},
	TokenActivated:    {TokenConsumed: true, TokenRevoked: true, TokenExpired: true, TokenBlocked: true},
}

// LinkToken is the current projection for one link token. Only
// TokenHash is ever persisted — the plaintext token is the caller's
// responsibility to deliver out of band and never stored.
type LinkToken struct {
	TokenID   string
	DraftID   string
	TokenHash string
	Status    LinkTokenStatus
}

// LinkTokenStore owns the link-token ledger family.
type LinkTokenStore struct {
	family *ledger.Family
}

// NewLinkTokenStore opens the link-token ledger family.
func NewLinkTokenStore(ctx context.Context, db *sqlx.DB, clk clock.Clock) (*LinkTokenStore, error) {
	fam, err := ledger.Open(ctx, db, clk, "link_token")
	if err != nil {
		return nil, err
	}
	return &LinkTokenStore{family: fam}, nil
}

// Create appends the DRAFT_CREATED event for a new link token.
func (s *LinkTokenStore) Create(ctx context.Context, tenantID, tokenID, draftID, tokenHash string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	t := LinkToken{TokenID: tokenID, DraftID: draftID, TokenHash: tokenHash, Status: TokenDraftCreated}
	return s.family.Append(ctx, tenantID, tokenID, "DRAFT_CREATED", encodeToken(t), reasonCode, idempotencyKey, tokenFold)
}

// Transition appends a status-changing event for a link token, refusing
// illegal transitions — each of the terminal states is one-shot: once
// reached, no further transition is legal.
func (s *LinkTokenStore) Transition(ctx context.Context, tenantID, tokenID string, to LinkTokenStatus, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	cur, err := s.Get(ctx, tenantID, tokenID)
	if err != nil {
		return ledger.AppendResult{}, err
	}
	if !tokenTransitions[cur.Status][to] {
		return ledger.AppendResult{}, fmt.Errorf("onboarding: %w: %s -> %s not legal", kernerr.ErrMalformedInput, cur.Status, to)
	}
	cur.Status = to
	return s.family.Append(ctx, tenantID, tokenID, "TRANSITION:"+string(to), encodeToken(cur), reasonCode, idempotencyKey, tokenFold)
}

// Get returns the current projection for a link token.
func (s *LinkTokenStore) Get(ctx context.Context, tenantID, tokenID string) (LinkToken, error) {
	payload, _, ok, err := s.family.ReadCurrent(ctx, tenantID, tokenID)
	if err != nil {
		return LinkToken{}, err
	}
	if !ok {
		return LinkToken{}, kernerr.ErrNotFound
	}
	return decodeToken(payload), nil
}

func encodeToken(t LinkToken) string {
	return fmt.Sprintf("link_token|id:%s|draft:%s|token_hash:%s|status:%s", t.TokenID, t.DraftID, t.TokenHash, t.Status)
}

func decodeToken(payload string) LinkToken {
	t := LinkToken{}
	for _, part := range strings.Split(payload, "|") {
		switch {
		case strings.HasPrefix(part, "id:"):
			t.TokenID = part[3:]
		case strings.HasPrefix(part, "draft:"):
			t.DraftID = part[len("draft:"):]
		case strings.HasPrefix(part, "token_hash:"):
			t.TokenHash = part[len("token_hash:"):]
		case strings.HasPrefix(part, "status:"):
			t.Status = LinkTokenStatus(part[len("status:"):])
		}
	}
	return t
}

func tokenFold(_ *string, ev ledger.Event) (string, error) { return ev.Payload, nil }
