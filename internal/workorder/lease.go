package workorder

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/SeleneOSv1/selene-os/internal/kernerr"
	"github.com/SeleneOSv1/selene-os/internal/ledger"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

// LeaseState is the runtime state of a work order's exclusive lease.
type LeaseState string

const (
	LeaseAcquired  LeaseState = "ACQUIRED"
	LeaseRenewed   LeaseState = "RENEWED"
	LeaseReleased  LeaseState = "RELEASED"
	LeaseExpired   LeaseState = "EXPIRED"
	LeaseTakenOver LeaseState = "TAKEN_OVER"
)

func (s LeaseState) active() bool {
	return s == LeaseAcquired || s == LeaseRenewed
}

// Lease is the current projection of a work order's lease. Only
// TokenHash is ever persisted — the plaintext token is returned once, by
// Acquire/Takeover, and never stored (spec.md §9).
type Lease struct {
	WorkOrderID string
	Owner       string
	TokenHash   string
	State       LeaseState
	ExpiresAt   int64 // unix-ns
}

// LeaseStore owns the exclusive-lease ledger family, keyed by work order.
type LeaseStore struct {
	family *ledger.Family
	clk    clock.Clock
	pepper []byte
}

// NewLeaseStore opens the lease ledger family. pepper is an
// operator-provisioned secret mixed into every token hash (HMAC-SHA256);
// rotating it invalidates all outstanding plaintext tokens without
// touching stored hashes' format.
func NewLeaseStore(ctx context.Context, db *sqlx.DB, clk clock.Clock, pepper []byte) (*LeaseStore, error) {
	fam, err := ledger.Open(ctx, db, clk, "lease")
	if err != nil {
		return nil, err
	}
	return &LeaseStore{family: fam, clk: clk, pepper: pepper}, nil
}

func (s *LeaseStore) hashToken(token string) string {
	mac := hmac.New(sha256.New, s.pepper)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Acquire grants an exclusive lease to owner, failing if an unexpired
// ACTIVE lease held by a different owner already exists for the work
// order. Re-acquiring as the current owner is treated as a renewal.
func (s *LeaseStore) Acquire(ctx context.Context, tenantID, workOrderID, owner string, ttl time.Duration) (token string, expiresAt time.Time, err error) {
	cur, ok, err := s.current(ctx, tenantID, workOrderID)
	if err != nil {
		return "", time.Time{}, err
	}
	now := s.clk.Now()
	if ok && cur.State.active() && now.UnixNano() < cur.ExpiresAt && cur.Owner != owner {
		return "", time.Time{}, fmt.Errorf("workorder: %w: work order %s held by %s", kernerr.ErrLeaseConflict, workOrderID, cur.Owner)
	}

	tok, err := randomToken()
	if err != nil {
		return "", time.Time{}, err
	}
	expiry := now.Add(ttl)
	lease := Lease{WorkOrderID: workOrderID, Owner: owner, TokenHash: s.hashToken(tok), State: LeaseAcquired, ExpiresAt: expiry.UnixNano()}

	_, err = s.family.Append(ctx, tenantID, workOrderID, "ACQUIRED", encodeLease(lease), 1300, "", leaseFold)
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, expiry, nil
}

// Renew extends an ACTIVE lease's expiry, failing on token mismatch or an
// inactive lease.
func (s *LeaseStore) Renew(ctx context.Context, tenantID, workOrderID, token string, ttl time.Duration) (time.Time, error) {
	cur, ok, err := s.current(ctx, tenantID, workOrderID)
	if err != nil {
		return time.Time{}, err
	}
	now := s.clk.Now()
	if !ok || !cur.State.active() || now.UnixNano() >= cur.ExpiresAt {
		return time.Time{}, fmt.Errorf("workorder: %w", kernerr.ErrLeaseNotActive)
	}
	if cur.TokenHash != s.hashToken(token) {
		return time.Time{}, fmt.Errorf("workorder: %w: token mismatch", kernerr.ErrLeaseConflict)
	}

	expiry := now.Add(ttl)
	cur.State = LeaseRenewed
	cur.ExpiresAt = expiry.UnixNano()
	_, err = s.family.Append(ctx, tenantID, workOrderID, "RENEWED", encodeLease(cur), 1300, "", leaseFold)
	if err != nil {
		return time.Time{}, err
	}
	return expiry, nil
}

// Release marks the lease RELEASED, freeing the work order immediately
// instead of waiting for natural expiry.
func (s *LeaseStore) Release(ctx context.Context, tenantID, workOrderID, token string) error {
	cur, ok, err := s.current(ctx, tenantID, workOrderID)
	if err != nil {
		return err
	}
	if !ok || !cur.State.active() {
		return fmt.Errorf("workorder: %w", kernerr.ErrLeaseNotActive)
	}
	if cur.TokenHash != s.hashToken(token) {
		return fmt.Errorf("workorder: %w: token mismatch", kernerr.ErrLeaseConflict)
	}
	cur.State = LeaseReleased
	_, err = s.family.Append(ctx, tenantID, workOrderID, "RELEASED", encodeLease(cur), 1300, "", leaseFold)
	return err
}

// Takeover grants a fresh lease to newOwner, permitted only when the
// current lease has actually expired (now > expires_at). The prior
// lease is marked TAKEN_OVER in the same event.
func (s *LeaseStore) Takeover(ctx context.Context, tenantID, workOrderID, newOwner string, ttl time.Duration) (token string, expiresAt time.Time, err error) {
	cur, ok, err := s.current(ctx, tenantID, workOrderID)
	if err != nil {
		return "", time.Time{}, err
	}
	now := s.clk.Now()
	if ok && cur.State.active() && now.UnixNano() <= cur.ExpiresAt {
		return "", time.Time{}, fmt.Errorf("workorder: %w: lease not yet expired", kernerr.ErrLeaseConflict)
	}

	tok, err := randomToken()
	if err != nil {
		return "", time.Time{}, err
	}
	expiry := now.Add(ttl)
	lease := Lease{WorkOrderID: workOrderID, Owner: newOwner, TokenHash: s.hashToken(tok), State: LeaseAcquired, ExpiresAt: expiry.UnixNano()}
	_, err = s.family.Append(ctx, tenantID, workOrderID, "TAKEN_OVER", encodeLease(lease), 1303, "", leaseFold)
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, expiry, nil
}

// Active returns the current lease projection and whether it is presently
// ACTIVE (held, unexpired). Used by the orchestrator's dispatch gate
// (spec.md §4.3 "Dispatch rule").
func (s *LeaseStore) Active(ctx context.Context, tenantID, workOrderID string) (Lease, bool, error) {
	cur, ok, err := s.current(ctx, tenantID, workOrderID)
	if err != nil || !ok {
		return Lease{}, false, err
	}
	return cur, cur.State.active() && s.clk.Now().UnixNano() < cur.ExpiresAt, nil
}

func (s *LeaseStore) current(ctx context.Context, tenantID, workOrderID string) (Lease, bool, error) {
	payload, _, ok, err := s.family.ReadCurrent(ctx, tenantID, workOrderID)
	if err != nil || !ok {
		return Lease{}, false, err
	}
	return decodeLease(payload), true, nil
}

func encodeLease(l Lease) string {
	var b strings.Builder
	b.WriteString("lease|owner:")
	b.WriteString(l.Owner)
	b.WriteString("|token_hash:")
	b.WriteString(l.TokenHash)
	b.WriteString("|state:")
	b.WriteString(string(l.State))
	b.WriteString("|expires_at:")
	b.WriteString(strconv.FormatInt(l.ExpiresAt, 10))
	return b.String()
}

func decodeLease(payload string) Lease {
	l := Lease{}
	for _, part := range strings.Split(payload, "|") {
		switch {
		case strings.HasPrefix(part, "owner:"):
			l.Owner = part[len("owner:"):]
		case strings.HasPrefix(part, "token_hash:"):
			l.TokenHash = part[len("token_hash:"):]
		case strings.HasPrefix(part, "state:"):
			l.State = LeaseState(part[len("state:"):])
		case strings.HasPrefix(part, "expires_at:"):
			v, _ := strconv.ParseInt(part[len("expires_at:"):], 10, 64)
			l.ExpiresAt = v
		}
	}
	return l
}

func leaseFold(current *string, ev ledger.Event) (string, error) {
	return decodePayloadEcho(ev.Payload), nil
}

func decodePayloadEcho(payload string) string { return payload }
