// Package policy implements gate 3 of the mandatory gate order (spec.md
// §4.1): prompt-dedupe and safety-snapshot validity.
//
// Grounded on quantumlife-canon-core's internal/rulepack + pkg/domain/policy
// (policy snapshot versioning) and its dedup_store.go persistence pattern,
// generalized onto ledger.Family.
package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/SeleneOSv1/selene-os/internal/ledger"
	"github.com/SeleneOSv1/selene-os/internal/reason"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

// Snapshot describes the currently active safety/policy snapshot a turn
// was evaluated against.
type Snapshot struct {
	Ref     string
	Version int
	Active  bool
}

// Gate owns the dedup ledger (prompt fingerprints already handled this
// turn cycle) and the current policy snapshot projection.
type Gate struct {
	dedup     *ledger.Family
	snapshots *ledger.Family
}

// NewGate opens the policy ledger families.
func NewGate(ctx context.Context, db *sqlx.DB, clk clock.Clock) (*Gate, error) {
	dedup, err := ledger.Open(ctx, db, clk, "policy_dedup")
	if err != nil {
		return nil, err
	}
	snapshots, err := ledger.Open(ctx, db, clk, "policy_snapshot")
	if err != nil {
		return nil, err
	}
	return &Gate{dedup: dedup, snapshots: snapshots}, nil
}

// ActivateSnapshot records the currently active policy snapshot for a
// tenant. Activating a new one supersedes the prior one via append.
func (g *Gate) ActivateSnapshot(ctx context.Context, tenantID, ref string, version int, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	snap := Snapshot{Ref: ref, Version: version, Active: true}
	return g.snapshots.Append(ctx, tenantID, "active", "ACTIVATED", encodeSnapshot(snap), reasonCode, idempotencyKey, func(_ *string, ev ledger.Event) (string, error) { return ev.Payload, nil })
}

// CurrentSnapshot returns the tenant's active policy snapshot.
func (g *Gate) CurrentSnapshot(ctx context.Context, tenantID string) (Snapshot, bool, error) {
	payload, _, ok, err := g.snapshots.ReadCurrent(ctx, tenantID, "active")
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	return decodeSnapshot(payload), true, nil
}

// CheckAndRecordPrompt dedupes promptFingerprint for (tenant, turn
// correlation). Returns true if this fingerprint was already seen for the
// scope (a duplicate prompt within the same correlation).
func (g *Gate) CheckAndRecordPrompt(ctx context.Context, tenantID, correlationID, promptFingerprint string, reasonCode int64) (duplicate bool, err error) {
	res, err := g.dedup.Append(ctx, tenantID, correlationID, "PROMPT_SEEN", promptFingerprint, reasonCode, "prompt:"+promptFingerprint, func(_ *string, ev ledger.Event) (string, error) { return ev.Payload, nil })
	if err != nil {
		return false, err
	}
	return res.Idempotent, nil
}

// Evaluate is gate 3: returns whether the turn may proceed, and the
// reason code to attach if it was refused.
func (g *Gate) Evaluate(ctx context.Context, tenantID, correlationID, promptFingerprint string) (bool, reason.Code, error) {
	snap, ok, err := g.CurrentSnapshot(ctx, tenantID)
	if err != nil {
		return false, reason.PolicySnapshotInvalid, err
	}
	if !ok || !snap.Active {
		return false, reason.PolicySnapshotInvalid, nil
	}
	dup, err := g.CheckAndRecordPrompt(ctx, tenantID, correlationID, promptFingerprint, int64(reason.PolicyDuplicatePrompt))
	if err != nil {
		return false, reason.PolicyDuplicatePrompt, err
	}
	if dup {
		return false, reason.PolicyDuplicatePrompt, nil
	}
	return true, 0, nil
}

func encodeSnapshot(s Snapshot) string {
	return fmt.Sprintf("policy_snapshot|ref:%s|version:%d|active:%t", s.Ref, s.Version, s.Active)
}

func decodeSnapshot(payload string) Snapshot {
	s := Snapshot{}
	for _, part := range strings.Split(payload, "|") {
		switch {
		case strings.HasPrefix(part, "ref:"):
			s.Ref = part[len("ref:"):]
		case strings.HasPrefix(part, "version:"):
			fmt.Sscanf(part[len("version:"):], "%d", &s.Version)
		case strings.HasPrefix(part, "active:"):
			s.Active = part[len("active:"):] == "true"
		}
	}
	return s
}
