// Package access implements the Access Instance ledger/current family and
// the gate-2 evaluation described in spec.md §4.4: every turn's side
// effect must first resolve to ALLOW before a Simulation is attempted.
//
// Grounded on quantumlife-canon-core's internal/authority (scope/mode
// checks yielding an AuthorizationProof) generalized onto the shared
// ledger.Family and widened to the three-way ALLOW/DENY/ESCALATE verdict
// spec.md names explicitly.
package access

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/SeleneOSv1/selene-os/internal/kernerr"
	"github.com/SeleneOSv1/selene-os/internal/ledger"
	"github.com/SeleneOSv1/selene-os/internal/reason"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

// Lifecycle is the access instance's lifecycle state.
type Lifecycle string

const (
	Restricted Lifecycle = "RESTRICTED"
	Active     Lifecycle = "ACTIVE"
	Suspended  Lifecycle = "SUSPENDED"
)

// Verdict is the outcome of an access evaluation.
type Verdict string

const (
	Allow    Verdict = "ALLOW"
	Deny     Verdict = "DENY"
	Escalate Verdict = "ESCALATE"
)

// Instance is the current projection for one (tenant, user) access row.
// CompiledProfileRef carries the opaque `compiled_*_profile_*` columns
// spec.md §9 leaves undocumented — treated as an opaque ref per that open
// question's resolution (see SPEC_FULL.md §9.1).
type Instance struct {
	TenantID           string
	UserID             string
	Lifecycle          Lifecycle
	PolicySnapshotRef  string
	CompiledProfileRef string
	LastEventID        int64
}

// Override is an ACTIVE scope grant/restriction layered on an Instance. At
// most one ACTIVE override may exist per (instance, scope); activating a
// new one retires the prior one via ledger append, never in-place
// mutation (spec.md §4.4).
type Override struct {
	OverrideID string
	Scope      string
	Active     bool
	StartsAt   int64
	ExpiresAt  int64 // 0 = no expiry
}

// Store owns the access_instance and access_override ledger families.
type Store struct {
	instances *ledger.Family
	overrides *ledger.Family
	clk       clock.Clock
}

// NewStore opens the access ledger families.
func NewStore(ctx context.Context, db *sqlx.DB, clk clock.Clock) (*Store, error) {
	instances, err := ledger.Open(ctx, db, clk, "access_instance")
	if err != nil {
		return nil, err
	}
	overrides, err := ledger.Open(ctx, db, clk, "access_override")
	if err != nil {
		return nil, err
	}
	return &Store{instances: instances, overrides: overrides, clk: clk}, nil
}

// Issue creates or updates an access instance's lifecycle.
func (s *Store) Issue(ctx context.Context, tenantID, userID string, lifecycle Lifecycle, policySnapshotRef string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	inst := Instance{TenantID: tenantID, UserID: userID, Lifecycle: lifecycle, PolicySnapshotRef: policySnapshotRef}
	scope := scopeKey(tenantID, userID)
	return s.instances.Append(ctx, tenantID, scope, "ISSUED", encodeInstance(inst), reasonCode, idempotencyKey, instanceFold)
}

// Suspend transitions an instance to SUSPENDED.
func (s *Store) Suspend(ctx context.Context, tenantID, userID string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	cur, err := s.Get(ctx, tenantID, userID)
	if err != nil {
		return ledger.AppendResult{}, err
	}
	cur.Lifecycle = Suspended
	scope := scopeKey(tenantID, userID)
	return s.instances.Append(ctx, tenantID, scope, "SUSPENDED", encodeInstance(cur), reasonCode, idempotencyKey, instanceFold)
}

// Get returns the current access instance, or ErrNotFound.
func (s *Store) Get(ctx context.Context, tenantID, userID string) (Instance, error) {
	payload, lastEventID, ok, err := s.instances.ReadCurrent(ctx, tenantID, scopeKey(tenantID, userID))
	if err != nil {
		return Instance{}, err
	}
	if !ok {
		return Instance{}, kernerr.ErrNotFound
	}
	inst := decodeInstance(payload)
	inst.LastEventID = lastEventID
	return inst, nil
}

// ActivateOverride activates a new override for (instance, scope) by
// appending one ACTIVATED event under that scope key — append-only, never
// an UPDATE. The scope key's projection holds only the latest override,
// so the new one replaces any prior ACTIVE one.
func (s *Store) ActivateOverride(ctx context.Context, tenantID, userID, overrideID, scope string, startsAt, expiresAt int64, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	if expiresAt != 0 && expiresAt <= startsAt {
		return ledger.AppendResult{}, fmt.Errorf("access: %w: expires_at must be after starts_at", kernerr.ErrBoundsViolation)
	}
	ov := Override{OverrideID: overrideID, Scope: scope, Active: true, StartsAt: startsAt, ExpiresAt: expiresAt}
	scopeK := overrideScopeKey(tenantID, userID, scope)
	return s.overrides.Append(ctx, tenantID, scopeK, "ACTIVATED", encodeOverride(ov), reasonCode, idempotencyKey, overrideFold)
}

// ActiveOverride returns the ACTIVE override for (instance, scope), if any.
func (s *Store) ActiveOverride(ctx context.Context, tenantID, userID, scope string) (Override, bool, error) {
	payload, _, ok, err := s.overrides.ReadCurrent(ctx, tenantID, overrideScopeKey(tenantID, userID, scope))
	if err != nil || !ok {
		return Override{}, false, err
	}
	ov := decodeOverride(payload)
	return ov, ov.Active, nil
}

// Evaluate resolves the three-way access verdict for (tenant, user,
// requiredScope) per spec.md §4.4. It is gate 2 of the mandatory gate
// order in §4.1.
func (s *Store) Evaluate(ctx context.Context, tenantID, userID, requiredScope string, now int64) (Verdict, reason.Code, string) {
	inst, err := s.Get(ctx, tenantID, userID)
	if err != nil {
		return Deny, reason.AccessDeny, "no access instance on file"
	}
	switch inst.Lifecycle {
	case Suspended:
		return Deny, reason.AccessDeny, "access instance suspended"
	case Restricted:
		ov, active, err := s.ActiveOverride(ctx, tenantID, userID, requiredScope)
		if err != nil {
			return Deny, reason.AccessDeny, "override lookup failed"
		}
		if active && withinWindow(ov, now) {
			return Allow, reason.AccessAllow, inst.PolicySnapshotRef
		}
		return Escalate, reason.ApApprovalRequired, "restricted instance requires board approval for scope " + requiredScope
	case Active:
		return Allow, reason.AccessAllow, inst.PolicySnapshotRef
	default:
		return Deny, reason.AccessDeny, "unknown lifecycle state"
	}
}

func withinWindow(ov Override, now int64) bool {
	if now < ov.StartsAt {
		return false
	}
	if ov.ExpiresAt != 0 && now >= ov.ExpiresAt {
		return false
	}
	return true
}

func scopeKey(tenantID, userID string) string { return tenantID + ":" + userID }

func overrideScopeKey(tenantID, userID, scope string) string {
	return tenantID + ":" + userID + ":" + scope
}

func encodeInstance(i Instance) string {
	return fmt.Sprintf("access_instance|user:%s|lifecycle:%s|policy_snapshot:%s|compiled_profile:%s",
		i.UserID, i.Lifecycle, i.PolicySnapshotRef, i.CompiledProfileRef)
}

func decodeInstance(payload string) Instance {
	i := Instance{}
	for _, part := range strings.Split(payload, "|") {
		switch {
		case strings.HasPrefix(part, "user:"):
			i.UserID = part[len("user:"):]
		case strings.HasPrefix(part, "lifecycle:"):
			i.Lifecycle = Lifecycle(part[len("lifecycle:"):])
		case strings.HasPrefix(part, "policy_snapshot:"):
			i.PolicySnapshotRef = part[len("policy_snapshot:"):]
		case strings.HasPrefix(part, "compiled_profile:"):
			i.CompiledProfileRef = part[len("compiled_profile:"):]
		}
	}
	return i
}

func instanceFold(current *string, ev ledger.Event) (string, error) {
	return ev.Payload, nil
}

func encodeOverride(o Override) string {
	return fmt.Sprintf("override|id:%s|scope:%s|active:%t|starts_at:%d|expires_at:%d",
		o.OverrideID, o.Scope, o.Active, o.StartsAt, o.ExpiresAt)
}

func decodeOverride(payload string) Override {
	o := Override{}
	for _, part := range strings.Split(payload, "|") {
		switch {
		case strings.HasPrefix(part, "id:"):
			o.OverrideID = part[3:]
		case strings.HasPrefix(part, "scope:"):
			o.Scope = part[len("scope:"):]
		case strings.HasPrefix(part, "active:"):
			o.Active = part[len("active:"):] == "true"
		case strings.HasPrefix(part, "starts_at:"):
			fmt.Sscanf(part[len("starts_at:"):], "%d", &o.StartsAt)
		case strings.HasPrefix(part, "expires_at:"):
			fmt.Sscanf(part[len("expires_at:"):], "%d", &o.ExpiresAt)
		}
	}
	return o
}

func overrideFold(current *string, ev ledger.Event) (string, error) {
	return ev.Payload, nil
}
