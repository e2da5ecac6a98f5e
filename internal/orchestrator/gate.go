package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/SeleneOSv1/selene-os/internal/access"
	"github.com/SeleneOSv1/selene-os/internal/broadcast"
	"github.com/SeleneOSv1/selene-os/internal/kernerr"
	"github.com/SeleneOSv1/selene-os/internal/policy"
	"github.com/SeleneOSv1/selene-os/internal/quota"
	"github.com/SeleneOSv1/selene-os/internal/reason"
	"github.com/SeleneOSv1/selene-os/internal/simulation"
	"github.com/SeleneOSv1/selene-os/internal/workorder"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

// GateOutcome is the composite result of running every mandatory gate in
// order. Refused is true the moment any gate fails; subsequent gates are
// not evaluated (spec.md §4.1 "Gate order is mandatory; a refusal at any
// gate short-circuits the remaining gates.").
type GateOutcome struct {
	Refused       bool
	RefusedAt     string
	ReasonCode    reason.Code
	AccessVerdict access.Verdict
	QuotaVerdict  quota.Verdict
	Detail        string
}

// GateEvaluator composes the five domain gates in the canonical order
// Tenant resolution (caller-supplied) → Access → Policy → Work/Lease →
// Quota → Simulation.
//
// Grounded on quantumlife-canon-core's internal/orchestrator gate chain
// (a fixed sequence of layer checks run before any commitment is formed),
// generalized to Selene's five named gates.
type GateEvaluator struct {
	Access     *access.Store
	Policy     *policy.Gate
	Leases     *workorder.LeaseStore
	Quota      *quota.Lane
	Simulation *simulation.Store
	Clock      clock.Clock

	// Broadcast is the board an ESCALATE verdict opens an approval flow
	// against (spec.md §4.4 "orchestrator opens a broadcast approval
	// flow, collects votes against the active board policy version,
	// then re-evaluates"). Nil disables escalation resolution: ESCALATE
	// then stays ESCALATE forever, which fails closed rather than open.
	Broadcast broadcast.Broadcaster

	// EscalationThreshold is the distinct-APPROVE-vote count a freshly
	// opened access-escalation broadcast requires. Defaults to 1.
	EscalationThreshold int
}

// NewGateEvaluator wires the five gate collaborators plus the escalation
// broadcaster. clk supplies the instant passed to the access gate's
// override-window check; core logic never calls time.Now() directly
// (pkg/clock guardrail).
func NewGateEvaluator(a *access.Store, p *policy.Gate, l *workorder.LeaseStore, q *quota.Lane, s *simulation.Store, clk clock.Clock, bcast broadcast.Broadcaster) *GateEvaluator {
	return &GateEvaluator{Access: a, Policy: p, Leases: l, Quota: q, Simulation: s, Clock: clk, Broadcast: bcast, EscalationThreshold: 1}
}

// GateRequest carries everything the gate chain needs for one turn. Not
// every field is required by every gate; a field left empty simply means
// that gate's check is a no-op (e.g. a turn with no work order skips the
// lease gate).
type GateRequest struct {
	TenantID          string
	UserID            string
	CorrelationID     string
	RequiredScope     string
	PromptFingerprint string
	WorkOrderID       string
	LeaseOwner        string
	LeaseTTL          time.Duration
	IdempotencyKey    string
}

// Evaluate runs the mandatory gate order and returns the first refusal,
// or a non-refused outcome once every applicable gate has passed.
func (g *GateEvaluator) Evaluate(ctx context.Context, req GateRequest) (GateOutcome, error) {
	verdict, code, detail := g.Access.Evaluate(ctx, req.TenantID, req.UserID, req.RequiredScope, g.Clock.UnixNano())
	if verdict == access.Escalate {
		var err error
		verdict, code, detail, err = g.resolveEscalation(ctx, req)
		if err != nil {
			return GateOutcome{}, err
		}
	}
	if verdict != access.Allow {
		return GateOutcome{Refused: true, RefusedAt: "access", ReasonCode: code, AccessVerdict: verdict, Detail: detail}, nil
	}

	ok, code, err := g.Policy.Evaluate(ctx, req.TenantID, req.CorrelationID, req.PromptFingerprint)
	if err != nil {
		return GateOutcome{}, err
	}
	if !ok {
		return GateOutcome{Refused: true, RefusedAt: "policy", ReasonCode: code, AccessVerdict: verdict}, nil
	}

	if req.WorkOrderID != "" {
		_, active, err := g.Leases.Active(ctx, req.TenantID, req.WorkOrderID)
		if err != nil {
			return GateOutcome{}, err
		}
		if !active {
			if req.LeaseOwner == "" {
				return GateOutcome{Refused: true, RefusedAt: "work_lease", ReasonCode: reason.WaitForLease, AccessVerdict: verdict}, nil
			}
			if _, _, err := g.Leases.Acquire(ctx, req.TenantID, req.WorkOrderID, req.LeaseOwner, req.LeaseTTL); err != nil {
				return GateOutcome{Refused: true, RefusedAt: "work_lease", ReasonCode: reason.LeaseConflict, AccessVerdict: verdict, Detail: err.Error()}, nil
			}
		}
	}

	qv, err := g.Quota.Check(ctx, req.TenantID)
	if err != nil {
		return GateOutcome{}, err
	}
	if qv != quota.Allow {
		code := reason.QuotaWait
		if qv == quota.Refuse {
			code = reason.QuotaRefuse
		}
		return GateOutcome{Refused: true, RefusedAt: "quota", ReasonCode: code, AccessVerdict: verdict, QuotaVerdict: qv}, nil
	}

	if req.WorkOrderID != "" && req.IdempotencyKey != "" {
		hasDraft, err := g.Simulation.HasAcceptedDraft(ctx, req.TenantID, req.WorkOrderID, req.IdempotencyKey)
		if err != nil {
			return GateOutcome{}, err
		}
		if !hasDraft {
			return GateOutcome{Refused: true, RefusedAt: "simulation", ReasonCode: reason.SimulationDraftMissing, AccessVerdict: verdict, QuotaVerdict: qv}, nil
		}
	}

	return GateOutcome{Refused: false, AccessVerdict: verdict, QuotaVerdict: qv}, nil
}

// resolveEscalation implements spec.md §4.4's ESCALATE path: open a
// broadcast approval flow keyed to the (user, scope) needing board
// sign-off, and re-evaluate Access once that flow resolves. A still-OPEN
// broadcast keeps the verdict at ESCALATE (the caller maps this to a wait
// directive); DENIED/TIMED_OUT/CANCELLED fail closed to DENY; APPROVED
// activates a scope override and re-runs Access.Evaluate so the gate
// proceeds in the same pass scenario S5 describes ("only after an APPROVE
// vote... re-evaluates access and proceeds").
func (g *GateEvaluator) resolveEscalation(ctx context.Context, req GateRequest) (access.Verdict, reason.Code, string, error) {
	if g.Broadcast == nil {
		return access.Escalate, reason.ApApprovalRequired, "board approval pending: no broadcaster configured", nil
	}

	broadcastID := escalationBroadcastID(req.UserID, req.RequiredScope)
	bc, err := g.Broadcast.Get(ctx, req.TenantID, broadcastID)
	if errors.Is(err, kernerr.ErrNotFound) {
		threshold := g.EscalationThreshold
		if threshold <= 0 {
			threshold = 1
		}
		if _, openErr := g.Broadcast.Open(ctx, req.TenantID, broadcastID, "access_escalation", req.UserID, threshold, "", int64(reason.ApApprovalRequired), broadcastID); openErr != nil {
			return access.Escalate, reason.ApApprovalRequired, "", openErr
		}
		return access.Escalate, reason.ApApprovalRequired, "board approval requested for scope " + req.RequiredScope, nil
	}
	if err != nil {
		return access.Escalate, reason.ApApprovalRequired, "", err
	}

	switch bc.Status {
	case broadcast.Approved:
		_, active, err := g.Access.ActiveOverride(ctx, req.TenantID, req.UserID, req.RequiredScope)
		if err != nil {
			return access.Escalate, reason.ApApprovalRequired, "", err
		}
		if !active {
			now := g.Clock.UnixNano()
			if _, err := g.Access.ActivateOverride(ctx, req.TenantID, req.UserID, broadcastID, req.RequiredScope, now, 0, int64(reason.AccessAllow), broadcastID+":override"); err != nil {
				return access.Escalate, reason.ApApprovalRequired, "", err
			}
		}
		verdict, code, detail := g.Access.Evaluate(ctx, req.TenantID, req.UserID, req.RequiredScope, g.Clock.UnixNano())
		return verdict, code, detail, nil
	case broadcast.Denied, broadcast.TimedOut, broadcast.Cancelled:
		return access.Deny, reason.AccessDeny, "board approval " + string(bc.Status) + " for scope " + req.RequiredScope, nil
	default:
		return access.Escalate, reason.ApApprovalRequired, "board approval pending for scope " + req.RequiredScope, nil
	}
}

// escalationBroadcastID deterministically scopes one access-escalation
// broadcast per (user, scope) so repeated ESCALATE evaluations collapse
// onto the same approval flow instead of opening duplicates.
func escalationBroadcastID(userID, scope string) string {
	return "access_escalation:" + userID + ":" + scope
}
