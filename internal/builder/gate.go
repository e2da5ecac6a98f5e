package builder

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/SeleneOSv1/selene-os/internal/kernerr"
	"github.com/SeleneOSv1/selene-os/internal/ledger"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

// GateID names one of the ten fixed validation gates a proposal must pass
// before it can be marked VALIDATED (spec.md §4.5).
type GateID string

const (
	GateReproducibleDiff  GateID = "BLD-G1"
	GateTestsGreen        GateID = "BLD-G2"
	GateContractGuardrail GateID = "BLD-G3"
	GateOwnershipOrder    GateID = "BLD-G4"
	GateRuntimeBoundary   GateID = "BLD-G5"
	GateDeliveryIdempo    GateID = "BLD-G6"
	GateMigrationSafety   GateID = "BLD-G7"
	GateSecurityPrivacy   GateID = "BLD-G8"
	GateLatencyGuard      GateID = "BLD-G9"
	GateAuditTraceability GateID = "BLD-G10"
)

// AllGates is the fixed, ordered set every proposal must clear.
var AllGates = []GateID{
	GateReproducibleDiff, GateTestsGreen, GateContractGuardrail, GateOwnershipOrder,
	GateRuntimeBoundary, GateDeliveryIdempo, GateMigrationSafety, GateSecurityPrivacy,
	GateLatencyGuard, GateAuditTraceability,
}

// GateVerdict is the outcome of one gate check.
type GateVerdict string

const (
	GatePass GateVerdict = "PASS"
	GateFail GateVerdict = "FAIL"
)

// GateOutcome is one gate's result, recorded as its own row tied to the
// proposal (spec.md §4.5 "Each gate yields an outcome row tied to the
// proposal").
type GateOutcome struct {
	ProposalID string
	Gate       GateID
	Verdict    GateVerdict
	Detail     string
}

// GateCheck evaluates one gate against a proposal and returns its verdict.
// Real checks (diff reproducibility, CI test status, ...) live outside
// this package; GateCheck is the seam a caller plugs them in through.
type GateCheck func(ctx context.Context, p Proposal) (GateVerdict, string, error)

// GateStore records gate outcome rows. Unlike the other domain stores,
// a gate outcome is immutable once appended (a gate is re-run under a
// fresh idempotency key, never edited in place), so this store has no
// transition map — it is an append-and-list ledger.
type GateStore struct {
	family *ledger.Family
}

// NewGateStore opens the gate-outcome ledger family.
func NewGateStore(ctx context.Context, db *sqlx.DB, clk clock.Clock) (*GateStore, error) {
	fam, err := ledger.Open(ctx, db, clk, "builder_gate")
	if err != nil {
		return nil, err
	}
	return &GateStore{family: fam}, nil
}

// Record appends one gate's outcome row, scoped to (proposal, gate) so a
// retried check under the same idempotency key collapses to the
// original verdict rather than appending a duplicate.
func (s *GateStore) Record(ctx context.Context, tenantID, proposalID string, gate GateID, verdict GateVerdict, detail string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	scope := proposalID + ":" + string(gate)
	o := GateOutcome{ProposalID: proposalID, Gate: gate, Verdict: verdict, Detail: detail}
	return s.family.Append(ctx, tenantID, scope, "GATE_"+string(verdict), encodeGateOutcome(o), reasonCode, idempotencyKey, gateFold)
}

// Outcome returns the latest recorded outcome for (proposal, gate), or
// kernerr.ErrNotFound if the gate has never run.
func (s *GateStore) Outcome(ctx context.Context, tenantID, proposalID string, gate GateID) (GateOutcome, error) {
	scope := proposalID + ":" + string(gate)
	payload, _, ok, err := s.family.ReadCurrent(ctx, tenantID, scope)
	if err != nil {
		return GateOutcome{}, err
	}
	if !ok {
		return GateOutcome{}, kernerr.ErrNotFound
	}
	return decodeGateOutcome(payload), nil
}

// RunAll evaluates every gate in AllGates against p using checks, recording
// each outcome. It returns the outcomes and whether every gate passed; a
// failing gate is reported through that bool, not as an error. An error is
// returned only when a gate has no registered check, a check itself
// errors, or recording an outcome fails. Validation does
// not short-circuit on the first failure, since every gate's own row is
// required for audit traceability (BLD-G10) regardless of overall result.
func (s *GateStore) RunAll(ctx context.Context, tenantID, proposalID string, p Proposal, checks map[GateID]GateCheck, idempotencyPrefix string, reasonCode int64) ([]GateOutcome, bool, error) {
	outcomes := make([]GateOutcome, 0, len(AllGates))
	allPassed := true
	for _, g := range AllGates {
		check, ok := checks[g]
		if !ok {
			return outcomes, false, fmt.Errorf("builder: %w: no check registered for gate %s", kernerr.ErrMalformedInput, g)
		}
		verdict, detail, err := check(ctx, p)
		if err != nil {
			return outcomes, false, fmt.Errorf("builder: gate %s: %w", g, err)
		}
		if verdict != GatePass {
			allPassed = false
		}
		if _, err := s.Record(ctx, tenantID, proposalID, g, verdict, detail, reasonCode, idempotencyPrefix+":"+string(g)); err != nil {
			return outcomes, false, err
		}
		outcomes = append(outcomes, GateOutcome{ProposalID: proposalID, Gate: g, Verdict: verdict, Detail: detail})
	}
	return outcomes, allPassed, nil
}

func encodeGateOutcome(o GateOutcome) string {
	return fmt.Sprintf("gate_outcome|proposal:%s|gate:%s|verdict:%s|detail:%s", o.ProposalID, o.Gate, o.Verdict, escapePipes(o.Detail))
}

func decodeGateOutcome(payload string) GateOutcome {
	o := GateOutcome{}
	for _, part := range strings.Split(payload, "|") {
		switch {
		case strings.HasPrefix(part, "proposal:"):
			o.ProposalID = part[len("proposal:"):]
		case strings.HasPrefix(part, "gate:"):
			o.Gate = GateID(part[len("gate:"):])
		case strings.HasPrefix(part, "verdict:"):
			o.Verdict = GateVerdict(part[len("verdict:"):])
		case strings.HasPrefix(part, "detail:"):
			o.Detail = unescapePipes(part[len("detail:"):])
		}
	}
	return o
}

func gateFold(_ *string, ev ledger.Event) (string, error) { return ev.Payload, nil }

func escapePipes(s string) string   { return strings.ReplaceAll(s, "|", "\\|") }
func unescapePipes(s string) string { return strings.ReplaceAll(s, "\\|", "|") }
