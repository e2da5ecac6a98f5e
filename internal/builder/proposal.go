// Package builder implements the Builder Release Controller (spec.md
// §4.5): an offline pipeline that turns learning/metrics signals into
// patch proposals, validates them through ten fixed gates, requires
// human approval scaled to change class, and advances a release through
// fixed rollout stages gated on fresh post-deploy judge evidence.
//
// Grounded on the same ledger.Family + runtime transition map idiom used
// by every other domain package, generalizing quantumlife-canon-core's
// phase-14/15 "policy learning" observe-aggregate-flag pattern
// (internal/preflearn) from a single in-process loop into an
// auditable, multi-stage release pipeline.
package builder

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

// ChangeClass determines the required-approvals arithmetic for a proposal.
type ChangeClass string

const (
	ClassA ChangeClass = "A" // low risk
	ClassB ChangeClass = "B" // medium risk
	ClassC ChangeClass = "C" // high risk: any access/authority/simulation change
)

// RequiredApprovals returns the number of distinct approvals a proposal of
// this class needs before it may advance PENDING->APPROVED.
func (c ChangeClass) RequiredApprovals() int {
	switch c {
	case ClassA:
		return 0
	case ClassB:
		return 1
	case ClassC:
		return 2
	default:
		return 2 // unknown class fails closed to the strictest requirement
	}
}

// TouchesAuthoritySurface forces reclassification to ClassC regardless of
// the caller's requested class — any change touching access, gate order,
// or simulation semantics is always high risk.
func TouchesAuthoritySurface(touchesAccess, touchesGateOrder, touchesSimulation bool) bool {
	return touchesAccess || touchesGateOrder || touchesSimulation
}

// ProposalStatus is the patch proposal's lifecycle state.
type ProposalStatus string

const (
	ProposalDraft     ProposalStatus = "DRAFT"
	ProposalValidated ProposalStatus = "VALIDATED"
	ProposalApproved  ProposalStatus = "APPROVED"
	ProposalReleased  ProposalStatus = "RELEASED"
	ProposalReverted  ProposalStatus = "REVERTED"
)

var proposalTransitions = map[ProposalStatus]map[ProposalStatus]bool{
	ProposalDraft:     {ProposalValidated: true},
	ProposalValidated: {ProposalApproved: true},
	ProposalApproved:  {ProposalReleased: true},
	ProposalReleased:  {ProposalReverted: true},
}

// Proposal is the current projection for one patch proposal.
type Proposal struct {
	ProposalID string
	Class      ChangeClass
	Status     ProposalStatus
	Approvals  int

	// EvidenceReportID/EvidenceEngines/EvidenceSignalCount are required
	// whenever the proposal derives from learning engine outputs; a
	// proposal that sets some but not all three of them is treated as
	// missing evidence by RecordApproval (HasEvidenceRefs without
	// EvidenceComplete).
	EvidenceReportID    string
	EvidenceEngines     string // comma-joined source engine names
	EvidenceSignalCount int
}

// HasEvidenceRefs reports whether the proposal cites learning-bridge
// evidence at all (proposals authored directly by a human operator are
// not required to).
func (p Proposal) HasEvidenceRefs() bool {
	return p.EvidenceReportID != "" || p.EvidenceEngines != "" || p.EvidenceSignalCount > 0
}

// EvidenceComplete reports whether a proposal that claims learning-bridge
// provenance cites all three required fields.
func (p Proposal) EvidenceComplete() bool {
	return p.EvidenceReportID != "" && p.EvidenceEngines != "" && p.EvidenceSignalCount > 0
}

// ProposalStore owns the patch-proposal ledger family.
type ProposalStore struct {
	family *ledger.Family
}

// NewProposalStore opens the proposal ledger family.
func NewProposalStore(ctx context.Context, db *sqlx.DB, clk clock.Clock) (*ProposalStore, error) {
	fam, err := ledger.Open(ctx, db, clk, "builder_proposal")
	if err != nil {
		return nil, err
	}
	return &ProposalStore{family: fam}, nil
}

// Draft appends the DRAFT event opening a new proposal. If touchesAccess,
// touchesGateOrder, or touchesSimulation is set, class is forcibly
// reclassified to ClassC regardless of the requested class.
func (s *ProposalStore) Draft(ctx context.Context, tenantID, proposalID string, class ChangeClass, touchesAccess, touchesGateOrder, touchesSimulation bool, evidenceReportID, evidenceEngines string, evidenceSignalCount int, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	if TouchesAuthoritySurface(touchesAccess, touchesGateOrder, touchesSimulation) {
		class = ClassC
	}
	p := Proposal{
		ProposalID: proposalID, Class: class, Status: ProposalDraft,
		EvidenceReportID: evidenceReportID, EvidenceEngines: evidenceEngines, EvidenceSignalCount: evidenceSignalCount,
	}
	return s.family.Append(ctx, tenantID, proposalID, "DRAFTED", encodeProposal(p), reasonCode, idempotencyKey, proposalFold)
}

// MarkValidated appends a VALIDATED event once all BLD-G1..G10 gates have
// recorded a passing outcome row (see GateStore.RunAll). It does not
// itself check the gates — callers must consult GateStore first.
func (s *ProposalStore) MarkValidated(ctx context.Context, tenantID, proposalID string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	return s.transitionTo(ctx, tenantID, proposalID, ProposalValidated, "VALIDATED", reasonCode, idempotencyKey)
}

// RecordApproval appends an APPROVAL event, incrementing the proposal's
// approval count, and transitions to APPROVED once the count reaches the
// class's required threshold. Proposals claiming learning-bridge
// provenance that are missing complete evidence refs are rejected
// outright (§4.5 "Learning bridge").
func (s *ProposalStore) RecordApproval(ctx context.Context, tenantID, proposalID string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	cur, err := s.Get(ctx, tenantID, proposalID)
	if err != nil {
		return ledger.AppendResult{}, err
	}
	if cur.Status != ProposalValidated && cur.Status != ProposalDraft {
		return ledger.AppendResult{}, fmt.Errorf("builder: %w: proposal %s is not awaiting approval", kernerr.ErrMalformedInput, proposalID)
	}
	if cur.HasEvidenceRefs() && !cur.EvidenceComplete() {
		return ledger.AppendResult{}, fmt.Errorf("builder: %w: proposal %s cites partial learning-bridge evidence", kernerr.ErrMalformedInput, proposalID)
	}

	cur.Approvals++
	eventType := "APPROVAL_RECORDED"
	if cur.Approvals >= cur.Class.RequiredApprovals() {
		cur.Status = ProposalApproved
		eventType = "APPROVED"
	}
	return s.family.Append(ctx, tenantID, proposalID, eventType, encodeProposal(cur), reasonCode, idempotencyKey, proposalFold)
}

// MarkReleased appends a RELEASED event once the release controller has
// reached PRODUCTION for this proposal.
func (s *ProposalStore) MarkReleased(ctx context.Context, tenantID, proposalID string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	return s.transitionTo(ctx, tenantID, proposalID, ProposalReleased, "RELEASED", reasonCode, idempotencyKey)
}

// MarkReverted appends a REVERTED event, following an automatic or
// manual rollback.
func (s *ProposalStore) MarkReverted(ctx context.Context, tenantID, proposalID string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	return s.transitionTo(ctx, tenantID, proposalID, ProposalReverted, "REVERTED", reasonCode, idempotencyKey)
}

func (s *ProposalStore) transitionTo(ctx context.Context, tenantID, proposalID string, to ProposalStatus, eventType string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	cur, err := s.Get(ctx, tenantID, proposalID)
	if err != nil {
		return ledger.AppendResult{}, err
	}
	if !proposalTransitions[cur.Status][to] {
		return ledger.AppendResult{}, fmt.Errorf("builder: %w: proposal %s -> %s not legal from %s", kernerr.ErrMalformedInput, proposalID, to, cur.Status)
	}
	cur.Status = to
	return s.family.Append(ctx, tenantID, proposalID, eventType, encodeProposal(cur), reasonCode, idempotencyKey, proposalFold)
}

// Get returns the current projection for a proposal.
func (s *ProposalStore) Get(ctx context.Context, tenantID, proposalID string) (Proposal, error) {
	payload, _, ok, err := s.family.ReadCurrent(ctx, tenantID, proposalID)
	if err != nil {
		return Proposal{}, err
	}
	if !ok {
		return Proposal{}, kernerr.ErrNotFound
	}
	return decodeProposal(payload), nil
}

func encodeProposal(p Proposal) string {
	return fmt.Sprintf("proposal|id:%s|class:%s|status:%s|approvals:%d|evidence_report:%s|evidence_engines:%s|evidence_signals:%d",
		p.ProposalID, p.Class, p.Status, p.Approvals, p.EvidenceReportID, p.EvidenceEngines, p.EvidenceSignalCount)
}

func decodeProposal(payload string) Proposal {
	p := Proposal{}
	for _, part := range strings.Split(payload, "|") {
		switch {
		case strings.HasPrefix(part, "id:"):
			p.ProposalID = part[3:]
		case strings.HasPrefix(part, "class:"):
			p.Class = ChangeClass(part[len("class:"):])
		case strings.HasPrefix(part, "status:"):
			p.Status = ProposalStatus(part[len("status:"):])
		case strings.HasPrefix(part, "approvals:"):
			v, _ := strconv.Atoi(part[len("approvals:"):])
			p.Approvals = v
		case strings.HasPrefix(part, "evidence_report:"):
			p.EvidenceReportID = part[len("evidence_report:"):]
		case strings.HasPrefix(part, "evidence_engines:"):
			p.EvidenceEngines = part[len("evidence_engines:"):]
		case strings.HasPrefix(part, "evidence_signals:"):
			v, _ := strconv.Atoi(part[len("evidence_signals:"):])
			p.EvidenceSignalCount = v
		}
	}
	return p
}

func proposalFold(_ *string, ev ledger.Event) (string, error) { return ev.Payload, nil }
