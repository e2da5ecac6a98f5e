// Package simulation implements the DRAFT/COMMIT gate from spec.md §4.4:
// any state-changing side effect must first be dry-run as a DRAFT, and
// only a COMMIT sharing that DRAFT's idempotency key may then execute.
//
// Grounded on quantumlife-canon-core's internal/execution impl_inmem
// Simulator (CreateActionFromCommitment / SimulateExecution, "does NOT
// perform any real external writes"), generalized onto ledger.Family and
// split explicitly into the two-phase protocol spec.md names.
package simulation

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/SeleneOSv1/selene-os/internal/kernerr"
	"github.com/SeleneOSv1/selene-os/internal/ledger"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

// Phase is the simulation protocol phase recorded for one scoped
// idempotency key.
type Phase string

const (
	PhaseDraft     Phase = "DRAFT"
	PhaseCommitted Phase = "COMMITTED"
)

// Record is the current projection for one (work order, idempotency key)
// simulation lifecycle.
type Record struct {
	WorkOrderID    string
	IdempotencyKey string
	Phase          Phase
	PredictedEffect string
	CommittedEffect string
}

// Store owns the simulation ledger family.
type Store struct {
	family *ledger.Family
}

// NewStore opens the simulation ledger family.
func NewStore(ctx context.Context, db *sqlx.DB, clk clock.Clock) (*Store, error) {
	fam, err := ledger.Open(ctx, db, clk, "simulation")
	if err != nil {
		return nil, err
	}
	return &Store{family: fam}, nil
}

// Draft performs (records) a dry-run producing a predicted effect and a
// scoped idempotency key. The DRAFT never performs any real external
// write — predictedEffect is advisory data only.
func (s *Store) Draft(ctx context.Context, tenantID, workOrderID, idempotencyKey, predictedEffect string, reasonCode int64) (ledger.AppendResult, error) {
	rec := Record{WorkOrderID: workOrderID, IdempotencyKey: idempotencyKey, Phase: PhaseDraft, PredictedEffect: predictedEffect}
	scope := scopeKey(workOrderID, idempotencyKey)
	return s.family.Append(ctx, tenantID, scope, "DRAFT", encode(rec), reasonCode, "draft:"+idempotencyKey, fold)
}

// Commit executes the effect, sharing the DRAFT's idempotency key so
// replays collapse to the original commit. Commit is rejected outright if
// no accepted DRAFT exists for the same (work order, idempotency key)
// scope — spec.md Testable Property 8.
func (s *Store) Commit(ctx context.Context, tenantID, workOrderID, idempotencyKey, committedEffect string, reasonCode int64) (ledger.AppendResult, error) {
	scope := scopeKey(workOrderID, idempotencyKey)
	payload, _, ok, err := s.family.ReadCurrent(ctx, tenantID, scope)
	if err != nil {
		return ledger.AppendResult{}, err
	}
	if !ok {
		return ledger.AppendResult{}, fmt.Errorf("simulation: %w", kernerr.ErrNoDraft)
	}
	rec := decode(payload)
	if rec.Phase != PhaseDraft {
		return ledger.AppendResult{}, fmt.Errorf("simulation: %w: already committed", kernerr.ErrDuplicateSideEffect)
	}
	rec.Phase = PhaseCommitted
	rec.CommittedEffect = committedEffect
	return s.family.Append(ctx, tenantID, scope, "COMMIT", encode(rec), reasonCode, "commit:"+idempotencyKey, fold)
}

// HasAcceptedDraft reports whether a DRAFT (not yet committed) exists for
// the given scope — used by the orchestrator to gate dispatch directives.
func (s *Store) HasAcceptedDraft(ctx context.Context, tenantID, workOrderID, idempotencyKey string) (bool, error) {
	payload, _, ok, err := s.family.ReadCurrent(ctx, tenantID, scopeKey(workOrderID, idempotencyKey))
	if err != nil || !ok {
		return false, err
	}
	return decode(payload).Phase == PhaseDraft, nil
}

func scopeKey(workOrderID, idempotencyKey string) string { return workOrderID + ":" + idempotencyKey }

func encode(r Record) string {
	return fmt.Sprintf("simulation|wo:%s|idem:%s|phase:%s|predicted:%s|committed:%s",
		r.WorkOrderID, r.IdempotencyKey, r.Phase, escape(r.PredictedEffect), escape(r.CommittedEffect))
}

func decode(payload string) Record {
	r := Record{}
	var parts []string
	start := 0
	for i := 0; i < len(payload); i++ {
		if payload[i] == '|' && (i == 0 || payload[i-1] != '\\') {
			parts = append(parts, payload[start:i])
			start = i + 1
		}
	}
	parts = append(parts, payload[start:])
	for _, part := range parts {
		switch {
		case strings.HasPrefix(part, "wo:"):
			r.WorkOrderID = part[3:]
		case strings.HasPrefix(part, "idem:"):
			r.IdempotencyKey = part[len("idem:"):]
		case strings.HasPrefix(part, "phase:"):
			r.Phase = Phase(part[len("phase:"):])
		case strings.HasPrefix(part, "predicted:"):
			r.PredictedEffect = unescape(part[len("predicted:"):])
		case strings.HasPrefix(part, "committed:"):
			r.CommittedEffect = unescape(part[len("committed:"):])
		}
	}
	return r
}

func fold(current *string, ev ledger.Event) (string, error) { return ev.Payload, nil }

func escape(s string) string   { return strings.ReplaceAll(s, "|", "\\|") }
func unescape(s string) string { return strings.ReplaceAll(s, "\\|", "|") }
