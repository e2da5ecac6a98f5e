package orchestrator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/SeleneOSv1/selene-os/internal/audit"
	"github.com/SeleneOSv1/selene-os/internal/kernerr"
	"github.com/SeleneOSv1/selene-os/internal/reason"
	"github.com/SeleneOSv1/selene-os/internal/simulation"
)

// Orchestrator ties the Always-On chain, the Turn-Optional chain, the
// mandatory gate order, and Decision Compute into one per-turn pipeline.
//
// Grounded on quantumlife-canon-core's internal/orchestrator.LoopOrchestrator
// (a single struct holding every layer collaborator and a ProcessX
// entrypoint run once per inbound event).
type Orchestrator struct {
	Gates      *GateEvaluator
	Simulation *simulation.Store
	Audit      *audit.Emitter
	Scorer     *UtilityScorer
	Budget     Budget
	Log        zerolog.Logger
}

// New wires an Orchestrator from its collaborators.
func New(gates *GateEvaluator, sim *simulation.Store, aud *audit.Emitter, scorer *UtilityScorer, budget Budget, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{Gates: gates, Simulation: sim, Audit: aud, Scorer: scorer, Budget: budget, Log: log.With().Str("component", "orchestrator").Logger()}
}

// TurnResult is everything ProcessTurn produces for one turn.
type TurnResult struct {
	Decision        Decision
	AlwaysOnOutcomes []EngineOutcome
	OptionalOutcomes []EngineOutcome
	Gate            GateOutcome
}

// ProcessTurn runs one full turn: Always-On chain, mandatory gate order,
// Turn-Optional chain, then Decision Compute. Audit events are scoped to
// the turn's correlation id: an Always-On failure emits ALWAYS_ON_FAILED,
// a gate refusal emits GATE_REFUSED and then the DECISION event, and every
// other turn that reaches Decision Compute emits one DECISION event. An
// error from the gates, the Turn-Optional chain or the simulation lookup
// is returned without an audit event.
func (o *Orchestrator) ProcessTurn(ctx context.Context, turn TurnContext, alwaysOn []Engine, optional []OptionalEngine, req GateRequest, intent Intent) (TurnResult, error) {
	if turn.CorrelationID == "" || turn.TurnID == "" {
		return TurnResult{}, fmt.Errorf("orchestrator: %w: correlation_id and turn_id required", kernerr.ErrMissingField)
	}

	aoOutcomes, err := RunAlwaysOn(ctx, alwaysOn, turn)
	if err != nil {
		o.emitAudit(ctx, turn, "ALWAYS_ON_FAILED", reason.RuntimeBoundaryViolation, err.Error())
		return TurnResult{AlwaysOnOutcomes: aoOutcomes}, err
	}

	gateOut, err := o.Gates.Evaluate(ctx, req)
	if err != nil {
		return TurnResult{AlwaysOnOutcomes: aoOutcomes}, err
	}
	if gateOut.Refused {
		o.emitAudit(ctx, turn, "GATE_REFUSED:"+gateOut.RefusedAt, gateOut.ReasonCode, gateOut.Detail)
	}

	var optOutcomes []EngineOutcome
	if !gateOut.Refused {
		optOutcomes, err = RunTurnOptional(ctx, optional, turn, o.Budget)
		if err != nil {
			return TurnResult{AlwaysOnOutcomes: aoOutcomes, Gate: gateOut}, err
		}
		if o.Scorer != nil {
			for _, out := range optOutcomes {
				o.Scorer.Record(windowFromOutcome(out))
			}
		}
	}

	hasDraft := false
	if !gateOut.Refused && req.WorkOrderID != "" && req.IdempotencyKey != "" {
		hasDraft, err = o.Simulation.HasAcceptedDraft(ctx, req.TenantID, req.WorkOrderID, req.IdempotencyKey)
		if err != nil {
			return TurnResult{AlwaysOnOutcomes: aoOutcomes, OptionalOutcomes: optOutcomes, Gate: gateOut}, err
		}
	}

	decision := Compute(gateOut, intent, hasDraft)
	o.emitAudit(ctx, turn, "DECISION:"+string(decision.Directive), decision.ReasonCode, "")

	return TurnResult{
		Decision:         decision,
		AlwaysOnOutcomes: aoOutcomes,
		OptionalOutcomes: optOutcomes,
		Gate:             gateOut,
	}, nil
}

func (o *Orchestrator) emitAudit(ctx context.Context, turn TurnContext, eventType string, code reason.Code, detail string) {
	if o.Audit == nil {
		return
	}
	rc := int64(code)
	if rc <= 0 {
		rc = int64(reason.RuntimeBoundaryViolation)
	}
	ev := audit.Event{
		EventType:     eventType,
		TenantID:      turn.TenantID,
		CorrelationID: turn.CorrelationID,
		PayloadMin:    detail,
		ReasonCode:    rc,
	}
	idemKey := turn.TurnID + ":" + eventType
	if _, err := o.Audit.Emit(ctx, ev, idemKey); err != nil {
		o.Log.Error().Err(err).Str("event_type", eventType).Str("turn_id", turn.TurnID).Msg("turn audit emit failed")
	}
}

func windowFromOutcome(out EngineOutcome) UtilityWindow {
	w := UtilityWindow{EngineID: out.EngineID, Invocations: 1, DecisionDeltaSum: out.DecisionDelta, LatencyMsP95: float64(out.LatencyCostMs), LatencyMsP99: float64(out.LatencyCostMs)}
	switch out.ActionClass {
	case ActNow:
		w.ActNowCount = 1
	case QueueLearn:
		w.QueueLearnCount = 1
	case AuditOnly, Drop:
		w.NoValueCount = 1
	}
	return w
}
