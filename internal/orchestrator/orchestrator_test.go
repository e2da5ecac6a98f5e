package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/SeleneOSv1/selene-os/internal/access"
	"github.com/SeleneOSv1/selene-os/internal/audit"
	"github.com/SeleneOSv1/selene-os/internal/broadcast"
	"github.com/SeleneOSv1/selene-os/internal/ledger"
	"github.com/SeleneOSv1/selene-os/internal/orchestrator"
	"github.com/SeleneOSv1/selene-os/internal/policy"
	"github.com/SeleneOSv1/selene-os/internal/quota"
	"github.com/SeleneOSv1/selene-os/internal/reason"
	"github.com/SeleneOSv1/selene-os/internal/simulation"
	"github.com/SeleneOSv1/selene-os/internal/workorder"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

type stubEngine struct {
	id   string
	tier orchestrator.Tier
	out  orchestrator.EngineOutcome
	err  error
}

func (s stubEngine) ID() string          { return s.id }
func (s stubEngine) Tier() orchestrator.Tier { return s.tier }
func (s stubEngine) Invoke(ctx context.Context, turn orchestrator.TurnContext) (orchestrator.EngineOutcome, error) {
	return s.out, s.err
}

func newHarness(t *testing.T) (*orchestrator.Orchestrator, string, string) {
	t.Helper()
	ctx := context.Background()
	db, err := ledger.OpenDB(":memory:", ledger.DefaultDBConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	accessStore, err := access.NewStore(ctx, db, clk)
	require.NoError(t, err)
	_, err = accessStore.Issue(ctx, "t1", "u1", access.Active, "snap-1", int64(reason.AccessAllow), "issue-1")
	require.NoError(t, err)

	policyGate, err := policy.NewGate(ctx, db, clk)
	require.NoError(t, err)
	_, err = policyGate.ActivateSnapshot(ctx, "t1", "snap-1", 1, int64(reason.PolicyDuplicatePrompt), "activate-1")
	require.NoError(t, err)

	leaseStore, err := workorder.NewLeaseStore(ctx, db, clk, []byte("pepper"))
	require.NoError(t, err)

	quotaLane := quota.NewLane(nil, 1000, 1000, 0)

	simStore, err := simulation.NewStore(ctx, db, clk)
	require.NoError(t, err)

	board, err := broadcast.NewBoard(ctx, db, clk)
	require.NoError(t, err)

	gates := orchestrator.NewGateEvaluator(accessStore, policyGate, leaseStore, quotaLane, simStore, clk, board)

	auditOwners := map[string]string{"workorder": "orchestrator"}
	log := zerolog.Nop()
	emitter, err := audit.NewEmitter(ctx, db, clk, log, auditOwners)
	require.NoError(t, err)

	o := orchestrator.New(gates, simStore, emitter, nil, orchestrator.Budget{MaxEngines: 4, MaxLatency: time.Second}, log)
	return o, "t1", "u1"
}

func textTurn(correlation string) orchestrator.TurnContext {
	return orchestrator.TurnContext{
		TenantID: "t1", UserID: "u1", CorrelationID: correlation, TurnID: correlation,
		Modality: orchestrator.ModalityText, Payload: "hello",
	}
}

func validOutcome(id string, class orchestrator.ActionClass, turn orchestrator.TurnContext) orchestrator.EngineOutcome {
	return orchestrator.EngineOutcome{
		EngineID: id, OutcomeType: "ok", CorrelationID: turn.CorrelationID, TurnID: turn.TurnID,
		ActionClass: class,
	}
}

func textAlwaysOn(turn orchestrator.TurnContext) []orchestrator.Engine {
	ids := orchestrator.CanonicalAlwaysOnPath(orchestrator.ModalityText)
	engines := make([]orchestrator.Engine, len(ids))
	for i, id := range ids {
		engines[i] = stubEngine{id: id, tier: orchestrator.TierAlwaysOn, out: validOutcome(id, orchestrator.AuditOnly, turn)}
	}
	return engines
}

// TestProcessTurnHappyDispatch implements spec.md §8 scenario S1: a
// well-formed turn with no missing fields and an accepted simulation
// DRAFT dispatches.
func TestProcessTurnHappyDispatch(t *testing.T) {
	ctx := context.Background()
	o, tenant, user := newHarness(t)
	turn := textTurn("corr-1")

	_, err := o.Simulation.Draft(ctx, tenant, "wo-1", "idem-1", "predicted effect", int64(reason.SimulationDraftMissing))
	require.NoError(t, err)

	req := orchestrator.GateRequest{
		TenantID: tenant, UserID: user, CorrelationID: turn.CorrelationID, RequiredScope: "default",
		PromptFingerprint: "fp-1", WorkOrderID: "wo-1", LeaseOwner: "owner-a", LeaseTTL: time.Minute,
		IdempotencyKey: "idem-1",
	}
	intent := orchestrator.Intent{SuggestedAction: "dispatch"}

	result, err := o.ProcessTurn(ctx, turn, textAlwaysOn(turn), nil, req, intent)
	require.NoError(t, err)
	require.False(t, result.Gate.Refused)
	require.Equal(t, orchestrator.DirectiveDispatch, result.Decision.Directive)
}

// TestProcessTurnMissingFieldClarifies implements spec.md §8 scenario S3.
func TestProcessTurnMissingFieldClarifies(t *testing.T) {
	ctx := context.Background()
	o, tenant, user := newHarness(t)
	turn := textTurn("corr-2")

	req := orchestrator.GateRequest{
		TenantID: tenant, UserID: user, CorrelationID: turn.CorrelationID, RequiredScope: "default",
		PromptFingerprint: "fp-2",
	}
	intent := orchestrator.Intent{RequiredFieldsMissing: []string{"destination"}}

	result, err := o.ProcessTurn(ctx, turn, textAlwaysOn(turn), nil, req, intent)
	require.NoError(t, err)
	require.Equal(t, orchestrator.DirectiveClarify, result.Decision.Directive)
	require.Equal(t, reason.NeedsClarify, result.Decision.ReasonCode)
}

// TestGateEvaluatorAccessEscalates implements spec.md §8 scenario S5: a
// RESTRICTED instance with no matching override escalates rather than
// resolving to a bare deny.
func TestGateEvaluatorAccessEscalates(t *testing.T) {
	ctx := context.Background()
	db, err := ledger.OpenDB(":memory:", ledger.DefaultDBConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	accessStore, err := access.NewStore(ctx, db, clk)
	require.NoError(t, err)
	_, err = accessStore.Issue(ctx, "t1", "restricted-user", access.Restricted, "snap-1", int64(reason.AccessAllow), "issue-restricted")
	require.NoError(t, err)

	policyGate, err := policy.NewGate(ctx, db, clk)
	require.NoError(t, err)
	leaseStore, err := workorder.NewLeaseStore(ctx, db, clk, []byte("pepper"))
	require.NoError(t, err)
	simStore, err := simulation.NewStore(ctx, db, clk)
	require.NoError(t, err)
	quotaLane := quota.NewLane(nil, 1000, 1000, 0)
	board, err := broadcast.NewBoard(ctx, db, clk)
	require.NoError(t, err)

	gates := orchestrator.NewGateEvaluator(accessStore, policyGate, leaseStore, quotaLane, simStore, clk, board)
	outcome, err := gates.Evaluate(ctx, orchestrator.GateRequest{
		TenantID: "t1", UserID: "restricted-user", CorrelationID: "corr-3", RequiredScope: "default",
	})
	require.NoError(t, err)
	require.True(t, outcome.Refused)
	require.Equal(t, "access", outcome.RefusedAt)
	require.Equal(t, access.Escalate, outcome.AccessVerdict)
	require.Equal(t, reason.ApApprovalRequired, outcome.ReasonCode)

	bc, err := board.Get(ctx, "t1", "access_escalation:restricted-user:default")
	require.NoError(t, err)
	require.Equal(t, broadcast.Open, bc.Status)
}

// TestGateEvaluatorAccessEscalationApproveReevaluates implements the rest
// of spec.md §8 scenario S5: once the board-policy vote approves the
// broadcast the ESCALATE path opened, the gate re-evaluates access and
// proceeds instead of staying refused.
func TestGateEvaluatorAccessEscalationApproveReevaluates(t *testing.T) {
	ctx := context.Background()
	db, err := ledger.OpenDB(":memory:", ledger.DefaultDBConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	accessStore, err := access.NewStore(ctx, db, clk)
	require.NoError(t, err)
	_, err = accessStore.Issue(ctx, "t1", "restricted-user", access.Restricted, "snap-1", int64(reason.AccessAllow), "issue-restricted")
	require.NoError(t, err)

	policyGate, err := policy.NewGate(ctx, db, clk)
	require.NoError(t, err)
	_, err = policyGate.ActivateSnapshot(ctx, "t1", "snap-1", 1, int64(reason.PolicyDuplicatePrompt), "activate-1")
	require.NoError(t, err)
	leaseStore, err := workorder.NewLeaseStore(ctx, db, clk, []byte("pepper"))
	require.NoError(t, err)
	simStore, err := simulation.NewStore(ctx, db, clk)
	require.NoError(t, err)
	quotaLane := quota.NewLane(nil, 1000, 1000, 0)
	board, err := broadcast.NewBoard(ctx, db, clk)
	require.NoError(t, err)

	gates := orchestrator.NewGateEvaluator(accessStore, policyGate, leaseStore, quotaLane, simStore, clk, board)
	req := orchestrator.GateRequest{
		TenantID: "t1", UserID: "restricted-user", CorrelationID: "corr-5", RequiredScope: "default", PromptFingerprint: "fp-5",
	}

	first, err := gates.Evaluate(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Refused)
	require.Equal(t, access.Escalate, first.AccessVerdict)

	_, err = board.Cast(ctx, "t1", "access_escalation:restricted-user:default", "board-owner", broadcast.VoteApprove, int64(reason.ApApprovalRequired), "vote-1")
	require.NoError(t, err)

	second, err := gates.Evaluate(ctx, req)
	require.NoError(t, err)
	require.False(t, second.Refused)
	require.Equal(t, access.Allow, second.AccessVerdict)
}

func TestRunAlwaysOnRejectsWrongOrder(t *testing.T) {
	turn := textTurn("corr-4")
	wrong := []orchestrator.Engine{
		stubEngine{id: "nlp", tier: orchestrator.TierAlwaysOn, out: validOutcome("nlp", orchestrator.AuditOnly, turn)},
		stubEngine{id: "ingress", tier: orchestrator.TierAlwaysOn, out: validOutcome("ingress", orchestrator.AuditOnly, turn)},
		stubEngine{id: "policy", tier: orchestrator.TierAlwaysOn, out: validOutcome("policy", orchestrator.AuditOnly, turn)},
		stubEngine{id: "decision", tier: orchestrator.TierAlwaysOn, out: validOutcome("decision", orchestrator.AuditOnly, turn)},
	}
	_, err := orchestrator.RunAlwaysOn(context.Background(), wrong, turn)
	require.Error(t, err)
}
