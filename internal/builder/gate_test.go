package builder_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SeleneOSv1/selene-os/internal/builder"
)

func passingChecks() map[builder.GateID]builder.GateCheck {
	checks := make(map[builder.GateID]builder.GateCheck, len(builder.AllGates))
	for _, g := range builder.AllGates {
		checks[g] = func(ctx context.Context, p builder.Proposal) (builder.GateVerdict, string, error) {
			return builder.GatePass, "ok", nil
		}
	}
	return checks
}

func TestRunAllRecordsOneRowPerGate(t *testing.T) {
	ctx := context.Background()
	db, clk := newDB(t)
	store, err := builder.NewGateStore(ctx, db, clk)
	require.NoError(t, err)

	p := builder.Proposal{ProposalID: "p-1", Class: builder.ClassA}
	outcomes, allPassed, err := store.RunAll(ctx, "t1", "p-1", p, passingChecks(), "run-1", 1)
	require.NoError(t, err)
	require.True(t, allPassed)
	require.Len(t, outcomes, len(builder.AllGates))

	for _, g := range builder.AllGates {
		o, err := store.Outcome(ctx, "t1", "p-1", g)
		require.NoError(t, err)
		require.Equal(t, builder.GatePass, o.Verdict)
	}
}

func TestRunAllReportsFailureWithoutShortCircuiting(t *testing.T) {
	ctx := context.Background()
	db, clk := newDB(t)
	store, err := builder.NewGateStore(ctx, db, clk)
	require.NoError(t, err)

	checks := passingChecks()
	checks[builder.GateTestsGreen] = func(ctx context.Context, p builder.Proposal) (builder.GateVerdict, string, error) {
		return builder.GateFail, "unit test regression", nil
	}

	p := builder.Proposal{ProposalID: "p-2", Class: builder.ClassA}
	outcomes, allPassed, err := store.RunAll(ctx, "t1", "p-2", p, checks, "run-2", 1)
	require.NoError(t, err)
	require.False(t, allPassed)
	require.Len(t, outcomes, len(builder.AllGates), "every gate must still record its own outcome row even when one gate fails")

	o, err := store.Outcome(ctx, "t1", "p-2", builder.GateAuditTraceability)
	require.NoError(t, err)
	require.Equal(t, builder.GatePass, o.Verdict, "gates after the failing one must still run")
}
