package policy_test

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/SeleneOSv1/selene-os/internal/ledger"
	"github.com/SeleneOSv1/selene-os/internal/policy"
	"github.com/SeleneOSv1/selene-os/internal/reason"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

func newDB(t *testing.T) (*sqlx.DB, *clock.Fixed) {
	t.Helper()
	db, err := ledger.OpenDB(":memory:", ledger.DefaultDBConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return db, clk
}

func TestEvaluateFailsClosedWithNoActiveSnapshot(t *testing.T) {
	ctx := context.Background()
	db, clk := newDB(t)
	gate, err := policy.NewGate(ctx, db, clk)
	require.NoError(t, err)

	ok, code, err := gate.Evaluate(ctx, "t1", "corr-1", "fp-1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, reason.PolicySnapshotInvalid, code)
}

func TestEvaluatePassesWithActiveSnapshotAndFreshPrompt(t *testing.T) {
	ctx := context.Background()
	db, clk := newDB(t)
	gate, err := policy.NewGate(ctx, db, clk)
	require.NoError(t, err)

	_, err = gate.ActivateSnapshot(ctx, "t1", "snap-1", 1, 1201, "activate-1")
	require.NoError(t, err)

	ok, _, err := gate.Evaluate(ctx, "t1", "corr-1", "fp-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateRefusesDuplicatePromptWithinCorrelation(t *testing.T) {
	ctx := context.Background()
	db, clk := newDB(t)
	gate, err := policy.NewGate(ctx, db, clk)
	require.NoError(t, err)

	_, err = gate.ActivateSnapshot(ctx, "t1", "snap-1", 1, 1201, "activate-1")
	require.NoError(t, err)

	ok, _, err := gate.Evaluate(ctx, "t1", "corr-1", "fp-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, code, err := gate.Evaluate(ctx, "t1", "corr-1", "fp-1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, reason.PolicyDuplicatePrompt, code)
}

func TestActivatingNewSnapshotSupersedesThePrior(t *testing.T) {
	ctx := context.Background()
	db, clk := newDB(t)
	gate, err := policy.NewGate(ctx, db, clk)
	require.NoError(t, err)

	_, err = gate.ActivateSnapshot(ctx, "t1", "snap-1", 1, 1201, "activate-1")
	require.NoError(t, err)
	_, err = gate.ActivateSnapshot(ctx, "t1", "snap-2", 2, 1201, "activate-2")
	require.NoError(t, err)

	snap, ok, err := gate.CurrentSnapshot(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "snap-2", snap.Ref)
	require.Equal(t, 2, snap.Version)
}
