package simulation_test

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/SeleneOSv1/selene-os/internal/ledger"
	"github.com/SeleneOSv1/selene-os/internal/simulation"
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

func TestCommitRejectedWithoutPriorDraft(t *testing.T) {
	ctx := context.Background()
	db, clk := newDB(t)
	store, err := simulation.NewStore(ctx, db, clk)
	require.NoError(t, err)

	_, err = store.Commit(ctx, "t1", "wo-1", "idem-1", "did the thing", 1500)
	require.Error(t, err)
}

func TestDraftThenCommitSucceeds(t *testing.T) {
	ctx := context.Background()
	db, clk := newDB(t)
	store, err := simulation.NewStore(ctx, db, clk)
	require.NoError(t, err)

	_, err = store.Draft(ctx, "t1", "wo-1", "idem-1", "predicted effect", 1500)
	require.NoError(t, err)

	has, err := store.HasAcceptedDraft(ctx, "t1", "wo-1", "idem-1")
	require.NoError(t, err)
	require.True(t, has)

	_, err = store.Commit(ctx, "t1", "wo-1", "idem-1", "committed effect", 1500)
	require.NoError(t, err)

	has, err = store.HasAcceptedDraft(ctx, "t1", "wo-1", "idem-1")
	require.NoError(t, err)
	require.False(t, has, "a committed record is no longer an accepted draft")
}

func TestDuplicateCommitRejected(t *testing.T) {
	ctx := context.Background()
	db, clk := newDB(t)
	store, err := simulation.NewStore(ctx, db, clk)
	require.NoError(t, err)

	_, err = store.Draft(ctx, "t1", "wo-1", "idem-1", "predicted effect", 1500)
	require.NoError(t, err)
	_, err = store.Commit(ctx, "t1", "wo-1", "idem-1", "committed effect", 1500)
	require.NoError(t, err)

	_, err = store.Commit(ctx, "t1", "wo-1", "idem-1", "committed effect again", 1500)
	require.Error(t, err)
}

func TestEffectContainingPipeRoundTrips(t *testing.T) {
	ctx := context.Background()
	db, clk := newDB(t)
	store, err := simulation.NewStore(ctx, db, clk)
	require.NoError(t, err)

	_, err = store.Draft(ctx, "t1", "wo-1", "idem-1", "effect with | a pipe", 1500)
	require.NoError(t, err)

	has, err := store.HasAcceptedDraft(ctx, "t1", "wo-1", "idem-1")
	require.NoError(t, err)
	require.True(t, has)
}
