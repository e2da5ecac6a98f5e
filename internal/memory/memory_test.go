package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SeleneOSv1/selene-os/internal/ledger"
	"github.com/SeleneOSv1/selene-os/internal/memory"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	db, err := ledger.OpenDB(":memory:", ledger.DefaultDBConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store, err := memory.NewStore(context.Background(), db, clk)
	require.NoError(t, err)
	return store
}

func TestStoreThenUpdate(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	_, err := store.Store(ctx, "t1", "u1", "favorite_color", "blue", 1, "store-1")
	require.NoError(t, err)

	rec, err := store.Get(ctx, "t1", "u1", "favorite_color")
	require.NoError(t, err)
	require.Equal(t, "blue", rec.Value)
	require.True(t, rec.Active)

	_, err = store.Store(ctx, "t1", "u1", "favorite_color", "green", 1, "store-2")
	require.NoError(t, err)

	rec, err = store.Get(ctx, "t1", "u1", "favorite_color")
	require.NoError(t, err)
	require.Equal(t, "green", rec.Value)
}

func TestForgetTombstonesWithoutDeleting(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	_, err := store.Store(ctx, "t1", "u1", "home_address", "221b Baker Street", 1, "store-1")
	require.NoError(t, err)

	_, err = store.Forget(ctx, "t1", "u1", "home_address", 1, "forget-1")
	require.NoError(t, err)

	rec, err := store.Get(ctx, "t1", "u1", "home_address")
	require.NoError(t, err)
	require.False(t, rec.Active)
	require.Equal(t, "221b Baker Street", rec.Value, "tombstoning must preserve the value, not erase it")
}

func TestRebuildMatchesCurrent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	_, err := store.Store(ctx, "t1", "u1", "k", "v1", 1, "s1")
	require.NoError(t, err)
	_, err = store.Store(ctx, "t1", "u1", "k", "v2", 1, "s2")
	require.NoError(t, err)

	before, err := store.Get(ctx, "t1", "u1", "k")
	require.NoError(t, err)

	after, err := store.Rebuild(ctx, "t1", "u1", "k")
	require.NoError(t, err)
	require.Equal(t, before.Value, after.Value)
	require.Equal(t, before.Active, after.Active)
}
