package capreq_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SeleneOSv1/selene-os/internal/capreq"
	"github.com/SeleneOSv1/selene-os/internal/ledger"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

func newStore(t *testing.T) *capreq.Store {
	t.Helper()
	db, err := ledger.OpenDB(":memory:", ledger.DefaultDBConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store, err := capreq.NewStore(context.Background(), db, clk)
	require.NoError(t, err)
	return store
}

func TestRequestApprovedThenRevoked(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	_, err := store.Request(ctx, "t1", "cr-1", "u1", "calendar.write", 1, "req-1")
	require.NoError(t, err)

	_, err = store.Decide(ctx, "t1", "cr-1", capreq.Approved, 1, "approve-1")
	require.NoError(t, err)

	_, err = store.Decide(ctx, "t1", "cr-1", capreq.Revoked, 1, "revoke-1")
	require.NoError(t, err)

	r, err := store.Get(ctx, "t1", "cr-1")
	require.NoError(t, err)
	require.Equal(t, capreq.Revoked, r.Status)
}

func TestDeniedCannotLaterBeApproved(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	_, err := store.Request(ctx, "t1", "cr-2", "u1", "sms.send", 1, "req-2")
	require.NoError(t, err)

	_, err = store.Decide(ctx, "t1", "cr-2", capreq.Denied, 1, "deny-1")
	require.NoError(t, err)

	_, err = store.Decide(ctx, "t1", "cr-2", capreq.Approved, 1, "approve-late")
	require.Error(t, err)
}

func TestRetriedRequestCollapses(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	first, err := store.Request(ctx, "t1", "cr-3", "u1", "calendar.write", 1, "req-3")
	require.NoError(t, err)

	retry, err := store.Request(ctx, "t1", "cr-3", "u1", "calendar.write", 1, "req-3")
	require.NoError(t, err)
	require.True(t, retry.Idempotent)
	require.Equal(t, first.EventID, retry.EventID)
}
