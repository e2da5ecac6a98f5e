package broadcast_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SeleneOSv1/selene-os/internal/broadcast"
	"github.com/SeleneOSv1/selene-os/internal/ledger"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

func newBoard(t *testing.T) *broadcast.Board {
	t.Helper()
	db, err := ledger.OpenDB(":memory:", ledger.DefaultDBConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	board, err := broadcast.NewBoard(context.Background(), db, clk)
	require.NoError(t, err)
	return board
}

func TestResolvesApprovedAtThreshold(t *testing.T) {
	ctx := context.Background()
	board := newBoard(t)

	_, err := board.Open(ctx, "t1", "b-1", "access_escalation", "access-instance-1", 2, "", 1, "open-1")
	require.NoError(t, err)

	_, err = board.Cast(ctx, "t1", "b-1", "guardian-a", broadcast.VoteApprove, 1, "vote-a")
	require.NoError(t, err)

	bc, err := board.Get(ctx, "t1", "b-1")
	require.NoError(t, err)
	require.Equal(t, broadcast.Open, bc.Status, "one of two required approvals must not resolve yet")

	_, err = board.Cast(ctx, "t1", "b-1", "guardian-b", broadcast.VoteApprove, 1, "vote-b")
	require.NoError(t, err)

	bc, err = board.Get(ctx, "t1", "b-1")
	require.NoError(t, err)
	require.Equal(t, broadcast.Approved, bc.Status)
}

func TestRequiredVoterDenyOverridesThreshold(t *testing.T) {
	ctx := context.Background()
	board := newBoard(t)

	_, err := board.Open(ctx, "t1", "b-2", "builder_release", "release-7", 3, "release-owner", 1, "open-2")
	require.NoError(t, err)

	_, err = board.Cast(ctx, "t1", "b-2", "release-owner", broadcast.VoteDeny, 1, "vote-deny")
	require.NoError(t, err)

	bc, err := board.Get(ctx, "t1", "b-2")
	require.NoError(t, err)
	require.Equal(t, broadcast.Denied, bc.Status, "the designated required voter's DENY must resolve immediately regardless of threshold")
}

func TestVoterCannotVoteTwice(t *testing.T) {
	ctx := context.Background()
	board := newBoard(t)

	_, err := board.Open(ctx, "t1", "b-3", "access_escalation", "access-instance-2", 2, "", 1, "open-3")
	require.NoError(t, err)

	_, err = board.Cast(ctx, "t1", "b-3", "guardian-a", broadcast.VoteApprove, 1, "vote-a1")
	require.NoError(t, err)

	_, err = board.Cast(ctx, "t1", "b-3", "guardian-a", broadcast.VoteApprove, 1, "vote-a2")
	require.Error(t, err, "a voter who already cast a ballot must not be able to vote again")
}

func TestResolvedBroadcastRejectsFurtherVotes(t *testing.T) {
	ctx := context.Background()
	board := newBoard(t)

	_, err := board.Open(ctx, "t1", "b-4", "access_escalation", "access-instance-3", 1, "", 1, "open-4")
	require.NoError(t, err)

	_, err = board.Cast(ctx, "t1", "b-4", "guardian-a", broadcast.VoteApprove, 1, "vote-a")
	require.NoError(t, err)

	bc, err := board.Get(ctx, "t1", "b-4")
	require.NoError(t, err)
	require.Equal(t, broadcast.Approved, bc.Status)

	_, err = board.Cast(ctx, "t1", "b-4", "guardian-b", broadcast.VoteApprove, 1, "vote-b")
	require.Error(t, err, "an already-resolved broadcast must reject further votes")
}

func TestCancelBeforeResolution(t *testing.T) {
	ctx := context.Background()
	board := newBoard(t)

	_, err := board.Open(ctx, "t1", "b-5", "builder_release", "release-8", 2, "", 1, "open-5")
	require.NoError(t, err)

	_, err = board.Cancel(ctx, "t1", "b-5", 1, "cancel-1")
	require.NoError(t, err)

	bc, err := board.Get(ctx, "t1", "b-5")
	require.NoError(t, err)
	require.Equal(t, broadcast.Cancelled, bc.Status)
}
