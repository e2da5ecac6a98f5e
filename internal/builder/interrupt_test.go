package builder_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SeleneOSv1/selene-os/internal/broadcast"
	"github.com/SeleneOSv1/selene-os/internal/builder"
)

func TestLaunchGateRequiresApprovalAndFreshReview(t *testing.T) {
	ctx := context.Background()
	db, clk := newDB(t)
	board, err := broadcast.NewBoard(ctx, db, clk)
	require.NoError(t, err)
	reviews, err := builder.NewDailyReviewStore(ctx, db, clk)
	require.NoError(t, err)

	brief := builder.Brief{ProposalID: "p-1", Kind: builder.InterruptBeforeLaunchRamp, Issue: "p95 regressed", Fix: "revert config flag", Question: "All tests passed, can I launch?"}
	_, err = builder.RaiseInterrupt(ctx, board, "t1", "bc-1", brief, "owner-1", 1, "raise-1")
	require.NoError(t, err)

	err = builder.GateLaunch(ctx, board, reviews, clk, "t1", "bc-1")
	require.Error(t, err, "launch must be blocked before an explicit human decision is recorded")

	_, err = builder.Decide(ctx, board, "t1", "bc-1", "owner-1", true, 1, "decide-1")
	require.NoError(t, err)

	err = builder.GateLaunch(ctx, board, reviews, clk, "t1", "bc-1")
	require.Error(t, err, "launch must still be blocked without a fresh daily review")

	_, err = reviews.Record(ctx, "t1", true, clk.Now().UTC().Format("2006-01-02"), 1, "review-1")
	require.NoError(t, err)

	err = builder.GateLaunch(ctx, board, reviews, clk, "t1", "bc-1")
	require.NoError(t, err)
}

func TestLaunchGateRejectsExplicitDenial(t *testing.T) {
	ctx := context.Background()
	db, clk := newDB(t)
	board, err := broadcast.NewBoard(ctx, db, clk)
	require.NoError(t, err)
	reviews, err := builder.NewDailyReviewStore(ctx, db, clk)
	require.NoError(t, err)

	brief := builder.Brief{ProposalID: "p-2", Kind: builder.InterruptBeforeGeneration, Issue: "stale cache", Fix: "bust cache key", Question: "Should I proceed?"}
	_, err = builder.RaiseInterrupt(ctx, board, "t1", "bc-2", brief, "owner-2", 1, "raise-2")
	require.NoError(t, err)

	_, err = reviews.Record(ctx, "t1", true, clk.Now().UTC().Format("2006-01-02"), 1, "review-2")
	require.NoError(t, err)

	_, err = builder.Decide(ctx, board, "t1", "bc-2", "owner-2", false, 1, "decide-2")
	require.NoError(t, err)

	err = builder.GateLaunch(ctx, board, reviews, clk, "t1", "bc-2")
	require.Error(t, err, "an explicit denial must never be treated as permission")
}

func TestDailyReviewStaleOnPriorDate(t *testing.T) {
	ctx := context.Background()
	db, clk := newDB(t)
	reviews, err := builder.NewDailyReviewStore(ctx, db, clk)
	require.NoError(t, err)

	_, err = reviews.Record(ctx, "t1", true, "2020-01-01", 1, "review-old")
	require.NoError(t, err)

	fresh, err := reviews.IsFreshToday(ctx, "t1", clk)
	require.NoError(t, err)
	require.False(t, fresh)
}
