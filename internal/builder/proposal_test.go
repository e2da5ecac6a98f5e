package builder_test

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/SeleneOSv1/selene-os/internal/builder"
	"github.com/SeleneOSv1/selene-os/internal/ledger"
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

func TestClassAProposalNeedsNoApprovals(t *testing.T) {
	require.Equal(t, 0, builder.ClassA.RequiredApprovals())
	require.Equal(t, 1, builder.ClassB.RequiredApprovals())
	require.Equal(t, 2, builder.ClassC.RequiredApprovals())
}

func TestAuthoritySurfaceForcesClassC(t *testing.T) {
	ctx := context.Background()
	db, clk := newDB(t)
	store, err := builder.NewProposalStore(ctx, db, clk)
	require.NoError(t, err)

	_, err = store.Draft(ctx, "t1", "p-1", builder.ClassA, true, false, false, "", "", 0, 1, "draft-1")
	require.NoError(t, err)

	p, err := store.Get(ctx, "t1", "p-1")
	require.NoError(t, err)
	require.Equal(t, builder.ClassC, p.Class, "a proposal touching access must be forcibly reclassified to C regardless of requested class")
}

func TestClassBProposalApprovesAfterOneVote(t *testing.T) {
	ctx := context.Background()
	db, clk := newDB(t)
	store, err := builder.NewProposalStore(ctx, db, clk)
	require.NoError(t, err)

	_, err = store.Draft(ctx, "t1", "p-2", builder.ClassB, false, false, false, "", "", 0, 1, "draft-2")
	require.NoError(t, err)
	_, err = store.MarkValidated(ctx, "t1", "p-2", 1, "validated-2")
	require.NoError(t, err)

	_, err = store.RecordApproval(ctx, "t1", "p-2", 1, "approve-2")
	require.NoError(t, err)

	p, err := store.Get(ctx, "t1", "p-2")
	require.NoError(t, err)
	require.Equal(t, builder.ProposalApproved, p.Status)
}

func TestClassCProposalRequiresTwoApprovals(t *testing.T) {
	ctx := context.Background()
	db, clk := newDB(t)
	store, err := builder.NewProposalStore(ctx, db, clk)
	require.NoError(t, err)

	_, err = store.Draft(ctx, "t1", "p-3", builder.ClassC, false, false, true, "", "", 0, 1, "draft-3")
	require.NoError(t, err)
	_, err = store.MarkValidated(ctx, "t1", "p-3", 1, "validated-3")
	require.NoError(t, err)

	_, err = store.RecordApproval(ctx, "t1", "p-3", 1, "approve-3a")
	require.NoError(t, err)
	p, err := store.Get(ctx, "t1", "p-3")
	require.NoError(t, err)
	require.Equal(t, builder.ProposalValidated, p.Status, "one of two required approvals must not resolve yet")

	_, err = store.RecordApproval(ctx, "t1", "p-3", 1, "approve-3b")
	require.NoError(t, err)
	p, err = store.Get(ctx, "t1", "p-3")
	require.NoError(t, err)
	require.Equal(t, builder.ProposalApproved, p.Status)
}

func TestPartialLearningEvidenceBlocksApproval(t *testing.T) {
	ctx := context.Background()
	db, clk := newDB(t)
	store, err := builder.NewProposalStore(ctx, db, clk)
	require.NoError(t, err)

	_, err = store.Draft(ctx, "t1", "p-4", builder.ClassA, false, false, false, "report-9", "", 0, 1, "draft-4")
	require.NoError(t, err)

	_, err = store.RecordApproval(ctx, "t1", "p-4", 1, "approve-4")
	require.Error(t, err, "a proposal citing only a partial learning-bridge evidence ref must be blocked")
}

func TestProposalCannotSkipValidation(t *testing.T) {
	ctx := context.Background()
	db, clk := newDB(t)
	store, err := builder.NewProposalStore(ctx, db, clk)
	require.NoError(t, err)

	_, err = store.Draft(ctx, "t1", "p-5", builder.ClassA, false, false, false, "", "", 0, 1, "draft-5")
	require.NoError(t, err)

	_, err = store.MarkReleased(ctx, "t1", "p-5", 1, "release-5")
	require.Error(t, err, "DRAFT must not skip straight to RELEASED")
}
