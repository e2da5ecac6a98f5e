package builder

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/SeleneOSv1/selene-os/internal/broadcast"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

// Controller wires the proposal, gate, release, and daily-review stores
// into one entry point for the builder pipeline's offline driver
// (cmd/selene-builderd). It holds no state of its own beyond its
// component stores — every decision is still made by the owning store,
// recorded to the ledger, and replayable.
type Controller struct {
	Proposals *ProposalStore
	Gates     *GateStore
	Releases  *ReleaseStore
	Reviews   *DailyReviewStore
	Board     broadcast.Broadcaster
	Scheduler *Scheduler
	Log       zerolog.Logger
}

// New opens every builder ledger family against db and wires a Controller.
func New(ctx context.Context, db *sqlx.DB, clk clock.Clock, board broadcast.Broadcaster, sink ReminderSink, log zerolog.Logger) (*Controller, error) {
	proposals, err := NewProposalStore(ctx, db, clk)
	if err != nil {
		return nil, err
	}
	gates, err := NewGateStore(ctx, db, clk)
	if err != nil {
		return nil, err
	}
	releases, err := NewReleaseStore(ctx, db, clk)
	if err != nil {
		return nil, err
	}
	reviews, err := NewDailyReviewStore(ctx, db, clk)
	if err != nil {
		return nil, err
	}
	return &Controller{
		Proposals: proposals, Gates: gates, Releases: releases, Reviews: reviews,
		Board: board, Scheduler: NewScheduler(clk, log, sink), Log: log,
	}, nil
}

// IngestSignal folds one CSV signal row into the release pipeline: it
// checks the three metrics-driven automatic rollback triggers and, if
// any fires, rolls the release state back — spec.md §4.5 "On trigger
// the controller appends a ROLLED_BACK event and a REVERT judge row."
func (c *Controller) IngestSignal(ctx context.Context, tenantID string, sig Signal, nowUnix int64, reasonCode int64, idempotencyKey string) (rolledBack bool, err error) {
	if !sig.IsFresh(nowUnix, MaxTelemetryAgeMinutes) {
		return false, fmt.Errorf("builder: signal for %s/%s is stale, rejected at scope check", sig.ProposalID, sig.ReleaseStateID)
	}

	triggered, detail := sig.TriggersRollback()
	if !triggered {
		return false, nil
	}

	c.Log.Warn().Str("proposal_id", sig.ProposalID).Str("release_state_id", sig.ReleaseStateID).Str("detail", detail).Msg("builder: automatic rollback trigger fired")

	if _, err := c.Releases.RollBack(ctx, tenantID, sig.ReleaseStateID, nowUnix, reasonCode, idempotencyKey+":release"); err != nil {
		return false, err
	}
	return true, nil
}
