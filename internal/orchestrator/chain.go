package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SeleneOSv1/selene-os/internal/kernerr"
)

// Budget bounds the Turn-Optional chain (spec.md §4.1 "Budget enforcement:
// engine count and wall-clock latency").
type Budget struct {
	MaxEngines int
	MaxLatency time.Duration
}

// RunAlwaysOn executes engines strictly in sequence and verifies the
// configured id order matches CanonicalAlwaysOnPath exactly before
// running a single one — a deviation fails closed rather than silently
// reordering (spec.md §4.1).
func RunAlwaysOn(ctx context.Context, engines []Engine, turn TurnContext) ([]EngineOutcome, error) {
	want := CanonicalAlwaysOnPath(turn.Modality)
	if len(want) != len(engines) {
		return nil, fmt.Errorf("orchestrator: %w: always-on chain has %d engines, canonical path has %d", kernerr.ErrRuntimeBoundaryViolation, len(engines), len(want))
	}
	for i, e := range engines {
		if e.Tier() != TierAlwaysOn {
			return nil, fmt.Errorf("orchestrator: %w: engine %s is not tier ALWAYS_ON", kernerr.ErrRuntimeBoundaryViolation, e.ID())
		}
		if e.ID() != want[i] {
			return nil, fmt.Errorf("orchestrator: %w: position %d expected %s, got %s", kernerr.ErrRuntimeBoundaryViolation, i, want[i], e.ID())
		}
	}

	outcomes := make([]EngineOutcome, 0, len(engines))
	for _, e := range engines {
		out, err := e.Invoke(ctx, turn)
		if err != nil {
			return outcomes, fmt.Errorf("orchestrator: always-on engine %s: %w", e.ID(), err)
		}
		if !out.Valid() {
			return outcomes, fmt.Errorf("orchestrator: always-on engine %s: %w: incomplete outcome metadata", e.ID(), kernerr.ErrUnclassifiedOutcome)
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// RunTurnOptional invokes up to budget.MaxEngines optional engines,
// ordered deterministically by (CostTier, OrderKey), concurrently, each
// under budget.MaxLatency. An engine that times out or errors contributes
// no outcome rather than failing the turn — optional engines are
// best-effort by construction (spec.md §4.1).
func RunTurnOptional(ctx context.Context, engines []OptionalEngine, turn TurnContext, budget Budget) ([]EngineOutcome, error) {
	ordered := make([]OptionalEngine, len(engines))
	copy(ordered, engines)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].CostTier() != ordered[j].CostTier() {
			return ordered[i].CostTier() < ordered[j].CostTier()
		}
		return ordered[i].OrderKey() < ordered[j].OrderKey()
	})
	if budget.MaxEngines > 0 && len(ordered) > budget.MaxEngines {
		ordered = ordered[:budget.MaxEngines]
	}

	results := make([]EngineOutcome, len(ordered))
	valid := make([]bool, len(ordered))

	grp, gctx := errgroup.WithContext(ctx)
	for i, e := range ordered {
		i, e := i, e
		grp.Go(func() error {
			cctx := gctx
			var cancel context.CancelFunc
			if budget.MaxLatency > 0 {
				cctx, cancel = context.WithTimeout(gctx, budget.MaxLatency)
				defer cancel()
			}
			out, err := e.Invoke(cctx, turn)
			if err != nil {
				return nil
			}
			if !out.Valid() {
				return nil
			}
			results[i] = out
			valid[i] = true
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	outcomes := make([]EngineOutcome, 0, len(results))
	for i, ok := range valid {
		if ok {
			outcomes = append(outcomes, results[i])
		}
	}
	return outcomes, nil
}
