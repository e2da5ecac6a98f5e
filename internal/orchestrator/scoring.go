package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/SeleneOSv1/selene-os/internal/ledger"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

// UtilityWindow is one rolling-window sample of a Turn-Optional engine's
// outcomes, scored per GATE-U4/U5 (SPEC_FULL.md supplement: a
// Turn-Optional engine whose utility degrades over several consecutive
// windows is flagged rather than silently left running forever).
type UtilityWindow struct {
	EngineID               string
	WindowStart            int64
	Invocations            int64
	ActNowCount            int64
	QueueLearnCount        int64
	NoValueCount            int64 // AUDIT_ONLY + DROP
	DecisionDeltaSum        float64
	LatencyMsP95            float64
	LatencyMsP99            float64
}

func (w UtilityWindow) decisionDeltaRate() float64 {
	if w.Invocations == 0 {
		return 0
	}
	return w.DecisionDeltaSum / float64(w.Invocations)
}

func (w UtilityWindow) queueLearnConversionRate() float64 {
	if w.Invocations == 0 {
		return 0
	}
	return float64(w.QueueLearnCount) / float64(w.Invocations)
}

func (w UtilityWindow) noValueRate() float64 {
	if w.Invocations == 0 {
		return 0
	}
	return float64(w.NoValueCount) / float64(w.Invocations)
}

// ScoringThresholds controls the GATE-U4/U5 disable-candidate check.
type ScoringThresholds struct {
	MinDecisionDeltaRate float64
	MaxNoValueRate       float64
	MaxLatencyP99        time.Duration
	ConsecutiveWindows   int
}

// DefaultScoringThresholds returns this package's default thresholds.
// ConsecutiveWindows matches the seven-failure figure in the SPEC_FULL.md
// utility-scoring supplement; the rate and latency values are not taken
// from that document.
func DefaultScoringThresholds() ScoringThresholds {
	return ScoringThresholds{
		MinDecisionDeltaRate: 0.02,
		MaxNoValueRate:       0.85,
		MaxLatencyP99:        2 * time.Second,
		ConsecutiveWindows:   7,
	}
}

// UtilityScorer aggregates engine outcomes into rolling windows, exposes
// them as Prometheus gauges, and raises a DISABLE_CANDIDATE flag once an
// engine has underperformed for ConsecutiveWindows consecutive windows.
//
// Grounded on quantumlife-canon-core's internal/metrics collectors
// (prometheus.Gauge per tracked dimension) combined with its append-only
// ledger discipline for the disable-candidate ticket itself.
type UtilityScorer struct {
	mu      sync.Mutex
	windows map[string][]UtilityWindow // engineID -> ring of recent windows
	thresh  ScoringThresholds

	tickets *ledger.Family

	decisionDeltaGauge *prometheus.GaugeVec
	noValueGauge       *prometheus.GaugeVec
	latencyP99Gauge    *prometheus.GaugeVec
}

// NewUtilityScorer opens the disable-candidate ticket ledger and
// registers the scorer's gauges with reg.
func NewUtilityScorer(ctx context.Context, db *sqlx.DB, clk clock.Clock, reg prometheus.Registerer, thresh ScoringThresholds) (*UtilityScorer, error) {
	tickets, err := ledger.Open(ctx, db, clk, "utility_ticket")
	if err != nil {
		return nil, err
	}
	s := &UtilityScorer{
		windows: make(map[string][]UtilityWindow),
		thresh:  thresh,
		tickets: tickets,
		decisionDeltaGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "selene_engine_decision_delta_rate",
			Help: "Rolling-window decision delta rate per turn-optional engine.",
		}, []string{"engine_id"}),
		noValueGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "selene_engine_no_value_rate",
			Help: "Rolling-window fraction of AUDIT_ONLY/DROP outcomes per engine.",
		}, []string{"engine_id"}),
		latencyP99Gauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "selene_engine_latency_p99_ms",
			Help: "Rolling-window p99 latency cost per engine, in milliseconds.",
		}, []string{"engine_id"}),
	}
	if reg != nil {
		reg.MustRegister(s.decisionDeltaGauge, s.noValueGauge, s.latencyP99Gauge)
	}
	return s, nil
}

// Record folds one completed window's outcomes into the scorer and
// refreshes its gauges.
func (s *UtilityScorer) Record(w UtilityWindow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring := append(s.windows[w.EngineID], w)
	if len(ring) > s.thresh.ConsecutiveWindows {
		ring = ring[len(ring)-s.thresh.ConsecutiveWindows:]
	}
	s.windows[w.EngineID] = ring

	s.decisionDeltaGauge.WithLabelValues(w.EngineID).Set(w.decisionDeltaRate())
	s.noValueGauge.WithLabelValues(w.EngineID).Set(w.noValueRate())
	s.latencyP99Gauge.WithLabelValues(w.EngineID).Set(w.LatencyMsP99)
}

// DisableCandidate reports whether engineID has underperformed across
// every window currently held (up to ConsecutiveWindows), per GATE-U4
// (low decision-delta / high no-value rate) or GATE-U5 (sustained
// latency budget breach).
func (s *UtilityScorer) DisableCandidate(engineID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring := s.windows[engineID]
	if len(ring) < s.thresh.ConsecutiveWindows {
		return false
	}
	for _, w := range ring {
		gateU4 := w.decisionDeltaRate() < s.thresh.MinDecisionDeltaRate || w.noValueRate() > s.thresh.MaxNoValueRate
		gateU5 := time.Duration(w.LatencyMsP99)*time.Millisecond > s.thresh.MaxLatencyP99
		if !gateU4 && !gateU5 {
			return false
		}
	}
	return true
}

// RaiseTicket appends a merge/retire ticket for engineID once
// DisableCandidate has held for ConsecutiveWindows consecutive windows.
// The ticket is deduped per (tenant, engine, window start) so repeated
// scoring ticks don't spam duplicate tickets.
func (s *UtilityScorer) RaiseTicket(ctx context.Context, tenantID, engineID string, windowStart int64, reasonCode int64) (ledger.AppendResult, error) {
	idemKey := fmt.Sprintf("disable_candidate:%s:%d", engineID, windowStart)
	payload := fmt.Sprintf("disable_candidate|engine:%s|window_start:%d", engineID, windowStart)
	return s.tickets.Append(ctx, tenantID, engineID, "DISABLE_CANDIDATE", payload, reasonCode, idemKey, ticketFold)
}

func ticketFold(_ *string, ev ledger.Event) (string, error) { return ev.Payload, nil }
