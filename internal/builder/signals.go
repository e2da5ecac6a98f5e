package builder

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/SeleneOSv1/selene-os/internal/kernerr"
)

// Signal is one parsed row from the builder's CSV signal-intake envelope
// (spec.md §6): {proposal_id, release_state_id, p95_before_ms,
// p95_after_ms, p99_before_ms, p99_after_ms, fail_closed_rate_bp,
// critical_reason_spike_bp, observation_window_minutes, recorded_at}.
type Signal struct {
	ProposalID               string
	ReleaseStateID           string
	P95BeforeMs              float64
	P95AfterMs               float64
	P99BeforeMs              float64
	P99AfterMs               float64
	FailClosedRateBp         int64
	CriticalReasonSpikeBp    int64
	ObservationWindowMinutes int64
	RecordedAtUnix           int64
}

var signalColumns = []string{
	"proposal_id", "release_state_id", "p95_before_ms", "p95_after_ms",
	"p99_before_ms", "p99_after_ms", "fail_closed_rate_bp",
	"critical_reason_spike_bp", "observation_window_minutes", "recorded_at",
}

// ParseSignals reads the builder's fixed CSV envelope. A header row naming
// every column in signalColumns (in any order; extra columns are ignored)
// is required. Rows missing a
// required column value, or whose recorded_at/observation_window cannot
// be parsed, are rejected outright — spec.md §6 "rows missing freshness
// or scope are rejected" — rather than silently defaulted.
func ParseSignals(r io.Reader) ([]Signal, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("builder: signal csv: read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, col := range header {
		idx[col] = i
	}
	for _, want := range signalColumns {
		if _, ok := idx[want]; !ok {
			return nil, fmt.Errorf("builder: %w: signal csv missing column %q", kernerr.ErrMalformedInput, want)
		}
	}

	var out []Signal
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("builder: signal csv: %w", err)
		}
		sig, err := parseSignalRow(row, idx)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

func parseSignalRow(row []string, idx map[string]int) (Signal, error) {
	field := func(name string) (string, error) {
		i, ok := idx[name]
		if !ok || i >= len(row) || row[i] == "" {
			return "", fmt.Errorf("builder: %w: signal row missing %q", kernerr.ErrMalformedInput, name)
		}
		return row[i], nil
	}

	var s Signal
	var err error
	if s.ProposalID, err = field("proposal_id"); err != nil {
		return Signal{}, err
	}
	if s.ReleaseStateID, err = field("release_state_id"); err != nil {
		return Signal{}, err
	}

	floats := []struct {
		name string
		dst  *float64
	}{
		{"p95_before_ms", &s.P95BeforeMs}, {"p95_after_ms", &s.P95AfterMs},
		{"p99_before_ms", &s.P99BeforeMs}, {"p99_after_ms", &s.P99AfterMs},
	}
	for _, f := range floats {
		raw, err := field(f.name)
		if err != nil {
			return Signal{}, err
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Signal{}, fmt.Errorf("builder: %w: signal %q not a number: %v", kernerr.ErrMalformedInput, f.name, err)
		}
		*f.dst = v
	}

	ints := []struct {
		name string
		dst  *int64
	}{
		{"fail_closed_rate_bp", &s.FailClosedRateBp}, {"critical_reason_spike_bp", &s.CriticalReasonSpikeBp},
		{"observation_window_minutes", &s.ObservationWindowMinutes}, {"recorded_at", &s.RecordedAtUnix},
	}
	for _, f := range ints {
		raw, err := field(f.name)
		if err != nil {
			return Signal{}, err
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Signal{}, fmt.Errorf("builder: %w: signal %q not an integer: %v", kernerr.ErrMalformedInput, f.name, err)
		}
		*f.dst = v
	}

	return s, nil
}

// IsFresh reports whether the signal's recorded_at is within
// maxAgeMinutes of nowUnix — the freshness scope check referenced by
// spec.md §6.
func (s Signal) IsFresh(nowUnix int64, maxAgeMinutes int64) bool {
	ageMinutes := (nowUnix - s.RecordedAtUnix) / 60
	return ageMinutes >= 0 && ageMinutes <= maxAgeMinutes
}

// TriggersRollback evaluates the three metrics-driven automatic rollback
// triggers a single signal row can carry (spec.md §4.5 triggers 3-5);
// triggers 1-2 (authority/gate-order violations, duplicate side-effect
// event classes) are structural and detected by the orchestrator/audit
// packages directly, not by a metrics signal.
func (s Signal) TriggersRollback() (triggered bool, reasonDetail string) {
	if s.P95BeforeMs > 0 {
		p95Pct := (s.P95AfterMs - s.P95BeforeMs) / s.P95BeforeMs * 100
		if p95Pct > 3 && s.ObservationWindowMinutes >= 30 {
			return true, "p95 latency regression exceeded 3% sustained 30m"
		}
	}
	if s.P99BeforeMs > 0 {
		p99Pct := (s.P99AfterMs - s.P99BeforeMs) / s.P99BeforeMs * 100
		if p99Pct > 5 && s.ObservationWindowMinutes >= 15 {
			return true, "p99 latency regression exceeded 5% sustained 15m"
		}
	}
	if s.CriticalReasonSpikeBp > 20 {
		return true, "critical reason-code absolute rate rose more than 0.2%"
	}
	return false, ""
}
