package builder_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SeleneOSv1/selene-os/internal/builder"
)

const sampleCSV = `proposal_id,release_state_id,p95_before_ms,p95_after_ms,p99_before_ms,p99_after_ms,fail_closed_rate_bp,critical_reason_spike_bp,observation_window_minutes,recorded_at
p-1,rs-1,100,103,200,204,5,10,30,1000
`

func TestParseSignalsHappyPath(t *testing.T) {
	sigs, err := builder.ParseSignals(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	require.Equal(t, "p-1", sigs[0].ProposalID)
	require.Equal(t, int64(30), sigs[0].ObservationWindowMinutes)
}

func TestParseSignalsRejectsMissingColumn(t *testing.T) {
	bad := "proposal_id,release_state_id\np-1,rs-1\n"
	_, err := builder.ParseSignals(strings.NewReader(bad))
	require.Error(t, err)
}

func TestParseSignalsRejectsMissingValue(t *testing.T) {
	bad := strings.Replace(sampleCSV, "p-1,rs-1,100", ",rs-1,100", 1)
	_, err := builder.ParseSignals(strings.NewReader(bad))
	require.Error(t, err, "a row missing a required value must be rejected, not defaulted")
}

func TestSignalIsFreshBoundary(t *testing.T) {
	sig := builder.Signal{RecordedAtUnix: 1000}
	require.True(t, sig.IsFresh(1000+180*60, 180))
	require.False(t, sig.IsFresh(1000+181*60, 180))
}

func TestSignalTriggersRollbackOnP95Regression(t *testing.T) {
	sig := builder.Signal{P95BeforeMs: 100, P95AfterMs: 104, ObservationWindowMinutes: 30}
	triggered, detail := sig.TriggersRollback()
	require.True(t, triggered)
	require.NotEmpty(t, detail)
}

func TestSignalTriggersRollbackOnCriticalReasonSpike(t *testing.T) {
	sig := builder.Signal{CriticalReasonSpikeBp: 21}
	triggered, _ := sig.TriggersRollback()
	require.True(t, triggered, "a 0.21% critical reason-code spike exceeds the 0.2% absolute-rate trigger")
}

func TestSignalDoesNotTriggerBelowThresholds(t *testing.T) {
	sig := builder.Signal{P95BeforeMs: 100, P95AfterMs: 102, ObservationWindowMinutes: 30, CriticalReasonSpikeBp: 5}
	triggered, _ := sig.TriggersRollback()
	require.False(t, triggered)
}
