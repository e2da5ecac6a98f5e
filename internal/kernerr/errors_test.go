package kernerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SeleneOSv1/selene-os/internal/kernerr"
)

func TestSentinelsAreDistinct(t *testing.T) {
	all := []error{
		kernerr.ErrMalformedInput, kernerr.ErrMissingField, kernerr.ErrBoundsViolation,
		kernerr.ErrUnknownReasonCode, kernerr.ErrUnclassifiedOutcome,
		kernerr.ErrAccessDenied, kernerr.ErrQuotaRefused, kernerr.ErrPolicySnapshotBad, kernerr.ErrEscalationRequired,
		kernerr.ErrNoDraft, kernerr.ErrCommitRejected, kernerr.ErrDuplicateSideEffect,
		kernerr.ErrLeaseConflict, kernerr.ErrLeaseNotActive, kernerr.ErrIdempotencyDivergent,
		kernerr.ErrEngineTimeout, kernerr.ErrBudgetExhausted, kernerr.ErrStageTelemetryStale,
		kernerr.ErrRuntimeBoundaryViolation, kernerr.ErrCrossTenantAccess, kernerr.ErrDirectEngineCall,
		kernerr.ErrForeignKeyViolation, kernerr.ErrAppendOnlyViolation, kernerr.ErrRebuildMismatch, kernerr.ErrNotFound,
	}
	for i, a := range all {
		for j, b := range all {
			if i == j {
				continue
			}
			require.False(t, errors.Is(a, b), "sentinel %d and %d must not alias", i, j)
		}
	}
}

func TestWrappedSentinelStillMatchesErrorsIs(t *testing.T) {
	wrapped := fmt.Errorf("workorder: %w: tok mismatch", kernerr.ErrLeaseConflict)
	require.ErrorIs(t, wrapped, kernerr.ErrLeaseConflict)
	require.NotErrorIs(t, wrapped, kernerr.ErrLeaseNotActive)
}
