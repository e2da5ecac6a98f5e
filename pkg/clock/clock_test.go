package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

func TestFixedNowDoesNotAdvanceOnItsOwn(t *testing.T) {
	pinned := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(pinned)

	require.Equal(t, pinned, clk.Now())
	_ = clk.UnixNano()
	require.Equal(t, pinned, clk.Now(), "UnixNano must not mutate the pinned instant")
}

func TestFixedUnixNanoIsStrictlyMonotonic(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	a := clk.UnixNano()
	b := clk.UnixNano()
	c := clk.UnixNano()
	require.Less(t, a, b)
	require.Less(t, b, c)
}

func TestAdvanceMovesNowForward(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(start)

	clk.Advance(time.Hour)
	require.Equal(t, start.Add(time.Hour), clk.Now())
}

func TestRealClockAdvancesWithWallTime(t *testing.T) {
	clk := clock.NewReal()
	first := clk.UnixNano()
	time.Sleep(time.Millisecond)
	second := clk.UnixNano()
	require.Less(t, first, second)
}
