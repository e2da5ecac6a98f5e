package builder_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/SeleneOSv1/selene-os/internal/broadcast"
	"github.com/SeleneOSv1/selene-os/internal/builder"
)

type recordingSink struct {
	calls []int
}

func (s *recordingSink) SendReminder(ctx context.Context, tenantID, broadcastID string, attempt int) {
	s.calls = append(s.calls, attempt)
}

func TestNextReminderAttemptIsDeterministic(t *testing.T) {
	require.Equal(t, 1, builder.NextReminderAttempt(42, 0))
	require.Equal(t, 2, builder.NextReminderAttempt(42, 1))
	require.Equal(t, 3, builder.NextReminderAttempt(7, 2), "attempt sequencing must depend only on prior attempt count, not the event id")
}

func TestScheduleRemindersRegistersWithoutError(t *testing.T) {
	ctx := context.Background()
	db, clk := newDB(t)
	board, err := broadcast.NewBoard(ctx, db, clk)
	require.NoError(t, err)

	sink := &recordingSink{}
	sched := builder.NewScheduler(clk, zerolog.Nop(), sink)

	_, err = board.Open(ctx, "t1", "bc-sched-1", "builder_interrupt:BEFORE_LAUNCH_RAMP", "p-1", 1, "owner-1", 1, "open-1")
	require.NoError(t, err)

	err = sched.ScheduleReminders(ctx, board, "t1", "bc-sched-1")
	require.NoError(t, err)
}
