package builder

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/SeleneOSv1/selene-os/internal/broadcast"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

// ReminderCadence is the nominal schedule for following up a busy
// reviewer on an unresolved interrupt broadcast (spec.md §4.5 "Busy
// users are followed up by scheduling reminders; reminders never grant
// permission"). Grounded on r3e-network-service_layer's use of
// robfig/cron for its settlement/indexer scheduled jobs.
const ReminderCadence = "*/15 * * * *"

// ReminderSink is notified when an open interrupt broadcast's reminder
// comes due. Implementations dispatch the actual follow-up message; the
// scheduler only decides *when*, never whether to grant permission.
type ReminderSink interface {
	SendReminder(ctx context.Context, tenantID, broadcastID string, attempt int)
}

// NextReminderAttempt returns priorAttempts+1. It depends only on
// priorAttempts (openedEventID is not read) and applies no jitter, so
// re-running the scheduler against the same ledger replays identical
// reminder counts in tests.
func NextReminderAttempt(openedEventID int64, priorAttempts int) int {
	return priorAttempts + 1
}

// Scheduler runs the builder's cron-scheduled jobs. The only job it
// registers is the reminder follow-up on open interrupts
// (ScheduleReminders). One Scheduler is created per process;
// Stop releases its cron goroutine.
type Scheduler struct {
	cr   *cron.Cron
	log  zerolog.Logger
	clk  clock.Clock
	sink ReminderSink
}

// NewScheduler builds a Scheduler. clk is stored but never read by the
// scheduler (the cron library keeps its own internal timer) — no gate
// decision in this package ever reads clk.Now() directly, per the
// clock guardrail; freshness checks consume clk explicitly as an
// argument instead (see DailyReviewStore.IsFreshToday, ReleaseStore.Advance).
func NewScheduler(clk clock.Clock, log zerolog.Logger, sink ReminderSink) *Scheduler {
	return &Scheduler{cr: cron.New(), log: log, clk: clk, sink: sink}
}

// ScheduleReminders registers the reminder-cadence job for one open
// interrupt broadcast. The job checks whether the broadcast has resolved
// on every tick; once it has, later ticks return without sending a
// reminder. The cron entry stays registered until Stop.
func (s *Scheduler) ScheduleReminders(ctx context.Context, board broadcast.Broadcaster, tenantID, broadcastID string) error {
	attempt := 0
	_, err := s.cr.AddFunc(ReminderCadence, func() {
		resolved, _, err := Resolved(ctx, board, tenantID, broadcastID)
		if err != nil {
			s.log.Warn().Err(err).Str("broadcast_id", broadcastID).Msg("builder: reminder check failed")
			return
		}
		if resolved {
			return
		}
		attempt = NextReminderAttempt(0, attempt)
		s.sink.SendReminder(ctx, tenantID, broadcastID, attempt)
	})
	return err
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() { s.cr.Start() }

// Stop halts the scheduler and waits for any running job to finish.
func (s *Scheduler) Stop() { <-s.cr.Stop().Done() }
