// Command selene-builderd runs the Builder Release Controller daemon: it
// starts the builder's cron scheduler, with no jobs registered, and, like
// selene-orchestratord, exposes only /healthz and /metrics. It does not
// ingest signal files or advance release stages itself, and no
// proposal/gate/release operation is bound to an HTTP handler
// (spec.md §6 "Out of scope: Transport bindings").
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SeleneOSv1/selene-os/internal/broadcast"
	"github.com/SeleneOSv1/selene-os/internal/builder"
	"github.com/SeleneOSv1/selene-os/internal/config"
	"github.com/SeleneOSv1/selene-os/internal/ledger"
	"github.com/SeleneOSv1/selene-os/internal/obslog"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

// logReminderSink dispatches reminder follow-ups through the structured
// logger. A real deployment would swap this for a paging/chat sink; the
// scheduler only needs something implementing builder.ReminderSink.
type logReminderSink struct{}

func (s *logReminderSink) SendReminder(ctx context.Context, tenantID, broadcastID string, attempt int) {
	obslog.Base().Warn().
		Str("tenant_id", tenantID).
		Str("broadcast_id", broadcastID).
		Int("attempt", attempt).
		Msg("builder: reminding reviewer of unresolved interrupt")
}

func main() {
	configPath := flag.String("config", "selene.yaml", "path to the builder's config file")
	addr := flag.String("addr", ":8081", "address for the /healthz and /metrics surface")
	flag.Parse()

	obslog.Configure(obslog.Config{Level: "info", Output: os.Stdout, Service: "selene-builderd"})
	log := obslog.Base()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Warn().Err(err).Msg("falling back to default config")
		cfg = config.Default()
	}
	holder := config.NewHolder(cfg, *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := holder.StartWatcher(ctx); err != nil {
		log.Warn().Err(err).Msg("config hot-reload watcher disabled")
	}

	clk := clock.NewReal()
	db, err := ledger.OpenDB(cfg.SQLitePath, ledger.DefaultDBConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("open ledger database")
	}
	defer db.Close()

	board, err := broadcast.NewBoard(ctx, db, clk)
	if err != nil {
		log.Fatal().Err(err).Msg("open broadcast board")
	}

	ctrl, err := builder.New(ctx, db, clk, board, &logReminderSink{}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open builder controller")
	}
	ctrl.Scheduler.Start()
	defer ctrl.Scheduler.Stop()

	mux := chi.NewRouter()
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", *addr).Msg("selene-builderd operational surface listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("operational surface server stopped")
	}
}
