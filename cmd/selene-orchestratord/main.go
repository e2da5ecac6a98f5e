// Command selene-orchestratord runs the Turn Orchestrator's operational
// surface: a minimal chi mux exposing /healthz and /metrics only (spec.md
// §6 "Out of scope: Transport bindings"; turn ingress itself is never
// bound to HTTP in this repository).
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
	"github.com/redis/go-redis/v9"

	"github.com/SeleneOSv1/selene-os/internal/access"
	"github.com/SeleneOSv1/selene-os/internal/audit"
	"github.com/SeleneOSv1/selene-os/internal/broadcast"
	"github.com/SeleneOSv1/selene-os/internal/config"
	"github.com/SeleneOSv1/selene-os/internal/ledger"
	"github.com/SeleneOSv1/selene-os/internal/obslog"
	"github.com/SeleneOSv1/selene-os/internal/orchestrator"
	"github.com/SeleneOSv1/selene-os/internal/policy"
	"github.com/SeleneOSv1/selene-os/internal/quota"
	"github.com/SeleneOSv1/selene-os/internal/simulation"
	"github.com/SeleneOSv1/selene-os/internal/workorder"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

func main() {
	configPath := flag.String("config", "selene.yaml", "path to the orchestrator's config file")
	addr := flag.String("addr", ":8080", "address for the /healthz and /metrics surface")
	flag.Parse()

	obslog.Configure(obslog.Config{Level: "info", Output: os.Stdout, Service: "selene-orchestratord"})
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

	var rdb redis.Cmdable
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	accessStore, err := access.NewStore(ctx, db, clk)
	if err != nil {
		log.Fatal().Err(err).Msg("open access store")
	}
	policyGate, err := policy.NewGate(ctx, db, clk)
	if err != nil {
		log.Fatal().Err(err).Msg("open policy gate")
	}
	pepper := []byte(os.Getenv(cfg.LeasePepperEnv))
	leaseStore, err := workorder.NewLeaseStore(ctx, db, clk, pepper)
	if err != nil {
		log.Fatal().Err(err).Msg("open lease store")
	}
	simStore, err := simulation.NewStore(ctx, db, clk)
	if err != nil {
		log.Fatal().Err(err).Msg("open simulation store")
	}
	quotaLane := quota.NewLane(rdb, cfg.QuotaPerSecond, cfg.QuotaBurst, cfg.QuotaRefuseAt)

	board, err := broadcast.NewBoard(ctx, db, clk)
	if err != nil {
		log.Fatal().Err(err).Msg("open broadcast board")
	}

	gates := orchestrator.NewGateEvaluator(accessStore, policyGate, leaseStore, quotaLane, simStore, clk, board)

	owners := map[string]string{
		"workorder": "orchestrator", "access_instance": "orchestrator",
		"simulation": "orchestrator", "memory": "orchestrator",
	}
	auditEmitter, err := audit.NewEmitter(ctx, db, clk, log, owners)
	if err != nil {
		log.Fatal().Err(err).Msg("open audit emitter")
	}

	scorer, err := orchestrator.NewUtilityScorer(ctx, db, clk, nil, orchestrator.DefaultScoringThresholds())
	if err != nil {
		log.Fatal().Err(err).Msg("open utility scorer")
	}

	budget := orchestrator.Budget{
		MaxEngines:  cfg.OptionalChainBudget.MaxEngines,
		MaxLatency:  time.Duration(cfg.OptionalChainBudget.MaxLatencyMs) * time.Millisecond,
	}
	_ = orchestrator.New(gates, simStore, auditEmitter, scorer, budget, log)

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

	log.Info().Str("addr", *addr).Msg("selene-orchestratord operational surface listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("operational surface server stopped")
	}
}
