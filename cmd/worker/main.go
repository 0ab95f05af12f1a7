package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"marketplace-orchestrator/internal/config"
	"marketplace-orchestrator/internal/handlers"
	"marketplace-orchestrator/internal/listings"
	"marketplace-orchestrator/internal/lock"
	"marketplace-orchestrator/internal/marketplace"
	"marketplace-orchestrator/internal/models"
	"marketplace-orchestrator/internal/pending"
	"marketplace-orchestrator/internal/photos"
	"marketplace-orchestrator/internal/ratelimit"
	"marketplace-orchestrator/internal/signals"
	"marketplace-orchestrator/internal/store"
	"marketplace-orchestrator/internal/tasks"
	"marketplace-orchestrator/internal/telemetry"
	"marketplace-orchestrator/internal/worker"
	"marketplace-orchestrator/internal/workflow"
)

var version = "dev"

func main() {
	cfg := config.Load()
	telemetry.SetupLogger(cfg.LogLevel, cfg.Env, "worker")

	flush, err := telemetry.InitSentry(cfg.SentryDSN, cfg.Env, version)
	if err != nil {
		log.Warn().Err(err).Msg("sentry disabled")
	}
	defer flush()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	dsn := cfg.TenantDSN()
	if err := store.RunMigrations(dsn); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	st, err := store.New(ctx, dsn, int32(cfg.WorkerConcurrency+4))
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	db, err := store.OpenDomain(dsn, cfg.WorkerPoolSize+4)
	if err != nil {
		log.Fatal().Err(err).Msg("open domain database")
	}

	bus := signals.NewBus(cfg)
	defer bus.Close()
	if err := bus.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("redis unavailable; cancel push and live progress degrade to polling")
	}

	stager, err := photos.NewStager(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init photo stager")
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	// Each processor pins a WORK session and briefly opens cancel probes next to it.
	locker, err := lock.OpenPGLocker(ctx, dsn, int32(cfg.WorkerConcurrency*2+2), cfg.LockAcquireTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("connect lock pool")
	}
	defer locker.Close()
	sig := lock.NewSignaler(locker, cfg.CancelAcquireRetries, cfg.CancelAcquireDelay)
	orch := tasks.NewOrchestrator(st)
	throttle := ratelimit.NewTokenBucket(bus.Client(), cfg.MarketplaceCapacity, cfg.MarketplaceRefill, time.Hour)

	reg := worker.NewRegistry()
	handlers.Register(reg, handlers.Deps{
		Config:      cfg,
		Marketplace: marketplace.NewHTTPClient(cfg, throttle),
		Listings:    listings.NewRepository(db),
		Photos:      stager,
		Pending:     pending.NewService(pending.NewGormStore(db)),
		Pacer: func(mp models.Marketplace) workflow.Pacer {
			return ratelimit.NewPacer(cfg.PageDelay, throttle, "mp:"+string(mp))
		},
	})
	types, err := st.ListActionTypes(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load action types")
	}
	for _, at := range reg.Validate(types) {
		log.Warn().Str("marketplace", string(at.Marketplace)).Str("action", at.Code).
			Str("handler_key", at.HandlerKey).Msg("action type has no registered handler; its jobs will fail")
	}

	sweeper := worker.NewSweeper(cfg, st, sig)
	sweeps := cron.New()
	if err := sweeper.Schedule(ctx, sweeps); err != nil {
		log.Fatal().Err(err).Msg("schedule sweeps")
	}
	sweeps.Start()
	defer sweeps.Stop()

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().Str("worker_id", workerID).Int("concurrency", cfg.WorkerConcurrency).
		Dur("job_timeout", cfg.JobTimeout).Strs("handlers", reg.Keys()).Msg("worker started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		p := worker.NewProcessorWithID(cfg, st, sig, reg, orch, fmt.Sprintf("%s-%d", workerID, i))
		p.UseSignals(bus)
		g.Go(func() error { return p.Run(gctx) })
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("worker stopped")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metrics.Shutdown(shutdownCtx)
	log.Info().Msg("worker stopped")
}
