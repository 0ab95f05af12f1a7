package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"marketplace-orchestrator/internal/api"
	"marketplace-orchestrator/internal/config"
	"marketplace-orchestrator/internal/jobs"
	"marketplace-orchestrator/internal/lock"
	"marketplace-orchestrator/internal/pending"
	"marketplace-orchestrator/internal/ratelimit"
	"marketplace-orchestrator/internal/signals"
	"marketplace-orchestrator/internal/store"
	"marketplace-orchestrator/internal/telemetry"
)

var version = "dev"

func main() {
	cfg := config.Load()
	telemetry.SetupLogger(cfg.LogLevel, cfg.Env, "api")

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
	st, err := store.New(ctx, dsn, 16)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	db, err := store.OpenDomain(dsn, 8)
	if err != nil {
		log.Fatal().Err(err).Msg("open domain database")
	}

	bus := signals.NewBus(cfg)
	defer bus.Close()
	limiter := ratelimit.NewTokenBucket(bus.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	// Cancel signals raised here pin a lock connection each until pruned, so they live
	// on their own pool and never starve job queries.
	locker, err := lock.OpenPGLocker(ctx, dsn, int32(cfg.LockConns), cfg.LockAcquireTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("connect lock pool")
	}
	defer locker.Close()
	sig := lock.NewSignaler(locker, cfg.CancelAcquireRetries, cfg.CancelAcquireDelay).LimitHeld(cfg.MaxHeldSignals)
	jobSvc := jobs.NewService(cfg, st, sig, bus)

	housekeeping := cron.New()
	if _, err := housekeeping.AddFunc(cfg.CancelPruneSched, func() {
		pruneCtx, cancelPrune := context.WithTimeout(ctx, 10*time.Second)
		defer cancelPrune()
		released, err := jobSvc.PruneSignals(pruneCtx)
		if err != nil {
			log.Warn().Err(err).Msg("prune cancel signals")
			return
		}
		if released > 0 {
			log.Info().Int("released", released).Msg("released cancel signals")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("schedule signal prune")
	}
	housekeeping.Start()
	defer housekeeping.Stop()

	server := api.New(cfg, jobSvc, pending.NewService(pending.NewGormStore(db)), limiter)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
