package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"marketplace-orchestrator/internal/config"
	"marketplace-orchestrator/internal/lock"
	"marketplace-orchestrator/internal/models"
	"marketplace-orchestrator/internal/telemetry"
)

// SweepStore is the persistence used by the periodic sweeps.
type SweepStore interface {
	ReapCancelled(ctx context.Context, grace time.Duration) ([]int64, error)
	ExpirePending(ctx context.Context) ([]int64, error)
	StaleRunning(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error)
	ResetRunning(ctx context.Context, id int64) (bool, error)
}

// Sweeper runs the stale-job reaper, the expiry sweep and stuck-running recovery.
type Sweeper struct {
	cfg      config.Config
	store    SweepStore
	signaler *lock.Signaler
}

func NewSweeper(cfg config.Config, st SweepStore, sig *lock.Signaler) *Sweeper {
	return &Sweeper{cfg: cfg, store: st, signaler: sig}
}

// ReapCancelled force-cancels RUNNING jobs whose cancel request outlived the grace
// window, whether or not their handler ever checked.
func (s *Sweeper) ReapCancelled(ctx context.Context) (int, error) {
	ids, err := s.store.ReapCancelled(ctx, s.cfg.ReaperGrace)
	if err != nil {
		return 0, fmt.Errorf("reap cancelled jobs: %w", err)
	}
	for _, id := range ids {
		telemetry.JobsCancelled.WithLabelValues(models.ReasonCancelledByReaper).Inc()
		log.Warn().Int64("job_id", id).Dur("grace", s.cfg.ReaperGrace).Msg("force-cancelled job that ignored cancellation")
	}
	return len(ids), nil
}

// ExpirePending moves overdue PENDING jobs to EXPIRED.
func (s *Sweeper) ExpirePending(ctx context.Context) (int, error) {
	ids, err := s.store.ExpirePending(ctx)
	if err != nil {
		return 0, fmt.Errorf("expire pending jobs: %w", err)
	}
	telemetry.JobsExpired.Add(float64(len(ids)))
	for _, id := range ids {
		log.Info().Int64("job_id", id).Msg("job expired before start")
	}
	return len(ids), nil
}

// RecoverStuck returns RUNNING jobs to PENDING when nobody holds their WORK lock,
// which means the executing worker died.
func (s *Sweeper) RecoverStuck(ctx context.Context) (int, error) {
	ids, err := s.store.StaleRunning(ctx, s.cfg.StuckRunningAfter, 100)
	if err != nil {
		return 0, fmt.Errorf("list stale running jobs: %w", err)
	}
	recovered := 0
	for _, id := range ids {
		orphaned, err := s.signaler.WorkOrphaned(ctx, id)
		if err != nil {
			log.Warn().Err(err).Int64("job_id", id).Msg("probe work lock")
			continue
		}
		if !orphaned {
			continue
		}
		ok, err := s.store.ResetRunning(ctx, id)
		if err != nil {
			return recovered, fmt.Errorf("reset job %d: %w", id, err)
		}
		if ok {
			recovered++
			telemetry.JobsRecovered.Inc()
			log.Warn().Int64("job_id", id).Msg("recovered job from dead worker")
		}
	}
	return recovered, nil
}

// Schedule registers the sweeps on c using the configured cron specs.
func (s *Sweeper) Schedule(ctx context.Context, c *cron.Cron) error {
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) (int, error)
	}{
		{"reaper", s.cfg.ReaperSchedule, s.ReapCancelled},
		{"expiry", s.cfg.ExpirySchedule, s.ExpirePending},
		{"recovery", s.cfg.RecoverySchedule, s.RecoverStuck},
	}
	for _, j := range jobs {
		j := j
		if j.spec == "" {
			continue
		}
		if _, err := c.AddFunc(j.spec, func() {
			n, err := j.run(ctx)
			if err != nil {
				log.Error().Err(err).Str("sweep", j.name).Msg("sweep failed")
				return
			}
			if n > 0 {
				log.Info().Str("sweep", j.name).Int("affected", n).Msg("sweep applied")
			}
		}); err != nil {
			return fmt.Errorf("schedule %s sweep %q: %w", j.name, j.spec, err)
		}
	}
	return nil
}
