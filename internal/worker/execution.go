package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"marketplace-orchestrator/internal/models"
	"marketplace-orchestrator/internal/tasks"
)

// CancelProbe is the handler-side cancellation check.
type CancelProbe interface {
	CancelRequested(ctx context.Context, jobID int64) (bool, error)
}

// SignalBus pushes cancel signals to running workflows and mirrors their progress.
type SignalBus interface {
	WatchCancel(ctx context.Context, jobID int64, onCancel func()) (func(), error)
	StoreProgress(ctx context.Context, jobID int64, p models.Progress) error
}

// Execution is what a handler sees of the running job.
type Execution struct {
	Job models.Job

	probe        CancelProbe
	bus          SignalBus
	progress     ProgressWriter
	orchestrator *tasks.Orchestrator
	pollEvery    time.Duration
}

// ProgressWriter persists a progress snapshot on the job row.
type ProgressWriter func(ctx context.Context, jobID int64, p models.Progress) error

// NewExecution builds the handler view of job. probe, bus and progress may be nil.
func NewExecution(job models.Job, orch *tasks.Orchestrator, probe CancelProbe, bus SignalBus, progress ProgressWriter, pollEvery time.Duration) *Execution {
	return &Execution{
		Job:          job,
		probe:        probe,
		bus:          bus,
		progress:     progress,
		orchestrator: orch,
		pollEvery:    pollEvery,
	}
}

// CancelRequested performs one non-blocking cancellation check.
func (e *Execution) CancelRequested(ctx context.Context) (bool, error) {
	if e.probe == nil {
		return false, nil
	}
	return e.probe.CancelRequested(ctx, e.Job.ID)
}

// ReportProgress persists a snapshot on the job row and, when available, the live mirror.
func (e *Execution) ReportProgress(ctx context.Context, p models.Progress) error {
	if e.bus != nil {
		if err := e.bus.StoreProgress(ctx, e.Job.ID, p); err != nil {
			log.Warn().Err(err).Int64("job_id", e.Job.ID).Msg("mirror progress")
		}
	}
	if e.progress == nil {
		return nil
	}
	return e.progress(ctx, e.Job.ID, p)
}

// Tasks returns the task orchestrator for handlers that decompose into steps.
func (e *Execution) Tasks() *tasks.Orchestrator {
	return e.orchestrator
}

// WatchCancel calls onCancel once cancellation is observed, either from the signal bus
// or from periodic lock probes. Call the returned function to stop watching.
func (e *Execution) WatchCancel(ctx context.Context, onCancel func()) func() {
	watchCtx, cancel := context.WithCancel(ctx)
	var stopBus func()

	// Bus callbacks run on the subscriber goroutine; hand them to the watcher below
	// so onCancel is invoked exactly once from one place.
	busHit := make(chan struct{}, 1)
	if e.bus != nil {
		stop, err := e.bus.WatchCancel(watchCtx, e.Job.ID, func() {
			select {
			case busHit <- struct{}{}:
			default:
			}
		})
		if err != nil {
			log.Warn().Err(err).Int64("job_id", e.Job.ID).Msg("subscribe cancel signal; relying on lock probes")
		} else {
			stopBus = stop
		}
	}

	interval := e.pollEvery
	if interval <= 0 {
		interval = 2 * time.Second
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-busHit:
				onCancel()
				return
			case <-ticker.C:
				requested, err := e.CancelRequested(watchCtx)
				if err != nil {
					log.Debug().Err(err).Int64("job_id", e.Job.ID).Msg("cancel probe failed")
					continue
				}
				if requested {
					onCancel()
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
		if stopBus != nil {
			stopBus()
		}
	}
}
