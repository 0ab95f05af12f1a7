package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"marketplace-orchestrator/internal/config"
	"marketplace-orchestrator/internal/lock"
	"marketplace-orchestrator/internal/models"
	"marketplace-orchestrator/internal/tasks"
	"marketplace-orchestrator/internal/telemetry"
	"marketplace-orchestrator/internal/workflow"
)

// JobStore is the job persistence used by the processor. Terminal writes only apply to
// RUNNING rows and report false when someone else finalized the job first.
type JobStore interface {
	ClaimNext(ctx context.Context) (*models.Job, error)
	Complete(ctx context.Context, id int64, result models.Payload) (bool, error)
	Fail(ctx context.Context, id int64, retryCount int, msg string, partial models.Payload) (bool, error)
	Retry(ctx context.Context, id int64, retryCount int, nextRun time.Time, msg string, partial models.Payload) (bool, error)
	Cancel(ctx context.Context, id int64, reason string, partial models.Payload) (bool, error)
	Requeue(ctx context.Context, id int64, checkpoint models.Payload) (bool, error)
	UpdateProgress(ctx context.Context, id int64, p models.Progress) error
}

// PanicError wraps a recovered handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg          config.Config
	store        JobStore
	signaler     *lock.Signaler
	registry     *Registry
	orchestrator *tasks.Orchestrator
	bus          SignalBus
	workerID     string
}

func NewProcessor(cfg config.Config, st JobStore, sig *lock.Signaler, reg *Registry, orch *tasks.Orchestrator) *Processor {
	return NewProcessorWithID(cfg, st, sig, reg, orch, cfg.WorkerID)
}

// NewProcessorWithID creates a processor with a specific worker ID for log correlation.
func NewProcessorWithID(cfg config.Config, st JobStore, sig *lock.Signaler, reg *Registry, orch *tasks.Orchestrator, workerID string) *Processor {
	return &Processor{
		cfg:          cfg,
		store:        st,
		signaler:     sig,
		registry:     reg,
		orchestrator: orch,
		workerID:     workerID,
	}
}

// UseSignals attaches the Redis signal bus for cancel push and progress mirroring.
func (p *Processor) UseSignals(bus SignalBus) {
	p.bus = bus
}

// Run polls for runnable jobs until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		processed, err := p.RunOnce(ctx)
		if err != nil {
			log.Error().Err(err).Str("worker_id", p.workerID).Msg("claim failed")
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// RunOnce claims and executes at most one job. It reports whether a job was claimed.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.store.ClaimNext(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	logger := p.jobLogger(*job)
	if job.Status == models.JobCancelled {
		telemetry.JobsCancelled.WithLabelValues(models.ReasonCancelledBeforeStart).Inc()
		logger.Info().Msg("job cancelled before start; handler not invoked")
		return true, nil
	}
	p.execute(ctx, *job, logger)
	return true, nil
}

func (p *Processor) jobLogger(job models.Job) zerolog.Logger {
	return log.With().
		Int64("job_id", job.ID).
		Str("marketplace", string(job.Marketplace)).
		Str("action", job.ActionCode).
		Str("worker_id", p.workerID).
		Logger()
}

func (p *Processor) execute(ctx context.Context, job models.Job, logger zerolog.Logger) {
	ctx, span := telemetry.Tracer("worker").Start(ctx, "job.execute")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("job.id", job.ID),
		attribute.String("job.marketplace", string(job.Marketplace)),
		attribute.String("job.action", job.ActionCode),
		attribute.Int("job.retry_count", job.RetryCount),
	)

	sess, err := p.signaler.AcquireWork(ctx, job.ID)
	if errors.Is(err, lock.ErrHeld) {
		logger.Warn().Msg("work lock held by another worker; abandoning claim")
		return
	}
	if err != nil {
		p.finish(ctx, job, nil, models.Transient(fmt.Errorf("acquire work lock: %w", err)), logger)
		return
	}
	release := func() {
		if err := sess.Unlock(context.WithoutCancel(ctx)); err != nil {
			logger.Warn().Err(err).Msg("release work lock")
		}
	}
	stranded := false
	defer func() {
		if !stranded {
			release()
		}
	}()

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	handler, ok := p.registry.Lookup(job.HandlerKey)
	if !ok {
		msg := fmt.Sprintf("no handler registered for %s/%s (key %s)", job.Marketplace, job.ActionCode, job.HandlerKey)
		logger.Error().Msg(msg)
		p.finish(ctx, job, nil, models.Permanent(errors.New(msg)), logger)
		return
	}

	logger.Info().Int("retry_count", job.RetryCount).Msg("job started")
	exec := NewExecution(job, p.orchestrator, p.signaler, p.bus, p.store.UpdateProgress, p.cfg.CancelPollInterval)
	result, alive, runErr := p.invoke(ctx, handler, exec)
	if alive != nil {
		out, stopped := p.awaitHandler(alive)
		if !stopped {
			// The handler ignored its deadline. Keep WORK held until it actually returns
			// so no other worker can claim the job; stuck-running recovery takes it from there.
			stranded = true
			telemetry.CaptureJobError(runErr, job.ID, string(job.Marketplace), job.ActionCode)
			logger.Error().Err(runErr).Msg("handler still running after timeout; job left running")
			go func() {
				<-alive
				release()
				logger.Warn().Msg("stranded handler returned; work lock released")
			}()
			return
		}
		result = out.result
		if out.err == nil {
			runErr = nil
		}
	}

	if runErr != nil && ctx.Err() != nil && !errors.Is(runErr, context.DeadlineExceeded) {
		// Worker shutdown: hand the job back, keeping whatever checkpoint the handler returned.
		checkpoint := job.ResultData
		if result != nil {
			checkpoint = result
		}
		if _, err := p.store.Requeue(context.WithoutCancel(ctx), job.ID, checkpoint); err != nil {
			logger.Error().Err(err).Msg("requeue on shutdown")
		}
		logger.Info().Msg("job requeued on shutdown")
		return
	}
	if runErr != nil {
		span.SetStatus(codes.Error, runErr.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	p.finish(ctx, job, result, runErr, logger)
}

type outcome struct {
	result models.Payload
	err    error
}

// invoke runs the handler under the per-job timeout. Panics are recovered here, once.
// When the timeout or a shutdown fires first, the handler may still be running; its
// eventual outcome arrives on the returned channel.
func (p *Processor) invoke(ctx context.Context, h Handler, exec *Execution) (models.Payload, <-chan outcome, error) {
	timeout := p.cfg.JobTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)

	ch := make(chan outcome, 1)
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: &PanicError{Value: r, Stack: debug.Stack()}}
			}
		}()
		res, err := h.Execute(runCtx, exec)
		ch <- outcome{result: res, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, nil, out.err
	case <-runCtx.Done():
		select {
		case out := <-ch:
			return out.result, nil, out.err
		default:
		}
		if ctx.Err() != nil {
			return nil, ch, ctx.Err()
		}
		return nil, ch, fmt.Errorf("job exceeded timeout %s: %w", timeout, context.DeadlineExceeded)
	}
}

// awaitHandler gives a handler that missed its deadline a short grace to return.
func (p *Processor) awaitHandler(alive <-chan outcome) (outcome, bool) {
	grace := p.cfg.HandlerStopGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case out := <-alive:
		return out, true
	case <-time.After(grace):
		return outcome{}, false
	}
}

// finish maps a handler outcome to the job's next state.
func (p *Processor) finish(ctx context.Context, job models.Job, result models.Payload, runErr error, logger zerolog.Logger) {
	writeCtx := context.WithoutCancel(ctx)
	var (
		applied bool
		err     error
		can     *workflow.ContinueAsNewError
		panicE  *PanicError
	)

	switch {
	case runErr == nil:
		applied, err = p.store.Complete(writeCtx, job.ID, result)
		if applied {
			telemetry.JobsCompleted.Inc()
			logger.Info().Msg("job completed")
		}

	case errors.As(runErr, &can):
		applied, err = p.store.Requeue(writeCtx, job.ID, can.Checkpoint.Payload())
		if applied {
			telemetry.JobsContinued.Inc()
			logger.Info().Int("cursor", can.Checkpoint.Cursor).Msg("job continued as new")
		}

	case errors.Is(runErr, models.ErrCancelled):
		applied, err = p.store.Cancel(writeCtx, job.ID, models.ReasonCancelledByHandler, result)
		if applied {
			telemetry.JobsCancelled.WithLabelValues(models.ReasonCancelledByHandler).Inc()
			logger.Info().Msg("job cancelled by handler")
		}

	case errors.As(runErr, &panicE):
		telemetry.CaptureJobError(runErr, job.ID, string(job.Marketplace), job.ActionCode)
		logger.Error().Err(runErr).Bytes("stack", panicE.Stack).Msg("handler panicked")
		applied, err = p.store.Fail(writeCtx, job.ID, job.RetryCount, runErr.Error(), result)
		if applied {
			telemetry.JobsFailed.Inc()
		}

	case models.IsPermanent(runErr):
		applied, err = p.store.Fail(writeCtx, job.ID, job.RetryCount, runErr.Error(), result)
		if applied {
			telemetry.JobsFailed.Inc()
			logger.Warn().Err(runErr).Msg("job failed permanently")
		}

	default:
		attempts := job.RetryCount + 1
		if job.RetryBudgetLeft() {
			backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
			nextRun := time.Now().Add(backoff)
			applied, err = p.store.Retry(writeCtx, job.ID, attempts, nextRun, runErr.Error(), result)
			if applied {
				telemetry.JobsRetried.Inc()
				logger.Warn().Err(runErr).Int("retry_count", attempts).Time("next_run_at", nextRun).Msg("job will retry")
			}
		} else {
			if attempts > job.MaxRetries {
				attempts = job.MaxRetries
			}
			applied, err = p.store.Fail(writeCtx, job.ID, attempts, runErr.Error(), result)
			if applied {
				telemetry.JobsFailed.Inc()
				logger.Warn().Err(runErr).Int("retry_count", attempts).Msg("job failed; retry budget exhausted")
			}
		}
	}

	if err != nil {
		logger.Error().Err(err).Msg("persist job outcome")
		return
	}
	if !applied {
		logger.Info().Msg("job already finalized elsewhere; outcome discarded")
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
