// Package tasks decomposes one job into ordered, independently retryable steps and
// re-executes only the steps that have not succeeded yet.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"marketplace-orchestrator/internal/models"
	"marketplace-orchestrator/internal/telemetry"
)

// Store is the persistence the orchestrator needs. Every call commits on its own.
type Store interface {
	CreateTasks(ctx context.Context, jobID int64, descriptions []string) ([]models.Task, error)
	ListTasks(ctx context.Context, jobID int64) ([]models.Task, error)
	MarkTaskProcessing(ctx context.Context, id int64) (models.Task, error)
	MarkTaskSuccess(ctx context.Context, id int64, result models.Payload) (models.Task, error)
	MarkTaskFailed(ctx context.Context, id int64, msg string) (models.Task, error)
}

// Func performs the remote side effect of one task.
type Func func(ctx context.Context, task models.Task) (models.Payload, error)

// Orchestrator runs tasks sequentially in position order.
type Orchestrator struct {
	store Store
}

func NewOrchestrator(st Store) *Orchestrator {
	return &Orchestrator{store: st}
}

// CreateTasks inserts PENDING tasks with positions 1..n as one batch.
func (o *Orchestrator) CreateTasks(ctx context.Context, job models.Job, descriptions []string) ([]models.Task, error) {
	if len(descriptions) == 0 {
		return nil, fmt.Errorf("job %d: no task descriptions: %w", job.ID, models.ErrInvalidInput)
	}
	return o.store.CreateTasks(ctx, job.ID, descriptions)
}

// EnsureTasks returns the job's existing tasks, creating them on the first run.
// Existing tasks are never renumbered.
func (o *Orchestrator) EnsureTasks(ctx context.Context, job models.Job, descriptions []string) ([]models.Task, error) {
	existing, err := o.store.ListTasks(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}
	return o.CreateTasks(ctx, job, descriptions)
}

// ShouldSkip is the whole retry-intelligence rule: only successful tasks are skipped.
func ShouldSkip(task models.Task) bool {
	return task.Done()
}

// ExecuteTask moves the task to PROCESSING, runs fn and records SUCCESS or FAILED.
// The three writes commit separately. task is updated in place.
func (o *Orchestrator) ExecuteTask(ctx context.Context, task *models.Task, fn Func) error {
	if ShouldSkip(*task) {
		return nil
	}

	ctx, span := telemetry.Tracer("tasks").Start(ctx, "task.execute")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("job.id", task.JobID),
		attribute.Int("task.position", task.Position),
		attribute.String("task.description", task.Description),
	)

	started, err := o.store.MarkTaskProcessing(ctx, task.ID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("start task %d: %w", task.ID, err)
	}
	*task = started

	result, runErr := fn(ctx, *task)
	if runErr != nil {
		failed, err := o.store.MarkTaskFailed(ctx, task.ID, runErr.Error())
		if err != nil {
			return errors.Join(runErr, fmt.Errorf("record task failure: %w", err))
		}
		*task = failed
		telemetry.TaskExecutions.WithLabelValues(string(models.TaskFailed)).Inc()
		span.SetStatus(codes.Error, runErr.Error())
		return runErr
	}

	done, err := o.store.MarkTaskSuccess(ctx, task.ID, result)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("record task success: %w", err)
	}
	*task = done
	telemetry.TaskExecutions.WithLabelValues(string(models.TaskSuccess)).Inc()
	span.SetStatus(codes.Ok, "")
	return nil
}

// ExecuteJobWithTasks runs every not yet successful task in position order and stops
// at the first failure, leaving later tasks PENDING for the next run. It reports
// true only when every task ended SUCCESS; the returned error is the failing task's.
// The tasks slice is sorted and updated in place.
func (o *Orchestrator) ExecuteJobWithTasks(ctx context.Context, job models.Job, tasks []models.Task, handlers map[string]Func) (bool, error) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Position < tasks[j].Position })

	for i := range tasks {
		task := &tasks[i]
		if ShouldSkip(*task) {
			telemetry.TasksSkipped.Inc()
			log.Debug().Int64("job_id", job.ID).Int("position", task.Position).Msg("task already succeeded; skipping")
			continue
		}
		fn, ok := handlers[task.Description]
		if !ok {
			return false, models.Permanent(fmt.Errorf("no task handler for %q", task.Description))
		}
		if err := o.ExecuteTask(ctx, task, fn); err != nil {
			log.Warn().Err(err).Int64("job_id", job.ID).Int("position", task.Position).
				Str("task", task.Description).Msg("task failed; stopping job run")
			return false, fmt.Errorf("task %d/%d %q: %w", task.Position, len(tasks), task.Description, err)
		}
	}
	return true, nil
}

// Results collects the result payloads of successful tasks keyed by position.
func Results(tasks []models.Task) map[int]models.Payload {
	out := make(map[int]models.Payload, len(tasks))
	for _, t := range tasks {
		if t.Done() {
			out[t.Position] = t.Result
		}
	}
	return out
}
