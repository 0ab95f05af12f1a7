// Package jobs is the entry point the API layer uses to submit, query and cancel jobs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"marketplace-orchestrator/internal/config"
	"marketplace-orchestrator/internal/idempotency"
	"marketplace-orchestrator/internal/models"
	"marketplace-orchestrator/internal/store"
	"marketplace-orchestrator/internal/telemetry"
)

// Store is the job persistence the service needs.
type Store interface {
	idempotency.Lookup
	ResolveActionType(ctx context.Context, mp models.Marketplace, code string) (models.ActionType, error)
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id int64) (models.Job, error)
	RequestCancel(ctx context.Context, id int64) (models.Job, error)
	ListTasks(ctx context.Context, jobID int64) ([]models.Task, error)
}

// CancelSignaler raises the advisory cancel signal seen by running handlers.
type CancelSignaler interface {
	SignalCancel(ctx context.Context, jobID int64) error
	Prune(ctx context.Context, finished func(ctx context.Context, jobID int64) (bool, error)) (int, error)
}

// LiveBus is the Redis side of running workflows.
type LiveBus interface {
	PublishCancel(ctx context.Context, jobID int64) error
	LoadProgress(ctx context.Context, jobID int64) (models.Progress, bool, error)
	Forget(ctx context.Context, jobID int64) error
}

// CreateRequest is a job submission.
type CreateRequest struct {
	Marketplace      models.Marketplace `json:"marketplace"`
	ActionType       string             `json:"action_type"`
	TargetResourceID *int64             `json:"target_resource_id,omitempty"`
	Priority         *int               `json:"priority,omitempty"`
	MaxRetries       *int               `json:"max_retries,omitempty"`
	IdempotencyKey   string             `json:"idempotency_key,omitempty"`
	InputData        models.Payload     `json:"input_data,omitempty"`
	ExpiresAt        *time.Time         `json:"expires_at,omitempty"`
}

// Status is the polled view of a job.
type Status struct {
	JobID           int64            `json:"job_id"`
	Status          models.JobStatus `json:"status"`
	Result          models.Payload   `json:"result,omitempty"`
	Error           *string          `json:"error,omitempty"`
	Progress        *models.Progress `json:"progress,omitempty"`
	CancelRequested bool             `json:"cancel_requested"`
}

type Service struct {
	cfg      config.Config
	store    Store
	guard    *idempotency.Guard
	signaler CancelSignaler
	bus      LiveBus
}

// NewService builds the facade. signaler and bus may be nil.
func NewService(cfg config.Config, st Store, signaler CancelSignaler, bus LiveBus) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		guard:    idempotency.NewGuard(st),
		signaler: signaler,
		bus:      bus,
	}
}

// Create validates req and inserts a PENDING job behind the idempotency guard. A
// cached result carries the earlier COMPLETED job.
func (s *Service) Create(ctx context.Context, req CreateRequest) (idempotency.Result, error) {
	if !req.Marketplace.Valid() {
		return idempotency.Result{}, fmt.Errorf("unknown marketplace %q: %w", req.Marketplace, models.ErrInvalidInput)
	}
	if req.ActionType == "" {
		return idempotency.Result{}, fmt.Errorf("action_type is required: %w", models.ErrInvalidInput)
	}
	if err := idempotency.ValidateKey(req.IdempotencyKey); err != nil {
		return idempotency.Result{}, err
	}
	priority := s.cfg.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	if priority < 0 || priority > math.MaxInt16 {
		return idempotency.Result{}, fmt.Errorf("priority %d out of range: %w", priority, models.ErrInvalidInput)
	}
	maxRetries := s.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	// Zero means a single attempt with no retry.
	if maxRetries < 0 {
		return idempotency.Result{}, fmt.Errorf("max_retries must not be negative: %w", models.ErrInvalidInput)
	}

	at, err := s.store.ResolveActionType(ctx, req.Marketplace, req.ActionType)
	if err != nil {
		return idempotency.Result{}, err
	}

	res, err := s.guard.Run(ctx, req.IdempotencyKey, func(ctx context.Context) (models.Job, error) {
		return s.store.CreateJob(ctx, store.CreateJobParams{
			Marketplace:      req.Marketplace,
			ActionTypeID:     at.ID,
			TargetResourceID: req.TargetResourceID,
			Priority:         int16(priority),
			MaxRetries:       maxRetries,
			IdempotencyKey:   req.IdempotencyKey,
			InputData:        req.InputData,
			ExpiresAt:        req.ExpiresAt,
		})
	})
	if err != nil {
		return idempotency.Result{}, err
	}
	if !res.Cached {
		telemetry.JobsCreated.Inc()
		log.Info().Int64("job_id", res.Job.ID).Str("marketplace", string(req.Marketplace)).
			Str("action", req.ActionType).Msg("job created")
	}
	return res, nil
}

// Progress reads a job's status. RUNNING jobs report the live mirror when it exists,
// otherwise the last snapshot persisted on the row.
func (s *Service) Progress(ctx context.Context, id int64) (Status, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		JobID:           job.ID,
		Status:          job.Status,
		Error:           job.ErrorMessage,
		CancelRequested: job.CancelRequested,
	}
	if job.Status.Terminal() {
		st.Result = job.ResultData
	}

	progress := job.Progress
	if job.Status == models.JobRunning && s.bus != nil {
		live, ok, err := s.bus.LoadProgress(ctx, id)
		if err != nil {
			log.Debug().Err(err).Int64("job_id", id).Msg("live progress unavailable")
		} else if ok {
			progress = live
		}
	}
	if progress != (models.Progress{}) {
		st.Progress = &progress
	}
	return st, nil
}

// RequestCancel records the request and signals a running job. It never waits for
// the job to stop.
func (s *Service) RequestCancel(ctx context.Context, id int64) (models.Job, error) {
	job, err := s.store.RequestCancel(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	if job.Status == models.JobRunning || job.Status == models.JobPaused {
		if s.signaler != nil {
			if err := s.signaler.SignalCancel(ctx, id); err != nil {
				log.Warn().Err(err).Int64("job_id", id).Msg("raise cancel signal")
			}
		}
		if s.bus != nil {
			if err := s.bus.PublishCancel(ctx, id); err != nil {
				log.Warn().Err(err).Int64("job_id", id).Msg("publish cancel")
			}
		}
	}
	log.Info().Int64("job_id", id).Str("status", string(job.Status)).Msg("cancel requested")
	return job, nil
}

// Tasks lists a job's tasks in position order.
func (s *Service) Tasks(ctx context.Context, id int64) ([]models.Task, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListTasks(ctx, id)
}

// PruneSignals releases cancel signals held for jobs that have finished and drops
// their Redis keys.
func (s *Service) PruneSignals(ctx context.Context) (int, error) {
	if s.signaler == nil {
		return 0, nil
	}
	return s.signaler.Prune(ctx, func(ctx context.Context, id int64) (bool, error) {
		job, err := s.store.GetJob(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if !job.Status.Terminal() {
			return false, nil
		}
		if s.bus != nil {
			if err := s.bus.Forget(ctx, id); err != nil {
				log.Debug().Err(err).Int64("job_id", id).Msg("drop live keys")
			}
		}
		return true, nil
	})
}
