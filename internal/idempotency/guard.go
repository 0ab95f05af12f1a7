// Package idempotency decides whether a submission with a caller key may create a job.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"marketplace-orchestrator/internal/models"
	"marketplace-orchestrator/internal/telemetry"
)

// MaxKeyLength bounds caller supplied keys.
const MaxKeyLength = 64

// Lookup finds the most recent job created with a key.
type Lookup interface {
	FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error)
}

// Result is the outcome of a guarded submission.
type Result struct {
	Job    models.Job
	Cached bool
}

type Guard struct {
	lookup Lookup
}

func NewGuard(l Lookup) *Guard {
	return &Guard{lookup: l}
}

// ValidateKey rejects keys the storage column cannot hold.
func ValidateKey(key string) error {
	if len(key) > MaxKeyLength {
		return fmt.Errorf("idempotency key longer than %d bytes: %w", MaxKeyLength, models.ErrInvalidInput)
	}
	return nil
}

// NewKey mints a key shaped <action>_<resource_id>_<random>, at most MaxKeyLength bytes.
func NewKey(action string, resourceID int64) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	suffix := fmt.Sprintf("_%d_%s", resourceID, random)
	if room := MaxKeyLength - len(suffix); len(action) > room {
		action = action[:room]
	}
	return action + suffix
}

// Check inspects the latest job with key. A COMPLETED job is returned as cached, an
// active one yields models.ErrConflict, and FAILED/CANCELLED/EXPIRED ones let a new
// job through. An empty key always proceeds.
func (g *Guard) Check(ctx context.Context, key string) (*Result, error) {
	if key == "" {
		return nil, nil
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	job, found, err := g.lookup.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		telemetry.IdempotencyChecks.WithLabelValues("new").Inc()
		return nil, nil
	}
	switch {
	case job.Status == models.JobCompleted:
		telemetry.IdempotencyChecks.WithLabelValues("cached").Inc()
		return &Result{Job: job, Cached: true}, nil
	case job.Status.Active():
		telemetry.IdempotencyChecks.WithLabelValues("conflict").Inc()
		return nil, fmt.Errorf("job %d with key %q is %s: %w", job.ID, key, job.Status, models.ErrConflict)
	default:
		telemetry.IdempotencyChecks.WithLabelValues("retry").Inc()
		log.Debug().Str("idempotency_key", key).Int64("previous_job_id", job.ID).
			Str("previous_status", string(job.Status)).Msg("previous attempt ended; allowing new job")
		return nil, nil
	}
}

// Run checks key and calls create when a new job is allowed. A concurrent submission
// that wins the unique index between check and insert is resolved by checking again.
func (g *Guard) Run(ctx context.Context, key string, create func(ctx context.Context) (models.Job, error)) (Result, error) {
	res, err := g.Check(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if res != nil {
		return *res, nil
	}

	job, err := create(ctx)
	if errors.Is(err, models.ErrDuplicateKey) {
		res, err := g.Check(ctx, key)
		if err != nil {
			return Result{}, err
		}
		if res != nil {
			return *res, nil
		}
		return Result{}, fmt.Errorf("key %q taken concurrently: %w", key, models.ErrConflict)
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Job: job}, nil
}
