package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"marketplace-orchestrator/internal/models"
)

const selectJob = `
	SELECT j.id, j.marketplace, j.action_type_id, a.code, a.handler_key, j.target_resource_id, j.priority,
	       j.status, j.retry_count, j.max_retries, j.idempotency_key, j.cancel_requested, j.input_data,
	       j.result_data, j.error_message, j.progress, j.next_run_at, j.created_at, j.started_at,
	       j.completed_at, j.expires_at, j.updated_at
	FROM jobs j
	JOIN action_types a ON a.id = j.action_type_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var target pgtype.Int8
	var idem, errMsg pgtype.Text
	var input, result, progress []byte

	if err := row.Scan(&job.ID, &job.Marketplace, &job.ActionTypeID, &job.ActionCode, &job.HandlerKey, &target,
		&job.Priority, &job.Status, &job.RetryCount, &job.MaxRetries, &idem, &job.CancelRequested, &input,
		&result, &errMsg, &progress, &job.NextRunAt, &job.CreatedAt, &job.StartedAt,
		&job.CompletedAt, &job.ExpiresAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}

	var err error
	if job.InputData, err = unmarshalPayload(input); err != nil {
		return models.Job{}, err
	}
	if job.ResultData, err = unmarshalPayload(result); err != nil {
		return models.Job{}, err
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &job.Progress); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal progress: %w", err)
		}
	}
	job.TargetResourceID = int8Ptr(target)
	job.IdempotencyKey = textPtr(idem)
	job.ErrorMessage = textPtr(errMsg)
	return job, nil
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Marketplace      models.Marketplace
	ActionTypeID     int64
	TargetResourceID *int64
	Priority         int16
	MaxRetries       int
	IdempotencyKey   string
	InputData        models.Payload
	ExpiresAt        *time.Time
}

// CreateJob inserts a PENDING job. A live or completed job holding the same
// idempotency key surfaces as models.ErrDuplicateKey.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.InputData == nil {
		p.InputData = models.Payload{}
	}
	input, err := marshalPayload(p.InputData)
	if err != nil {
		return models.Job{}, err
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO jobs (marketplace, action_type_id, target_resource_id, priority, status, max_retries,
		                  idempotency_key, input_data, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, p.Marketplace, p.ActionTypeID, p.TargetResourceID, p.Priority, models.JobPending, p.MaxRetries,
		emptyToNil(p.IdempotencyKey), input, p.ExpiresAt).Scan(&id)
	if err != nil {
		if isUniqueViolation(err, "uq_jobs_idempotency_key") {
			return models.Job{}, models.ErrDuplicateKey
		}
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return s.GetJob(ctx, id)
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, selectJob+` WHERE j.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// FindByIdempotencyKey returns the most recent job created with key.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, selectJob+`
		WHERE j.idempotency_key = $1
		ORDER BY j.created_at DESC, j.id DESC
		LIMIT 1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	return job, true, nil
}

// ClaimNext locks the most urgent runnable job, moves it to RUNNING (or straight to
// CANCELLED when a cancel was requested before start) and commits. It returns nil
// when nothing is runnable.
func (s *Store) ClaimNext(ctx context.Context) (*models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	job, err := scanJob(tx.QueryRow(ctx, selectJob+`
		WHERE j.status = 'pending'
		  AND j.next_run_at <= NOW()
		  AND (j.expires_at IS NULL OR j.expires_at > NOW())
		ORDER BY j.priority ASC, j.created_at ASC, j.id ASC
		LIMIT 1
		FOR UPDATE OF j SKIP LOCKED`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	next, reason := job.ClaimStatus()
	if next == models.JobCancelled {
		err = tx.QueryRow(ctx, `
			UPDATE jobs SET status = $2, error_message = $3, completed_at = NOW(), updated_at = NOW()
			WHERE id = $1
			RETURNING completed_at, updated_at
		`, job.ID, next, reason).Scan(&job.CompletedAt, &job.UpdatedAt)
		job.ErrorMessage = &reason
	} else {
		err = tx.QueryRow(ctx, `
			UPDATE jobs SET status = $2, started_at = NOW(), updated_at = NOW()
			WHERE id = $1
			RETURNING started_at, updated_at
		`, job.ID, next).Scan(&job.StartedAt, &job.UpdatedAt)
	}
	if err != nil {
		return nil, fmt.Errorf("transition claimed job %d: %w", job.ID, err)
	}
	job.Status = next

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return &job, nil
}

// Complete transitions a RUNNING job to COMPLETED. It reports false when the job
// was finalized by someone else first.
func (s *Store) Complete(ctx context.Context, id int64, result models.Payload) (bool, error) {
	raw, err := marshalPayload(result)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, result_data = $3, error_message = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, id, models.JobCompleted, raw)
	if err != nil {
		return false, fmt.Errorf("complete job %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Fail transitions a RUNNING job to FAILED, keeping any partial result.
func (s *Store) Fail(ctx context.Context, id int64, retryCount int, msg string, partial models.Payload) (bool, error) {
	raw, err := marshalPayload(partial)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, retry_count = $3, error_message = $4,
		       result_data = COALESCE($5, result_data), completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, id, models.JobFailed, retryCount, msg, raw)
	if err != nil {
		return false, fmt.Errorf("fail job %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Retry returns a RUNNING job to PENDING with its retry counter advanced.
func (s *Store) Retry(ctx context.Context, id int64, retryCount int, nextRun time.Time, msg string, partial models.Payload) (bool, error) {
	raw, err := marshalPayload(partial)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, retry_count = $3, next_run_at = $4, error_message = $5,
		       result_data = COALESCE($6, result_data), updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, id, models.JobPending, retryCount, nextRun, msg, raw)
	if err != nil {
		return false, fmt.Errorf("retry job %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Cancel finalizes a RUNNING or PAUSED job as CANCELLED, keeping any partial result.
func (s *Store) Cancel(ctx context.Context, id int64, reason string, partial models.Payload) (bool, error) {
	raw, err := marshalPayload(partial)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, error_message = $3, result_data = COALESCE($4, result_data),
		       completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('running', 'paused')
	`, id, models.JobCancelled, reason, raw)
	if err != nil {
		return false, fmt.Errorf("cancel job %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Requeue hands a RUNNING job to a fresh execution carrying checkpoint, without
// touching its retry budget.
func (s *Store) Requeue(ctx context.Context, id int64, checkpoint models.Payload) (bool, error) {
	raw, err := marshalPayload(checkpoint)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, result_data = $3, next_run_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, id, models.JobPending, raw)
	if err != nil {
		return false, fmt.Errorf("requeue job %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateProgress persists the progress snapshot of a running job.
func (s *Store) UpdateProgress(ctx context.Context, id int64, p models.Progress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, id, raw)
	if err != nil {
		return fmt.Errorf("update progress %d: %w", id, err)
	}
	return nil
}

// RequestCancel raises cancel_requested on an active job and returns the row.
// Terminal jobs are returned untouched.
func (s *Store) RequestCancel(ctx context.Context, id int64) (models.Job, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET cancel_requested = TRUE, cancel_requested_at = COALESCE(cancel_requested_at, NOW()),
		       updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'running', 'paused')
	`, id)
	if err != nil {
		return models.Job{}, fmt.Errorf("request cancel %d: %w", id, err)
	}
	return s.GetJob(ctx, id)
}

// ReapCancelled force-cancels RUNNING jobs whose cancel request is older than grace.
func (s *Store) ReapCancelled(ctx context.Context, grace time.Duration) ([]int64, error) {
	return s.collectIDs(ctx, `
		UPDATE jobs SET status = $1, error_message = $2, completed_at = NOW(), updated_at = NOW()
		WHERE status = 'running' AND cancel_requested
		  AND COALESCE(cancel_requested_at, updated_at) < NOW() - ($3 * INTERVAL '1 millisecond')
		RETURNING id
	`, models.JobCancelled, models.ReasonCancelledByReaper, grace.Milliseconds())
}

// ExpirePending moves PENDING jobs past their deadline to EXPIRED.
func (s *Store) ExpirePending(ctx context.Context) ([]int64, error) {
	return s.collectIDs(ctx, `
		UPDATE jobs SET status = $1, error_message = 'expired_before_start', completed_at = NOW(), updated_at = NOW()
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at < NOW()
		RETURNING id
	`, models.JobExpired)
}

// StaleRunning lists RUNNING jobs not updated within olderThan.
func (s *Store) StaleRunning(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error) {
	return s.collectIDs(ctx, `
		SELECT id FROM jobs
		WHERE status = 'running' AND updated_at < NOW() - ($1 * INTERVAL '1 millisecond')
		ORDER BY updated_at ASC
		LIMIT $2
	`, olderThan.Milliseconds(), limit)
}

// ResetRunning returns an orphaned RUNNING job to PENDING without spending retry budget.
func (s *Store) ResetRunning(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, next_run_at = NOW(), error_message = 'recovered_after_worker_loss', updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, id, models.JobPending)
	if err != nil {
		return false, fmt.Errorf("reset job %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) collectIDs(ctx context.Context, sql string, args ...any) ([]int64, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("collect job ids: %w", err)
	}
	return ids, nil
}
