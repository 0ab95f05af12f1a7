package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"marketplace-orchestrator/internal/models"
)

const selectTask = `
	SELECT id, job_id, position, description, status, result, error_message, started_at, completed_at
	FROM tasks`

func scanTask(row rowScanner) (models.Task, error) {
	var t models.Task
	var result []byte
	var errMsg pgtype.Text
	if err := row.Scan(&t.ID, &t.JobID, &t.Position, &t.Description, &t.Status, &result, &errMsg,
		&t.StartedAt, &t.CompletedAt); err != nil {
		return models.Task{}, err
	}
	var err error
	if t.Result, err = unmarshalPayload(result); err != nil {
		return models.Task{}, err
	}
	t.ErrorMessage = textPtr(errMsg)
	return t, nil
}

// CreateTasks inserts one PENDING task per description with positions 1..n in a
// single transaction.
func (s *Store) CreateTasks(ctx context.Context, jobID int64, descriptions []string) ([]models.Task, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for i, desc := range descriptions {
		batch.Queue(`
			INSERT INTO tasks (job_id, position, description, status)
			VALUES ($1, $2, $3, $4)
			RETURNING id, job_id, position, description, status, result, error_message, started_at, completed_at
		`, jobID, i+1, desc, models.TaskPending)
	}
	br := tx.SendBatch(ctx, batch)
	tasks := make([]models.Task, 0, len(descriptions))
	for range descriptions {
		t, err := scanTask(br.QueryRow())
		if err != nil {
			_ = br.Close()
			return nil, fmt.Errorf("insert task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tasks: %w", err)
	}
	return tasks, nil
}

// ListTasks returns a job's tasks ordered by position.
func (s *Store) ListTasks(ctx context.Context, jobID int64) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, selectTask+` WHERE job_id = $1 ORDER BY position`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkTaskProcessing moves a PENDING/FAILED/stale PROCESSING task to PROCESSING.
// SUCCESS tasks are immutable and yield models.ErrConflict.
func (s *Store) MarkTaskProcessing(ctx context.Context, id int64) (models.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `
		UPDATE tasks SET status = $2, started_at = NOW(), completed_at = NULL, error_message = NULL
		WHERE id = $1 AND status <> 'success'
		RETURNING id, job_id, position, description, status, result, error_message, started_at, completed_at
	`, id, models.TaskProcessing))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %d already succeeded: %w", id, models.ErrConflict)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("mark task processing: %w", err)
	}
	return t, nil
}

// MarkTaskSuccess stores the result of a PROCESSING task.
func (s *Store) MarkTaskSuccess(ctx context.Context, id int64, result models.Payload) (models.Task, error) {
	raw, err := marshalPayload(result)
	if err != nil {
		return models.Task{}, err
	}
	t, err := scanTask(s.pool.QueryRow(ctx, `
		UPDATE tasks SET status = $2, result = $3, completed_at = NOW()
		WHERE id = $1 AND status = 'processing'
		RETURNING id, job_id, position, description, status, result, error_message, started_at, completed_at
	`, id, models.TaskSuccess, raw))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %d not processing: %w", id, models.ErrConflict)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("mark task success: %w", err)
	}
	return t, nil
}

// MarkTaskFailed records the error of a PROCESSING task.
func (s *Store) MarkTaskFailed(ctx context.Context, id int64, msg string) (models.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `
		UPDATE tasks SET status = $2, error_message = $3, completed_at = NOW()
		WHERE id = $1 AND status = 'processing'
		RETURNING id, job_id, position, description, status, result, error_message, started_at, completed_at
	`, id, models.TaskFailed, msg))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %d not processing: %w", id, models.ErrConflict)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("mark task failed: %w", err)
	}
	return t, nil
}
