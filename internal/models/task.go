package models

import "time"

// TaskStatus is the simpler task state machine; there is no paused state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskSuccess    TaskStatus = "success"
	TaskFailed     TaskStatus = "failed"
)

// Task is one ordered sub-step of a Job.
type Task struct {
	ID           int64      `json:"id"`
	JobID        int64      `json:"job_id"`
	Position     int        `json:"position"`
	Description  string     `json:"description"`
	Status       TaskStatus `json:"status"`
	Result       Payload    `json:"result,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Done reports whether the task already succeeded and must not run again.
func (t Task) Done() bool {
	return t.Status == TaskSuccess
}
