package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobExpired   JobStatus = "expired"
)

// Cancellation reasons recorded in error_message.
const (
	ReasonCancelledBeforeStart = "cancelled_before_start"
	ReasonCancelledByHandler   = "cancelled_by_handler"
	ReasonCancelledByReaper    = "cancelled_by_reaper"
)

// Marketplace identifies the third-party platform a job talks to.
type Marketplace string

const (
	Vinted Marketplace = "vinted"
	Ebay   Marketplace = "ebay"
	Etsy   Marketplace = "etsy"
)

// Valid reports whether m is a known marketplace.
func (m Marketplace) Valid() bool {
	switch m {
	case Vinted, Ebay, Etsy:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobExpired:
		return true
	}
	return false
}

// Active is the complement of Terminal for known states.
func (s JobStatus) Active() bool {
	switch s {
	case JobPending, JobRunning, JobPaused:
		return true
	}
	return false
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending: {JobRunning, JobCancelled, JobExpired},
	JobRunning: {JobPaused, JobPending, JobCompleted, JobFailed, JobCancelled},
	JobPaused:  {JobRunning, JobCancelled},
}

// CanTransition reports whether from -> to is an edge of the job state machine.
// RUNNING -> PENDING is the retry / continue-as-new edge.
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is one logical external-side-effect operation.
type Job struct {
	ID               int64       `json:"id"`
	Marketplace      Marketplace `json:"marketplace"`
	ActionTypeID     int64       `json:"action_type_id"`
	ActionCode       string      `json:"action_type"`
	HandlerKey       string      `json:"-"`
	TargetResourceID *int64      `json:"target_resource_id,omitempty"`
	Priority         int16       `json:"priority"`
	Status           JobStatus   `json:"status"`
	RetryCount       int         `json:"retry_count"`
	MaxRetries       int         `json:"max_retries"`
	IdempotencyKey   *string     `json:"idempotency_key,omitempty"`
	CancelRequested  bool        `json:"cancel_requested"`
	InputData        Payload     `json:"input_data"`
	ResultData       Payload     `json:"result_data,omitempty"`
	ErrorMessage     *string     `json:"error_message,omitempty"`
	Progress         Progress    `json:"progress"`
	NextRunAt        time.Time   `json:"next_run_at"`
	CreatedAt        time.Time   `json:"created_at"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	ExpiresAt        *time.Time  `json:"expires_at,omitempty"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// ClaimStatus decides the status a freshly locked PENDING job moves to.
// A cancel observed before RUNNING short-circuits to CANCELLED.
func (j Job) ClaimStatus() (JobStatus, string) {
	if j.CancelRequested {
		return JobCancelled, ReasonCancelledBeforeStart
	}
	return JobRunning, ""
}

// RetryBudgetLeft reports whether one more transient failure can go back to PENDING.
func (j Job) RetryBudgetLeft() bool {
	return j.RetryCount+1 < j.MaxRetries
}

// Expired reports whether a pending job passed its deadline.
func (j Job) Expired(now time.Time) bool {
	return j.Status == JobPending && j.ExpiresAt != nil && j.ExpiresAt.Before(now)
}
