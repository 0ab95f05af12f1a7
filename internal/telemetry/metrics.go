package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated       = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_jobs_created_total", Help: "Jobs inserted"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_jobs_failed_total", Help: "Jobs moved to FAILED"})
	JobsRetried       = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_jobs_retried_total", Help: "Transient failures returned to PENDING"})
	JobsContinued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_jobs_continued_total", Help: "Jobs requeued with a continue-as-new checkpoint"})
	JobsExpired       = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_jobs_expired_total", Help: "Pending jobs expired before running"})
	JobsRecovered     = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_jobs_recovered_total", Help: "Orphaned running jobs returned to PENDING"})
	JobsCancelled     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_jobs_cancelled_total", Help: "Jobs cancelled by reason"}, []string{"reason"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_jobs_inflight", Help: "Jobs currently executing in this process"})
	TaskExecutions    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_task_executions_total", Help: "Task executions by final status"}, []string{"status"})
	TasksSkipped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_tasks_skipped_total", Help: "Already successful tasks skipped on resume"})
	WorkflowItems     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_workflow_items_total", Help: "Batch workflow activity outcomes"}, []string{"outcome"})
	IdempotencyChecks = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_idempotency_checks_total", Help: "Idempotency guard decisions"}, []string{"outcome"})
	PendingActions    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_pending_actions_total", Help: "Pending action lifecycle events"}, []string{"event"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			JobsContinued,
			JobsExpired,
			JobsRecovered,
			JobsCancelled,
			InFlightGauge,
			TaskExecutions,
			TasksSkipped,
			WorkflowItems,
			IdempotencyChecks,
			PendingActions,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
