package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"marketplace-orchestrator/internal/config"
	"marketplace-orchestrator/internal/idempotency"
	"marketplace-orchestrator/internal/jobs"
	"marketplace-orchestrator/internal/models"
	"marketplace-orchestrator/internal/pending"
	"marketplace-orchestrator/internal/telemetry"
)

// JobService is the job side of the API.
type JobService interface {
	Create(ctx context.Context, req jobs.CreateRequest) (idempotency.Result, error)
	Progress(ctx context.Context, id int64) (jobs.Status, error)
	RequestCancel(ctx context.Context, id int64) (models.Job, error)
	Tasks(ctx context.Context, id int64) ([]models.Task, error)
}

// PendingService is the confirmation queue side of the API.
type PendingService interface {
	Detect(ctx context.Context, d pending.Detection) (models.PendingAction, bool, error)
	Confirm(ctx context.Context, id int64, by string) (*models.PendingAction, error)
	Reject(ctx context.Context, id int64, by string) (*models.PendingAction, error)
	ListOpen(ctx context.Context, limit int) ([]models.PendingAction, error)
}

// Limiter admits job submissions per tenant.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers over the job and pending-action services.
type Server struct {
	cfg     config.Config
	jobs    JobService
	pending PendingService
	limiter Limiter
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, js JobService, ps PendingService, limiter Limiter) *Server {
	return &Server{
		cfg:     cfg,
		jobs:    js,
		pending: ps,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if len(s.cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Idempotency-Key", "X-Tenant-ID", "X-Actor"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Get("/{id}/tasks", s.handleTasks)
	})
	r.Route("/pending-actions", func(r chi.Router) {
		r.Get("/", s.handleListPending)
		r.Post("/", s.handleDetect)
		r.Post("/{id}/confirm", s.handleResolve(true))
		r.Post("/{id}/reject", s.handleResolve(false))
	})
	return r
}

type createResponse struct {
	Job    *models.Job    `json:"job,omitempty"`
	Cached bool           `json:"cached"`
	Result models.Payload `json:"result,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:%s", tenantFromRequest(r)))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	res, err := s.jobs.Create(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if res.Cached {
		writeJSON(w, http.StatusOK, createResponse{Cached: true, Result: res.Job.ResultData})
		return
	}
	writeJSON(w, http.StatusAccepted, createResponse{Job: &res.Job})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	st, err := s.jobs.Progress(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := s.jobs.RequestCancel(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":           job.ID,
		"status":           job.Status,
		"cancel_requested": job.CancelRequested,
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	tasks, err := s.jobs.Tasks(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	actions, err := s.pending.ListOpen(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if actions == nil {
		actions = []models.PendingAction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": actions})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var d pending.Detection
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	action, created, err := s.pending.Detect(r.Context(), d)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, map[string]any{"action": action, "created": created})
}

func (s *Server) handleResolve(confirm bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		by := r.Header.Get("X-Actor")
		if by == "" {
			by = "api"
		}
		resolve := s.pending.Reject
		if confirm {
			resolve = s.pending.Confirm
		}
		action, err := resolve(r.Context(), id, by)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"action": action})
	}
}

// fail maps domain errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", chimw.GetReqID(r.Context())).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
