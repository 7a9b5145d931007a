package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/colloquium-journals/colloquium-sub006/internal/errs"
	"github.com/colloquium-journals/colloquium-sub006/internal/jobs"
	"github.com/colloquium-journals/colloquium-sub006/internal/logging"
	"github.com/colloquium-journals/colloquium-sub006/internal/models"
	"github.com/colloquium-journals/colloquium-sub006/internal/pipeline"
	"github.com/colloquium-journals/colloquium-sub006/internal/ratelimit"
	"github.com/colloquium-journals/colloquium-sub006/internal/telemetry"
	"github.com/colloquium-journals/colloquium-sub006/internal/trigger"
)

// JobStore is the job table surface the API reads and updates.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListAudit(ctx context.Context, jobID string) ([]models.AuditLog, error)
	MarkCancelled(ctx context.Context, id string) error
	UpdateJobStatus(ctx context.Context, id string, status string, attempts int, nextRun time.Time, lastError *string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
	VisibleJobs(ctx context.Context) (int64, error)
}

// Queue is the Redis queue surface the API manages.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, priority string, runAt time.Time) error
	Cancel(ctx context.Context, jobID string) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
	DLQRemove(ctx context.Context, jobID string) (bool, error)
	ReadyDepth(ctx context.Context) (int64, error)
	InflightCount(ctx context.Context) (int64, error)
}

// Limiter throttles submissions per tenant.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the trigger producer API.
type Server struct {
	store   JobStore
	queue   Queue
	jobs    trigger.Enqueuer
	limiter Limiter
	logger  *slog.Logger
}

// New constructs the API server. limiter may be nil to disable throttling.
func New(st JobStore, q Queue, submitter trigger.Enqueuer, limiter Limiter, logger *slog.Logger) *Server {
	return &Server{
		store:   st,
		queue:   q,
		jobs:    submitter,
		limiter: limiter,
		logger:  logging.Component(logger, "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/triggers/messages", s.handleMessageTrigger)
		r.Post("/triggers/events", s.handleEventTrigger)
		r.Post("/pipelines", s.handleStartPipeline)
	})

	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/dlq", s.handleDLQ)
	r.Post("/dlq/{id}/requeue", s.handleRequeue)
	r.Get("/stats", s.handleStats)
	return r
}

func (s *Server) handleMessageTrigger(w http.ResponseWriter, r *http.Request) {
	var t models.MessageTrigger
	if !decode(w, r, &t) {
		return
	}
	if err := t.Validate(); err != nil {
		writeError(w, err)
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = "message:" + t.MessageID
	}
	s.submit(w, r, jobs.Request{Type: models.JobTypeMessageTrigger, Payload: t, IdempotencyKey: key})
}

func (s *Server) handleEventTrigger(w http.ResponseWriter, r *http.Request) {
	var t models.EventTrigger
	if !decode(w, r, &t) {
		return
	}
	if err := t.Validate(); err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, r, jobs.Request{Type: models.JobTypeEventTrigger, Payload: t, IdempotencyKey: r.Header.Get("Idempotency-Key")})
}

type pipelineRequest struct {
	ManuscriptID string          `json:"manuscriptId"`
	Steps        []pipeline.Step `json:"steps"`
	Priority     string          `json:"priority"`
}

func (s *Server) handleStartPipeline(w http.ResponseWriter, r *http.Request) {
	var req pipelineRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := trigger.StartPipeline(r.Context(), s.tenantScoped(r), req.ManuscriptID, req.Steps, req.Priority, r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, req jobs.Request) {
	res, err := s.tenantScoped(r).Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// tenantScoped stamps the caller's tenant on every submission.
func (s *Server) tenantScoped(r *http.Request) trigger.Enqueuer {
	return tenantEnqueuer{next: s.jobs, tenant: tenantFromRequest(r)}
}

type tenantEnqueuer struct {
	next   trigger.Enqueuer
	tenant string
}

func (t tenantEnqueuer) Submit(ctx context.Context, req jobs.Request) (jobs.Result, error) {
	if req.Tenant == "" {
		req.Tenant = t.tenant
	}
	return t.next.Submit(ctx, req)
}

type jobResponse struct {
	Job   models.Job        `json:"job"`
	Audit []models.AuditLog `json:"audit"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	audit, err := s.store.ListAudit(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job, Audit: audit})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.MarkCancelled(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	_ = s.store.AppendAudit(r.Context(), id, "cancelled", "cancel requested via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusCancelled})
}

// handleDLQ returns dead-lettered jobs, oldest first.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, errs.Validation("limit must be a positive integer"))
			return
		}
		limit = n
	}
	ids, err := s.queue.DLQPeek(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.store.GetJob(r.Context(), id)
		if err != nil {
			s.logger.Warn("dead-lettered job has no row", logging.FieldJobID, id, "error", err)
			continue
		}
		items = append(items, job)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleRequeue moves a dead-lettered job back onto the ready queue with a fresh attempt budget.
func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if job.Status != models.StatusDeadLetter {
		writeError(w, errs.Validation("job %s is %s, not %s", id, job.Status, models.StatusDeadLetter))
		return
	}
	if _, err := s.queue.DLQRemove(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	now := time.Now()
	if err := s.store.UpdateJobStatus(r.Context(), id, models.StatusQueued, 0, now, job.LastError); err != nil {
		writeError(w, err)
		return
	}
	if err := s.queue.Enqueue(r.Context(), id, job.Priority, now); err != nil {
		writeError(w, err)
		return
	}
	_ = s.store.AppendAudit(r.Context(), id, "requeued", "requeued from dlq via API")
	job.Status, job.Attempts, job.NextRunAt = models.StatusQueued, 0, now
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ready, err := s.queue.ReadyDepth(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	inflight, err := s.queue.InflightCount(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	visible, err := s.store.VisibleJobs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"ready": ready, "inflight": inflight, "visible": visible})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.limiter.Allow(r.Context(), tenantFromRequest(r))
		if err != nil {
			s.logger.Error("rate limiter unavailable", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "rate limit error"})
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			secs := int(d.RetryAfter.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func tenantFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Tenant-ID")); v != "" {
		return v
	}
	return "default"
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errs.IsNotFound(err):
		code = http.StatusNotFound
	case errs.IsConflict(err):
		code = http.StatusConflict
	case errs.IsValidation(err):
		code = http.StatusBadRequest
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
