// Package jobs is the producer side of the job queue: it persists a job row and
// hands the id to the Redis ready queue.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/colloquium-journals/colloquium-sub006/internal/errs"
	"github.com/colloquium-journals/colloquium-sub006/internal/models"
	"github.com/colloquium-journals/colloquium-sub006/internal/store"
	"github.com/colloquium-journals/colloquium-sub006/internal/telemetry"
)

// Store persists job rows.
type Store interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	RequeueFailed(ctx context.Context, id string) (models.Job, bool, error)
	UpdateJobStatus(ctx context.Context, id string, status string, attempts int, nextRun time.Time, lastError *string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Queue receives job ids.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, priority string, runAt time.Time) error
}

// Request describes a job to submit. Payload is any JSON-encodable value.
type Request struct {
	Type           string
	Payload        any
	Priority       string
	Tenant         string
	IdempotencyKey string
	RunAt          time.Time
	MaxAttempts    int
}

// Result is the stored job and whether an existing job was reused.
type Result struct {
	Job        models.Job `json:"job"`
	Idempotent bool       `json:"idempotent"`
}

// Client submits jobs.
type Client struct {
	store          Store
	queue          Queue
	maxAttempts    int
	idempotencyTTL time.Duration
}

// NewClient builds a client; maxAttempts applies when a request sets none.
func NewClient(st Store, q Queue, maxAttempts int, idempotencyTTL time.Duration) *Client {
	return &Client{store: st, queue: q, maxAttempts: maxAttempts, idempotencyTTL: idempotencyTTL}
}

// Submit stores the job and pushes it onto the queue. A request whose idempotency
// key is already mapped returns the existing job without enqueueing again, unless
// that job never reached the queue; then it is revived and enqueued once more.
func (c *Client) Submit(ctx context.Context, req Request) (Result, error) {
	if req.Type == "" {
		return Result{}, errs.Validation("job type is required")
	}
	payload, err := models.ToPayload(req.Payload)
	if err != nil {
		return Result{}, err
	}
	if req.RunAt.IsZero() {
		req.RunAt = time.Now()
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = c.maxAttempts
	}
	if req.Tenant == "" {
		req.Tenant = "default"
	}

	job, idempotent, err := c.store.CreateJob(ctx, store.CreateJobParams{
		Type:           req.Type,
		Priority:       req.Priority,
		Tenant:         req.Tenant,
		Payload:        payload,
		IdempotencyKey: req.IdempotencyKey,
		RunAt:          req.RunAt,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyTTL: c.idempotencyTTL,
	})
	if err != nil {
		return Result{}, err
	}
	event := "enqueued"
	if idempotent {
		if job.Status != models.StatusFailed {
			return Result{Job: job, Idempotent: true}, nil
		}
		revived, ok, err := c.store.RequeueFailed(ctx, job.ID)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			// another submit revived it first
			return Result{Job: job, Idempotent: true}, nil
		}
		job, event = revived, "re-enqueued"
	}

	if err := c.queue.Enqueue(ctx, job.ID, job.Priority, job.NextRunAt); err != nil {
		msg := err.Error()
		_ = c.store.UpdateJobStatus(ctx, job.ID, models.StatusFailed, job.Attempts, job.NextRunAt, &msg)
		return Result{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	_ = c.store.AppendAudit(ctx, job.ID, event, fmt.Sprintf("type=%s tenant=%s priority=%s", job.Type, job.Tenant, job.Priority))
	telemetry.EnqueueCounter.WithLabelValues(job.Type).Inc()
	return Result{Job: job, Idempotent: idempotent}, nil
}
