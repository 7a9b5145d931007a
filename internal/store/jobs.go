package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/colloquium-journals/colloquium-sub006/internal/errs"
	"github.com/colloquium-journals/colloquium-sub006/internal/models"
)

const jobColumns = `id, type, priority, tenant, payload, status, attempts, max_attempts, next_run_at, last_error, idempotency_key, worker_id, created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var j models.Job
	var payload []byte
	var lastErr, key, worker pgtype.Text
	if err := row.Scan(&j.ID, &j.Type, &j.Priority, &j.Tenant, &payload, &j.Status, &j.Attempts, &j.MaxAttempts, &j.NextRunAt, &lastErr, &key, &worker, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(payload, &j.Payload); err != nil {
		return models.Job{}, fmt.Errorf("decode payload of job %s: %w", j.ID, err)
	}
	j.LastError = textPtr(lastErr)
	j.IdempotencyKey = textPtr(key)
	j.WorkerID = textPtr(worker)
	return j, nil
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type           string
	Priority       string
	Tenant         string
	Payload        map[string]any
	IdempotencyKey string
	RunAt          time.Time
	MaxAttempts    int
	IdempotencyTTL time.Duration
}

var errKeyHeld = errors.New("idempotency key held by a live job")

// CreateJob inserts a queued job. If the idempotency key already maps to a live job,
// that job is returned with reused set and nothing is inserted. A zero
// IdempotencyTTL keeps the mapping forever; an expired mapping is taken over.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (job models.Job, reused bool, err error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.Priority == "" {
		p.Priority = "default"
	}
	if p.Tenant == "" {
		p.Tenant = "default"
	}
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("encode payload: %w", err)
	}
	if p.IdempotencyKey != "" {
		if job, ok, err := s.jobForKey(ctx, p.IdempotencyKey); err != nil || ok {
			return job, ok, err
		}
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		job, err = scanJob(tx.QueryRow(ctx, `
			INSERT INTO jobs (id, type, priority, tenant, payload, status, max_attempts, next_run_at, idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING `+jobColumns,
			uuid.NewString(), p.Type, p.Priority, p.Tenant, payload, models.StatusQueued, p.MaxAttempts, p.RunAt, emptyToNil(p.IdempotencyKey)))
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if p.IdempotencyKey == "" {
			return nil
		}
		return claimKey(ctx, tx, p.IdempotencyKey, job.ID, p.IdempotencyTTL)
	})
	if errors.Is(err, errKeyHeld) {
		// a concurrent submit committed the key first
		existing, ok, err := s.jobForKey(ctx, p.IdempotencyKey)
		if err == nil && !ok {
			err = fmt.Errorf("idempotency key %q: %w", p.IdempotencyKey, errKeyHeld)
		}
		return existing, ok, err
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, false, nil
}

func claimKey(ctx context.Context, tx pgx.Tx, key, jobID string, ttl time.Duration) error {
	var expires *time.Time
	if ttl > 0 {
		at := time.Now().UTC().Add(ttl)
		expires = &at
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO idempotency_keys (key, job_id, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET job_id = EXCLUDED.job_id, expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= NOW()
	`, key, jobID, expires)
	if err != nil {
		return fmt.Errorf("claim idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errKeyHeld
	}
	return nil
}

func (s *Store) jobForKey(ctx context.Context, key string) (models.Job, bool, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = (
			SELECT job_id FROM idempotency_keys
			WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW()))
	`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("look up idempotency key: %w", err)
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, errs.NotFound("job", id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// RequeueFailed returns a job whose enqueue failed to the queued state. ok is
// false when the job is no longer failed, so only one caller re-enqueues it.
func (s *Store) RequeueFailed(ctx context.Context, id string) (job models.Job, ok bool, err error) {
	job, err = scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING `+jobColumns, id, models.StatusQueued, models.StatusFailed))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("requeue job %s: %w", id, err)
	}
	return job, true, nil
}

// setJob applies assignments to one job row; $1 is the id.
func (s *Store) setJob(ctx context.Context, id, assignments string, args ...any) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET `+assignments+`, updated_at = NOW() WHERE id = $1`, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("job", id)
	}
	return nil
}

// SetWorkerID records which worker process last picked the job up.
func (s *Store) SetWorkerID(ctx context.Context, id, workerID string) error {
	return s.setJob(ctx, id, `worker_id = $2`, workerID)
}

func (s *Store) UpdateJobStatus(ctx context.Context, id string, status string, attempts int, nextRun time.Time, lastError *string) error {
	return s.setJob(ctx, id, `status = $2, attempts = $3, next_run_at = $4, last_error = $5`, status, attempts, nextRun, lastError)
}

// UpdateAttempts puts a failed job back to queued for its next try.
func (s *Store) UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	return s.UpdateJobStatus(ctx, id, models.StatusQueued, attempts, nextRun, &lastErr)
}

func (s *Store) MarkSuccess(ctx context.Context, id string) error {
	return s.setJob(ctx, id, `status = $2, last_error = NULL`, models.StatusSucceeded)
}

func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	return s.setJob(ctx, id, `status = $2, last_error = NULL`, models.StatusCancelled)
}

// MarkDeadLetter keeps the final error for operators inspecting the DLQ.
func (s *Store) MarkDeadLetter(ctx context.Context, id string, lastError string) error {
	return s.setJob(ctx, id, `status = $2, last_error = $3`, models.StatusDeadLetter, lastError)
}

func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	if _, err := s.pool.Exec(ctx, `INSERT INTO audit_logs (job_id, event, detail) VALUES ($1, $2, $3)`, jobID, event, detail); err != nil {
		return fmt.Errorf("append audit %s for job %s: %w", event, jobID, err)
	}
	return nil
}

// ListAudit returns the audit trail for a job, oldest first.
func (s *Store) ListAudit(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list audit for job %s: %w", jobID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AuditLog, error) {
		var a models.AuditLog
		err := row.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded)
		return a, err
	})
}

// VisibleJobs counts queued jobs whose run time has arrived.
func (s *Store) VisibleJobs(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status = $1 AND next_run_at <= NOW()`, models.StatusQueued).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count visible jobs: %w", err)
	}
	return n, nil
}
