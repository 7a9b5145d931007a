package testsupport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/colloquium-journals/colloquium-sub006/internal/errs"
	"github.com/colloquium-journals/colloquium-sub006/internal/models"
	"github.com/colloquium-journals/colloquium-sub006/internal/store"
)

// JobStore mirrors the Postgres job table and audit log in memory.
type JobStore struct {
	mu    sync.Mutex
	jobs  map[string]models.Job
	keys  map[string]string
	audit []models.AuditLog
	seq   int
}

// NewJobStore returns an empty job store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: map[string]models.Job{}, keys: map[string]string{}}
}

func (s *JobStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.IdempotencyKey != "" {
		if id, ok := s.keys[p.IdempotencyKey]; ok {
			return s.jobs[id], true, nil
		}
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.Priority == "" {
		p.Priority = "default"
	}
	if p.Tenant == "" {
		p.Tenant = "default"
	}
	s.seq++
	now := time.Now().UTC().Add(time.Duration(s.seq) * time.Microsecond)
	job := models.Job{
		ID:          uuid.NewString(),
		Type:        p.Type,
		Priority:    p.Priority,
		Tenant:      p.Tenant,
		Payload:     p.Payload,
		Status:      models.StatusQueued,
		MaxAttempts: p.MaxAttempts,
		NextRunAt:   p.RunAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.IdempotencyKey != "" {
		key := p.IdempotencyKey
		job.IdempotencyKey = &key
		s.keys[key] = job.ID
	}
	s.jobs[job.ID] = job
	return job, false, nil
}

func (s *JobStore) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, errs.NotFound("job", id)
	}
	return job, nil
}

func (s *JobStore) update(id string, fn func(*models.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return errs.NotFound("job", id)
	}
	fn(&job)
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return nil
}

func (s *JobStore) UpdateJobStatus(_ context.Context, id string, status string, attempts int, nextRun time.Time, lastError *string) error {
	return s.update(id, func(j *models.Job) {
		j.Status = status
		j.Attempts = attempts
		j.NextRunAt = nextRun
		j.LastError = lastError
	})
}

func (s *JobStore) RequeueFailed(_ context.Context, id string) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != models.StatusFailed {
		return models.Job{}, false, nil
	}
	job.Status = models.StatusQueued
	job.LastError = nil
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return job, true, nil
}

func (s *JobStore) SetWorkerID(_ context.Context, id, workerID string) error {
	return s.update(id, func(j *models.Job) { j.WorkerID = &workerID })
}

func (s *JobStore) MarkSuccess(_ context.Context, id string) error {
	return s.update(id, func(j *models.Job) {
		j.Status = models.StatusSucceeded
		j.LastError = nil
	})
}

func (s *JobStore) MarkCancelled(_ context.Context, id string) error {
	return s.update(id, func(j *models.Job) {
		j.Status = models.StatusCancelled
		j.LastError = nil
	})
}

func (s *JobStore) MarkDeadLetter(_ context.Context, id string, lastError string) error {
	return s.update(id, func(j *models.Job) {
		j.Status = models.StatusDeadLetter
		j.LastError = &lastError
	})
}

func (s *JobStore) UpdateAttempts(_ context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	return s.update(id, func(j *models.Job) {
		j.Status = models.StatusQueued
		j.Attempts = attempts
		j.NextRunAt = nextRun
		j.LastError = &lastErr
	})
}

func (s *JobStore) AppendAudit(_ context.Context, jobID, event, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, models.AuditLog{JobID: jobID, Event: event, Detail: detail, Recorded: time.Now().UTC()})
	return nil
}

func (s *JobStore) ListAudit(_ context.Context, jobID string) ([]models.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditLog
	for _, a := range s.audit {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *JobStore) VisibleJobs(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var n int64
	for _, j := range s.jobs {
		if j.Status == models.StatusQueued && !j.NextRunAt.After(now) {
			n++
		}
	}
	return n, nil
}

// Jobs returns every job ordered by creation.
func (s *JobStore) Jobs() []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// AuditEvents returns the event names recorded for a job in order.
func (s *JobStore) AuditEvents(jobID string) []string {
	logs, _ := s.ListAudit(context.Background(), jobID)
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Event)
	}
	return out
}
