package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/colloquium-journals/colloquium-sub006/internal/config"
	"github.com/colloquium-journals/colloquium-sub006/internal/logging"
	"github.com/colloquium-journals/colloquium-sub006/internal/models"
	"github.com/colloquium-journals/colloquium-sub006/internal/telemetry"
)

// Queue is the lease-based queue the processor consumes.
type Queue interface {
	DequeueWithLease(ctx context.Context) (string, error)
	Ack(ctx context.Context, jobID string) error
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	VisibilityTimeout() time.Duration
	Schedule(ctx context.Context, jobID string, priority string, runAt time.Time) error
	DLQPush(ctx context.Context, jobID string) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// JobStore records job state transitions and the audit trail.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJobStatus(ctx context.Context, id string, status string, attempts int, nextRun time.Time, lastError *string) error
	SetWorkerID(ctx context.Context, id, workerID string) error
	MarkSuccess(ctx context.Context, id string) error
	MarkDeadLetter(ctx context.Context, id string, lastError string) error
	UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Processor drives the worker execution loops.
type Processor struct {
	cfg      config.Config
	queue    Queue
	store    JobStore
	handlers map[string]Handler
	workerID string
	logger   *slog.Logger
}

// Handler executes a job for a given type.
type Handler func(ctx context.Context, job models.Job) error

// NewProcessor creates a processor; workerID is recorded on every job it runs.
func NewProcessor(cfg config.Config, q Queue, st JobStore, workerID string, logger *slog.Logger) *Processor {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		handlers: make(map[string]Handler),
		workerID: workerID,
		logger:   logging.Component(logger, "worker"),
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run starts WorkerConcurrency consumer loops plus one maintenance loop and
// blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("worker started",
		"worker_id", p.workerID,
		"concurrency", p.cfg.WorkerConcurrency,
		"visibility", p.cfg.VisibilityTimeout,
		"backoff_initial", p.cfg.BackoffInitial,
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.maintain(ctx) })
	for slot := 0; slot < p.cfg.WorkerConcurrency; slot++ {
		slot := slot
		g.Go(func() error { return p.consume(ctx, slot) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return err
}

func (p *Processor) maintain(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		p.Maintain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Maintain promotes due retries, reclaims expired leases and refreshes the depth gauge.
func (p *Processor) Maintain(ctx context.Context) {
	now := time.Now()
	if n, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.logger.Warn("promote scheduled failed", "error", err)
	} else if n > 0 {
		p.logger.Debug("promoted scheduled jobs", "count", n)
	}
	reclaimed, err := p.queue.RequeueExpired(ctx, now, 100)
	if err != nil {
		p.logger.Warn("reclaim expired leases failed", "error", err)
	}
	if len(reclaimed) > 0 {
		telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
		p.logger.Warn("reclaimed expired leases", "count", len(reclaimed))
		for _, id := range reclaimed {
			if job, err := p.store.GetJob(ctx, id); err == nil {
				_ = p.store.UpdateJobStatus(ctx, id, models.StatusQueued, job.Attempts, time.Now(), job.LastError)
				_ = p.store.AppendAudit(ctx, id, "lease_expired", "requeued after visibility timeout")
			}
		}
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func (p *Processor) consume(ctx context.Context, slot int) error {
	log := p.logger.With("slot", slot)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		worked, err := p.ProcessNext(ctx)
		if err != nil {
			log.Warn("dequeue failed", "error", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// ProcessNext leases and runs at most one job. It reports whether a job was taken.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	jobID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return false, nil
	}
	p.processOne(ctx, jobID)
	return true, nil
}

func (p *Processor) processOne(ctx context.Context, jobID string) {
	log := p.logger.With(logging.FieldJobID, jobID)

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		log.Error("leased job has no row, dropping", "error", err)
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	if job.Status == models.StatusCancelled || job.Status == models.StatusSucceeded {
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	log = log.With(logging.FieldJobType, job.Type, "attempt", job.Attempts+1)

	_ = p.store.UpdateJobStatus(ctx, job.ID, models.StatusInProgress, job.Attempts, job.NextRunAt, nil)
	if p.workerID != "" {
		_ = p.store.SetWorkerID(ctx, job.ID, p.workerID)
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	started := time.Now()
	release := p.holdLease(ctx, job.ID, log)
	err = p.runJob(ctx, job)
	release()
	if err == nil {
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.store.MarkSuccess(ctx, job.ID)
		_ = p.store.AppendAudit(ctx, job.ID, "succeeded", "worker completed job")
		telemetry.WorkerSuccess.Inc()
		log.Info("job succeeded", "duration", time.Since(started))
		return
	}

	attempts := job.Attempts + 1
	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	nextRun := time.Now().Add(backoff)
	_ = p.store.UpdateAttempts(ctx, job.ID, attempts, nextRun, err.Error())

	if attempts >= job.MaxAttempts || (p.cfg.MaxAttempts > 0 && attempts >= p.cfg.MaxAttempts) {
		_ = p.store.MarkDeadLetter(ctx, job.ID, err.Error())
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.queue.DLQPush(ctx, job.ID)
		_ = p.store.AppendAudit(ctx, job.ID, "dead_letter", err.Error())
		telemetry.WorkerDeadLetter.Inc()
		log.Error("job dead-lettered", "error", err, "attempts", attempts)
		return
	}

	_ = p.queue.Ack(ctx, job.ID)
	_ = p.queue.Schedule(ctx, job.ID, job.Priority, nextRun)
	_ = p.store.AppendAudit(ctx, job.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	telemetry.WorkerFailures.Inc()
	log.Warn("job failed, retry scheduled", "error", err, "backoff", backoff)
}

// holdLease re-extends the job's lease every third of the visibility timeout
// until the returned func is called, so a slow bot call is not reclaimed and
// run twice.
func (p *Processor) holdLease(ctx context.Context, jobID string, log *slog.Logger) func() {
	visibility := p.queue.VisibilityTimeout()
	if visibility <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(visibility / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, jobID, visibility); err != nil && ctx.Err() == nil {
					log.Warn("extend lease failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Processor) runJob(ctx context.Context, job models.Job) (err error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler registered for type %q", job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(half))
	return wait/2 + jitter
}
