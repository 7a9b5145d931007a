package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colloquium-journals/colloquium-sub006/internal/errs"
	"github.com/colloquium-journals/colloquium-sub006/internal/models"
	"github.com/colloquium-journals/colloquium-sub006/internal/pipeline"
	"github.com/colloquium-journals/colloquium-sub006/internal/queue"
	"github.com/colloquium-journals/colloquium-sub006/internal/testsupport"
)

func newQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return queue.NewRedisQueueWithClient(rc, queue.Options{Namespace: "jobs-test"})
}

func TestSubmitPersistsAndEnqueues(t *testing.T) {
	q := newQueue(t)
	st := testsupport.NewJobStore()
	c := NewClient(st, q, 4, time.Hour)
	ctx := context.Background()

	res, err := c.Submit(ctx, Request{
		Type: models.JobTypePipelineStep,
		Payload: models.PipelineStep{
			ManuscriptID: "m-1",
			Cursor:       pipeline.Cursor{Steps: []pipeline.Step{{Bot: "bot-a", Command: "check"}}},
		},
	})
	require.NoError(t, err)
	assert.False(t, res.Idempotent)
	assert.Equal(t, 4, res.Job.MaxAttempts)
	assert.Equal(t, "default", res.Job.Tenant)
	assert.Equal(t, "m-1", res.Job.Payload["manuscriptId"])
	assert.EqualValues(t, 0, res.Job.Payload["stepIndex"])

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Job.ID, id)
	assert.Equal(t, []string{"enqueued"}, st.AuditEvents(res.Job.ID))
}

func TestSubmitIdempotencyKeyReusesJob(t *testing.T) {
	q := newQueue(t)
	st := testsupport.NewJobStore()
	c := NewClient(st, q, 3, time.Hour)
	ctx := context.Background()
	req := Request{Type: models.JobTypeEventTrigger, Payload: map[string]any{"eventName": "manuscript.submitted"}, IdempotencyKey: "pipeline:j-1:1"}

	first, err := c.Submit(ctx, req)
	require.NoError(t, err)
	second, err := c.Submit(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Idempotent)
	assert.Equal(t, first.Job.ID, second.Job.ID)
	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

func TestSubmitFutureRunAtIsScheduled(t *testing.T) {
	q := newQueue(t)
	c := NewClient(testsupport.NewJobStore(), q, 3, time.Hour)
	ctx := context.Background()

	res, err := c.Submit(ctx, Request{Type: models.JobTypeEventTrigger, Payload: map[string]any{}, RunAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
	n, err := q.PromoteScheduled(ctx, time.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Job.ID, id)
}

type brokenQueue struct{}

func (brokenQueue) Enqueue(context.Context, string, string, time.Time) error {
	return errors.New("redis: connection refused")
}

func TestSubmitEnqueueFailureMarksJobFailed(t *testing.T) {
	st := testsupport.NewJobStore()
	c := NewClient(st, brokenQueue{}, 3, time.Hour)

	_, err := c.Submit(context.Background(), Request{Type: models.JobTypeMessageTrigger, Payload: map[string]any{}})
	require.Error(t, err)

	all := st.Jobs()
	require.Len(t, all, 1)
	assert.Equal(t, models.StatusFailed, all[0].Status)
	require.NotNil(t, all[0].LastError)
	assert.Contains(t, *all[0].LastError, "connection refused")
}

func TestSubmitRetriesJobWhoseEnqueueFailed(t *testing.T) {
	st := testsupport.NewJobStore()
	ctx := context.Background()
	req := Request{
		Type:           models.JobTypePipelineStep,
		Payload:        map[string]any{"manuscriptId": "m-1", "stepIndex": 1},
		IdempotencyKey: "pipeline:job-1:1",
	}

	_, err := NewClient(st, brokenQueue{}, 3, time.Hour).Submit(ctx, req)
	require.Error(t, err)
	failed := st.Jobs()
	require.Len(t, failed, 1)
	require.Equal(t, models.StatusFailed, failed[0].Status)

	q := newQueue(t)
	c := NewClient(st, q, 3, time.Hour)
	res, err := c.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Idempotent)
	assert.Equal(t, failed[0].ID, res.Job.ID)
	assert.Equal(t, models.StatusQueued, res.Job.Status)
	assert.Nil(t, res.Job.LastError)

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
	assert.Equal(t, []string{"re-enqueued"}, st.AuditEvents(res.Job.ID))

	// once queued, the key is plain idempotent again
	again, err := c.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Idempotent)
	depth, err = q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
	assert.Len(t, st.Jobs(), 1)
}

func TestSubmitRetryStillFailingKeepsJobFailed(t *testing.T) {
	st := testsupport.NewJobStore()
	c := NewClient(st, brokenQueue{}, 3, time.Hour)
	req := Request{Type: models.JobTypeMessageTrigger, Payload: map[string]any{"messageId": "msg-1"}, IdempotencyKey: "message:msg-1"}

	_, err := c.Submit(context.Background(), req)
	require.Error(t, err)
	_, err = c.Submit(context.Background(), req)
	require.ErrorContains(t, err, "connection refused")

	all := st.Jobs()
	require.Len(t, all, 1)
	assert.Equal(t, models.StatusFailed, all[0].Status)
	assert.Empty(t, st.AuditEvents(all[0].ID))
}

func TestSubmitRequiresType(t *testing.T) {
	c := NewClient(testsupport.NewJobStore(), brokenQueue{}, 3, time.Hour)
	_, err := c.Submit(context.Background(), Request{Payload: map[string]any{}})
	assert.ErrorIs(t, err, errs.ErrValidation)
}
