package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colloquium-journals/colloquium-sub006/internal/jobs"
	"github.com/colloquium-journals/colloquium-sub006/internal/models"
	"github.com/colloquium-journals/colloquium-sub006/internal/queue"
	"github.com/colloquium-journals/colloquium-sub006/internal/ratelimit"
	"github.com/colloquium-journals/colloquium-sub006/internal/testsupport"
)

type rig struct {
	redis  *miniredis.Miniredis
	srv    *httptest.Server
	store  *testsupport.JobStore
	queue  *queue.RedisQueue
	client *jobs.Client
}

func newRig(t *testing.T, limiter Limiter) *rig {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	q := queue.NewRedisQueueWithClient(rc, queue.Options{Namespace: "api-test"})
	st := testsupport.NewJobStore()
	client := jobs.NewClient(st, q, 3, time.Hour)
	srv := httptest.NewServer(New(st, q, client, limiter, nil).Router())
	t.Cleanup(srv.Close)
	return &rig{redis: mr, srv: srv, store: st, queue: q, client: client}
}

func (r *rig) post(t *testing.T, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, r.srv.URL+path, bytes.NewReader(buf))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (r *rig) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(r.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestMessageTriggerIsKeyedByMessageID(t *testing.T) {
	r := newRig(t, nil)
	body := models.MessageTrigger{MessageID: "msg-1", ConversationID: "c-1", UserID: "u-1"}

	resp := r.post(t, "/triggers/messages", body, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	first := decodeBody[jobs.Result](t, resp)
	assert.Equal(t, models.JobTypeMessageTrigger, first.Job.Type)
	assert.Equal(t, "msg-1", first.Job.Payload["messageId"])
	require.NotNil(t, first.Job.IdempotencyKey)
	assert.Equal(t, "message:msg-1", *first.Job.IdempotencyKey)

	again := decodeBody[jobs.Result](t, r.post(t, "/triggers/messages", body, nil))
	assert.True(t, again.Idempotent)
	assert.Equal(t, first.Job.ID, again.Job.ID)

	depth, err := r.queue.ReadyDepth(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

func TestMessageTriggerRetryAfterQueueOutage(t *testing.T) {
	r := newRig(t, nil)
	body := models.MessageTrigger{MessageID: "msg-7", ConversationID: "c-1", UserID: "u-1"}

	r.redis.SetError("LOADING redis is loading the dataset")
	resp := r.post(t, "/triggers/messages", body, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	r.redis.SetError("")

	resp = r.post(t, "/triggers/messages", body, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	res := decodeBody[jobs.Result](t, resp)
	assert.Equal(t, models.StatusQueued, res.Job.Status)

	depth, err := r.queue.ReadyDepth(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
	assert.Len(t, r.store.Jobs(), 1)
}

func TestTriggerValidation(t *testing.T) {
	r := newRig(t, nil)

	resp := r.post(t, "/triggers/messages", models.MessageTrigger{MessageID: "msg-1"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = r.post(t, "/triggers/events", map[string]any{"eventName": "manuscript.submitted", "bogus": true}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = r.post(t, "/pipelines", pipelineRequest{ManuscriptID: "m-1"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, r.store.Jobs())
}

func TestEventTriggerCarriesTenant(t *testing.T) {
	r := newRig(t, nil)
	body := models.EventTrigger{EventName: "manuscript.submitted", BotID: "bot-a", ManuscriptID: "m-1"}

	resp := r.post(t, "/triggers/events", body, map[string]string{"X-Tenant-ID": "acme"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	res := decodeBody[jobs.Result](t, resp)
	assert.Equal(t, "acme", res.Job.Tenant)
	assert.Equal(t, models.JobTypeEventTrigger, res.Job.Type)
}

func TestStartPipelineSubmitsFirstStep(t *testing.T) {
	r := newRig(t, nil)
	body := map[string]any{
		"manuscriptId": "m-1",
		"priority":     "high",
		"steps": []map[string]any{
			{"bot": "bot-a", "command": "check"},
			{"bot": "bot-b", "command": "format", "parameters": map[string]any{"style": "apa"}},
		},
	}

	resp := r.post(t, "/pipelines", body, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	res := decodeBody[jobs.Result](t, resp)
	assert.Equal(t, models.JobTypePipelineStep, res.Job.Type)
	assert.Equal(t, "high", res.Job.Priority)
	assert.EqualValues(t, 0, res.Job.Payload["stepIndex"])
	assert.Len(t, res.Job.Payload["steps"], 2)
}

func TestGetJobAndCancel(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	assert.Equal(t, http.StatusNotFound, r.get(t, "/jobs/missing").StatusCode)

	res, err := r.client.Submit(ctx, jobs.Request{Type: models.JobTypeEventTrigger, Payload: map[string]any{}})
	require.NoError(t, err)

	resp := r.get(t, "/jobs/"+res.Job.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[jobResponse](t, resp)
	assert.Equal(t, res.Job.ID, got.Job.ID)
	require.Len(t, got.Audit, 1)
	assert.Equal(t, "enqueued", got.Audit[0].Event)

	resp = r.post(t, "/jobs/"+res.Job.ID+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job, err := r.store.GetJob(ctx, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, job.Status)
	assert.Equal(t, []string{"enqueued", "cancelled"}, r.store.AuditEvents(res.Job.ID))

	depth, err := r.queue.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestDLQListAndRequeue(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	res, err := r.client.Submit(ctx, jobs.Request{Type: models.JobTypeEventTrigger, Payload: map[string]any{}})
	require.NoError(t, err)
	id, err := r.queue.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NoError(t, r.queue.Ack(ctx, id))
	require.NoError(t, r.store.MarkDeadLetter(ctx, id, "boom"))
	require.NoError(t, r.queue.DLQPush(ctx, id))

	resp := r.get(t, "/dlq?limit=10")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decodeBody[map[string][]models.Job](t, resp)
	require.Len(t, listed["items"], 1)
	assert.Equal(t, res.Job.ID, listed["items"][0].ID)

	assert.Equal(t, http.StatusBadRequest, r.get(t, "/dlq?limit=zero").StatusCode)

	resp = r.post(t, "/dlq/"+id+"/requeue", nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	job, err := r.store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Zero(t, job.Attempts)

	peek, err := r.queue.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, peek)
	depth, err := r.queue.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	resp = r.post(t, "/dlq/"+id+"/requeue", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStats(t *testing.T) {
	r := newRig(t, nil)
	_, err := r.client.Submit(context.Background(), jobs.Request{Type: models.JobTypeEventTrigger, Payload: map[string]any{}})
	require.NoError(t, err)

	resp := r.get(t, "/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decodeBody[map[string]int64](t, resp)
	assert.EqualValues(t, 1, stats["ready"])
	assert.EqualValues(t, 0, stats["inflight"])
	assert.EqualValues(t, 1, stats["visible"])
}

func TestRateLimitedPerTenant(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	r := newRig(t, ratelimit.NewTokenBucket(rc, 1, 0.01, time.Minute))

	body := func(id string) models.MessageTrigger {
		return models.MessageTrigger{MessageID: id, ConversationID: "c-1", UserID: "u-1"}
	}
	acme := map[string]string{"X-Tenant-ID": "acme"}

	assert.Equal(t, http.StatusAccepted, r.post(t, "/triggers/messages", body("m-1"), acme).StatusCode)
	resp := r.post(t, "/triggers/messages", body("m-2"), acme)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	other := map[string]string{"X-Tenant-ID": "globex"}
	assert.Equal(t, http.StatusAccepted, r.post(t, "/triggers/messages", body("m-3"), other).StatusCode)

	assert.Equal(t, http.StatusOK, r.get(t, "/healthz").StatusCode)
}
