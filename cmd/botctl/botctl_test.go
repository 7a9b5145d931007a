package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colloquium-journals/colloquium-sub006/internal/api"
	"github.com/colloquium-journals/colloquium-sub006/internal/jobs"
	"github.com/colloquium-journals/colloquium-sub006/internal/models"
	"github.com/colloquium-journals/colloquium-sub006/internal/queue"
	"github.com/colloquium-journals/colloquium-sub006/internal/testsupport"
)

type cliTestEnv struct {
	url    string
	store  *testsupport.JobStore
	queue  *queue.RedisQueue
	client *jobs.Client
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	q := queue.NewRedisQueueWithClient(rc, queue.Options{Namespace: "botctl-test"})
	st := testsupport.NewJobStore()
	client := jobs.NewClient(st, q, 3, time.Hour)
	srv := httptest.NewServer(api.New(st, q, client, nil, nil).Router())
	t.Cleanup(srv.Close)
	return &cliTestEnv{url: srv.URL, store: st, queue: q, client: client}
}

func runCLI(t *testing.T, env *cliTestEnv, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--api", env.url}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEnqueuePipelineFromFlags(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, env, "enqueue", "pipeline", "-m", "m-1",
		"--step", "@bot-reference check",
		"--step", "bot-markdown render style=apa",
		"--idempotency-key", "release:m-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Enqueued pipeline job")

	all := env.store.Jobs()
	require.Len(t, all, 1)
	job := all[0]
	assert.Equal(t, models.JobTypePipelineStep, job.Type)
	assert.Equal(t, "m-1", job.Payload["manuscriptId"])
	steps, ok := job.Payload["steps"].([]any)
	require.True(t, ok)
	require.Len(t, steps, 2)
	assert.Equal(t, "bot-reference", steps[0].(map[string]any)["bot"])
	assert.Equal(t, map[string]any{"style": "apa"}, steps[1].(map[string]any)["parameters"])

	out, err = runCLI(t, env, "enqueue", "pipeline", "-m", "m-1", "--step", "bot-reference check", "--idempotency-key", "release:m-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Reused pipeline job "+job.ID)
}

func TestEnqueuePipelineFromFile(t *testing.T) {
	env := setupCLITestEnv(t)
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
manuscript: m-9
priority: high
steps:
  - bot: bot-reference
    command: check
  - bot: bot-editorial
    command: accept
    parameters:
      notify: "yes"
`), 0o644))

	_, err := runCLI(t, env, "enqueue", "pipeline", "--file", path)
	require.NoError(t, err)
	all := env.store.Jobs()
	require.Len(t, all, 1)
	assert.Equal(t, "m-9", all[0].Payload["manuscriptId"])
	assert.Equal(t, "high", all[0].Priority)
}

func TestEnqueuePipelineRejectsBadInput(t *testing.T) {
	env := setupCLITestEnv(t)

	_, err := runCLI(t, env, "enqueue", "pipeline", "-m", "m-1")
	assert.ErrorContains(t, err, "at least one --step")

	_, err = runCLI(t, env, "enqueue", "pipeline", "-m", "m-1", "--step", "bot-a")
	assert.ErrorContains(t, err, "want")

	_, err = runCLI(t, env, "enqueue", "pipeline", "--step", "bot-a check")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)
	assert.Empty(t, env.store.Jobs())
}

func TestDLQListAndRequeue(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()

	out, err := runCLI(t, env, "dlq", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Dead-letter queue is empty")

	res, err := env.client.Submit(ctx, jobs.Request{Type: models.JobTypeEventTrigger, Payload: map[string]any{}})
	require.NoError(t, err)
	id, err := env.queue.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NoError(t, env.queue.Ack(ctx, id))
	require.NoError(t, env.store.MarkDeadLetter(ctx, id, "bot unreachable"))
	require.NoError(t, env.queue.DLQPush(ctx, id))

	out, err = runCLI(t, env, "dlq", "list")
	require.NoError(t, err)
	assert.Contains(t, out, res.Job.ID)
	assert.Contains(t, out, "bot unreachable")
	assert.Contains(t, out, models.JobTypeEventTrigger)

	out, err = runCLI(t, env, "dlq", "requeue", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Requeued "+id)
	job, err := env.store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, job.Status)
}

func TestJobShowAndCancel(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()

	res, err := env.client.Submit(ctx, jobs.Request{Type: models.JobTypeMessageTrigger, Payload: map[string]any{"messageId": "msg-1"}, IdempotencyKey: "message:msg-1"})
	require.NoError(t, err)

	out, err := runCLI(t, env, "job", "show", res.Job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, models.JobTypeMessageTrigger)
	assert.Contains(t, out, "message:msg-1")
	assert.Contains(t, out, "enqueued")

	out, err = runCLI(t, env, "job", "show", "--json", res.Job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, `"messageId": "msg-1"`)

	_, err = runCLI(t, env, "job", "cancel", res.Job.ID)
	require.NoError(t, err)
	job, err := env.store.GetJob(ctx, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, job.Status)

	_, err = runCLI(t, env, "job", "show", "missing")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
}
