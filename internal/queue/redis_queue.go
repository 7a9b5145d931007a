package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/colloquium-journals/colloquium-sub006/internal/config"
)

// RedisQueue coordinates ready, in-flight, and scheduled job queues in Redis.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	namespace      string
	inflightKey    string
	scheduledKey   string
	jobMetaPrefix  string
	visibilityTTL  time.Duration
	dlqKey         string
}

// Options configure a queue on an existing client.
type Options struct {
	Namespace         string
	PriorityQueues    []string
	VisibilityTimeout time.Duration
	DLQName           string
}

// NewRedisClient dials Redis from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	return NewRedisQueueWithClient(NewRedisClient(cfg), Options{
		PriorityQueues:    cfg.PriorityQueues,
		VisibilityTimeout: cfg.VisibilityTimeout,
		DLQName:           cfg.DLQName,
	})
}

// NewRedisQueueWithClient builds a queue on client.
func NewRedisQueueWithClient(client *redis.Client, opts Options) *RedisQueue {
	priorities := opts.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	ns := opts.Namespace
	if ns == "" {
		ns = "queue"
	}
	dlq := opts.DLQName
	if dlq == "" {
		dlq = ns + ":dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		namespace:      ns,
		inflightKey:    ns + ":inflight",
		scheduledKey:   ns + ":scheduled",
		jobMetaPrefix:  ns + ":jobmeta:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
	}
}

// Client exposes the underlying Redis client so other Redis-backed components can share it.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

// VisibilityTimeout is the lease length handed out by DequeueWithLease.
func (q *RedisQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTTL
}

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("%s:ready:%s", q.namespace, priority)
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// known maps a priority onto a configured ready list, falling back to "default"
// or, when that is not configured, the lowest priority.
func (q *RedisQueue) known(priority string) string {
	fallback := q.priorityQueues[len(q.priorityQueues)-1]
	for _, p := range q.priorityQueues {
		if p == priority {
			return p
		}
		if p == "default" {
			fallback = p
		}
	}
	return fallback
}

// Enqueue inserts a job into either the scheduled set or the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, priority string, runAt time.Time) error {
	priority = q.known(priority)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return nil
}

// Schedule moves a job into the scheduled set for deferred execution.
func (q *RedisQueue) Schedule(ctx context.Context, jobID string, priority string, runAt time.Time) error {
	priority = q.known(priority)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule %s: %w", jobID, err)
	}
	return nil
}

// PromoteScheduled moves due scheduled jobs into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.move(ctx, q.scheduledKey, now, limit)
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.due(ctx, q.inflightKey, now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	var moved []string
	for _, id := range ids {
		ok, err := q.moveOne(ctx, q.inflightKey, id)
		if err != nil {
			return moved, err
		}
		if ok {
			moved = append(moved, id)
		}
	}
	return moved, nil
}

func (q *RedisQueue) due(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", key, err)
	}
	return ids, nil
}

func (q *RedisQueue) move(ctx context.Context, from string, now time.Time, limit int64) (int, error) {
	ids, err := q.due(ctx, from, now, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		ok, err := q.moveOne(ctx, from, id)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// moveOne atomically removes id from a sorted set and pushes it onto its ready
// list. It reports false when another process already moved it.
func (q *RedisQueue) moveOne(ctx context.Context, from, id string) (bool, error) {
	priority, err := q.client.HGet(ctx, q.metaKey(id), "priority").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("read priority for %s: %w", id, err)
	}
	res, err := moveScript.Run(ctx, q.client, []string{from, q.readyKey(q.known(priority))}, id).Int()
	if err != nil {
		return false, fmt.Errorf("move %s: %w", id, err)
	}
	return res == 1, nil
}

// DequeueWithLease pops a job from ready queues (priority order) and places it into inflight with a visibility timeout.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue: %w", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", jobID, err)
	}
	return nil
}

// Cancel removes a job from ready, scheduled, and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorityQueues {
		pipe.LRem(ctx, q.readyKey(p), 0, jobID)
	}
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cancel %s: %w", jobID, err)
	}
	return nil
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the oldest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// DLQRemove drops a job id from the dead-letter queue, reporting whether it was there.
func (q *RedisQueue) DLQRemove(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.LRem(ctx, q.dlqKey, 0, jobID).Result()
	if err != nil {
		return false, fmt.Errorf("remove %s from dlq: %w", jobID, err)
	}
	return n > 0, nil
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("ready depth: %w", err)
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// InflightCount returns how many jobs currently hold a lease.
func (q *RedisQueue) InflightCount(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)

var moveScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)
