package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"study-notify/internal/config"
)

// LifecycleListener receives the queue's own completed/failed/stalled
// signals. It is deliberately independent of the event emitter so health
// monitoring keeps working when the notification layer is broken.
type LifecycleListener interface {
	OnCompleted(queue, jobID string, duration time.Duration)
	OnFailed(queue, jobID string, reason string)
	OnStalled(queue, jobID string)
}

// Counts is a live snapshot of queue occupancy.
type Counts struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
}

// RedisQueue coordinates ready, in-flight, and scheduled job sets in Redis.
type RedisQueue struct {
	client        *redis.Client
	name          string
	readyKey      string
	inflightKey   string
	scheduledKey  string
	visibilityTTL time.Duration

	mu        sync.RWMutex
	listeners []LifecycleListener
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.QueueName, cfg.VisibilityTimeout)
}

// NewRedisQueueWithClient wires an existing client, used by tests.
func NewRedisQueueWithClient(client *redis.Client, name string, visibility time.Duration) *RedisQueue {
	if name == "" {
		name = "notes"
	}
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		name:          name,
		readyKey:      fmt.Sprintf("queue:ready:%s", name),
		inflightKey:   fmt.Sprintf("queue:inflight:%s", name),
		scheduledKey:  fmt.Sprintf("queue:scheduled:%s", name),
		visibilityTTL: visibility,
	}
}

// Name returns the queue name used for health registration.
func (q *RedisQueue) Name() string {
	return q.name
}

// SubscribeLifecycle registers a listener for queue lifecycle signals.
func (q *RedisQueue) SubscribeLifecycle(l LifecycleListener) {
	if l == nil {
		return
	}
	q.mu.Lock()
	q.listeners = append(q.listeners, l)
	q.mu.Unlock()
}

// SignalCompleted notifies listeners that a job finished successfully.
func (q *RedisQueue) SignalCompleted(jobID string, duration time.Duration) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, l := range q.listeners {
		l.OnCompleted(q.name, jobID, duration)
	}
}

// SignalFailed notifies listeners that a job failed.
func (q *RedisQueue) SignalFailed(jobID string, reason string) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, l := range q.listeners {
		l.OnFailed(q.name, jobID, reason)
	}
}

func (q *RedisQueue) signalStalled(jobID string) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, l := range q.listeners {
		l.OnStalled(q.name, jobID)
	}
}

// Enqueue inserts a job into either the scheduled set or the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, runAt time.Time) error {
	if runAt.After(time.Now()) {
		return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
			Score:  float64(runAt.UnixMilli()),
			Member: jobID,
		}).Err()
	}
	return q.client.RPush(ctx, q.readyKey, jobID).Err()
}

// Schedule moves a job into the scheduled set for deferred execution.
func (q *RedisQueue) Schedule(ctx context.Context, jobID string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: jobID,
	}).Err()
}

// PromoteScheduled moves due scheduled jobs into the ready queue. It returns
// how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a job from the ready queue and places it into
// inflight with a visibility timeout.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them. Every
// reclaimed job is signalled as stalled before it goes back to ready.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	for _, id := range ids {
		q.signalStalled(id)
	}
	return ids, nil
}

// Cancel removes a job from ready, scheduled, and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, jobID)
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// WaitingCount returns the ready queue depth.
func (q *RedisQueue) WaitingCount(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// ActiveCount returns the number of leased jobs.
func (q *RedisQueue) ActiveCount(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

// DelayedCount returns the number of scheduled jobs.
func (q *RedisQueue) DelayedCount(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.scheduledKey).Result()
}

// CountsSnapshot reads all occupancy counts in one pipeline.
func (q *RedisQueue) CountsSnapshot(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.readyKey)
	active := pipe.ZCard(ctx, q.inflightKey)
	delayed := pipe.ZCard(ctx, q.scheduledKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, err
	}
	return Counts{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
	}, nil
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
