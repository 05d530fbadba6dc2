package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// QueueReconcile holds delayed payment status reconciliations
	QueueReconcile = "reconcile"

	delayedPrefix = "delayed:"
)

// RedisQueue is a delayed task queue kept in a Redis sorted set scored by due
// time in unix milliseconds. Several replicas may poll the same queue: a task
// belongs to whichever replica removes it from the set.
type RedisQueue struct {
	client *redis.Client
	name   string
	key    string
	now    func() time.Time
}

// NewRedisQueue creates a new Redis queue
func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{
		client: client,
		name:   name,
		key:    delayedPrefix + name,
		now:    time.Now,
	}
}

// Schedule adds task to run at runAt. A runAt in the past makes it due immediately.
func (q *RedisQueue) Schedule(ctx context.Context, task ReconcileTask, runAt time.Time) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	err = q.client.ZAdd(ctx, q.key, &redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to add task to delayed queue: %w", err)
	}
	return nil
}

// Release puts claimed tasks back, due immediately
func (q *RedisQueue) Release(ctx context.Context, tasks []ReconcileTask) error {
	now := q.now()
	for _, task := range tasks {
		if err := q.Schedule(ctx, task, now); err != nil {
			return err
		}
	}
	return nil
}

// ClaimDue removes and returns up to limit tasks whose due time has passed
func (q *RedisQueue) ClaimDue(ctx context.Context, limit int) ([]ReconcileTask, error) {
	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due tasks: %w", err)
	}

	tasks := make([]ReconcileTask, 0, len(members))
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.key, member).Result()
		if err != nil {
			return tasks, fmt.Errorf("failed to claim task: %w", err)
		}
		if removed == 0 {
			// Another replica claimed it first
			continue
		}

		var task ReconcileTask
		if err := json.Unmarshal([]byte(member), &task); err != nil {
			log.Printf("Dropping undecodable task from %s: %v", q.key, err)
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Len returns the number of tasks waiting in the queue
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}

// Stats reports how many tasks wait in the queue and how many of them are due
func (q *RedisQueue) Stats(ctx context.Context) (*QueueStats, error) {
	total, err := q.Len(ctx)
	if err != nil {
		return nil, err
	}
	due, err := q.client.ZCount(ctx, q.key, "-inf", strconv.FormatInt(q.now().UnixMilli(), 10)).Result()
	if err != nil {
		return nil, err
	}
	return &QueueStats{Queue: q.name, Delayed: total, Due: due}, nil
}
