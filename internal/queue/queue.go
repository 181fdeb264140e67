// Package queue is the redis-list task queue workers consume. Tasks are
// tracked in a pending set by id so the fence validator can probe whether
// a task is still queued or running.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Task is one unit of queued work.
type Task struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Priority Priority        `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
	Enqueued time.Time       `json:"enqueued"`
}

// Known task kinds.
const (
	KindDocFetching   = "docfetching"
	KindPermDocSync   = "perm_doc_sync"
	KindPermGroupSync = "perm_group_sync"
)

// Queue wraps the redis lists.
type Queue struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

func listKey(queueName string, p Priority) string {
	return fmt.Sprintf("queue:%s:%s", queueName, p)
}

func pendingKey(taskID string) string {
	return "task_pending:" + taskID
}

// Send enqueues a task and marks it pending. The pending marker carries a
// generous TTL so abandoned ids eventually vanish on their own.
func (q *Queue) Send(ctx context.Context, queueName string, task Task) error {
	if task.Enqueued.IsZero() {
		task.Enqueued = time.Now().UTC()
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue.Send: marshal: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, pendingKey(task.ID), queueName, 24*time.Hour)
	pipe.LPush(ctx, listKey(queueName, task.Priority), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue.Send: %w", err)
	}
	return nil
}

// Receive pops the next task, highest priority first, blocking up to wait.
// Returns nil when nothing arrived.
func (q *Queue) Receive(ctx context.Context, queueName string, wait time.Duration) (*Task, error) {
	keys := []string{
		listKey(queueName, PriorityHigh),
		listKey(queueName, PriorityMedium),
		listKey(queueName, PriorityLow),
	}
	res, err := q.rdb.BRPop(ctx, wait, keys...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue.Receive: %w", err)
	}
	// BRPop returns [key, value].
	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("queue.Receive: unmarshal: %w", err)
	}
	return &task, nil
}

// Exists reports whether the task id is still pending (queued or being
// worked). Workers call Done to clear it.
func (q *Queue) Exists(ctx context.Context, taskID string) (bool, error) {
	n, err := q.rdb.Exists(ctx, pendingKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("queue.Exists: %w", err)
	}
	return n > 0, nil
}

// Done clears the pending marker once a worker finishes the task.
func (q *Queue) Done(ctx context.Context, taskID string) error {
	if err := q.rdb.Del(ctx, pendingKey(taskID)).Err(); err != nil {
		return fmt.Errorf("queue.Done: %w", err)
	}
	return nil
}
