package queue

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func getTestQueue(t *testing.T) *Queue {
	t.Helper()
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set, skipping queue integration test")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	return New(redis.NewClient(opts))
}

func TestQueue_SendReceiveDone(t *testing.T) {
	q := getTestQueue(t)
	ctx := context.Background()
	queueName := "test_queue_" + uuid.New().String()[:8]

	task := Task{
		ID:       "task-" + uuid.New().String(),
		Kind:     KindDocFetching,
		Priority: PriorityMedium,
		Payload:  json.RawMessage(`{"attemptId": 1}`),
	}
	if err := q.Send(ctx, queueName, task); err != nil {
		t.Fatalf("Send: %v", err)
	}

	exists, err := q.Exists(ctx, task.ID)
	if err != nil || !exists {
		t.Fatalf("Exists = %v, %v; want true", exists, err)
	}

	got, err := q.Receive(ctx, queueName, time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got == nil || got.ID != task.ID {
		t.Fatalf("got = %+v", got)
	}

	// Still pending until the worker calls Done.
	if exists, _ := q.Exists(ctx, task.ID); !exists {
		t.Error("task must stay pending while being worked")
	}
	if err := q.Done(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if exists, _ := q.Exists(ctx, task.ID); exists {
		t.Error("task must not be pending after Done")
	}
}

func TestQueue_PriorityOrdering(t *testing.T) {
	q := getTestQueue(t)
	ctx := context.Background()
	queueName := "test_queue_" + uuid.New().String()[:8]

	low := Task{ID: uuid.New().String(), Priority: PriorityLow, Kind: KindDocFetching}
	high := Task{ID: uuid.New().String(), Priority: PriorityHigh, Kind: KindDocFetching}
	if err := q.Send(ctx, queueName, low); err != nil {
		t.Fatal(err)
	}
	if err := q.Send(ctx, queueName, high); err != nil {
		t.Fatal(err)
	}

	first, err := q.Receive(ctx, queueName, time.Second)
	if err != nil || first == nil {
		t.Fatalf("Receive: %v %v", first, err)
	}
	if first.ID != high.ID {
		t.Errorf("first = %s priority %s, want the high-priority task", first.ID, first.Priority)
	}
}
