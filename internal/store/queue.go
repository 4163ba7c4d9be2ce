package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskQueue is the delayed-task queue used for schedule fires and job
// delivery. Delivery is at-least-once: a claimed task becomes visible again
// after its backoff unless completed, and each claim consumes one attempt.
// Implementations must use SELECT ... FOR UPDATE SKIP LOCKED semantics.
type TaskQueue interface {
	// Enqueue adds a task. Re-enqueueing the same (queueKey, dedupeKey) is
	// a no-op, so redelivery of the same attempt is deduplicated. The task
	// becomes claimable after opts.Delay.
	Enqueue(ctx context.Context, tx DBTransaction, queueKey, dedupeKey string, payload json.RawMessage, opts EnqueueOptions) error

	// Cancel removes a not-yet-completed task. Removing a task already
	// claimed by a worker is not an error.
	Cancel(ctx context.Context, queueKey, dedupeKey string) error

	// Claim atomically claims up to limit visible tasks on the queue,
	// consuming one attempt each and pushing visibility by the task's
	// backoff. Returns a nil slice when the queue is empty.
	Claim(ctx context.Context, queueKey string, limit int) ([]Task, error)

	// ClaimForHost claims visible delivery tasks addressed to the host,
	// regardless of queue key.
	ClaimForHost(ctx context.Context, hostID uuid.UUID, limit int) ([]Task, error)

	// Complete removes a finished task.
	Complete(ctx context.Context, taskID int64) error

	// ReapExhausted removes tasks whose attempt budget is spent and whose
	// visibility has lapsed, matching queue keys by prefix, and returns
	// them so the caller can run its failure handling.
	ReapExhausted(ctx context.Context, queueKeyPrefix string, limit int) ([]Task, error)

	// Count returns the number of queued tasks.
	Count(ctx context.Context) (int64, error)
}

// EnqueueOptions carries the delivery policy for one task.
type EnqueueOptions struct {
	// Delay defers first visibility; zero means immediately claimable.
	Delay time.Duration

	// Attempts is the total attempt budget (retries + 1).
	Attempts int

	// BackoffMs is the fixed redelivery backoff between attempts.
	BackoffMs int

	// HostID addresses a delivery task to one host. Nil for tasks claimed
	// by queue key (schedule fires).
	HostID *uuid.UUID
}

// Task is a claimed queue entry.
type Task struct {
	ID           int64
	QueueKey     string
	DedupeKey    string
	HostID       *uuid.UUID
	Payload      json.RawMessage
	AttemptsLeft int
	BackoffMs    int
}
