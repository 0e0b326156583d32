package taskqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskAdvanceOrder wakes an order instance so it continues from its
	// persisted state.
	TaskAdvanceOrder TaskType = "advance-order"
	// TaskAdvanceShipment wakes a shipment instance.
	TaskAdvanceShipment TaskType = "advance-shipment"
	// TaskApprovalTimeout is an advance-order wake-up scheduled for the
	// approval deadline.
	TaskApprovalTimeout TaskType = "approval-timeout"
)

// Task is a wake-up for one instance. Tasks carry no state of their own;
// the instance re-reads everything from the store, so duplicate or stale
// tasks are harmless.
type Task struct {
	ID         string    `msgpack:"id"`
	Type       TaskType  `msgpack:"type"`
	InstanceID string    `msgpack:"instance_id"`
	EnqueuedAt time.Time `msgpack:"enqueued_at"`

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately".
	NotBefore time.Time `msgpack:"not_before"`

	// Attempts counts how many times handling this task has failed.
	Attempts int `msgpack:"attempts"`
}

// NewTask returns a task with a fresh id, due immediately.
func NewTask(typ TaskType, instanceID string) Task {
	return Task{
		ID:         uuid.NewString(),
		Type:       typ,
		InstanceID: instanceID,
		EnqueuedAt: time.Now(),
	}
}

// At returns a copy of t due no earlier than at.
func (t Task) At(at time.Time) Task {
	t.NotBefore = at
	return t
}

// Queue is a delayed task queue.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next due task, blocking until one is
	// available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued, due or not.
	Len() int
}
