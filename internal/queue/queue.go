// Package queue defines the task broker the coordination layer enqueues
// work into, plus an in-process implementation used by tests and dev mode.
// The production broker (out of process) only needs to satisfy Broker.
package queue

import (
	"context"
	"errors"
)

// Priorities for Submit. Higher runs first within a queue.
const (
	PriorityLow    = 0
	PriorityMedium = 5
	PriorityHigh   = 9
)

// Well-known queue names, one per job family plus the shared unit-task
// queues.
const (
	QueueIndexing      = "indexing"
	QueuePruning       = "pruning"
	QueuePermissions   = "permissions"
	QueueVespaMetadata = "vespa_metadata"
)

// ErrUnknownTask is returned by handlers-based brokers when a submitted
// task name has no registered handler.
var ErrUnknownTask = errors.New("queue: unknown task name")

// Task is one enqueued invocation.
type Task struct {
	// Name selects the registered handler.
	Name string
	// Args are the task's keyword arguments.
	Args map[string]string
	// Queue the task is routed to.
	Queue string
	// ID is the broker task id. Empty means the broker assigns one.
	ID string
	// Priority orders tasks within a queue; higher first.
	Priority int
}

// Broker is the durable work-queue surface the fence protocol consumes.
type Broker interface {
	// Submit enqueues a task and returns its broker id.
	Submit(ctx context.Context, t Task) (string, error)
	// IsKnown reports whether the task id is currently queued or reserved.
	IsKnown(ctx context.Context, id, queue string) (bool, error)
	// Length returns the number of queued (not yet reserved) tasks.
	Length(ctx context.Context, queue string) (int, error)
	// QueuedIDs returns the ids of all queued tasks.
	QueuedIDs(ctx context.Context, queue string) (map[string]struct{}, error)
	// ReservedIDs returns the ids of tasks prefetched or executing on
	// workers.
	ReservedIDs(ctx context.Context, queue string) (map[string]struct{}, error)
	// Revoke removes a queued task before a worker picks it up. Revoking
	// an unknown or already-running task is a no-op.
	Revoke(ctx context.Context, id, queue string) error
}

// Handler executes one task. Returning an error marks the run failed;
// the broker does not retry, retry policy belongs to the task itself.
type Handler func(ctx context.Context, t Task) error
