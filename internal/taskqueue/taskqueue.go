// Package taskqueue decouples trigger handling from instance execution:
// accepting an upload enqueues a run-instance task, and workers drain the
// queue.
package taskqueue

import (
	"context"
	"time"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeRunInstance asks a worker to drive one orchestration instance
	// forward (replay its history and execute the next pending activity).
	TaskTypeRunInstance TaskType = "run-instance"
)

// Task is one unit of work for a worker. Tasks carry no business payload:
// the instance id is enough, because the engine re-reads history on every
// run. Losing or duplicating a task is therefore harmless.
type Task struct {
	ID         string
	Type       TaskType
	InstanceID string

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task is eligible for processing.
	// Zero means immediately.
	NotBefore time.Time

	// Attempts counts how many times this task has been handed to a worker.
	Attempts int
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until one
	// is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
