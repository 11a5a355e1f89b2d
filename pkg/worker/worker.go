package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/snapmeta/snapmeta/internal/taskqueue"
	"github.com/snapmeta/snapmeta/pkg/api"
)

// Worker pulls tasks from a Queue and executes them against an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
}

// New creates a new Worker.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return &Worker{
		engine: engine,
		queue:  queue,
	}
}

// EnqueueRunInstance enqueues a task asking a worker to drive the instance
// forward. It does NOT run the instance itself; that is done by ProcessOne.
//
// Run tasks are safe to enqueue redundantly: RunInstance replays history, so
// a duplicate task for a terminal instance is a no-op.
func (w *Worker) EnqueueRunInstance(ctx context.Context, instanceID string) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		ID:         uuid.NewString(),
		Type:       taskqueue.TaskTypeRunInstance,
		InstanceID: instanceID,
		EnqueuedAt: time.Now(),
	})
}

// EnqueueRunInstanceAt enqueues a run task that becomes eligible no earlier
// than 'at'.
func (w *Worker) EnqueueRunInstanceAt(ctx context.Context, instanceID string, at time.Time) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		ID:         uuid.NewString(),
		Type:       taskqueue.TaskTypeRunInstance,
		InstanceID: instanceID,
		EnqueuedAt: time.Now(),
		NotBefore:  at,
	})
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false, err != nil: no task was obtained (usually context
//     cancellation).
//   - processed == true: a task was processed; err indicates whether the
//     handler succeeded.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	switch task.Type {
	case taskqueue.TaskTypeRunInstance:
		_, runErr := w.engine.RunInstance(ctx, task.InstanceID)
		return true, runErr

	default:
		// Unknown task type; mark as processed but return an error so this
		// isn't silently ignored.
		return true, errors.New("unknown task type: " + string(task.Type))
	}
}
