// Package worker provides the background worker implementation used to drive
// orchestration instances forward.
//
// Workers consume run-instance tasks from a task queue and hand them to the
// engine, which replays the instance history and executes the next pending
// activity. Because every run starts from persisted history, tasks are safe
// to deliver more than once, and multiple workers can operate on the same
// queue to scale processing.
//
// Most applications construct workers via the runtime helpers in the
// snapmeta package, which wire engines, queues, and observers together with
// sensible defaults. This package holds the underlying types for embedding a
// worker directly.
package worker
