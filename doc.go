// Package snapmeta provides a durable, event-sourced pipeline that turns
// image uploads into persisted image metadata.
//
// Each accepted upload becomes an orchestration instance that runs a fixed
// two-step pipeline: extract structural metadata from the uploaded bytes
// (format, dimensions, size), then store it in a metadata table. Every state
// transition is recorded in an append-only history log, so a crash at any
// point is recovered by replaying history; completed work is never redone.
//
// # Core Concepts
//
//  1. Engine
//  2. Worker
//  3. Runtime
//
// # Engine
//
// The Engine owns instance state and the history log, and provides APIs to:
//   - submit upload events (with trigger dedup by content identity)
//   - drive an instance to a terminal status (RunInstance)
//   - read instance state and history
//
// Engines can be backed by in-memory stores (non-durable, best for tests) or
// SQLite (embedded durability). Both include a matching task queue
// implementation so workers can reliably fetch work.
//
// Execution is split into a pure decision layer, which replays history and
// decides the single next action, and a dispatcher, which invokes activities
// at-least-once with retries and backoff. Activities receive an idempotency
// key so redundant deliveries collapse into one side effect.
//
// # Worker
//
// A Worker pulls run-instance tasks from a queue and hands them to the
// Engine. Workers run asynchronously and can be scaled horizontally; because
// every run replays from persisted history, duplicate and lost tasks are
// both harmless.
//
// # Runtime
//
// Runtime bundles an Engine, a queue, a Worker pool and the pipeline's
// collaborators (blob store, metadata store) into one unit:
//
//	rt := snapmeta.NewLocalRuntime(snapmeta.Config{})
//	_ = rt.StartWorkers(ctx, 2)
//	inst, err := rt.IngestFile(ctx, "images", "./cat.jpg")
//	...
//	rt.Stop()
//
// NewSQLiteRuntime is the durable variant: engine state, queued tasks and
// metadata rows share one SQLite database, and uploaded objects live on the
// local filesystem. On startup, RecoverPending re-enqueues instances that a
// previous process left unfinished.
//
// The cmd/snapmeta command wraps a Runtime in an HTTP host with upload,
// inspection and metrics endpoints, plus CLI commands for ingesting files
// and inspecting instances.
package snapmeta
