package snapmeta

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"
	"time"

	"github.com/snapmeta/snapmeta/internal/activity"
	"github.com/snapmeta/snapmeta/internal/blob"
	"github.com/snapmeta/snapmeta/internal/engine"
	"github.com/snapmeta/snapmeta/internal/metastore"
	"github.com/snapmeta/snapmeta/internal/persistence"
	"github.com/snapmeta/snapmeta/internal/taskqueue"
	workerpkg "github.com/snapmeta/snapmeta/pkg/worker"
)

// Config controls a Runtime.
type Config struct {
	// Concurrency is the number of worker goroutines started by
	// StartWorkers when the caller passes 0 there. Defaults to 1.
	Concurrency int

	// RetryPolicy is the dispatcher retry policy for activities.
	// Zero fields fall back to the defaults.
	RetryPolicy RetryPolicy

	// Observer receives engine lifecycle events. Nil means no observer.
	Observer Observer

	// Logger is used for runtime-level messages (worker loop errors,
	// retention sweeps). Nil falls back to slog.Default().
	Logger *slog.Logger

	// Retention bounds how long terminal instances and their history are
	// kept; PurgeTerminal deletes older ones. Zero disables purging.
	Retention time.Duration
}

// Runtime bundles an Engine, a task queue, a Worker and the image pipeline's
// collaborators (blob store and metadata store) into one unit with a
// worker-pool lifecycle.
//
// Typical usage:
//
//	rt := snapmeta.NewLocalRuntime(snapmeta.Config{})
//	_ = rt.StartWorkers(ctx, 2)
//	inst, _ := rt.IngestFile(ctx, "images", "./cat.jpg")
//	...
//	rt.Stop()
type Runtime struct {
	// Engine is the durable execution engine driving the pipeline.
	Engine Engine

	// Worker processes run-instance tasks from the queue.
	Worker *workerpkg.Worker

	queue     taskqueue.Queue
	blobs     BlobStore
	meta      MetadataStore
	instances persistence.InstanceStore

	logger      *slog.Logger
	retention   time.Duration
	concurrency int

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRuntime constructs a Runtime backed entirely by in-memory stores:
// engine state, task queue, blob store and metadata store. Intended for
// local development, tests, and simple single-process deployments.
func NewLocalRuntime(cfg Config) *Runtime {
	mem := persistence.NewInMemoryStore()
	p := persistence.Persistence{Instances: mem, History: mem}

	blobs := blob.NewMemStore()
	meta := metastore.NewMemStore()

	eng := engine.NewEngineWithConfig(engine.Config{
		Persistence: p,
		RetryPolicy: cfg.RetryPolicy,
		Observer:    cfg.Observer,
	})
	mustRegisterPipeline(eng, blobs, meta)

	q := taskqueue.NewInMemoryQueue(1024)

	return newRuntime(cfg, eng, q, blobs, meta, mem)
}

// NewSQLiteRuntime constructs a durable Runtime: engine state, queued tasks
// and metadata rows share the given SQLite database, and uploaded objects
// live on the filesystem under imagesRoot.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:snapmeta.db?_journal=WAL")
//	rt, err := snapmeta.NewSQLiteRuntime(db, "./images", snapmeta.Config{})
func NewSQLiteRuntime(db *sql.DB, imagesRoot string, cfg Config) (*Runtime, error) {
	instances, err := persistence.NewSQLiteInstanceStore(db)
	if err != nil {
		return nil, err
	}
	history, err := persistence.NewSQLiteHistoryStore(db)
	if err != nil {
		return nil, err
	}
	meta, err := metastore.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	blobs := blob.NewFSStore(imagesRoot)

	eng := engine.NewEngineWithConfig(engine.Config{
		Persistence: persistence.Persistence{Instances: instances, History: history},
		RetryPolicy: cfg.RetryPolicy,
		Observer:    cfg.Observer,
	})
	mustRegisterPipeline(eng, blobs, meta)

	return newRuntime(cfg, eng, q, blobs, meta, instances), nil
}

// NewRuntime constructs a Runtime on caller-provided collaborators. It is
// the assembly point for hosts that mix backends (say, SQLite engine state
// with a remote blob store).
func NewRuntime(cfg Config, p persistence.Persistence, q taskqueue.Queue, blobs BlobStore, meta MetadataStore) *Runtime {
	eng := engine.NewEngineWithConfig(engine.Config{
		Persistence: p,
		RetryPolicy: cfg.RetryPolicy,
		Observer:    cfg.Observer,
	})
	mustRegisterPipeline(eng, blobs, meta)
	return newRuntime(cfg, eng, q, blobs, meta, p.Instances)
}

func newRuntime(cfg Config, eng Engine, q taskqueue.Queue, blobs BlobStore, meta MetadataStore, instances persistence.InstanceStore) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		Engine:      eng,
		Worker:      workerpkg.New(eng, q),
		queue:       q,
		blobs:       blobs,
		meta:        meta,
		instances:   instances,
		logger:      logger,
		retention:   cfg.Retention,
		concurrency: cfg.Concurrency,
	}
}

// Pipeline registration only fails on duplicate or empty activity names,
// which is a programming error here.
func mustRegisterPipeline(eng Engine, blobs BlobStore, meta MetadataStore) {
	if err := activity.RegisterPipeline(eng, blobs, meta); err != nil {
		panic("snapmeta: register pipeline: " + err.Error())
	}
}

// SubmitUpload feeds an upload event through the trigger listener and, for
// non-terminal instances, enqueues a run task for the workers.
func (r *Runtime) SubmitUpload(ctx context.Context, ev UploadEvent) (*OrchestrationInstance, error) {
	inst, err := r.Engine.SubmitUpload(ctx, ev)
	if err != nil {
		return nil, err
	}
	if !inst.Status.Terminal() {
		if err := r.Worker.EnqueueRunInstance(ctx, inst.ID); err != nil {
			return inst, err
		}
	}
	return inst, nil
}

// blobWriter is satisfied by the built-in blob stores; bring-your-own
// stores need it only for IngestFile.
type blobWriter interface {
	WriteBytes(ctx context.Context, ref BlobRef, data []byte) error
}

// IngestBytes writes content into the blob store and submits the
// corresponding upload event. The content identity is the SHA-256 of the
// bytes, so re-ingesting identical content is deduplicated.
func (r *Runtime) IngestBytes(ctx context.Context, container, name string, data []byte) (*OrchestrationInstance, error) {
	w, ok := r.blobs.(blobWriter)
	if !ok {
		return nil, errors.New("snapmeta: blob store does not support ingest")
	}

	ref := BlobRef{Container: container, Name: name}
	if err := w.WriteBytes(ctx, ref, data); err != nil {
		return nil, fmt.Errorf("store %s: %w", ref, err)
	}

	sum := sha256.Sum256(data)
	return r.SubmitUpload(ctx, UploadEvent{
		Container: container,
		BlobName:  name,
		ContentID: fmt.Sprintf("%x", sum[:]),
		SizeBytes: int64(len(data)),
	})
}

// IngestFile reads a local file and ingests it under its base name.
func (r *Runtime) IngestFile(ctx context.Context, container, filePath string) (*OrchestrationInstance, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filePath, err)
	}
	return r.IngestBytes(ctx, container, path.Base(filePath), data)
}

// MetadataRows returns the persisted metadata records, newest last.
func (r *Runtime) MetadataRows(ctx context.Context) ([]MetadataRow, error) {
	return r.meta.List(ctx)
}

// RecoverPending re-enqueues a run task for every non-terminal instance.
// Call it on process startup, before StartWorkers, so instances interrupted
// by a crash resume from their recorded history.
func (r *Runtime) RecoverPending(ctx context.Context) (int, error) {
	running, err := r.instances.ListInstances(ctx, persistence.InstanceFilter{Status: StatusRunning})
	if err != nil {
		return 0, err
	}
	for i, inst := range running {
		if err := r.Worker.EnqueueRunInstance(ctx, inst.ID); err != nil {
			return i, err
		}
	}
	return len(running), nil
}

// PurgeTerminal deletes terminal instances (and their history) whose last
// update is older than the configured retention. It returns the number of
// instances removed; with no retention configured it does nothing.
func (r *Runtime) PurgeTerminal(ctx context.Context) (int, error) {
	if r.retention <= 0 {
		return 0, nil
	}
	return r.instances.PurgeTerminal(ctx, time.Now().Add(-r.retention))
}

// QueueLen reports the approximate number of queued tasks.
func (r *Runtime) QueueLen() int {
	return r.queue.Len()
}

// StartWorkers starts 'concurrency' worker goroutines that continuously call
// Worker.ProcessOne(ctx) until the context is cancelled via Stop. Zero
// concurrency falls back to Config.Concurrency.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *Runtime) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("snapmeta: runtime already started")
	}

	if concurrency <= 0 {
		concurrency = r.concurrency
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()

			for {
				processed, err := r.Worker.ProcessOne(ctx)
				if err != nil {
					// Cancellation is a clean shutdown signal.
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					// Other errors: log and keep going so a single bad task
					// doesn't kill the worker loop.
					r.logger.Error("worker task failed", slog.Any("error", err))
					continue
				}
				if !processed {
					continue
				}
			}
		}()
	}

	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}
