package snapmeta

import (
	"context"
	"database/sql"

	"github.com/snapmeta/snapmeta/internal/blob"
	"github.com/snapmeta/snapmeta/internal/engine"
	"github.com/snapmeta/snapmeta/internal/metastore"
	"github.com/snapmeta/snapmeta/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine                = api.Engine
	UploadEvent           = api.UploadEvent
	BlobRef               = api.BlobRef
	ImageMetadata         = api.ImageMetadata
	OrchestrationInstance = api.OrchestrationInstance
	HistoryEvent          = api.HistoryEvent
	InstanceListOptions   = api.InstanceListOptions
	Status                = api.Status
	ActivityFunc          = api.ActivityFunc
	RetryPolicy           = api.RetryPolicy
	Observer              = api.Observer
	LoggingObserver       = api.LoggingObserver
	BasicMetrics          = api.BasicMetrics
	BasicMetricsSnapshot  = api.BasicMetricsSnapshot
	CompositeObserver     = api.CompositeObserver
	NoopObserver          = api.NoopObserver
)

// Collaborator contracts, re-exported for callers that bring their own blob
// storage or metadata sink.

type (
	BlobStore     = blob.Store
	MetadataStore = metastore.Store
	MetadataRow   = metastore.Row
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values for convenience.

const (
	StatusRunning   = api.StatusRunning
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
// Activities still have to be registered before instances can run; most
// callers want NewLocalRuntime instead, which wires the image pipeline too.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	return engine.NewInMemoryEngineWithObserver(obs)
}

// NewSQLiteEngine returns an Engine that persists instances and history
// in a SQLite database.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewSQLiteEngineWithConfig returns a SQLite-backed Engine with the given
// retry policy and Observer. Zero policy fields fall back to the defaults.
func NewSQLiteEngineWithConfig(db *sql.DB, policy RetryPolicy, obs Observer) (Engine, error) {
	return engine.NewSQLiteEngineWithConfig(db, policy, obs)
}

// Convenience helpers that just forward to the underlying Engine.

// SubmitUpload feeds an upload event to the engine's trigger listener.
func SubmitUpload(ctx context.Context, eng Engine, ev UploadEvent) (*OrchestrationInstance, error) {
	return eng.SubmitUpload(ctx, ev)
}

// RunInstance drives an instance to a terminal status synchronously.
func RunInstance(ctx context.Context, eng Engine, id string) (*OrchestrationInstance, error) {
	return eng.RunInstance(ctx, id)
}

// GetInstance fetches an instance by ID.
func GetInstance(ctx context.Context, eng Engine, id string) (*OrchestrationInstance, error) {
	return eng.GetInstance(ctx, id)
}

// ListInstances lists orchestration instances according to the given options.
func ListInstances(ctx context.Context, eng Engine, opts InstanceListOptions) ([]*OrchestrationInstance, error) {
	return eng.ListInstances(ctx, opts)
}

// History returns the ordered event history of an instance.
func History(ctx context.Context, eng Engine, id string) ([]HistoryEvent, error) {
	return eng.History(ctx, id)
}
