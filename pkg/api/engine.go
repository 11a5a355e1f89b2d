package api

import "context"

// Engine is the durable execution engine API.
//
// An engine owns the append-only history, the deterministic coordinator and
// the activity dispatcher. It does not poll for work by itself; workers (see
// pkg/worker) call RunInstance to drive instances to a terminal status.
type Engine interface {
	// RegisterActivity binds an activity name to its handler. Registration
	// happens once at startup; registering the same name twice is an error.
	RegisterActivity(name string, fn ActivityFunc) error

	// SubmitUpload converts an upload event into a new or existing
	// orchestration instance. Re-delivery of an event with the same content
	// identity returns the existing instance without appending history.
	// Events with an unaccepted extension fail with ErrRejected and create
	// nothing.
	SubmitUpload(ctx context.Context, ev UploadEvent) (*OrchestrationInstance, error)

	// RunInstance replays the instance history and drives the instance
	// until it reaches a terminal status. It is safe to call for an
	// already-terminal instance (no-op) and safe to call again after a
	// crash: completed activities are never re-executed.
	RunInstance(ctx context.Context, id string) (*OrchestrationInstance, error)

	// GetInstance looks up an orchestration instance by ID.
	GetInstance(ctx context.Context, id string) (*OrchestrationInstance, error)

	// ListInstances returns instances matching the given options.
	// Zero-valued options return all instances.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*OrchestrationInstance, error)

	// History returns the ordered event history of an instance.
	History(ctx context.Context, id string) ([]HistoryEvent, error)
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	// Status, if non-empty, limits results to instances with that status.
	Status Status

	// Container, if non-empty, limits results to uploads from that
	// container.
	Container string
}
