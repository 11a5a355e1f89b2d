package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/snapmeta/snapmeta/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when an orchestration instance is not
	// found.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceExists is returned by CreateInstance when an instance with
	// the same key already exists. The unique key constraint is what makes
	// trigger dedup safe under concurrent deliveries.
	ErrInstanceExists = errors.New("instance already exists")

	// ErrSequenceConflict is returned by Append when the (instance,
	// sequence) slot is already occupied. The caller must re-read history
	// and decide again; the conflict is never surfaced to the end user.
	ErrSequenceConflict = errors.New("history sequence conflict")
)

// InstanceFilter is used to select instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	Status    api.Status
	Container string
}

// InstanceStore handles storage of orchestration instances.
type InstanceStore interface {
	// CreateInstance persists a new instance. It fails with
	// ErrInstanceExists if the instance key is already taken.
	CreateInstance(ctx context.Context, inst *api.OrchestrationInstance) error

	UpdateInstance(ctx context.Context, inst *api.OrchestrationInstance) error
	GetInstance(ctx context.Context, id string) (*api.OrchestrationInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.OrchestrationInstance, error)

	// PurgeTerminal deletes terminal instances (and their history) whose
	// last update is older than the cutoff. It returns the number of
	// instances removed.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error)
}

// HistoryStore is the append-only history log.
//
// Append must be durable before it returns: the coordinator bases its next
// decision on events it has been told are recorded. Appending to an occupied
// (instance, sequence) slot fails with ErrSequenceConflict, which is the only
// synchronization primitive between concurrent drivers of one instance.
type HistoryStore interface {
	Append(ctx context.Context, ev api.HistoryEvent) error
	Read(ctx context.Context, instanceID string) ([]api.HistoryEvent, error)
}

// Persistence bundles the store interfaces so the engine can depend on a
// single abstraction.
type Persistence struct {
	Instances InstanceStore
	History   HistoryStore
}
