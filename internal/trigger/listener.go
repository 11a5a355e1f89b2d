// Package trigger converts external upload notifications into orchestration
// instances, deduplicating re-delivered events.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/snapmeta/snapmeta/internal/persistence"
	"github.com/snapmeta/snapmeta/pkg/api"
)

// Listener is the trigger listener. It owns instance creation: at most one
// instance, and at most one instance.started event, exist per distinct
// content identity. The guarantee comes from the store's uniqueness
// constraint on the instance key, not from callers being single-threaded.
type Listener struct {
	instances persistence.InstanceStore
	history   persistence.HistoryStore
	observer  api.Observer
}

func NewListener(p persistence.Persistence, observer api.Observer) *Listener {
	if observer == nil {
		observer = api.NoopObserver{}
	}
	return &Listener{
		instances: p.Instances,
		history:   p.History,
		observer:  observer,
	}
}

// OnUpload validates the event and creates (or finds) the orchestration
// instance for it.
//
//   - Unaccepted extensions fail with api.ErrRejected; nothing is created.
//   - Re-delivery of a known content identity returns the existing instance
//     without touching history.
//   - Otherwise the instance row is created and the instance.started event
//     appended.
func (l *Listener) OnUpload(ctx context.Context, ev api.UploadEvent) (*api.OrchestrationInstance, error) {
	if ev.BlobName == "" || ev.Container == "" {
		return nil, fmt.Errorf("%w: missing container or blob name", api.ErrRejected)
	}
	if !ev.Accepted() {
		return nil, fmt.Errorf("%w: extension of %q not in accepted set", api.ErrRejected, ev.BlobName)
	}

	now := time.Now()
	inst := &api.OrchestrationInstance{
		ID:        api.InstanceKey(ev),
		Status:    api.StatusRunning,
		Input:     ev,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := l.instances.CreateInstance(ctx, inst)
	if errors.Is(err, persistence.ErrInstanceExists) {
		// Duplicate or re-delivered trigger: hand back the existing run.
		return l.instances.GetInstance(ctx, inst.ID)
	}
	if err != nil {
		return nil, err
	}

	started := api.HistoryEvent{
		InstanceID: inst.ID,
		Sequence:   1,
		Kind:       api.EventInstanceStarted,
		Payload:    ev,
		At:         now,
	}
	if err := l.history.Append(ctx, started); err != nil && !errors.Is(err, persistence.ErrSequenceConflict) {
		// A sequence conflict means a concurrent delivery already wrote the
		// started event, which is exactly the dedup we want. Anything else
		// is a real storage failure; the runner can still heal the missing
		// event from the stored input, so surface it but keep the instance.
		return inst, err
	}

	l.observer.OnInstanceStart(ctx, inst)
	return inst, nil
}
