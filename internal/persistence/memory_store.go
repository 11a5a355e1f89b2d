package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/snapmeta/snapmeta/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of InstanceStore and
// HistoryStore backed by maps. It is not durable and is intended for tests
// and local development.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]api.OrchestrationInstance
	history   map[string][]api.HistoryEvent
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]api.OrchestrationInstance),
		history:   make(map[string][]api.HistoryEvent),
	}
}

var _ InstanceStore = (*InMemoryStore)(nil)

var _ HistoryStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) CreateInstance(ctx context.Context, inst *api.OrchestrationInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return ErrInstanceExists
	}
	s.instances[inst.ID] = *inst
	return nil
}

func (s *InMemoryStore) UpdateInstance(ctx context.Context, inst *api.OrchestrationInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; !ok {
		return ErrInstanceNotFound
	}
	inst.UpdatedAt = time.Now()
	s.instances[inst.ID] = *inst
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.OrchestrationInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	copied := inst
	return &copied, nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.OrchestrationInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.OrchestrationInstance
	for _, inst := range s.instances {
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		if filter.Container != "" && inst.Input.Container != filter.Container {
			continue
		}
		copied := inst
		result = append(result, &copied)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *InMemoryStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, inst := range s.instances {
		if !inst.Status.Terminal() || !inst.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(s.instances, id)
		delete(s.history, id)
		purged++
	}
	return purged, nil
}

func (s *InMemoryStore) Append(ctx context.Context, ev api.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.history[ev.InstanceID]

	// Sequences are dense and start at 1, so an occupied slot is exactly
	// a sequence at or below the current length.
	if ev.Sequence <= len(events) {
		return ErrSequenceConflict
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.history[ev.InstanceID] = append(events, ev)
	return nil
}

func (s *InMemoryStore) Read(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.history[instanceID]
	out := make([]api.HistoryEvent, len(events))
	copy(out, events)
	return out, nil
}
