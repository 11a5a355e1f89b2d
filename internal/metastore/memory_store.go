package metastore

import (
	"context"
	"fmt"
	"sync"

	"github.com/snapmeta/snapmeta/pkg/api"
)

// MemStore is an in-memory Store for tests and the local runtime.
type MemStore struct {
	mu     sync.RWMutex
	rows   []Row
	byKey  map[string]int
	nextID int64
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{byKey: make(map[string]int), nextID: 1}
}

func (s *MemStore) Upsert(ctx context.Context, key string, md api.ImageMetadata) error {
	if key == "" {
		return fmt.Errorf("%w: empty idempotency key", ErrConstraint)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byKey[key]; ok {
		return nil
	}
	s.rows = append(s.rows, Row{
		ID:             s.nextID,
		IdempotencyKey: key,
		ImageMetadata:  stamp(md),
	})
	s.byKey[key] = len(s.rows) - 1
	s.nextID++
	return nil
}

func (s *MemStore) List(ctx context.Context) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Row, len(s.rows))
	copy(out, s.rows)
	return out, nil
}
