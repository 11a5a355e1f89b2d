package blob

import (
	"context"
	"fmt"
	"sync"

	"github.com/snapmeta/snapmeta/pkg/api"
)

// MemStore is an in-memory Store for tests and the local runtime.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func (s *MemStore) Put(ref api.BlobRef, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	s.objects[ref.String()] = copied
}

// WriteBytes stores content under the reference. It mirrors the FSStore
// write path so the runtime's ingest helper works against both backends.
func (s *MemStore) WriteBytes(ctx context.Context, ref api.BlobRef, data []byte) error {
	s.Put(ref, data)
	return nil
}

func (s *MemStore) ReadBytes(ctx context.Context, ref api.BlobRef) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[ref.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
