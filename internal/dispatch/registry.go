package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/snapmeta/snapmeta/pkg/api"
)

// Registry maps activity names to their handlers. Activities are registered
// once at startup; there is no reflection-based discovery.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]api.ActivityFunc
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]api.ActivityFunc)}
}

// Register binds name to fn. Registering an empty name, a nil handler, or a
// name that is already bound is an error.
func (r *Registry) Register(name string, fn api.ActivityFunc) error {
	if name == "" {
		return errors.New("activity name is required")
	}
	if fn == nil {
		return fmt.Errorf("activity %q: handler is required", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("activity already registered: %s", name)
	}
	r.byName[name] = fn
	return nil
}

// Resolve returns the handler bound to name.
func (r *Registry) Resolve(name string) (api.ActivityFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown activity: %s", name)
	}
	return fn, nil
}

// Names returns the registered activity names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	return out
}
