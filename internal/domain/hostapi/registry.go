package hostapi

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// API is a named host operation reachable through the call host function.
type API func(ctx context.Context, payload []byte) ([]byte, error)

// Registry holds the named host APIs the host application exposes.
type Registry struct {
	mu   sync.RWMutex
	apis map[string]API
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{apis: make(map[string]API)}
}

// Register adds an API. Names must be unique.
func (r *Registry) Register(name string, api API) error {
	if name == "" || api == nil {
		return fmt.Errorf("host api needs a name and an implementation")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.apis[name]; exists {
		return fmt.Errorf("host api %q already registered", name)
	}
	r.apis[name] = api
	return nil
}

// Lookup finds an API by name.
func (r *Registry) Lookup(name string) (API, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	api, ok := r.apis[name]
	return api, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.apis))
	for name := range r.apis {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
