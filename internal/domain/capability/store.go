package capability

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// GrantStore holds the host's grants. Reads vastly outnumber writes;
// implementations must make Grants cheap and safe for concurrent use.
type GrantStore interface {
	// Grants returns the grants recorded for a plugin.
	Grants(ctx context.Context, pluginID string) ([]Grant, error)
	// All returns every grant in the store.
	All(ctx context.Context) ([]Grant, error)
	// Put records a grant, replacing any previous decision for the same
	// plugin and capability.
	Put(ctx context.Context, g Grant) error
	// Revoke removes the grant for a plugin and capability, reporting
	// whether one existed.
	Revoke(ctx context.Context, pluginID string, c Capability) (bool, error)
}

type grantIndex map[string][]Grant

// MemoryStore is a copy-on-write GrantStore: readers load an immutable
// snapshot without locking, writers serialize and publish a new snapshot.
type MemoryStore struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[grantIndex]
}

// NewMemoryStore creates a store seeded with the given grants.
// Invalid grants are skipped.
func NewMemoryStore(grants ...Grant) *MemoryStore {
	s := &MemoryStore{}
	idx := grantIndex{}
	for _, g := range grants {
		if g.Validate() != nil {
			continue
		}
		idx[g.PluginID] = upsert(idx[g.PluginID], g)
	}
	s.snapshot.Store(&idx)
	return s
}

// Grants returns the grants recorded for a plugin.
func (s *MemoryStore) Grants(_ context.Context, pluginID string) ([]Grant, error) {
	idx := *s.snapshot.Load()
	grants := idx[pluginID]
	out := make([]Grant, len(grants))
	copy(out, grants)
	return out, nil
}

// All returns every grant sorted by plugin then capability.
func (s *MemoryStore) All(_ context.Context) ([]Grant, error) {
	idx := *s.snapshot.Load()
	var out []Grant
	for _, grants := range idx {
		out = append(out, grants...)
	}
	SortGrants(out)
	return out, nil
}

// Put records a grant.
func (s *MemoryStore) Put(_ context.Context, g Grant) error {
	if err := g.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.clone()
	next[g.PluginID] = upsert(next[g.PluginID], g)
	s.snapshot.Store(&next)
	return nil
}

// Revoke removes a grant.
func (s *MemoryStore) Revoke(_ context.Context, pluginID string, c Capability) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := *s.snapshot.Load()
	grants := current[pluginID]
	kept := make([]Grant, 0, len(grants))
	for _, g := range grants {
		if g.Capability.String() != c.String() {
			kept = append(kept, g)
		}
	}
	if len(kept) == len(grants) {
		return false, nil
	}

	next := s.clone()
	if len(kept) == 0 {
		delete(next, pluginID)
	} else {
		next[pluginID] = kept
	}
	s.snapshot.Store(&next)
	return true, nil
}

// clone copies the index shallowly; grant slices are replaced, never mutated.
func (s *MemoryStore) clone() grantIndex {
	current := *s.snapshot.Load()
	next := make(grantIndex, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	return next
}

func upsert(grants []Grant, g Grant) []Grant {
	out := make([]Grant, 0, len(grants)+1)
	for _, existing := range grants {
		if existing.Capability.String() != g.Capability.String() {
			out = append(out, existing)
		}
	}
	return append(out, g)
}

// SortGrants orders grants by plugin id then capability string.
func SortGrants(grants []Grant) {
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].PluginID != grants[j].PluginID {
			return grants[i].PluginID < grants[j].PluginID
		}
		return grants[i].Capability.String() < grants[j].Capability.String()
	})
}

// Ensure MemoryStore implements GrantStore.
var _ GrantStore = (*MemoryStore)(nil)
