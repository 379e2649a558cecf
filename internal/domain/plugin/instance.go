package plugin

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
	"github.com/felixgeelhaar/pluginhost/internal/domain/provider"
)

// instance is one loaded plugin. Lifecycle state, the active invocation
// count and the drain channel change together under mu.
type instance struct {
	id       string
	pluginID string
	bundle   Bundle
	resolved *capability.ResolvedPermissions
	limits   provider.ResourceLimits
	exports  map[string]provider.Signature
	handle   provider.Handle
	loadedAt time.Time

	// gate serializes invocations when the provider cannot run them
	// concurrently; nil otherwise.
	gate *semaphore.Weighted

	// closing is closed once the instance stops accepting invocations for
	// good, releasing callers queued on gate.
	closing     chan struct{}
	closed      bool
	mu          sync.Mutex
	life        *lifecycle
	active      int
	drained     chan struct{}
	lastErr     error
	invocations uint64
	faults      uint64
}

func (i *instance) manifest() *Manifest {
	return i.bundle.Manifest
}

// markClosingLocked closes closing if st ends the instance's serving life.
// i.mu must be held.
func (i *instance) markClosingLocked(st State) {
	if i.closed {
		return
	}
	switch st {
	case StateSuspended, StateFailed, StateUnloading, StateUnloaded:
		i.closed = true
		close(i.closing)
	}
}

// admitLocked reports why an invocation cannot be dispatched now, or nil.
// i.mu must be held.
func (i *instance) admitLocked() error {
	st := i.life.State()
	if st.AcceptsInvoke() {
		return nil
	}
	sentinel := ErrPluginNotReady
	if st == StateUnloading || st == StateUnloaded {
		sentinel = ErrUnloading
	}
	return &LifecycleError{Op: "invoke", PluginID: i.pluginID, State: st, Err: sentinel}
}

// admit is admitLocked for callers not holding i.mu.
func (i *instance) admit() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.admitLocked()
}

// acquire takes the invoke gate. Waiting ends early when ctx is done or
// the instance starts closing; the latter reports the admission error.
func (i *instance) acquire(ctx context.Context) error {
	if i.gate == nil {
		return nil
	}
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-i.closing:
			cancel()
		case <-actx.Done():
		}
	}()

	if err := i.gate.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if aerr := i.admit(); aerr != nil {
			return aerr
		}
		return err
	}
	return nil
}

func (i *instance) release() {
	if i.gate != nil {
		i.gate.Release(1)
	}
}

// state returns the current lifecycle state.
func (i *instance) state() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.life.State()
}

// Summary describes a loaded plugin.
type Summary struct {
	ID                string                        `json:"id"`
	InstanceID        string                        `json:"instance_id"`
	Version           string                        `json:"version"`
	Description       string                        `json:"description,omitempty"`
	Provider          string                        `json:"provider"`
	State             State                         `json:"state"`
	Exports           map[string]provider.Signature `json:"-"`
	EntryPoints       []string                      `json:"entry_points"`
	Allowed           []string                      `json:"allowed,omitempty"`
	Denied            []string                      `json:"denied,omitempty"`
	Checksum          string                        `json:"checksum"`
	ActiveInvocations int                           `json:"active_invocations"`
	Invocations       uint64                        `json:"invocations"`
	Faults            uint64                        `json:"faults"`
	LastError         string                        `json:"last_error,omitempty"`
	LoadedAt          time.Time                     `json:"loaded_at"`
}

func (i *instance) summary(providerName string) Summary {
	i.mu.Lock()
	defer i.mu.Unlock()

	m := i.manifest()
	s := Summary{
		ID:                i.pluginID,
		InstanceID:        i.id,
		Version:           m.Version,
		Description:       m.Description,
		Provider:          providerName,
		State:             i.life.State(),
		Exports:           make(map[string]provider.Signature, len(m.EntryPoints)),
		EntryPoints:       m.ExportNames(),
		Allowed:           capability.Strings(i.resolved.Allowed()),
		Denied:            capability.Strings(i.resolved.Denied()),
		Checksum:          i.bundle.Checksum(),
		ActiveInvocations: i.active,
		Invocations:       i.invocations,
		Faults:            i.faults,
		LoadedAt:          i.loadedAt,
	}
	for _, name := range s.EntryPoints {
		s.Exports[name] = i.exports[name]
	}
	if i.lastErr != nil {
		s.LastError = i.lastErr.Error()
	}
	return s
}
