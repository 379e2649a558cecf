// Package provider defines the runtime-neutral contract for executing plugin
// code inside an isolation boundary. Concrete sandbox technologies implement
// Provider; the plugin manager only ever talks to this interface.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Signature describes an exported function's parameter and result types.
type Signature struct {
	Params  []ValueType
	Results []ValueType
}

// String returns the signature as "(i32,i32)->(i32)".
func (s Signature) String() string {
	return "(" + joinTypes(s.Params) + ")->(" + joinTypes(s.Results) + ")"
}

// ParseArgs converts textual arguments into values of the parameter types.
func (s Signature) ParseArgs(args []string) ([]Value, error) {
	if len(args) != len(s.Params) {
		return nil, fmt.Errorf("expected %d arguments for %s, got %d", len(s.Params), s, len(args))
	}
	values := make([]Value, len(args))
	for i, arg := range args {
		v, err := ParseValue(arg, s.Params[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		values[i] = v
	}
	return values, nil
}

// CompiledUnit is a validated, prepared plugin binary.
// It may be instantiated any number of times.
type CompiledUnit interface {
	// Exports returns the exported functions and their signatures.
	Exports() map[string]Signature
	// Checksum returns the hex sha256 of the binary.
	Checksum() string
}

// Handle is an opaque reference to one sandboxed instance. It is owned
// exclusively by the provider that created it.
type Handle interface {
	// ID uniquely identifies the instance within its provider.
	ID() string
}

// Provider loads, instantiates, invokes and tears down sandboxed plugins.
type Provider interface {
	// Name identifies the provider (e.g. "wasm").
	Name() string

	// SupportsConcurrentInvoke reports whether Invoke may be called
	// concurrently on one Handle.
	SupportsConcurrentInvoke() bool

	// Load validates and compiles a binary. Errors are *LoadError.
	Load(ctx context.Context, binary []byte) (CompiledUnit, error)

	// Instantiate creates an isolated instance wired to the given host
	// functions, which are the only channel to host capability.
	// Errors are *InstantiateError.
	Instantiate(ctx context.Context, unit CompiledUnit, host HostFunctionTable, limits ResourceLimits) (Handle, error)

	// Invoke calls an export. Errors are *InvokeError; sandbox faults are
	// never propagated as panics.
	Invoke(ctx context.Context, h Handle, export string, args []Value) ([]Value, error)

	// Teardown releases the instance. Calling it more than once, or after a
	// trapped invoke, is safe.
	Teardown(ctx context.Context, h Handle) error

	// Close releases provider-wide resources such as compilation caches.
	Close(ctx context.Context) error
}

// Registry holds the providers available to the host, selected by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry with the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Register adds a provider, failing if the name is taken.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.Name()]; exists {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	r.providers[p.Name()] = p
	return nil
}

// Get returns the provider with the given name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (available: %v)", name, r.namesLocked())
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every registered provider, returning the first error.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, p := range r.providers {
		if err := p.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
