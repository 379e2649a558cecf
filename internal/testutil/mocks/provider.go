package mocks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/felixgeelhaar/pluginhost/internal/domain/provider"
)

// ErrProviderClosed is returned by a closed Provider.
var ErrProviderClosed = errors.New("mock provider closed")

// InvokeRequest is what an InvokeFunc sees.
type InvokeRequest struct {
	HandleID string
	Export   string
	Args     []provider.Value
	// Host is the host function table the handle was instantiated with.
	Host provider.HostFunctionTable
}

// InvokeFunc implements Invoke for a Provider.
type InvokeFunc func(ctx context.Context, req InvokeRequest) ([]provider.Value, error)

// Call records one Invoke that reached a handle.
type Call struct {
	HandleID string
	Export   string
	// Started and Finished are positions in the provider's event sequence.
	Started  uint64
	Finished uint64
}

// Provider is a thread-safe test double for provider.Provider. Every
// event (invoke start, invoke end, teardown) takes the next number from one
// sequence so tests can assert ordering without relying on clocks.
type Provider struct {
	name       string
	concurrent bool
	exports    map[string]provider.Signature
	seq        atomic.Uint64

	mu               sync.Mutex
	invoke           InvokeFunc
	loadErr          error
	instantiateErr   error
	handles          map[string]*Handle
	order            []string
	calls            []Call
	useAfterTeardown int
	closed           bool
}

// Handle is a mock sandbox handle.
type Handle struct {
	id        string
	host      provider.HostFunctionTable
	limits    provider.ResourceLimits
	inflight  int
	teardowns int
	tornDown  uint64
}

// ID returns the handle id.
func (h *Handle) ID() string {
	return h.id
}

type unit struct {
	exports  map[string]provider.Signature
	checksum string
}

func (u *unit) Exports() map[string]provider.Signature { return u.exports }
func (u *unit) Checksum() string                       { return u.checksum }

// NewProvider creates a Provider whose compiled units export the given
// functions. By default every invocation returns no values.
func NewProvider(exports map[string]provider.Signature) *Provider {
	return &Provider{
		name:    "mock",
		exports: exports,
		handles: make(map[string]*Handle),
		invoke: func(context.Context, InvokeRequest) ([]provider.Value, error) {
			return nil, nil
		},
	}
}

// SetConcurrent sets the concurrent invoke capability flag.
func (p *Provider) SetConcurrent(concurrent bool) {
	p.concurrent = concurrent
}

// SetInvokeFunc sets the invoke implementation.
func (p *Provider) SetInvokeFunc(fn InvokeFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invoke = fn
}

// SetLoadError makes Load fail with err.
func (p *Provider) SetLoadError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loadErr = err
}

// SetInstantiateError makes Instantiate fail with err.
func (p *Provider) SetInstantiateError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instantiateErr = err
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return p.name
}

// SupportsConcurrentInvoke returns the configured flag.
func (p *Provider) SupportsConcurrentInvoke() bool {
	return p.concurrent
}

// Load returns a unit exporting the configured functions.
func (p *Provider) Load(_ context.Context, binary []byte) (provider.CompiledUnit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, &provider.LoadError{Reason: provider.LoadLimit, Err: ErrProviderClosed}
	}
	if p.loadErr != nil {
		return nil, p.loadErr
	}
	sum := sha256.Sum256(binary)
	return &unit{exports: p.exports, checksum: hex.EncodeToString(sum[:])}, nil
}

// Instantiate creates a handle bound to host.
func (p *Provider) Instantiate(_ context.Context, _ provider.CompiledUnit, host provider.HostFunctionTable, limits provider.ResourceLimits) (provider.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, &provider.InstantiateError{Reason: provider.InstantiateClosed, Err: ErrProviderClosed}
	}
	if p.instantiateErr != nil {
		return nil, p.instantiateErr
	}
	h := &Handle{id: fmt.Sprintf("h%d", len(p.order)+1), host: host, limits: limits}
	p.handles[h.id] = h
	p.order = append(p.order, h.id)
	return h, nil
}

// Invoke runs the invoke function. Invoking a torn-down handle is counted
// and fails as a fatal trap.
func (p *Provider) Invoke(ctx context.Context, handle provider.Handle, export string, args []provider.Value) ([]provider.Value, error) {
	p.mu.Lock()
	h, ok := p.handles[handle.ID()]
	if !ok || h.tornDown != 0 {
		p.useAfterTeardown++
		p.mu.Unlock()
		return nil, &provider.InvokeError{Kind: provider.KindTrapped, Export: export, Fatal: true, Err: provider.ErrHandleClosed}
	}
	if _, ok := p.exports[export]; !ok {
		p.mu.Unlock()
		return nil, provider.NewInvokeError(provider.KindNoSuchExport, export, fmt.Errorf("export %q not found", export))
	}
	h.inflight++
	idx := len(p.calls)
	p.calls = append(p.calls, Call{HandleID: h.id, Export: export, Started: p.seq.Add(1)})
	fn := p.invoke
	p.mu.Unlock()

	values, err := fn(ctx, InvokeRequest{HandleID: h.id, Export: export, Args: args, Host: h.host})

	p.mu.Lock()
	h.inflight--
	p.calls[idx].Finished = p.seq.Add(1)
	p.mu.Unlock()
	return values, err
}

// Teardown marks the handle torn down. Tearing down a handle with calls
// still running is counted as a use-after-teardown.
func (p *Provider) Teardown(_ context.Context, handle provider.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.handles[handle.ID()]
	if !ok {
		return fmt.Errorf("unknown handle %q", handle.ID())
	}
	h.teardowns++
	if h.tornDown != 0 {
		return nil
	}
	if h.inflight > 0 {
		p.useAfterTeardown += h.inflight
	}
	h.tornDown = p.seq.Add(1)
	return nil
}

// Close marks the provider closed.
func (p *Provider) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Calls returns all recorded invocations.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()

	calls := make([]Call, len(p.calls))
	copy(calls, p.calls)
	return calls
}

// Handles returns handle ids in instantiation order.
func (p *Provider) Handles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

// Host returns the host function table a handle was instantiated with.
func (p *Provider) Host(handleID string) provider.HostFunctionTable {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[handleID]; ok {
		return h.host
	}
	return nil
}

// Limits returns the limits a handle was instantiated with.
func (p *Provider) Limits(handleID string) provider.ResourceLimits {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[handleID]; ok {
		return h.limits
	}
	return provider.ResourceLimits{}
}

// TornDownAt returns the sequence number of a handle's teardown, 0 if it is
// still live.
func (p *Provider) TornDownAt(handleID string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[handleID]; ok {
		return h.tornDown
	}
	return 0
}

// Teardowns returns how often Teardown was called for a handle.
func (p *Provider) Teardowns(handleID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[handleID]; ok {
		return h.teardowns
	}
	return 0
}

// UseAfterTeardown returns how many invocations touched a torn-down handle.
func (p *Provider) UseAfterTeardown() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.useAfterTeardown
}

// Closed reports whether Close was called.
func (p *Provider) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Ensure Provider implements provider.Provider.
var _ provider.Provider = (*Provider)(nil)
