package provider

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
)

// CapabilityFunc derives the capability a host call exercises from its
// payload. A zero capability means the call is unprivileged.
type CapabilityFunc func(payload []byte) (capability.Capability, error)

// CallFunc performs the host-side work of a host function.
type CallFunc func(ctx context.Context, payload []byte) ([]byte, error)

// HostFunction is one function reachable from sandboxed code.
type HostFunction struct {
	// Name is the import name seen by the plugin.
	Name string

	// Description is a human-readable description.
	Description string

	// Capability derives the required capability. Nil means unprivileged.
	Capability CapabilityFunc

	// Call performs the operation.
	Call CallFunc
}

// HostFunctionTable is the ordered set of host functions exposed to one
// sandbox instance.
type HostFunctionTable []HostFunction

// Validate checks that every function has a unique name and an implementation.
func (t HostFunctionTable) Validate() error {
	seen := make(map[string]bool, len(t))
	for _, fn := range t {
		if fn.Name == "" {
			return fmt.Errorf("host function without a name")
		}
		if fn.Call == nil {
			return fmt.Errorf("host function %q has no implementation", fn.Name)
		}
		if seen[fn.Name] {
			return fmt.Errorf("duplicate host function %q", fn.Name)
		}
		seen[fn.Name] = true
	}
	return nil
}

// Lookup finds a host function by name.
func (t HostFunctionTable) Lookup(name string) (HostFunction, bool) {
	for _, fn := range t {
		if fn.Name == name {
			return fn, true
		}
	}
	return HostFunction{}, false
}

// Names returns the function names in table order.
func (t HostFunctionTable) Names() []string {
	names := make([]string, len(t))
	for i, fn := range t {
		names[i] = fn.Name
	}
	return names
}

type authorizedKey struct{}

// WithAuthorized records the capability the broker authorized for the
// current host call.
func WithAuthorized(ctx context.Context, c capability.Capability) context.Context {
	return context.WithValue(ctx, authorizedKey{}, c)
}

// AuthorizedFrom returns the capability authorized for the current host
// call, if any.
func AuthorizedFrom(ctx context.Context) (capability.Capability, bool) {
	c, ok := ctx.Value(authorizedKey{}).(capability.Capability)
	return c, ok && !c.IsZero()
}
