// Package capability provides the permission model for plugins: capability
// kinds and scopes, host grants, and the resolution of requested capabilities
// against those grants.
package capability

import (
	"errors"
	"fmt"
	"strings"
)

// Capability errors.
var (
	ErrInvalidCapability = errors.New("invalid capability")
	ErrInvalidScope      = errors.New("invalid capability scope")
)

// Kind identifies a class of privileged operation.
type Kind string

// Kind constants.
const (
	KindFilesystemRead  Kind = "filesystem-read"
	KindFilesystemWrite Kind = "filesystem-write"
	KindNetworkConnect  Kind = "network-connect"
	KindHostAPICall     Kind = "host-api-call"
)

// Kinds returns every known kind.
func Kinds() []Kind {
	return []Kind{KindFilesystemRead, KindFilesystemWrite, KindNetworkConnect, KindHostAPICall}
}

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindFilesystemRead, KindFilesystemWrite, KindNetworkConnect, KindHostAPICall:
		return true
	default:
		return false
	}
}

// Capability is a kind plus an optional scope qualifier.
// Format: "kind" or "kind:scope" (e.g. "filesystem-read:/tmp",
// "network-connect:*.example.com:443", "host-api-call:kv.get").
// An empty scope is the broadest scope of its kind.
type Capability struct {
	kind  Kind
	scope string
}

// New creates a capability, normalizing and validating the scope.
func New(kind Kind, scope string) (Capability, error) {
	if !kind.IsValid() {
		return Capability{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidCapability, kind)
	}
	normalized, err := normalizeScope(kind, scope)
	if err != nil {
		return Capability{}, err
	}
	return Capability{kind: kind, scope: normalized}, nil
}

// Parse parses a capability string.
func Parse(s string) (Capability, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Capability{}, fmt.Errorf("%w: empty capability", ErrInvalidCapability)
	}

	kind, scope, _ := strings.Cut(s, ":")
	return New(Kind(kind), scope)
}

// MustParse parses a capability or panics.
func MustParse(s string) Capability {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Kind returns the capability kind.
func (c Capability) Kind() Kind {
	return c.kind
}

// Scope returns the normalized scope qualifier, empty when unscoped.
func (c Capability) Scope() string {
	return c.scope
}

// String returns the canonical string form.
func (c Capability) String() string {
	if c.scope == "" {
		return string(c.kind)
	}
	return string(c.kind) + ":" + c.scope
}

// IsZero returns true if the capability is empty.
func (c Capability) IsZero() bool {
	return c.kind == ""
}

// Subsumes reports whether c covers other: same kind and c's scope contains
// other's scope. An unscoped capability subsumes every capability of its kind.
func (c Capability) Subsumes(other Capability) bool {
	if c.IsZero() || c.kind != other.kind {
		return false
	}
	if c.scope == "" {
		return true
	}
	if other.scope == "" {
		return false
	}
	return scopeContains(c.kind, c.scope, other.scope)
}

// Specificity ranks how narrow the scope is. Unscoped capabilities are 0;
// within one kind a contained scope always ranks above its container.
func (c Capability) Specificity() int {
	if c.scope == "" {
		return 0
	}
	return scopeSpecificity(c.kind, c.scope)
}

// MarshalText implements encoding.TextMarshaler.
func (c Capability) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Capability) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseAll parses a list of capability strings, returning the first error.
func ParseAll(values []string) ([]Capability, error) {
	caps := make([]Capability, 0, len(values))
	for _, v := range values {
		c, err := Parse(v)
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, nil
}

// Strings returns the string form of each capability.
func Strings(caps []Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = c.String()
	}
	return out
}
