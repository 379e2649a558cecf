package capability

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidGrant is returned for grants missing a plugin or capability.
var ErrInvalidGrant = errors.New("invalid grant")

// Decision is the host's answer for a capability. The zero value is Denied.
type Decision int

// Decision constants.
const (
	Denied Decision = iota
	Allowed
)

// String returns the string representation of the decision.
func (d Decision) String() string {
	if d == Allowed {
		return "allowed"
	}
	return "denied"
}

// ParseDecision parses "allow", "allowed", "deny" or "denied".
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow", "allowed":
		return Allowed, nil
	case "deny", "denied":
		return Denied, nil
	default:
		return Denied, fmt.Errorf("unknown decision %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Decision) UnmarshalText(text []byte) error {
	parsed, err := ParseDecision(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Grant is a host-side decision for one plugin and capability.
type Grant struct {
	PluginID   string     `json:"plugin_id" yaml:"plugin_id"`
	Capability Capability `json:"capability" yaml:"capability"`
	Decision   Decision   `json:"decision" yaml:"decision"`
	GrantedAt  time.Time  `json:"granted_at" yaml:"granted_at"`
}

// NewGrant creates a grant stamped with the current time.
func NewGrant(pluginID string, c Capability, d Decision) Grant {
	return Grant{
		PluginID:   pluginID,
		Capability: c,
		Decision:   d,
		GrantedAt:  time.Now().UTC(),
	}
}

// Validate checks that the grant names a plugin and a capability.
func (g Grant) Validate() error {
	if strings.TrimSpace(g.PluginID) == "" {
		return fmt.Errorf("%w: plugin id is required", ErrInvalidGrant)
	}
	if g.Capability.IsZero() {
		return fmt.Errorf("%w: capability is required", ErrInvalidGrant)
	}
	return nil
}

// Key identifies the grant within a store: one decision per plugin and capability.
func (g Grant) Key() string {
	return g.PluginID + "|" + g.Capability.String()
}

// String returns a compact description of the grant.
func (g Grant) String() string {
	return fmt.Sprintf("%s %s %s", g.PluginID, g.Decision, g.Capability)
}
