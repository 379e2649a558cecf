package provider

import (
	"errors"
	"time"
)

// ResourceLimits bounds what one sandboxed instance may consume.
// A zero field means "no limit" for that dimension, except where a
// provider enforces its own ceiling.
type ResourceLimits struct {
	// MaxMemoryBytes limits linear memory.
	MaxMemoryBytes uint64 `koanf:"max_memory_bytes" yaml:"max_memory_bytes"`

	// MaxSteps limits function entries per invocation.
	MaxSteps uint64 `koanf:"max_steps" yaml:"max_steps"`

	// Timeout limits wall-clock time per invocation.
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`

	// MaxCallDepth limits call-stack depth per invocation.
	MaxCallDepth int `koanf:"max_call_depth" yaml:"max_call_depth"`

	// HostCallsPerSecond throttles host function calls per instance.
	HostCallsPerSecond float64 `koanf:"host_calls_per_second" yaml:"host_calls_per_second"`

	// HostCallBurst is the token bucket size for host calls.
	HostCallBurst int `koanf:"host_call_burst" yaml:"host_call_burst"`
}

// DefaultLimits returns default resource limits.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemoryBytes:     64 * 1024 * 1024, // 64 MB
		MaxSteps:           10_000_000,
		Timeout:            10 * time.Second,
		MaxCallDepth:       1024,
		HostCallsPerSecond: 1000,
		HostCallBurst:      100,
	}
}

// RestrictedLimits returns tighter resource limits for unknown plugins.
func RestrictedLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemoryBytes:     16 * 1024 * 1024, // 16 MB
		MaxSteps:           1_000_000,
		Timeout:            2 * time.Second,
		MaxCallDepth:       256,
		HostCallsPerSecond: 50,
		HostCallBurst:      10,
	}
}

// TrustedLimits returns relaxed limits for trusted plugins.
func TrustedLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemoryBytes: 256 * 1024 * 1024, // 256 MB
		MaxSteps:       0,
		Timeout:        5 * time.Minute,
		MaxCallDepth:   4096,
	}
}

// LimitsForProfile returns the preset named "default", "restricted" or "trusted".
func LimitsForProfile(name string) (ResourceLimits, bool) {
	switch name {
	case "", "default":
		return DefaultLimits(), true
	case "restricted":
		return RestrictedLimits(), true
	case "trusted":
		return TrustedLimits(), true
	default:
		return ResourceLimits{}, false
	}
}

// Merge returns l with every non-zero field of override applied.
func (l ResourceLimits) Merge(override ResourceLimits) ResourceLimits {
	if override.MaxMemoryBytes != 0 {
		l.MaxMemoryBytes = override.MaxMemoryBytes
	}
	if override.MaxSteps != 0 {
		l.MaxSteps = override.MaxSteps
	}
	if override.Timeout != 0 {
		l.Timeout = override.Timeout
	}
	if override.MaxCallDepth != 0 {
		l.MaxCallDepth = override.MaxCallDepth
	}
	if override.HostCallsPerSecond != 0 {
		l.HostCallsPerSecond = override.HostCallsPerSecond
	}
	if override.HostCallBurst != 0 {
		l.HostCallBurst = override.HostCallBurst
	}
	return l
}

// Validate rejects negative limits.
func (l ResourceLimits) Validate() error {
	var errs []error
	if l.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}
	if l.MaxCallDepth < 0 {
		errs = append(errs, errors.New("max_call_depth must not be negative"))
	}
	if l.HostCallsPerSecond < 0 {
		errs = append(errs, errors.New("host_calls_per_second must not be negative"))
	}
	if l.HostCallBurst < 0 {
		errs = append(errs, errors.New("host_call_burst must not be negative"))
	}
	return errors.Join(errs...)
}
