// Package broker guards every host function exposed to a sandbox with an
// authorization check against a plugin's resolved permissions.
package broker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
	"github.com/felixgeelhaar/pluginhost/internal/domain/provider"
	"github.com/felixgeelhaar/pluginhost/internal/ports"
)

// Outcome is the audited result of one host call attempt.
type Outcome string

// Outcomes.
const (
	OutcomeAllowed      Outcome = "allowed"
	OutcomeDenied       Outcome = "denied"
	OutcomeUnprivileged Outcome = "unprivileged"
	OutcomeRateLimited  Outcome = "rate_limited"
)

// Recorder receives one event per host call attempt.
type Recorder interface {
	RecordHostCall(pluginID, function string, outcome Outcome)
}

// Decision is an audit record for one host call attempt.
type Decision struct {
	PluginID   string
	Function   string
	Capability capability.Capability
	Outcome    Outcome
	At         time.Time
}

// AuditFunc is called synchronously for every decision.
type AuditFunc func(Decision)

// Broker wraps host function tables.
type Broker struct {
	logger   ports.Logger
	recorder Recorder
	audit    AuditFunc
	now      func() time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the audit logger.
func WithLogger(l ports.Logger) Option {
	return func(b *Broker) {
		b.logger = l
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(b *Broker) {
		b.recorder = r
	}
}

// WithAudit sets a callback that sees every decision.
func WithAudit(fn AuditFunc) Option {
	return func(b *Broker) {
		b.audit = fn
	}
}

// WithClock overrides the audit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// New creates a Broker.
func New(opts ...Option) *Broker {
	b := &Broker{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Wrap returns a copy of table in which every function first authorizes
// the capability derived from its payload against resolved. The snapshot is
// fixed for the lifetime of the returned table; grant changes take effect
// on the next load.
//
// A denied call returns an error wrapping provider.ErrPermissionDenied and
// never reaches the underlying function. All functions in the table share
// one token bucket sized from limits.
func (b *Broker) Wrap(pluginID string, resolved *capability.ResolvedPermissions, table provider.HostFunctionTable, limits provider.ResourceLimits) provider.HostFunctionTable {
	limiter := newLimiter(limits)

	wrapped := make(provider.HostFunctionTable, len(table))
	for i, fn := range table {
		wrapped[i] = provider.HostFunction{
			Name:        fn.Name,
			Description: fn.Description,
			Capability:  fn.Capability,
			Call:        b.guard(pluginID, resolved, fn, limiter),
		}
	}
	return wrapped
}

func newLimiter(limits provider.ResourceLimits) *rate.Limiter {
	if limits.HostCallsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := limits.HostCallBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(limits.HostCallsPerSecond), burst)
}

func (b *Broker) guard(pluginID string, resolved *capability.ResolvedPermissions, fn provider.HostFunction, limiter *rate.Limiter) provider.CallFunc {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		if !limiter.Allow() {
			b.record(ctx, pluginID, fn.Name, capability.Capability{}, OutcomeRateLimited)
			return nil, fmt.Errorf("%w: %s", provider.ErrRateLimited, fn.Name)
		}

		if fn.Capability == nil {
			b.record(ctx, pluginID, fn.Name, capability.Capability{}, OutcomeUnprivileged)
			return fn.Call(ctx, payload)
		}

		attempted, err := fn.Capability(payload)
		if err != nil {
			// A payload the host cannot interpret cannot be authorized.
			b.record(ctx, pluginID, fn.Name, capability.Capability{}, OutcomeDenied)
			return nil, &DeniedError{PluginID: pluginID, Function: fn.Name, Err: err}
		}
		if attempted.IsZero() {
			b.record(ctx, pluginID, fn.Name, attempted, OutcomeUnprivileged)
			return fn.Call(ctx, payload)
		}

		if capability.Authorize(resolved, attempted) != capability.Allowed {
			b.record(ctx, pluginID, fn.Name, attempted, OutcomeDenied)
			return nil, &DeniedError{PluginID: pluginID, Function: fn.Name, Capability: attempted}
		}

		b.record(ctx, pluginID, fn.Name, attempted, OutcomeAllowed)
		return fn.Call(provider.WithAuthorized(ctx, attempted), payload)
	}
}

func (b *Broker) record(ctx context.Context, pluginID, function string, c capability.Capability, outcome Outcome) {
	if b.recorder != nil {
		b.recorder.RecordHostCall(pluginID, function, outcome)
	}
	if b.audit != nil {
		b.audit(Decision{
			PluginID:   pluginID,
			Function:   function,
			Capability: c,
			Outcome:    outcome,
			At:         b.now(),
		})
	}
	if b.logger == nil {
		return
	}

	fields := []ports.Field{
		ports.F("plugin_id", pluginID),
		ports.F("function", function),
		ports.F("outcome", string(outcome)),
	}
	if !c.IsZero() {
		fields = append(fields, ports.F("capability", c.String()))
	}
	switch outcome {
	case OutcomeDenied, OutcomeRateLimited:
		b.logger.Warn(ctx, "host call rejected", fields...)
	default:
		b.logger.Debug(ctx, "host call", fields...)
	}
}
