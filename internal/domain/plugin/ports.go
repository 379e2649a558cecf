package plugin

import "time"

// Invoke outcomes reported to Metrics.
const (
	OutcomeOK       = "ok"
	OutcomeNotReady = "not_ready"
	OutcomeCanceled = "canceled"
)

// Metrics receives plugin manager events. Implementations must be safe for
// concurrent use and must not call back into the manager.
type Metrics interface {
	// RecordTransition is called for every lifecycle state change.
	RecordTransition(pluginID string, from, to State)
	// RecordInvoke is called once per invocation. outcome is OutcomeOK,
	// OutcomeNotReady, OutcomeCanceled or an invoke error kind.
	RecordInvoke(pluginID, export, outcome string, elapsed time.Duration)
	// SetLoaded reports the number of live instances.
	SetLoaded(n int)
}

type nopMetrics struct{}

func (nopMetrics) RecordTransition(string, State, State)              {}
func (nopMetrics) RecordInvoke(string, string, string, time.Duration) {}
func (nopMetrics) SetLoaded(int)                                      {}
