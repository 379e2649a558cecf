package plugin

import (
	"fmt"

	"github.com/felixgeelhaar/statekit"
)

// State is a plugin instance lifecycle state.
type State string

// Lifecycle states.
const (
	StateUnloaded      State = stateUnloaded
	StateValidating    State = stateValidating
	StateResolving     State = stateResolving
	StateInstantiating State = stateInstantiating
	StateReady         State = stateReady
	StateRunning       State = stateRunning
	StateSuspended     State = stateSuspended
	StateFailed        State = stateFailed
	StateUnloading     State = stateUnloading
)

const (
	stateUnloaded      = "unloaded"
	stateValidating    = "validating"
	stateResolving     = "resolving"
	stateInstantiating = "instantiating"
	stateReady         = "ready"
	stateRunning       = "running"
	stateSuspended     = "suspended"
	stateFailed        = "failed"
	stateUnloading     = "unloading"
)

// Lifecycle events.
const (
	eventLoad         = "LOAD"
	eventValidated    = "VALIDATED"
	eventResolved     = "RESOLVED"
	eventInstantiated = "INSTANTIATED"
	eventInvoke       = "INVOKE"
	eventReturn       = "RETURN"
	eventSuspend      = "SUSPEND"
	eventFail         = "FAIL"
	eventUnload       = "UNLOAD"
	eventTornDown     = "TORN_DOWN"
)

// AcceptsInvoke reports whether invocations may be dispatched in this state.
func (s State) AcceptsInvoke() bool {
	return s == StateReady || s == StateRunning
}

// lifecycleContext is the statekit machine context.
type lifecycleContext struct {
	PluginID string
}

// lifecycle is one instance's state machine. It is not safe for concurrent
// use; the owning instance serializes access under its mutex.
type lifecycle struct {
	interp *statekit.Interpreter[lifecycleContext]
}

// newLifecycle builds and starts the machine in the unloaded state.
// onFault runs on entry to suspended or failed with the event payload.
func newLifecycle(pluginID string, onFault func(State, error)) (*lifecycle, error) {
	faultAction := func(state State) func(*lifecycleContext, statekit.Event) {
		return func(_ *lifecycleContext, event statekit.Event) {
			if onFault == nil {
				return
			}
			err, _ := event.Payload.(error)
			onFault(state, err)
		}
	}

	machine, err := statekit.NewMachine[lifecycleContext]("plugin-" + pluginID).
		WithInitial(stateUnloaded).
		WithContext(lifecycleContext{PluginID: pluginID}).
		WithAction("recordSuspend", faultAction(StateSuspended)).
		WithAction("recordFailure", faultAction(StateFailed)).
		State(stateUnloaded).
		On(eventLoad).Target(stateValidating).Done().
		State(stateValidating).
		On(eventValidated).Target(stateResolving).
		On(eventFail).Target(stateFailed).Done().
		State(stateResolving).
		On(eventResolved).Target(stateInstantiating).
		On(eventFail).Target(stateFailed).Done().
		State(stateInstantiating).
		On(eventInstantiated).Target(stateReady).
		On(eventFail).Target(stateFailed).Done().
		State(stateReady).
		On(eventInvoke).Target(stateRunning).
		On(eventUnload).Target(stateUnloading).Done().
		State(stateRunning).
		On(eventReturn).Target(stateReady).
		On(eventSuspend).Target(stateSuspended).
		On(eventFail).Target(stateFailed).
		On(eventUnload).Target(stateUnloading).Done().
		State(stateSuspended).
		OnEntry("recordSuspend").
		On(eventFail).Target(stateFailed).
		On(eventUnload).Target(stateUnloading).Done().
		State(stateFailed).
		OnEntry("recordFailure").
		On(eventUnload).Target(stateUnloading).Done().
		State(stateUnloading).
		On(eventTornDown).Target(stateUnloaded).Done().
		Build()
	if err != nil {
		return nil, fmt.Errorf("building lifecycle machine: %w", err)
	}

	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return &lifecycle{interp: interp}, nil
}

// State returns the current state.
func (l *lifecycle) State() State {
	return State(l.interp.State().Value)
}

// fire sends an event and reports whether it caused a transition.
func (l *lifecycle) fire(event string, payload any) (from, to State, ok bool) {
	from = l.State()
	l.interp.Send(statekit.Event{Type: statekit.EventType(event), Payload: payload})
	to = l.State()
	return from, to, from != to
}

func (l *lifecycle) stop() {
	l.interp.Stop()
}
