package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/felixgeelhaar/pluginhost/internal/domain/broker"
	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
	"github.com/felixgeelhaar/pluginhost/internal/domain/hostapi"
	"github.com/felixgeelhaar/pluginhost/internal/domain/provider"
	"github.com/felixgeelhaar/pluginhost/internal/ports"
)

// DefaultCancelGrace is how long a canceled invocation may keep running
// before its instance is forced to suspended.
const DefaultCancelGrace = 2 * time.Second

// DefaultLoadParallelism bounds concurrent loads in LoadAll.
const DefaultLoadParallelism = 4

// TracerName names the manager's tracer.
const TracerName = "github.com/felixgeelhaar/pluginhost/plugin"

// Manager owns the registry of loaded plugins and their lifecycles.
type Manager struct {
	provider        provider.Provider
	grants          capability.GrantStore
	broker          *broker.Broker
	host            provider.HostFunctionTable
	limits          provider.ResourceLimits
	pluginLimits    map[string]provider.ResourceLimits
	logger          ports.Logger
	metrics         Metrics
	tracer          trace.Tracer
	policy          *FaultPolicy
	now             func() time.Time
	cancelGrace     time.Duration
	loadParallelism int

	mu        sync.RWMutex
	instances map[string]*instance
	reserved  map[string]bool
	failures  map[string]LoadFailure
	closed    bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithGrantStore sets the grant store. Defaults to an empty MemoryStore.
func WithGrantStore(s capability.GrantStore) ManagerOption {
	return func(m *Manager) {
		m.grants = s
	}
}

// WithHostFunctions sets the host function table exposed to every plugin.
// Defaults to the host API backed by NullServices.
func WithHostFunctions(t provider.HostFunctionTable) ManagerOption {
	return func(m *Manager) {
		m.host = t
	}
}

// WithBroker sets the permission broker. Defaults to a broker that logs to
// the manager's logger and records to its metrics when they support it.
func WithBroker(b *broker.Broker) ManagerOption {
	return func(m *Manager) {
		m.broker = b
	}
}

// WithLimits sets the default resource limits for every plugin.
func WithLimits(l provider.ResourceLimits) ManagerOption {
	return func(m *Manager) {
		m.limits = l
	}
}

// WithPluginLimits overrides limits for one plugin. Non-zero fields replace
// the defaults.
func WithPluginLimits(pluginID string, l provider.ResourceLimits) ManagerOption {
	return func(m *Manager) {
		m.pluginLimits[pluginID] = l
	}
}

// WithLogger sets the logger.
func WithLogger(l ports.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = r
	}
}

// WithTracer sets the tracer. Defaults to a no-op tracer.
func WithTracer(t trace.Tracer) ManagerOption {
	return func(m *Manager) {
		m.tracer = t
	}
}

// WithFaultPolicy sets the fault classification policy.
func WithFaultPolicy(p *FaultPolicy) ManagerOption {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithCancelGrace sets how long a canceled invocation may run on before the
// instance is forced to suspended.
func WithCancelGrace(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.cancelGrace = d
	}
}

// WithLoadParallelism bounds concurrent loads in LoadAll.
func WithLoadParallelism(n int) ManagerOption {
	return func(m *Manager) {
		m.loadParallelism = n
	}
}

// NewManager creates a manager that runs plugins on p.
func NewManager(p provider.Provider, opts ...ManagerOption) *Manager {
	m := &Manager{
		provider:        p,
		limits:          provider.DefaultLimits(),
		pluginLimits:    make(map[string]provider.ResourceLimits),
		metrics:         nopMetrics{},
		now:             time.Now,
		cancelGrace:     DefaultCancelGrace,
		loadParallelism: DefaultLoadParallelism,
		instances:       make(map[string]*instance),
		reserved:        make(map[string]bool),
		failures:        make(map[string]LoadFailure),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.grants == nil {
		m.grants = capability.NewMemoryStore()
	}
	if m.host == nil {
		m.host = hostapi.Table(hostapi.Services{Logger: m.logger})
	}
	if m.tracer == nil {
		m.tracer = noop.NewTracerProvider().Tracer(TracerName)
	}
	if m.policy == nil {
		m.policy = DefaultFaultPolicy()
	}
	if m.broker == nil {
		var bopts []broker.Option
		if m.logger != nil {
			bopts = append(bopts, broker.WithLogger(m.logger))
		}
		if rec, ok := m.metrics.(broker.Recorder); ok {
			bopts = append(bopts, broker.WithRecorder(rec))
		}
		m.broker = broker.New(bopts...)
	}

	return m
}

// Provider returns the provider plugins run on.
func (m *Manager) Provider() provider.Provider {
	return m.provider
}

// GrantStore returns the grant store.
func (m *Manager) GrantStore() capability.GrantStore {
	return m.grants
}

func (m *Manager) limitsFor(pluginID string) provider.ResourceLimits {
	return m.limits.Merge(m.pluginLimits[pluginID])
}

// LoadPlugin validates a bundle, resolves its requested capabilities
// against the grant store and instantiates it. It returns the plugin id.
// An instance that fails to instantiate never enters the registry; the
// failure is kept for FailedLoads.
func (m *Manager) LoadPlugin(ctx context.Context, b Bundle) (id string, err error) {
	pluginID := ""
	if b.Manifest != nil {
		pluginID = b.Manifest.ID
	}

	ctx, span := m.tracer.Start(ctx, "plugin.load", trace.WithAttributes(
		attribute.String("plugin.id", pluginID),
		attribute.String("plugin.source", b.Source),
	))
	defer func() {
		endSpan(span, err)
	}()

	if m.isClosed() {
		return "", &LifecycleError{Op: "load", PluginID: pluginID, Err: ErrManagerClosed}
	}

	inst := &instance{
		id:       uuid.NewString(),
		pluginID: pluginID,
		bundle:   b,
		closing:  make(chan struct{}),
	}
	inst.life, err = newLifecycle(pluginID, func(_ State, cause error) {
		inst.lastErr = cause
	})
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			inst.life.stop()
		}
	}()

	m.fire(ctx, inst, eventLoad, nil)

	// validating
	if err := validateBundle(b); err != nil {
		return "", m.failLoad(ctx, inst, err)
	}
	m.fire(ctx, inst, eventValidated, nil)

	if err := m.reserve(pluginID); err != nil {
		m.fire(ctx, inst, eventFail, err)
		return "", err
	}
	defer m.unreserve(pluginID)

	// resolving
	grants, err := m.grants.Grants(ctx, pluginID)
	if err != nil {
		return "", m.failLoad(ctx, inst, fmt.Errorf("reading grants: %w", err))
	}
	inst.resolved = capability.Resolve(b.Manifest.RequestedCapabilities, grants)
	if denied := inst.resolved.Denied(); len(denied) > 0 {
		m.log(ctx, ports.LevelInfo, "plugin loads with denied capabilities",
			ports.F("plugin_id", pluginID),
			ports.F("denied", capability.Strings(denied)))
	}
	m.fire(ctx, inst, eventResolved, nil)

	// instantiating
	unit, err := m.provider.Load(ctx, b.Module)
	if err != nil {
		return "", m.failLoad(ctx, inst, err)
	}
	inst.exports, err = matchExports(b.Manifest, unit.Exports())
	if err != nil {
		return "", m.failLoad(ctx, inst, err)
	}

	inst.limits = m.limitsFor(pluginID)
	table := m.broker.Wrap(pluginID, inst.resolved, m.host, inst.limits)
	handle, err := m.provider.Instantiate(ctx, unit, table, inst.limits)
	if err != nil {
		return "", m.failLoad(ctx, inst, err)
	}
	inst.handle = handle
	if !m.provider.SupportsConcurrentInvoke() {
		inst.gate = semaphore.NewWeighted(1)
	}
	inst.loadedAt = m.now()
	m.fire(ctx, inst, eventInstantiated, nil)

	if err := m.register(inst); err != nil {
		_ = m.provider.Teardown(context.WithoutCancel(ctx), handle)
		return "", err
	}

	m.log(ctx, ports.LevelInfo, "plugin loaded",
		ports.F("plugin_id", pluginID),
		ports.F("version", b.Manifest.Version),
		ports.F("instance", inst.id))
	return pluginID, nil
}

func validateBundle(b Bundle) error {
	if b.Manifest == nil {
		return &ValidationError{Errors: []string{"bundle has no manifest"}}
	}
	if err := b.Manifest.Validate(); err != nil {
		return err
	}
	if len(b.Module) == 0 {
		return &ValidationError{Errors: []string{fmt.Sprintf("plugin %q has an empty module", b.Manifest.ID)}}
	}
	if b.Manifest.Checksum != "" {
		if err := VerifyChecksum(b.Module, b.Manifest.Checksum); err != nil {
			return &ValidationError{Errors: []string{err.Error()}}
		}
	}
	return nil
}

// matchExports checks every declared entry point against the module's
// exports. Entry points declared with types must match exactly.
func matchExports(m *Manifest, exports map[string]provider.Signature) (map[string]provider.Signature, error) {
	ve := &ValidationError{}
	matched := make(map[string]provider.Signature, len(m.EntryPoints))
	for _, ep := range m.EntryPoints {
		sig, ok := exports[ep.Name]
		if !ok {
			ve.Addf("entry point %q is not exported by the module", ep.Name)
			continue
		}
		if len(ep.Params) > 0 || len(ep.Results) > 0 {
			if declared := ep.Signature(); declared.String() != sig.String() {
				ve.Addf("entry point %q declared as %s but module exports %s", ep.Name, declared, sig)
				continue
			}
		}
		matched[ep.Name] = sig
	}
	if ve.HasErrors() {
		return nil, ve
	}
	return matched, nil
}

func (m *Manager) failLoad(ctx context.Context, inst *instance, err error) error {
	inst.mu.Lock()
	m.fireLocked(ctx, inst, eventFail, err)
	inst.mu.Unlock()

	if inst.pluginID != "" {
		m.mu.Lock()
		m.failures[inst.pluginID] = LoadFailure{PluginID: inst.pluginID, Err: err}
		m.mu.Unlock()
	}
	m.log(ctx, ports.LevelWarn, "plugin load failed",
		ports.F("plugin_id", inst.pluginID),
		ports.F("error", err))
	return err
}

func (m *Manager) reserve(pluginID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return &LifecycleError{Op: "load", PluginID: pluginID, Err: ErrManagerClosed}
	}
	if m.reserved[pluginID] {
		return &LifecycleError{Op: "load", PluginID: pluginID, State: StateValidating, Err: ErrPluginExists}
	}
	if existing, ok := m.instances[pluginID]; ok {
		return &LifecycleError{Op: "load", PluginID: pluginID, State: existing.state(), Err: ErrPluginExists}
	}
	m.reserved[pluginID] = true
	return nil
}

func (m *Manager) unreserve(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, pluginID)
}

func (m *Manager) register(inst *instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return &LifecycleError{Op: "load", PluginID: inst.pluginID, Err: ErrManagerClosed}
	}
	m.instances[inst.pluginID] = inst
	delete(m.failures, inst.pluginID)
	m.metrics.SetLoaded(len(m.instances))
	return nil
}

func (m *Manager) lookup(op, pluginID string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[pluginID]
	if !ok {
		return nil, &LifecycleError{Op: op, PluginID: pluginID, Err: ErrPluginNotFound}
	}
	return inst, nil
}

type invokeResult struct {
	values []provider.Value
	err    error
}

// Invoke calls an export of a loaded plugin. Only plugins in the ready or
// running state accept invocations. If ctx is canceled the caller gets
// ctx.Err() at once; the call is left to the provider and the instance is
// forced to suspended if it has not returned within the cancel grace.
func (m *Manager) Invoke(ctx context.Context, pluginID, export string, args []provider.Value) (values []provider.Value, err error) {
	ctx, span := m.tracer.Start(ctx, "plugin.invoke", trace.WithAttributes(
		attribute.String("plugin.id", pluginID),
		attribute.String("plugin.export", export),
	))
	start := m.now()
	outcome := OutcomeOK
	defer func() {
		endSpan(span, err)
		m.metrics.RecordInvoke(pluginID, export, outcome, m.now().Sub(start))
	}()

	inst, err := m.lookup("invoke", pluginID)
	if err != nil {
		outcome = OutcomeNotReady
		return nil, err
	}
	if err := inst.admit(); err != nil {
		outcome = OutcomeNotReady
		return nil, err
	}
	if _, ok := inst.manifest().EntryPoint(export); !ok {
		outcome = string(provider.KindNoSuchExport)
		return nil, provider.NewInvokeError(provider.KindNoSuchExport, export,
			fmt.Errorf("plugin %q does not declare entry point %q", pluginID, export))
	}

	if err := inst.acquire(ctx); err != nil {
		outcome = OutcomeNotReady
		if ctx.Err() != nil {
			outcome = OutcomeCanceled
		}
		return nil, err
	}
	if err := m.begin(ctx, inst); err != nil {
		inst.release()
		outcome = OutcomeNotReady
		return nil, err
	}

	done := make(chan invokeResult, 1)
	go func() {
		v, err := m.provider.Invoke(ctx, inst.handle, export, args)
		done <- invokeResult{values: v, err: err}
	}()

	select {
	case r := <-done:
		m.finish(ctx, inst, export, r.err)
		if r.err != nil {
			outcome = invokeOutcome(r.err)
		}
		return r.values, r.err
	case <-ctx.Done():
		outcome = OutcomeCanceled
		go m.abandon(context.WithoutCancel(ctx), inst, export, done)
		return nil, ctx.Err()
	}
}

func invokeOutcome(err error) string {
	if ie, ok := provider.AsInvokeError(err); ok {
		return string(ie.Kind)
	}
	return string(provider.KindTrapped)
}

// begin admits one invocation: the state check and the active count change
// together so an unload cannot slip between them.
func (m *Manager) begin(ctx context.Context, inst *instance) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.admitLocked(); err != nil {
		return err
	}
	if inst.life.State() == StateReady {
		m.fireLocked(ctx, inst, eventInvoke, nil)
	}
	inst.active++
	inst.invocations++
	return nil
}

// finish retires one invocation and applies the fault policy to its error.
func (m *Manager) finish(ctx context.Context, inst *instance, export string, callErr error) {
	defer inst.release()

	var next State
	if callErr != nil {
		next = m.classify(ctx, inst.pluginID, export, callErr)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	inst.active--
	if callErr != nil {
		inst.faults++
		switch next {
		case StateSuspended:
			m.fireLocked(ctx, inst, eventSuspend, callErr)
		case StateFailed:
			m.fireLocked(ctx, inst, eventFail, callErr)
		default:
			inst.lastErr = callErr
		}
		m.log(ctx, ports.LevelWarn, "plugin invocation failed",
			ports.F("plugin_id", inst.pluginID),
			ports.F("export", export),
			ports.F("state", string(inst.life.State())),
			ports.F("error", callErr))
	}

	if inst.active > 0 {
		return
	}
	if inst.life.State() == StateRunning {
		m.fireLocked(ctx, inst, eventReturn, nil)
	}
	if inst.drained != nil {
		close(inst.drained)
		inst.drained = nil
	}
}

func (m *Manager) classify(ctx context.Context, pluginID, export string, err error) State {
	ie, ok := provider.AsInvokeError(err)
	if !ok {
		ie = &provider.InvokeError{Kind: provider.KindTrapped, Export: export, Fatal: true, Err: err}
	}
	next, perr := m.policy.Classify(pluginID, ie)
	if perr != nil {
		next = classifyDefault(ie)
		m.log(ctx, ports.LevelWarn, "fault policy failed, using default",
			ports.F("plugin_id", pluginID),
			ports.F("error", perr))
	}
	return next
}

// abandon waits for a call whose caller has gone away. If the call does not
// yield within the cancel grace the instance is quarantined.
func (m *Manager) abandon(ctx context.Context, inst *instance, export string, done <-chan invokeResult) {
	timer := time.NewTimer(m.cancelGrace)
	defer timer.Stop()

	select {
	case r := <-done:
		m.finish(ctx, inst, export, r.err)
		return
	case <-timer.C:
	}

	inst.mu.Lock()
	if inst.life.State() == StateRunning {
		m.fireLocked(ctx, inst, eventSuspend, fmt.Errorf("invocation of %q did not stop within %s of cancellation", export, m.cancelGrace))
	}
	inst.mu.Unlock()

	r := <-done
	m.finish(ctx, inst, export, r.err)
}

// UnloadPlugin stops admitting invocations, waits for in-flight ones to
// finish and tears the instance down. If ctx ends while waiting, teardown
// still happens once the instance drains and ctx.Err() is returned.
func (m *Manager) UnloadPlugin(ctx context.Context, pluginID string) (err error) {
	ctx, span := m.tracer.Start(ctx, "plugin.unload", trace.WithAttributes(
		attribute.String("plugin.id", pluginID),
	))
	defer func() {
		endSpan(span, err)
	}()

	inst, err := m.lookup("unload", pluginID)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	st := inst.life.State()
	if st == StateUnloading {
		inst.mu.Unlock()
		return &LifecycleError{Op: "unload", PluginID: pluginID, State: st, Err: ErrUnloading}
	}
	m.fireLocked(ctx, inst, eventUnload, nil)
	var wait <-chan struct{}
	if inst.active > 0 {
		inst.drained = make(chan struct{})
		wait = inst.drained
	}
	inst.mu.Unlock()

	if wait == nil {
		return m.teardown(ctx, inst)
	}

	select {
	case <-wait:
		return m.teardown(ctx, inst)
	case <-ctx.Done():
		detached := context.WithoutCancel(ctx)
		go func() {
			<-wait
			_ = m.teardown(detached, inst)
		}()
		return ctx.Err()
	}
}

func (m *Manager) teardown(ctx context.Context, inst *instance) error {
	err := m.provider.Teardown(context.WithoutCancel(ctx), inst.handle)

	inst.mu.Lock()
	m.fireLocked(ctx, inst, eventTornDown, nil)
	inst.life.stop()
	inst.mu.Unlock()

	m.mu.Lock()
	if m.instances[inst.pluginID] == inst {
		delete(m.instances, inst.pluginID)
	}
	m.metrics.SetLoaded(len(m.instances))
	m.mu.Unlock()

	m.log(ctx, ports.LevelInfo, "plugin unloaded", ports.F("plugin_id", inst.pluginID))
	if err != nil {
		return fmt.Errorf("tearing down plugin %q: %w", inst.pluginID, err)
	}
	return nil
}

// ReloadPlugin unloads a plugin and loads the same bundle again with freshly
// resolved grants. It is the way out of suspended and failed.
func (m *Manager) ReloadPlugin(ctx context.Context, pluginID string) (string, error) {
	inst, err := m.lookup("reload", pluginID)
	if err != nil {
		return "", err
	}
	b := inst.bundle
	if err := m.UnloadPlugin(ctx, pluginID); err != nil {
		return "", err
	}
	return m.LoadPlugin(ctx, b)
}

// Grant records a decision for a plugin's capability. Loaded instances keep
// their resolved snapshot; the decision applies from the next load.
func (m *Manager) Grant(ctx context.Context, pluginID string, c capability.Capability, d capability.Decision) error {
	g := capability.NewGrant(pluginID, c, d)
	g.GrantedAt = m.now().UTC()
	if err := g.Validate(); err != nil {
		return err
	}
	if err := m.grants.Put(ctx, g); err != nil {
		return fmt.Errorf("storing grant: %w", err)
	}
	m.log(ctx, ports.LevelInfo, "grant recorded",
		ports.F("plugin_id", pluginID),
		ports.F("capability", c.String()),
		ports.F("decision", d.String()))
	return nil
}

// Revoke removes a grant, reporting whether one existed.
func (m *Manager) Revoke(ctx context.Context, pluginID string, c capability.Capability) (bool, error) {
	removed, err := m.grants.Revoke(ctx, pluginID, c)
	if err != nil {
		return false, fmt.Errorf("revoking grant: %w", err)
	}
	if removed {
		m.log(ctx, ports.LevelInfo, "grant revoked",
			ports.F("plugin_id", pluginID),
			ports.F("capability", c.String()))
	}
	return removed, nil
}

// Grants returns the stored grants for a plugin, or every grant when
// pluginID is empty.
func (m *Manager) Grants(ctx context.Context, pluginID string) ([]capability.Grant, error) {
	if pluginID == "" {
		return m.grants.All(ctx)
	}
	return m.grants.Grants(ctx, pluginID)
}

// ListPlugins returns a summary of every loaded plugin, sorted by id.
func (m *Manager) ListPlugins() []Summary {
	m.mu.RLock()
	insts := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.mu.RUnlock()

	summaries := make([]Summary, len(insts))
	for i, inst := range insts {
		summaries[i] = inst.summary(m.provider.Name())
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ID < summaries[j].ID
	})
	return summaries
}

// Plugin returns the summary of one loaded plugin.
func (m *Manager) Plugin(pluginID string) (Summary, error) {
	inst, err := m.lookup("get", pluginID)
	if err != nil {
		return Summary{}, err
	}
	return inst.summary(m.provider.Name()), nil
}

// State returns a loaded plugin's lifecycle state.
func (m *Manager) State(pluginID string) (State, error) {
	inst, err := m.lookup("state", pluginID)
	if err != nil {
		return StateUnloaded, err
	}
	return inst.state(), nil
}

// FailedLoads returns the most recent load failure per plugin that is not
// currently loaded, sorted by id.
func (m *Manager) FailedLoads() []LoadFailure {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]LoadFailure, 0, len(m.failures))
	for _, f := range m.failures {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PluginID < out[j].PluginID
	})
	return out
}

// LoadAll loads bundles concurrently. Individual failures are skipped and
// reported by FailedLoads; an error is returned only when every bundle
// failed.
func (m *Manager) LoadAll(ctx context.Context, bundles []Bundle) ([]string, error) {
	if len(bundles) == 0 {
		return nil, nil
	}

	var (
		mu     sync.Mutex
		ids    []string
		errs   []error
		g      errgroup.Group
		parent = ctx
	)
	if m.loadParallelism > 0 {
		g.SetLimit(m.loadParallelism)
	}

	for _, b := range bundles {
		g.Go(func() error {
			id, err := m.LoadPlugin(parent, b)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				pluginID := ""
				if b.Manifest != nil {
					pluginID = b.Manifest.ID
				}
				errs = append(errs, LoadFailure{PluginID: pluginID, Err: err})
				return nil
			}
			ids = append(ids, id)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("all %d plugins failed to load: %w", len(bundles), errors.Join(errs...))
	}
	return ids, nil
}

// Close unloads every plugin and closes the provider. The manager rejects
// loads afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, id := range ids {
		g.Go(func() error {
			err := m.UnloadPlugin(ctx, id)
			if err != nil && !IsNotFound(err) && !errors.Is(err, ErrUnloading) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := m.provider.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing provider: %w", err))
	}
	return errors.Join(errs...)
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Manager) fire(ctx context.Context, inst *instance, event string, payload any) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	m.fireLocked(ctx, inst, event, payload)
}

// fireLocked sends a lifecycle event; inst.mu must be held.
func (m *Manager) fireLocked(ctx context.Context, inst *instance, event string, payload any) {
	from, to, ok := inst.life.fire(event, payload)
	if !ok {
		return
	}
	inst.markClosingLocked(to)
	m.metrics.RecordTransition(inst.pluginID, from, to)
	m.log(ctx, ports.LevelDebug, "plugin state changed",
		ports.F("plugin_id", inst.pluginID),
		ports.F("from", string(from)),
		ports.F("state", string(to)))
}

func (m *Manager) log(ctx context.Context, level ports.Level, msg string, fields ...ports.Field) {
	if m.logger == nil {
		return
	}
	switch level {
	case ports.LevelDebug:
		m.logger.Debug(ctx, msg, fields...)
	case ports.LevelInfo:
		m.logger.Info(ctx, msg, fields...)
	case ports.LevelWarn:
		m.logger.Warn(ctx, msg, fields...)
	default:
		m.logger.Error(ctx, msg, fields...)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
