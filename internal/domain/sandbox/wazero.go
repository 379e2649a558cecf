package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/felixgeelhaar/pluginhost/internal/domain/provider"
)

// WazeroProvider implements provider.Provider using wazero.
type WazeroProvider struct {
	config    Config
	cache     wazero.CompilationCache
	validator wazero.Runtime

	mu        sync.Mutex
	closed    bool
	instances map[string]*instance
}

// NewWazeroProvider creates a WASM provider.
func NewWazeroProvider(ctx context.Context, cfg Config) (*WazeroProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Engine == "" {
		cfg.Engine = EngineAuto
	}

	cache := wazero.NewCompilationCache()
	if cfg.CacheDir != "" {
		dirCache, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open compilation cache: %w", err)
		}
		cache = dirCache
	}

	p := &WazeroProvider{
		config:    cfg,
		cache:     cache,
		instances: make(map[string]*instance),
	}
	// The validator runs without a memory cap so oversized modules surface
	// as limit errors rather than decode failures.
	p.validator = wazero.NewRuntimeWithConfig(ctx, p.engineConfig().WithCompilationCache(cache))
	return p, nil
}

// Name returns the provider name.
func (p *WazeroProvider) Name() string {
	return ProviderName
}

// SupportsConcurrentInvoke returns false: a wazero module instance is not
// safe for concurrent calls.
func (p *WazeroProvider) SupportsConcurrentInvoke() bool {
	return false
}

func (p *WazeroProvider) engineConfig() wazero.RuntimeConfig {
	switch p.config.Engine {
	case EngineInterpreter:
		return wazero.NewRuntimeConfigInterpreter()
	case EngineCompiler:
		return wazero.NewRuntimeConfigCompiler()
	default:
		return wazero.NewRuntimeConfig()
	}
}

func (p *WazeroProvider) runtimeConfig(maxMemory uint64) wazero.RuntimeConfig {
	if p.config.MaxMemoryBytes > 0 && (maxMemory == 0 || maxMemory > p.config.MaxMemoryBytes) {
		maxMemory = p.config.MaxMemoryBytes
	}

	cfg := p.engineConfig().WithCompilationCache(p.cache).WithCloseOnContextDone(true)
	if maxMemory > 0 {
		cfg = cfg.WithMemoryLimitPages(memoryPages(maxMemory))
	}
	return cfg
}

// compiledUnit is the validated form of a WASM binary.
type compiledUnit struct {
	binary   []byte
	checksum string
	exports  map[string]provider.Signature
	imports  []string
	minPages uint32
}

func (u *compiledUnit) Exports() map[string]provider.Signature {
	out := make(map[string]provider.Signature, len(u.exports))
	for k, v := range u.exports {
		out[k] = v
	}
	return out
}

func (u *compiledUnit) Checksum() string {
	return u.checksum
}

// Imports returns the host function names the module imports.
func (u *compiledUnit) Imports() []string {
	return append([]string(nil), u.imports...)
}

// Load validates and compiles a WASM binary.
func (p *WazeroProvider) Load(ctx context.Context, binary []byte) (provider.CompiledUnit, error) {
	if err := p.checkOpen(); err != nil {
		return nil, &provider.LoadError{Reason: provider.LoadUnsupported, Err: err}
	}
	if len(binary) == 0 {
		return nil, &provider.LoadError{Reason: provider.LoadMalformed, Err: errors.New("empty binary")}
	}

	compiled, err := p.validator.CompileModule(withMeter(ctx), binary)
	if err != nil {
		return nil, &provider.LoadError{Reason: provider.LoadMalformed, Err: err}
	}
	defer func() { _ = compiled.Close(ctx) }()

	unit := &compiledUnit{
		binary:  binary,
		exports: make(map[string]provider.Signature),
	}
	sum := sha256.Sum256(binary)
	unit.checksum = hex.EncodeToString(sum[:])

	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		if module != HostModuleName {
			return nil, &provider.LoadError{
				Reason: provider.LoadUnsupported,
				Err:    fmt.Errorf("%w: %s.%s", ErrForeignImport, module, name),
			}
		}
		unit.imports = append(unit.imports, name)
	}

	for name, def := range compiled.ExportedFunctions() {
		sig, err := signatureOf(def)
		if err != nil {
			// Exports with types the host cannot encode stay uncallable.
			continue
		}
		unit.exports[name] = sig
	}

	for _, mem := range compiled.ImportedMemories() {
		unit.minPages = max(unit.minPages, mem.Min())
	}
	for _, mem := range compiled.ExportedMemories() {
		unit.minPages = max(unit.minPages, mem.Min())
	}
	if p.config.MaxMemoryBytes > 0 && uint64(unit.minPages)*wasmPageSize > p.config.MaxMemoryBytes {
		return nil, &provider.LoadError{
			Reason: provider.LoadLimit,
			Err:    fmt.Errorf("%w: %d pages", ErrMemoryOverBudget, unit.minPages),
		}
	}

	return unit, nil
}

// Instantiate creates an isolated instance with its own runtime.
func (p *WazeroProvider) Instantiate(ctx context.Context, unit provider.CompiledUnit, host provider.HostFunctionTable, limits provider.ResourceLimits) (provider.Handle, error) {
	if err := p.checkOpen(); err != nil {
		return nil, &provider.InstantiateError{Reason: provider.InstantiateClosed, Err: err}
	}

	cu, ok := unit.(*compiledUnit)
	if !ok {
		return nil, &provider.InstantiateError{
			Reason: provider.InstantiateLink,
			Err:    fmt.Errorf("unit %T was not loaded by the wasm provider", unit),
		}
	}
	if err := host.Validate(); err != nil {
		return nil, &provider.InstantiateError{Reason: provider.InstantiateLink, Err: err}
	}
	if limits.MaxMemoryBytes > 0 && uint64(cu.minPages)*wasmPageSize > limits.MaxMemoryBytes {
		return nil, &provider.InstantiateError{
			Reason: provider.InstantiateLimit,
			Err:    fmt.Errorf("%w: %d pages over %d bytes", ErrMemoryOverBudget, cu.minPages, limits.MaxMemoryBytes),
		}
	}

	inst, err := p.newInstance(ctx, cu, host, limits)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		inst.close(ctx)
		return nil, &provider.InstantiateError{Reason: provider.InstantiateClosed, Err: ErrProviderClosed}
	}
	p.instances[inst.id] = inst
	return inst, nil
}

// Invoke calls an export on an instance.
func (p *WazeroProvider) Invoke(ctx context.Context, h provider.Handle, export string, args []provider.Value) ([]provider.Value, error) {
	inst, ok := h.(*instance)
	if !ok {
		return nil, &provider.InvokeError{
			Kind:   provider.KindTrapped,
			Export: export,
			Fatal:  true,
			Err:    fmt.Errorf("handle %T was not created by the wasm provider", h),
		}
	}
	return inst.invoke(ctx, export, args)
}

// Teardown releases an instance. It is idempotent.
func (p *WazeroProvider) Teardown(ctx context.Context, h provider.Handle) error {
	inst, ok := h.(*instance)
	if !ok {
		return fmt.Errorf("handle %T was not created by the wasm provider", h)
	}

	p.mu.Lock()
	delete(p.instances, inst.id)
	p.mu.Unlock()

	return inst.close(ctx)
}

// Close tears down every live instance and releases the compilation cache.
func (p *WazeroProvider) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	live := make([]*instance, 0, len(p.instances))
	for _, inst := range p.instances {
		live = append(live, inst)
	}
	p.instances = make(map[string]*instance)
	p.mu.Unlock()

	var errs []error
	for _, inst := range live {
		errs = append(errs, inst.close(ctx))
	}
	errs = append(errs, p.validator.Close(ctx), p.cache.Close(ctx))
	return errors.Join(errs...)
}

// Live returns the number of instances not yet torn down.
func (p *WazeroProvider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

func (p *WazeroProvider) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProviderClosed
	}
	return nil
}

func signatureOf(def api.FunctionDefinition) (provider.Signature, error) {
	var sig provider.Signature
	for _, t := range def.ParamTypes() {
		vt, err := valueTypeOf(t)
		if err != nil {
			return sig, err
		}
		sig.Params = append(sig.Params, vt)
	}
	for _, t := range def.ResultTypes() {
		vt, err := valueTypeOf(t)
		if err != nil {
			return sig, err
		}
		sig.Results = append(sig.Results, vt)
	}
	return sig, nil
}

func valueTypeOf(t api.ValueType) (provider.ValueType, error) {
	switch t {
	case api.ValueTypeI32:
		return provider.TypeI32, nil
	case api.ValueTypeI64:
		return provider.TypeI64, nil
	case api.ValueTypeF32:
		return provider.TypeF32, nil
	case api.ValueTypeF64:
		return provider.TypeF64, nil
	default:
		return "", fmt.Errorf("unsupported value type %s", api.ValueTypeName(t))
	}
}

// Ensure WazeroProvider implements Provider.
var _ provider.Provider = (*WazeroProvider)(nil)
