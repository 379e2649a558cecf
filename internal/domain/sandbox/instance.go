package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/felixgeelhaar/pluginhost/internal/domain/provider"
	"github.com/felixgeelhaar/pluginhost/internal/ports"
)

// instance is one sandboxed plugin: a private runtime, the host module bound
// to the broker-wrapped table, and the guest module.
type instance struct {
	id      string
	unit    *compiledUnit
	limits  provider.ResourceLimits
	runtime wazero.Runtime
	module  api.Module
	logger  ports.Logger

	// mu is held for reading by calls and for writing by close, so a
	// handle is never torn down under a running call.
	mu     sync.RWMutex
	closed bool
}

// ID returns the instance id.
func (i *instance) ID() string {
	return i.id
}

func (p *WazeroProvider) newInstance(ctx context.Context, cu *compiledUnit, host provider.HostFunctionTable, limits provider.ResourceLimits) (*instance, error) {
	inst := &instance{
		id:     uuid.NewString(),
		unit:   cu,
		limits: limits,
		logger: p.config.Logger,
	}

	r := wazero.NewRuntimeWithConfig(ctx, p.runtimeConfig(limits.MaxMemoryBytes))
	inst.runtime = r

	fail := func(reason provider.InstantiateReason, err error) (*instance, error) {
		_ = r.Close(ctx)
		return nil, &provider.InstantiateError{Reason: reason, Err: err}
	}

	builder := r.NewHostModuleBuilder(HostModuleName)
	for _, fn := range host {
		builder.NewFunctionBuilder().
			WithFunc(inst.hostCall(fn)).
			WithParameterNames("arg_ptr", "arg_len", "out_ptr", "out_cap").
			Export(fn.Name)
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		return fail(provider.InstantiateLink, fmt.Errorf("host module: %w", err))
	}

	compiled, err := r.CompileModule(withMeter(ctx), cu.binary)
	if err != nil {
		return fail(provider.InstantiateLimit, err)
	}

	cfg := wazero.NewModuleConfig().
		WithName(inst.id).
		WithStartFunctions("_initialize")

	// Start functions run under the same budgets as invocations.
	startCtx, _, cancel := withBudget(ctx, limits.MaxSteps, limits.MaxCallDepth)
	defer cancel(nil)
	if limits.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		startCtx, cancelTimeout = context.WithTimeout(startCtx, limits.Timeout)
		defer cancelTimeout()
	}

	mod, err := r.InstantiateModule(startCtx, compiled, cfg)
	if err != nil {
		if strings.Contains(err.Error(), "not exported") || strings.Contains(err.Error(), "import") {
			return fail(provider.InstantiateLink, err)
		}
		return fail(provider.InstantiateStart, err)
	}
	inst.module = mod
	return inst, nil
}

// hostCall adapts a host function to the fixed guest ABI:
// (arg_ptr, arg_len, out_ptr, out_cap) -> bytes written or a negative code.
func (i *instance) hostCall(fn provider.HostFunction) func(context.Context, api.Module, uint32, uint32, uint32, uint32) int32 {
	return func(ctx context.Context, m api.Module, argPtr, argLen, outPtr, outCap uint32) int32 {
		mem := m.Memory()
		if mem == nil {
			return CodeHostError
		}
		raw, ok := mem.Read(argPtr, argLen)
		if !ok {
			return CodeHostError
		}
		payload := append([]byte(nil), raw...)

		out, err := fn.Call(ctx, payload)
		switch {
		case errors.Is(err, provider.ErrPermissionDenied):
			return CodeDenied
		case errors.Is(err, provider.ErrRateLimited):
			return CodeRateLimited
		case err != nil:
			if i.logger != nil {
				i.logger.Debug(ctx, "host call failed",
					ports.F("instance", i.id),
					ports.F("function", fn.Name),
					ports.F("error", err.Error()))
			}
			return CodeHostError
		}

		if uint32(len(out)) > outCap {
			return CodeTooSmall
		}
		if len(out) > 0 && !mem.Write(outPtr, out) {
			return CodeHostError
		}
		return int32(len(out))
	}
}

func (i *instance) invoke(ctx context.Context, export string, args []provider.Value) ([]provider.Value, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.closed || i.module == nil || i.module.IsClosed() {
		return nil, &provider.InvokeError{
			Kind:   provider.KindTrapped,
			Export: export,
			Fatal:  true,
			Err:    provider.ErrHandleClosed,
		}
	}

	sig, ok := i.unit.exports[export]
	fn := i.module.ExportedFunction(export)
	if !ok || fn == nil {
		return nil, provider.NewInvokeError(provider.KindNoSuchExport, export, fmt.Errorf("export %q not found", export))
	}

	params, err := encodeArgs(sig, args)
	if err != nil {
		return nil, provider.NewInvokeError(provider.KindArgumentEncoding, export, err)
	}

	callCtx, b, cancel := withBudget(ctx, i.limits.MaxSteps, i.limits.MaxCallDepth)
	defer cancel(nil)
	if i.limits.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		callCtx, cancelTimeout = context.WithTimeoutCause(callCtx, i.limits.Timeout, ErrTimeout)
		defer cancelTimeout()
	}

	results, err := fn.Call(callCtx, params...)
	if err != nil {
		return nil, i.classify(ctx, callCtx, b, export, err)
	}
	if cause := b.exceeded(); cause != nil {
		// The guest finished before wazero noticed the cancellation; its
		// results were produced over budget and are dropped.
		return nil, provider.NewInvokeError(provider.KindResourceExhausted, export,
			fmt.Errorf("%w after %d steps", cause, b.Steps()))
	}

	values, err := decodeResults(sig, results)
	if err != nil {
		return nil, provider.NewInvokeError(provider.KindArgumentEncoding, export, err)
	}
	return values, nil
}

// classify converts a wazero call error into an InvokeError.
func (i *instance) classify(parent, callCtx context.Context, b *budget, export string, err error) *provider.InvokeError {
	ie := &provider.InvokeError{Export: export, Err: err}

	cause := b.exceeded()
	if cause == nil {
		cause = context.Cause(callCtx)
	}
	switch {
	case errors.Is(cause, ErrStepBudget), errors.Is(cause, ErrCallDepth):
		ie.Kind = provider.KindResourceExhausted
		ie.Err = fmt.Errorf("%w after %d steps", cause, b.Steps())
	case parent.Err() != nil:
		ie.Kind = provider.KindCanceled
		ie.Err = parent.Err()
	case errors.Is(cause, ErrTimeout):
		ie.Kind = provider.KindResourceExhausted
		ie.Err = fmt.Errorf("%w (%s)", ErrTimeout, i.limits.Timeout)
	case strings.Contains(err.Error(), "stack overflow"):
		ie.Kind = provider.KindResourceExhausted
	default:
		ie.Kind = provider.KindTrapped
		// A trap leaves the instance usable; a module that closed on its
		// own (e.g. proc_exit) cannot be trusted again.
		ie.Fatal = i.module.IsClosed()
	}
	return ie
}

// close tears the instance down once; later calls are no-ops.
func (i *instance) close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil
	}
	i.closed = true

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return i.runtime.Close(closeCtx)
}

func encodeArgs(sig provider.Signature, args []provider.Value) ([]uint64, error) {
	if len(args) != len(sig.Params) {
		return nil, fmt.Errorf("expected %d arguments %s, got %d", len(sig.Params), sig, len(args))
	}
	params := make([]uint64, len(args))
	for idx, arg := range args {
		encoded, err := encodeValue(sig.Params[idx], arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", idx, err)
		}
		params[idx] = encoded
	}
	return params, nil
}

func encodeValue(t provider.ValueType, v provider.Value) (uint64, error) {
	switch t {
	case provider.TypeI32:
		if n, ok := v.AsI32(); ok {
			return api.EncodeI32(n), nil
		}
		if b, ok := v.AsBool(); ok {
			if b {
				return api.EncodeI32(1), nil
			}
			return api.EncodeI32(0), nil
		}
	case provider.TypeI64:
		if n, ok := v.AsI64(); ok {
			return api.EncodeI64(n), nil
		}
		if n, ok := v.AsI32(); ok {
			return api.EncodeI64(int64(n)), nil
		}
	case provider.TypeF32:
		if f, ok := v.AsF32(); ok {
			return api.EncodeF32(f), nil
		}
	case provider.TypeF64:
		if f, ok := v.AsF64(); ok {
			return api.EncodeF64(f), nil
		}
		if f, ok := v.AsF32(); ok {
			return api.EncodeF64(float64(f)), nil
		}
	}
	return 0, fmt.Errorf("cannot encode %s as %s", v.Kind(), t)
}

func decodeResults(sig provider.Signature, results []uint64) ([]provider.Value, error) {
	if len(results) != len(sig.Results) {
		return nil, fmt.Errorf("expected %d results, got %d", len(sig.Results), len(results))
	}
	values := make([]provider.Value, len(results))
	for idx, raw := range results {
		switch sig.Results[idx] {
		case provider.TypeI32:
			values[idx] = provider.I32(api.DecodeI32(raw))
		case provider.TypeI64:
			values[idx] = provider.I64(int64(raw))
		case provider.TypeF32:
			values[idx] = provider.F32(api.DecodeF32(raw))
		case provider.TypeF64:
			values[idx] = provider.F64(api.DecodeF64(raw))
		default:
			return nil, fmt.Errorf("result %d: unsupported type %s", idx, sig.Results[idx])
		}
	}
	return values, nil
}

// Ensure instance implements Handle.
var _ provider.Handle = (*instance)(nil)
