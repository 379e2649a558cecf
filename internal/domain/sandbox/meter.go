package sandbox

import (
	"context"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

type budgetKey struct{}

// budget tracks one invocation's step count and call depth. Exceeding a
// limit records the cause and cancels the invocation context; wazero then
// closes the module at its next termination check. A call that returns
// before that check is still over budget: callers consult exceeded.
type budget struct {
	maxSteps uint64
	maxDepth int64
	steps    atomic.Uint64
	depth    atomic.Int64
	cause    atomic.Pointer[error]
	cancel   context.CancelCauseFunc
}

func withBudget(ctx context.Context, maxSteps uint64, maxDepth int) (context.Context, *budget, context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	b := &budget{
		maxSteps: maxSteps,
		maxDepth: int64(maxDepth),
		cancel:   cancel,
	}
	return context.WithValue(ctx, budgetKey{}, b), b, cancel
}

func budgetFrom(ctx context.Context) *budget {
	b, _ := ctx.Value(budgetKey{}).(*budget)
	return b
}

func (b *budget) enter() {
	if steps := b.steps.Add(1); b.maxSteps > 0 && steps > b.maxSteps {
		b.exceed(ErrStepBudget)
	}
	if depth := b.depth.Add(1); b.maxDepth > 0 && depth > b.maxDepth {
		b.exceed(ErrCallDepth)
	}
}

func (b *budget) exceed(cause error) {
	b.cause.CompareAndSwap(nil, &cause)
	b.cancel(cause)
}

// exceeded returns the first limit the invocation overran, or nil.
func (b *budget) exceeded() error {
	if p := b.cause.Load(); p != nil {
		return *p
	}
	return nil
}

func (b *budget) exit() {
	b.depth.Add(-1)
}

// Steps returns the number of function entries so far.
func (b *budget) Steps() uint64 {
	return b.steps.Load()
}

// meter is the function listener installed on every guest function.
type meter struct{}

func (meter) Before(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) {
	if b := budgetFrom(ctx); b != nil {
		b.enter()
	}
}

func (meter) After(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64) {
	if b := budgetFrom(ctx); b != nil {
		b.exit()
	}
}

func (meter) Abort(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ error) {
	if b := budgetFrom(ctx); b != nil {
		b.exit()
	}
}

func meterFactory() experimental.FunctionListenerFactory {
	m := meter{}
	return experimental.FunctionListenerFactoryFunc(func(api.FunctionDefinition) experimental.FunctionListener {
		return m
	})
}

// withMeter attaches the budget listener for compilation.
func withMeter(ctx context.Context) context.Context {
	return experimental.WithFunctionListenerFactory(ctx, meterFactory())
}
