package plugin

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/felixgeelhaar/pluginhost/internal/domain/provider"
)

// DefaultFaultExpression keeps the instance usable for recoverable faults,
// quarantines it on traps and exhausted budgets, and fails it when the
// sandbox reports the instance unusable.
const DefaultFaultExpression = `fatal ? "failed" : (kind in ["trapped", "resource_exhausted", "canceled"] ? "suspended" : "ready")`

// FaultPolicy decides the state an instance moves to after a failed
// invocation. The expression sees kind, export, message (strings), fatal
// (bool) and plugin (string), and must yield "ready", "suspended" or
// "failed".
type FaultPolicy struct {
	expr    string
	program cel.Program
}

// NewFaultPolicy compiles a fault classification expression.
func NewFaultPolicy(expr string) (*FaultPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("export", cel.StringType),
		cel.Variable("message", cel.StringType),
		cel.Variable("fatal", cel.BoolType),
		cel.Variable("plugin", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid fault policy %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.StringType) {
		return nil, fmt.Errorf("fault policy %q must evaluate to a string, got %s", expr, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("fault policy %q: %w", expr, err)
	}
	return &FaultPolicy{expr: expr, program: prg}, nil
}

// MustFaultPolicy is like NewFaultPolicy but panics on error.
func MustFaultPolicy(expr string) *FaultPolicy {
	p, err := NewFaultPolicy(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// DefaultFaultPolicy returns the policy for DefaultFaultExpression.
func DefaultFaultPolicy() *FaultPolicy {
	return MustFaultPolicy(DefaultFaultExpression)
}

// Expression returns the source expression.
func (p *FaultPolicy) Expression() string {
	return p.expr
}

// Classify maps a failed invocation to the next state.
func (p *FaultPolicy) Classify(pluginID string, ie *provider.InvokeError) (State, error) {
	message := ""
	if ie.Err != nil {
		message = ie.Err.Error()
	}
	result, _, err := p.program.Eval(map[string]any{
		"kind":    string(ie.Kind),
		"export":  ie.Export,
		"message": message,
		"fatal":   ie.Fatal,
		"plugin":  pluginID,
	})
	if err != nil {
		return "", fmt.Errorf("evaluating fault policy: %w", err)
	}

	s, ok := result.Value().(string)
	if !ok {
		return "", fmt.Errorf("fault policy returned %T, want string", result.Value())
	}
	switch State(s) {
	case StateReady, StateSuspended, StateFailed:
		return State(s), nil
	default:
		return "", fmt.Errorf("fault policy returned %q, want ready, suspended or failed", s)
	}
}

// classifyDefault is the fallback when a policy cannot be evaluated.
func classifyDefault(ie *provider.InvokeError) State {
	switch {
	case ie.Fatal:
		return StateFailed
	case ie.Kind == provider.KindTrapped, ie.Kind == provider.KindResourceExhausted, ie.Kind == provider.KindCanceled:
		return StateSuspended
	default:
		return StateReady
	}
}
