package mocks

import (
	"context"
	"testing"

	"github.com/felixgeelhaar/pluginhost/internal/domain/provider"
)

func TestProvider_InvokeAndTeardown(t *testing.T) {
	ctx := context.Background()
	p := NewProvider(map[string]provider.Signature{"add": {}})
	p.SetInvokeFunc(func(_ context.Context, req InvokeRequest) ([]provider.Value, error) {
		return []provider.Value{provider.String(req.Export)}, nil
	})

	unit, err := p.Load(ctx, []byte("module"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, ok := unit.Exports()["add"]; !ok {
		t.Error("Exports() missing add")
	}

	h, err := p.Instantiate(ctx, unit, nil, provider.DefaultLimits())
	if err != nil {
		t.Fatalf("Instantiate() error = %v", err)
	}

	out, err := p.Invoke(ctx, h, "add", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if s, _ := out[0].AsString(); s != "add" {
		t.Errorf("Invoke() = %q, want %q", s, "add")
	}

	if err := p.Teardown(ctx, h); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	if err := p.Teardown(ctx, h); err != nil {
		t.Fatalf("second Teardown() error = %v", err)
	}
	if got := p.Teardowns(h.ID()); got != 2 {
		t.Errorf("Teardowns() = %d, want 2", got)
	}

	calls := p.Calls()
	if len(calls) != 1 || calls[0].Finished >= p.TornDownAt(h.ID()) {
		t.Errorf("Calls() = %+v, want one call finished before teardown", calls)
	}

	if _, err := p.Invoke(ctx, h, "add", nil); !provider.IsInvokeKind(err, provider.KindTrapped) {
		t.Errorf("Invoke() after teardown error = %v, want trapped", err)
	}
	if p.UseAfterTeardown() != 1 {
		t.Errorf("UseAfterTeardown() = %d, want 1", p.UseAfterTeardown())
	}
}

func TestProvider_Errors(t *testing.T) {
	ctx := context.Background()
	p := NewProvider(nil)

	p.SetLoadError(&provider.LoadError{Reason: provider.LoadMalformed})
	if _, err := p.Load(ctx, nil); !provider.IsLoadError(err) {
		t.Errorf("Load() error = %v, want LoadError", err)
	}
	p.SetLoadError(nil)

	p.SetInstantiateError(&provider.InstantiateError{Reason: provider.InstantiateLink})
	unit, _ := p.Load(ctx, nil)
	if _, err := p.Instantiate(ctx, unit, nil, provider.ResourceLimits{}); !provider.IsInstantiateError(err) {
		t.Errorf("Instantiate() error = %v, want InstantiateError", err)
	}

	_ = p.Close(ctx)
	if !p.Closed() {
		t.Error("Closed() = false after Close")
	}
}
