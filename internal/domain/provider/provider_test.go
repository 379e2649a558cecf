package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
)

type stubProvider struct {
	name     string
	closeErr error
	closed   bool
}

func (p *stubProvider) Name() string                  { return p.name }
func (p *stubProvider) SupportsConcurrentInvoke() bool { return false }
func (p *stubProvider) Load(context.Context, []byte) (CompiledUnit, error) {
	return nil, &LoadError{Reason: LoadUnsupported, Err: errors.New("stub")}
}
func (p *stubProvider) Instantiate(context.Context, CompiledUnit, HostFunctionTable, ResourceLimits) (Handle, error) {
	return nil, &InstantiateError{Reason: InstantiateLink, Err: errors.New("stub")}
}
func (p *stubProvider) Invoke(context.Context, Handle, string, []Value) ([]Value, error) {
	return nil, NewInvokeError(KindNoSuchExport, "x", nil)
}
func (p *stubProvider) Teardown(context.Context, Handle) error { return nil }
func (p *stubProvider) Close(context.Context) error {
	p.closed = true
	return p.closeErr
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	wasm := &stubProvider{name: "wasm"}
	reg := NewRegistry(wasm)

	got, err := reg.Get("wasm")
	require.NoError(t, err)
	assert.Same(t, wasm, got)

	_, err = reg.Get("firecracker")
	assert.ErrorContains(t, err, "unknown provider")

	require.NoError(t, reg.Register(&stubProvider{name: "native"}))
	assert.Error(t, reg.Register(&stubProvider{name: "native"}))
	assert.Equal(t, []string{"native", "wasm"}, reg.Names())

	wasm.closeErr = errors.New("boom")
	assert.EqualError(t, reg.Close(context.Background()), "boom")
	assert.True(t, wasm.closed)
}

func TestErrors(t *testing.T) {
	t.Parallel()

	base := errors.New("out of bounds")
	err := fmt.Errorf("wrapped: %w", &InvokeError{Kind: KindTrapped, Export: "run", Err: base})

	assert.True(t, IsInvokeKind(err, KindTrapped))
	assert.False(t, IsInvokeKind(err, KindResourceExhausted))
	assert.ErrorIs(t, err, base)

	ie, ok := AsInvokeError(err)
	require.True(t, ok)
	assert.Equal(t, "run", ie.Export)
	assert.Contains(t, ie.Error(), "trapped")

	fatal := &InvokeError{Kind: KindTrapped, Export: "run", Fatal: true}
	assert.Contains(t, fatal.Error(), "(fatal)")

	assert.True(t, IsLoadError(&LoadError{Reason: LoadMalformed, Err: base}))
	assert.True(t, IsInstantiateError(fmt.Errorf("x: %w", &InstantiateError{Reason: InstantiateLimit, Err: base})))
	assert.False(t, IsLoadError(base))
}

func TestResourceLimits(t *testing.T) {
	t.Parallel()

	merged := DefaultLimits().Merge(ResourceLimits{MaxSteps: 10, Timeout: time.Second})
	assert.Equal(t, uint64(10), merged.MaxSteps)
	assert.Equal(t, time.Second, merged.Timeout)
	assert.Equal(t, DefaultLimits().MaxMemoryBytes, merged.MaxMemoryBytes)

	assert.NoError(t, RestrictedLimits().Validate())
	assert.Error(t, ResourceLimits{Timeout: -1}.Validate())

	for _, name := range []string{"", "default", "restricted", "trusted"} {
		_, ok := LimitsForProfile(name)
		assert.True(t, ok, name)
	}
	_, ok := LimitsForProfile("yolo")
	assert.False(t, ok)

	assert.Less(t, RestrictedLimits().MaxMemoryBytes, DefaultLimits().MaxMemoryBytes)
	assert.Less(t, DefaultLimits().MaxMemoryBytes, TrustedLimits().MaxMemoryBytes)
}

func TestValue(t *testing.T) {
	t.Parallel()

	n, ok := I32(-5).AsI32()
	assert.True(t, ok)
	assert.Equal(t, int32(-5), n)

	_, ok = I32(1).AsI64()
	assert.False(t, ok)

	f, ok := F32(1.5).AsF32()
	assert.True(t, ok)
	assert.Equal(t, float32(1.5), f)

	obj := Object(map[string]Value{"ok": Bool(true), "items": Array(I64(1), String("x"))})
	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"items":[1,"x"]}`, string(data))
	assert.Equal(t, `{items: [1, "x"], ok: true}`, obj.String())

	assert.Equal(t, ValueNull, Value{}.Kind())
	assert.Equal(t, "null", Null().String())
}

func TestParseValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		typ     ValueType
		want    Value
		wantErr bool
	}{
		{"2", TypeI32, I32(2), false},
		{"-0x10", TypeI64, I64(-16), false},
		{"2.5", TypeF64, F64(2.5), false},
		{"0.25", TypeF32, F32(0.25), false},
		{"9999999999", TypeI32, Value{}, true},
		{"abc", TypeI64, Value{}, true},
		{"1", ValueType("v128"), Value{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in+"/"+string(tt.typ), func(t *testing.T) {
			t.Parallel()
			got, err := ParseValue(tt.in, tt.typ)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	typ, err := ParseValueType(" I64 ")
	require.NoError(t, err)
	assert.Equal(t, TypeI64, typ)
	_, err = ParseValueType("v128")
	assert.Error(t, err)
}

func TestSignature_ParseArgs(t *testing.T) {
	t.Parallel()

	sig := Signature{Params: []ValueType{TypeI32, TypeF64}}

	got, err := sig.ParseArgs([]string{"7", "1.5"})
	require.NoError(t, err)
	assert.Equal(t, []Value{I32(7), F64(1.5)}, got)

	_, err = sig.ParseArgs([]string{"7"})
	assert.ErrorContains(t, err, "expected 2 arguments")

	_, err = sig.ParseArgs([]string{"7", "x"})
	assert.ErrorContains(t, err, "argument 2")

	got, err = Signature{}.ParseArgs(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHostFunctionTable(t *testing.T) {
	t.Parallel()

	call := func(context.Context, []byte) ([]byte, error) { return nil, nil }
	table := HostFunctionTable{{Name: "a", Call: call}, {Name: "b", Call: call}}
	require.NoError(t, table.Validate())
	assert.Equal(t, []string{"a", "b"}, table.Names())

	_, ok := table.Lookup("b")
	assert.True(t, ok)
	_, ok = table.Lookup("c")
	assert.False(t, ok)

	assert.Error(t, HostFunctionTable{{Name: "a", Call: call}, {Name: "a", Call: call}}.Validate())
	assert.Error(t, HostFunctionTable{{Name: "a"}}.Validate())
	assert.Error(t, HostFunctionTable{{Call: call}}.Validate())

	assert.Equal(t, "(i32,i32)->(i32)", Signature{Params: []ValueType{TypeI32, TypeI32}, Results: []ValueType{TypeI32}}.String())
}

func TestAuthorizedContext(t *testing.T) {
	t.Parallel()

	_, ok := AuthorizedFrom(context.Background())
	assert.False(t, ok)

	c := capability.MustParse("filesystem-read:/tmp/x")
	got, ok := AuthorizedFrom(WithAuthorized(context.Background(), c))
	require.True(t, ok)
	assert.Equal(t, c, got)

	_, ok = AuthorizedFrom(WithAuthorized(context.Background(), capability.Capability{}))
	assert.False(t, ok)
}
