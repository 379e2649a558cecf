package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/pluginhost/internal/domain/broker"
	"github.com/felixgeelhaar/pluginhost/internal/domain/plugin"
	"github.com/felixgeelhaar/pluginhost/internal/domain/provider"
	"github.com/felixgeelhaar/pluginhost/internal/testutil/mocks"
)

func TestPrometheus_Records(t *testing.T) {
	t.Parallel()

	p := NewPrometheus()
	p.RecordTransition("echo", plugin.StateReady, plugin.StateRunning)
	p.RecordTransition("echo", plugin.StateReady, plugin.StateRunning)
	p.RecordInvoke("echo", "run", plugin.OutcomeOK, 3*time.Millisecond)
	p.RecordInvoke("echo", "run", string(provider.KindTrapped), time.Millisecond)
	p.RecordHostCall("echo", "read_file", broker.OutcomeDenied)
	p.SetLoaded(3)

	assert.InDelta(t, 2, testutil.ToFloat64(p.transitions.WithLabelValues("echo", "ready", "running")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(p.invocations.WithLabelValues("echo", "run", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(p.invocations.WithLabelValues("echo", "run", "trapped")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(p.hostCalls.WithLabelValues("echo", "read_file", "denied")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(p.loaded), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(p.duration))
}

func TestPrometheus_WiredIntoManager(t *testing.T) {
	t.Parallel()

	p := NewPrometheus()
	prov := mocks.NewProvider(map[string]provider.Signature{"run": {}})
	m := plugin.NewManager(prov, plugin.WithMetrics(p))
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	ctx := context.Background()
	_, err := m.LoadPlugin(ctx, plugin.Bundle{
		Manifest: &plugin.Manifest{ID: "echo", Version: "1.0.0", EntryPoints: []plugin.EntryPoint{{Name: "run"}}},
		Module:   []byte("echo"),
	})
	require.NoError(t, err)

	_, err = m.Invoke(ctx, "echo", "run", nil)
	require.NoError(t, err)
	_, err = m.Invoke(ctx, "missing", "run", nil)
	require.Error(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(p.loaded), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(p.invocations.WithLabelValues("echo", "run", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(p.invocations.WithLabelValues("missing", "run", "not_ready")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(p.transitions.WithLabelValues("echo", "instantiating", "ready")), 0)
}

func TestPrometheus_Handler(t *testing.T) {
	t.Parallel()

	p := NewPrometheus()
	p.SetLoaded(2)

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "pluginhost_plugins_loaded 2")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestPrometheus_ServeStopsWithContext(t *testing.T) {
	t.Parallel()

	p := NewPrometheus()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
