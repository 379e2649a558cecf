// Package metrics exports plugin manager and broker events to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felixgeelhaar/pluginhost/internal/domain/broker"
	"github.com/felixgeelhaar/pluginhost/internal/domain/plugin"
)

const namespace = "pluginhost"

// Prometheus implements plugin.Metrics and broker.Recorder.
type Prometheus struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	hostCalls   *prometheus.CounterVec
	loaded      prometheus.Gauge
}

// NewPrometheus registers the host's collectors on a fresh registry.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_transitions_total",
			Help:      "Plugin lifecycle state changes.",
		}, []string{"plugin", "from", "to"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_invocations_total",
			Help:      "Plugin export invocations by outcome.",
		}, []string{"plugin", "export", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plugin_invocation_duration_seconds",
			Help:      "Wall-clock time of plugin export invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"plugin", "export"}),
		hostCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_calls_total",
			Help:      "Host function calls by broker outcome.",
		}, []string{"plugin", "function", "outcome"}),
		loaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plugins_loaded",
			Help:      "Live plugin instances.",
		}),
	}

	p.registry.MustRegister(
		p.transitions,
		p.invocations,
		p.duration,
		p.hostCalls,
		p.loaded,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Registry returns the registry the collectors are registered on.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// RecordTransition counts a lifecycle state change.
func (p *Prometheus) RecordTransition(pluginID string, from, to plugin.State) {
	p.transitions.WithLabelValues(pluginID, string(from), string(to)).Inc()
}

// RecordInvoke counts an invocation and observes its duration.
func (p *Prometheus) RecordInvoke(pluginID, export, outcome string, elapsed time.Duration) {
	p.invocations.WithLabelValues(pluginID, export, outcome).Inc()
	p.duration.WithLabelValues(pluginID, export).Observe(elapsed.Seconds())
}

// SetLoaded sets the live instance gauge.
func (p *Prometheus) SetLoaded(n int) {
	p.loaded.Set(float64(n))
}

// RecordHostCall counts a host function call attempt.
func (p *Prometheus) RecordHostCall(pluginID, function string, outcome broker.Outcome) {
	p.hostCalls.WithLabelValues(pluginID, function, string(outcome)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (p *Prometheus) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

var (
	_ plugin.Metrics  = (*Prometheus)(nil)
	_ broker.Recorder = (*Prometheus)(nil)
)
