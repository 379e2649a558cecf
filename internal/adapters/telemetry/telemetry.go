// Package telemetry sets up OpenTelemetry tracing for the host.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/felixgeelhaar/pluginhost/internal/domain/config"
)

// TracerName is the instrumentation name used for host spans.
const TracerName = "github.com/felixgeelhaar/pluginhost"

// ShutdownFunc flushes and stops the exporter.
type ShutdownFunc func(context.Context) error

// Options controls Init.
type Options struct {
	ServiceName string
	Version     string
	Config      config.TelemetryConfig
	// Writer receives stdout exporter output. Defaults to os.Stdout.
	Writer io.Writer
}

// Init builds a tracer provider for the configured exporter and installs
// it globally. The none exporter returns a no-op provider and leaves the
// globals alone.
func Init(ctx context.Context, opts Options) (trace.TracerProvider, ShutdownFunc, error) {
	switch opts.Config.Exporter {
	case "", config.ExporterNone:
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	case config.ExporterStdout, config.ExporterOTLP:
	default:
		return nil, nil, fmt.Errorf("unknown telemetry exporter: %s", opts.Config.Exporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.Version),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := newExporter(ctx, opts)
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, tp.Shutdown, nil
}

func newExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
	switch opts.Config.Exporter {
	case config.ExporterOTLP:
		if opts.Config.OTLPEndpoint == "" {
			return nil, fmt.Errorf("otlp endpoint is required")
		}
		traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Config.OTLPEndpoint)}
		if opts.Config.OTLPInsecure {
			traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, traceOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp trace exporter: %w", err)
		}
		return exp, nil
	default:
		stdoutOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if opts.Writer != nil {
			stdoutOpts = append(stdoutOpts, stdouttrace.WithWriter(opts.Writer))
		}
		exp, err := stdouttrace.New(stdoutOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		return exp, nil
	}
}

// Tracer returns the host tracer from tp.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	return tp.Tracer(TracerName)
}
