package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalcanvas/runtime"
)

// DefaultServiceName is the service.name resource attribute of exported spans.
const DefaultServiceName = "petalcanvas"

// Config selects where telemetry goes.
type Config struct {
	// OTLPEndpoint is an OTLP/HTTP traces endpoint, either a host:port or a
	// full URL. Empty keeps the global tracer provider.
	OTLPEndpoint string

	// ServiceName defaults to DefaultServiceName.
	ServiceName string

	// TracerProvider and MeterProvider override the global providers.
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Telemetry bundles the handlers wired into the engine.
type Telemetry struct {
	Tracing *TracingHandler
	Metrics *MetricsHandler

	shutdown func(context.Context) error
}

// Setup builds the tracing and metrics handlers. When an OTLP endpoint is
// configured it installs a batching OTLP/HTTP exporter; Shutdown flushes it.
func Setup(ctx context.Context, cfg Config) (*Telemetry, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = DefaultServiceName
	}

	tp := cfg.TracerProvider
	shutdown := func(context.Context) error { return nil }
	if tp == nil && cfg.OTLPEndpoint != "" {
		exp, err := newExporter(ctx, cfg.OTLPEndpoint)
		if err != nil {
			return nil, fmt.Errorf("creating otlp exporter: %w", err)
		}
		sdkTP := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(resource.NewSchemaless(
				attribute.String("service.name", serviceName),
			)),
		)
		tp = sdkTP
		shutdown = sdkTP.Shutdown
	}
	if tp == nil {
		tp = otelapi.GetTracerProvider()
	}
	mp := cfg.MeterProvider
	if mp == nil {
		mp = otelapi.GetMeterProvider()
	}

	metrics, err := NewMetricsHandler(mp.Meter("petalcanvas/runtime"))
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("creating metrics handler: %w", err)
	}
	return &Telemetry{
		Tracing:  NewTracingHandler(tp.Tracer("petalcanvas/runtime")),
		Metrics:  metrics,
		shutdown: shutdown,
	}, nil
}

func newExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	if strings.Contains(endpoint, "://") {
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	}
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
}

// Handler feeds every event to the tracing and metrics handlers.
func (t *Telemetry) Handler() runtime.EventHandler {
	return runtime.MultiEventHandler(t.Tracing.Handle, t.Metrics.Handle)
}

// Decorator enriches emitted events with the active trace context.
func (t *Telemetry) Decorator() runtime.EventEmitterDecorator {
	return Decorator(t.Tracing)
}

// Shutdown flushes and stops the exporter, if any.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.shutdown == nil {
		return nil
	}
	if err := t.shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
