package observability

import (
	"context"
	"fmt"

	"github.com/marketfeed/hub/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// TracingProvider owns the OpenTelemetry trace pipeline the hub exports
// to Jaeger: one span per downstream HTTP request, created by
// pkg/middleware.Tracing off the global tracer this provider installs.
// REST polls are not traced.
type TracingProvider struct {
	provider *trace.TracerProvider
}

// NewTracingProvider dials the Jaeger collector at cfg.JaegerEndpoint and
// installs the resulting tracer provider and propagator as process
// globals, which is how pkg/middleware.Tracing and any instrumented
// package picks them up without a provider reference.
func NewTracingProvider(cfg config.ObservabilityConfig) (*TracingProvider, error) {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp),
		trace.WithResource(res),
		trace.WithSampler(trace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracingProvider{provider: tp}, nil
}

// Shutdown flushes pending spans and closes the Jaeger exporter.
func (tp *TracingProvider) Shutdown(ctx context.Context) error {
	return tp.provider.Shutdown(ctx)
}
