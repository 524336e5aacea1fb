package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/acme/lead-delivery/internal/config"
)

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// Setup configures OpenTelemetry tracing and returns a shutdown function.
// The propagator is installed even when tracing is disabled.
func Setup(ctx context.Context, cfg config.TelemetryConfig, app config.AppConfig, component string) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	if !cfg.TracingEnabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("otel exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(Attributes(cfg, app, component)...))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithSampler(Sampler(cfg.SampleRatio)),
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Sampler samples root spans at ratio and follows the parent otherwise.
// Non-positive ratios sample everything.
func Sampler(ratio float64) trace.Sampler {
	if ratio <= 0 || ratio > 1 {
		ratio = 1.0
	}
	return trace.ParentBased(trace.TraceIDRatioBased(ratio))
}

// Attributes describes the running process.
func Attributes(cfg config.TelemetryConfig, app config.AppConfig, component string) []attribute.KeyValue {
	name := cfg.ServiceName
	if name == "" {
		name = app.Name
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(name),
		semconv.DeploymentEnvironmentKey.String(app.Env),
	}
	if app.Version != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(app.Version))
	}
	if component != "" {
		attrs = append(attrs, semconv.ServiceInstanceIDKey.String(component))
	}
	return attrs
}
