// Package tracing installs and exposes the global OpenTelemetry tracer
// provider used across the orchestrator, session-logger-ingestor HTTP
// surface, and the AI caller. Grounded on the teacher's
// pkg/observability/tracer.go: same OTLP/gRPC exporter, same
// TraceIDRatioBased sampler, same noop-provider-when-disabled shape,
// re-pointed at this domain's service name and spans instead of hector's
// agent/LLM/tool spans.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/quickform/orchestrator/pkg/config"
)

// Init installs cfg's tracer provider as the process-wide OpenTelemetry
// default and returns it, so callers can cleanly Shutdown it on exit.
// When cfg.Enabled is false, a noop.TracerProvider is installed instead:
// every Start call still works, every span is free.
func Init(ctx context.Context, cfg config.TracingConfig) (trace.TracerProvider, error) {
	if !cfg.Enabled {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.EndpointURL),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// Tracer returns a named tracer off the global provider (e.g.
// "orchestrator.http", "orchestrator.worker", "orchestrator.ai").
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Shutdown flushes and closes tp if it is a *sdktrace.TracerProvider;
// the noop provider Init installs when tracing is disabled has nothing
// to flush and is skipped.
func Shutdown(ctx context.Context, tp trace.TracerProvider) error {
	sdkTP, ok := tp.(*sdktrace.TracerProvider)
	if !ok {
		return nil
	}
	return sdkTP.Shutdown(ctx)
}
