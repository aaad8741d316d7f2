package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// InitTracerProvider installs a process-wide OpenTelemetry SDK
// TracerProvider so Tracer() produces real recording spans instead of
// the package default no-op tracer. No span exporter is wired in this
// core, so spans are sampled and recorded but not shipped anywhere until
// a caller adds one with sdktrace.WithBatcher/WithSyncer.
//
// The returned shutdown func flushes and releases the provider; call
// it during graceful shutdown.
func InitTracerProvider(serviceName string) func(context.Context) error {
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}
