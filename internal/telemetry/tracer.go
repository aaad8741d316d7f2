package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName matches the module path so spans are attributable to this
// service in a multi-service OTel backend.
const tracerName = "github.com/casarerpa/core"

// Tracer returns the global OpenTelemetry tracer for the core. Callers
// start spans with Tracer().Start(ctx, name) at job/node boundaries.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartJobSpan starts a span covering one job's execution, tagging it with
// the job and workflow identifiers used throughout the event vocabulary.
func StartJobSpan(ctx context.Context, jobID, workflowID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "job.run", trace.WithAttributes(
		attribute.String("job_id", jobID),
		attribute.String("workflow_id", workflowID),
	))
}

// StartNodeSpan starts a span covering one node's execution.
func StartNodeSpan(ctx context.Context, nodeID, nodeType string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "node.run", trace.WithAttributes(
		attribute.String("node_id", nodeID),
		attribute.String("node_type", nodeType),
	))
}
