package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for triage spans and metrics.
var (
	AttrWorkflowID = attribute.Key("triage.workflow.id")
	AttrTaskID     = attribute.Key("triage.task.id")
	AttrAgent      = attribute.Key("triage.agent")
	AttrOutcome    = attribute.Key("triage.outcome")
	AttrFaultClass = attribute.Key("triage.fault.class")
	AttrRetryCount = attribute.Key("triage.task.retry_count")
	AttrToolName   = attribute.Key("triage.tool.name")
	AttrProvider   = attribute.Key("triage.llm.provider")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound reasoning call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
