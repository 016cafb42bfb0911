package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys used across the daemon.
const (
	AttrSessionID  = "session.id"
	AttrWorkflowID = "workflow.id"
	AttrGraphName  = "graph.name"
	AttrNodeID     = "node.id"
	AttrNodeType   = "node.type"
	AttrAgentName  = "agent.name"
	AttrAgentRole  = "agent.role"
	AttrStage      = "stage"
	AttrErrorCode  = "error.code"
)

// Span name prefixes.
const (
	SpanPrefixWorkflow = "workflow."
	SpanPrefixNode     = "node."
	SpanPrefixAgent    = "agent."
	SpanPrefixIPC      = "ipc."
)

// StartWorkflowSpan opens a span covering one workflow dispatch.
func StartWorkflowSpan(ctx context.Context, tracer trace.Tracer, kind, workflowID, sessionID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanPrefixWorkflow+kind,
		trace.WithAttributes(
			attribute.String(AttrWorkflowID, workflowID),
			attribute.String(AttrSessionID, sessionID),
		))
}

// EndSpan records the outcome and closes the span. A non-empty code
// marks the span as an error.
func EndSpan(span trace.Span, code, message string) {
	if code != "" {
		span.SetAttributes(attribute.String(AttrErrorCode, code))
		span.SetStatus(codes.Error, message)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
