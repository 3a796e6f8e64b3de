package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates an internal span, for reconciler-side work that
// isn't directly serving an inbound request.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan creates a server span for an incoming façade request.
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan creates a client span for an outbound Runner
// Interaction call against a worker's admin endpoints.
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// SetSpanError marks the span as errored.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys used across reconciler and façade spans.
var (
	AttrPipelineID  = attribute.Key("flowctl.pipeline.id")
	AttrProgramID   = attribute.Key("flowctl.program.id")
	AttrTenantID    = attribute.Key("flowctl.tenant.id")
	AttrFromStatus  = attribute.Key("flowctl.transition.from")
	AttrToStatus    = attribute.Key("flowctl.transition.to")
	AttrRunnerOp    = attribute.Key("flowctl.runner.op")
	AttrErrorCode   = attribute.Key("flowctl.error_code")
	AttrTable       = attribute.Key("flowctl.table")
)
