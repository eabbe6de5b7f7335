package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	remoteTracerName = "fwagent-remote"
	linkTracerName   = "fwagent-link"
)

// TraceUpdate creates a span for one reconciliation pass.
func TraceUpdate(ctx context.Context, framework, sessionID string, desired int) (context.Context, trace.Span) {
	ctx, span := Tracer(remoteTracerName).Start(ctx, "remote.update",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("framework", framework),
		attribute.String("session_id", sessionID),
		attribute.Int("desired", desired),
	)
	return ctx, span
}

// TraceUpdateResult records the diff sizes and outcome on an update span.
func TraceUpdateResult(span trace.Span, toDelete, toInstall, changed int, report string) {
	span.SetAttributes(
		attribute.Int("to_delete", toDelete),
		attribute.Int("to_install", toInstall),
		attribute.Int("changed", changed),
		attribute.Bool("has_errors", report != ""),
	)
	if report != "" {
		span.SetStatus(codes.Error, report)
	}
}

// TraceCreateFramework creates a span for framework creation.
func TraceCreateFramework(ctx context.Context, name, factory string) (context.Context, trace.Span) {
	ctx, span := Tracer(remoteTracerName).Start(ctx, "dispatcher.create_framework",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("framework", name),
		attribute.String("factory", factory),
	)
	return ctx, span
}

// TraceCall creates a client span for an outgoing link call.
func TraceCall(ctx context.Context, method string, id int64) (context.Context, trace.Span) {
	ctx, span := Tracer(linkTracerName).Start(ctx, "link.call "+method,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("rpc.method", method),
		attribute.Int64("rpc.id", id),
	)
	return ctx, span
}

// TraceServe creates a server span for an incoming link request.
func TraceServe(ctx context.Context, method string) (context.Context, trace.Span) {
	return Tracer(linkTracerName).Start(ctx, "link.serve "+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("rpc.method", method)),
	)
}

// RecordError marks the span failed when err is non-nil.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
