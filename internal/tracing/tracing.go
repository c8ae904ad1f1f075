// Package tracing wraps the small slice of the OpenTelemetry trace API the
// router and bpmn packages need to bracket a unit of work in a span. No
// exporter is configured here, that is an operator concern, so in the
// absence of one every span is a no-op, costing a handful of interface
// calls.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/brokerflow/eventcore"

// Attr is a deferred span-tagging function, letting callers pass key/value
// pairs without importing otel's attribute package themselves.
type Attr func(trace.Span)

// StringAttr tags the span with a string key/value pair once it starts.
func StringAttr(key, value string) Attr {
	return func(span trace.Span) { span.SetAttributes(attribute.String(key, value)) }
}

// StartSpan starts a span named name under ctx's current trace, returning
// the span-carrying context and the span itself so the caller can defer
// End and record an error.
func StartSpan(ctx context.Context, name string, attrs ...Attr) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	for _, a := range attrs {
		a(span)
	}
	return ctx, span
}

// End records err on span (if non-nil) and ends it, the idiomatic
// defer-one-liner every traced call site uses.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
