package otelhelper

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const ErrorKindKey = "microapps.error.kind"

// SetError marks span failed and tags it with the pipeline error kind
// (configuration, step_execution, quality_gate, cancellation, timeout).
func SetError(span trace.Span, err error, kind string, attrs ...attribute.KeyValue) {
	if err == nil {
		return
	}

	if kind != "" {
		span.SetAttributes(attribute.String(ErrorKindKey, kind))
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("error_occurred", trace.WithAttributes(attrs...))
}
