package otelhelper

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SetError marks the span failed and attaches the error.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("error_occurred", trace.WithAttributes(
		attrs...,
	))
}

// SetGuardrailError marks the span failed with the guardrail code that blocked it.
func SetGuardrailError(span trace.Span, code string, err error) {
	SetError(span, err, attribute.String(GuardrailKey, code))
}

// SetTransition records a committed state change on the span.
func SetTransition(span trace.Span, from, to string) {
	span.SetAttributes(
		attribute.String(StateFromKey, from),
		attribute.String(StateToKey, to),
	)
	span.SetStatus(codes.Ok, "")
}
