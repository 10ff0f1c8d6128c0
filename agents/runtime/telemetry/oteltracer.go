package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// OtelTracer adapts an OpenTelemetry trace.Tracer to the Tracer interface.
type OtelTracer struct {
	tracer oteltrace.Tracer
}

// NewOtelTracer wraps the given OpenTelemetry tracer.
func NewOtelTracer(t oteltrace.Tracer) *OtelTracer {
	return &OtelTracer{tracer: t}
}

func (o *OtelTracer) Start(ctx context.Context, name string, kv ...any) (context.Context, Span) {
	newCtx, span := o.tracer.Start(ctx, name)
	otelSpan := &otelSpan{span: span}
	if len(kv) > 0 {
		otelSpan.AddEvent("start", kv...)
	}
	return newCtx, otelSpan
}

func (o *OtelTracer) Span(ctx context.Context) Span {
	return &otelSpan{span: oteltrace.SpanFromContext(ctx)}
}

type otelSpan struct {
	span oteltrace.Span
}

func (s *otelSpan) AddEvent(name string, kv ...any) {
	s.span.AddEvent(name, oteltrace.WithAttributes(kvToAttributes(kv)...))
}

func (s *otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}

func (s *otelSpan) End() {
	s.span.End()
}

// kvToAttributes converts an alternating key/value slice into OpenTelemetry
// attributes, stringifying values it doesn't recognize directly.
func kvToAttributes(kv []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		switch v := kv[i+1].(type) {
		case string:
			attrs = append(attrs, attribute.String(key, v))
		case int:
			attrs = append(attrs, attribute.Int(key, v))
		case int64:
			attrs = append(attrs, attribute.Int64(key, v))
		case float64:
			attrs = append(attrs, attribute.Float64(key, v))
		case bool:
			attrs = append(attrs, attribute.Bool(key, v))
		default:
			attrs = append(attrs, attribute.String(key, fmt.Sprintf("%v", v)))
		}
	}
	return attrs
}
