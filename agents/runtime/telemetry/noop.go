package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
)

type (
	// NoopLogger discards every log line. It is the default when no Logger is
	// configured.
	NoopLogger struct{}

	// NoopMetrics discards every recorded measurement.
	NoopMetrics struct{}

	// NoopTracer never starts a real span; Start returns ctx unchanged and a
	// NoopSpan.
	NoopTracer struct{}

	// NoopSpan implements Span with no-op methods.
	NoopSpan struct{}
)

// NewNoopLogger returns a Logger that discards all output.
func NewNoopLogger() NoopLogger { return NoopLogger{} }

// NewNoopMetrics returns a Metrics that discards all measurements.
func NewNoopMetrics() NoopMetrics { return NoopMetrics{} }

// NewNoopTracer returns a Tracer that never records spans.
func NewNoopTracer() NoopTracer { return NoopTracer{} }

func (NoopLogger) Debug(context.Context, string, ...any) {}
func (NoopLogger) Info(context.Context, string, ...any)  {}
func (NoopLogger) Warn(context.Context, string, ...any)  {}
func (NoopLogger) Error(context.Context, string, ...any) {}

func (NoopMetrics) IncCounter(string, float64, ...string)        {}
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}
func (NoopMetrics) RecordGauge(string, float64, ...string)       {}

func (NoopTracer) Start(ctx context.Context, _ string, _ ...any) (context.Context, Span) {
	return ctx, NoopSpan{}
}

func (NoopTracer) Span(context.Context) Span { return NoopSpan{} }

func (NoopSpan) AddEvent(string, ...any)          {}
func (NoopSpan) SetStatus(codes.Code, string)     {}
func (NoopSpan) RecordError(error)                {}
func (NoopSpan) End()                             {}
