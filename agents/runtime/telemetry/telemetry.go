// Package telemetry defines the logging, metrics, and tracing contracts used
// throughout the runtime. Every subsystem accepts a Logger, Metrics, and
// Tracer rather than reaching for package-level globals, so callers can wire
// a no-op implementation (tests, CLIs) or a production backend (zap,
// Prometheus, OpenTelemetry) without touching subsystem code.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
)

type (
	// Logger emits structured, leveled log lines. Key/value pairs are passed
	// as an alternating slice (key1, value1, key2, value2, ...), matching the
	// calling convention used across the runtime.
	Logger interface {
		Debug(ctx context.Context, msg string, kv ...any)
		Info(ctx context.Context, msg string, kv ...any)
		Warn(ctx context.Context, msg string, kv ...any)
		Error(ctx context.Context, msg string, kv ...any)
	}

	// Metrics records counters, timers, and gauges. Implementations decide how
	// to turn the variadic kv tag pairs into backend-specific labels.
	Metrics interface {
		IncCounter(name string, value float64, kv ...string)
		RecordTimer(name string, d time.Duration, kv ...string)
		RecordGauge(name string, value float64, kv ...string)
	}

	// Tracer starts spans around units of work. Start begins a new span as a
	// child of any span already present in ctx; Span retrieves the span
	// already active on ctx (or a no-op span if none is active).
	Tracer interface {
		Start(ctx context.Context, name string, kv ...any) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is a single unit of traced work.
	Span interface {
		AddEvent(name string, kv ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error)
		End()
	}

	// ToolTelemetry carries structured observability metadata collected while
	// executing a tool call: token usage (for LLM-backed tools), the model
	// used, and the number of retry attempts consumed.
	ToolTelemetry struct {
		// Model identifies the backing model or implementation used to serve
		// the tool call, if applicable (empty for non-LLM tools).
		Model string
		// PromptTokens is the number of input tokens consumed, if applicable.
		PromptTokens int
		// CompletionTokens is the number of output tokens produced, if applicable.
		CompletionTokens int
		// Retries counts how many times the call was retried before returning.
		Retries int
	}
)
