package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// MergeContext carries the active span from base into ctx. Workflow adapters
// use this so activity handlers inherit the caller's trace context even when
// the workflow engine hands them a fresh context. When base is nil, ctx is
// returned unchanged.
func MergeContext(ctx, base context.Context) context.Context {
	if base == nil {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if spanCtx := trace.SpanContextFromContext(base); spanCtx.IsValid() {
		ctx = trace.ContextWithSpanContext(ctx, spanCtx)
	}
	return ctx
}
