package telemetry_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"github.com/stretchr/testify/require"

	"github.com/coreagent/platform/agents/runtime/telemetry"
)

func TestTracerProviderExportsSpansThroughBatcher(t *testing.T) {
	ctx := context.Background()
	exporter := tracetest.NewInMemoryExporter()

	tp, err := telemetry.NewTracerProvider(ctx, "agent-runtime-test", exporter)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	tracer := telemetry.NewOtelTracer(tp.Tracer("test"))
	_, span := tracer.Start(ctx, "op")
	span.End()

	require.NoError(t, tp.ForceFlush(ctx))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "op", spans[0].Name)
}
