package toolexec_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreagent/platform/agents/runtime/pool"
	"github.com/coreagent/platform/agents/runtime/toolexec"
)

func calcExecutor() *toolexec.Executor {
	reg := toolexec.NewRegistry(toolexec.Definition{Name: "calculator", Kind: toolexec.KindCalculator})
	return toolexec.NewExecutor(reg)
}

func TestDispatchCalculatorEvaluatesExpression(t *testing.T) {
	e := calcExecutor()
	res := e.Dispatch(context.Background(), "s1", toolexec.ToolCall{
		Name:       "calculator",
		Parameters: json.RawMessage(`{"expression":"2 + 3 * 4"}`),
		CallID:     "c1",
	}, toolexec.Allowlist{})
	require.True(t, res.OK)
	require.Equal(t, "c1", res.CallID)
	require.Equal(t, "14", res.Output)
}

func TestDispatchCalculatorRejectsMissingExpression(t *testing.T) {
	e := calcExecutor()
	res := e.Dispatch(context.Background(), "s1", toolexec.ToolCall{
		Name:       "calculator",
		Parameters: json.RawMessage(`{}`),
	}, toolexec.Allowlist{})
	require.False(t, res.OK)
	require.NotEmpty(t, res.Error)
}

func TestDispatchRejectsToolNotInAvailableList(t *testing.T) {
	e := calcExecutor()
	res := e.Dispatch(context.Background(), "s1", toolexec.ToolCall{
		Name:       "calculator",
		Parameters: json.RawMessage(`{"expression":"1"}`),
	}, toolexec.Allowlist{AvailableTools: []string{"other_tool"}})
	require.False(t, res.OK)
	require.Contains(t, res.Error, "permission denied")
}

func TestDispatchRequiresBothAllowlistsToAdmit(t *testing.T) {
	e := calcExecutor()
	allow := toolexec.Allowlist{
		AvailableTools: []string{"calculator"},
		AllowedTools:   []string{"other_tool"},
	}
	res := e.Dispatch(context.Background(), "s1", toolexec.ToolCall{
		Name:       "calculator",
		Parameters: json.RawMessage(`{"expression":"1"}`),
	}, allow)
	require.False(t, res.OK)
}

func TestDispatchUnknownToolFails(t *testing.T) {
	e := calcExecutor()
	res := e.Dispatch(context.Background(), "s1", toolexec.ToolCall{Name: "does_not_exist"}, toolexec.Allowlist{})
	require.False(t, res.OK)
	require.Contains(t, res.Error, "unknown tool")
}

func TestRunSequencePreservesSubmissionOrderAndAggregatesFailure(t *testing.T) {
	e := calcExecutor()
	calls := []toolexec.ToolCall{
		{Name: "calculator", Parameters: json.RawMessage(`{"expression":"1+1"}`), CallID: "a"},
		{Name: "calculator", Parameters: json.RawMessage(`{}`), CallID: "b"},
		{Name: "calculator", Parameters: json.RawMessage(`{"expression":"3*3"}`), CallID: "c"},
	}
	out := e.RunSequence(context.Background(), "s1", calls, toolexec.Allowlist{})
	require.False(t, out.OK)
	require.Len(t, out.Results, 3)
	require.Equal(t, "a", out.Results[0].CallID)
	require.Equal(t, "b", out.Results[1].CallID)
	require.Equal(t, "c", out.Results[2].CallID)
	require.True(t, out.Results[0].OK)
	require.False(t, out.Results[1].OK)
	require.True(t, out.Results[2].OK)
	require.Contains(t, out.Error, "calculator:")
}

func TestRunSequenceAllSucceedIsOK(t *testing.T) {
	e := calcExecutor()
	calls := []toolexec.ToolCall{
		{Name: "calculator", Parameters: json.RawMessage(`{"expression":"1+1"}`), CallID: "a"},
		{Name: "calculator", Parameters: json.RawMessage(`{"expression":"2+2"}`), CallID: "b"},
	}
	out := e.RunSequence(context.Background(), "s1", calls, toolexec.Allowlist{})
	require.True(t, out.OK)
	require.Empty(t, out.Error)
}

func TestDispatchWithResultCachePopulatesPoolOnSuccess(t *testing.T) {
	reg := toolexec.NewRegistry(toolexec.Definition{Name: "calculator", Kind: toolexec.KindCalculator})
	cache := pool.New(1 << 20)
	e := toolexec.NewExecutor(reg, toolexec.WithResultCache(cache))

	call := toolexec.ToolCall{Name: "calculator", Parameters: json.RawMessage(`{"expression":"5+5"}`)}
	first := e.Dispatch(context.Background(), "s1", call, toolexec.Allowlist{})
	require.True(t, first.OK)
	require.Equal(t, 1, cache.GetUsageStats(context.Background()).EntryCount)

	second := e.Dispatch(context.Background(), "s1", call, toolexec.Allowlist{})
	require.True(t, second.OK)
	require.Equal(t, first.Output, second.Output)
	require.Equal(t, 1, cache.GetUsageStats(context.Background()).EntryCount)
}

func TestSimpleTextExtractionRules(t *testing.T) {
	e := calcExecutor()
	res := e.Dispatch(context.Background(), "s1", toolexec.ToolCall{
		Name:       "calculator",
		Parameters: json.RawMessage(`{"expression":"10/4"}`),
	}, toolexec.Allowlist{})
	require.True(t, res.OK)
	require.Equal(t, "2.5", res.Output)
}
