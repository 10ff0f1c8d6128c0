package durable

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coreagent/platform/agents/runtime/apperrors"
	"github.com/coreagent/platform/agents/runtime/llm"
	"github.com/coreagent/platform/agents/runtime/toolexec"
)

// DefaultResearchMaxIterations is the research pattern's default iteration
// budget when the task does not set one.
const DefaultResearchMaxIterations = 5

// ResearchMaxIterationsCeiling is the hard ceiling on the research
// pattern's iteration budget regardless of what the task requests.
const ResearchMaxIterationsCeiling = 20

func taskToolCall(task Task) (toolexec.ToolCall, bool) {
	raw, ok := task.Context["tool_call"]
	if !ok {
		return toolexec.ToolCall{}, false
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return toolexec.ToolCall{}, false
	}
	name, _ := m["name"].(string)
	params, _ := json.Marshal(m["parameters"])
	return toolexec.ToolCall{Name: name, Parameters: params, CallID: task.ID}, name != ""
}

func taskToolCalls(task Task) []toolexec.ToolCall {
	raw, ok := task.Context["tool_calls"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	calls := make([]toolexec.ToolCall, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			continue
		}
		params, _ := json.Marshal(m["parameters"])
		calls = append(calls, toolexec.ToolCall{Name: name, Parameters: params, CallID: fmt.Sprintf("%s-%d", name, i)})
	}
	return calls
}

func taskAllowlist(task Task) toolexec.Allowlist {
	toStrings := func(key string) []string {
		raw, ok := task.Context[key]
		if !ok {
			return nil
		}
		list, ok := raw.([]any)
		if !ok {
			return nil
		}
		out := make([]string, 0, len(list))
		for _, v := range list {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return toolexec.Allowlist{
		AvailableTools: toStrings("available_tools"),
		AllowedTools:   toStrings("allowed_tools"),
	}
}

// runDirectTool dispatches a single tool call and returns its output as the
// workflow result. Grounded on the single-activity-no-fan-out shape of the
// simplest runtime path: one scheduled activity, one completion event.
func (e *Engine) runDirectTool(rc *RunContext) (TaskResult, error) {
	call, ok := taskToolCall(rc.Task)
	if !ok {
		return TaskResult{}, apperrors.Validation("direct_tool task requires a tool_call in its context", nil)
	}
	if e.Tools == nil {
		return TaskResult{}, apperrors.Internal("no tool executor configured", nil)
	}

	_ = rc.Emit(EventToolStarted, map[string]any{"tool": call.Name})
	result := e.Tools.Dispatch(rc.Context, rc.Task.Session, call, taskAllowlist(rc.Task))
	_ = rc.Emit(EventToolCompleted, map[string]any{"tool": call.Name, "ok": result.OK})

	if !result.OK {
		return TaskResult{}, apperrors.Internal("tool call failed: "+result.Error, nil)
	}
	return TaskResult{Content: result.Output, Data: result.Raw}, nil
}

// runToolSequence dispatches every tool call in the task's tool_calls list
// with the executor's configured bounded parallelism and folds the results
// into one combined result.
func (e *Engine) runToolSequence(rc *RunContext) (TaskResult, error) {
	calls := taskToolCalls(rc.Task)
	if len(calls) == 0 {
		return TaskResult{}, apperrors.Validation("tool_sequence task requires a non-empty tool_calls list", nil)
	}
	if e.Tools == nil {
		return TaskResult{}, apperrors.Internal("no tool executor configured", nil)
	}

	_ = rc.Emit(EventToolStarted, map[string]any{"count": len(calls)})
	outcome := e.Tools.RunSequence(rc.Context, rc.Task.Session, calls, taskAllowlist(rc.Task))
	_ = rc.Emit(EventToolCompleted, map[string]any{"ok": outcome.OK})

	if !outcome.OK {
		return TaskResult{}, apperrors.Internal("tool sequence failed: "+outcome.Error, nil)
	}

	var parts []string
	for _, r := range outcome.Results {
		parts = append(parts, r.Output)
	}
	data, _ := json.Marshal(outcome.Results)
	return TaskResult{Content: strings.Join(parts, "\n"), Data: data}, nil
}

// runLLM drives one model turn from the task's query, with no tool
// involvement.
func (e *Engine) runLLM(rc *RunContext) (TaskResult, error) {
	if e.LLM == nil {
		return TaskResult{}, apperrors.Internal("no model client configured", nil)
	}

	_ = rc.Emit(EventLLMRequest, map[string]any{"query": rc.Task.Query})
	resp, err := e.LLM.Complete(rc.Context, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: rc.Task.Query},
		},
		MaxTokens: rc.Task.Caps.TokenBudget,
	})
	if err != nil {
		_ = rc.Emit(EventActivityFailed, map[string]any{"error": err.Error()})
		return TaskResult{}, apperrors.Availability("model call failed", err)
	}
	_ = rc.Emit(EventLLMResponse, map[string]any{"content": resp.Content})

	return TaskResult{
		Content: resp.Content,
		TokenUsage: TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// researchIteration is the fold state carried across rounds of the deep
// research pattern: the running synthesis plus every source touched so far.
type researchIteration struct {
	Synthesis string
	Sources   []string
}

// runResearch drives the iterative sub-query -> fan-out tool calls -> fold
// loop: each round asks the model for sub-queries against the running
// synthesis, dispatches them as tool calls, and folds the results back into
// the synthesis. It stops after max_iterations rounds (default
// DefaultResearchMaxIterations, hard ceiling ResearchMaxIterationsCeiling)
// or as soon as a round contributes no new information ("a dry round").
func (e *Engine) runResearch(rc *RunContext) (TaskResult, error) {
	if e.LLM == nil {
		return TaskResult{}, apperrors.Internal("no model client configured", nil)
	}

	maxIterations := DefaultResearchMaxIterations
	if v, ok := rc.Task.Context["max_iterations"]; ok {
		if n, ok := v.(float64); ok && n > 0 {
			maxIterations = int(n)
		}
	}
	if maxIterations > ResearchMaxIterationsCeiling {
		maxIterations = ResearchMaxIterationsCeiling
	}

	state := researchIteration{}
	seen := make(map[string]bool)

	for iteration := 0; iteration < maxIterations; iteration++ {
		if rc.Cancelled() {
			return TaskResult{}, apperrors.Availability("workflow cancelled during research", nil)
		}

		_ = rc.Progress(iteration*100/maxIterations, fmt.Sprintf("research round %d/%d", iteration+1, maxIterations))

		subQuery, err := e.nextResearchSubQuery(rc, state)
		if err != nil {
			return TaskResult{}, err
		}
		if subQuery == "" {
			break
		}

		fresh := !seen[subQuery]
		seen[subQuery] = true

		if e.Tools != nil {
			call := toolexec.ToolCall{Name: "search", CallID: fmt.Sprintf("research-%d", iteration), Parameters: mustJSON(map[string]string{"expression": subQuery})}
			_ = rc.Emit(EventToolStarted, map[string]any{"sub_query": subQuery})
			result := e.Tools.Dispatch(rc.Context, rc.Task.Session, call, taskAllowlist(rc.Task))
			_ = rc.Emit(EventToolCompleted, map[string]any{"sub_query": subQuery, "ok": result.OK})
			if result.OK && result.Output != "" {
				state.Synthesis = foldSynthesis(state.Synthesis, result.Output)
				state.Sources = append(state.Sources, subQuery)
				fresh = true
			}
		}

		if !fresh {
			break
		}
	}

	return TaskResult{
		Content: state.Synthesis,
		Sources: state.Sources,
	}, nil
}

// nextResearchSubQuery asks the model for the next sub-query to investigate
// given the running synthesis, or "" to signal the research is complete.
func (e *Engine) nextResearchSubQuery(rc *RunContext, state researchIteration) (string, error) {
	prompt := rc.Task.Query
	if state.Synthesis != "" {
		prompt = fmt.Sprintf("original question: %s\ncurrent findings: %s\nwhat should be investigated next? reply with a short search query, or DONE if nothing more is needed.", rc.Task.Query, state.Synthesis)
	}
	_ = rc.Emit(EventLLMRequest, map[string]any{"prompt": prompt})
	resp, err := e.LLM.Complete(rc.Context, llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", apperrors.Availability("model call failed during research sub-query generation", err)
	}
	_ = rc.Emit(EventLLMResponse, map[string]any{"content": resp.Content})

	q := strings.TrimSpace(resp.Content)
	if q == "" || strings.EqualFold(q, "done") {
		return "", nil
	}
	return q, nil
}

func foldSynthesis(existing, addition string) string {
	if existing == "" {
		return addition
	}
	return existing + "\n" + addition
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
