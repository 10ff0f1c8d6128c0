// Package toolexec dispatches ToolCalls to one of three backends —
// calculator, sandboxed command, or WASM-backed — enforcing allowlists
// before argument parsing and running multi-tool sequences with bounded
// parallelism.
package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/semaphore"

	"github.com/coreagent/platform/agents/runtime/apperrors"
	"github.com/coreagent/platform/agents/runtime/command"
	"github.com/coreagent/platform/agents/runtime/pool"
	"github.com/coreagent/platform/agents/runtime/sandbox"
)

// resultCacheTTL bounds how long a cached tool result stays valid; short
// enough that a cached command/WASM result can't outlive the workspace
// state it was computed against by much.
const resultCacheTTL = 30 * time.Second

// Kind identifies which backend a tool definition dispatches to.
type Kind string

const (
	KindCalculator Kind = "calculator"
	KindCommand    Kind = "command"
	KindWASM       Kind = "wasm"
)

// ToolCall is one invocation request: a tool name, its JSON-object
// parameters, and an optional caller-supplied identifier echoed back in the
// result.
type ToolCall struct {
	Name       string
	Parameters json.RawMessage
	CallID     string
}

// ToolResult is the outcome of one ToolCall.
type ToolResult struct {
	CallID   string
	ToolName string
	OK       bool
	// Output is the simple-text extraction of Raw (see simpleText).
	Output string
	Raw    json.RawMessage
	Error  string
}

// Definition registers one dispatchable tool.
type Definition struct {
	Name   string
	Kind   Kind
	Schema *jsonschema.Schema

	// WASMModule is the compiled-or-raw module bytes for Kind == KindWASM.
	WASMModule []byte
	// WASMLimits overrides the sandbox's default limits for this tool.
	WASMLimits sandbox.Limits
}

// Registry is the set of tools an Executor may dispatch to.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry builds a Registry from defs, indexed by name.
func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		r.defs[d.Name] = d
	}
	return r
}

func (r *Registry) lookup(name string) (Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// clampParallelism enforces the [1,32] bound on TOOL_PARALLELISM-style
// configuration.
func clampParallelism(n int) int64 {
	if n < 1 {
		n = 1
	}
	if n > 32 {
		n = 32
	}
	return int64(n)
}

// Executor dispatches ToolCalls against a Registry.
type Executor struct {
	registry      *Registry
	sandbox       *sandbox.Sandbox
	workspaceRoot func(sessionID string) (string, error)
	parallelism   int64
	cache         *pool.Pool
}

// Option configures an Executor at construction time.
type Option func(*Executor)

// WithSandbox supplies the WASM sandbox used for Kind == KindWASM tools.
func WithSandbox(s *sandbox.Sandbox) Option { return func(e *Executor) { e.sandbox = s } }

// WithResultCache attaches a memory pool Dispatch uses to cache a tool
// call's raw output for resultCacheTTL, keyed on session, tool name, and
// parameters. A repeated identical call within that window skips
// re-execution; useful for idempotent command/calculator tools invoked
// more than once within a single workflow pattern (e.g. a research
// iteration re-reading a file it just wrote).
func WithResultCache(p *pool.Pool) Option { return func(e *Executor) { e.cache = p } }

// WithWorkspaceResolver supplies the function mapping a session id to its
// workspace root for Kind == KindCommand tools.
func WithWorkspaceResolver(f func(sessionID string) (string, error)) Option {
	return func(e *Executor) { e.workspaceRoot = f }
}

// WithParallelism sets the bounded-parallelism cap for RunSequence, clamped
// to [1,32].
func WithParallelism(n int) Option {
	return func(e *Executor) { e.parallelism = clampParallelism(n) }
}

// NewExecutor builds an Executor bound to registry.
func NewExecutor(registry *Registry, opts ...Option) *Executor {
	e := &Executor{registry: registry, parallelism: 1}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Allowlist carries the two independent allowlists a request may supply. A
// nil/empty list is treated as "no restriction" for that list only; both
// lists, when present, must admit the tool.
type Allowlist struct {
	AvailableTools []string
	AllowedTools   []string
}

func (a Allowlist) permits(tool string) bool {
	if len(a.AvailableTools) > 0 && !contains(a.AvailableTools, tool) {
		return false
	}
	if len(a.AllowedTools) > 0 && !contains(a.AllowedTools, tool) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Dispatch runs one ToolCall. Allowlist enforcement happens before any
// argument parsing.
func (e *Executor) Dispatch(ctx context.Context, sessionID string, call ToolCall, allow Allowlist) ToolResult {
	res := ToolResult{CallID: call.CallID, ToolName: call.Name}

	if !allow.permits(call.Name) {
		res.Error = "permission denied: tool not in allowlist"
		return res
	}

	def, ok := e.registry.lookup(call.Name)
	if !ok {
		res.Error = fmt.Sprintf("unknown tool: %s", call.Name)
		return res
	}

	if def.Schema != nil {
		var v any
		if err := json.Unmarshal(call.Parameters, &v); err != nil {
			res.Error = "invalid parameters: " + err.Error()
			return res
		}
		if err := def.Schema.Validate(v); err != nil {
			res.Error = "parameters failed schema validation: " + err.Error()
			return res
		}
	}

	cacheKey := sessionID + "|" + call.Name + "|" + string(call.Parameters)
	if e.cache != nil {
		if cached, ok := e.cache.Retrieve(ctx, cacheKey); ok {
			res.OK = true
			res.Raw = json.RawMessage(cached)
			res.Output = simpleText(res.Raw)
			return res
		}
	}

	raw, err := e.run(ctx, sessionID, def, call)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	res.Raw = raw
	res.Output = simpleText(raw)

	if e.cache != nil {
		_ = e.cache.Allocate(ctx, cacheKey, []byte(raw), resultCacheTTL)
	}
	return res
}

func (e *Executor) run(ctx context.Context, sessionID string, def Definition, call ToolCall) (json.RawMessage, error) {
	switch def.Kind {
	case KindCalculator:
		return runCalculator(call.Parameters)
	case KindCommand:
		return e.runCommand(sessionID, call.Parameters)
	case KindWASM:
		return e.runWASM(ctx, def, call.Parameters)
	default:
		return nil, apperrors.Internal("unrecognized tool kind: "+string(def.Kind), nil)
	}
}

type calculatorParams struct {
	Expression string `json:"expression"`
}

func runCalculator(params json.RawMessage) (json.RawMessage, error) {
	var p calculatorParams
	if err := json.Unmarshal(params, &p); err != nil || strings.TrimSpace(p.Expression) == "" {
		return nil, apperrors.Validation("calculator requires a non-empty expression parameter", err)
	}
	value, err := evalExpression(p.Expression)
	if err != nil {
		return nil, apperrors.Validation("calculator could not evaluate expression", err)
	}
	return json.Marshal(map[string]float64{"result": value})
}

type commandParams struct {
	Line string `json:"line"`
}

func (e *Executor) runCommand(sessionID string, params json.RawMessage) (json.RawMessage, error) {
	if e.workspaceRoot == nil {
		return nil, apperrors.Internal("sandboxed-command tool has no workspace resolver configured", nil)
	}
	var p commandParams
	if err := json.Unmarshal(params, &p); err != nil || strings.TrimSpace(p.Line) == "" {
		return nil, apperrors.Validation("command tool requires a non-empty line parameter", err)
	}
	root, err := e.workspaceRoot(sessionID)
	if err != nil {
		return nil, err
	}
	cmd, err := command.Parse(p.Line)
	if err != nil {
		return nil, err
	}
	result, err := command.Execute(root, cmd)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"result":    result.Stdout,
		"exit_code": result.ExitCode,
	})
}

type wasmParams struct {
	Argv  []string          `json:"argv"`
	Stdin string            `json:"stdin"`
	Env   map[string]string `json:"env"`
}

func (e *Executor) runWASM(ctx context.Context, def Definition, params json.RawMessage) (json.RawMessage, error) {
	if e.sandbox == nil {
		return nil, apperrors.Internal("WASM tool has no sandbox configured", nil)
	}
	var p wasmParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, apperrors.Validation("invalid WASM tool parameters", err)
		}
	}
	outcome, err := e.sandbox.Run(ctx, sandbox.Request{
		ToolName: def.Name,
		Module:   def.WASMModule,
		Argv:     p.Argv,
		Env:      p.Env,
		Stdin:    []byte(p.Stdin),
		Limits:   def.WASMLimits,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"result":    outcome.Stdout,
		"stderr":    outcome.Stderr,
		"exit_code": outcome.ExitCode,
	})
}

// simpleText converts a tool's JSON output to a user-facing string: a
// primitive stringifies directly, an object with a "result" field recurses
// into it, anything else renders as compact JSON.
func simpleText(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return simpleTextValue(v)
}

func simpleTextValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return "null"
	case map[string]any:
		if inner, ok := t["result"]; ok {
			return simpleTextValue(inner)
		}
		return compactJSON(t)
	default:
		return compactJSON(v)
	}
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// SequenceOutcome is the aggregate result of a multi-tool sequence.
type SequenceOutcome struct {
	Results []ToolResult
	OK      bool
	Error   string
}

// RunSequence dispatches calls either sequentially (parallelism == 1) or
// with bounded parallelism up to e.parallelism, collecting results in
// submission order regardless of completion order.
func (e *Executor) RunSequence(ctx context.Context, sessionID string, calls []ToolCall, allow Allowlist) SequenceOutcome {
	results := make([]ToolResult, len(calls))
	limit := e.parallelism
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)

	done := make(chan int, len(calls))
	for i, call := range calls {
		i, call := i, call
		_ = sem.Acquire(ctx, 1)
		go func() {
			defer sem.Release(1)
			results[i] = e.Dispatch(ctx, sessionID, call, allow)
			done <- i
		}()
	}
	for range calls {
		<-done
	}

	var failures []string
	for _, r := range results {
		if !r.OK {
			failures = append(failures, fmt.Sprintf("%s: %s", r.ToolName, r.Error))
		}
	}
	out := SequenceOutcome{Results: results, OK: len(failures) == 0}
	if !out.OK {
		out.Error = strings.Join(failures, "; ")
	}
	return out
}
