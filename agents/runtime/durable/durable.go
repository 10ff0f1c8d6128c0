// Package durable implements the in-process durable workflow engine: a
// coordinator that drives one of a fixed set of workflow patterns while
// persisting every step to an event log and a workflow-metadata store, and
// broadcasting the same steps to live stream subscribers. It composes
// eventlog.Store, workflowstore.Store, and eventbus.Bus rather than wrapping
// a third-party orchestrator — that role belongs to temporaladapter.
package durable

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coreagent/platform/agents/runtime/apperrors"
	"github.com/coreagent/platform/agents/runtime/eventbus"
	"github.com/coreagent/platform/agents/runtime/eventlog"
	"github.com/coreagent/platform/agents/runtime/llm"
	"github.com/coreagent/platform/agents/runtime/telemetry"
	"github.com/coreagent/platform/agents/runtime/toolexec"
	"github.com/coreagent/platform/agents/runtime/workflowstore"
)

// Pattern names one of the four workflow shapes the engine can drive.
type Pattern string

const (
	PatternDirectTool   Pattern = "direct_tool"
	PatternToolSequence Pattern = "tool_sequence"
	PatternLLM          Pattern = "llm"
	PatternResearch     Pattern = "research"
)

// MaxConcurrentWorkflows bounds how many workflows this engine instance
// drives at once; SubmitTask beyond the cap is rejected as resource
// exhaustion rather than queued.
const MaxConcurrentWorkflows = 10

// Event type tags persisted to the event log and broadcast on the bus.
// Mirrors the fixed event taxonomy: activity lifecycle, LLM turns, tool
// calls, workflow lifecycle, progress, and checkpoints.
const (
	EventActivityScheduled    = "activity.scheduled"
	EventActivityStarted      = "activity.started"
	EventActivityCompleted    = "activity.completed"
	EventActivityFailed       = "activity.failed"
	EventLLMRequest           = "llm.request"
	EventLLMPartial           = "llm.partial"
	EventLLMResponse          = "llm.response"
	EventToolStarted          = "tool.started"
	EventToolCompleted        = "tool.completed"
	EventWorkflowStarted      = "workflow.started"
	EventWorkflowPausing      = "workflow.pausing"
	EventWorkflowPaused       = "workflow.paused"
	EventWorkflowResuming     = "workflow.resuming"
	EventWorkflowResumed      = "workflow.resumed"
	EventWorkflowCancelling   = "workflow.cancelling"
	EventWorkflowCancelled    = "workflow.cancelled"
	EventWorkflowCompleted    = "workflow.completed"
	EventWorkflowFailed       = "workflow.failed"
	EventWorkflowStatusChanged = "workflow.status_changed"
	EventProgress             = "progress"
)

// Envelope is the broadcast/persisted shape of every event: a workflow id,
// the type tag, and an arbitrary JSON-encodable payload. Ephemeral events
// (LLMPartial) are broadcast only and never appended to the log.
type Envelope struct {
	WorkflowID string    `json:"workflow_id"`
	Type       string    `json:"type"`
	Payload    any       `json:"payload"`
	Sequence   int64     `json:"sequence,omitempty"`
	Time       time.Time `json:"time"`
}

func isEphemeral(eventType string) bool {
	return eventType == EventLLMPartial
}

// Task is the immutable submission that starts a workflow.
type Task struct {
	ID       string
	User     string
	Session  string
	Tenant   string
	Query    string
	Pattern  Pattern
	Context  map[string]any
	Caps     TaskCaps
	Labels   map[string]string
	Approval bool
	Priority int
}

// TaskCaps carries the optional resource caps a task may set.
type TaskCaps struct {
	MaxAgents     int
	TokenBudget   int
	RequireApproval bool
}

// State is the TaskHandle/workflow lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s admits no further transition.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// TaskHandle is a point-in-time snapshot of a running or finished task.
type TaskHandle struct {
	TaskID     string
	WorkflowID string
	State      State
	Progress   int
	Status     string
}

// TaskResult adds the terminal payload to a TaskHandle.
type TaskResult struct {
	TaskHandle
	Content    string
	Data       json.RawMessage
	Err        string
	TokenUsage TokenUsage
	Duration   time.Duration
	Sources    []string
}

// TokenUsage records the token accounting for a completed task.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// RunContext is handed to a PatternFunc. It bundles the append/broadcast
// helpers a pattern needs without exposing the engine's internals.
type RunContext struct {
	Context    context.Context
	WorkflowID string
	Task       Task
	engine     *Engine
}

// Emit appends evt to the event log (unless ephemeral) and broadcasts it to
// live subscribers, stamping workflow id, time, and — for persisted events
// — the assigned sequence number.
func (rc *RunContext) Emit(eventType string, payload any) error {
	return rc.engine.emit(rc.Context, rc.WorkflowID, eventType, payload)
}

// Progress emits a Progress event carrying pct (0-100) and a status message.
func (rc *RunContext) Progress(pct int, message string) error {
	return rc.Emit(EventProgress, map[string]any{"percent": pct, "message": message})
}

// Cancelled reports whether the workflow has been asked to cancel. Patterns
// should poll this between steps and stop promptly when true.
func (rc *RunContext) Cancelled() bool {
	return rc.engine.isCancelled(rc.WorkflowID)
}

// PatternFunc drives one workflow pattern to completion. It returns the
// result payload on success; any error is recorded as the workflow's
// terminal failure.
type PatternFunc func(rc *RunContext) (TaskResult, error)

// Engine coordinates workflow patterns over an event log, a workflow-
// metadata store, and a broadcast bus.
type Engine struct {
	Log     eventlog.Store
	Store   workflowstore.Store
	Bus     *eventbus.Bus
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tools   *toolexec.Executor
	LLM     llm.Client

	patterns map[Pattern]PatternFunc

	mu        sync.Mutex
	running   int
	cancelled map[string]bool
	inflight  map[string]context.CancelFunc
}

// Options configures a new Engine.
type Options struct {
	Log     eventlog.Store
	Store   workflowstore.Store
	Bus     *eventbus.Bus
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tools   *toolexec.Executor
	LLM     llm.Client
}

// New builds an Engine with the four built-in patterns registered.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.New()
	}
	e := &Engine{
		Log:       opts.Log,
		Store:     opts.Store,
		Bus:       bus,
		Logger:    logger,
		Metrics:   metrics,
		Tools:     opts.Tools,
		LLM:       opts.LLM,
		patterns:  make(map[Pattern]PatternFunc),
		cancelled: make(map[string]bool),
		inflight:  make(map[string]context.CancelFunc),
	}
	e.RegisterPattern(PatternDirectTool, e.runDirectTool)
	e.RegisterPattern(PatternToolSequence, e.runToolSequence)
	e.RegisterPattern(PatternLLM, e.runLLM)
	e.RegisterPattern(PatternResearch, e.runResearch)
	return e
}

// RegisterPattern binds a pattern name to its driver function, overriding
// any built-in of the same name. Exposed so callers can wire a real LLM
// client or tool executor into the default patterns, or add custom ones.
func (e *Engine) RegisterPattern(p Pattern, fn PatternFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.patterns[p] = fn
}

func newWorkflowID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// SubmitTask creates workflow metadata, emits WorkflowStarted, and spawns
// the pattern driver in its own goroutine. Returns a handle immediately;
// the caller streams progress via StreamEvents or polls GetWorkflow.
func (e *Engine) SubmitTask(ctx context.Context, task Task) (TaskHandle, error) {
	e.mu.Lock()
	if e.running >= MaxConcurrentWorkflows {
		e.mu.Unlock()
		return TaskHandle{}, apperrors.Resource("too many concurrent workflows", nil)
	}
	fn, ok := e.patterns[task.Pattern]
	if !ok {
		e.mu.Unlock()
		return TaskHandle{}, apperrors.Validation(fmt.Sprintf("unknown workflow pattern: %s", task.Pattern), nil)
	}
	e.running++
	e.mu.Unlock()

	workflowID := task.ID
	if workflowID == "" {
		workflowID = newWorkflowID()
	}

	input, err := json.Marshal(task)
	if err != nil {
		e.releaseSlot()
		return TaskHandle{}, apperrors.Internal("failed to serialize task", err)
	}

	if err := e.Store.CreateWorkflow(ctx, workflowstore.Workflow{
		ID:      workflowID,
		User:    task.User,
		Session: task.Session,
		Pattern: string(task.Pattern),
		Status:  workflowstore.StatusPending,
		Input:   input,
	}); err != nil {
		e.releaseSlot()
		return TaskHandle{}, apperrors.Internal("failed to create workflow record", err)
	}

	if err := e.emit(ctx, workflowID, EventWorkflowStarted, map[string]any{"task_id": task.ID, "pattern": task.Pattern}); err != nil {
		e.releaseSlot()
		return TaskHandle{}, err
	}
	if err := e.transitionStatus(ctx, workflowID, workflowstore.StatusRunning); err != nil {
		e.releaseSlot()
		return TaskHandle{}, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.inflight[workflowID] = cancel
	e.mu.Unlock()

	go e.drive(runCtx, fn, workflowID, task)

	return TaskHandle{TaskID: task.ID, WorkflowID: workflowID, State: StateRunning, Progress: 0}, nil
}

func (e *Engine) releaseSlot() {
	e.mu.Lock()
	e.running--
	e.mu.Unlock()
}

func (e *Engine) drive(ctx context.Context, fn PatternFunc, workflowID string, task Task) {
	defer e.releaseSlot()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, workflowID)
		delete(e.cancelled, workflowID)
		e.mu.Unlock()
	}()

	rc := &RunContext{Context: ctx, WorkflowID: workflowID, Task: task, engine: e}
	start := time.Now()

	result, err := e.withRetry(ctx, workflowID, e.breakerFor(task.Pattern), func() (TaskResult, error) {
		return fn(rc)
	})
	result.Duration = time.Since(start)
	result.WorkflowID = workflowID
	result.TaskID = task.ID

	if e.isCancelled(workflowID) {
		_ = e.emit(context.Background(), workflowID, EventWorkflowCancelled, map[string]any{})
		_ = e.transitionStatus(context.Background(), workflowID, workflowstore.StatusCancelled)
		if e.Bus != nil {
			e.Bus.Cleanup(workflowID)
		}
		return
	}

	if err != nil {
		result.State = StateFailed
		result.Err = err.Error()
		_ = e.Store.UpdateError(context.Background(), workflowID, err.Error())
		_ = e.emit(context.Background(), workflowID, EventWorkflowFailed, map[string]any{"error": err.Error()})
		_ = e.transitionStatus(context.Background(), workflowID, workflowstore.StatusFailed)
		return
	}

	result.State = StateCompleted
	out, _ := json.Marshal(result)
	_ = e.Store.UpdateOutput(context.Background(), workflowID, out)
	_ = e.emit(context.Background(), workflowID, EventWorkflowCompleted, map[string]any{"result": result})
	_ = e.transitionStatus(context.Background(), workflowID, workflowstore.StatusCompleted)
}

func (e *Engine) transitionStatus(ctx context.Context, workflowID string, status workflowstore.Status) error {
	if err := e.Store.UpdateStatus(ctx, workflowID, status); err != nil {
		return apperrors.Internal("failed to update workflow status", err)
	}
	return e.emit(ctx, workflowID, EventWorkflowStatusChanged, map[string]any{"status": status})
}

func (e *Engine) emit(ctx context.Context, workflowID, eventType string, payload any) error {
	envelope := Envelope{WorkflowID: workflowID, Type: eventType, Payload: payload, Time: time.Now()}
	if !isEphemeral(eventType) {
		raw, err := json.Marshal(envelope)
		if err != nil {
			return apperrors.Internal("failed to serialize event", err)
		}
		seq, err := e.Log.Append(ctx, workflowID, eventType, raw)
		if err != nil {
			return apperrors.Internal("failed to append event", err)
		}
		envelope.Sequence = seq
	}
	if e.Bus != nil {
		e.Bus.Broadcast(workflowID, envelope)
	}
	return nil
}

func (e *Engine) isCancelled(workflowID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[workflowID]
}

// StreamEvents returns a live subscription for workflowID's event stream.
// Callers must Close it when done.
func (e *Engine) StreamEvents(workflowID string) *eventbus.Subscription {
	return e.Bus.Subscribe(workflowID)
}

// GetWorkflow returns the current metadata row for workflowID.
func (e *Engine) GetWorkflow(ctx context.Context, workflowID string) (workflowstore.Workflow, bool, error) {
	return e.Store.GetWorkflow(ctx, workflowID)
}

// ListWorkflows returns up to limit workflows, optionally filtered by
// session.
func (e *Engine) ListWorkflows(ctx context.Context, sessionFilter string, limit int) ([]workflowstore.Workflow, error) {
	return e.Store.ListWorkflows(ctx, sessionFilter, limit)
}

// ExportedWorkflowVersion tags the schema of ExportedWorkflow's JSON
// encoding. Bump it, and teach ReplayFromJSON to branch on it, if the
// schema ever changes in a way that isn't purely additive.
const ExportedWorkflowVersion = "1.0"

// ExportedWorkflow is the JSON document ExportWorkflow produces: metadata,
// the latest checkpoint (if any), and the full event history, stamped with
// the time it was produced and the schema version. ReplayFromJSON is its
// counterpart: replay_from_json(export_workflow_json(W)) is total on any
// ExportedWorkflow this type can marshal, and deterministic across repeats.
type ExportedWorkflow struct {
	Workflow   workflowstore.Workflow  `json:"workflow"`
	Events     []eventlog.Event        `json:"events"`
	Checkpoint *workflowstore.Checkpoint `json:"checkpoint,omitempty"`
	ExportedAt time.Time               `json:"exported_at"`
	Version    string                  `json:"version"`
}

// ExportWorkflow assembles a full exportable snapshot of workflowID.
func (e *Engine) ExportWorkflow(ctx context.Context, workflowID string) (ExportedWorkflow, error) {
	wf, ok, err := e.Store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return ExportedWorkflow{}, apperrors.Internal("failed to load workflow", err)
	}
	if !ok {
		return ExportedWorkflow{}, apperrors.Validation("unknown workflow id", nil)
	}
	events, err := e.Log.Replay(ctx, workflowID)
	if err != nil {
		return ExportedWorkflow{}, apperrors.Internal("failed to replay event log", err)
	}
	out := ExportedWorkflow{
		Workflow:   wf,
		Events:     events,
		ExportedAt: time.Now().UTC(),
		Version:    ExportedWorkflowVersion,
	}
	if cp, ok, err := e.Store.LoadCheckpoint(ctx, workflowID); err == nil && ok {
		out.Checkpoint = &cp
	}
	return out, nil
}

// ExportWorkflowJSON marshals ExportWorkflow's result to the stable exported
// document schema; ReplayFromJSON is its counterpart.
func (e *Engine) ExportWorkflowJSON(ctx context.Context, workflowID string) ([]byte, error) {
	exported, err := e.ExportWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(exported)
	if err != nil {
		return nil, apperrors.Internal("failed to marshal exported workflow", err)
	}
	return data, nil
}

// PauseWorkflow transitions workflowID to Paused, emitting the pausing/
// paused event pair around the status update.
func (e *Engine) PauseWorkflow(ctx context.Context, workflowID string) error {
	if err := e.emit(ctx, workflowID, EventWorkflowPausing, map[string]any{}); err != nil {
		return err
	}
	if err := e.transitionStatus(ctx, workflowID, workflowstore.StatusPaused); err != nil {
		return err
	}
	return e.emit(ctx, workflowID, EventWorkflowPaused, map[string]any{})
}

// ResumeWorkflow transitions workflowID back to Running, emitting the
// resuming/resumed event pair around the status update.
func (e *Engine) ResumeWorkflow(ctx context.Context, workflowID string) error {
	if err := e.emit(ctx, workflowID, EventWorkflowResuming, map[string]any{}); err != nil {
		return err
	}
	if err := e.transitionStatus(ctx, workflowID, workflowstore.StatusRunning); err != nil {
		return err
	}
	return e.emit(ctx, workflowID, EventWorkflowResumed, map[string]any{})
}

// CancelWorkflow marks workflowID cancelled: it stops the driving pattern
// at its next cooperative check point. The pattern's own drive loop emits
// the terminal EventWorkflowCancelled and cleans up the bus channel set
// once it observes the cancellation, so subscribers still see the final
// event before the stream closes.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID string) error {
	if err := e.emit(ctx, workflowID, EventWorkflowCancelling, map[string]any{}); err != nil {
		return err
	}
	e.mu.Lock()
	e.cancelled[workflowID] = true
	cancel, ok := e.inflight[workflowID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}
