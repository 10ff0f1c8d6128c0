// Package agentservice is the Agent Service: the control-flow hub that
// receives a Task, resolves the Request Enforcer key, and routes the task
// to direct-tool execution, a tool sequence, or the durable/Temporal
// workflow engine depending on the task's strategy. Adapted from the
// teacher's registration-map-plus-mutex Runtime shape, replacing its
// codegen'd agent/toolset registration vocabulary with Task/TaskHandle/
// TaskResult.
package agentservice

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreagent/platform/agents/runtime/apperrors"
	"github.com/coreagent/platform/agents/runtime/durable"
	"github.com/coreagent/platform/agents/runtime/enforcer"
	"github.com/coreagent/platform/agents/runtime/eventbus"
	"github.com/coreagent/platform/agents/runtime/telemetry"
	"github.com/coreagent/platform/agents/runtime/toolexec"
)

// Strategy is the task's requested execution depth, set by the caller at
// submission time.
type Strategy string

const (
	StrategySimple   Strategy = "simple"
	StrategyStandard Strategy = "standard"
	StrategyComplex  Strategy = "complex"
	StrategyResearch Strategy = "research"
)

// strategyPattern maps a Task's strategy tag onto the durable engine
// pattern that drives it: Simple is a single tool call, Standard is a
// tool sequence, Complex is a full model turn, Research is the iterative
// deep-research loop.
func strategyPattern(s Strategy) (durable.Pattern, error) {
	switch s {
	case StrategySimple:
		return durable.PatternDirectTool, nil
	case StrategyStandard:
		return durable.PatternToolSequence, nil
	case StrategyComplex:
		return durable.PatternLLM, nil
	case StrategyResearch:
		return durable.PatternResearch, nil
	default:
		return "", apperrors.Validation(fmt.Sprintf("unknown task strategy: %s", s), nil)
	}
}

// Task is the immutable submission accepted by Submit.
type Task struct {
	ID       string
	User     string
	Session  string
	Tenant   string
	Query    string
	Strategy Strategy
	Context  map[string]any
	Caps     durable.TaskCaps
	Labels   map[string]string
}

// MemoryPersister is implemented by whatever subsystem persists a
// completed task's transcript, such as the runtime memory pool or a
// longer-term store layered on top of it. Service subscribes it to
// every workflow's event stream when non-nil.
type MemoryPersister interface {
	Persist(ctx context.Context, sessionID string, result durable.TaskResult) error
}

// Service routes Tasks to the right execution path and enforces per-key
// resource limits around every route. Thread-safe; a single Service
// instance serves the whole process.
type Service struct {
	Enforcer *enforcer.Enforcer
	Durable  *durable.Engine
	Tools    *toolexec.Executor
	Memory   MemoryPersister

	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu      sync.RWMutex
	aliases map[string]string // task id -> workflow id, for Status/Cancel lookups
}

// Options configures a new Service.
type Options struct {
	Enforcer *enforcer.Enforcer
	Durable  *durable.Engine
	Tools    *toolexec.Executor
	Memory   MemoryPersister
	Logger   telemetry.Logger
	Metrics  telemetry.Metrics
}

// New builds a Service.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Service{
		Enforcer: opts.Enforcer,
		Durable:  opts.Durable,
		Tools:    opts.Tools,
		Memory:   opts.Memory,
		logger:   logger,
		metrics:  metrics,
		aliases:  make(map[string]string),
	}
}

// enforcerKey resolves the Request Enforcer key for task: the caller's
// user id, falling back to its tenant when no user id is set, or
// "anonymous" when neither is set.
func enforcerKey(task Task) string {
	if task.User != "" {
		return "user:" + task.User
	}
	if task.Tenant != "" {
		return "tenant:" + task.Tenant
	}
	return "anonymous"
}

// estimatedTokens returns the task's token budget cap, or a conservative
// default when unset, for the enforcer's per-request token check.
func estimatedTokens(task Task) int {
	if task.Caps.TokenBudget > 0 {
		return task.Caps.TokenBudget
	}
	return 1000
}

// Submit enforces per-key limits around task submission and routes it to
// the durable engine's pattern matching task.Strategy. It returns a handle
// immediately; the caller streams progress via Stream or polls Status.
func (s *Service) Submit(ctx context.Context, task Task) (durable.TaskHandle, error) {
	pattern, err := strategyPattern(task.Strategy)
	if err != nil {
		return durable.TaskHandle{}, err
	}
	if s.Durable == nil {
		return durable.TaskHandle{}, apperrors.Internal("agent service has no durable engine configured", nil)
	}

	key := enforcerKey(task)
	out, err := s.enforce(ctx, key, task, func(ctx context.Context) (any, error) {
		return s.Durable.SubmitTask(ctx, durable.Task{
			ID:      task.ID,
			User:    task.User,
			Session: task.Session,
			Tenant:  task.Tenant,
			Query:   task.Query,
			Pattern: pattern,
			Context: task.Context,
			Caps:    task.Caps,
			Labels:  task.Labels,
		})
	})
	if err != nil {
		return durable.TaskHandle{}, err
	}
	handle := out.(durable.TaskHandle)

	s.mu.Lock()
	s.aliases[task.ID] = handle.WorkflowID
	s.mu.Unlock()

	if s.Memory != nil {
		go s.persistWhenDone(task.Session, handle.WorkflowID)
	}

	return handle, nil
}

func (s *Service) enforce(ctx context.Context, key string, task Task, f func(context.Context) (any, error)) (any, error) {
	if s.Enforcer == nil {
		return f(ctx)
	}
	return s.Enforcer.Enforce(ctx, key, estimatedTokens(task), f)
}

// persistWhenDone subscribes to workflowID's event stream and hands the
// terminal result to Memory once the workflow reaches a completed state.
// Runs in its own goroutine, started by Submit, and exits once the stream
// delivers a terminal workflow.* event or is closed.
func (s *Service) persistWhenDone(sessionID, workflowID string) {
	sub := s.Durable.StreamEvents(workflowID)
	defer sub.Close()

	for evt := range sub.Events() {
		envelope, ok := evt.(durable.Envelope)
		if !ok {
			continue
		}
		switch envelope.Type {
		case durable.EventWorkflowCompleted:
			if payload, ok := envelope.Payload.(map[string]any); ok {
				if result, ok := payload["result"].(durable.TaskResult); ok {
					_ = s.Memory.Persist(context.Background(), sessionID, result)
				}
			}
			return
		case durable.EventWorkflowFailed, durable.EventWorkflowCancelled:
			return
		}
	}
}

// workflowIDFor resolves a task id to its workflow id.
func (s *Service) workflowIDFor(taskID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.aliases[taskID]
	return id, ok
}

// Status returns the current TaskHandle for a previously submitted task.
func (s *Service) Status(ctx context.Context, taskID string) (durable.TaskHandle, error) {
	workflowID, ok := s.workflowIDFor(taskID)
	if !ok {
		return durable.TaskHandle{}, apperrors.Validation("unknown task id", nil)
	}
	wf, ok, err := s.Durable.GetWorkflow(ctx, workflowID)
	if err != nil {
		return durable.TaskHandle{}, apperrors.Internal("failed to load workflow", err)
	}
	if !ok {
		return durable.TaskHandle{}, apperrors.Validation("unknown workflow id", nil)
	}
	return durable.TaskHandle{TaskID: taskID, WorkflowID: workflowID, State: durable.State(wf.Status)}, nil
}

// Stream returns a live event subscription for a previously submitted
// task. Callers must Close it when done.
func (s *Service) Stream(taskID string) (*eventbus.Subscription, error) {
	workflowID, ok := s.workflowIDFor(taskID)
	if !ok {
		return nil, apperrors.Validation("unknown task id", nil)
	}
	return s.Durable.StreamEvents(workflowID), nil
}

// Cancel transitions a previously submitted task's workflow to Cancelled.
func (s *Service) Cancel(ctx context.Context, taskID string) error {
	workflowID, ok := s.workflowIDFor(taskID)
	if !ok {
		return apperrors.Validation("unknown task id", nil)
	}
	return s.Durable.CancelWorkflow(ctx, workflowID)
}
