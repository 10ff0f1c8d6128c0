// Package engine defines the workflow engine abstractions and adapters for
// durable execution backends: a pluggable interface so the in-process
// durable engine and a remote-orchestrator (Temporal) adapter can satisfy
// the same contract without the caller knowing which backend is active.
package engine

import (
	"context"
	"time"

	"github.com/coreagent/platform/agents/runtime/telemetry"
)

type (
	// Engine abstracts workflow registration and execution so adapters
	// (in-process durable, Temporal) can be swapped without touching caller
	// code.
	Engine interface {
		// RegisterWorkflow registers a workflow definition with the engine.
		// Called during service initialization before any workflow is
		// started. Returns an error if the name is already registered.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity registers an activity definition with the
		// engine. Must be called during initialization. Returns an error if
		// the name conflicts.
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow initiates a new workflow execution and returns a
		// handle for interacting with it. req.ID must be unique within the
		// engine instance.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
	}

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default queue.
	WorkflowDefinition struct {
		Name      string
		TaskQueue string
		Handler   WorkflowFunc
	}

	// WorkflowFunc is a workflow entry point. It must be deterministic: the
	// same inputs and activity results must produce the same execution
	// sequence, since durable backends may replay it from an event log.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowContext exposes engine operations to workflow handlers.
	// Implementations wrap engine-specific contexts (Temporal's
	// workflow.Context, the in-process durable engine's own bookkeeping)
	// behind one uniform API.
	//
	// Thread-safety: bound to a single workflow execution, not shared
	// across goroutines.
	WorkflowContext interface {
		// Context returns the Go context for the workflow.
		Context() context.Context

		// WorkflowID returns the unique identifier for this execution.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// ExecuteActivity schedules an activity and waits for its result.
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error

		// ExecuteActivityAsync schedules an activity without blocking.
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)

		// SignalChannel returns a channel for the given signal name.
		SignalChannel(name string) SignalChannel

		Logger() telemetry.Logger
		Metrics() telemetry.Metrics
		Tracer() telemetry.Tracer

		// Now returns the current workflow time in a deterministic,
		// replay-safe manner.
		Now() time.Time
	}

	// Future represents a pending activity result. Calling Get multiple
	// times is safe and returns the same result/error each time.
	Future interface {
		Get(ctx context.Context, result any) error
		IsReady() bool
	}

	// ActivityDefinition registers an activity handler with optional
	// defaults.
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
		Options ActivityOptions
	}

	// ActivityFunc handles one activity invocation. Unlike workflows,
	// activities may perform side effects (I/O, API calls, database
	// access).
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures retry and timeout behavior for an
	// activity.
	ActivityOptions struct {
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowStartRequest describes how to launch a workflow execution.
	WorkflowStartRequest struct {
		ID               string
		Workflow         string
		TaskQueue        string
		Input            any
		Memo             map[string]any
		SearchAttributes map[string]any
		RetryPolicy      RetryPolicy
	}

	// ActivityRequest contains what's needed to schedule an activity from a
	// workflow.
	ActivityRequest struct {
		Name        string
		Input       any
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowHandle lets callers interact with a running workflow.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes, populating result.
		Wait(ctx context.Context, result any) error

		// Signal sends an asynchronous message to the workflow.
		Signal(ctx context.Context, name string, payload any) error

		// Cancel requests cancellation of the workflow.
		Cancel(ctx context.Context) error

		// Status reports the backend's current view of the execution
		// without blocking for completion.
		Status(ctx context.Context) (Status, error)
	}

	// Status is the engine-agnostic workflow execution status a
	// WorkflowHandle reports.
	Status string
)

const (
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCanceled       Status = "canceled"
	StatusTerminated     Status = "terminated"
	StatusContinuedAsNew Status = "continued_as_new"
	StatusTimedOut       Status = "timed_out"
	StatusUnknown        Status = "unknown"
)

type (
	// RetryPolicy defines retry semantics shared by workflows and
	// activities. Zero-valued fields mean the engine uses its defaults.
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
	}

	// SignalChannel exposes workflow signal delivery in an engine-agnostic
	// way.
	SignalChannel interface {
		// Receive blocks until a signal value is delivered and decodes it
		// into dest.
		Receive(ctx context.Context, dest any) error
		// ReceiveAsync attempts to receive without blocking.
		ReceiveAsync(dest any) bool
	}
)
