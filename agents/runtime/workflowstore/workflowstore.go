// Package workflowstore persists workflow metadata rows and checkpoint
// rows: the durable engine's source of truth for status, and the
// compaction anchor for the event log.
package workflowstore

import (
	"context"
	"time"
)

// Status is a workflow's lifecycle state. Transitions to Completed, Failed,
// or Cancelled are terminal and sticky.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Workflow is one row of workflow metadata.
type Workflow struct {
	ID          string
	User        string
	Session     string
	Pattern     string
	Status      Status
	Input       []byte
	Output      []byte
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Checkpoint is a persisted snapshot of opaque workflow state, protected by
// a CRC32 computed over State.
type Checkpoint struct {
	WorkflowID string
	Sequence   int64
	State      []byte
	Checksum   uint32
	CreatedAt  time.Time
}

// Store is the contract every workflow-store backend implements.
type Store interface {
	CreateWorkflow(ctx context.Context, w Workflow) error
	GetWorkflow(ctx context.Context, id string) (Workflow, bool, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	UpdateOutput(ctx context.Context, id string, output []byte) error
	UpdateError(ctx context.Context, id string, errMsg string) error
	ListWorkflows(ctx context.Context, sessionFilter string, limit int) ([]Workflow, error)
	ListByStatus(ctx context.Context, status Status) ([]Workflow, error)
	ListBySession(ctx context.Context, session string) ([]Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	SaveCheckpoint(ctx context.Context, workflowID string, sequence int64, state []byte) error
	LoadCheckpoint(ctx context.Context, workflowID string) (Checkpoint, bool, error)
	PruneCheckpoints(ctx context.Context, workflowID string, keepCount int) (int64, error)

	Close() error
}
