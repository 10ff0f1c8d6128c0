// Package eventlog implements the durable, backend-agnostic append log
// behind every workflow: a dense, strictly monotone sequence of typed
// events per workflow ID, replayable in order and compactable once a
// checkpoint exists.
package eventlog

import (
	"context"
	"time"
)

// Event is one row of a workflow's append log.
type Event struct {
	WorkflowID string
	Sequence   int64
	Type       string
	Bytes      []byte
	CreatedAt  time.Time
}

// IsCheckpoint reports whether this event's Type marks a checkpoint; the
// event log does not otherwise interpret event payloads.
func (e Event) IsCheckpoint() bool { return e.Type == CheckpointEventType }

// CheckpointEventType is the event Type written whenever the durable
// engine records a checkpoint marker in the log, distinct from the
// checkpoint bytes stored in the workflow store.
const CheckpointEventType = "workflow.checkpoint"

// Store is the contract every event-log backend implements: sqlite for
// embedded/hybrid/mesh deployments, postgres for cloud.
type Store interface {
	// Append assigns the next dense sequence number to event and persists
	// it, retrying up to 3 times total on a unique-constraint collision
	// with a 10ms sleep between attempts.
	Append(ctx context.Context, workflowID string, eventType string, payload []byte) (int64, error)
	// Replay returns every event for workflowID ordered by ascending
	// sequence, dense from 0.
	Replay(ctx context.Context, workflowID string) ([]Event, error)
	// NextIndex returns the sequence number the next Append would receive.
	NextIndex(ctx context.Context, workflowID string) (int64, error)
	// Exists reports whether any event exists for workflowID.
	Exists(ctx context.Context, workflowID string) (bool, error)
	// Delete removes every event for workflowID, returning the count
	// removed.
	Delete(ctx context.Context, workflowID string) (int64, error)
	// GetCheckpoint returns the bytes of the highest-sequence checkpoint
	// event, or ok=false if none exists.
	GetCheckpoint(ctx context.Context, workflowID string) (state []byte, ok bool, err error)
	// Compact deletes every event with sequence strictly less than the
	// highest checkpoint's sequence, preserving the checkpoint and
	// everything after it. Returns the count removed.
	Compact(ctx context.Context, workflowID string) (int64, error)
	Close() error
}
