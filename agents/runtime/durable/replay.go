package durable

import (
	"encoding/json"

	"github.com/coreagent/platform/agents/runtime/apperrors"
	"github.com/coreagent/platform/agents/runtime/eventlog"
)

// ReplayOutcome is the deterministic result of folding a workflow's full
// event history: how many events were walked and the terminal lifecycle
// state implied by the last workflow.* event seen. Two replays of the same
// history always produce the same ReplayOutcome — the fold only inspects
// event Type tags, never wall-clock time or anything else nondeterministic.
type ReplayOutcome struct {
	EventsReplayed int
	FinalStatus    State
}

// ReplayDeterministic folds events (as returned by an eventlog.Store's
// Replay, in ascending sequence order) into a ReplayOutcome. Used by
// recoverOne's no-checkpoint path, by ReplayFromJSON, and by tests asserting
// that re-running the same exported history twice yields identical results.
func ReplayDeterministic(events []eventlog.Event) ReplayOutcome {
	out := ReplayOutcome{FinalStatus: StatePending}
	for _, evt := range events {
		out.EventsReplayed++
		switch evt.Type {
		case EventWorkflowStarted:
			out.FinalStatus = StateRunning
		case EventWorkflowPaused:
			out.FinalStatus = StatePaused
		case EventWorkflowResumed:
			out.FinalStatus = StateRunning
		case EventWorkflowCompleted:
			out.FinalStatus = StateCompleted
		case EventWorkflowFailed:
			out.FinalStatus = StateFailed
		case EventWorkflowCancelled:
			out.FinalStatus = StateCancelled
		}
	}
	return out
}

// ReplayFromJSON is the counterpart to Engine.ExportWorkflowJSON: it
// deserializes an exported workflow document and folds its event history
// with ReplayDeterministic, without touching any store. Calling it twice on
// the same document always yields an identical ReplayOutcome, since
// ReplayDeterministic only inspects event Type tags.
func ReplayFromJSON(data []byte) (ReplayOutcome, error) {
	var exported ExportedWorkflow
	if err := json.Unmarshal(data, &exported); err != nil {
		return ReplayOutcome{}, apperrors.Validation("invalid exported workflow document", err)
	}
	return ReplayDeterministic(exported.Events), nil
}
