package durable

import (
	"context"

	"github.com/coreagent/platform/agents/runtime/workflowstore"
)

// RecoveryReport describes what Recover did for a single workflow: whether a
// checkpoint already covered it (EventsReplayed stays 0, FromCheckpoint
// true) or the full event log had to be folded with ReplayDeterministic.
type RecoveryReport struct {
	WorkflowID     string
	EventsReplayed int
	FromCheckpoint bool
}

// Recover runs at process startup: every workflow left Running or Paused by
// a prior process (crash, restart) is validated against its durable state —
// the highest checkpoint if one exists, otherwise the full event-log
// replay via ReplayDeterministic — and marked Failed if that state cannot be
// reconstructed. Recover does not resume execution of a workflow's pattern
// function; it restores the durable bookkeeping (event log, checkpoint) to
// a known-good state and leaves re-submission to the caller. The returned
// reports cover every workflow Recover attempted, in the same order they
// were listed, regardless of whether recovery succeeded.
func (e *Engine) Recover(ctx context.Context) ([]RecoveryReport, error) {
	running, err := e.Store.ListByStatus(ctx, workflowstore.StatusRunning)
	if err != nil {
		return nil, err
	}
	paused, err := e.Store.ListByStatus(ctx, workflowstore.StatusPaused)
	if err != nil {
		return nil, err
	}

	workflows := append(running, paused...)
	reports := make([]RecoveryReport, 0, len(workflows))
	for _, wf := range workflows {
		report, err := e.recoverOne(ctx, wf)
		if err != nil {
			_ = e.Store.UpdateStatus(ctx, wf.ID, workflowstore.StatusFailed)
			_ = e.Store.UpdateError(ctx, wf.ID, "recovery failed: "+err.Error())
			_ = e.emit(ctx, wf.ID, EventWorkflowFailed, map[string]any{"error": "recovery failed: " + err.Error()})
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// recoverOne reports from_checkpoint=true without touching the event log
// when a checkpoint already exists for wf; otherwise it replays the full
// event history through ReplayDeterministic, the same fold used to verify
// export/import round-trips, as this recovery path's sanity check.
func (e *Engine) recoverOne(ctx context.Context, wf workflowstore.Workflow) (RecoveryReport, error) {
	report := RecoveryReport{WorkflowID: wf.ID}

	if _, ok, err := e.Store.LoadCheckpoint(ctx, wf.ID); err != nil {
		return report, err
	} else if ok {
		report.FromCheckpoint = true
		return report, nil
	}

	events, err := e.Log.Replay(ctx, wf.ID)
	if err != nil {
		return report, err
	}
	outcome := ReplayDeterministic(events)
	report.EventsReplayed = outcome.EventsReplayed
	return report, nil
}
