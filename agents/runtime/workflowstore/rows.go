package workflowstore

import (
	"database/sql"
	"time"
)

// workflowRow mirrors the workflows table column-for-column so sqlx can
// scan directly into it via struct tags.
type workflowRow struct {
	ID          string         `db:"id"`
	User        string         `db:"user_id"`
	Session     string         `db:"session_id"`
	Pattern     string         `db:"pattern"`
	Status      string         `db:"status"`
	Input       []byte         `db:"input"`
	Output      []byte         `db:"output"`
	Error       string         `db:"error"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
}

func (r workflowRow) toWorkflow() Workflow {
	w := Workflow{
		ID:        r.ID,
		User:      r.User,
		Session:   r.Session,
		Pattern:   r.Pattern,
		Status:    Status(r.Status),
		Input:     r.Input,
		Output:    r.Output,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		w.CompletedAt = &t
	}
	return w
}

func toWorkflows(rows []workflowRow) []Workflow {
	out := make([]Workflow, len(rows))
	for i, r := range rows {
		out[i] = r.toWorkflow()
	}
	return out
}

// checkpointRow mirrors the checkpoints table column-for-column.
type checkpointRow struct {
	WorkflowID string    `db:"workflow_id"`
	Sequence   int64     `db:"sequence"`
	State      []byte    `db:"state"`
	Checksum   int64     `db:"checksum"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r checkpointRow) toCheckpoint() Checkpoint {
	return Checkpoint{
		WorkflowID: r.WorkflowID,
		Sequence:   r.Sequence,
		State:      r.State,
		Checksum:   uint32(r.Checksum),
		CreatedAt:  r.CreatedAt,
	}
}
