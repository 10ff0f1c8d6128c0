package workflowstore

import (
	"context"
	"database/sql"
	"errors"
	"hash/crc32"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/coreagent/platform/agents/runtime/apperrors"
)

type sqlStore struct {
	db       *sqlx.DB
	postgres bool
}

// OpenSQLite opens (or creates) an embedded workflow store at dsn.
func OpenSQLite(dsn string) (Store, error) {
	db, err := sqlx.Connect("sqlite3", dsn+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, apperrors.Internal("open sqlite workflow store", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, apperrors.Internal("migrate sqlite workflow store", err)
	}
	return &sqlStore{db: db}, nil
}

// OpenPostgres opens a cloud-mode workflow store against a PostgreSQL DSN.
func OpenPostgres(dsn string) (Store, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, apperrors.Internal("open postgres workflow store", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		return nil, apperrors.Internal("migrate postgres workflow store", err)
	}
	return &sqlStore{db: db, postgres: true}, nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	return sqlx.Rebind(sqlx.DOLLAR, query)
}

func (s *sqlStore) CreateWorkflow(ctx context.Context, w Workflow) error {
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	completedAt := sql.NullTime{}
	if w.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *w.CompletedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO workflows (id, user_id, session_id, pattern, status, input, output, error, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		w.ID, w.User, w.Session, w.Pattern, string(w.Status), w.Input, w.Output, w.Error, w.CreatedAt, w.UpdatedAt, completedAt)
	if err != nil {
		return apperrors.Internal("create workflow", err)
	}
	return nil
}

func (s *sqlStore) GetWorkflow(ctx context.Context, id string) (Workflow, bool, error) {
	var row workflowRow
	err := s.db.GetContext(ctx, &row, s.rebind(`SELECT * FROM workflows WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Workflow{}, false, nil
	}
	if err != nil {
		return Workflow{}, false, apperrors.Internal("get workflow", err)
	}
	return row.toWorkflow(), true, nil
}

func (s *sqlStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	now := time.Now().UTC()
	completedAt := sql.NullTime{}
	if status.Terminal() {
		completedAt = sql.NullTime{Time: now, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE workflows SET status = ?, updated_at = ?, completed_at = COALESCE(completed_at, ?) WHERE id = ?`),
		string(status), now, completedAt, id)
	if err != nil {
		return apperrors.Internal("update workflow status", err)
	}
	return checkRowAffected(res, id)
}

func (s *sqlStore) UpdateOutput(ctx context.Context, id string, output []byte) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE workflows SET output = ?, updated_at = ? WHERE id = ?`), output, time.Now().UTC(), id)
	if err != nil {
		return apperrors.Internal("update workflow output", err)
	}
	return checkRowAffected(res, id)
}

func (s *sqlStore) UpdateError(ctx context.Context, id string, errMsg string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE workflows SET error = ?, updated_at = ? WHERE id = ?`), errMsg, time.Now().UTC(), id)
	if err != nil {
		return apperrors.Internal("update workflow error", err)
	}
	return checkRowAffected(res, id)
}

func (s *sqlStore) ListWorkflows(ctx context.Context, sessionFilter string, limit int) ([]Workflow, error) {
	var rows []workflowRow
	var err error
	if sessionFilter == "" {
		err = s.db.SelectContext(ctx, &rows, s.rebind(
			`SELECT * FROM workflows ORDER BY created_at DESC LIMIT ?`), limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, s.rebind(
			`SELECT * FROM workflows WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`), sessionFilter, limit)
	}
	if err != nil {
		return nil, apperrors.Internal("list workflows", err)
	}
	return toWorkflows(rows), nil
}

func (s *sqlStore) ListByStatus(ctx context.Context, status Status) ([]Workflow, error) {
	var rows []workflowRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(
		`SELECT * FROM workflows WHERE status = ? ORDER BY created_at ASC`), string(status)); err != nil {
		return nil, apperrors.Internal("list workflows by status", err)
	}
	return toWorkflows(rows), nil
}

func (s *sqlStore) ListBySession(ctx context.Context, session string) ([]Workflow, error) {
	var rows []workflowRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(
		`SELECT * FROM workflows WHERE session_id = ? ORDER BY created_at DESC`), session); err != nil {
		return nil, apperrors.Internal("list workflows by session", err)
	}
	return toWorkflows(rows), nil
}

func (s *sqlStore) DeleteWorkflow(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Internal("begin delete workflow transaction", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM checkpoints WHERE workflow_id = ?`), id); err != nil {
		_ = tx.Rollback()
		return apperrors.Internal("delete workflow checkpoints", err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM workflows WHERE id = ?`), id)
	if err != nil {
		_ = tx.Rollback()
		return apperrors.Internal("delete workflow", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return apperrors.Internal("count deleted workflow rows", err)
	}
	if n == 0 {
		_ = tx.Rollback()
		return apperrors.Validation("workflow not found: "+id, nil)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Internal("commit delete workflow transaction", err)
	}
	return nil
}

func (s *sqlStore) SaveCheckpoint(ctx context.Context, workflowID string, sequence int64, state []byte) error {
	checksum := int64(crc32.ChecksumIEEE(state))
	query := `INSERT INTO checkpoints (workflow_id, sequence, state, checksum, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, sequence) DO UPDATE SET state = excluded.state, checksum = excluded.checksum, created_at = excluded.created_at`
	_, err := s.db.ExecContext(ctx, s.rebind(query), workflowID, sequence, state, checksum, time.Now().UTC())
	if err != nil {
		return apperrors.Internal("save checkpoint", err)
	}
	return nil
}

func (s *sqlStore) LoadCheckpoint(ctx context.Context, workflowID string) (Checkpoint, bool, error) {
	var row checkpointRow
	err := s.db.GetContext(ctx, &row, s.rebind(
		`SELECT * FROM checkpoints WHERE workflow_id = ? ORDER BY sequence DESC LIMIT 1`), workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, apperrors.Internal("load checkpoint", err)
	}
	cp := row.toCheckpoint()
	if crc32.ChecksumIEEE(cp.State) != cp.Checksum {
		return Checkpoint{}, false, apperrors.Integrity("checkpoint checksum mismatch", nil)
	}
	return cp, true, nil
}

func (s *sqlStore) PruneCheckpoints(ctx context.Context, workflowID string, keepCount int) (int64, error) {
	var sequences []int64
	if err := s.db.SelectContext(ctx, &sequences, s.rebind(
		`SELECT sequence FROM checkpoints WHERE workflow_id = ? ORDER BY sequence DESC`), workflowID); err != nil {
		return 0, apperrors.Internal("list checkpoint sequences", err)
	}
	if len(sequences) <= keepCount {
		return 0, nil
	}
	toDrop := sequences[keepCount:]

	var removed int64
	for _, seq := range toDrop {
		res, err := s.db.ExecContext(ctx, s.rebind(
			`DELETE FROM checkpoints WHERE workflow_id = ? AND sequence = ?`), workflowID, seq)
		if err != nil {
			return removed, apperrors.Internal("prune checkpoint", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, apperrors.Internal("count pruned checkpoint", err)
		}
		removed += n
	}
	return removed, nil
}

func checkRowAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Internal("count affected rows", err)
	}
	if n == 0 {
		return apperrors.Validation("workflow not found: "+id, nil)
	}
	return nil
}
