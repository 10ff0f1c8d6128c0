package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/coreagent/platform/agents/runtime/apperrors"
)

const (
	appendRetries = 3
	appendSleep   = 10 * time.Millisecond
)

type sqlStore struct {
	db       *sqlx.DB
	postgres bool
}

// OpenSQLite opens (or creates) an embedded event log at dsn, a path to a
// SQLite database file, with write-ahead logging enabled for concurrent
// readers.
func OpenSQLite(dsn string) (Store, error) {
	db, err := sqlx.Connect("sqlite3", dsn+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, apperrors.Internal("open sqlite event log", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver serializes writers; avoid SQLITE_BUSY storms
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, apperrors.Internal("migrate sqlite event log", err)
	}
	return &sqlStore{db: db}, nil
}

// OpenPostgres opens a cloud-mode event log against a PostgreSQL DSN.
func OpenPostgres(dsn string) (Store, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, apperrors.Internal("open postgres event log", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		return nil, apperrors.Internal("migrate postgres event log", err)
	}
	return &sqlStore{db: db, postgres: true}, nil
}

// OpenWithDB wraps an already-open database handle as a Store, skipping
// migration. Intended for tests that exercise sqlStore's retry/rebind logic
// against a mocked driver.
func OpenWithDB(db *sqlx.DB, postgres bool) Store {
	return &sqlStore{db: db, postgres: postgres}
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) Append(ctx context.Context, workflowID, eventType string, payload []byte) (int64, error) {
	var seq int64
	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return 0, apperrors.Internal("begin append transaction", err)
		}

		row := tx.QueryRowxContext(ctx, s.rebind(
			`SELECT COALESCE(MAX(sequence), -1) + 1 FROM events WHERE workflow_id = ?`), workflowID)
		if err := row.Scan(&seq); err != nil {
			_ = tx.Rollback()
			return 0, apperrors.Internal("compute next sequence", err)
		}

		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO events (workflow_id, sequence, event_type, payload, created_at) VALUES (?, ?, ?, ?, ?)`),
			workflowID, seq, eventType, payload, time.Now().UTC())
		if err != nil {
			_ = tx.Rollback()
			if isUniqueViolation(err) {
				lastErr = err
				time.Sleep(appendSleep)
				continue
			}
			return 0, apperrors.Internal("insert event", err)
		}

		if err := tx.Commit(); err != nil {
			lastErr = err
			time.Sleep(appendSleep)
			continue
		}
		return seq, nil
	}
	return 0, apperrors.Internal("append event after retries", lastErr)
}

func (s *sqlStore) Replay(ctx context.Context, workflowID string) ([]Event, error) {
	rows, err := s.db.QueryxContext(ctx, s.rebind(
		`SELECT workflow_id, sequence, event_type, payload, created_at FROM events
		 WHERE workflow_id = ? ORDER BY sequence ASC`), workflowID)
	if err != nil {
		return nil, apperrors.Internal("replay events", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.WorkflowID, &e.Sequence, &e.Type, &e.Bytes, &e.CreatedAt); err != nil {
			return nil, apperrors.Internal("scan event row", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *sqlStore) NextIndex(ctx context.Context, workflowID string) (int64, error) {
	var next int64
	err := s.db.GetContext(ctx, &next, s.rebind(
		`SELECT COALESCE(MAX(sequence), -1) + 1 FROM events WHERE workflow_id = ?`), workflowID)
	if err != nil {
		return 0, apperrors.Internal("compute next index", err)
	}
	return next, nil
}

func (s *sqlStore) Exists(ctx context.Context, workflowID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.rebind(
		`SELECT COUNT(*) FROM events WHERE workflow_id = ? LIMIT 1`), workflowID)
	if err != nil {
		return false, apperrors.Internal("check event existence", err)
	}
	return count > 0, nil
}

func (s *sqlStore) Delete(ctx context.Context, workflowID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM events WHERE workflow_id = ?`), workflowID)
	if err != nil {
		return 0, apperrors.Internal("delete events", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Internal("count deleted events", err)
	}
	return n, nil
}

func (s *sqlStore) GetCheckpoint(ctx context.Context, workflowID string) ([]byte, bool, error) {
	var payload []byte
	err := s.db.GetContext(ctx, &payload, s.rebind(
		`SELECT payload FROM events WHERE workflow_id = ? AND event_type = ?
		 ORDER BY sequence DESC LIMIT 1`), workflowID, CheckpointEventType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Internal("load checkpoint event", err)
	}
	return payload, true, nil
}

func (s *sqlStore) Compact(ctx context.Context, workflowID string) (int64, error) {
	var maxCheckpointSeq sql.NullInt64
	err := s.db.GetContext(ctx, &maxCheckpointSeq, s.rebind(
		`SELECT MAX(sequence) FROM events WHERE workflow_id = ? AND event_type = ?`),
		workflowID, CheckpointEventType)
	if err != nil {
		return 0, apperrors.Internal("find checkpoint sequence", err)
	}
	if !maxCheckpointSeq.Valid {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM events WHERE workflow_id = ? AND sequence < ?`),
		workflowID, maxCheckpointSeq.Int64)
	if err != nil {
		return 0, apperrors.Internal("compact events", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Internal("count compacted events", err)
	}
	return n, nil
}

// rebind converts a query written with '?' placeholders to the target
// dialect's bind style ('$1' for postgres, unchanged for sqlite).
func (s *sqlStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	return sqlx.Rebind(sqlx.DOLLAR, query)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
