package eventlog_test

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/coreagent/platform/agents/runtime/eventlog"
)

// newMockStore wraps a sqlmock-backed *sql.DB as an eventlog.Store, letting
// tests assert on the exact statements Append issues without a real
// database; useful for the postgres-dialect rebind path, which OpenSQLite
// tests never exercise.
func newMockStore(t *testing.T, postgres bool) (eventlog.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	dbx := sqlx.NewDb(db, "pgx")
	return eventlog.OpenWithDB(dbx, postgres), mock
}

func TestAppendRebindsPlaceholdersForPostgres(t *testing.T) {
	store, mock := newMockStore(t, true)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(sequence\), -1\) \+ 1 FROM events WHERE workflow_id = \$1`).
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(0)))
	mock.ExpectExec(`INSERT INTO events \(workflow_id, sequence, event_type, payload, created_at\) VALUES \(\$1, \$2, \$3, \$4, \$5\)`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	seq, err := store.Append(ctx, "wf-1", "activity", []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, int64(0), seq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendRetriesOnUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t, true)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT COALESCE`).
			WithArgs("wf-retry").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(0)))
		mock.ExpectExec(`INSERT INTO events`).
			WillReturnError(errUniqueViolation{})
		mock.ExpectRollback()
	}
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE`).
		WithArgs("wf-retry").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(0)))
	mock.ExpectExec(`INSERT INTO events`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	seq, err := store.Append(ctx, "wf-retry", "activity", []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, int64(0), seq)
	require.NoError(t, mock.ExpectationsWereMet())
}

type errUniqueViolation struct{}

func (errUniqueViolation) Error() string { return "UNIQUE constraint failed: events.workflow_id" }
