package eventlog

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	workflow_id TEXT NOT NULL,
	sequence    INTEGER NOT NULL,
	event_type  TEXT NOT NULL,
	payload     BLOB NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (workflow_id, sequence)
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	workflow_id TEXT NOT NULL,
	sequence    BIGINT NOT NULL,
	event_type  TEXT NOT NULL,
	payload     BYTEA NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (workflow_id, sequence)
);
`
