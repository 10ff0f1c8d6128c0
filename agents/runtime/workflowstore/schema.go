package workflowstore

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	pattern      TEXT NOT NULL,
	status       TEXT NOT NULL,
	input        BLOB,
	output       BLOB,
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status);
CREATE INDEX IF NOT EXISTS idx_workflows_session ON workflows(session_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	workflow_id TEXT NOT NULL,
	sequence    INTEGER NOT NULL,
	state       BLOB NOT NULL,
	checksum    INTEGER NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (workflow_id, sequence)
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	pattern      TEXT NOT NULL,
	status       TEXT NOT NULL,
	input        BYTEA,
	output       BYTEA,
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status);
CREATE INDEX IF NOT EXISTS idx_workflows_session ON workflows(session_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	workflow_id TEXT NOT NULL,
	sequence    BIGINT NOT NULL,
	state       BYTEA NOT NULL,
	checksum    BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (workflow_id, sequence)
);
`
