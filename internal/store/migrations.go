package store

import (
	"context"
	"fmt"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	subject     TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL,
	priority    INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'queued',
	attempt     INTEGER NOT NULL DEFAULT 0,
	not_before  TIMESTAMPTZ NOT NULL,
	lease_until TIMESTAMPTZ,
	last_ok_at  TIMESTAMPTZ,
	last_error  TEXT,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (kind, subject, source)
);
CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs (status, priority DESC, not_before);
CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs (status, lease_until);

CREATE TABLE IF NOT EXISTS job_counters (
	key        TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	source     TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	day        TEXT NOT NULL,
	value      BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_counters_day ON job_counters (day);

CREATE TABLE IF NOT EXISTS job_runs (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	job_id      TEXT NOT NULL,
	subject     TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL,
	attempt     INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	error       TEXT,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_job_runs_job ON job_runs (job_id, started_at DESC);

CREATE TABLE IF NOT EXISTS job_run_logs (
	id     BIGSERIAL PRIMARY KEY,
	run_id TEXT NOT NULL,
	line   TEXT NOT NULL,
	ts     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_run_logs_run ON job_run_logs (run_id, id);

CREATE TABLE IF NOT EXISTS funds (
	code       TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS watchlist_items (
	watchlist_id TEXT NOT NULL,
	fund_code    TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (watchlist_id, fund_code)
);
CREATE INDEX IF NOT EXISTS idx_watchlist_items_code ON watchlist_items (fund_code);

CREATE TABLE IF NOT EXISTS positions (
	account_id TEXT NOT NULL,
	fund_code  TEXT NOT NULL,
	shares     NUMERIC(24, 4) NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (account_id, fund_code)
);
CREATE INDEX IF NOT EXISTS idx_positions_code ON positions (fund_code);
`

// Timestamps are unix milliseconds so that comparisons stay numeric.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	subject     TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL,
	priority    INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'queued',
	attempt     INTEGER NOT NULL DEFAULT 0,
	not_before  INTEGER NOT NULL,
	lease_until INTEGER,
	last_ok_at  INTEGER,
	last_error  TEXT,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	UNIQUE (kind, subject, source)
);
CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs (status, priority DESC, not_before);
CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs (status, lease_until);

CREATE TABLE IF NOT EXISTS job_counters (
	key        TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	source     TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	day        TEXT NOT NULL,
	value      INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_counters_day ON job_counters (day);

CREATE TABLE IF NOT EXISTS job_runs (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	job_id      TEXT NOT NULL,
	subject     TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL,
	attempt     INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	error       TEXT,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_job_runs_job ON job_runs (job_id, started_at DESC);

CREATE TABLE IF NOT EXISTS job_run_logs (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	line   TEXT NOT NULL,
	ts     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_run_logs_run ON job_run_logs (run_id, id);

CREATE TABLE IF NOT EXISTS funds (
	code       TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS watchlist_items (
	watchlist_id TEXT NOT NULL,
	fund_code    TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	PRIMARY KEY (watchlist_id, fund_code)
);
CREATE INDEX IF NOT EXISTS idx_watchlist_items_code ON watchlist_items (fund_code);

CREATE TABLE IF NOT EXISTS positions (
	account_id TEXT NOT NULL,
	fund_code  TEXT NOT NULL,
	shares     TEXT NOT NULL DEFAULT '0',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, fund_code)
);
CREATE INDEX IF NOT EXISTS idx_positions_code ON positions (fund_code);
`

// Migrate applies the Postgres schema. Statements are idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("exec postgres schema: %w", err)
	}
	return nil
}

// Migrate applies the SQLite schema. Statements are idempotent.
func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("exec sqlite schema: %w", err)
	}
	return nil
}
