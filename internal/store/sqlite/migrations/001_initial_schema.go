// Package migrations holds the engine's numbered, idempotent schema steps,
// one file per step.
package migrations

import "database/sql"

// MigrateInitialSchema creates the jobs and job_blockers tables and their
// indexes. Safe to re-run: every statement is IF NOT EXISTS.
func MigrateInitialSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id                   TEXT PRIMARY KEY,
			type_name            TEXT NOT NULL,
			chain_id             TEXT NOT NULL,
			chain_type_name      TEXT NOT NULL,
			chain_index          INTEGER NOT NULL,
			root_chain_id        TEXT NOT NULL,
			origin_id            TEXT,
			status               TEXT NOT NULL,
			input                TEXT NOT NULL,
			output               TEXT,
			attempt              INTEGER NOT NULL DEFAULT 0,
			last_attempt_at      TEXT,
			last_attempt_error   TEXT,
			scheduled_at         TEXT NOT NULL,
			created_at           TEXT NOT NULL,
			completed_at         TEXT,
			leased_by            TEXT,
			leased_until         TEXT,
			completed_by         TEXT,
			dedup_key            TEXT,
			dedup_scope          TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_chain_index ON jobs(chain_id, chain_index)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_root_chain_id ON jobs(root_chain_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_acquire ON jobs(status, type_name, scheduled_at, created_at, id)`,
		// Deliberately not a UNIQUE index: an "incomplete" scoped dedup key
		// is reusable once its owning job completes (spec §3.2), so
		// uniqueness is enforced transactionally in CreateJob, not by the
		// schema, which would also have to forbid a perfectly legitimate
		// second completed row.
		`CREATE INDEX IF NOT EXISTS idx_jobs_dedup ON jobs(type_name, dedup_key, dedup_scope) WHERE dedup_key IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS job_blockers (
			blocked_job_id        TEXT NOT NULL,
			blocker_chain_id      TEXT NOT NULL,
			blocker_trace_context TEXT,
			PRIMARY KEY (blocked_job_id, blocker_chain_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_blockers_chain ON job_blockers(blocker_chain_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
