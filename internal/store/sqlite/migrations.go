package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/riverforge/queuert/internal/store/sqlite/migrations"
)

// migrationStep is one numbered, idempotent schema change: one exported
// Migrate func per file, safe to re-run.
type migrationStep struct {
	name string
	run  func(*sql.DB) error
}

var migrationSteps = []migrationStep{
	{"001_initial_schema", migrations.MigrateInitialSchema},
	{"002_trace_context_columns", migrations.MigrateTraceContextColumns},
}

func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("queuert/sqlite: create schema_migrations: %w", err)
	}

	for _, step := range migrationSteps {
		var applied bool
		if err := db.QueryRow(`SELECT COUNT(*) > 0 FROM schema_migrations WHERE name = ?`, step.name).Scan(&applied); err != nil {
			return fmt.Errorf("queuert/sqlite: check migration %s: %w", step.name, err)
		}
		if applied {
			continue
		}
		if err := step.run(db); err != nil {
			return fmt.Errorf("queuert/sqlite: migration %s: %w", step.name, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, datetime('now'))`, step.name); err != nil {
			return fmt.Errorf("queuert/sqlite: record migration %s: %w", step.name, err)
		}
	}
	return nil
}
