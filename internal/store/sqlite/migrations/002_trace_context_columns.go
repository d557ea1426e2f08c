package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateTraceContextColumns adds the jobs.trace_context column (a JSON
// object carrying OpenTelemetry propagation headers forward through a
// chain), layered onto the existing jobs table after the initial schema.
func MigrateTraceContextColumns(db *sql.DB) error {
	var exists bool
	if err := db.QueryRow(`
		SELECT COUNT(*) > 0 FROM pragma_table_info('jobs') WHERE name = 'trace_context'
	`).Scan(&exists); err != nil {
		return fmt.Errorf("check trace_context column: %w", err)
	}
	if exists {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE jobs ADD COLUMN trace_context TEXT`); err != nil {
		return fmt.Errorf("add trace_context column: %w", err)
	}
	return nil
}
