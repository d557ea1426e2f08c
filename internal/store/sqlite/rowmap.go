package sqlite

import (
	"database/sql"
	"encoding/json"

	"github.com/riverforge/queuert"
)

const jobColumns = `id, type_name, chain_id, chain_type_name, chain_index, root_chain_id,
	origin_id, status, input, output, attempt, last_attempt_at, last_attempt_error,
	scheduled_at, created_at, completed_at, leased_by, leased_until, completed_by,
	dedup_key, dedup_scope, trace_context`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*queuert.Job, error) {
	var j queuert.Job
	var input, output, traceContext sql.NullString
	var originID, lastAttemptError, leasedBy, completedBy, dedupKey, dedupScope sql.NullString
	var lastAttemptAt, completedAt, leasedUntil sql.NullTime

	err := row.Scan(
		&j.ID, &j.TypeName, &j.ChainID, &j.ChainTypeName, &j.ChainIndex, &j.RootChainID,
		&originID, &j.Status, &input, &output, &j.Attempt, &lastAttemptAt, &lastAttemptError,
		&j.ScheduledAt, &j.CreatedAt, &completedAt, &leasedBy, &leasedUntil, &completedBy,
		&dedupKey, &dedupScope, &traceContext,
	)
	if err != nil {
		return nil, err
	}

	if input.Valid {
		j.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		j.Output = json.RawMessage(output.String)
	}
	if originID.Valid {
		v := originID.String
		j.OriginID = &v
	}
	if lastAttemptError.Valid {
		v := lastAttemptError.String
		j.LastAttemptError = &v
	}
	if leasedBy.Valid {
		v := leasedBy.String
		j.LeasedBy = &v
	}
	if completedBy.Valid {
		v := completedBy.String
		j.CompletedBy = &v
	}
	if dedupKey.Valid {
		v := dedupKey.String
		j.DeduplicationKey = &v
	}
	if dedupScope.Valid {
		v := queuert.DeduplicationScope(dedupScope.String)
		j.DeduplicationScope = &v
	}
	if lastAttemptAt.Valid {
		v := lastAttemptAt.Time
		j.LastAttemptAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		j.CompletedAt = &v
	}
	if leasedUntil.Valid {
		v := leasedUntil.Time
		j.LeasedUntil = &v
	}
	if traceContext.Valid && traceContext.String != "" {
		var tc map[string]string
		if err := json.Unmarshal([]byte(traceContext.String), &tc); err != nil {
			return nil, err
		}
		j.TraceContext = tc
	}

	return &j, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if raw == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func marshalTraceContext(tc map[string]string) (sql.NullString, error) {
	if tc == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(tc)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
