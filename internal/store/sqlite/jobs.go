package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/riverforge/queuert"
	"github.com/riverforge/queuert/internal/store"
)

// CreateJob implements store.Driver. The dedup check-then-insert and the
// chainIndex-uniqueness check-then-insert both run inside the caller's
// transaction, which SQLite's single-writer model gives exclusive access
// for the duration of — the "atomic insert-or-fetch" the store contract
// calls for without needing a dedicated upsert statement.
func (d *Driver) CreateJob(ctx context.Context, t store.Tx, p store.CreateJobParams) (store.CreateJobResult, error) {
	sqlTx := asTx(t)

	if p.Deduplication != nil {
		owner, err := findDedupOwner(ctx, sqlTx, p.TypeName, p.Deduplication.Key, p.Deduplication.Scope)
		if err != nil {
			return store.CreateJobResult{}, err
		}
		if owner != nil {
			return store.CreateJobResult{Job: owner, Deduplicated: true}, nil
		}
	}

	var chainID string
	if p.ChainID == nil {
		if p.ChainIndex != 0 {
			return store.CreateJobResult{}, &queuert.JobTypeValidationError{TypeName: p.TypeName, Reason: "chainIndex must be 0 for a new chain root"}
		}
		chainID = uuid.NewString()
	} else {
		chainID = *p.ChainID
		existing, err := getJobByChainAndIndex(ctx, sqlTx, chainID, p.ChainIndex)
		if err != nil {
			return store.CreateJobResult{}, err
		}
		if existing != nil {
			return store.CreateJobResult{Job: existing, Deduplicated: true}, nil
		}
	}

	id := chainID
	if p.ChainIndex != 0 {
		id = uuid.NewString()
	}

	rootChainID := chainID
	if p.RootChainID != nil {
		rootChainID = *p.RootChainID
	}

	now := p.Now
	scheduledAt := p.Schedule.At(now)

	traceContext, err := marshalTraceContext(p.TraceContext)
	if err != nil {
		return store.CreateJobResult{}, err
	}

	var dedupKey, dedupScope sql.NullString
	if p.Deduplication != nil {
		dedupKey = sql.NullString{String: p.Deduplication.Key, Valid: true}
		dedupScope = sql.NullString{String: string(p.Deduplication.Scope), Valid: true}
	}

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO jobs (id, type_name, chain_id, chain_type_name, chain_index, root_chain_id,
			origin_id, status, input, scheduled_at, created_at, dedup_key, dedup_scope, trace_context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.TypeName, chainID, p.ChainTypeName, p.ChainIndex, rootChainID,
		nullString(p.OriginID), queuert.StatusPending, nullJSON(p.Input), scheduledAt, now,
		dedupKey, dedupScope, traceContext,
	)
	if err != nil {
		return store.CreateJobResult{}, fmt.Errorf("queuert/sqlite: insert job: %w", err)
	}

	job, err := getJobByIDTx(ctx, sqlTx, id)
	if err != nil {
		return store.CreateJobResult{}, err
	}
	return store.CreateJobResult{Job: job, Deduplicated: false}, nil
}

func findDedupOwner(ctx context.Context, tx *sql.Tx, typeName, key string, scope queuert.DeduplicationScope) (*queuert.Job, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE type_name = ? AND dedup_key = ? AND dedup_scope = ?
		ORDER BY created_at DESC LIMIT 1`,
		typeName, key, string(scope),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queuert/sqlite: find dedup owner: %w", err)
	}
	if scope == queuert.DedupScopeAny || job.Status != queuert.StatusCompleted {
		return job, nil
	}
	// Stale incomplete-scope record: the owner completed, so the key is
	// free again.
	return nil, nil
}

func getJobByChainAndIndex(ctx context.Context, tx *sql.Tx, chainID string, chainIndex int64) (*queuert.Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE chain_id = ? AND chain_index = ?`, chainID, chainIndex)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queuert/sqlite: get job by chain/index: %w", err)
	}
	return job, nil
}

func getJobByIDTx(ctx context.Context, tx *sql.Tx, id string) (*queuert.Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func chainCompletedTx(ctx context.Context, tx *sql.Tx, chainID string) (bool, error) {
	var status string
	err := tx.QueryRowContext(ctx, `
		SELECT status FROM jobs WHERE chain_id = ? ORDER BY chain_index DESC LIMIT 1`, chainID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == string(queuert.StatusCompleted), nil
}

// AddJobBlockers implements store.Driver.
func (d *Driver) AddJobBlockers(ctx context.Context, t store.Tx, p store.AddJobBlockersParams) (store.AddJobBlockersResult, error) {
	sqlTx := asTx(t)

	job, err := getJobByIDTx(ctx, sqlTx, p.JobID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.AddJobBlockersResult{}, &queuert.NotFoundError{Kind: "job", ID: p.JobID}
	}
	if err != nil {
		return store.AddJobBlockersResult{}, err
	}

	incomplete := make([]string, 0, len(p.BlockedByChainIDs))
	traceContexts := make(map[string]map[string]string, len(p.BlockedByChainIDs))

	for i, blockerChainID := range p.BlockedByChainIDs {
		var tc map[string]string
		if p.BlockerTraceContexts != nil && i < len(p.BlockerTraceContexts) {
			tc = p.BlockerTraceContexts[i]
		}
		tcJSON, err := marshalTraceContext(tc)
		if err != nil {
			return store.AddJobBlockersResult{}, err
		}
		if _, err := sqlTx.ExecContext(ctx, `
			INSERT OR IGNORE INTO job_blockers (blocked_job_id, blocker_chain_id, blocker_trace_context)
			VALUES (?, ?, ?)`, job.ID, blockerChainID, tcJSON,
		); err != nil {
			return store.AddJobBlockersResult{}, fmt.Errorf("queuert/sqlite: insert blocker: %w", err)
		}
		traceContexts[blockerChainID] = tc

		completed, err := chainCompletedTx(ctx, sqlTx, blockerChainID)
		if err != nil {
			return store.AddJobBlockersResult{}, err
		}
		if !completed {
			incomplete = append(incomplete, blockerChainID)
		}

		// Context adoption (spec §4.4): an independent blocker chain
		// (rootChainId == its own chainId) is rewritten under the main
		// job's rootChainId.
		var blockerRootChainID string
		err = sqlTx.QueryRowContext(ctx, `SELECT root_chain_id FROM jobs WHERE chain_id = ? AND chain_index = 0`, blockerChainID).Scan(&blockerRootChainID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return store.AddJobBlockersResult{}, err
		}
		if blockerRootChainID == blockerChainID {
			if _, err := sqlTx.ExecContext(ctx, `UPDATE jobs SET root_chain_id = ? WHERE chain_id = ?`, job.RootChainID, blockerChainID); err != nil {
				return store.AddJobBlockersResult{}, err
			}
			if _, err := sqlTx.ExecContext(ctx, `UPDATE jobs SET origin_id = ? WHERE chain_id = ? AND chain_index = 0`, job.ID, blockerChainID); err != nil {
				return store.AddJobBlockersResult{}, err
			}
		}
	}

	status := queuert.StatusPending
	if len(incomplete) > 0 {
		status = queuert.StatusBlocked
	}
	if _, err := sqlTx.ExecContext(ctx, `UPDATE jobs SET status = ? WHERE id = ?`, status, job.ID); err != nil {
		return store.AddJobBlockersResult{}, err
	}

	updated, err := getJobByIDTx(ctx, sqlTx, job.ID)
	if err != nil {
		return store.AddJobBlockersResult{}, err
	}
	return store.AddJobBlockersResult{Job: updated, IncompleteBlockerChainIDs: incomplete, BlockerChainTraceContexts: traceContexts}, nil
}

// ScheduleBlockedJobs implements store.Driver.
func (d *Driver) ScheduleBlockedJobs(ctx context.Context, t store.Tx, blockedByChainID string) (store.ScheduleBlockedJobsResult, error) {
	sqlTx := asTx(t)

	rows, err := sqlTx.QueryContext(ctx, `SELECT DISTINCT blocked_job_id FROM job_blockers WHERE blocker_chain_id = ?`, blockedByChainID)
	if err != nil {
		return store.ScheduleBlockedJobsResult{}, fmt.Errorf("queuert/sqlite: list candidates: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return store.ScheduleBlockedJobsResult{}, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()

	var unblocked []*queuert.Job
	traceContexts := make(map[string]map[string]string)

	for _, jobID := range candidates {
		job, err := getJobByIDTx(ctx, sqlTx, jobID)
		if errors.Is(err, sql.ErrNoRows) || job.Status != queuert.StatusBlocked {
			continue
		}
		if err != nil {
			return store.ScheduleBlockedJobsResult{}, err
		}

		blockerRows, err := sqlTx.QueryContext(ctx, `SELECT blocker_chain_id, blocker_trace_context FROM job_blockers WHERE blocked_job_id = ?`, jobID)
		if err != nil {
			return store.ScheduleBlockedJobsResult{}, err
		}
		allComplete := true
		var lastTrace map[string]string
		for blockerRows.Next() {
			var chainID string
			var tcRaw sql.NullString
			if err := blockerRows.Scan(&chainID, &tcRaw); err != nil {
				blockerRows.Close()
				return store.ScheduleBlockedJobsResult{}, err
			}
			completed, err := chainCompletedTx(ctx, sqlTx, chainID)
			if err != nil {
				blockerRows.Close()
				return store.ScheduleBlockedJobsResult{}, err
			}
			if !completed {
				allComplete = false
				break
			}
			if chainID == blockedByChainID && tcRaw.Valid {
				var tc map[string]string
				_ = jsonUnmarshalLenient(tcRaw.String, &tc)
				lastTrace = tc
			}
		}
		blockerRows.Close()

		if allComplete {
			if _, err := sqlTx.ExecContext(ctx, `UPDATE jobs SET status = ? WHERE id = ?`, queuert.StatusPending, jobID); err != nil {
				return store.ScheduleBlockedJobsResult{}, err
			}
			updated, err := getJobByIDTx(ctx, sqlTx, jobID)
			if err != nil {
				return store.ScheduleBlockedJobsResult{}, err
			}
			unblocked = append(unblocked, updated)
			traceContexts[jobID] = lastTrace
		}
	}

	return store.ScheduleBlockedJobsResult{UnblockedJobs: unblocked, BlockerTraceContexts: traceContexts}, nil
}

// GetNextJobAvailableInMs implements store.Driver.
func (d *Driver) GetNextJobAvailableInMs(ctx context.Context, t store.Tx, typeNames []string, now time.Time) (*int64, error) {
	sqlTx := asTx(t)
	query, args := inClauseQuery(`
		SELECT scheduled_at FROM jobs
		WHERE status = ? AND type_name IN (%s)
		ORDER BY scheduled_at ASC LIMIT 1`, queuert.StatusPending, typeNames)

	var scheduledAt time.Time
	err := sqlTx.QueryRowContext(ctx, query, args...).Scan(&scheduledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queuert/sqlite: next available: %w", err)
	}
	ms := scheduledAt.Sub(now).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return &ms, nil
}

// AcquireJob implements store.Driver: it selects the oldest eligible id
// (SELECT ... LIMIT 1) and claims it with UPDATE ... WHERE id = ? in the
// same transaction, standing in for the Postgres
// `SELECT ... FOR UPDATE SKIP LOCKED` idiom. SQLite has no row locks, but it
// admits only one writer at a time, so of two transactions that selected
// the same row only one can commit its UPDATE; the other does not skip
// ahead to a different row.
func (d *Driver) AcquireJob(ctx context.Context, t store.Tx, p store.AcquireJobParams) (store.AcquireJobResult, error) {
	sqlTx := asTx(t)

	until := p.Now.Add(time.Duration(p.LeaseMs) * time.Millisecond)

	selectQuery, selectArgs := inClauseQuery(`
		SELECT id FROM jobs
		WHERE status = ? AND type_name IN (%s) AND scheduled_at <= ?
		ORDER BY scheduled_at ASC, created_at ASC, id ASC LIMIT 1`,
		queuert.StatusPending, p.TypeNames)
	selectArgs = append(selectArgs, p.Now)

	var id string
	err := sqlTx.QueryRowContext(ctx, selectQuery, selectArgs...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.AcquireJobResult{}, nil
	}
	if err != nil {
		return store.AcquireJobResult{}, fmt.Errorf("queuert/sqlite: select candidate: %w", err)
	}

	_, err = sqlTx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempt = attempt + 1, leased_by = ?, leased_until = ?
		WHERE id = ?`, queuert.StatusRunning, p.WorkerID, until, id)
	if err != nil {
		return store.AcquireJobResult{}, fmt.Errorf("queuert/sqlite: claim job: %w", err)
	}

	job, err := getJobByIDTx(ctx, sqlTx, id)
	if err != nil {
		return store.AcquireJobResult{}, err
	}

	moreQuery, moreArgs := inClauseQuery(`
		SELECT 1 FROM jobs WHERE status = ? AND type_name IN (%s) AND scheduled_at <= ? LIMIT 1`,
		queuert.StatusPending, p.TypeNames)
	moreArgs = append(moreArgs, p.Now)
	var one int
	err = sqlTx.QueryRowContext(ctx, moreQuery, moreArgs...).Scan(&one)
	hasMore := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return store.AcquireJobResult{}, err
	}

	return store.AcquireJobResult{Job: job, HasMore: hasMore}, nil
}

// RenewJobLease implements store.Driver.
func (d *Driver) RenewJobLease(ctx context.Context, t store.Tx, p store.RenewJobLeaseParams) (*queuert.Job, error) {
	sqlTx := asTx(t)
	job, err := getJobByIDTx(ctx, sqlTx, p.JobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &queuert.NotFoundError{Kind: "job", ID: p.JobID}
	}
	if err != nil {
		return nil, err
	}
	if job.Status != queuert.StatusRunning || job.LeasedBy == nil || *job.LeasedBy != p.WorkerID {
		return nil, &queuert.LeaseExpired{JobID: p.JobID, WorkerID: p.WorkerID}
	}
	until := p.Now.Add(time.Duration(p.LeaseDurationMs) * time.Millisecond)
	if _, err := sqlTx.ExecContext(ctx, `UPDATE jobs SET leased_until = ? WHERE id = ?`, until, p.JobID); err != nil {
		return nil, err
	}
	return getJobByIDTx(ctx, sqlTx, p.JobID)
}

// RescheduleJob implements store.Driver.
func (d *Driver) RescheduleJob(ctx context.Context, t store.Tx, p store.RescheduleJobParams) (*queuert.Job, error) {
	sqlTx := asTx(t)
	if _, err := getJobByIDTx(ctx, sqlTx, p.JobID); errors.Is(err, sql.ErrNoRows) {
		return nil, &queuert.NotFoundError{Kind: "job", ID: p.JobID}
	} else if err != nil {
		return nil, err
	}

	scheduledAt := p.Schedule.At(p.Now)
	_, err := sqlTx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, scheduled_at = ?, last_attempt_error = ?, last_attempt_at = ?,
			leased_by = NULL, leased_until = NULL
		WHERE id = ?`, queuert.StatusPending, scheduledAt, p.Error, p.Now, p.JobID)
	if err != nil {
		return nil, err
	}
	return getJobByIDTx(ctx, sqlTx, p.JobID)
}

// CompleteJob implements store.Driver.
func (d *Driver) CompleteJob(ctx context.Context, t store.Tx, p store.CompleteJobParams) (*queuert.Job, error) {
	sqlTx := asTx(t)
	job, err := getJobByIDTx(ctx, sqlTx, p.JobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &queuert.NotFoundError{Kind: "job", ID: p.JobID}
	}
	if err != nil {
		return nil, err
	}
	if job.Status != queuert.StatusRunning || job.LeasedBy == nil || *job.LeasedBy != p.WorkerID {
		return nil, &queuert.LeaseExpired{JobID: p.JobID, WorkerID: p.WorkerID}
	}

	_, err = sqlTx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, output = ?, completed_at = ?, completed_by = ?,
			leased_by = NULL, leased_until = NULL
		WHERE id = ?`, queuert.StatusCompleted, nullJSON(p.Output), p.Now, p.WorkerID, p.JobID)
	if err != nil {
		return nil, err
	}

	// No row deletion needed for an "incomplete" scoped dedup key: once
	// completed, findDedupOwner treats this row as stale and lets the key
	// be claimed again (see idx_jobs_dedup in 001_initial_schema.go).

	return getJobByIDTx(ctx, sqlTx, p.JobID)
}

// RemoveExpiredJobLease implements store.Driver.
func (d *Driver) RemoveExpiredJobLease(ctx context.Context, t store.Tx, p store.RemoveExpiredJobLeaseParams) (*queuert.Job, error) {
	sqlTx := asTx(t)

	query, args := inClauseQuery(`
		SELECT id FROM jobs WHERE status = ? AND type_name IN (%s) AND leased_until < ?`,
		queuert.StatusRunning, p.TypeNames)
	args = append(args, p.Now)

	rows, err := sqlTx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queuert/sqlite: scan expired leases: %w", err)
	}
	ignored := make(map[string]bool, len(p.IgnoredJobIDs))
	for _, id := range p.IgnoredJobIDs {
		ignored[id] = true
	}
	var candidate string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		if !ignored[id] {
			candidate = id
			break
		}
	}
	rows.Close()
	if candidate == "" {
		return nil, nil
	}

	if _, err := sqlTx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, leased_by = NULL, leased_until = NULL WHERE id = ?`,
		queuert.StatusPending, candidate,
	); err != nil {
		return nil, err
	}
	return getJobByIDTx(ctx, sqlTx, candidate)
}

// DeleteJobsByChainIDs implements store.Driver.
func (d *Driver) DeleteJobsByChainIDs(ctx context.Context, t store.Tx, chainIDs []string) error {
	sqlTx := asTx(t)

	set := make(map[string]bool, len(chainIDs))
	for _, id := range chainIDs {
		set[id] = true
	}

	q2, a2 := inClauseQuery(`SELECT blocker_chain_id, blocked_job_id FROM job_blockers WHERE blocker_chain_id IN (%s)`, nil, chainIDs)
	rows, err := sqlTx.QueryContext(ctx, q2, a2...)
	if err != nil {
		return fmt.Errorf("queuert/sqlite: scan blocker references: %w", err)
	}
	type ref struct{ blockerChainID, blockedJobID string }
	var refs []ref
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.blockerChainID, &r.blockedJobID); err != nil {
			rows.Close()
			return err
		}
		refs = append(refs, r)
	}
	rows.Close()

	for _, r := range refs {
		var blockedChainID string
		err := sqlTx.QueryRowContext(ctx, `SELECT chain_id FROM jobs WHERE id = ?`, r.blockedJobID).Scan(&blockedChainID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return err
		}
		if !set[blockedChainID] {
			return &queuert.BlockerReferenceError{ChainID: r.blockerChainID, ReferencingChain: blockedChainID}
		}
	}

	delQuery, delArgs := inClauseQuery(`DELETE FROM job_blockers WHERE blocked_job_id IN (SELECT id FROM jobs WHERE chain_id IN (%s))`, nil, chainIDs)
	if _, err := sqlTx.ExecContext(ctx, delQuery, delArgs...); err != nil {
		return err
	}
	delQuery2, delArgs2 := inClauseQuery(`DELETE FROM job_blockers WHERE blocker_chain_id IN (%s)`, nil, chainIDs)
	if _, err := sqlTx.ExecContext(ctx, delQuery2, delArgs2...); err != nil {
		return err
	}
	delJobs, jobArgs := inClauseQuery(`DELETE FROM jobs WHERE chain_id IN (%s)`, nil, chainIDs)
	if _, err := sqlTx.ExecContext(ctx, delJobs, jobArgs...); err != nil {
		return err
	}
	return nil
}

// jsonUnmarshalLenient ignores an empty string instead of failing to
// unmarshal it, for optional trace-context columns.
func jsonUnmarshalLenient(s string, v any) error {
	if s == "" {
		return nil
	}
	return jsonUnmarshal(s, v)
}
