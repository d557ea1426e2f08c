package sqlite

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/riverforge/queuert"
	"github.com/riverforge/queuert/internal/store"
)

// GetJobByID implements store.Driver.
func (d *Driver) GetJobByID(ctx context.Context, t store.Tx, jobID string) (*queuert.Job, error) {
	job, err := getJobByIDTx(ctx, asTx(t), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &queuert.NotFoundError{Kind: "job", ID: jobID}
	}
	return job, err
}

// GetJobForUpdate implements store.Driver. SQLite has no row-level lock to
// take explicitly; the enclosing transaction already holds exclusive
// write access for its lifetime once it performs its first write, which
// is the same guarantee GetJobForUpdate exists to provide.
func (d *Driver) GetJobForUpdate(ctx context.Context, t store.Tx, jobID string) (*queuert.Job, error) {
	return d.GetJobByID(ctx, t, jobID)
}

// GetCurrentJobForUpdate implements store.Driver.
func (d *Driver) GetCurrentJobForUpdate(ctx context.Context, t store.Tx, chainID string) (*queuert.Job, error) {
	sqlTx := asTx(t)
	row := sqlTx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE chain_id = ? ORDER BY chain_index DESC LIMIT 1`, chainID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &queuert.NotFoundError{Kind: "chain", ID: chainID}
	}
	return job, err
}

// GetJobChainByID implements store.Driver.
func (d *Driver) GetJobChainByID(ctx context.Context, t store.Tx, chainID string) (*queuert.Chain, error) {
	sqlTx := asTx(t)
	rows, err := sqlTx.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE chain_id = ? ORDER BY chain_index ASC`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*queuert.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if len(jobs) == 0 {
		return nil, &queuert.NotFoundError{Kind: "chain", ID: chainID}
	}

	chain := &queuert.Chain{Root: jobs[0]}
	if len(jobs) > 1 {
		chain.Current = jobs[len(jobs)-1]
	}
	return chain, nil
}

// GetJobBlockers implements store.Driver.
func (d *Driver) GetJobBlockers(ctx context.Context, t store.Tx, jobID string) ([]*queuert.Chain, error) {
	sqlTx := asTx(t)
	rows, err := sqlTx.QueryContext(ctx, `SELECT DISTINCT blocker_chain_id FROM job_blockers WHERE blocked_job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	var chainIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		chainIDs = append(chainIDs, id)
	}
	rows.Close()

	var out []*queuert.Chain
	for _, chainID := range chainIDs {
		chain, err := d.GetJobChainByID(ctx, t, chainID)
		var nfe *queuert.NotFoundError
		if errors.As(err, &nfe) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, chain)
	}
	return out, nil
}

// GetExternalBlockers implements store.Driver: blocker links crossing the
// boundary of the given rootChainIds in either direction.
func (d *Driver) GetExternalBlockers(ctx context.Context, t store.Tx, rootChainIDs []string) ([]queuert.BlockerLink, error) {
	sqlTx := asTx(t)
	set := make(map[string]bool, len(rootChainIDs))
	for _, id := range rootChainIDs {
		set[id] = true
	}

	rows, err := sqlTx.QueryContext(ctx, `SELECT blocked_job_id, blocker_chain_id, blocker_trace_context FROM job_blockers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []queuert.BlockerLink
	for rows.Next() {
		var blockedJobID, blockerChainID string
		var tcRaw sql.NullString
		if err := rows.Scan(&blockedJobID, &blockerChainID, &tcRaw); err != nil {
			return nil, err
		}

		var blockedRootChainID string
		err := sqlTx.QueryRowContext(ctx, `SELECT root_chain_id FROM jobs WHERE id = ?`, blockedJobID).Scan(&blockedRootChainID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}

		blockerRootChainID := blockerChainID
		err = sqlTx.QueryRowContext(ctx, `SELECT root_chain_id FROM jobs WHERE chain_id = ? AND chain_index = 0`, blockerChainID).Scan(&blockerRootChainID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		if set[blockedRootChainID] != set[blockerRootChainID] {
			var tc map[string]string
			if tcRaw.Valid && tcRaw.String != "" {
				if err := json.Unmarshal([]byte(tcRaw.String), &tc); err != nil {
					return nil, err
				}
			}
			out = append(out, queuert.BlockerLink{
				BlockedJobID:    blockedJobID,
				BlockerChainID:  blockerChainID,
				BlockerTraceCtx: tc,
			})
		}
	}
	return out, nil
}

// GetJobsBlockedByChain implements store.Driver.
func (d *Driver) GetJobsBlockedByChain(ctx context.Context, t store.Tx, chainID string) ([]*queuert.Job, error) {
	sqlTx := asTx(t)
	rows, err := sqlTx.QueryContext(ctx, `SELECT DISTINCT blocked_job_id FROM job_blockers WHERE blocker_chain_id = ?`, chainID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	var out []*queuert.Job
	for _, id := range ids {
		j, err := getJobByIDTx(ctx, sqlTx, id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// cursorPayload is the opaque pagination cursor for ListJobs/ListChains:
// the (createdAt, id) of the last row seen, matching the in-memory
// reference adapter's convention so callers see identical cursor shapes
// regardless of backend.
type cursorPayload struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

func encodeCursor(c cursorPayload) string {
	b, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(b)
}

func decodeCursor(s string) (cursorPayload, bool) {
	if s == "" {
		return cursorPayload{}, false
	}
	b, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return cursorPayload{}, false
	}
	var c cursorPayload
	if err := json.Unmarshal(b, &c); err != nil {
		return cursorPayload{}, false
	}
	return c, true
}

func buildFilterClause(f store.ListFilter, extra string) (string, []any) {
	clause := "WHERE 1=1"
	var args []any
	if f.TypeName != nil {
		clause += " AND type_name = ?"
		args = append(args, *f.TypeName)
	}
	if f.Status != nil {
		clause += " AND status = ?"
		args = append(args, string(*f.Status))
	}
	if extra != "" {
		clause += " AND " + extra
	}
	return clause, args
}

// ListJobs implements store.Driver. Default ordering is createdAt
// descending, id descending as a tiebreaker, matching the in-memory
// adapter.
func (d *Driver) ListJobs(ctx context.Context, t store.Tx, p store.ListJobsParams) (store.ListJobsResult, error) {
	sqlTx := asTx(t)

	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}

	clause, args := buildFilterClause(p.Filter, "")
	if c, ok := decodeCursor(p.Cursor); ok {
		clause += " AND (created_at < ? OR (created_at = ? AND id < ?))"
		args = append(args, c.CreatedAt, c.CreatedAt, c.ID)
	}
	args = append(args, limit+1)

	rows, err := sqlTx.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs `+clause+`
		ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return store.ListJobsResult{}, err
	}
	defer rows.Close()

	var jobs []*queuert.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return store.ListJobsResult{}, err
		}
		jobs = append(jobs, j)
	}

	next := ""
	if len(jobs) > limit {
		last := jobs[limit-1]
		next = encodeCursor(cursorPayload{CreatedAt: last.CreatedAt, ID: last.ID})
		jobs = jobs[:limit]
	}
	return store.ListJobsResult{Jobs: jobs, NextCursor: next}, nil
}

// ListChains implements store.Driver by listing chain roots (chain_index
// = 0) and attaching each one's current job, with the same cursor
// convention as ListJobs.
func (d *Driver) ListChains(ctx context.Context, t store.Tx, p store.ListChainsParams) (store.ListChainsResult, error) {
	sqlTx := asTx(t)

	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}

	clause, args := buildFilterClause(p.Filter, "chain_index = 0")
	if c, ok := decodeCursor(p.Cursor); ok {
		clause += " AND (created_at < ? OR (created_at = ? AND id < ?))"
		args = append(args, c.CreatedAt, c.CreatedAt, c.ID)
	}
	args = append(args, limit+1)

	rows, err := sqlTx.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs `+clause+`
		ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return store.ListChainsResult{}, err
	}

	var roots []*queuert.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return store.ListChainsResult{}, err
		}
		roots = append(roots, j)
	}
	rows.Close()

	next := ""
	if len(roots) > limit {
		last := roots[limit-1]
		next = encodeCursor(cursorPayload{CreatedAt: last.CreatedAt, ID: last.ID})
		roots = roots[:limit]
	}

	chains := make([]*queuert.Chain, len(roots))
	for i, root := range roots {
		c := &queuert.Chain{Root: root}
		row := sqlTx.QueryRowContext(ctx, `
			SELECT `+jobColumns+` FROM jobs WHERE chain_id = ? ORDER BY chain_index DESC LIMIT 1`, root.ChainID)
		last, err := scanJob(row)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return store.ListChainsResult{}, err
		}
		if err == nil && last.ChainIndex != 0 {
			c.Current = last
		}
		chains[i] = c
	}

	return store.ListChainsResult{Chains: chains, NextCursor: next}, nil
}
