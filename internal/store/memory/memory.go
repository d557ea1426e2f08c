// Package memory is the in-process reference adapter for store.Driver: a
// conformance-test target and a convenient backend for unit tests that
// don't need real persistence. It holds all state under a single mutex,
// which trivially satisfies the serializable-transaction contract every
// production driver must also provide.
package memory

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/riverforge/queuert"
	"github.com/riverforge/queuert/internal/store"
)

type dedupKey struct {
	typeName string
	key      string
	scope    queuert.DeduplicationScope
}

// Store is the in-memory store.Driver implementation.
type Store struct {
	mu sync.Mutex

	jobs     map[string]*queuert.Job // id -> job
	byChain  map[string][]string     // chainID -> job ids, index-ordered by append (we resort on read)
	blockers []queuert.BlockerLink
	dedup    map[dedupKey]string // -> owning job id

	snapshot *snapshotState // non-nil while a transaction is open
}

type snapshotState struct {
	jobs     map[string]*queuert.Job
	byChain  map[string][]string
	blockers []queuert.BlockerLink
	dedup    map[dedupKey]string
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		jobs:    make(map[string]*queuert.Job),
		byChain: make(map[string][]string),
		dedup:   make(map[dedupKey]string),
	}
}

type tx struct{}

func (tx) txMarker() {}

// Begin locks the store's single mutex and snapshots its state, giving
// every operation run before the matching Commit/Rollback the same
// isolation a serializable SQL transaction would: no concurrent
// transaction is observed mid-flight, and a Rollback undoes exactly the
// mutations made since Begin.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	s.mu.Lock()
	s.snapshot = s.takeSnapshot()
	return tx{}, nil
}

func (s *Store) Commit(ctx context.Context, _ store.Tx) error {
	s.snapshot = nil
	s.mu.Unlock()
	return nil
}

func (s *Store) Rollback(ctx context.Context, _ store.Tx) error {
	if s.snapshot != nil {
		s.jobs = s.snapshot.jobs
		s.byChain = s.snapshot.byChain
		s.blockers = s.snapshot.blockers
		s.dedup = s.snapshot.dedup
		s.snapshot = nil
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) takeSnapshot() *snapshotState {
	jobs := make(map[string]*queuert.Job, len(s.jobs))
	for k, v := range s.jobs {
		jobs[k] = cloneJob(v)
	}
	byChain := make(map[string][]string, len(s.byChain))
	for k, v := range s.byChain {
		cp := make([]string, len(v))
		copy(cp, v)
		byChain[k] = cp
	}
	blockers := make([]queuert.BlockerLink, len(s.blockers))
	copy(blockers, s.blockers)
	dedup := make(map[dedupKey]string, len(s.dedup))
	for k, v := range s.dedup {
		dedup[k] = v
	}
	return &snapshotState{jobs: jobs, byChain: byChain, blockers: blockers, dedup: dedup}
}

func (s *Store) Close() error { return nil }

func cloneJob(j *queuert.Job) *queuert.Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.LastAttemptAt != nil {
		t := *j.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	if j.LastAttemptError != nil {
		v := *j.LastAttemptError
		cp.LastAttemptError = &v
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.LeasedBy != nil {
		v := *j.LeasedBy
		cp.LeasedBy = &v
	}
	if j.LeasedUntil != nil {
		t := *j.LeasedUntil
		cp.LeasedUntil = &t
	}
	if j.CompletedBy != nil {
		v := *j.CompletedBy
		cp.CompletedBy = &v
	}
	if j.DeduplicationKey != nil {
		v := *j.DeduplicationKey
		cp.DeduplicationKey = &v
	}
	if j.DeduplicationScope != nil {
		v := *j.DeduplicationScope
		cp.DeduplicationScope = &v
	}
	if j.OriginID != nil {
		v := *j.OriginID
		cp.OriginID = &v
	}
	if j.TraceContext != nil {
		m := make(map[string]string, len(j.TraceContext))
		for k, v := range j.TraceContext {
			m[k] = v
		}
		cp.TraceContext = m
	}
	return &cp
}

func (s *Store) jobsInChain(chainID string) []*queuert.Job {
	ids := s.byChain[chainID]
	out := make([]*queuert.Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.jobs[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainIndex < out[j].ChainIndex })
	return out
}

func (s *Store) chainCompleted(chainID string) bool {
	jobs := s.jobsInChain(chainID)
	if len(jobs) == 0 {
		return false
	}
	last := jobs[len(jobs)-1]
	return last.Status == queuert.StatusCompleted
}

// CreateJob implements store.Driver.
func (s *Store) CreateJob(ctx context.Context, _ store.Tx, p store.CreateJobParams) (store.CreateJobResult, error) {
	// Atomic insert-or-fetch on the deduplication key.
	if p.Deduplication != nil {
		dk := dedupKey{typeName: p.TypeName, key: p.Deduplication.Key, scope: p.Deduplication.Scope}
		if ownerID, ok := s.dedup[dk]; ok {
			owner := s.jobs[ownerID]
			if owner != nil && (p.Deduplication.Scope == queuert.DedupScopeAny || owner.Status != queuert.StatusCompleted) {
				return store.CreateJobResult{Job: cloneJob(owner), Deduplicated: true}, nil
			}
			// Stale incomplete-scope record: the owner completed, so the
			// key is free again. Fall through to create fresh.
			delete(s.dedup, dk)
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
		// Invariant 2: duplicate continuation at the same (chainId, chainIndex)
		// is deduplicated to the pre-existing row.
		for _, j := range s.jobsInChain(chainID) {
			if j.ChainIndex == p.ChainIndex {
				return store.CreateJobResult{Job: cloneJob(j), Deduplicated: true}, nil
			}
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
	job := &queuert.Job{
		ID:            id,
		TypeName:      p.TypeName,
		ChainID:       chainID,
		ChainTypeName: p.ChainTypeName,
		ChainIndex:    p.ChainIndex,
		RootChainID:   rootChainID,
		OriginID:      p.OriginID,
		Status:        queuert.StatusPending,
		Input:         p.Input,
		ScheduledAt:   p.Schedule.At(now),
		CreatedAt:     now,
		TraceContext:  p.TraceContext,
	}
	if p.Deduplication != nil {
		k := p.Deduplication.Key
		sc := p.Deduplication.Scope
		job.DeduplicationKey = &k
		job.DeduplicationScope = &sc
	}

	s.jobs[job.ID] = job
	s.byChain[chainID] = append(s.byChain[chainID], job.ID)
	if p.Deduplication != nil {
		s.dedup[dedupKey{typeName: p.TypeName, key: p.Deduplication.Key, scope: p.Deduplication.Scope}] = job.ID
	}

	return store.CreateJobResult{Job: cloneJob(job), Deduplicated: false}, nil
}

// AddJobBlockers implements store.Driver.
func (s *Store) AddJobBlockers(ctx context.Context, _ store.Tx, p store.AddJobBlockersParams) (store.AddJobBlockersResult, error) {
	job, ok := s.jobs[p.JobID]
	if !ok {
		return store.AddJobBlockersResult{}, &queuert.NotFoundError{Kind: "job", ID: p.JobID}
	}

	incomplete := make([]string, 0, len(p.BlockedByChainIDs))
	traceContexts := make(map[string]map[string]string, len(p.BlockedByChainIDs))
	for i, blockerChainID := range p.BlockedByChainIDs {
		exists := false
		for _, l := range s.blockers {
			if l.BlockedJobID == job.ID && l.BlockerChainID == blockerChainID {
				exists = true
				break
			}
		}
		var tc map[string]string
		if p.BlockerTraceContexts != nil && i < len(p.BlockerTraceContexts) {
			tc = p.BlockerTraceContexts[i]
		}
		if !exists {
			s.blockers = append(s.blockers, queuert.BlockerLink{
				BlockedJobID:    job.ID,
				BlockerChainID:  blockerChainID,
				BlockerTraceCtx: tc,
			})
		}
		traceContexts[blockerChainID] = tc

		if !s.chainCompleted(blockerChainID) {
			incomplete = append(incomplete, blockerChainID)
		}

		// Context adoption (spec §4.4): if the blocker chain is still
		// independent (its jobs carry rootChainId == their own chainId),
		// rewrite it under the main job's rootChainId.
		blockerJobs := s.jobsInChain(blockerChainID)
		if len(blockerJobs) > 0 && blockerJobs[0].RootChainID == blockerChainID {
			for _, bj := range blockerJobs {
				bj.RootChainID = job.RootChainID
			}
			mainID := job.ID
			blockerJobs[0].OriginID = &mainID
		}
	}

	if len(incomplete) > 0 {
		job.Status = queuert.StatusBlocked
	} else {
		job.Status = queuert.StatusPending
	}

	return store.AddJobBlockersResult{
		Job:                       cloneJob(job),
		IncompleteBlockerChainIDs: incomplete,
		BlockerChainTraceContexts: traceContexts,
	}, nil
}

// ScheduleBlockedJobs implements store.Driver.
func (s *Store) ScheduleBlockedJobs(ctx context.Context, _ store.Tx, blockedByChainID string) (store.ScheduleBlockedJobsResult, error) {
	candidateIDs := map[string]bool{}
	for _, l := range s.blockers {
		if l.BlockerChainID == blockedByChainID {
			candidateIDs[l.BlockedJobID] = true
		}
	}

	var unblocked []*queuert.Job
	traceContexts := make(map[string]map[string]string)
	for jobID := range candidateIDs {
		job := s.jobs[jobID]
		if job == nil || job.Status != queuert.StatusBlocked {
			continue
		}
		allComplete := true
		var lastTrace map[string]string
		for _, l := range s.blockers {
			if l.BlockedJobID != jobID {
				continue
			}
			if !s.chainCompleted(l.BlockerChainID) {
				allComplete = false
				break
			}
			if l.BlockerChainID == blockedByChainID {
				lastTrace = l.BlockerTraceCtx
			}
		}
		if allComplete {
			job.Status = queuert.StatusPending
			unblocked = append(unblocked, cloneJob(job))
			traceContexts[jobID] = lastTrace
		}
	}

	sort.Slice(unblocked, func(i, j int) bool { return unblocked[i].ID < unblocked[j].ID })
	return store.ScheduleBlockedJobsResult{UnblockedJobs: unblocked, BlockerTraceContexts: traceContexts}, nil
}

// GetNextJobAvailableInMs implements store.Driver.
func (s *Store) GetNextJobAvailableInMs(ctx context.Context, _ store.Tx, typeNames []string, now time.Time) (*int64, error) {
	types := toSet(typeNames)
	var earliest *time.Time
	for _, j := range s.jobs {
		if j.Status != queuert.StatusPending || !types[j.TypeName] {
			continue
		}
		if !j.ScheduledAt.After(now) {
			zero := int64(0)
			return &zero, nil
		}
		if earliest == nil || j.ScheduledAt.Before(*earliest) {
			t := j.ScheduledAt
			earliest = &t
		}
	}
	if earliest == nil {
		return nil, nil
	}
	ms := earliest.Sub(now).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return &ms, nil
}

// AcquireJob implements store.Driver.
func (s *Store) AcquireJob(ctx context.Context, _ store.Tx, p store.AcquireJobParams) (store.AcquireJobResult, error) {
	types := toSet(p.TypeNames)
	var eligible []*queuert.Job
	for _, j := range s.jobs {
		if j.Status == queuert.StatusPending && types[j.TypeName] && !j.ScheduledAt.After(p.Now) {
			eligible = append(eligible, j)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	if len(eligible) == 0 {
		return store.AcquireJobResult{}, nil
	}

	chosen := eligible[0]
	chosen.Status = queuert.StatusRunning
	chosen.Attempt++
	workerID := p.WorkerID
	chosen.LeasedBy = &workerID
	until := p.Now.Add(time.Duration(p.LeaseMs) * time.Millisecond)
	chosen.LeasedUntil = &until

	return store.AcquireJobResult{Job: cloneJob(chosen), HasMore: len(eligible) > 1}, nil
}

// RenewJobLease implements store.Driver.
func (s *Store) RenewJobLease(ctx context.Context, _ store.Tx, p store.RenewJobLeaseParams) (*queuert.Job, error) {
	job := s.jobs[p.JobID]
	if job == nil {
		return nil, &queuert.NotFoundError{Kind: "job", ID: p.JobID}
	}
	if job.Status != queuert.StatusRunning || job.LeasedBy == nil || *job.LeasedBy != p.WorkerID {
		return nil, &queuert.LeaseExpired{JobID: p.JobID, WorkerID: p.WorkerID}
	}
	until := p.Now.Add(time.Duration(p.LeaseDurationMs) * time.Millisecond)
	job.LeasedUntil = &until
	return cloneJob(job), nil
}

// RescheduleJob implements store.Driver.
func (s *Store) RescheduleJob(ctx context.Context, _ store.Tx, p store.RescheduleJobParams) (*queuert.Job, error) {
	job := s.jobs[p.JobID]
	if job == nil {
		return nil, &queuert.NotFoundError{Kind: "job", ID: p.JobID}
	}
	job.Status = queuert.StatusPending
	job.ScheduledAt = p.Schedule.At(p.Now)
	errMsg := p.Error
	job.LastAttemptError = &errMsg
	lastAt := p.Now
	job.LastAttemptAt = &lastAt
	job.LeasedBy = nil
	job.LeasedUntil = nil
	return cloneJob(job), nil
}

// CompleteJob implements store.Driver.
func (s *Store) CompleteJob(ctx context.Context, _ store.Tx, p store.CompleteJobParams) (*queuert.Job, error) {
	job := s.jobs[p.JobID]
	if job == nil {
		return nil, &queuert.NotFoundError{Kind: "job", ID: p.JobID}
	}
	if job.Status != queuert.StatusRunning || job.LeasedBy == nil || *job.LeasedBy != p.WorkerID {
		return nil, &queuert.LeaseExpired{JobID: p.JobID, WorkerID: p.WorkerID}
	}
	job.Status = queuert.StatusCompleted
	job.Output = p.Output
	completedAt := p.Now
	job.CompletedAt = &completedAt
	workerID := p.WorkerID
	job.CompletedBy = &workerID
	job.LeasedBy = nil
	job.LeasedUntil = nil
	if job.DeduplicationScope != nil && *job.DeduplicationScope == queuert.DedupScopeIncomplete && job.DeduplicationKey != nil {
		delete(s.dedup, dedupKey{typeName: job.TypeName, key: *job.DeduplicationKey, scope: *job.DeduplicationScope})
	}
	return cloneJob(job), nil
}

// RemoveExpiredJobLease implements store.Driver.
func (s *Store) RemoveExpiredJobLease(ctx context.Context, _ store.Tx, p store.RemoveExpiredJobLeaseParams) (*queuert.Job, error) {
	types := toSet(p.TypeNames)
	ignored := toSet(p.IgnoredJobIDs)
	for _, j := range s.jobs {
		if j.Status != queuert.StatusRunning || !types[j.TypeName] || ignored[j.ID] {
			continue
		}
		if j.LeasedUntil == nil || !j.LeasedUntil.Before(p.Now) {
			continue
		}
		j.Status = queuert.StatusPending
		j.LeasedBy = nil
		j.LeasedUntil = nil
		return cloneJob(j), nil
	}
	return nil, nil
}

// DeleteJobsByChainIDs implements store.Driver.
func (s *Store) DeleteJobsByChainIDs(ctx context.Context, _ store.Tx, chainIDs []string) error {
	set := toSet(chainIDs)

	for _, l := range s.blockers {
		if !set[l.BlockerChainID] {
			continue
		}
		blocked := s.jobs[l.BlockedJobID]
		if blocked != nil && !set[blocked.ChainID] {
			return &queuert.BlockerReferenceError{ChainID: l.BlockerChainID, ReferencingChain: blocked.ChainID}
		}
	}

	for chainID := range set {
		for _, id := range s.byChain[chainID] {
			job := s.jobs[id]
			if job != nil && job.DeduplicationKey != nil && job.DeduplicationScope != nil {
				delete(s.dedup, dedupKey{typeName: job.TypeName, key: *job.DeduplicationKey, scope: *job.DeduplicationScope})
			}
			delete(s.jobs, id)
		}
		delete(s.byChain, chainID)
	}

	kept := make([]queuert.BlockerLink, 0, len(s.blockers))
	for _, l := range s.blockers {
		if _, ok := s.jobs[l.BlockedJobID]; !ok {
			continue
		}
		if set[l.BlockerChainID] {
			continue
		}
		kept = append(kept, l)
	}
	s.blockers = kept

	return nil
}

// GetJobByID implements store.Driver.
func (s *Store) GetJobByID(ctx context.Context, _ store.Tx, jobID string) (*queuert.Job, error) {
	j := s.jobs[jobID]
	if j == nil {
		return nil, &queuert.NotFoundError{Kind: "job", ID: jobID}
	}
	return cloneJob(j), nil
}

// GetJobForUpdate implements store.Driver. In-memory, the transaction
// mutex already serializes every reader and writer, so this is identical
// to GetJobByID; a real adapter takes a row lock here instead.
func (s *Store) GetJobForUpdate(ctx context.Context, tx store.Tx, jobID string) (*queuert.Job, error) {
	return s.GetJobByID(ctx, tx, jobID)
}

// GetCurrentJobForUpdate implements store.Driver.
func (s *Store) GetCurrentJobForUpdate(ctx context.Context, _ store.Tx, chainID string) (*queuert.Job, error) {
	jobs := s.jobsInChain(chainID)
	if len(jobs) == 0 {
		return nil, &queuert.NotFoundError{Kind: "chain", ID: chainID}
	}
	return cloneJob(jobs[len(jobs)-1]), nil
}

// GetJobChainByID implements store.Driver.
func (s *Store) GetJobChainByID(ctx context.Context, _ store.Tx, chainID string) (*queuert.Chain, error) {
	jobs := s.jobsInChain(chainID)
	if len(jobs) == 0 {
		return nil, &queuert.NotFoundError{Kind: "chain", ID: chainID}
	}
	root := cloneJob(jobs[0])
	chain := &queuert.Chain{Root: root}
	if len(jobs) > 1 {
		chain.Current = cloneJob(jobs[len(jobs)-1])
	}
	return chain, nil
}

// GetJobBlockers implements store.Driver.
func (s *Store) GetJobBlockers(ctx context.Context, _ store.Tx, jobID string) ([]*queuert.Chain, error) {
	var out []*queuert.Chain
	for _, l := range s.blockers {
		if l.BlockedJobID != jobID {
			continue
		}
		jobs := s.jobsInChain(l.BlockerChainID)
		if len(jobs) == 0 {
			continue
		}
		chain := &queuert.Chain{Root: cloneJob(jobs[0])}
		if len(jobs) > 1 {
			chain.Current = cloneJob(jobs[len(jobs)-1])
		}
		out = append(out, chain)
	}
	return out, nil
}

// GetExternalBlockers implements store.Driver: blocker links crossing the
// boundary of the given rootChainIds in either direction.
func (s *Store) GetExternalBlockers(ctx context.Context, _ store.Tx, rootChainIDs []string) ([]queuert.BlockerLink, error) {
	set := toSet(rootChainIDs)
	var out []queuert.BlockerLink
	for _, l := range s.blockers {
		blocked := s.jobs[l.BlockedJobID]
		if blocked == nil {
			continue
		}
		blockedIn := set[blocked.RootChainID]
		blockerJobs := s.jobsInChain(l.BlockerChainID)
		blockerRootChainID := l.BlockerChainID
		if len(blockerJobs) > 0 {
			blockerRootChainID = blockerJobs[0].RootChainID
		}
		blockerIn := set[blockerRootChainID]
		if blockedIn != blockerIn {
			out = append(out, l)
		}
	}
	return out, nil
}

// GetJobsBlockedByChain implements store.Driver.
func (s *Store) GetJobsBlockedByChain(ctx context.Context, _ store.Tx, chainID string) ([]*queuert.Job, error) {
	var out []*queuert.Job
	for _, l := range s.blockers {
		if l.BlockerChainID != chainID {
			continue
		}
		if j := s.jobs[l.BlockedJobID]; j != nil {
			out = append(out, cloneJob(j))
		}
	}
	return out, nil
}

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

func matchesFilter(j *queuert.Job, f store.ListFilter) bool {
	if f.TypeName != nil && j.TypeName != *f.TypeName {
		return false
	}
	if f.Status != nil && j.Status != *f.Status {
		return false
	}
	return true
}

// ListJobs implements store.Driver. Default ordering is createdAt descending.
func (s *Store) ListJobs(ctx context.Context, _ store.Tx, p store.ListJobsParams) (store.ListJobsResult, error) {
	var all []*queuert.Job
	for _, j := range s.jobs {
		if matchesFilter(j, p.Filter) {
			all = append(all, j)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	start := 0
	if c, ok := decodeCursor(p.Cursor); ok {
		for i, j := range all {
			if j.CreatedAt.Equal(c.CreatedAt) && j.ID == c.ID {
				start = i + 1
				break
			}
		}
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	var page []*queuert.Job
	if start < len(all) {
		page = all[start:end]
	}

	out := make([]*queuert.Job, len(page))
	for i, j := range page {
		out[i] = cloneJob(j)
	}

	next := ""
	if end < len(all) && len(page) > 0 {
		last := page[len(page)-1]
		next = encodeCursor(cursorPayload{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return store.ListJobsResult{Jobs: out, NextCursor: next}, nil
}

// ListChains implements store.Driver by listing chain roots and attaching
// their current job, with the same cursor convention as ListJobs.
func (s *Store) ListChains(ctx context.Context, _ store.Tx, p store.ListChainsParams) (store.ListChainsResult, error) {
	var roots []*queuert.Job
	for _, j := range s.jobs {
		if !j.IsChainRoot() {
			continue
		}
		if !matchesFilter(j, p.Filter) {
			continue
		}
		roots = append(roots, j)
	}
	sort.Slice(roots, func(i, j int) bool {
		if !roots[i].CreatedAt.Equal(roots[j].CreatedAt) {
			return roots[i].CreatedAt.After(roots[j].CreatedAt)
		}
		return roots[i].ID > roots[j].ID
	})

	start := 0
	if c, ok := decodeCursor(p.Cursor); ok {
		for i, j := range roots {
			if j.CreatedAt.Equal(c.CreatedAt) && j.ID == c.ID {
				start = i + 1
				break
			}
		}
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	end := start + limit
	if end > len(roots) {
		end = len(roots)
	}
	var page []*queuert.Job
	if start < len(roots) {
		page = roots[start:end]
	}

	chains := make([]*queuert.Chain, len(page))
	for i, root := range page {
		jobs := s.jobsInChain(root.ChainID)
		c := &queuert.Chain{Root: cloneJob(root)}
		if len(jobs) > 1 {
			c.Current = cloneJob(jobs[len(jobs)-1])
		}
		chains[i] = c
	}

	next := ""
	if end < len(roots) && len(page) > 0 {
		last := page[len(page)-1]
		next = encodeCursor(cursorPayload{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return store.ListChainsResult{Chains: chains, NextCursor: next}, nil
}

func toSet(ss []string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}
