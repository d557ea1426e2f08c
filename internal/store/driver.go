// Package store defines the persistence driver contract the engine runs
// against (spec §6): transactions with row-locking semantics, an atomic
// insert-or-fetch primitive, and the transactional operations of the job
// store (spec §4.1). Concrete adapters live in sub-packages (memory, sqlite).
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/riverforge/queuert"
)

// Tx is an opaque handle to an in-flight transaction. Every Driver method
// below takes one; callers obtain it from Begin (or the WithTx helper).
type Tx interface {
	// private marker: only a Driver's own Begin may produce a Tx.
	txMarker()
}

// Driver is the contract an adapter implements. All methods except Begin,
// Commit, Rollback, and Close must be called with a Tx obtained from the
// same Driver's Begin.
//
// Begin/Commit/Rollback are exposed directly (rather than only a
// run-a-closure helper) because the processor runtime's "atomic" prepare
// mode (spec §4.5) must hold one transaction open across the Prepare call,
// arbitrary user work, and the later Complete call — three separate calls
// into the runtime, not one closure. WithTx below is a convenience wrapper
// for the common single-call case.
type Driver interface {
	// Begin opens a transaction with serializable or
	// read-committed-with-row-locks semantics sufficient for
	// SELECT ... FOR UPDATE SKIP LOCKED.
	Begin(ctx context.Context) (Tx, error)
	Commit(ctx context.Context, tx Tx) error
	Rollback(ctx context.Context, tx Tx) error

	CreateJob(ctx context.Context, tx Tx, p CreateJobParams) (CreateJobResult, error)
	AddJobBlockers(ctx context.Context, tx Tx, p AddJobBlockersParams) (AddJobBlockersResult, error)
	ScheduleBlockedJobs(ctx context.Context, tx Tx, blockedByChainID string) (ScheduleBlockedJobsResult, error)
	GetNextJobAvailableInMs(ctx context.Context, tx Tx, typeNames []string, now time.Time) (*int64, error)
	AcquireJob(ctx context.Context, tx Tx, p AcquireJobParams) (AcquireJobResult, error)
	RenewJobLease(ctx context.Context, tx Tx, p RenewJobLeaseParams) (*queuert.Job, error)
	RescheduleJob(ctx context.Context, tx Tx, p RescheduleJobParams) (*queuert.Job, error)
	CompleteJob(ctx context.Context, tx Tx, p CompleteJobParams) (*queuert.Job, error)
	RemoveExpiredJobLease(ctx context.Context, tx Tx, p RemoveExpiredJobLeaseParams) (*queuert.Job, error)
	DeleteJobsByChainIDs(ctx context.Context, tx Tx, chainIDs []string) error

	GetJobByID(ctx context.Context, tx Tx, jobID string) (*queuert.Job, error)
	GetJobForUpdate(ctx context.Context, tx Tx, jobID string) (*queuert.Job, error)
	GetCurrentJobForUpdate(ctx context.Context, tx Tx, chainID string) (*queuert.Job, error)
	GetJobChainByID(ctx context.Context, tx Tx, chainID string) (*queuert.Chain, error)
	GetJobBlockers(ctx context.Context, tx Tx, jobID string) ([]*queuert.Chain, error)
	GetExternalBlockers(ctx context.Context, tx Tx, rootChainIDs []string) ([]queuert.BlockerLink, error)
	GetJobsBlockedByChain(ctx context.Context, tx Tx, chainID string) ([]*queuert.Job, error)
	ListChains(ctx context.Context, tx Tx, p ListChainsParams) (ListChainsResult, error)
	ListJobs(ctx context.Context, tx Tx, p ListJobsParams) (ListJobsResult, error)

	Close() error
}

// CreateJobParams is the input to CreateJob (spec §4.1).
type CreateJobParams struct {
	TypeName      string
	ChainID       *string // nil => this job becomes a new chain root
	ChainIndex    int64
	ChainTypeName string
	Input         json.RawMessage
	Schedule      queuert.Schedule
	Deduplication *queuert.Deduplication
	TraceContext  map[string]string
	RootChainID   *string // nil => defaults to the new/derived chainID
	OriginID      *string
	Now           time.Time
}

// CreateJobResult is the output of CreateJob.
type CreateJobResult struct {
	Job          *queuert.Job
	Deduplicated bool
}

// AddJobBlockersParams is the input to AddJobBlockers (spec §4.1, §4.4).
type AddJobBlockersParams struct {
	JobID                string
	BlockedByChainIDs    []string
	BlockerTraceContexts []map[string]string // parallel to BlockedByChainIDs, may be nil
}

// AddJobBlockersResult is the output of AddJobBlockers.
type AddJobBlockersResult struct {
	Job                     *queuert.Job
	IncompleteBlockerChainIDs []string
	BlockerChainTraceContexts map[string]map[string]string
}

// ScheduleBlockedJobsResult is the output of ScheduleBlockedJobs.
type ScheduleBlockedJobsResult struct {
	UnblockedJobs          []*queuert.Job
	BlockerTraceContexts   map[string]map[string]string // jobID -> trace context of the chain that unblocked it last
}

// AcquireJobParams is the input to AcquireJob (spec §4.1).
type AcquireJobParams struct {
	TypeNames []string
	WorkerID  string
	LeaseMs   int64
	Now       time.Time
}

// AcquireJobResult is the output of AcquireJob.
type AcquireJobResult struct {
	Job     *queuert.Job // nil if nothing eligible
	HasMore bool
}

// RenewJobLeaseParams is the input to RenewJobLease.
type RenewJobLeaseParams struct {
	JobID           string
	WorkerID        string
	LeaseDurationMs int64
	Now             time.Time
}

// RescheduleJobParams is the input to RescheduleJob.
type RescheduleJobParams struct {
	JobID    string
	Schedule queuert.Schedule
	Error    string
	Now      time.Time
}

// CompleteJobParams is the input to CompleteJob.
type CompleteJobParams struct {
	JobID    string
	Output   json.RawMessage
	WorkerID string
	Now      time.Time
}

// RemoveExpiredJobLeaseParams is the input to RemoveExpiredJobLease.
type RemoveExpiredJobLeaseParams struct {
	TypeNames     []string
	IgnoredJobIDs []string
	Now           time.Time
}

// ListChainsParams/ListJobsParams/Result carry an opaque cursor for
// pagination; default ordering is createdAt descending (spec §4.1).
type ListFilter struct {
	TypeName *string
	Status   *queuert.Status
}

type ListChainsParams struct {
	Filter ListFilter
	Cursor string
	Limit  int
}

type ListChainsResult struct {
	Chains     []*queuert.Chain
	NextCursor string
}

type ListJobsParams struct {
	Filter ListFilter
	Cursor string
	Limit  int
}

type ListJobsResult struct {
	Jobs       []*queuert.Job
	NextCursor string
}
