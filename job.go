// Package queuert is a durable job-processing engine: user-defined units of
// work ("jobs") run with strong delivery and ordering guarantees against an
// external transactional store, chained into multi-step workflows and
// gated behind blocker chains.
package queuert

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBlocked   Status = "blocked"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
)

// DeduplicationScope controls how long a deduplication record lives.
type DeduplicationScope string

const (
	// DedupScopeIncomplete keeps the record alive only while the owning job
	// is non-completed; once it completes a new create with the same key
	// starts a fresh job.
	DedupScopeIncomplete DeduplicationScope = "incomplete"
	// DedupScopeAny keeps the record alive permanently.
	DedupScopeAny DeduplicationScope = "any"
)

// Deduplication names the unique key a createJob call is deduplicated against.
type Deduplication struct {
	Key   string
	Scope DeduplicationScope
}

// Job is the atomic unit of work. See spec §3.1 for the full attribute list.
type Job struct {
	ID            string
	TypeName      string
	ChainID       string
	ChainTypeName string
	ChainIndex    int64
	RootChainID   string
	OriginID      *string

	Status Status

	Input  json.RawMessage
	Output json.RawMessage

	Attempt          int
	LastAttemptAt    *time.Time
	LastAttemptError *string

	ScheduledAt time.Time
	CreatedAt   time.Time
	CompletedAt *time.Time

	LeasedBy    *string
	LeasedUntil *time.Time

	CompletedBy *string

	DeduplicationKey   *string
	DeduplicationScope *DeduplicationScope

	// TraceContext carries an OpenTelemetry-compatible propagation map
	// (trace id / span id / trace flags) forward to child jobs and chains.
	// It is opaque to the store; only the client and worker interpret it.
	TraceContext map[string]string
}

// IsChainRoot reports whether j is the root job of its chain (invariant 1:
// chainIndex = 0 ⇔ id = chainId).
func (j *Job) IsChainRoot() bool {
	return j.ChainIndex == 0 && j.ID == j.ChainID
}

// Chain is the logical aggregate identified by ChainID. It is not a
// separate persisted row; it is a view over the jobs sharing a ChainID.
type Chain struct {
	Root    *Job
	Current *Job // nil only if Root == Current and Root has not been loaded twice
}

// CurrentOrRoot returns the current job, falling back to the root when no
// continuation has been appended yet.
func (c *Chain) CurrentOrRoot() *Job {
	if c.Current != nil {
		return c.Current
	}
	return c.Root
}

// Completed reports whether the chain's current job is completed and
// produced no further continuation (i.e. Current.ChainIndex is the highest
// index in the chain and its status is completed).
func (c *Chain) Completed() bool {
	cur := c.CurrentOrRoot()
	return cur != nil && cur.Status == StatusCompleted
}

// BlockerLink is the persisted many-to-many relation between a blocked job
// and the chain gating it.
type BlockerLink struct {
	BlockedJobID    string
	BlockerChainID  string
	BlockerTraceCtx map[string]string
}
