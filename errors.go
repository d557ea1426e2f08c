package queuert

import "fmt"

// JobTypeValidationError is returned when an input/output/continuation/
// blocker shape or entry-type rule is violated. It is always surfaced to
// the caller and never follows an uncommitted state change.
type JobTypeValidationError struct {
	TypeName string
	Reason   string
}

func (e *JobTypeValidationError) Error() string {
	return fmt.Sprintf("job type validation failed for %q: %s", e.TypeName, e.Reason)
}

// LeaseExpired is raised when renewJobLease or completeJob observes that
// the calling worker no longer holds the job's lease.
type LeaseExpired struct {
	JobID    string
	WorkerID string
}

func (e *LeaseExpired) Error() string {
	return fmt.Sprintf("lease expired for job %s (worker %s)", e.JobID, e.WorkerID)
}

// BlockerReferenceError is raised by deleteJobsByChainIds when a chain
// outside the deletion set still references one of the chains being
// deleted as a blocker.
type BlockerReferenceError struct {
	ChainID          string
	ReferencingChain string
}

func (e *BlockerReferenceError) Error() string {
	return fmt.Sprintf("chain %s is still referenced as a blocker by chain %s", e.ChainID, e.ReferencingChain)
}

// RescheduleSignal is not an error in the ordinary sense: it is a control
// token user processor code raises to request a retry at a specific
// schedule, bypassing exponential backoff. The processor runtime recovers
// it with errors.As and never logs it as an unexpected failure.
type RescheduleSignal struct {
	Schedule Schedule
	Message  string
}

func (e *RescheduleSignal) Error() string {
	return fmt.Sprintf("reschedule requested: %s", e.Message)
}

// NotFoundError indicates a job or chain id has no corresponding row.
type NotFoundError struct {
	Kind string // "job" or "chain"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// TimeoutError is returned by WaitForJobChainCompletion when the deadline
// elapses before the chain reaches a terminal state.
type TimeoutError struct {
	ChainID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for chain %s to complete", e.ChainID)
}
