package queuert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/riverforge/queuert/internal/store"
)

// PrepareMode selects how a processor's prepare phase relates to its later
// complete call (spec §4.5).
type PrepareMode string

const (
	// PrepareAtomic holds prepare's transaction open through the later
	// Complete call, so both commit or roll back together.
	PrepareAtomic PrepareMode = "atomic"
	// PrepareStaged closes prepare's transaction immediately; Complete
	// opens a fresh one later, after arbitrary user work has run with no
	// store transaction held.
	PrepareStaged PrepareMode = "staged"
)

// ProcessorFunc is a job type's processor: called once per dispatch with a
// context bound to the job's cancellation Signal and a ProcessorContext
// exposing Prepare/Complete.
type ProcessorFunc func(ctx context.Context, pctx *ProcessorContext) error

// ContinueOption customizes a ContinueWith call.
type ContinueOption func(*continueOptions)

type continueOptions struct {
	blockerChainIDs []string
	schedule        Schedule
	deduplication   *Deduplication
}

// WithContinuationBlockers gates the continuation job behind the given
// blocker chains, exactly as StartJobChain's startBlockers does for a root.
func WithContinuationBlockers(blockerChainIDs ...string) ContinueOption {
	return func(o *continueOptions) { o.blockerChainIDs = blockerChainIDs }
}

// WithContinuationSchedule delays the continuation's eligibility.
func WithContinuationSchedule(s Schedule) ContinueOption {
	return func(o *continueOptions) { o.schedule = s }
}

// WithContinuationDeduplication applies a deduplication key to the
// continuation job, the same as StartJobChain's deduplication option.
func WithContinuationDeduplication(d Deduplication) ContinueOption {
	return func(o *continueOptions) { o.deduplication = &d }
}

// Completer is handed to a Complete producer; it is the only way to create
// a continuation from inside a processor.
type Completer interface {
	// ContinueWith appends typeName as the next step of the current job's
	// chain. Its return value must be returned directly by the producer:
	// `return c.ContinueWith(...)`. Calling it more than once within one
	// Complete call fails.
	ContinueWith(typeName string, input json.RawMessage, opts ...ContinueOption) (json.RawMessage, error)
}

// Outcome is what a successful Complete call produced: the finishing job
// (now completed) and, if ContinueWith was used, the job it spawned.
type Outcome struct {
	Job          *Job
	Continuation *Job
}

// ProcessorContext is the per-invocation harness passed to a ProcessorFunc.
// It enforces the once-only semantics of prepare/complete/continueWith
// (spec §4.5) and binds the job's cancellation Signal.
type ProcessorContext struct {
	job      *Job
	blockers []*Chain
	signal   *Signal
	workerID string
	clock    func() time.Time

	driver   store.Driver
	registry *JobTypeRegistry

	prepared  bool
	completed bool
	mode      PrepareMode
	tx        store.Tx

	outcome *Outcome
}

func newProcessorContext(driver store.Driver, registry *JobTypeRegistry, job *Job, blockers []*Chain, signal *Signal, workerID string, clock func() time.Time) *ProcessorContext {
	return &ProcessorContext{
		driver: driver, registry: registry,
		job: job, blockers: blockers, signal: signal,
		workerID: workerID, clock: clock,
	}
}

// Job returns the job being processed.
func (p *ProcessorContext) Job() *Job { return p.job }

// Blockers returns the resolved blocker chains (with their completed
// output), in the order they were attached.
func (p *ProcessorContext) Blockers() []*Chain { return p.blockers }

// Signal returns the cancellation signal bound to this invocation.
func (p *ProcessorContext) Signal() *Signal { return p.signal }

// Prepare runs the optional preparatory phase. Calling it more than once
// fails. mode decides whether the transaction it opens stays open through
// the later Complete call (PrepareAtomic) or closes immediately
// (PrepareStaged).
func (p *ProcessorContext) Prepare(ctx context.Context, mode PrepareMode) error {
	if p.prepared {
		return fmt.Errorf("queuert: prepare called more than once for job %s", p.job.ID)
	}
	p.prepared = true
	p.mode = mode
	if mode == PrepareAtomic {
		tx, err := p.driver.Begin(ctx)
		if err != nil {
			return fmt.Errorf("queuert: prepare: begin transaction: %w", err)
		}
		p.tx = tx
	}
	return nil
}

type completerImpl struct {
	pctx      *ProcessorContext
	tx        store.Tx
	continued bool
	continuationJob *Job
	blockerChainIDs []string
}

func (c *completerImpl) ContinueWith(typeName string, input json.RawMessage, opts ...ContinueOption) (json.RawMessage, error) {
	if c.continued {
		return nil, fmt.Errorf("queuert: continueWith called more than once within one complete call")
	}
	job := c.pctx.job

	if err := c.pctx.registry.ValidateContinueWith(job.TypeName, typeName, input); err != nil {
		return nil, err
	}

	opt := continueOptions{}
	for _, o := range opts {
		o(&opt)
	}

	blockerTypeNames := make([]string, 0, len(opt.blockerChainIDs))
	for _, id := range opt.blockerChainIDs {
		chain, err := c.pctx.driver.GetJobChainByID(context.Background(), c.tx, id)
		if err != nil {
			return nil, err
		}
		blockerTypeNames = append(blockerTypeNames, chain.CurrentOrRoot().ChainTypeName)
	}
	if err := c.pctx.registry.ValidateBlockers(typeName, blockerTypeNames); err != nil {
		return nil, err
	}

	now := c.pctx.clock()
	chainID := job.ChainID
	rootChainID := job.RootChainID
	originID := job.ID

	res, err := c.pctx.driver.CreateJob(context.Background(), c.tx, store.CreateJobParams{
		TypeName:      typeName,
		ChainID:       &chainID,
		ChainIndex:    job.ChainIndex + 1,
		ChainTypeName: job.ChainTypeName,
		Input:         input,
		Schedule:      opt.schedule,
		Deduplication: opt.deduplication,
		TraceContext:  job.TraceContext,
		RootChainID:   &rootChainID,
		OriginID:      &originID,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}

	if len(opt.blockerChainIDs) > 0 {
		bres, err := c.pctx.driver.AddJobBlockers(context.Background(), c.tx, store.AddJobBlockersParams{
			JobID:             res.Job.ID,
			BlockedByChainIDs: opt.blockerChainIDs,
		})
		if err != nil {
			return nil, err
		}
		res.Job = bres.Job
	}

	c.continued = true
	c.continuationJob = res.Job
	c.blockerChainIDs = opt.blockerChainIDs
	return json.RawMessage(`null`), nil
}

// Complete runs producer exactly once, inside a transaction (either the one
// Prepare opened in atomic mode, or a fresh one here for staged/no-prepare),
// and commits the job's completion — and, if producer used ContinueWith,
// the continuation job — atomically. Calling it more than once fails.
func (p *ProcessorContext) Complete(ctx context.Context, producer func(Completer) (json.RawMessage, error)) error {
	if p.completed {
		return fmt.Errorf("queuert: complete called more than once for job %s", p.job.ID)
	}
	p.completed = true

	tx := p.tx
	if tx == nil {
		var err error
		tx, err = p.driver.Begin(ctx)
		if err != nil {
			return fmt.Errorf("queuert: complete: begin transaction: %w", err)
		}
	}

	c := &completerImpl{pctx: p, tx: tx}
	output, err := producer(c)
	if err != nil {
		_ = p.driver.Rollback(ctx, tx)
		return err
	}

	now := p.clock()
	finalOutput := output
	if c.continued {
		// The completing job's own output is the payload handed forward
		// to its continuation: the two are the same value flowing down
		// the chain, split across two rows by chainIndex. The
		// continuation's input (and so this job's output) was already
		// checked by ValidateContinueWith's ParseInput call.
		finalOutput = c.continuationJob.Input
	} else if err := p.registry.ValidateOutput(p.job.TypeName, finalOutput); err != nil {
		_ = p.driver.Rollback(ctx, tx)
		return err
	}

	completedJob, err := p.driver.CompleteJob(ctx, tx, store.CompleteJobParams{
		JobID:    p.job.ID,
		Output:   finalOutput,
		WorkerID: p.workerID,
		Now:      now,
	})
	if err != nil {
		_ = p.driver.Rollback(ctx, tx)
		return err
	}

	if err := p.driver.Commit(ctx, tx); err != nil {
		return fmt.Errorf("queuert: complete: commit transaction: %w", err)
	}

	p.outcome = &Outcome{Job: completedJob, Continuation: c.continuationJob}
	return nil
}

// Reschedule builds the control token user code raises to request a retry
// at a specific schedule without exponential backoff (spec §4.5, §7).
func Reschedule(schedule Schedule, message string) error {
	return &RescheduleSignal{Schedule: schedule, Message: message}
}

