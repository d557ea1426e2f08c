package queuert

import (
	"context"
	"encoding/json"
	"time"

	"github.com/riverforge/queuert/internal/notify"
	"github.com/riverforge/queuert/internal/store"
	"github.com/riverforge/queuert/internal/tracing"
)

// Client is the read/write entry point into the engine (spec §4.3): start
// chains, inspect them, wait on them, delete them. It holds no workers of
// its own — see Worker for that.
type Client struct {
	driver   store.Driver
	registry *JobTypeRegistry
	bus      notify.Bus
	clock    func() time.Time
}

// ClientOption customizes NewClient.
type ClientOption func(*Client)

// WithClock overrides the client's time source; tests use this to control
// scheduling without sleeping.
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) { c.clock = clock }
}

// NewClient builds a Client over driver, validating job types through
// registry. bus may be nil; a nil bus simply means startJobChain publishes
// nothing and workers fall back to poll-interval timing.
func NewClient(driver store.Driver, registry *JobTypeRegistry, bus notify.Bus, opts ...ClientOption) *Client {
	c := &Client{driver: driver, registry: registry, bus: bus, clock: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StartJobChainParams is the input to StartJobChain (spec §4.3).
type StartJobChainParams struct {
	TypeName      string
	Input         json.RawMessage
	Schedule      Schedule
	Deduplication *Deduplication
	// StartBlockers, if set, runs inside the same transaction as the root
	// job's creation and must return an ordered list of blocker chain ids
	// to gate the new root on (e.g. the chain ids of other chains started
	// by the same call). If the type's BlockerShape requires blockers and
	// none are produced, StartJobChain fails with JobTypeValidationError.
	StartBlockers func(ctx context.Context, tx store.Tx) ([]string, error)
}

// StartJobChain validates typeName and input against the registry, creates
// the root job (and, if the type's ContinuationTarget chains further, just
// that one row — chaining happens via Complete/ContinueWith, not here), and
// attaches any blockers StartBlockers produces, all in one transaction. On
// commit it publishes topic(typeName) so any idle worker sleeping on that
// type wakes immediately instead of waiting for its next poll.
func (c *Client) StartJobChain(ctx context.Context, p StartJobChainParams) (*Job, error) {
	if err := c.registry.ValidateEntry(p.TypeName, p.Input); err != nil {
		return nil, err
	}

	var job *Job
	err := store.WithTx(ctx, c.driver, func(tx store.Tx) error {
		now := c.clock()
		ctx, span := tracing.StartSpan(ctx, "queuert.StartJobChain:"+p.TypeName)
		defer span.End()

		res, err := c.driver.CreateJob(ctx, tx, store.CreateJobParams{
			TypeName:      p.TypeName,
			ChainID:       nil,
			ChainIndex:    0,
			ChainTypeName: p.TypeName,
			Input:         p.Input,
			Schedule:      p.Schedule,
			Deduplication: p.Deduplication,
			TraceContext:  tracing.Inject(ctx),
			Now:           now,
		})
		if err != nil {
			return err
		}
		job = res.Job

		var blockerChainIDs []string
		if p.StartBlockers != nil {
			blockerChainIDs, err = p.StartBlockers(ctx, tx)
			if err != nil {
				return err
			}
		}

		blockerTypeNames, err := c.blockerTypeNames(ctx, tx, blockerChainIDs)
		if err != nil {
			return err
		}
		if err := c.registry.ValidateBlockers(p.TypeName, blockerTypeNames); err != nil {
			return err
		}

		if len(blockerChainIDs) > 0 {
			bres, err := c.driver.AddJobBlockers(ctx, tx, store.AddJobBlockersParams{
				JobID:             job.ID,
				BlockedByChainIDs: blockerChainIDs,
			})
			if err != nil {
				return err
			}
			job = bres.Job
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if c.bus != nil {
		_ = c.bus.Publish(ctx, jobTypeTopic(p.TypeName))
	}
	return job, nil
}

func (c *Client) blockerTypeNames(ctx context.Context, tx store.Tx, chainIDs []string) ([]string, error) {
	if len(chainIDs) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(chainIDs))
	for _, id := range chainIDs {
		chain, err := c.driver.GetJobChainByID(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		names = append(names, chain.CurrentOrRoot().ChainTypeName)
	}
	return names, nil
}

// WithNotify runs fn, and if it succeeds, publishes topic afterward. It is
// the primitive StartJobChain itself is built on, exposed for caller code
// that wants the same commit-then-publish ordering around its own
// transactional work (e.g. creating a job as one of several writes in a
// larger business transaction the caller already manages).
func (c *Client) WithNotify(ctx context.Context, topic string, fn func(tx store.Tx) error) error {
	err := store.WithTx(ctx, c.driver, fn)
	if err != nil {
		return err
	}
	if c.bus != nil {
		return c.bus.Publish(ctx, topic)
	}
	return nil
}

// GetJobChain is a read-through wrapper over the store (spec §4.3).
func (c *Client) GetJobChain(ctx context.Context, chainID string) (*Chain, error) {
	var chain *Chain
	err := store.WithTx(ctx, c.driver, func(tx store.Tx) error {
		var err error
		chain, err = c.driver.GetJobChainByID(ctx, tx, chainID)
		return err
	})
	return chain, err
}

// GetJob is a read-through wrapper over the store (spec §4.3).
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job *Job
	err := store.WithTx(ctx, c.driver, func(tx store.Tx) error {
		var err error
		job, err = c.driver.GetJobByID(ctx, tx, jobID)
		return err
	})
	return job, err
}

// DeleteJobChains wraps deleteJobsByChainIds; callers must pass root chain
// ids. Deleting a chain still referenced as a blocker by a chain outside
// the deletion set fails with BlockerReferenceError.
func (c *Client) DeleteJobChains(ctx context.Context, rootChainIDs []string) error {
	return store.WithTx(ctx, c.driver, func(tx store.Tx) error {
		return c.driver.DeleteJobsByChainIDs(ctx, tx, rootChainIDs)
	})
}

// WaitForJobChainCompletionOptions configures WaitForJobChainCompletion.
type WaitForJobChainCompletionOptions struct {
	PollIntervalMs int64
	TimeoutMs      int64
}

// WaitForJobChainCompletion polls GetJobChain every opts.PollIntervalMs
// (100ms if unset) until chainID's chain is completed or opts.TimeoutMs
// elapses, in which case it returns a *TimeoutError. The poll interval is
// fixed: it does not back off between polls.
func (c *Client) WaitForJobChainCompletion(ctx context.Context, chainID string, opts WaitForJobChainCompletionOptions) (*Chain, error) {
	pollInterval := time.Duration(opts.PollIntervalMs) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	var deadline time.Time
	if opts.TimeoutMs > 0 {
		deadline = c.clock().Add(time.Duration(opts.TimeoutMs) * time.Millisecond)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		chain, err := c.GetJobChain(ctx, chainID)
		if err != nil {
			return nil, err
		}
		if chain.Completed() {
			return chain, nil
		}
		if !deadline.IsZero() && !c.clock().Before(deadline) {
			return nil, &TimeoutError{ChainID: chainID}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
