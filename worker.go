package queuert

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/riverforge/queuert/internal/idgen"
	"github.com/riverforge/queuert/internal/notify"
	"github.com/riverforge/queuert/internal/retrypolicy"
	"github.com/riverforge/queuert/internal/store"
	"github.com/riverforge/queuert/internal/tracing"
)

// jobTypeTopic is the notify topic a worker wakes on for a given job type
// (spec §6: "Topics include type:<typeName> ..."), published whenever a
// job of that type becomes newly eligible (created, unblocked, retried, or
// reaped).
func jobTypeTopic(typeName string) string {
	return "type:" + typeName
}

// chainCompletedTopic is the notify topic published when a chain reaches a
// terminal state, for callers (like WaitForJobChainCompletion callers that
// prefer a push wake over polling) subscribed to a specific chain.
func chainCompletedTopic(chainID string) string {
	return "chain-completed:" + chainID
}

// WorkerConfig configures a Worker (spec §4.6).
type WorkerConfig struct {
	// TypeNames is the set of job types this worker owns.
	TypeNames []string
	// WorkerID identifies this worker for lease attribution; generated if
	// empty.
	WorkerID string
	// Concurrency is the number of jobs this worker processes at once.
	// Defaults to 1.
	Concurrency int
	// PollInterval bounds how long the worker sleeps with no notify wake
	// and no scheduled job pending. Defaults to 5s.
	PollInterval time.Duration
	// DrainTimeout bounds how long Stop waits for in-flight jobs to finish
	// naturally before force-cancelling their signals. Defaults to 30s.
	DrainTimeout time.Duration

	Logger *slog.Logger
	Clock  func() time.Time
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.WorkerID == "" {
		c.WorkerID = idgen.New()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Worker is one logical worker owning a set of job types (spec §4.6): it
// polls/wakes, reaps expired leases, acquires jobs, and dispatches each to
// its registered ProcessorFunc with a background lease-renewal task.
type Worker struct {
	driver   store.Driver
	registry *JobTypeRegistry
	bus      notify.Bus
	cfg      WorkerConfig

	stopCh chan struct{}
	doneCh chan struct{}
	wg     sync.WaitGroup
	slots  chan struct{}

	mu        sync.Mutex
	inFlight  map[string]*Signal
	wakeAgain bool
}

// NewWorker builds a Worker over driver and registry. bus may be nil, in
// which case the worker relies solely on PollInterval.
func NewWorker(driver store.Driver, registry *JobTypeRegistry, bus notify.Bus, cfg WorkerConfig) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		driver:   driver,
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		slots:    make(chan struct{}, cfg.Concurrency),
		inFlight: make(map[string]*Signal),
	}
}

// Start begins the dispatch loop in a background goroutine and returns
// immediately.
func (w *Worker) Start() {
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run()
}

// Stop signals the loop to stop acquiring new jobs and waits for in-flight
// jobs to finish, up to ctx's deadline or cfg.DrainTimeout, whichever comes
// first; any jobs still running after that are cancelled with reason
// worker_stopping.
func (w *Worker) Stop(ctx context.Context) error {
	close(w.stopCh)

	drainCtx, cancel := context.WithTimeout(ctx, w.cfg.DrainTimeout)
	defer cancel()

	waitDone := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-drainCtx.Done():
		w.cancelInFlight(CancelWorkerStopping)
		<-waitDone
	}

	<-w.doneCh
	return nil
}

func (w *Worker) cancelInFlight(reason CancelReason) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sig := range w.inFlight {
		sig.Cancel(reason)
	}
}

func (w *Worker) run() {
	defer close(w.doneCh)

	var sub <-chan struct{}
	if w.bus != nil {
		var stop func()
		sub, stop = w.subscribeAll()
		defer stop()
	}

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		if !w.wakeAgain {
			if err := w.waitForWork(sub); err != nil {
				return
			}
		}
		w.wakeAgain = false

		// A reclaimed lease becomes acquirable immediately; no separate
		// wake needed since acquire() runs unconditionally right after.
		w.reapExpired()

		job, hasMore, err := w.acquire()
		if err != nil {
			w.cfg.Logger.Error("acquireJob failed", "error", err)
			continue
		}
		if job == nil {
			continue
		}
		w.wakeAgain = hasMore

		w.slots <- struct{}{}
		w.wg.Add(1)
		go func(j *Job) {
			defer w.wg.Done()
			defer func() { <-w.slots }()
			w.dispatch(j)
		}(job)
	}
}

func (w *Worker) waitForWork(sub <-chan struct{}) error {
	ctx := context.Background()
	nextMs, err := w.nextAvailableMs(ctx)
	if err != nil {
		w.cfg.Logger.Error("getNextJobAvailableInMs failed", "error", err)
		nextMs = nil
	}

	wait := w.cfg.PollInterval
	if nextMs != nil {
		d := time.Duration(*nextMs) * time.Millisecond
		if d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return errStopped
	case <-timer.C:
		return nil
	case <-sub:
		return nil
	}
}

var errStopped = errors.New("worker stopped")

func (w *Worker) nextAvailableMs(ctx context.Context) (*int64, error) {
	var ms *int64
	err := store.WithTx(ctx, w.driver, func(tx store.Tx) error {
		var err error
		ms, err = w.driver.GetNextJobAvailableInMs(ctx, tx, w.cfg.TypeNames, w.cfg.Clock())
		return err
	})
	return ms, err
}

func (w *Worker) reapExpired() bool {
	ctx := context.Background()
	ignored := w.inFlightJobIDs()

	var reaped *Job
	err := store.WithTx(ctx, w.driver, func(tx store.Tx) error {
		var err error
		reaped, err = w.driver.RemoveExpiredJobLease(ctx, tx, store.RemoveExpiredJobLeaseParams{
			TypeNames:     w.cfg.TypeNames,
			IgnoredJobIDs: ignored,
			Now:           w.cfg.Clock(),
		})
		return err
	})
	if err != nil {
		w.cfg.Logger.Error("removeExpiredJobLease failed", "error", err)
		return false
	}
	if reaped == nil {
		return false
	}
	w.publish(jobTypeTopic(reaped.TypeName))
	return true
}

func (w *Worker) inFlightJobIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.inFlight))
	for id := range w.inFlight {
		ids = append(ids, id)
	}
	return ids
}

func (w *Worker) acquire() (*Job, bool, error) {
	ctx := context.Background()
	var res store.AcquireJobResult
	err := store.WithTx(ctx, w.driver, func(tx store.Tx) error {
		var err error
		res, err = w.driver.AcquireJob(ctx, tx, store.AcquireJobParams{
			TypeNames: w.cfg.TypeNames,
			WorkerID:  w.cfg.WorkerID,
			LeaseMs:   w.leaseMsFor(w.cfg.TypeNames),
			Now:       w.cfg.Clock(),
		})
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return res.Job, res.HasMore, nil
}

// leaseMsFor resolves the lease duration to request at acquire time. Every
// type a single worker owns should share a lease policy in practice; when
// they differ, the most conservative (longest) lease is used so no type's
// renewal cadence runs past its own expiry.
func (w *Worker) leaseMsFor(typeNames []string) int64 {
	var leaseMs int64
	for _, t := range typeNames {
		if cfg, ok := w.registry.Lookup(t); ok && cfg.LeaseConfig.LeaseMs > leaseMs {
			leaseMs = cfg.LeaseConfig.LeaseMs
		}
	}
	if leaseMs == 0 {
		leaseMs = DefaultLeaseConfig().LeaseMs
	}
	return leaseMs
}

func (w *Worker) dispatch(job *Job) {
	ctx := tracing.Extract(context.Background(), job.TraceContext)
	ctx, span := tracing.StartSpan(ctx, "queuert.dispatch:"+job.TypeName)
	defer span.End()

	signal := NewSignal(ctx)

	w.mu.Lock()
	w.inFlight[job.ID] = signal
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.inFlight, job.ID)
		w.mu.Unlock()
	}()

	typeCfg, err := w.registry.MustLookup(job.TypeName)
	if err != nil || typeCfg.Processor == nil {
		w.cfg.Logger.Error("no processor registered for job type", "type", job.TypeName, "jobId", job.ID)
		w.failAndReschedule(job, typeCfg, errors.New("no processor registered for job type"))
		return
	}

	blockers, err := w.resolveBlockers(ctx, job.ID)
	if err != nil {
		w.cfg.Logger.Error("getJobBlockers failed", "jobId", job.ID, "error", err)
		w.failAndReschedule(job, typeCfg, err)
		return
	}

	renewDone := make(chan struct{})
	go w.renewLoop(job, typeCfg, signal, renewDone)
	defer close(renewDone)

	pctx := newProcessorContext(w.driver, w.registry, job, blockers, signal, w.cfg.WorkerID, w.cfg.Clock)

	procErr := typeCfg.Processor(signal.Context(), pctx)

	if procErr != nil {
		var resched *RescheduleSignal
		if errors.As(procErr, &resched) {
			w.reschedule(job, resched.Schedule, resched.Message)
			return
		}
		w.failAndReschedule(job, typeCfg, procErr)
		return
	}

	if pctx.outcome == nil {
		w.cfg.Logger.Error("processor returned without calling complete", "type", job.TypeName, "jobId", job.ID)
		w.failAndReschedule(job, typeCfg, errors.New("processor returned without calling complete"))
		return
	}

	w.onOutcome(job, pctx.outcome)
}

func (w *Worker) resolveBlockers(ctx context.Context, jobID string) ([]*Chain, error) {
	var blockers []*Chain
	err := store.WithTx(ctx, w.driver, func(tx store.Tx) error {
		var err error
		blockers, err = w.driver.GetJobBlockers(ctx, tx, jobID)
		return err
	})
	return blockers, err
}

func (w *Worker) renewLoop(job *Job, typeCfg TypeConfig, signal *Signal, done <-chan struct{}) {
	interval := typeCfg.LeaseConfig.RenewIntervalMs
	if interval <= 0 {
		interval = DefaultLeaseConfig().RenewIntervalMs
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-signal.Done():
			return
		case <-ticker.C:
			ctx := context.Background()
			err := store.WithTx(ctx, w.driver, func(tx store.Tx) error {
				_, err := w.driver.RenewJobLease(ctx, tx, store.RenewJobLeaseParams{
					JobID:           job.ID,
					WorkerID:        w.cfg.WorkerID,
					LeaseDurationMs: typeCfg.LeaseConfig.LeaseMs,
					Now:             w.cfg.Clock(),
				})
				return err
			})
			if err != nil {
				w.cfg.Logger.Warn("lease renewal failed, cancelling signal", "jobId", job.ID, "error", err)
				signal.Cancel(CancelLeaseExpired)
				return
			}
		}
	}
}

func (w *Worker) onOutcome(job *Job, outcome *Outcome) {
	if outcome.Continuation != nil {
		w.publish(jobTypeTopic(outcome.Continuation.TypeName))
		return
	}
	w.publish(chainCompletedTopic(job.ChainID))
	w.unblockDependents(job.ChainID)
}

// unblockDependents schedules any jobs gated on job.ChainID now that it has
// reached a terminal state, and wakes a worker for each distinct type that
// became eligible.
func (w *Worker) unblockDependents(chainID string) {
	ctx := context.Background()
	var res store.ScheduleBlockedJobsResult
	err := store.WithTx(ctx, w.driver, func(tx store.Tx) error {
		var err error
		res, err = w.driver.ScheduleBlockedJobs(ctx, tx, chainID)
		return err
	})
	if err != nil {
		w.cfg.Logger.Error("scheduleBlockedJobs failed", "chainId", chainID, "error", err)
		return
	}
	woken := make(map[string]bool, len(res.UnblockedJobs))
	for _, j := range res.UnblockedJobs {
		if !woken[j.TypeName] {
			woken[j.TypeName] = true
			w.publish(jobTypeTopic(j.TypeName))
		}
	}
}

func (w *Worker) failAndReschedule(job *Job, typeCfg TypeConfig, cause error) {
	schedule := retrypolicy.ScheduleForAttempt(typeCfg.RetryConfig, job.Attempt)
	w.reschedule(job, schedule, cause.Error())
}

func (w *Worker) reschedule(job *Job, schedule Schedule, message string) {
	ctx := context.Background()
	err := store.WithTx(ctx, w.driver, func(tx store.Tx) error {
		_, err := w.driver.RescheduleJob(ctx, tx, store.RescheduleJobParams{
			JobID:    job.ID,
			Schedule: schedule,
			Error:    message,
			Now:      w.cfg.Clock(),
		})
		return err
	})
	if err != nil {
		w.cfg.Logger.Error("rescheduleJob failed", "jobId", job.ID, "error", err)
		return
	}
	w.publish(jobTypeTopic(job.TypeName))
}

func (w *Worker) publish(topic string) {
	if w.bus == nil {
		return
	}
	if err := w.bus.Publish(context.Background(), topic); err != nil {
		w.cfg.Logger.Warn("notify publish failed", "topic", topic, "error", err)
	}
}

// subscribeAll subscribes to every owned type's topic and fans the wakes
// into a single channel, since a worker must wake on any one of them but
// notify.Bus only keys subscriptions by one topic at a time.
func (w *Worker) subscribeAll() (<-chan struct{}, func()) {
	chs := make([]<-chan struct{}, 0, len(w.cfg.TypeNames))
	unsubs := make([]func(), 0, len(w.cfg.TypeNames))
	for _, t := range w.cfg.TypeNames {
		ch, unsub := w.bus.Subscribe(jobTypeTopic(t))
		chs = append(chs, ch)
		unsubs = append(unsubs, unsub)
	}

	merged := make(chan struct{}, 1)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for _, ch := range chs {
		wg.Add(1)
		go func(c <-chan struct{}) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				case _, ok := <-c:
					if !ok {
						return
					}
					select {
					case merged <- struct{}{}:
					default:
					}
				}
			}
		}(ch)
	}

	cancel := func() {
		close(stop)
		wg.Wait()
		for _, u := range unsubs {
			u()
		}
	}
	return merged, cancel
}
