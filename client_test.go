package queuert

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/riverforge/queuert/internal/logging"
	"github.com/riverforge/queuert/internal/notify/membus"
	"github.com/riverforge/queuert/internal/store"
	"github.com/riverforge/queuert/internal/store/memory"
)

func newTestHarness(t *testing.T, types map[string]TypeConfig) (*Client, store.Driver, *membus.Bus) {
	t.Helper()
	driver := memory.New()
	bus := membus.New()
	registry, err := NewJobTypeRegistry(types)
	if err != nil {
		t.Fatalf("NewJobTypeRegistry: %v", err)
	}
	client := NewClient(driver, registry, bus)
	return client, driver, bus
}

func startTestWorker(t *testing.T, driver store.Driver, types map[string]TypeConfig, bus *membus.Bus, typeNames []string) *Worker {
	t.Helper()
	registry, err := NewJobTypeRegistry(types)
	if err != nil {
		t.Fatalf("NewJobTypeRegistry: %v", err)
	}
	w := NewWorker(driver, registry, bus, WorkerConfig{
		TypeNames:    typeNames,
		PollInterval: 25 * time.Millisecond,
		Logger:       logging.Discard(),
	})
	w.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})
	return w
}

// S1 — linear chain of three: linear -> linear_next -> linear_next_next,
// each continuing with an incremented value, the last completing with the
// final result.
func TestLinearChainOfThree(t *testing.T) {
	var step1ID string

	types := map[string]TypeConfig{
		"linear": {
			Entry: true,
			Processor: func(ctx context.Context, pctx *ProcessorContext) error {
				step1ID = pctx.Job().ID
				return pctx.Complete(ctx, func(c Completer) (json.RawMessage, error) {
					return c.ContinueWith("linear_next", json.RawMessage(`{"valueNext":2}`))
				})
			},
		},
		"linear_next": {
			Processor: func(ctx context.Context, pctx *ProcessorContext) error {
				if pctx.Job().OriginID == nil || *pctx.Job().OriginID != step1ID {
					t.Errorf("expected originId of step 2 to equal step 1's id")
				}
				return pctx.Complete(ctx, func(c Completer) (json.RawMessage, error) {
					return c.ContinueWith("linear_next_next", json.RawMessage(`{"valueNextNext":3}`))
				})
			},
		},
		"linear_next_next": {
			Processor: func(ctx context.Context, pctx *ProcessorContext) error {
				return pctx.Complete(ctx, func(c Completer) (json.RawMessage, error) {
					return json.RawMessage(`{"result":3}`), nil
				})
			},
		},
	}

	client, driver, bus := newTestHarness(t, types)
	startTestWorker(t, driver, types, bus, []string{"linear", "linear_next", "linear_next_next"})

	root, err := client.StartJobChain(context.Background(), StartJobChainParams{
		TypeName: "linear",
		Input:    json.RawMessage(`{"value":1}`),
	})
	if err != nil {
		t.Fatalf("StartJobChain: %v", err)
	}

	chain, err := client.WaitForJobChainCompletion(context.Background(), root.ChainID, WaitForJobChainCompletionOptions{
		PollIntervalMs: 10,
		TimeoutMs:      2000,
	})
	if err != nil {
		t.Fatalf("WaitForJobChainCompletion: %v", err)
	}

	var out struct{ Result int }
	if err := json.Unmarshal(chain.CurrentOrRoot().Output, &out); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if out.Result != 3 {
		t.Errorf("expected result 3, got %d", out.Result)
	}
	if chain.Root.ID != chain.Root.ChainID {
		t.Errorf("root job id should equal chain id")
	}
}

// S2 — deferred start: a job scheduled 300ms out is not acquirable before
// that, and is acquirable (and processed) shortly after.
func TestDeferredStart(t *testing.T) {
	attempts := 0
	types := map[string]TypeConfig{
		"deferred": {
			Entry: true,
			Processor: func(ctx context.Context, pctx *ProcessorContext) error {
				attempts++
				return pctx.Complete(ctx, func(c Completer) (json.RawMessage, error) {
					return json.RawMessage(`{}`), nil
				})
			},
		},
	}

	client, driver, bus := newTestHarness(t, types)
	startTestWorker(t, driver, types, bus, []string{"deferred"})

	root, err := client.StartJobChain(context.Background(), StartJobChainParams{
		TypeName: "deferred",
		Input:    json.RawMessage(`{"value":1}`),
		Schedule: Schedule{AfterMs: 300},
	})
	if err != nil {
		t.Fatalf("StartJobChain: %v", err)
	}

	_, err = client.WaitForJobChainCompletion(context.Background(), root.ChainID, WaitForJobChainCompletionOptions{
		PollIntervalMs: 10,
		TimeoutMs:      150,
	})
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError waiting 150ms on a 300ms-delayed job, got %v", err)
	}

	chain, err := client.WaitForJobChainCompletion(context.Background(), root.ChainID, WaitForJobChainCompletionOptions{
		PollIntervalMs: 10,
		TimeoutMs:      1000,
	})
	if err != nil {
		t.Fatalf("WaitForJobChainCompletion after delay: %v", err)
	}
	if chain.CurrentOrRoot().Attempt != 1 {
		t.Errorf("expected exactly one attempt, got %d", chain.CurrentOrRoot().Attempt)
	}
	if attempts != 1 {
		t.Errorf("expected processor to run exactly once, got %d", attempts)
	}
}

// S3 — retry with reschedule: the processor reschedules itself once, then
// completes on the second attempt.
func TestRetryWithReschedule(t *testing.T) {
	var firstAttemptError *string
	types := map[string]TypeConfig{
		"flaky": {
			Entry: true,
			Processor: func(ctx context.Context, pctx *ProcessorContext) error {
				if pctx.Job().Attempt == 1 {
					return Reschedule(Schedule{AfterMs: 20}, "again")
				}
				firstAttemptError = pctx.Job().LastAttemptError
				return pctx.Complete(ctx, func(c Completer) (json.RawMessage, error) {
					return json.RawMessage(`{}`), nil
				})
			},
		},
	}

	client, driver, bus := newTestHarness(t, types)
	startTestWorker(t, driver, types, bus, []string{"flaky"})

	root, err := client.StartJobChain(context.Background(), StartJobChainParams{
		TypeName: "flaky",
		Input:    json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("StartJobChain: %v", err)
	}

	chain, err := client.WaitForJobChainCompletion(context.Background(), root.ChainID, WaitForJobChainCompletionOptions{
		PollIntervalMs: 10,
		TimeoutMs:      2000,
	})
	if err != nil {
		t.Fatalf("WaitForJobChainCompletion: %v", err)
	}
	if chain.CurrentOrRoot().Attempt != 2 {
		t.Errorf("expected final attempt = 2, got %d", chain.CurrentOrRoot().Attempt)
	}
	if firstAttemptError == nil || *firstAttemptError != "again" {
		t.Errorf("expected lastAttemptError %q observed at second attempt, got %v", "again", firstAttemptError)
	}
}

// S4 — blocker: main is gated on auth's chain, observes its output once
// unblocked, and deleting only auth fails with BlockerReferenceError until
// main is included in the deletion set.
func TestBlockerGatesJobAndDeletionSafety(t *testing.T) {
	types := map[string]TypeConfig{
		"main": {
			Entry: true,
			Processor: func(ctx context.Context, pctx *ProcessorContext) error {
				if len(pctx.Blockers()) != 1 {
					t.Fatalf("expected exactly one blocker chain, got %d", len(pctx.Blockers()))
				}
				var authOut struct{ UserID string }
				if err := json.Unmarshal(pctx.Blockers()[0].CurrentOrRoot().Output, &authOut); err != nil {
					t.Fatalf("unmarshal blocker output: %v", err)
				}
				if authOut.UserID != "user-t" {
					t.Errorf("expected userId user-t, got %q", authOut.UserID)
				}
				return pctx.Complete(ctx, func(c Completer) (json.RawMessage, error) {
					return json.RawMessage(`{"success":true}`), nil
				})
			},
		},
		"auth": {
			Entry: true,
			Processor: func(ctx context.Context, pctx *ProcessorContext) error {
				return pctx.Complete(ctx, func(c Completer) (json.RawMessage, error) {
					return json.RawMessage(`{"userId":"user-t"}`), nil
				})
			},
		},
	}

	client, driver, bus := newTestHarness(t, types)
	startTestWorker(t, driver, types, bus, []string{"main", "auth"})

	var authJob *Job
	root, err := client.StartJobChain(context.Background(), StartJobChainParams{
		TypeName: "main",
		Input:    json.RawMessage(`{}`),
		StartBlockers: func(ctx context.Context, tx store.Tx) ([]string, error) {
			res, err := driver.CreateJob(ctx, tx, store.CreateJobParams{
				TypeName:      "auth",
				ChainTypeName: "auth",
				Input:         json.RawMessage(`{"token":"t"}`),
				Now:           time.Now(),
			})
			if err != nil {
				return nil, err
			}
			authJob = res.Job
			return []string{res.Job.ChainID}, nil
		},
	})
	if err != nil {
		t.Fatalf("StartJobChain: %v", err)
	}
	if root.Status != StatusBlocked {
		t.Fatalf("expected main to start blocked, got %s", root.Status)
	}

	err = client.DeleteJobChains(context.Background(), []string{authJob.ChainID})
	var blockerErr *BlockerReferenceError
	if !errors.As(err, &blockerErr) {
		t.Fatalf("expected BlockerReferenceError deleting only auth's chain, got %v", err)
	}

	chain, err := client.WaitForJobChainCompletion(context.Background(), root.ChainID, WaitForJobChainCompletionOptions{
		PollIntervalMs: 10,
		TimeoutMs:      2000,
	})
	if err != nil {
		t.Fatalf("WaitForJobChainCompletion: %v", err)
	}
	var out struct{ Success bool }
	if err := json.Unmarshal(chain.CurrentOrRoot().Output, &out); err != nil || !out.Success {
		t.Fatalf("expected main to complete with success=true, err=%v out=%+v", err, out)
	}

	if err := client.DeleteJobChains(context.Background(), []string{authJob.ChainID, root.ChainID}); err != nil {
		t.Errorf("deleting both chains together should succeed, got %v", err)
	}
}

// Invariant 6 — an incomplete-scoped dedup key returns the prior job while
// it is non-completed, and a fresh one once the prior completes.
func TestDeduplicationIncompleteScope(t *testing.T) {
	types := map[string]TypeConfig{
		"dedup": {
			Entry: true,
			Processor: func(ctx context.Context, pctx *ProcessorContext) error {
				return pctx.Complete(ctx, func(c Completer) (json.RawMessage, error) {
					return json.RawMessage(`{}`), nil
				})
			},
		},
	}
	client, driver, bus := newTestHarness(t, types)

	first, err := client.StartJobChain(context.Background(), StartJobChainParams{
		TypeName:      "dedup",
		Input:         json.RawMessage(`{}`),
		Deduplication: &Deduplication{Key: "K", Scope: DedupScopeIncomplete},
	})
	if err != nil {
		t.Fatalf("StartJobChain: %v", err)
	}

	second, err := client.StartJobChain(context.Background(), StartJobChainParams{
		TypeName:      "dedup",
		Input:         json.RawMessage(`{}`),
		Deduplication: &Deduplication{Key: "K", Scope: DedupScopeIncomplete},
	})
	if err != nil {
		t.Fatalf("StartJobChain (dup): %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected dedup to return the prior job id, got %s vs %s", second.ID, first.ID)
	}

	startTestWorker(t, driver, types, bus, []string{"dedup"})
	if _, err := client.WaitForJobChainCompletion(context.Background(), first.ChainID, WaitForJobChainCompletionOptions{PollIntervalMs: 10, TimeoutMs: 2000}); err != nil {
		t.Fatalf("WaitForJobChainCompletion: %v", err)
	}

	third, err := client.StartJobChain(context.Background(), StartJobChainParams{
		TypeName:      "dedup",
		Input:         json.RawMessage(`{}`),
		Deduplication: &Deduplication{Key: "K", Scope: DedupScopeIncomplete},
	})
	if err != nil {
		t.Fatalf("StartJobChain (post-completion): %v", err)
	}
	if third.ID == first.ID {
		t.Errorf("expected a fresh job once the prior dedup owner completed")
	}
}

// Property 7 — continueWith inserted twice at the same (chainId, chainIndex)
// yields identical rows.
func TestContinueWithIsIdempotentPerChainIndex(t *testing.T) {
	driver := memory.New()
	registry, err := NewJobTypeRegistry(map[string]TypeConfig{
		"a": {Entry: true},
		"b": {},
	})
	if err != nil {
		t.Fatalf("NewJobTypeRegistry: %v", err)
	}
	client := NewClient(driver, registry, nil)

	root, err := client.StartJobChain(context.Background(), StartJobChainParams{TypeName: "a", Input: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("StartJobChain: %v", err)
	}

	chainID := root.ChainID
	tx := mustBeginTx(t, driver)
	first, err := driver.CreateJob(context.Background(), tx, store.CreateJobParams{
		TypeName:      "b",
		ChainID:       &chainID,
		ChainIndex:    1,
		ChainTypeName: "a",
		Input:         json.RawMessage(`{}`),
		Now:           time.Now(),
	})
	if err != nil {
		t.Fatalf("first continuation insert: %v", err)
	}
	_ = driver.Commit(context.Background(), tx)

	tx = mustBeginTx(t, driver)
	second, err := driver.CreateJob(context.Background(), tx, store.CreateJobParams{
		TypeName:      "b",
		ChainID:       &chainID,
		ChainIndex:    1,
		ChainTypeName: "a",
		Input:         json.RawMessage(`{"different":true}`),
		Now:           time.Now(),
	})
	if err != nil {
		t.Fatalf("second continuation insert: %v", err)
	}
	_ = driver.Commit(context.Background(), tx)
	if !second.Deduplicated {
		t.Errorf("expected the second insert at the same (chainId, chainIndex) to be deduplicated")
	}
	if second.Job.ID != first.Job.ID {
		t.Errorf("expected identical row, got %s vs %s", second.Job.ID, first.Job.ID)
	}
}

func mustBeginTx(t *testing.T, d store.Driver) store.Tx {
	t.Helper()
	tx, err := d.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return tx
}
