package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/riverforge/queuert"
	"github.com/riverforge/queuert/internal/store"
	"github.com/riverforge/queuert/internal/testutil"
)

func openTestDriver(t *testing.T) *Driver {
	t.Helper()
	dir := testutil.TempDirInMemory(t)
	d, err := Open(filepath.Join(dir, "queuert.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestSqliteCreateAndAcquireJob(t *testing.T) {
	d := openTestDriver(t)
	ctx := context.Background()
	now := time.Now()

	tx, err := d.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	res, err := d.CreateJob(ctx, tx, store.CreateJobParams{
		TypeName: "t", ChainTypeName: "t", Input: json.RawMessage(`{"v":1}`), Now: now,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := d.Commit(ctx, tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !res.Job.IsChainRoot() {
		t.Fatalf("expected new job to be a chain root")
	}

	tx, err = d.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	acq, err := d.AcquireJob(ctx, tx, store.AcquireJobParams{TypeNames: []string{"t"}, WorkerID: "w1", LeaseMs: 30000, Now: now})
	if err != nil {
		t.Fatalf("AcquireJob: %v", err)
	}
	if err := d.Commit(ctx, tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if acq.Job == nil || acq.Job.ID != res.Job.ID {
		t.Fatalf("expected to acquire the job just created, got %v", acq.Job)
	}
	if acq.Job.Status != queuert.StatusRunning {
		t.Errorf("expected status running after acquire, got %s", acq.Job.Status)
	}
}

func TestSqliteCreateJobDeduplicatesOnChainIndex(t *testing.T) {
	d := openTestDriver(t)
	ctx := context.Background()
	now := time.Now()

	tx, _ := d.Begin(ctx)
	root, err := d.CreateJob(ctx, tx, store.CreateJobParams{TypeName: "a", ChainTypeName: "a", Input: json.RawMessage(`{}`), Now: now})
	if err != nil {
		t.Fatalf("CreateJob root: %v", err)
	}
	_ = d.Commit(ctx, tx)

	chainID := root.Job.ChainID
	tx, _ = d.Begin(ctx)
	first, err := d.CreateJob(ctx, tx, store.CreateJobParams{
		TypeName: "b", ChainID: &chainID, ChainIndex: 1, ChainTypeName: "a", Input: json.RawMessage(`{"v":1}`), Now: now,
	})
	if err != nil {
		t.Fatalf("CreateJob first continuation: %v", err)
	}
	_ = d.Commit(ctx, tx)

	tx, _ = d.Begin(ctx)
	second, err := d.CreateJob(ctx, tx, store.CreateJobParams{
		TypeName: "b", ChainID: &chainID, ChainIndex: 1, ChainTypeName: "a", Input: json.RawMessage(`{"v":2}`), Now: now,
	})
	if err != nil {
		t.Fatalf("CreateJob second continuation: %v", err)
	}
	_ = d.Commit(ctx, tx)

	if !second.Deduplicated || second.Job.ID != first.Job.ID {
		t.Fatalf("expected the second insert at the same chainIndex to dedupe to the first, got %+v", second)
	}
}

func TestSqliteRenewJobLeaseFailsForWrongWorker(t *testing.T) {
	d := openTestDriver(t)
	ctx := context.Background()
	now := time.Now()

	tx, _ := d.Begin(ctx)
	created, err := d.CreateJob(ctx, tx, store.CreateJobParams{TypeName: "t", ChainTypeName: "t", Input: json.RawMessage(`{}`), Now: now})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	_ = d.Commit(ctx, tx)

	tx, _ = d.Begin(ctx)
	if _, err := d.AcquireJob(ctx, tx, store.AcquireJobParams{TypeNames: []string{"t"}, WorkerID: "w1", LeaseMs: 30000, Now: now}); err != nil {
		t.Fatalf("AcquireJob: %v", err)
	}
	_ = d.Commit(ctx, tx)

	tx, _ = d.Begin(ctx)
	_, err = d.RenewJobLease(ctx, tx, store.RenewJobLeaseParams{JobID: created.Job.ID, WorkerID: "w2", LeaseDurationMs: 30000, Now: now})
	_ = d.Rollback(ctx, tx)

	var leaseErr *queuert.LeaseExpired
	if !errors.As(err, &leaseErr) {
		t.Fatalf("expected LeaseExpired renewing with the wrong worker id, got %v", err)
	}
}

func TestSqliteDeleteJobsByChainIDsRefusesDanglingBlockerReference(t *testing.T) {
	d := openTestDriver(t)
	ctx := context.Background()
	now := time.Now()

	tx, _ := d.Begin(ctx)
	blocker, err := d.CreateJob(ctx, tx, store.CreateJobParams{TypeName: "auth", ChainTypeName: "auth", Input: json.RawMessage(`{}`), Now: now})
	if err != nil {
		t.Fatalf("CreateJob blocker: %v", err)
	}
	main, err := d.CreateJob(ctx, tx, store.CreateJobParams{TypeName: "main", ChainTypeName: "main", Input: json.RawMessage(`{}`), Now: now})
	if err != nil {
		t.Fatalf("CreateJob main: %v", err)
	}
	if _, err := d.AddJobBlockers(ctx, tx, store.AddJobBlockersParams{JobID: main.Job.ID, BlockedByChainIDs: []string{blocker.Job.ChainID}}); err != nil {
		t.Fatalf("AddJobBlockers: %v", err)
	}
	if err := d.Commit(ctx, tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx, _ = d.Begin(ctx)
	err = d.DeleteJobsByChainIDs(ctx, tx, []string{blocker.Job.ChainID})
	_ = d.Rollback(ctx, tx)

	var blockerErr *queuert.BlockerReferenceError
	if !errors.As(err, &blockerErr) {
		t.Fatalf("expected BlockerReferenceError deleting only the blocker chain, got %v", err)
	}

	tx, _ = d.Begin(ctx)
	if err := d.DeleteJobsByChainIDs(ctx, tx, []string{blocker.Job.ChainID, main.Job.ChainID}); err != nil {
		t.Fatalf("expected deleting both chains together to succeed, got %v", err)
	}
	if err := d.Commit(ctx, tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestSqliteScheduleBlockedJobsUnblocksOnCompletion(t *testing.T) {
	d := openTestDriver(t)
	ctx := context.Background()
	now := time.Now()

	tx, _ := d.Begin(ctx)
	blocker, err := d.CreateJob(ctx, tx, store.CreateJobParams{TypeName: "auth", ChainTypeName: "auth", Input: json.RawMessage(`{}`), Now: now})
	if err != nil {
		t.Fatalf("CreateJob blocker: %v", err)
	}
	main, err := d.CreateJob(ctx, tx, store.CreateJobParams{TypeName: "main", ChainTypeName: "main", Input: json.RawMessage(`{}`), Now: now})
	if err != nil {
		t.Fatalf("CreateJob main: %v", err)
	}
	bres, err := d.AddJobBlockers(ctx, tx, store.AddJobBlockersParams{JobID: main.Job.ID, BlockedByChainIDs: []string{blocker.Job.ChainID}})
	if err != nil {
		t.Fatalf("AddJobBlockers: %v", err)
	}
	if err := d.Commit(ctx, tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if bres.Job.Status != queuert.StatusBlocked {
		t.Fatalf("expected main to be blocked, got %s", bres.Job.Status)
	}

	tx, _ = d.Begin(ctx)
	if _, err := d.AcquireJob(ctx, tx, store.AcquireJobParams{TypeNames: []string{"auth"}, WorkerID: "w1", LeaseMs: 30000, Now: now}); err != nil {
		t.Fatalf("AcquireJob blocker: %v", err)
	}
	if _, err := d.CompleteJob(ctx, tx, store.CompleteJobParams{JobID: blocker.Job.ID, Output: json.RawMessage(`{"ok":true}`), WorkerID: "w1", Now: now}); err != nil {
		t.Fatalf("CompleteJob blocker: %v", err)
	}
	sres, err := d.ScheduleBlockedJobs(ctx, tx, blocker.Job.ChainID)
	if err != nil {
		t.Fatalf("ScheduleBlockedJobs: %v", err)
	}
	if err := d.Commit(ctx, tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if len(sres.UnblockedJobs) != 1 || sres.UnblockedJobs[0].ID != main.Job.ID {
		t.Fatalf("expected main to unblock, got %+v", sres.UnblockedJobs)
	}
	if sres.UnblockedJobs[0].Status != queuert.StatusPending {
		t.Errorf("expected unblocked status pending, got %s", sres.UnblockedJobs[0].Status)
	}
}
