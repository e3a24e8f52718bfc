package scheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/fleetctl/coordinator/internal/domain"
	"github.com/fleetctl/coordinator/internal/pkg/dbctx"
	"github.com/fleetctl/coordinator/internal/store/coordstore"
	"github.com/fleetctl/coordinator/internal/store/runstore"
)

// reconcileOrphans implements spec.md §4.5's reassignment step. ListAssignedStale
// already restricts to continuation_state=NONE (invariant 7); this adds the
// "assigned worker detached or heartbeat-stale" half of the gate before
// orphaning.
func (t *Tick) reconcileOrphans(ctx context.Context, epoch int64) {
	dbc := dbctx.Context{Ctx: ctx}
	now := time.Now()
	reassignAfter := t.settings.GetDurationSeconds(dbc, "reassign_after_seconds", 60)
	heartbeatTTL := t.settings.GetDurationSeconds(dbc, "heartbeat_ttl_seconds", 20)

	runs, err := t.runStore.ListAssignedStale(dbc, reassignAfter, now, 100)
	if err != nil {
		t.log.Warn("reconcile: list assigned-stale runs failed", "error", err)
		return
	}

	for _, run := range runs {
		workerID, perr := strconv.ParseInt(run.AssignedWorkerID, 10, 64)
		if perr != nil {
			continue
		}
		entry, found, gerr := t.coordStore.GetWorker(ctx, workerID)
		stale := gerr != nil || !found || entry.Detached || now.Sub(entry.LastHeartbeatTS) > heartbeatTTL
		if !stale {
			continue
		}
		t.orphanAndReassign(ctx, dbc, run, epoch, workerID)
	}
}

// orphanAndReassign transitions a run ASSIGNED->ORPHANED, then immediately
// attempts ORPHANED->ASSIGNED on a fresh candidate with attempt+=1 (spec.md
// §4.5's transition table). excludeWorkerID keeps the run from bouncing
// straight back to the worker that just rejected or lost it.
func (t *Tick) orphanAndReassign(ctx context.Context, dbc dbctx.Context, run *domain.JobRun, epoch, excludeWorkerID int64) {
	orphanExpected := expectedFor(run)
	ok, err := t.runStore.UpdateRun(dbc, run.ID, orphanExpected, domain.StateOrphaned, nil)
	if err != nil {
		t.log.Warn("reconcile: ASSIGNED->ORPHANED failed", "job_run_id", run.ID, "error", err)
		return
	}
	if !ok {
		t.log.Debug("reconcile: ASSIGNED->ORPHANED lost the race", "job_run_id", run.ID)
		return
	}

	entries, err := t.coordStore.ScanWorkers(ctx)
	if err != nil {
		t.log.Warn("reconcile: scan workers failed", "job_run_id", run.ID, "error", err)
		return
	}
	heartbeatTTL := t.settings.GetDurationSeconds(dbc, "heartbeat_ttl_seconds", 20)
	maxJobs := t.settings.GetInt(dbc, "max_jobs_per_worker", 4)
	now := time.Now()

	var filtered []domain.WorkerDirectoryEntry
	for _, e := range entries {
		if e.ID == excludeWorkerID {
			continue
		}
		filtered = append(filtered, e)
	}
	candidates := candidateWorkers(filtered, now, heartbeatTTL, maxJobs)
	if len(candidates) == 0 {
		t.log.Warn("reconcile: no candidate available for orphaned run, leaving ORPHANED", "job_run_id", run.ID)
		return
	}
	chosen := candidates[0]
	workerIDStr := strconv.FormatInt(chosen.ID, 10)

	leaseKey := coordstore.RunLeaseKey(run.ID.String())
	acquired, lerr := t.coordStore.TryAcquire(ctx, leaseKey, workerIDStr, assignLeaseTTL)
	if lerr != nil || !acquired {
		return
	}

	reassignExpected := runstore.Expected{State: domain.StateOrphaned, Version: run.Version + 1}
	_, err = t.runStore.UpdateRun(dbc, run.ID, reassignExpected, domain.StateAssigned, map[string]any{
		"assigned_worker_id": workerIDStr,
		"assigned_at":        now,
		"leader_epoch":       epoch,
		"attempt":            run.Attempt + 1,
	})
	if err != nil {
		t.log.Warn("reconcile: ORPHANED->ASSIGNED failed", "job_run_id", run.ID, "error", err)
		_ = t.coordStore.Release(ctx, leaseKey, workerIDStr)
	}
}
