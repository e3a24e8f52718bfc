package scheduler

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/fleetctl/coordinator/internal/domain"
	"github.com/fleetctl/coordinator/internal/pkg/dbctx"
	"github.com/fleetctl/coordinator/internal/store/coordstore"
	"github.com/fleetctl/coordinator/internal/store/runstore"
)

// assignLeaseTTL is how long the short-lived run_lease:{run_id} lock lives
// (spec.md §4.5: "idempotent, TTL of a few seconds").
const assignLeaseTTL = 5 * time.Second

// assign implements spec.md §4.5's assignment step: PENDING runs due
// within assign_ahead_seconds are paired with a scored candidate and moved
// PENDING->ASSIGNED under a short-lived lease.
func (t *Tick) assign(ctx context.Context, epoch int64) {
	dbc := dbctx.Context{Ctx: ctx}
	now := time.Now()
	assignAhead := t.settings.GetDurationSeconds(dbc, "assign_ahead_seconds", 30)
	maxJobs := t.settings.GetInt(dbc, "max_jobs_per_worker", 4)
	heartbeatTTL := t.settings.GetDurationSeconds(dbc, "heartbeat_ttl_seconds", 20)

	runs, err := t.runStore.ListPendingDue(dbc, now, assignAhead, 100)
	if err != nil {
		t.log.Warn("assign: list pending runs failed", "error", err)
		return
	}
	if len(runs) == 0 {
		return
	}

	entries, err := t.coordStore.ScanWorkers(ctx)
	if err != nil {
		t.log.Warn("assign: scan workers failed", "error", err)
		return
	}

	for _, run := range runs {
		candidates := candidateWorkers(entries, now, heartbeatTTL, maxJobs)
		if len(candidates) == 0 {
			continue
		}
		chosen := candidates[0]
		workerIDStr := strconv.FormatInt(chosen.ID, 10)

		leaseKey := coordstore.RunLeaseKey(run.ID.String())
		acquired, lerr := t.coordStore.TryAcquire(ctx, leaseKey, workerIDStr, assignLeaseTTL)
		if lerr != nil {
			t.log.Warn("assign: lease acquire failed", "job_run_id", run.ID, "error", lerr)
			continue
		}
		if !acquired {
			continue
		}

		assignedAt := time.Now()
		expected := runstore.Expected{State: domain.StatePending, Version: run.Version}
		ok, uerr := t.runStore.UpdateRun(dbc, run.ID, expected, domain.StateAssigned, map[string]any{
			"assigned_worker_id": workerIDStr,
			"assigned_at":        assignedAt,
			"leader_epoch":       epoch,
		})
		if uerr != nil {
			t.log.Warn("assign: conditional update failed", "job_run_id", run.ID, "error", uerr)
			_ = t.coordStore.Release(ctx, leaseKey, workerIDStr)
			continue
		}
		if !ok {
			_ = t.coordStore.Release(ctx, leaseKey, workerIDStr)
			continue
		}
		chosen.Load++ // reflected locally so the next run in this batch doesn't over-pack the same worker
		for i := range entries {
			if entries[i].ID == chosen.ID {
				entries[i].Load = chosen.Load
			}
		}
	}
}

// candidateWorkers filters and scores directory entries per spec.md §4.5:
// not detached, not draining, heartbeat fresh, load < max_jobs_per_worker,
// role not leader unless it is the only candidate. Score is (load
// ascending, last_heartbeat descending, worker_id ascending) — the last
// leg is this implementation's tie-break for an otherwise unspecified
// ordering (see DESIGN.md).
func candidateWorkers(entries []domain.WorkerDirectoryEntry, now time.Time, heartbeatTTL time.Duration, maxJobs int) []*domain.WorkerDirectoryEntry {
	var nonLeader, all []*domain.WorkerDirectoryEntry
	for i := range entries {
		e := &entries[i]
		if e.Detached || e.Draining || e.Load >= maxJobs {
			continue
		}
		if now.Sub(e.LastHeartbeatTS) > heartbeatTTL {
			continue
		}
		all = append(all, e)
		if e.Role != domain.RoleLeader {
			nonLeader = append(nonLeader, e)
		}
	}
	pool := nonLeader
	if len(pool) == 0 {
		pool = all
	}
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].Load != pool[j].Load {
			return pool[i].Load < pool[j].Load
		}
		if !pool[i].LastHeartbeatTS.Equal(pool[j].LastHeartbeatTS) {
			return pool[i].LastHeartbeatTS.After(pool[j].LastHeartbeatTS)
		}
		return pool[i].ID < pool[j].ID
	})
	return pool
}
