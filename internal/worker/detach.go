package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fleetctl/coordinator/internal/domain"
	"github.com/fleetctl/coordinator/internal/pkg/dbctx"
	"github.com/fleetctl/coordinator/internal/rpc"
	"github.com/fleetctl/coordinator/internal/store/runstore"
)

// beginContinuationProtocol implements spec.md §4.6's detach-mid-run
// handling: mark continuation_state=CONFIRMING with a deadline, then ask
// the leader (falling back to the sub-leader) whether this worker may keep
// running, up to continuation_retry_count attempts. On ALLOW_CONTINUE the
// run keeps executing undisturbed; on MUST_ABORT or exhaustion the
// subprocess is killed and the run ends FAILED with a continuation-specific
// summary (spec.md §4.6).
func (r *Runtime) beginContinuationProtocol(ctx context.Context) {
	r.mu.Lock()
	runID := r.currentJobRunID
	workerIDStr := strconv.FormatInt(r.workerID, 10)
	dispatchEpoch := r.currentLeaderEpoch
	r.mu.Unlock()
	if runID == "" {
		return
	}

	dbc := dbctx.Background()
	run, err := r.runStore.GetByID(dbc, parseUUID(runID))
	if err != nil {
		r.log.Warn("continuation: could not load run", "job_run_id", runID, "error", err)
		return
	}
	if run.State != domain.StateRunning {
		r.log.Debug("continuation: run no longer RUNNING, nothing to confirm", "job_run_id", runID, "state", run.State)
		return
	}

	retryCount := r.settings.GetInt(dbc, "continuation_retry_count", 3)
	retryInterval := time.Duration(r.settings.GetFloat(dbc, "continuation_retry_interval_seconds", 2.0) * float64(time.Second))
	startedAt := time.Now()
	deadline := startedAt.Add(time.Duration(retryCount) * retryInterval)

	expected := runstore.Expected{State: domain.StateRunning, Version: run.Version, Worker: &workerIDStr, Epoch: &dispatchEpoch}
	ok, err := r.runStore.SetContinuation(dbc, run.ID, expected, domain.ContinuationConfirming, &startedAt, &deadline)
	if err != nil || !ok {
		r.log.Warn("continuation: failed to mark CONFIRMING, run likely already moved on", "job_run_id", runID, "error", err)
		return
	}

	allowed := r.pollContinuation(ctx, runID, workerIDStr, dispatchEpoch, retryCount, retryInterval)

	clearedVersion := run.Version + 1
	clearExpected := runstore.Expected{State: domain.StateRunning, Version: clearedVersion, Worker: &workerIDStr, Epoch: &dispatchEpoch}
	if allowed {
		if _, err := r.runStore.SetContinuation(dbc, run.ID, clearExpected, domain.ContinuationNone, nil, nil); err != nil {
			r.log.Warn("continuation: failed to clear CONFIRMING after ALLOW_CONTINUE", "job_run_id", runID, "error", err)
		}
		r.log.Info("continuation allowed, keeping run alive", "job_run_id", runID)
		go r.reregisterAfterCurrentRun(ctx, runID)
		return
	}

	r.log.Warn("continuation denied or exhausted, aborting run", "job_run_id", runID)
	r.mu.Lock()
	r.abortReason = "continuation denied: worker detached and leader refused to allow continuation"
	r.continuationAbort = true
	cancel := r.subprocCancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// pollContinuation asks the leader, then the sub-leader, for permission to
// continue. It returns true only on an explicit ALLOW_CONTINUE.
func (r *Runtime) pollContinuation(ctx context.Context, runID, workerIDStr string, epoch int64, retryCount int, interval time.Duration) bool {
	if r.rpcClient == nil {
		return false
	}
	req := rpc.ConfirmContinuationRequest{WorkerID: workerIDStr, JobRunID: runID, LeaderEpoch: epoch}

	for attempt := 0; attempt < retryCount; attempt++ {
		for _, entry := range r.continuationTargets(ctx) {
			baseURL := fmt.Sprintf("https://%s:%d", entry.RPCHost, entry.RPCPort)
			resp, err := r.rpcClient.ConfirmContinuation(ctx, baseURL, req, time.Second)
			if err != nil {
				r.log.Debug("continuation: target unreachable", "target", baseURL, "error", err)
				continue
			}
			if resp.Result == rpc.ContinuationAllow {
				return true
			}
			if resp.Result == rpc.ContinuationMustAbort {
				return false
			}
		}
		time.Sleep(interval)
	}
	return false
}

// reregisterAfterCurrentRun waits for an ALLOW_CONTINUE'd run to finish,
// then re-registers this still-detached worker under a new id (spec.md
// §4.3): detach only has to last through the current run, not forever, so
// once it ends this identity's detached directory entry is replaced with a
// fresh one exactly as the no-run case already does in heartbeatLoop.
func (r *Runtime) reregisterAfterCurrentRun(ctx context.Context, runID string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		r.mu.Lock()
		finished := r.currentJobRunID != runID
		detached := r.detached
		r.mu.Unlock()
		if finished {
			if detached {
				r.reregisterUnderNewID(ctx)
			}
			return
		}
	}
}

// continuationTargets returns the leader first, then the sub-leader, as
// spec.md §4.4 describes for ConfirmContinuation's call order.
func (r *Runtime) continuationTargets(ctx context.Context) []domain.WorkerDirectoryEntry {
	entries, err := r.coordStore.ScanWorkers(ctx)
	if err != nil {
		return nil
	}
	var leader, subleader *domain.WorkerDirectoryEntry
	for i := range entries {
		switch entries[i].Role {
		case domain.RoleLeader:
			leader = &entries[i]
		case domain.RoleSubLeader:
			subleader = &entries[i]
		}
	}
	var out []domain.WorkerDirectoryEntry
	if leader != nil {
		out = append(out, *leader)
	}
	if subleader != nil {
		out = append(out, *subleader)
	}
	return out
}
