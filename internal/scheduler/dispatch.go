package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/fleetctl/coordinator/internal/pkg/dbctx"
	"github.com/fleetctl/coordinator/internal/rpc"
)

// dispatchDeadline bounds a single StartJob round trip (spec.md §4.5:
// "retry within a bounded window before declaring the worker unreachable").
const dispatchDeadline = 2 * time.Second

// defaultDispatchTimeoutSecs covers the rare case where a run's definition
// has since been deleted between materialization and dispatch.
const defaultDispatchTimeoutSecs = 300

// dispatch implements spec.md §4.5's dispatch step: ASSIGNED runs due now
// get a StartJob call against their assigned worker, with the enumerated
// result codes acted on deterministically (spec.md §7).
func (t *Tick) dispatch(ctx context.Context, epoch int64) {
	dbc := dbctx.Context{Ctx: ctx}
	now := time.Now()
	runs, err := t.runStore.ListAssignedDue(dbc, now, 100)
	if err != nil {
		t.log.Warn("dispatch: list assigned runs failed", "error", err)
		return
	}
	if len(runs) == 0 || t.rpcClient == nil {
		return
	}

	for _, run := range runs {
		workerID, perr := strconv.ParseInt(run.AssignedWorkerID, 10, 64)
		if perr != nil {
			t.log.Warn("dispatch: malformed assigned_worker_id", "job_run_id", run.ID, "value", run.AssignedWorkerID)
			continue
		}
		entry, found, gerr := t.coordStore.GetWorker(ctx, workerID)
		if gerr != nil || !found {
			t.log.Warn("dispatch: assigned worker not found in directory, leaving for orphan reconciliation", "job_run_id", run.ID, "worker_id", workerID)
			continue
		}

		timeoutSecs := defaultDispatchTimeoutSecs
		if def, derr := t.runStore.GetJobDefinition(dbc, run.JobDefinitionID); derr == nil {
			timeoutSecs = def.TimeoutSecs
		}

		baseURL := fmt.Sprintf("https://%s:%d", entry.RPCHost, entry.RPCPort)
		req := rpc.StartJobRequest{
			JobRunID:    run.ID.String(),
			CommandName: run.CommandName,
			Args:        json.RawMessage(run.Args),
			TimeoutSecs: int32(timeoutSecs),
			Attempt:     int32(run.Attempt),
			LeaderEpoch: epoch,
		}

		resp, err := t.rpcClient.StartJob(ctx, baseURL, req, dispatchDeadline)
		if err != nil {
			t.log.Warn("dispatch: StartJob transport failure, leaving for orphan reconciliation", "job_run_id", run.ID, "worker_id", workerID, "error", err)
			continue
		}

		switch resp.Result {
		case rpc.StartJobAccepted:
			// Worker drives RUNNING from here.
		case rpc.StartJobRejectedOldEpoch:
			t.log.Warn("dispatch: worker rejected stale epoch, stepping down", "job_run_id", run.ID, "epoch", epoch)
			if t.epoch != nil {
				t.epoch.Demote("dispatch observed REJECTED_OLD_EPOCH")
			}
		case rpc.StartJobRejectedDetached, rpc.StartJobRejectedDraining, rpc.StartJobRejectedAlreadyRunning:
			t.log.Info("dispatch: worker rejected assignment, reassigning", "job_run_id", run.ID, "result", resp.Result)
			t.orphanAndReassign(ctx, dbc, run, epoch, workerID)
		case rpc.StartJobRejectedInvalid:
			t.log.Error("dispatch: worker rejected run as invalid", "job_run_id", run.ID)
		}
	}
}
