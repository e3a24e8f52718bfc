package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fleetctl/coordinator/internal/domain"
	"github.com/fleetctl/coordinator/internal/executor"
	"github.com/fleetctl/coordinator/internal/pkg/ctlerrors"
	"github.com/fleetctl/coordinator/internal/pkg/dbctx"
	"github.com/fleetctl/coordinator/internal/rpc"
	"github.com/fleetctl/coordinator/internal/store/runstore"
)

func parseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// acceptStartJob applies spec.md §4.4's StartJob decision table under the
// lock. The conditional ASSIGNED->RUNNING transition and the subprocess
// itself run on a background goroutine so the RPC round trip stays fast,
// and so a duplicate StartJob for an already-accepted run_id keeps
// returning ACCEPTED rather than blocking on the first call's completion.
func (r *Runtime) acceptStartJob(req rpc.StartJobRequest) rpc.StartJobResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.draining {
		return rpc.StartJobRejectedDraining
	}
	if r.detached {
		return rpc.StartJobRejectedDetached
	}
	if r.currentJobRunID != "" && r.currentJobRunID == req.JobRunID {
		return rpc.StartJobAccepted
	}
	if r.currentJobRunID != "" {
		return rpc.StartJobRejectedAlreadyRunning
	}
	if req.LeaderEpoch < r.observedEpoch {
		return rpc.StartJobRejectedOldEpoch
	}
	if req.JobRunID == "" || req.CommandName == "" {
		return rpc.StartJobRejectedInvalid
	}

	r.currentJobRunID = req.JobRunID
	r.currentLeaderEpoch = req.LeaderEpoch
	r.load++
	if req.LeaderEpoch > r.observedEpoch {
		r.observedEpoch = req.LeaderEpoch
	}
	return rpc.StartJobAccepted
}

// StartJob is the rpc.Handler entry point.
func (r *Runtime) StartJob(req rpc.StartJobRequest) (rpc.StartJobResponse, error) {
	result := r.acceptStartJob(req)
	if result == rpc.StartJobAccepted {
		go r.runAcceptedJob(req)
	}
	return rpc.StartJobResponse{Result: result}, nil
}

// releaseCurrentRun clears the in-flight bookkeeping so the slot is free
// for the next StartJob (spec.md §4.3's load accounting).
func (r *Runtime) releaseCurrentRun() {
	r.mu.Lock()
	if r.currentJobRunID != "" {
		r.load--
	}
	r.currentJobRunID = ""
	r.currentLeaderEpoch = 0
	r.abortReason = ""
	r.continuationAbort = false
	r.subprocCancel = nil
	r.mu.Unlock()
}

func (r *Runtime) runAcceptedJob(req rpc.StartJobRequest) {
	dbc := dbctx.Background()
	runID := parseUUID(req.JobRunID)
	r.mu.Lock()
	workerIDStr := strconv.FormatInt(r.workerID, 10)
	r.mu.Unlock()

	run, err := r.runStore.GetByID(dbc, runID)
	if err != nil {
		r.log.Warn("runAcceptedJob: could not load run", "job_run_id", req.JobRunID, "error", err)
		r.releaseCurrentRun()
		return
	}
	if run.State != domain.StateAssigned {
		r.log.Debug("runAcceptedJob: run no longer ASSIGNED, skipping", "job_run_id", req.JobRunID, "state", run.State)
		r.releaseCurrentRun()
		return
	}

	expected := runstore.Expected{State: domain.StateAssigned, Version: run.Version, Worker: &workerIDStr, Epoch: &req.LeaderEpoch}
	now := time.Now()
	ok, err := r.runStore.UpdateRun(dbc, run.ID, expected, domain.StateRunning, map[string]any{"started_at": now})
	if err != nil {
		r.log.Warn("runAcceptedJob: ASSIGNED->RUNNING failed", "job_run_id", req.JobRunID, "error", err)
		r.releaseCurrentRun()
		return
	}
	if !ok {
		r.log.Info("runAcceptedJob: ASSIGNED->RUNNING lost the race, another actor moved this run", "job_run_id", req.JobRunID)
		r.releaseCurrentRun()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.subprocCancel = cancel
	r.mu.Unlock()

	timeout := time.Duration(req.TimeoutSecs) * time.Second
	outcome, execErr := r.exec.Run(ctx, req.JobRunID, int(req.Attempt), req.CommandName, json.RawMessage(req.Args), timeout)
	cancel()
	r.finishRun(run.ID, workerIDStr, req.LeaderEpoch, run.Version+1, outcome, execErr)
}

// finishRun drives the single terminal transition out of RUNNING (spec.md
// §4.5's transition table, §4.6's outcome list), fenced by the dispatch
// epoch and the run's version: the one the ASSIGNED->RUNNING transition
// left behind, or a later one written by the continuation protocol.
func (r *Runtime) finishRun(runID uuid.UUID, workerIDStr string, dispatchEpoch, expectedVersion int64, outcome executor.Outcome, execErr error) {
	defer r.releaseCurrentRun()

	r.mu.Lock()
	abortReason := r.abortReason
	continuationAbort := r.continuationAbort
	r.mu.Unlock()

	to := domain.StateFailed
	exitCode := outcome.ExitCode
	summary := outcome.ErrorSummary

	switch {
	case execErr != nil:
		summary = execErr.Error()
	case continuationAbort:
		// A denied/exhausted continuation kills the subprocess itself, so
		// outcome.Canceled is also true here; this case must be checked
		// first so the run ends FAILED rather than CANCELED (spec.md §4.6).
		to = domain.StateFailed
		summary = abortReason
	case outcome.TimedOut:
		to = domain.StateTimedOut
	case outcome.Canceled:
		to = domain.StateCanceled
		if abortReason != "" {
			summary = abortReason
		}
	case outcome.ExitCode == 0:
		to = domain.StateSucceeded
		summary = ""
	default:
		to = domain.StateFailed
	}

	dbc := dbctx.Background()
	// SetContinuation bumps the version while the run stays RUNNING, so the
	// current version is re-read; state, worker and epoch still pin the update.
	if cur, gerr := r.runStore.GetByID(dbc, runID); gerr == nil && cur.Version > expectedVersion {
		expectedVersion = cur.Version
	}
	expected := runstore.Expected{State: domain.StateRunning, Version: expectedVersion, Worker: &workerIDStr, Epoch: &dispatchEpoch}
	fields := map[string]any{
		"finished_at":   time.Now(),
		"exit_code":     exitCode,
		"error_summary": summary,
		"log_ref":       outcome.LogRef,
	}
	ok, err := r.runStore.UpdateRun(dbc, runID, expected, to, fields)
	if err != nil {
		r.log.Warn("finishRun: terminal transition failed", "job_run_id", runID, "to", to, "error", err)
		return
	}
	if !ok {
		r.log.Info("finishRun: terminal transition lost the race, run already moved on", "job_run_id", runID, "to", to)
		return
	}
	r.log.Info("run finished", "job_run_id", runID, "to", to, "exit_code", exitCode)
}

// CancelJob implements spec.md §4.4's CancelJob decision table. Acceptance
// only cancels the in-flight subprocess context; the terminal transition
// itself is always performed by the same runAcceptedJob/finishRun path
// that is already driving this run, never duplicated here.
func (r *Runtime) CancelJob(req rpc.CancelJobRequest) (rpc.CancelJobResponse, error) {
	dbc := dbctx.Background()
	run, err := r.runStore.GetByID(dbc, parseUUID(req.JobRunID))
	if err != nil {
		if errors.Is(err, ctlerrors.ErrNotFound) {
			return rpc.CancelJobResponse{Result: rpc.CancelJobNotFound}, nil
		}
		return rpc.CancelJobResponse{}, err
	}
	if run.State.Terminal() {
		return rpc.CancelJobResponse{Result: rpc.CancelJobAlreadyFinished}, nil
	}
	if req.LeaderEpoch < run.LeaderEpoch {
		return rpc.CancelJobResponse{Result: rpc.CancelJobRejectedOldEpoch}, nil
	}

	r.mu.Lock()
	isCurrent := r.currentJobRunID == req.JobRunID
	if isCurrent {
		r.abortReason = req.Reason
		if r.abortReason == "" {
			r.abortReason = "canceled"
		}
	}
	cancel := r.subprocCancel
	r.mu.Unlock()

	if isCurrent && cancel != nil {
		cancel()
	}
	return rpc.CancelJobResponse{Result: rpc.CancelJobAccepted}, nil
}
