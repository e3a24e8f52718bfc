package worker

import (
	"time"

	"github.com/fleetctl/coordinator/internal/domain"
	"github.com/fleetctl/coordinator/internal/pkg/dbctx"
	"github.com/fleetctl/coordinator/internal/rpc"
)

// Ping answers with this worker's observed epoch so the caller can detect
// staleness without a full GetStatus round trip (spec.md §4.4).
func (r *Runtime) Ping(req rpc.PingRequest) (rpc.PingResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return rpc.PingResponse{ObservedEpoch: r.observedEpoch}, nil
}

// GetStatus reports the full lock-serialized snapshot (spec.md §4.4).
func (r *Runtime) GetStatus() (rpc.GetStatusResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return rpc.GetStatusResponse{
		Role:            string(r.role),
		Detached:        r.detached,
		Draining:        r.draining,
		Load:            r.load,
		CurrentJobRunID: r.currentJobRunID,
		ObservedEpoch:   r.observedEpoch,
		LastHeartbeatTS: r.lastHeartbeatAt.Format(time.RFC3339Nano),
	}, nil
}

// Drain implements spec.md §4.4's drain toggle: once enabled, this worker
// refuses every future StartJob (acceptStartJob's first check) but keeps
// its already-running job alive until it reaches a terminal state.
func (r *Runtime) Drain(req rpc.DrainRequest) (rpc.DrainResponse, error) {
	r.mu.Lock()
	r.draining = req.Enable
	draining := r.draining
	r.mu.Unlock()
	return rpc.DrainResponse{Draining: draining}, nil
}

// ConfirmContinuation is served by whichever of leader/sub-leader is
// reachable (spec.md §4.4/§4.7(a)). It allows continuation only if the run
// is still RUNNING, still assigned to the calling worker, and the caller's
// epoch still matches the epoch the run was dispatched under — the same
// fencing token the run row itself carries, so a demoted or stale leader
// can never authorize continuation under a superseded epoch.
func (r *Runtime) ConfirmContinuation(req rpc.ConfirmContinuationRequest) (rpc.ConfirmContinuationResponse, error) {
	dbc := dbctx.Background()
	run, err := r.runStore.GetByID(dbc, parseUUID(req.JobRunID))
	if err != nil {
		return rpc.ConfirmContinuationResponse{Result: rpc.ContinuationMustAbort}, nil
	}
	if run.State != domain.StateRunning {
		return rpc.ConfirmContinuationResponse{Result: rpc.ContinuationMustAbort}, nil
	}
	if run.AssignedWorkerID != req.WorkerID {
		return rpc.ConfirmContinuationResponse{Result: rpc.ContinuationMustAbort}, nil
	}
	if run.LeaderEpoch != req.LeaderEpoch {
		return rpc.ConfirmContinuationResponse{Result: rpc.ContinuationMustAbort}, nil
	}
	return rpc.ConfirmContinuationResponse{Result: rpc.ContinuationAllow}, nil
}
