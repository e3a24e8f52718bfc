package worker

import (
	"context"
	"strconv"
	"time"

	"github.com/fleetctl/coordinator/internal/pkg/dbctx"
	"github.com/fleetctl/coordinator/internal/store/coordstore"
)

// heartbeatLoop refreshes the directory entry and its TTL every
// heartbeat_interval_seconds, and watches the detach:{worker_id} flag
// (spec.md §4.3). Detecting a freshly-set flag hands off, on a new
// goroutine, to beginContinuationProtocol when a run is in flight or to
// reregisterUnderNewID when none is, so this loop never blocks on the
// continuation RPC round trip.
func (r *Runtime) heartbeatLoop(ctx context.Context) error {
	interval := r.settings.GetDurationSeconds(dbctx.Background(), "heartbeat_interval_seconds", 5)
	ttl := r.settings.GetDurationSeconds(dbctx.Background(), "heartbeat_ttl_seconds", 20)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.flushDirectoryTTL(context.Background())
			return nil
		case <-ticker.C:
			if err := r.publishDirectoryEntry(ctx, ttl); err != nil {
				r.log.Warn("heartbeat publish failed", "error", err)
				continue
			}
			r.checkDetachFlag(ctx)
		}
	}
}

func (r *Runtime) checkDetachFlag(ctx context.Context) {
	r.mu.Lock()
	id := r.workerID
	alreadyDetached := r.detached
	r.mu.Unlock()

	set, err := r.coordStore.GetFlag(ctx, coordstore.DetachKey(strconv.FormatInt(id, 10)))
	if err != nil {
		r.log.Warn("detach flag check failed", "error", err)
		return
	}
	if !set || alreadyDetached {
		return
	}

	r.mu.Lock()
	r.detached = true
	hasRun := r.currentJobRunID != ""
	r.mu.Unlock()

	r.log.Info("detach flag observed", "has_running_job", hasRun)
	if hasRun {
		go r.beginContinuationProtocol(context.Background())
	} else {
		go r.reregisterUnderNewID(context.Background())
	}
}

// flushDirectoryTTL zeroes the directory entry's TTL on shutdown so peers
// detect loss quickly (spec.md §5: "process shutdown flushes the directory
// entry TTL to zero").
func (r *Runtime) flushDirectoryTTL(ctx context.Context) {
	r.mu.Lock()
	id := r.workerID
	r.mu.Unlock()
	if id == 0 {
		return
	}
	if err := r.coordStore.ExpireWorker(ctx, id, 0); err != nil {
		r.log.Warn("failed to flush directory ttl on shutdown", "error", err)
	}
}

// reregisterUnderNewID is called once a detached worker has no run left to
// wind down: it allocates a fresh worker_id and publishes a new directory
// entry, clearing detached for its new identity; draining is kept as it
// was (spec.md §4.3:
// "re-register under a new id after ending the current run").
func (r *Runtime) reregisterUnderNewID(ctx context.Context) {
	id, err := r.coordStore.Incr(ctx, coordstore.KeyWorkerIDSeq)
	if err != nil {
		r.log.Warn("reregister: allocate new worker_id failed", "error", err)
		return
	}
	r.mu.Lock()
	r.workerID = id
	r.detached = false
	r.mu.Unlock()
	r.log = r.log.With("worker_id", strconv.FormatInt(id, 10))

	ttl := r.settings.GetDurationSeconds(dbctx.Background(), "heartbeat_ttl_seconds", 20)
	if err := r.publishDirectoryEntry(ctx, ttl); err != nil {
		r.log.Warn("reregister: publish new directory entry failed", "error", err)
	}
}
