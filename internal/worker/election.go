package worker

import (
	"context"
	"strconv"
	"time"

	"github.com/fleetctl/coordinator/internal/domain"
	"github.com/fleetctl/coordinator/internal/pkg/dbctx"
	"github.com/fleetctl/coordinator/internal/store/coordstore"
)

// electionLoop runs every second (spec.md §4.3). leader_lease_ttl is not
// itself a recognized settings key (spec.md §6.3 only names
// leader_tick_seconds); this implementation derives it as 4x the tick
// period, long enough to survive one missed renewal without flapping.
func (r *Runtime) electionLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.electionTick(ctx)
		}
	}
}

func (r *Runtime) electionTick(ctx context.Context) {
	r.mu.Lock()
	workerIDStr := strconv.FormatInt(r.workerID, 10)
	draining := r.draining
	detached := r.detached
	currentRole := r.role
	r.mu.Unlock()

	if draining || detached {
		r.demoteToWorker("draining or detached")
		return
	}

	tick := r.settings.GetDurationSeconds(dbctx.Background(), "leader_tick_seconds", 5)
	leaseTTL := 4 * tick

	if currentRole == domain.RoleLeader {
		degraded, err := r.coordStore.GetFlag(ctx, coordstore.DegradeKey(workerIDStr))
		if err != nil {
			r.log.Warn("degrade flag check failed", "error", err)
		} else if degraded {
			_ = r.coordStore.ClearFlag(ctx, coordstore.DegradeKey(workerIDStr))
			_ = r.coordStore.Release(ctx, coordstore.KeyLeaderLock, workerIDStr)
			r.demoteToWorker("degrade flag set by sub-leader monitor")
			return
		}

		ok, err := r.coordStore.Renew(ctx, coordstore.KeyLeaderLock, workerIDStr, leaseTTL)
		if err != nil {
			r.log.Warn("leader lease renew failed", "error", err)
			r.demoteToWorker("renew error")
			return
		}
		if !ok {
			r.demoteToWorker("renew rejected, lease lost or held by other")
			return
		}
		return
	}

	acquired, err := r.coordStore.TryAcquire(ctx, coordstore.KeyLeaderLock, workerIDStr, leaseTTL)
	if err != nil {
		r.log.Warn("leader lease acquire failed", "error", err)
	} else if acquired {
		r.becomeLeader(ctx)
		return
	}

	r.attemptSubLeaderLease(ctx, workerIDStr, leaseTTL)
}

func (r *Runtime) becomeLeader(ctx context.Context) {
	epoch, err := r.coordStore.Incr(ctx, coordstore.KeyLeaderEpoch)
	if err != nil {
		r.log.Warn("acquired leader lease but failed to fetch epoch, stepping down", "error", err)
		_ = r.coordStore.Release(ctx, coordstore.KeyLeaderLock, strconv.FormatInt(r.workerID, 10))
		return
	}
	r.mu.Lock()
	r.role = domain.RoleLeader
	r.observedEpoch = epoch
	r.mu.Unlock()
	r.log.Info("became leader", "epoch", epoch)
}

// attemptSubLeaderLease runs independently of the leader-lease outcome
// (spec.md §4.3: "Separately attempt sub-leader lease keyed by node id.").
func (r *Runtime) attemptSubLeaderLease(ctx context.Context, workerIDStr string, ttl time.Duration) {
	r.mu.Lock()
	isSubLeader := r.role == domain.RoleSubLeader
	nodeID := r.nodeID
	r.mu.Unlock()

	key := coordstore.SubLeaderKey(nodeID)
	if isSubLeader {
		ok, err := r.coordStore.Renew(ctx, key, workerIDStr, ttl)
		if err != nil || !ok {
			r.demoteToWorker("sub-leader lease lost")
		}
		return
	}

	ok, err := r.coordStore.TryAcquire(ctx, key, workerIDStr, ttl)
	if err != nil {
		r.log.Warn("sub-leader lease acquire failed", "error", err)
		return
	}
	if ok {
		r.mu.Lock()
		r.role = domain.RoleSubLeader
		r.mu.Unlock()
		r.log.Info("became sub-leader")
	}
}

// Demote is the exported entry point the scheduler tick uses when it
// discovers mid-tick that it is stale (a dispatch came back
// REJECTED_OLD_EPOCH), so this process stops scheduling immediately instead
// of waiting for the next electionTick to notice lease loss on its own.
func (r *Runtime) Demote(reason string) {
	r.demoteToWorker(reason)
}

// demoteToWorker implements spec.md §4.3's demotion rule: a leader (or
// sub-leader) observing lease loss, lease-held-by-other, or a degrade flag
// immediately ceases scheduling and becomes a plain worker. In-flight
// dispatches already accepted by target workers are left alone; fencing
// (spec.md §4.5) resolves their outcome.
func (r *Runtime) demoteToWorker(reason string) {
	r.mu.Lock()
	was := r.role
	r.role = domain.RoleWorker
	r.mu.Unlock()
	if was != domain.RoleWorker {
		r.log.Info("demoted to worker", "from_role", was, "reason", reason)
	}
}
