package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fleetctl/coordinator/internal/domain"
	"github.com/fleetctl/coordinator/internal/pkg/dbctx"
	"github.com/fleetctl/coordinator/internal/rpc"
	"github.com/fleetctl/coordinator/internal/store/coordstore"
)

// maxSubLeaderProbeFailures is how many consecutive failed Pings to the
// leader the sub-leader monitor tolerates before declaring the leader
// degraded (spec.md §4.3: "on repeated failure"). Not itself a settings
// key; a small fixed count.
const maxSubLeaderProbeFailures = 3

// subleaderLoop implements spec.md §4.3/§4.7: only while this runtime holds
// the sub-leader role, periodically check the leader's last_seen marker and
// probe it directly if stale. subleader_check_seconds is not a recognized
// settings key (spec.md §6.3); this derives it from leader_tick_seconds,
// same as the leader lease ttl derivation in election.go.
func (r *Runtime) subleaderLoop(ctx context.Context) error {
	probeFailures := 0
	for {
		tick := r.settings.GetDurationSeconds(dbctx.Background(), "leader_tick_seconds", 5)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(tick):
		}

		r.mu.Lock()
		isSubLeader := r.role == domain.RoleSubLeader
		r.mu.Unlock()
		if !isSubLeader {
			probeFailures = 0
			continue
		}

		ok := r.subleaderCheckOnce(ctx)
		if ok {
			probeFailures = 0
			continue
		}
		probeFailures++
		if probeFailures >= maxSubLeaderProbeFailures {
			r.log.Warn("leader unreachable after repeated probes, degrading and attempting promotion", "failures", probeFailures)
			r.degradeLeaderAndPromote(ctx)
			probeFailures = 0
		}
	}
}

// subleaderCheckOnce returns true if the leader is healthy (fresh last_seen
// marker, or a successful direct Ping), false if it should count toward
// probe-failure escalation.
func (r *Runtime) subleaderCheckOnce(ctx context.Context) bool {
	staleAfter := r.settings.GetDurationSeconds(dbctx.Background(), "leader_stale_seconds", 15)

	seenStr, ok, err := r.coordStore.GetString(ctx, coordstore.KeyLeaderSeen)
	if err == nil && ok {
		seenAt, perr := time.Parse(time.RFC3339Nano, seenStr)
		if perr == nil && time.Since(seenAt) <= staleAfter {
			return true
		}
	}

	if r.rpcClient == nil {
		return false
	}
	leaderEntry, found := r.findLeaderEntry(ctx)
	if !found {
		return false
	}
	baseURL := fmt.Sprintf("https://%s:%d", leaderEntry.RPCHost, leaderEntry.RPCPort)
	_, perr := r.rpcClient.Ping(ctx, baseURL, rpc.PingRequest{CallerRole: rpc.RoleSubLeader}, 400*time.Millisecond, 1)
	return perr == nil
}

func (r *Runtime) findLeaderEntry(ctx context.Context) (domain.WorkerDirectoryEntry, bool) {
	entries, err := r.coordStore.ScanWorkers(ctx)
	if err != nil {
		return domain.WorkerDirectoryEntry{}, false
	}
	for _, e := range entries {
		if e.Role == domain.RoleLeader {
			return e, true
		}
	}
	return domain.WorkerDirectoryEntry{}, false
}

// degradeLeaderAndPromote sets the degrade flag on the leader's directory
// entry and attempts to take the leader lease itself (spec.md §4.3). If
// the acquisition succeeds, becomeLeader increments the epoch before this
// process issues any outbound command, satisfying spec.md §4.7(b).
func (r *Runtime) degradeLeaderAndPromote(ctx context.Context) {
	if leaderEntry, found := r.findLeaderEntry(ctx); found {
		if err := r.coordStore.SetFlag(ctx, coordstore.DegradeKey(strconv.FormatInt(leaderEntry.ID, 10))); err != nil {
			r.log.Warn("failed to set degrade flag on leader", "error", err)
		}
	}

	r.mu.Lock()
	workerIDStr := strconv.FormatInt(r.workerID, 10)
	r.mu.Unlock()
	tick := r.settings.GetDurationSeconds(dbctx.Background(), "leader_tick_seconds", 5)
	acquired, err := r.coordStore.TryAcquire(ctx, coordstore.KeyLeaderLock, workerIDStr, 4*tick)
	if err != nil {
		r.log.Warn("promotion acquire failed", "error", err)
		return
	}
	if acquired {
		r.becomeLeader(ctx)
	}
}
