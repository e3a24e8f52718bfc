// Package scheduler is the Scheduler / Leader Tick (spec.md §4.5): the
// leader-only loop that materializes due time-runs, intakes pending
// events, assigns and dispatches runs, and reconciles orphans, in the
// fixed per-tick order the spec requires.
package scheduler

import (
	"context"
	"time"

	"github.com/fleetctl/coordinator/internal/pkg/dbctx"
	"github.com/fleetctl/coordinator/internal/pkg/logger"
	"github.com/fleetctl/coordinator/internal/rpc"
	"github.com/fleetctl/coordinator/internal/settings"
	"github.com/fleetctl/coordinator/internal/store/coordstore"
	"github.com/fleetctl/coordinator/internal/store/runstore"
)

// EpochSource is the narrow read the tick needs from the worker runtime:
// whether this process currently holds the leader role, and under which
// epoch. It is satisfied by *worker.Runtime without scheduler importing
// the worker package's full surface.
type EpochSource interface {
	LeaderEpochIfLeader() (epoch int64, isLeader bool)

	// Demote immediately steps this process down to a plain worker, used
	// when the tick itself discovers it is stale (spec.md §4.5:
	// REJECTED_OLD_EPOCH means "the leader knows it is stale and steps
	// down") rather than waiting for the election loop to notice independently.
	Demote(reason string)
}

// Deps bundles the Tick's collaborators.
type Deps struct {
	RunStore   runstore.Store
	CoordStore coordstore.Store
	Settings   *settings.Resolver
	RPCClient  *rpc.Client
	Epoch      EpochSource
	Log        *logger.Logger
}

// Tick drives one leader's worth of scheduling work, spec.md §4.5.
type Tick struct {
	runStore   runstore.Store
	coordStore coordstore.Store
	settings   *settings.Resolver
	rpcClient  *rpc.Client
	epoch      EpochSource
	log        *logger.Logger
}

func New(d Deps) *Tick {
	return &Tick{
		runStore:   d.RunStore,
		coordStore: d.CoordStore,
		settings:   d.Settings,
		rpcClient:  d.RPCClient,
		epoch:      d.Epoch,
		log:        d.Log.With("component", "scheduler.Tick"),
	}
}

// Run loops every leader_tick_seconds until ctx is canceled, performing a
// full tick only while this process currently holds the leader role
// (spec.md §4.5: "the leader owns the assignment decision at any
// instant" — a demoted process simply idles here until re-elected).
func (t *Tick) Run(ctx context.Context) error {
	for {
		tick := t.settings.GetDurationSeconds(dbctx.Background(), "leader_tick_seconds", 5)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(tick):
		}

		epoch, isLeader := t.epoch.LeaderEpochIfLeader()
		if !isLeader {
			continue
		}
		t.RunOnce(ctx, epoch)
	}
}

// RunOnce performs exactly one tick's worth of work, in the fixed order
// spec.md §4.5 specifies: update leader:last_seen; materialize due
// time-runs; intake pending events; assign; dispatch; reconcile orphans.
// Exported so tests can drive single ticks deterministically.
func (t *Tick) RunOnce(ctx context.Context, epoch int64) {
	if err := t.coordStore.SetString(ctx, coordstore.KeyLeaderSeen, time.Now().Format(time.RFC3339Nano)); err != nil {
		t.log.Warn("failed to update leader:last_seen", "error", err)
	}

	t.materializeTimeRuns(ctx)
	t.intakeEvents(ctx)
	t.assign(ctx, epoch)
	t.dispatch(ctx, epoch)
	t.reconcileOrphans(ctx, epoch)
}
