// Package worker is the Worker Runtime (spec.md §4.3): the heartbeat,
// election, sub-leader-monitor, and detach-watch loops, plus subprocess
// execution and the control-plane RPC handlers, all hung off a single
// Runtime struct whose mutable state (role, load, currentJobRunID,
// detached, draining, observedEpoch) is serialized by one mutex, exactly as
// spec.md §5 requires: "no coordination loop may hold the lock across a
// network or RPC call."
package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleetctl/coordinator/internal/domain"
	"github.com/fleetctl/coordinator/internal/executor"
	"github.com/fleetctl/coordinator/internal/pkg/dbctx"
	"github.com/fleetctl/coordinator/internal/pkg/logger"
	"github.com/fleetctl/coordinator/internal/rpc"
	"github.com/fleetctl/coordinator/internal/settings"
	"github.com/fleetctl/coordinator/internal/store/coordstore"
	"github.com/fleetctl/coordinator/internal/store/runstore"
)

// State is a point-in-time, lock-free copy of the runtime's mutable fields,
// handed out by Snapshot so a caller never touches the mutex directly.
type State struct {
	WorkerID        int64
	NodeID          string
	Role            domain.Role
	Load            int
	CurrentJobRunID string
	Detached        bool
	Draining        bool
	ObservedEpoch   int64
}

// Deps bundles the Runtime's collaborators. All fields are required except
// RPCClient, which may be nil in single-process tests that never dial a
// peer.
type Deps struct {
	NodeID     string
	CoordStore coordstore.Store
	RunStore   runstore.Store
	Settings   *settings.Resolver
	Executor   executor.Executor
	RPCClient  *rpc.Client
	Log        *logger.Logger
}

type Runtime struct {
	mu sync.Mutex

	workerID           int64
	nodeID             string
	role               domain.Role
	load               int
	currentJobRunID    string
	currentLeaderEpoch int64 // leader_epoch the in-flight run was dispatched under
	detached           bool
	draining           bool
	observedEpoch      int64
	abortReason        string
	continuationAbort  bool // true only when abortReason came from a denied/exhausted continuation, not an external CancelJob
	lastHeartbeatAt    time.Time

	rpcHost string
	rpcPort int

	subprocCancel context.CancelFunc

	coordStore coordstore.Store
	runStore   runstore.Store
	settings   *settings.Resolver
	exec       executor.Executor
	rpcClient  *rpc.Client
	log        *logger.Logger
}

func NewRuntime(d Deps) *Runtime {
	return &Runtime{
		nodeID:     d.NodeID,
		role:       domain.RoleWorker,
		coordStore: d.CoordStore,
		runStore:   d.RunStore,
		settings:   d.Settings,
		exec:       d.Executor,
		rpcClient:  d.RPCClient,
		log:        d.Log.With("component", "worker.Runtime", "node_id", d.NodeID),
	}
}

// Snapshot returns a consistent copy of the runtime's serialized state.
func (r *Runtime) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State{
		WorkerID:        r.workerID,
		NodeID:          r.nodeID,
		Role:            r.role,
		Load:            r.load,
		CurrentJobRunID: r.currentJobRunID,
		Detached:        r.detached,
		Draining:        r.draining,
		ObservedEpoch:   r.observedEpoch,
	}
}

// SetRPCAddr records the host/port the RPC server ended up bound to, so the
// directory entry this worker publishes is dialable by peers (spec.md §4.3
// startup step 3, before step 4 starts the loops).
func (r *Runtime) SetRPCAddr(host string, port int) {
	r.mu.Lock()
	r.rpcHost, r.rpcPort = host, port
	r.mu.Unlock()
}

// Start allocates a worker id, writes the initial directory entry, and
// launches every cancellable loop under one errgroup (spec.md §4.3 startup
// sequence steps 1-4; §5's "fatal loop error cancels its siblings").
func (r *Runtime) Start(ctx context.Context) error {
	id, err := r.coordStore.Incr(ctx, coordstore.KeyWorkerIDSeq)
	if err != nil {
		return fmt.Errorf("worker: allocate worker_id: %w", err)
	}
	r.mu.Lock()
	r.workerID = id
	r.mu.Unlock()
	r.log = r.log.With("worker_id", strconv.FormatInt(id, 10))

	ttl := r.settings.GetDurationSeconds(dbctx.Background(), settingsHeartbeatTTLKey, 20)
	if err := r.publishDirectoryEntry(ctx, ttl); err != nil {
		return fmt.Errorf("worker: initial directory publish: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.heartbeatLoop(gctx) })
	g.Go(func() error { return r.electionLoop(gctx) })
	g.Go(func() error { return r.subleaderLoop(gctx) })
	return g.Wait()
}

const settingsHeartbeatTTLKey = "heartbeat_ttl_seconds"

func (r *Runtime) publishDirectoryEntry(ctx context.Context, ttl time.Duration) error {
	now := time.Now()
	r.mu.Lock()
	r.lastHeartbeatAt = now
	entry := domain.WorkerDirectoryEntry{
		ID:              r.workerID,
		NodeID:          r.nodeID,
		RPCHost:         r.rpcHost,
		RPCPort:         r.rpcPort,
		Role:            r.role,
		LastHeartbeatTS: now,
		Load:            r.load,
		CurrentJobRunID: r.currentJobRunID,
		Detached:        r.detached,
		Draining:        r.draining,
	}
	r.mu.Unlock()
	return r.coordStore.HSetWorker(ctx, entry, ttl)
}

// LeaderEpochIfLeader is the narrow read the scheduler needs every tick: am
// I currently leader, and under which epoch. It never exposes the mutex or
// any other field, so the scheduler cannot accidentally reach into runtime
// internals (spec.md §9: "global mutable state encapsulated behind the
// runtime's serialization point").
func (r *Runtime) LeaderEpochIfLeader() (epoch int64, isLeader bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.role != domain.RoleLeader {
		return 0, false
	}
	return r.observedEpoch, true
}
