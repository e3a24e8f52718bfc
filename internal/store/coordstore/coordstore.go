// Package coordstore is the coordination-store adapter (spec.md §4.1): lease
// acquisition, heartbeat TTL, the epoch counter, detach/degrade flags, and
// the worker directory. All mutations of lease keys are atomic against
// concurrent callers; reads of the epoch/lease are not guaranteed
// linearizable across a partition, which is why the RDB layer carries its
// own fencing (spec.md §4.5, §9).
package coordstore

import (
	"context"
	"time"

	"github.com/fleetctl/coordinator/internal/domain"
)

type Store interface {
	// TryAcquire sets key=holder only if key is absent, with the given TTL.
	TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// Renew extends ttl only if key is currently held by holder (atomic
	// compare-and-swap-by-value).
	Renew(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// Release clears key only if currently held by holder.
	Release(ctx context.Context, key, holder string) error

	// Incr atomically increments and returns a monotonic counter (used for
	// the epoch, spec.md §6.4 leader:epoch, and worker:id_seq).
	Incr(ctx context.Context, key string) (int64, error)

	// SetString/GetString back leader:last_seen_ts and similar scalars.
	SetString(ctx context.Context, key, value string) error
	GetString(ctx context.Context, key string) (string, bool, error)

	// HSetWorker/GetWorker/ScanWorkers back the worker directory
	// (worker:{id}, spec.md §6.4), each entry carrying its own TTL.
	HSetWorker(ctx context.Context, entry domain.WorkerDirectoryEntry, ttl time.Duration) error
	GetWorker(ctx context.Context, id int64) (*domain.WorkerDirectoryEntry, bool, error)
	ScanWorkers(ctx context.Context) ([]domain.WorkerDirectoryEntry, error)
	ExpireWorker(ctx context.Context, id int64, ttl time.Duration) error

	// SetFlag/GetFlag/ClearFlag back detach:{worker_id} and similar booleans.
	SetFlag(ctx context.Context, key string) error
	GetFlag(ctx context.Context, key string) (bool, error)
	ClearFlag(ctx context.Context, key string) error
}

const (
	KeyLeaderLock   = "leader:lock"
	KeyLeaderEpoch  = "leader:epoch"
	KeyLeaderSeen   = "leader:last_seen_ts"
	KeyWorkerIDSeq  = "worker:id_seq"
)

func SubLeaderKey(nodeID string) string { return "subleader:" + nodeID + ":lock" }
func DetachKey(workerID string) string  { return "detach:" + workerID }

// DegradeKey is set by a sub-leader that has given up on the leader
// (spec.md §4.3/§4.7) so the leader's own election loop sees it and steps
// down even if its lease renewal is still otherwise succeeding.
func DegradeKey(workerID string) string { return "degrade:" + workerID }
func RunLeaseKey(runID string) string    { return "run_lease:" + runID }
