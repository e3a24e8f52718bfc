package scheduler

import (
	"testing"
	"time"

	"github.com/fleetctl/coordinator/internal/domain"
)

func TestCandidateWorkers_FiltersDetachedDrainingStaleAndOverloaded(t *testing.T) {
	now := time.Now()
	entries := []domain.WorkerDirectoryEntry{
		{ID: 1, Role: domain.RoleWorker, Load: 1, LastHeartbeatTS: now},
		{ID: 2, Role: domain.RoleWorker, Load: 1, LastHeartbeatTS: now, Detached: true},
		{ID: 3, Role: domain.RoleWorker, Load: 1, LastHeartbeatTS: now, Draining: true},
		{ID: 4, Role: domain.RoleWorker, Load: 4, LastHeartbeatTS: now},
		{ID: 5, Role: domain.RoleWorker, Load: 1, LastHeartbeatTS: now.Add(-time.Hour)},
	}

	got := candidateWorkers(entries, now, 20*time.Second, 4)
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("expected only worker 1 to survive filtering, got %+v", got)
	}
}

func TestCandidateWorkers_ExcludesLeaderUnlessSoleCandidate(t *testing.T) {
	now := time.Now()
	entries := []domain.WorkerDirectoryEntry{
		{ID: 1, Role: domain.RoleLeader, Load: 0, LastHeartbeatTS: now},
		{ID: 2, Role: domain.RoleWorker, Load: 0, LastHeartbeatTS: now},
	}
	got := candidateWorkers(entries, now, 20*time.Second, 4)
	if len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("expected leader excluded while a non-leader candidate exists, got %+v", got)
	}

	soleLeader := []domain.WorkerDirectoryEntry{
		{ID: 1, Role: domain.RoleLeader, Load: 0, LastHeartbeatTS: now},
	}
	got = candidateWorkers(soleLeader, now, 20*time.Second, 4)
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("expected leader to be used when it is the only candidate, got %+v", got)
	}
}

func TestCandidateWorkers_OrdersByLoadThenHeartbeatThenID(t *testing.T) {
	now := time.Now()
	entries := []domain.WorkerDirectoryEntry{
		{ID: 3, Role: domain.RoleWorker, Load: 1, LastHeartbeatTS: now},
		{ID: 2, Role: domain.RoleWorker, Load: 0, LastHeartbeatTS: now.Add(-time.Second)},
		{ID: 1, Role: domain.RoleWorker, Load: 0, LastHeartbeatTS: now},
	}
	got := candidateWorkers(entries, now, 20*time.Second, 4)
	if len(got) != 3 {
		t.Fatalf("expected all 3 candidates, got %d", len(got))
	}
	if got[0].ID != 1 || got[1].ID != 2 || got[2].ID != 3 {
		t.Fatalf("expected order [1,2,3] (load asc, heartbeat desc, id asc), got [%d,%d,%d]", got[0].ID, got[1].ID, got[2].ID)
	}
}
