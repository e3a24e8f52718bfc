package coordstore

import (
	"testing"
	"time"

	"github.com/fleetctl/coordinator/internal/domain"
)

func TestTryAcquire_ExclusiveWhileHeld(t *testing.T) {
	clock := time.Now()
	s := NewMemStore(func() time.Time { return clock })
	ctx := t.Context()

	ok, err := s.TryAcquire(ctx, KeyLeaderLock, "node-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = s.TryAcquire(ctx, KeyLeaderLock, "node-b", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatalf("expected second acquire by a different holder to fail while the lease is live")
	}

	clock = clock.Add(2 * time.Minute)
	ok, err = s.TryAcquire(ctx, KeyLeaderLock, "node-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed after expiry: ok=%v err=%v", ok, err)
	}
}

func TestRenew_RejectsWrongHolder(t *testing.T) {
	clock := time.Now()
	s := NewMemStore(func() time.Time { return clock })
	ctx := t.Context()

	if _, err := s.TryAcquire(ctx, KeyLeaderLock, "node-a", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ok, err := s.Renew(ctx, KeyLeaderLock, "node-b", time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if ok {
		t.Fatalf("renew must fail for a holder that does not own the lease")
	}
	ok, err = s.Renew(ctx, KeyLeaderLock, "node-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("renew by the true holder should succeed: ok=%v err=%v", ok, err)
	}
}

func TestRelease_OnlyTrueHolderClears(t *testing.T) {
	s := NewMemStore(nil)
	ctx := t.Context()

	if _, err := s.TryAcquire(ctx, KeyLeaderLock, "node-a", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.Release(ctx, KeyLeaderLock, "node-b"); err != nil {
		t.Fatalf("release by wrong holder: %v", err)
	}
	ok, err := s.TryAcquire(ctx, KeyLeaderLock, "node-c", time.Minute)
	if err != nil {
		t.Fatalf("acquire after no-op release: %v", err)
	}
	if ok {
		t.Fatalf("release by the wrong holder must not have cleared the lease")
	}

	if err := s.Release(ctx, KeyLeaderLock, "node-a"); err != nil {
		t.Fatalf("release by true holder: %v", err)
	}
	ok, err = s.TryAcquire(ctx, KeyLeaderLock, "node-c", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed once the true holder released: ok=%v err=%v", ok, err)
	}
}

func TestIncr_MonotonicPerKey(t *testing.T) {
	s := NewMemStore(nil)
	ctx := t.Context()

	for i, want := range []int64{1, 2, 3} {
		got, err := s.Incr(ctx, KeyLeaderEpoch)
		if err != nil {
			t.Fatalf("incr[%d]: %v", i, err)
		}
		if got != want {
			t.Fatalf("incr[%d] = %d, want %d", i, got, want)
		}
	}
	got, err := s.Incr(ctx, KeyWorkerIDSeq)
	if err != nil || got != 1 {
		t.Fatalf("distinct counter keys must not share state: got=%d err=%v", got, err)
	}
}

func TestWorkerDirectory_ExpiresAndScans(t *testing.T) {
	clock := time.Now()
	s := NewMemStore(func() time.Time { return clock })
	ctx := t.Context()

	entry := domain.WorkerDirectoryEntry{
		ID:              1,
		NodeID:          "node-a",
		RPCHost:         "127.0.0.1",
		RPCPort:         9443,
		Role:            domain.RoleWorker,
		LastHeartbeatTS: clock,
		Load:            0,
	}
	if err := s.HSetWorker(ctx, entry, 30*time.Second); err != nil {
		t.Fatalf("hset: %v", err)
	}

	got, found, err := s.GetWorker(ctx, 1)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.NodeID != "node-a" {
		t.Fatalf("got node id %q", got.NodeID)
	}

	all, err := s.ScanWorkers(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("scan before expiry: len=%d err=%v", len(all), err)
	}

	clock = clock.Add(time.Minute)
	_, found, err = s.GetWorker(ctx, 1)
	if err != nil {
		t.Fatalf("get after expiry: %v", err)
	}
	if found {
		t.Fatalf("expected worker entry to expire after ttl")
	}
	all, err = s.ScanWorkers(ctx)
	if err != nil || len(all) != 0 {
		t.Fatalf("scan after expiry: len=%d err=%v", len(all), err)
	}
}

func TestFlags_SetGetClear(t *testing.T) {
	s := NewMemStore(nil)
	ctx := t.Context()
	key := DetachKey("7")

	ok, err := s.GetFlag(ctx, key)
	if err != nil || ok {
		t.Fatalf("flag should start unset: ok=%v err=%v", ok, err)
	}
	if err := s.SetFlag(ctx, key); err != nil {
		t.Fatalf("set: %v", err)
	}
	ok, err = s.GetFlag(ctx, key)
	if err != nil || !ok {
		t.Fatalf("flag should be set: ok=%v err=%v", ok, err)
	}
	if err := s.ClearFlag(ctx, key); err != nil {
		t.Fatalf("clear: %v", err)
	}
	ok, err = s.GetFlag(ctx, key)
	if err != nil || ok {
		t.Fatalf("flag should be cleared: ok=%v err=%v", ok, err)
	}
}
