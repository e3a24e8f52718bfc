package runstore

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/fleetctl/coordinator/internal/domain"
	"github.com/fleetctl/coordinator/internal/pkg/dbctx"
	"github.com/fleetctl/coordinator/internal/store/runstore/testutil"
)

func newRun(defID uuid.UUID, scheduledFor time.Time, idemKey string) *domain.JobRun {
	return &domain.JobRun{
		JobDefinitionID: defID,
		ScheduledFor:    scheduledFor,
		State:           domain.StatePending,
		CommandName:     "noop",
		Args:            datatypes.JSON([]byte("{}")),
		IdempotencyKey:  idemKey,
	}
}

func TestCreateRunIfAbsent_Idempotent(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	store := New(tx, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: t.Context(), Tx: tx}

	defID := uuid.New()
	sched := time.Now().UTC().Truncate(time.Minute)
	key := "time:" + defID.String() + ":" + sched.Format(time.RFC3339)

	first, created1, err := store.CreateRunIfAbsent(dbc, newRun(defID, sched, key))
	if err != nil || !created1 {
		t.Fatalf("first create: created=%v err=%v", created1, err)
	}
	second, created2, err := store.CreateRunIfAbsent(dbc, newRun(defID, sched, key))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created2 {
		t.Fatalf("expected second CreateRunIfAbsent to be a no-op")
	}
	if first.ID != second.ID {
		t.Fatalf("materializing the same (definition, scheduled_for) twice yielded different ids: %s vs %s", first.ID, second.ID)
	}
}

func TestUpdateRun_ConditionalSingleWinner(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	store := New(tx, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: t.Context(), Tx: tx}

	defID := uuid.New()
	run := newRun(defID, time.Now().UTC(), "time:"+defID.String()+":x")
	created, _, err := store.CreateRunIfAbsent(dbc, run)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	worker := "w1"
	epoch := int64(7)
	expected := Expected{State: domain.StatePending, Version: created.Version}

	ok1, err := store.UpdateRun(dbc, created.ID, expected, domain.StateAssigned, map[string]any{
		"assigned_worker_id": worker,
		"assigned_at":        time.Now(),
		"leader_epoch":       epoch,
	})
	if err != nil || !ok1 {
		t.Fatalf("first conditional update: ok=%v err=%v", ok1, err)
	}

	// A second caller racing on the same stale (state, version) must lose.
	ok2, err := store.UpdateRun(dbc, created.ID, expected, domain.StateAssigned, map[string]any{
		"assigned_worker_id": "w2",
		"assigned_at":        time.Now(),
		"leader_epoch":       epoch,
	})
	if err != nil {
		t.Fatalf("second conditional update: %v", err)
	}
	if ok2 {
		t.Fatalf("at-most-one-assignment violated: both callers observed rows_affected == 1")
	}

	row, err := store.GetByID(dbc, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.AssignedWorkerID != worker {
		t.Fatalf("expected winner %q, got %q", worker, row.AssignedWorkerID)
	}
}

func TestUpdateRun_RejectsIllegalTransition(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	store := New(tx, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: t.Context(), Tx: tx}

	defID := uuid.New()
	run := newRun(defID, time.Now().UTC(), "time:"+defID.String()+":y")
	created, _, err := store.CreateRunIfAbsent(dbc, run)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = store.UpdateRun(dbc, created.ID, Expected{State: domain.StatePending, Version: created.Version}, domain.StateSucceeded, nil)
	if err == nil {
		t.Fatalf("expected PENDING -> SUCCEEDED to be rejected by the transition table")
	}
}

func TestEventDedup(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	store := New(tx, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: t.Context(), Tx: tx}

	ev1 := &domain.Event{EventType: "webhook", DedupeKey: "k-1", Payload: datatypes.JSON([]byte("{}"))}
	ev2 := &domain.Event{EventType: "webhook", DedupeKey: "k-1", Payload: datatypes.JSON([]byte("{}"))}

	first, created1, err := store.InsertEventIfAbsent(dbc, ev1)
	if err != nil || !created1 {
		t.Fatalf("first insert: created=%v err=%v", created1, err)
	}
	second, created2, err := store.InsertEventIfAbsent(dbc, ev2)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created2 {
		t.Fatalf("expected second ingestion with same dedupe_key to be a no-op")
	}
	if first.ID != second.ID {
		t.Fatalf("two events with same dedupe_key produced different rows")
	}
}
