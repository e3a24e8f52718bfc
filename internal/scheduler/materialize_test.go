package scheduler

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetctl/coordinator/internal/domain"
	"github.com/fleetctl/coordinator/internal/pkg/ctlerrors"
	"github.com/fleetctl/coordinator/internal/pkg/dbctx"
	"github.com/fleetctl/coordinator/internal/pkg/logger"
	"github.com/fleetctl/coordinator/internal/settings"
	"github.com/fleetctl/coordinator/internal/statemachine"
	"github.com/fleetctl/coordinator/internal/store/runstore"
)

// fakeRunStore is a minimal in-memory runstore.Store covering exactly the
// paths materializeTimeRuns/cancelNonTerminal exercise, in the same spirit
// as coordstore's mem_store fake.
type fakeRunStore struct {
	mu   sync.Mutex
	defs []*domain.JobDefinition
	runs []*domain.JobRun
}

func (f *fakeRunStore) CreateRunIfAbsent(_ dbctx.Context, run *domain.JobRun) (*domain.JobRun, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.IdempotencyKey == run.IdempotencyKey {
			return r, false, nil
		}
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Version == 0 {
		run.Version = 1
	}
	if run.Attempt == 0 {
		run.Attempt = 1
	}
	f.runs = append(f.runs, run)
	return run, true, nil
}

func (f *fakeRunStore) GetByID(_ dbctx.Context, id uuid.UUID) (*domain.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, ctlerrors.ErrNotFound
}

func (f *fakeRunStore) GetByIDs(_ dbctx.Context, ids []uuid.UUID) ([]*domain.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.JobRun
	for _, r := range f.runs {
		for _, id := range ids {
			if r.ID == id {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (f *fakeRunStore) UpdateRun(_ dbctx.Context, id uuid.UUID, expected runstore.Expected, to domain.RunState, _ map[string]any) (bool, error) {
	if !statemachine.CanTransition(expected.State, to) {
		return false, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.ID == id && r.State == expected.State && r.Version == expected.Version {
			r.State = to
			r.Version++
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRunStore) SetContinuation(dbctx.Context, uuid.UUID, runstore.Expected, domain.ContinuationState, *time.Time, *time.Time) (bool, error) {
	return true, nil
}

func (f *fakeRunStore) ListPendingDue(dbctx.Context, time.Time, time.Duration, int) ([]*domain.JobRun, error) {
	return nil, nil
}

func (f *fakeRunStore) ListAssignedStale(dbctx.Context, time.Duration, time.Time, int) ([]*domain.JobRun, error) {
	return nil, nil
}

func (f *fakeRunStore) ListAssignedDue(dbctx.Context, time.Time, int) ([]*domain.JobRun, error) {
	return nil, nil
}

func (f *fakeRunStore) ListNonTerminalByDefinition(_ dbctx.Context, defID uuid.UUID) ([]*domain.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.JobRun
	for _, r := range f.runs {
		if r.JobDefinitionID == defID && !r.State.Terminal() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRunStore) LatestScheduledFor(_ dbctx.Context, defID uuid.UUID) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest time.Time
	found := false
	for _, r := range f.runs {
		if r.JobDefinitionID != defID {
			continue
		}
		if !found || r.ScheduledFor.After(latest) {
			latest = r.ScheduledFor
			found = true
		}
	}
	return latest, found, nil
}

func (f *fakeRunStore) ListJobDefinitions(dbctx.Context, bool) ([]*domain.JobDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.JobDefinition(nil), f.defs...), nil
}

func (f *fakeRunStore) GetJobDefinition(_ dbctx.Context, id uuid.UUID) (*domain.JobDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.defs {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, ctlerrors.ErrNotFound
}

func (f *fakeRunStore) InsertEventIfAbsent(dbctx.Context, *domain.Event) (*domain.Event, bool, error) {
	return nil, false, nil
}

func (f *fakeRunStore) ListUnprocessedEvents(dbctx.Context, int) ([]*domain.Event, error) {
	return nil, nil
}

func (f *fakeRunStore) MarkEventProcessed(dbctx.Context, uuid.UUID) error { return nil }

func (f *fakeRunStore) CreateRunForEvent(dbctx.Context, *domain.Event, *domain.JobRun) (*domain.JobRun, bool, error) {
	return nil, false, nil
}

func (f *fakeRunStore) GetSetting(dbctx.Context, string) (*domain.Setting, error) {
	return nil, ctlerrors.ErrNotFound
}

func (f *fakeRunStore) ListSettings(dbctx.Context) ([]*domain.Setting, error) { return nil, nil }

func (f *fakeRunStore) RecordAudit(dbctx.Context, string, string, string) {}

func newTestTick(t *testing.T, store *fakeRunStore) *Tick {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	resolver, err := settings.New(nil, log)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	return New(Deps{RunStore: store, Settings: resolver, Log: log})
}

func timeSchedule(t *testing.T) []byte {
	t.Helper()
	return []byte(`{"kind":"every_n_minutes","n":1}`)
}

func TestMaterializeTimeRuns_BacklogSplitsSkippedAndPending(t *testing.T) {
	now := time.Now()
	def := &domain.JobDefinition{
		ID:          uuid.New(),
		Enabled:     true,
		Kind:        domain.JobKindTime,
		CommandName: "noop",
		Schedule:    timeSchedule(t),
		Concurrency: domain.ConcurrencyAllow,
	}
	store := &fakeRunStore{defs: []*domain.JobDefinition{def}}
	// Simulate a 30-minute leader outage: the last materialized slot is 30
	// minutes behind. skip_late_runs_after_seconds defaults to 300 (5 min).
	store.runs = append(store.runs, &domain.JobRun{
		ID:              uuid.New(),
		JobDefinitionID: def.ID,
		ScheduledFor:    now.Add(-30 * time.Minute),
		State:           domain.StateSucceeded,
		IdempotencyKey:  "seed",
		Version:         1,
	})

	tick := newTestTick(t, store)
	tick.materializeTimeRuns(context.Background())

	var pending, skipped int
	for _, r := range store.runs {
		if r.JobDefinitionID != def.ID || r.IdempotencyKey == "seed" {
			continue
		}
		switch r.State {
		case domain.StatePending:
			pending++
			if now.Sub(r.ScheduledFor) > 300*time.Second {
				t.Errorf("run scheduled %v is older than the skip cutoff but was left PENDING", r.ScheduledFor)
			}
		case domain.StateSkipped:
			skipped++
			if now.Sub(r.ScheduledFor) <= 300*time.Second {
				t.Errorf("run scheduled %v is within the skip cutoff but was marked SKIPPED", r.ScheduledFor)
			}
		default:
			t.Errorf("unexpected state %s for materialized backlog run", r.State)
		}
	}

	if pending == 0 {
		t.Fatal("expected at least one PENDING run to cover the current slot")
	}
	if pending > 6 {
		t.Fatalf("expected at most ~5 PENDING backlog runs plus the current slot, got %d", pending)
	}
	if skipped < 20 {
		t.Fatalf("expected the bulk of a 30-minute, 1-minute-grid backlog to be recorded SKIPPED, got %d", skipped)
	}
}

func TestMaterializeTimeRuns_NoPriorRunNeverCreatesMoreThanOneSlot(t *testing.T) {
	def := &domain.JobDefinition{
		ID:          uuid.New(),
		Enabled:     true,
		Kind:        domain.JobKindTime,
		CommandName: "noop",
		Schedule:    timeSchedule(t),
		Concurrency: domain.ConcurrencyAllow,
	}
	store := &fakeRunStore{defs: []*domain.JobDefinition{def}}
	tick := newTestTick(t, store)
	tick.materializeTimeRuns(context.Background())

	// Whether the immediate next grid point happens to fall within
	// assign_ahead_seconds of "now" depends on wall-clock alignment, but a
	// definition with no materialization history must never produce more
	// than that single slot.
	if len(store.runs) > 1 {
		t.Fatalf("expected at most one materialized run with no prior history, got %d", len(store.runs))
	}
	if len(store.runs) == 1 && store.runs[0].State != domain.StatePending {
		t.Fatalf("expected PENDING, got %s", store.runs[0].State)
	}
}

func TestMaterializeTimeRuns_ResumesFromLastMaterializedSlot(t *testing.T) {
	def := &domain.JobDefinition{
		ID:          uuid.New(),
		Enabled:     true,
		Kind:        domain.JobKindTime,
		CommandName: "noop",
		Schedule:    timeSchedule(t),
		Concurrency: domain.ConcurrencyAllow,
	}
	now := time.Now()
	currentBoundary := now.Truncate(time.Minute)
	store := &fakeRunStore{defs: []*domain.JobDefinition{def}}
	store.runs = append(store.runs, &domain.JobRun{
		ID:              uuid.New(),
		JobDefinitionID: def.ID,
		ScheduledFor:    currentBoundary.Add(-time.Minute),
		State:           domain.StateSucceeded,
		IdempotencyKey:  "seed",
		Version:         1,
	})

	tick := newTestTick(t, store)
	tick.materializeTimeRuns(context.Background())

	var fresh []*domain.JobRun
	for _, r := range store.runs {
		if r.IdempotencyKey != "seed" {
			fresh = append(fresh, r)
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ScheduledFor.Before(fresh[j].ScheduledFor) })

	// The seed left off one minute before the current boundary, so the walk
	// must resume exactly at currentBoundary (never re-creating the seed's
	// slot, never skipping it). A second slot (currentBoundary+1m) only
	// falls inside assign_ahead_seconds when "now" lands in the back half of
	// its minute, so assert the range rather than an exact count.
	if len(fresh) < 1 || len(fresh) > 2 {
		t.Fatalf("expected 1 or 2 freshly materialized slots resuming from the seed, got %d", len(fresh))
	}
	if !fresh[0].ScheduledFor.Equal(currentBoundary) {
		t.Fatalf("expected the walk to resume at %v, got %v", currentBoundary, fresh[0].ScheduledFor)
	}
	for i, r := range fresh {
		if r.State != domain.StatePending {
			t.Errorf("expected PENDING for slot %v, got %s", r.ScheduledFor, r.State)
		}
		want := currentBoundary.Add(time.Duration(i) * time.Minute)
		if !r.ScheduledFor.Equal(want) {
			t.Errorf("expected slot %d at %v, got %v", i, want, r.ScheduledFor)
		}
	}
}

func TestMaterializeTimeRuns_ForbidSkipsWhileNonTerminalOutstanding(t *testing.T) {
	def := &domain.JobDefinition{
		ID:          uuid.New(),
		Enabled:     true,
		Kind:        domain.JobKindTime,
		CommandName: "noop",
		Schedule:    timeSchedule(t),
		Concurrency: domain.ConcurrencyForbid,
	}
	store := &fakeRunStore{defs: []*domain.JobDefinition{def}}
	store.runs = append(store.runs, &domain.JobRun{
		ID:              uuid.New(),
		JobDefinitionID: def.ID,
		ScheduledFor:    time.Now(),
		State:           domain.StatePending,
		IdempotencyKey:  "outstanding",
		Version:         1,
	})

	tick := newTestTick(t, store)
	tick.materializeTimeRuns(context.Background())

	if len(store.runs) != 1 {
		t.Fatalf("forbid policy must not materialize while a non-terminal run is outstanding, got %d runs", len(store.runs))
	}
}
