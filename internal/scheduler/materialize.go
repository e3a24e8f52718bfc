package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fleetctl/coordinator/internal/domain"
	"github.com/fleetctl/coordinator/internal/pkg/dbctx"
	"github.com/fleetctl/coordinator/internal/schedule"
)

// maxBacklogSlotsPerTick bounds how many missed grid points a single tick
// walks forward for one definition, purely as a runaway guard (a
// misconfigured every_n_minutes:1 schedule left unmaterialized for weeks
// must not spin the leader tick forever). Hitting it is logged, not silent.
const maxBacklogSlotsPerTick = 500

// materializeTimeRuns implements spec.md §4.5's materialization step: for
// every enabled time-kind definition, walk every grid point between the last
// materialized slot and now+assign_ahead_seconds, creating an idempotent
// PENDING run for each. Slots older than skip_late_runs_after_seconds are
// recorded SKIPPED instead of dispatched late, bounding the backlog a
// recovering leader dispatches after an outage (spec.md §8 testable
// property 9) while still accounting for every missed slot with a row.
func (t *Tick) materializeTimeRuns(ctx context.Context) {
	dbc := dbctx.Context{Ctx: ctx}
	defs, err := t.runStore.ListJobDefinitions(dbc, true)
	if err != nil {
		t.log.Warn("materialize: list definitions failed", "error", err)
		return
	}

	now := time.Now()
	assignAhead := t.settings.GetDurationSeconds(dbc, "assign_ahead_seconds", 30)
	skipLateAfter := t.settings.GetDurationSeconds(dbc, "skip_late_runs_after_seconds", 300)
	horizon := now.Add(assignAhead)

	for _, def := range defs {
		if def.Kind != domain.JobKindTime {
			continue
		}
		desc, perr := schedule.Parse(def.Schedule)
		if perr != nil {
			t.log.Warn("materialize: invalid schedule, skipping definition", "definition_id", def.ID, "error", perr)
			t.runStore.RecordAudit(dbc, "schedule", def.ID.String(), "invalid schedule: "+perr.Error())
			continue
		}

		if def.Concurrency == domain.ConcurrencyForbid {
			nonTerminal, lerr := t.runStore.ListNonTerminalByDefinition(dbc, def.ID)
			if lerr != nil {
				t.log.Warn("materialize: non-terminal lookup failed", "definition_id", def.ID, "error", lerr)
				continue
			}
			if len(nonTerminal) > 0 {
				continue
			}
		}
		if def.Concurrency == domain.ConcurrencyReplace {
			t.cancelNonTerminal(dbc, def.ID)
		}

		from := now
		if last, found, lerr := t.runStore.LatestScheduledFor(dbc, def.ID); lerr != nil {
			t.log.Warn("materialize: latest slot lookup failed", "definition_id", def.ID, "error", lerr)
			continue
		} else if found {
			from = last.Add(time.Second)
		}

		for i := 0; i < maxBacklogSlotsPerTick; i++ {
			nextRun, nerr := schedule.NextRunAt(desc, time.Local, from)
			if nerr != nil {
				t.log.Warn("materialize: could not compute next run", "definition_id", def.ID, "error", nerr)
				break
			}
			if nextRun.After(horizon) {
				break
			}
			from = nextRun.Add(time.Second)

			key := "time:" + def.ID.String() + ":" + nextRun.UTC().Format(time.RFC3339)

			if now.Sub(nextRun) > skipLateAfter {
				skipped := &domain.JobRun{
					JobDefinitionID: def.ID,
					ScheduledFor:    nextRun,
					CommandName:     def.CommandName,
					Args:            def.DefaultArgs,
					State:           domain.StateSkipped,
					IdempotencyKey:  key,
				}
				if _, created, cerr := t.runStore.CreateRunIfAbsent(dbc, skipped); cerr != nil {
					t.log.Warn("materialize: record skipped run failed", "definition_id", def.ID, "error", cerr)
				} else if created {
					t.runStore.RecordAudit(dbc, "materialize", def.ID.String(), "skipped late run at "+nextRun.String())
				}
				continue
			}

			if def.Concurrency == domain.ConcurrencyReplace {
				t.cancelNonTerminal(dbc, def.ID)
			}
			run := &domain.JobRun{
				JobDefinitionID: def.ID,
				ScheduledFor:    nextRun,
				CommandName:     def.CommandName,
				Args:            def.DefaultArgs,
				State:           domain.StatePending,
				IdempotencyKey:  key,
			}
			if _, _, cerr := t.runStore.CreateRunIfAbsent(dbc, run); cerr != nil {
				t.log.Warn("materialize: create run failed", "definition_id", def.ID, "error", cerr)
			}
			if i == maxBacklogSlotsPerTick-1 {
				t.log.Warn("materialize: backlog cap reached, remaining slots deferred to next tick", "definition_id", def.ID, "cap", maxBacklogSlotsPerTick)
			}
		}
	}
}

// cancelNonTerminal implements the `replace` concurrency policy: every
// ASSIGNED or RUNNING run for this definition is canceled before the new one
// is created (spec.md §4.5). PENDING and ORPHANED runs are left as they are,
// since the transition table has no edge from them to CANCELED. Cancellation is leader-initiated
// and constrained only by state+version, since the RDB grants the leader
// write access to every run regardless of which worker it is assigned to.
func (t *Tick) cancelNonTerminal(dbc dbctx.Context, defID uuid.UUID) {
	runs, err := t.runStore.ListNonTerminalByDefinition(dbc, defID)
	if err != nil {
		t.log.Warn("replace policy: list non-terminal runs failed", "definition_id", defID, "error", err)
		return
	}
	for _, run := range runs {
		if run.State != domain.StateAssigned && run.State != domain.StateRunning {
			continue
		}
		expected := expectedFor(run)
		ok, cerr := t.runStore.UpdateRun(dbc, run.ID, expected, domain.StateCanceled, map[string]any{"finished_at": time.Now()})
		if cerr != nil {
			t.log.Warn("replace policy: cancel failed", "job_run_id", run.ID, "error", cerr)
			continue
		}
		if !ok {
			t.log.Debug("replace policy: cancel lost the race", "job_run_id", run.ID)
		}
	}
}
