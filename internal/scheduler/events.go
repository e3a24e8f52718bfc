package scheduler

import (
	"context"

	"github.com/fleetctl/coordinator/internal/domain"
	"github.com/fleetctl/coordinator/internal/pkg/dbctx"
)

// eventIntakeBatch bounds how many unprocessed events one tick consumes
// (spec.md §4.5: "up to a batch bound"). Not itself a settings key.
const eventIntakeBatch = 100

// intakeEvents implements spec.md §4.5's event-intake step: each
// unprocessed event is matched to the enabled event-kind definition whose
// name equals the event's event_type, and becomes one PENDING run keyed by
// "event:{dedupe_key or event_id}", with the event marked processed in the
// same transaction whenever the store supports it (CreateRunForEvent,
// resolving spec.md §9's first Open Question). An event matching no
// definition is marked processed without materializing a run, since there
// is no command to execute for it.
func (t *Tick) intakeEvents(ctx context.Context) {
	dbc := dbctx.Context{Ctx: ctx}
	events, err := t.runStore.ListUnprocessedEvents(dbc, eventIntakeBatch)
	if err != nil {
		t.log.Warn("event intake: list unprocessed events failed", "error", err)
		return
	}
	if len(events) == 0 {
		return
	}

	defs, err := t.runStore.ListJobDefinitions(dbc, true)
	if err != nil {
		t.log.Warn("event intake: list definitions failed", "error", err)
		return
	}
	byName := make(map[string]*domain.JobDefinition, len(defs))
	for _, def := range defs {
		if def.Kind == domain.JobKindEvent {
			byName[def.Name] = def
		}
	}

	for _, ev := range events {
		def, found := byName[ev.EventType]
		if !found {
			t.log.Warn("event intake: no matching event-kind definition, marking processed without a run", "event_id", ev.ID, "event_type", ev.EventType)
			if merr := t.runStore.MarkEventProcessed(dbc, ev.ID); merr != nil {
				t.log.Warn("event intake: mark processed failed", "event_id", ev.ID, "error", merr)
			}
			continue
		}

		anchor := ev.DedupeKey
		if anchor == "" {
			anchor = ev.ID.String()
		}
		run := &domain.JobRun{
			JobDefinitionID: def.ID,
			ScheduledFor:    ev.CreatedAt,
			CommandName:     def.CommandName,
			Args:            def.DefaultArgs,
			State:           domain.StatePending,
			IdempotencyKey:  "event:" + anchor,
		}
		if _, _, cerr := t.runStore.CreateRunForEvent(dbc, ev, run); cerr != nil {
			t.log.Warn("event intake: create run for event failed", "event_id", ev.ID, "error", cerr)
		}
	}
}
