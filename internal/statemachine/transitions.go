// Package statemachine enforces the run state-transition table of spec.md
// §4.5. internal/store/runstore gates every UpdateRun on it; the run-store
// fakes in the scheduler and worker tests apply the same table.
package statemachine

import "github.com/fleetctl/coordinator/internal/domain"

// edges enumerates every legal (from, to) pair. Anything not listed here is
// rejected — "only listed transitions are permitted" (spec.md §4.5).
var edges = map[domain.RunState]map[domain.RunState]bool{
	"": {
		domain.StatePending: true,
	},
	domain.StatePending: {
		domain.StateAssigned: true,
		domain.StateSkipped:  true,
	},
	domain.StateAssigned: {
		domain.StateRunning:  true,
		domain.StateCanceled: true,
		domain.StateOrphaned: true,
	},
	domain.StateRunning: {
		domain.StateSucceeded: true,
		domain.StateFailed:    true,
		domain.StateTimedOut:  true,
		domain.StateCanceled:  true,
	},
	domain.StateOrphaned: {
		domain.StateAssigned: true,
	},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to domain.RunState) bool {
	set, ok := edges[from]
	if !ok {
		return false
	}
	return set[to]
}

// CanSetContinuation reports whether continuation_state may be set to
// CONFIRMING: only while state == RUNNING (spec.md invariant (d)).
func CanSetContinuation(state domain.RunState, continuation domain.ContinuationState) bool {
	if continuation == domain.ContinuationConfirming {
		return state == domain.StateRunning
	}
	return true
}

// RequiresWorkerAndEpoch reports whether a state requires a non-null
// assigned_worker_id and leader_epoch (spec.md invariant (c)).
func RequiresWorkerAndEpoch(state domain.RunState) bool {
	return state == domain.StateRunning
}
