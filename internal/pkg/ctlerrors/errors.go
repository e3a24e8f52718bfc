// Package ctlerrors holds the sentinel errors shared across the control
// plane's stores, RPC layer, and worker runtime.
package ctlerrors

import "errors"

var (
	// ErrNotFound is returned when a run, definition, or directory entry
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict signals that a conditional update's WHERE clause matched
	// zero rows — a normal concurrency signal, not a fault. Callers must
	// re-read and decide, not retry blindly (spec.md §7).
	ErrConflict = errors.New("conditional update matched no rows")

	// ErrRoleLost is returned by coordination-store operations that could
	// not confirm success within their deadline; the caller must treat its
	// role as possibly lost and step down (spec.md §4.1).
	ErrRoleLost = errors.New("coordination store did not confirm in time")

	// ErrInvalidSchedule marks a schedule descriptor outside the closed
	// grammar of spec.md §6.2.
	ErrInvalidSchedule = errors.New("schedule does not match the closed grammar")
)
