package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// RunState is the authoritative lifecycle state of a JobRun. Only the
// transitions enumerated in internal/statemachine are legal (spec.md §4.5).
type RunState string

const (
	StatePending  RunState = "PENDING"
	StateAssigned RunState = "ASSIGNED"
	StateRunning  RunState = "RUNNING"
	StateSucceeded RunState = "SUCCEEDED"
	StateFailed   RunState = "FAILED"
	StateCanceled RunState = "CANCELED"
	StateTimedOut RunState = "TIMED_OUT"
	StateOrphaned RunState = "ORPHANED"
	StateSkipped  RunState = "SKIPPED"
)

// Terminal reports whether a state admits no further transitions.
func (s RunState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCanceled, StateTimedOut, StateSkipped:
		return true
	default:
		return false
	}
}

// ContinuationState is orthogonal to RunState (spec.md §4.5); it tracks
// whether a detached-but-still-running worker is mid-confirmation.
type ContinuationState string

const (
	ContinuationNone       ContinuationState = "NONE"
	ContinuationConfirming ContinuationState = "CONFIRMING"
)

// JobRun is one scheduled or triggered execution attempt of a JobDefinition.
type JobRun struct {
	ID               uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobDefinitionID  uuid.UUID  `gorm:"type:uuid;column:job_definition_id;not null;index:idx_run_def_sched,priority:1" json:"job_definition_id"`
	Attempt          int        `gorm:"column:attempt;not null;default:1" json:"attempt"`
	ScheduledFor     time.Time  `gorm:"column:scheduled_for;not null;index:idx_run_def_sched,priority:2;index:idx_run_state_sched,priority:2" json:"scheduled_for"`

	AssignedWorkerID string     `gorm:"column:assigned_worker_id;index:idx_run_worker_state,priority:1" json:"assigned_worker_id,omitempty"`
	AssignedAt       *time.Time `gorm:"column:assigned_at" json:"assigned_at,omitempty"`

	StartedAt    *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt   *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	ExitCode     *int           `gorm:"column:exit_code" json:"exit_code,omitempty"`
	ErrorSummary string         `gorm:"column:error_summary" json:"error_summary,omitempty"`
	LogRef       string         `gorm:"column:log_ref" json:"log_ref,omitempty"`

	State       RunState `gorm:"column:state;not null;index:idx_run_state_sched,priority:1;index:idx_run_worker_state,priority:2" json:"state"`
	LeaderEpoch int64    `gorm:"column:leader_epoch;not null;default:0" json:"leader_epoch"`
	Version     int64    `gorm:"column:version;not null;default:1" json:"version"`
	IdempotencyKey string `gorm:"column:idempotency_key;not null;uniqueIndex" json:"idempotency_key"`

	ContinuationState          ContinuationState `gorm:"column:continuation_state;not null;default:NONE" json:"continuation_state"`
	ContinuationCheckStartedAt *time.Time        `gorm:"column:continuation_check_started_at" json:"continuation_check_started_at,omitempty"`
	ContinuationCheckDeadlineAt *time.Time       `gorm:"column:continuation_check_deadline_at" json:"continuation_check_deadline_at,omitempty"`

	CommandName string         `gorm:"column:command_name;not null" json:"command_name"`
	Args        datatypes.JSON `gorm:"column:args;type:jsonb" json:"args"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (JobRun) TableName() string { return "job_run" }
