package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobKind distinguishes time-triggered from event-triggered definitions.
type JobKind string

const (
	JobKindTime  JobKind = "time"
	JobKindEvent JobKind = "event"
)

// ConcurrencyPolicy governs how materialization/dispatch treats a definition
// that already has a non-terminal run outstanding (spec.md §4.5).
type ConcurrencyPolicy string

const (
	ConcurrencyForbid  ConcurrencyPolicy = "forbid"
	ConcurrencyAllow   ConcurrencyPolicy = "allow"
	ConcurrencyReplace ConcurrencyPolicy = "replace"
)

// JobDefinition is a named template for runs. It is owned by the RDB and
// edited externally (admin UI, out of scope here); the engine only reads it.
type JobDefinition struct {
	ID          uuid.UUID         `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Name        string            `gorm:"column:name;not null;uniqueIndex" json:"name"`
	Enabled     bool              `gorm:"column:enabled;not null;default:true;index" json:"enabled"`
	Kind        JobKind           `gorm:"column:kind;not null;index" json:"kind"`
	CommandName string            `gorm:"column:command_name;not null" json:"command_name"`
	DefaultArgs datatypes.JSON    `gorm:"column:default_args;type:jsonb" json:"default_args"`
	Schedule    datatypes.JSON    `gorm:"column:schedule;type:jsonb" json:"schedule"`
	TimeoutSecs int               `gorm:"column:timeout_seconds;not null;default:300" json:"timeout_seconds"`
	MaxRetries  int               `gorm:"column:max_retries;not null;default:0" json:"max_retries"`
	RetryBackoffSecs int          `gorm:"column:retry_backoff_seconds;not null;default:30" json:"retry_backoff_seconds"`
	Concurrency ConcurrencyPolicy `gorm:"column:concurrency;not null;default:allow" json:"concurrency"`
	CreatedAt   time.Time         `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt   gorm.DeletedAt    `gorm:"index" json:"deleted_at,omitempty"`
}

func (JobDefinition) TableName() string { return "job_definition" }
