package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Event is an external trigger record consumed exactly once by the leader
// (spec.md §3). DedupeKey, when present, is unique and is the idempotency
// anchor for the run it materializes.
type Event struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	EventType   string         `gorm:"column:event_type;not null;index" json:"event_type"`
	Payload     datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	DedupeKey   string         `gorm:"column:dedupe_key;uniqueIndex" json:"dedupe_key,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:now();index:idx_event_processed_created,priority:2" json:"created_at"`
	ProcessedAt *time.Time     `gorm:"column:processed_at;index:idx_event_processed_created,priority:1" json:"processed_at,omitempty"`
}

func (Event) TableName() string { return "event" }
