package domain

import "time"

// Setting is a key/value override row owned by the RDB (spec.md §3). The
// engine only reads it, through internal/settings's layered resolver.
type Setting struct {
	Key       string    `gorm:"column:key;primaryKey" json:"key"`
	Value     string    `gorm:"column:value" json:"value"`
	Secret    bool      `gorm:"column:secret;not null;default:false" json:"secret"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Setting) TableName() string { return "settings" }

// AuditLog records audit-level events that are safe no-ops by construction
// (spec.md §7): skipped schedule slots and definitions whose schedule does
// not parse. Conditional-update misses are logged, not recorded here.
type AuditLog struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Category  string    `gorm:"column:category;not null;index" json:"category"`
	Subject   string    `gorm:"column:subject;index" json:"subject,omitempty"`
	Message   string    `gorm:"column:message" json:"message"`
	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_log" }
