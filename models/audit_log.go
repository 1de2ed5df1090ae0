package models

import "time"

// AuditLog is an append-only record of every engine-driven state transition
// (placements, entry status changes, payouts). Rows are only ever inserted.
type AuditLog struct {
	ID         string    `gorm:"primaryKey;type:uuid" json:"id"`
	Action     string    `gorm:"type:varchar(64);not null;index" json:"action"`
	EntityType string    `gorm:"type:varchar(32);not null;index" json:"entity_type"`
	EntityID   string    `gorm:"type:uuid;not null;index" json:"entity_id"`
	Actor      string    `gorm:"type:varchar(64)" json:"actor,omitempty"` // user id or "scheduler"/"engine"
	Metadata   string    `gorm:"type:text" json:"metadata,omitempty"`     // JSON blob
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
}
