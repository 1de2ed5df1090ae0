package services

import (
	"encoding/json"
	"log"

	"affiliate-engine/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AuditService struct {
	DB *gorm.DB
}

func NewAuditService(db *gorm.DB) *AuditService {
	return &AuditService{DB: db}
}

// Record appends one audit row. Called synchronously by every state
// transition before it is acknowledged; an insert failure is logged and
// swallowed: audit must never roll back the transition it describes.
func (s *AuditService) Record(action, entityType, entityID, actor string, metadata map[string]any) {
	var meta string
	if metadata != nil {
		if b, err := json.Marshal(metadata); err == nil {
			meta = string(b)
		}
	}

	row := models.AuditLog{
		ID:         uuid.NewString(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Actor:      actor,
		Metadata:   meta,
	}
	if err := s.DB.Create(&row).Error; err != nil {
		log.Printf("[AUDIT] Failed to record %s on %s/%s: %v", action, entityType, entityID, err)
	}
}
