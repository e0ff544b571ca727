package services

import (
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/aegisproxy/aegis/backend/internal/logger"
	"github.com/aegisproxy/aegis/backend/internal/models"
)

// AuditService appends engine mutations to the audit trail. Writes are
// best-effort: a failed insert is logged and never propagated, so auditing
// can never fail the operation it records.
type AuditService struct {
	DB *gorm.DB

	log *logrus.Entry
}

func NewAuditService(db *gorm.DB) *AuditService {
	return &AuditService{DB: db, log: logger.WithComponent("audit")}
}

// Record appends one entry.
func (s *AuditService) Record(action, entityType string, entityID uint, success bool, detail string) {
	entry := models.AuditLog{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Success:    success,
		Detail:     detail,
	}
	if err := s.DB.Create(&entry).Error; err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"action": action, "entity": entityType,
		}).Warn("audit write failed")
	}
}

// List returns the newest entries first, capped at limit (default 100).
func (s *AuditService) List(limit int) ([]models.AuditLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var entries []models.AuditLog
	err := s.DB.Order("created_at desc").Limit(limit).Find(&entries).Error
	return entries, err
}
