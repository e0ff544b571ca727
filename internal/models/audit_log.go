package models

import "time"

// AuditLog is an append-only record of engine mutations: reconciliations,
// ban lifecycle, certificate issuance and deletion. Written best-effort.
type AuditLog struct {
	ID         uint   `json:"id" gorm:"primaryKey"`
	Action     string `json:"action"`
	EntityType string `json:"entity_type"`
	EntityID   uint   `json:"entity_id"`
	Success    bool   `json:"success"`
	Detail     string `json:"detail" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
}
