package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BanIntegration is a configured firewall endpoint (UniFi, firewalld, UFW,
// ipset, ...) that receives ban/unban operations from the queue. Type is the
// provider registry tag.
type BanIntegration struct {
	ID           uint        `json:"id" gorm:"primaryKey"`
	UUID         string      `json:"uuid" gorm:"uniqueIndex"`
	Name         string      `json:"name" gorm:"uniqueIndex"`
	Type         string      `json:"type"`
	CredentialID *uint       `json:"credential_id"`
	Credential   *Credential `json:"credential,omitempty"`
	ConfigJSON   string      `json:"config_json" gorm:"type:text"`
	Enabled      bool        `json:"enabled"`

	LastSuccess     *time.Time `json:"last_success"`
	LastError       string     `json:"last_error"`
	TotalBansSent   int64      `json:"total_bans_sent"`
	TotalUnbansSent int64      `json:"total_unbans_sent"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (b *BanIntegration) BeforeSave(tx *gorm.DB) error {
	if b.UUID == "" {
		b.UUID = uuid.NewString()
	}
	return nil
}
