package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Credential types.
const (
	CredentialTypeDNS = "dns"
	CredentialTypeBan = "ban"
)

// Credential stores an encrypted provider secret (DNS API keys for ACME
// DNS-01, firewall API tokens). The payload is an AES-GCM envelope produced
// by credcrypto and is decrypted only at the point of use.
type Credential struct {
	ID             uint   `json:"id" gorm:"primaryKey"`
	UUID           string `json:"uuid" gorm:"uniqueIndex"`
	Name           string `json:"name"`
	CredentialType string `json:"credential_type"`
	Provider       string `json:"provider"`
	// Encrypted envelope, never serialized.
	CredentialsEncrypted string `json:"-" gorm:"type:text"`
	CreatedBy            *uint  `json:"created_by"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Credential) BeforeSave(tx *gorm.DB) error {
	if c.UUID == "" {
		c.UUID = uuid.NewString()
	}
	return nil
}
