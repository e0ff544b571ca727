package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Certificate sources.
const (
	CertSourceUpload = "upload"
	CertSourceACME   = "acme"
)

// ACME challenge types.
const (
	ChallengeHTTP01 = "http-01"
	ChallengeDNS01  = "dns-01"
)

// Certificate is a TLS certificate referenced by proxies. ACME certificates
// are issued and renewed through the external ACME client; uploads are
// validated and copied into the ssl directory.
type Certificate struct {
	ID          uint       `json:"id" gorm:"primaryKey"`
	UUID        string     `json:"uuid" gorm:"uniqueIndex"`
	Name        string     `json:"name" gorm:"uniqueIndex"`
	DomainNames string     `json:"domain_names"` // comma-separated
	Issuer      string     `json:"issuer"`
	ExpiresAt   *time.Time `json:"expires_at"`
	CertPath    string     `json:"cert_path"`
	KeyPath     string     `json:"key_path"`
	Source      string     `json:"source" gorm:"default:upload"`
	AutoRenew   bool       `json:"auto_renew"`

	ChallengeType   string      `json:"challenge_type"`
	DNSCredentialID *uint       `json:"dns_credential_id"`
	DNSCredential   *Credential `json:"dns_credential,omitempty"`
	ACMEConfig      string      `json:"acme_config" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Certificate) BeforeSave(tx *gorm.DB) error {
	if c.UUID == "" {
		c.UUID = uuid.NewString()
	}
	return nil
}

// DomainList splits the comma-separated domain names, lowercased and trimmed.
func (c *Certificate) DomainList() []string {
	if c.DomainNames == "" {
		return nil
	}
	parts := strings.Split(c.DomainNames, ",")
	out := make([]string, 0, len(parts))
	for _, d := range parts {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// ExpiresWithin reports whether the certificate expires inside the window.
func (c *Certificate) ExpiresWithin(window time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return time.Until(*c.ExpiresAt) <= window
}
