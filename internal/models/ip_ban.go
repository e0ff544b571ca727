package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// IntegrationNotification records a successful delivery of this ban to one
// integration, including the provider-side ban id needed for unban.
type IntegrationNotification struct {
	IntegrationID uint      `json:"id"`
	Name          string    `json:"name"`
	BanID         string    `json:"ban_id"`
	NotifiedAt    time.Time `json:"notified_at"`
}

// IPBan is a ban decision, manual or emitted by the detection engine.
// Active ⇔ unbanned_at IS NULL AND (expires_at IS NULL OR expires_at > now).
type IPBan struct {
	ID              uint       `json:"id" gorm:"primaryKey"`
	UUID            string     `json:"uuid" gorm:"uniqueIndex"`
	IPAddress       string     `json:"ip_address" gorm:"index"`
	Reason          string     `json:"reason"`
	Severity        string     `json:"severity"`
	AutoBanned      bool       `json:"auto_banned"`
	DetectionRuleID *uint      `json:"detection_rule_id"`
	BannedAt        time.Time  `json:"banned_at"`
	ExpiresAt       *time.Time `json:"expires_at"` // NULL ⇒ permanent
	BannedByID      *uint      `json:"banned_by"`
	// JSON array of IntegrationNotification.
	IntegrationsNotified string     `json:"integrations_notified" gorm:"type:text"`
	UnbannedAt           *time.Time `json:"unbanned_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (b *IPBan) BeforeSave(tx *gorm.DB) error {
	if b.UUID == "" {
		b.UUID = uuid.NewString()
	}
	if b.BannedAt.IsZero() {
		b.BannedAt = time.Now()
	}
	return nil
}

// Active reports whether the ban is in force at the given instant.
func (b *IPBan) Active(now time.Time) bool {
	if b.UnbannedAt != nil {
		return false
	}
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}

// Notifications decodes the integrations_notified column. A corrupt column
// is treated as empty rather than failing the caller.
func (b *IPBan) Notifications() []IntegrationNotification {
	if b.IntegrationsNotified == "" {
		return nil
	}
	var out []IntegrationNotification
	if err := json.Unmarshal([]byte(b.IntegrationsNotified), &out); err != nil {
		return nil
	}
	return out
}

// SetNotifications encodes and stores the notification list.
func (b *IPBan) SetNotifications(list []IntegrationNotification) {
	if len(list) == 0 {
		b.IntegrationsNotified = ""
		return
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return
	}
	b.IntegrationsNotified = string(raw)
}
