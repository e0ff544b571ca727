package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Whitelist entry types. System entries are seeded at migration time and are
// immutable; the detection engine never bans a whitelisted address.
const (
	WhitelistTypeManual = "manual"
	WhitelistTypeSystem = "system"
)

// IPWhitelist holds a single address (ip_address) or a CIDR (ip_range).
type IPWhitelist struct {
	ID        uint   `json:"id" gorm:"primaryKey"`
	UUID      string `json:"uuid" gorm:"uniqueIndex"`
	IPAddress string `json:"ip_address"`
	IPRange   string `json:"ip_range"`
	Type      string `json:"type" gorm:"default:manual"`
	Reason    string `json:"reason"`
	Priority  int    `json:"priority"`
	AddedByID *uint  `json:"added_by"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (w *IPWhitelist) BeforeSave(tx *gorm.DB) error {
	if w.UUID == "" {
		w.UUID = uuid.NewString()
	}
	if w.Type == "" {
		w.Type = WhitelistTypeManual
	}
	return nil
}
