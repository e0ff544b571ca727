package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SeverityFilterAll disables the ordinal severity filter on a rule.
const SeverityFilterAll = "ALL"

// DetectionRule is a threshold + window + filter expression over WAF events.
// When an IP accumulates Threshold matching events inside TimeWindowSeconds,
// a ban of BanDurationSeconds is emitted.
type DetectionRule struct {
	ID   uint   `json:"id" gorm:"primaryKey"`
	UUID string `json:"uuid" gorm:"uniqueIndex"`
	Name string `json:"name" gorm:"uniqueIndex"`

	Threshold         int    `json:"threshold"`
	TimeWindowSeconds int    `json:"time_window_s"`
	AttackTypes       string `json:"attack_types"` // comma-separated, empty = all
	SeverityFilter    string `json:"severity_filter" gorm:"default:ALL"`
	ProxyID           *uint  `json:"proxy_id"` // NULL = all proxies

	BanDurationSeconds int    `json:"ban_duration_s"`
	BanSeverity        string `json:"ban_severity" gorm:"default:MEDIUM"`
	Priority           int    `json:"priority"`
	Enabled            bool   `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *DetectionRule) BeforeSave(tx *gorm.DB) error {
	if r.UUID == "" {
		r.UUID = uuid.NewString()
	}
	if r.SeverityFilter == "" {
		r.SeverityFilter = SeverityFilterAll
	}
	return nil
}

// AttackTypeList splits the comma-separated attack type filter.
func (r *DetectionRule) AttackTypeList() []string {
	if r.AttackTypes == "" {
		return nil
	}
	parts := strings.Split(r.AttackTypes, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Window returns the sliding window as a duration.
func (r *DetectionRule) Window() time.Duration {
	return time.Duration(r.TimeWindowSeconds) * time.Second
}

// BanDuration returns the emitted ban length as a duration.
func (r *DetectionRule) BanDuration() time.Duration {
	return time.Duration(r.BanDurationSeconds) * time.Second
}
