package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WAFProfile is a paranoia level + ruleset selection materialized to
// ModSecurity config files. A proxy references at most one profile.
type WAFProfile struct {
	ID            uint   `json:"id" gorm:"primaryKey"`
	UUID          string `json:"uuid" gorm:"uniqueIndex"`
	Name          string `json:"name" gorm:"uniqueIndex"`
	Ruleset       string `json:"ruleset" gorm:"default:owasp-crs"`
	ParanoiaLevel int    `json:"paranoia_level" gorm:"default:1"`
	ConfigJSON    string `json:"config_json" gorm:"type:text"`
	Enabled       bool   `json:"enabled"`

	Exclusions []WAFExclusion `json:"exclusions,omitempty" gorm:"foreignKey:ProfileID"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *WAFProfile) BeforeSave(tx *gorm.DB) error {
	if p.UUID == "" {
		p.UUID = uuid.NewString()
	}
	if p.ParanoiaLevel < 1 {
		p.ParanoiaLevel = 1
	}
	if p.ParanoiaLevel > 4 {
		p.ParanoiaLevel = 4
	}
	return nil
}

// WAFExclusion suppresses a ModSecurity rule for a path or parameter.
// RuleID accepts a single id or a range ("941100-941999").
type WAFExclusion struct {
	ID            uint   `json:"id" gorm:"primaryKey"`
	ProfileID     uint   `json:"profile_id" gorm:"index"`
	RuleID        string `json:"rule_id"`
	PathPattern   string `json:"path_pattern"`
	ParameterName string `json:"parameter_name"`
	Reason        string `json:"reason"`

	CreatedAt time.Time `json:"created_at"`
}
