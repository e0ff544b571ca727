package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Module levels decide where the snippet lands in a generated server block.
const (
	ModuleLevelServer   = "server"
	ModuleLevelLocation = "location"
	ModuleLevelRedirect = "redirect"
)

// Module is a reusable named nginx snippet attachable to many proxies.
// Creating or updating a module re-renders every proxy that references it.
type Module struct {
	ID          uint   `json:"id" gorm:"primaryKey"`
	UUID        string `json:"uuid" gorm:"uniqueIndex"`
	Name        string `json:"name" gorm:"uniqueIndex"`
	Description string `json:"description"`
	Content     string `json:"content" gorm:"type:text"`
	Tag         string `json:"tag"`
	Level       string `json:"level" gorm:"default:server"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (m *Module) BeforeSave(tx *gorm.DB) error {
	if m.UUID == "" {
		m.UUID = uuid.NewString()
	}
	if m.Level == "" {
		m.Level = ModuleLevelServer
	}
	return nil
}
