// Package services holds the thin database-backed services the engine and
// API share: typed settings access, internal/external notifications and
// the audit trail.
package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"gorm.io/gorm"

	"github.com/aegisproxy/aegis/backend/internal/errdefs"
	"github.com/aegisproxy/aegis/backend/internal/models"
)

// SettingsService is the typed access layer over the settings table. Reads
// go through a small cache; every write invalidates it.
type SettingsService struct {
	DB *gorm.DB

	mu    sync.RWMutex
	cache map[string]string
}

func NewSettingsService(db *gorm.DB) *SettingsService {
	return &SettingsService{DB: db, cache: make(map[string]string)}
}

// Get returns the raw value for key, or "" when the key is unset.
func (s *SettingsService) Get(key string) string {
	s.mu.RLock()
	if v, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return v
	}
	s.mu.RUnlock()

	var setting models.Setting
	if err := s.DB.Where("key = ?", key).First(&setting).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return ""
		}
		setting.Value = ""
	}

	s.mu.Lock()
	s.cache[key] = setting.Value
	s.mu.Unlock()
	return setting.Value
}

// GetBool treats "true" and "1" as true; everything else, including an
// unset key, is false.
func (s *SettingsService) GetBool(key string) bool {
	v := s.Get(key)
	return v == "true" || v == "1"
}

// GetUint parses the value as an id. Returns 0 when unset or malformed.
func (s *SettingsService) GetUint(key string) uint {
	n, err := strconv.ParseUint(s.Get(key), 10, 32)
	if err != nil {
		return 0
	}
	return uint(n)
}

// GetJSON decodes the value into v. An unset key leaves v untouched.
func (s *SettingsService) GetJSON(key string, v any) error {
	raw := s.Get(key)
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: setting %q is not valid JSON", errdefs.ErrInvalidInput, key)
	}
	return nil
}

// Set upserts a key and invalidates the cache entry.
func (s *SettingsService) Set(key, value string) error {
	var setting models.Setting
	err := s.DB.Where("key = ?", key).First(&setting).Error
	switch {
	case err == nil:
		err = s.DB.Model(&setting).Update("value", value).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		err = s.DB.Create(&models.Setting{Key: key, Value: value}).Error
	}
	if err != nil {
		return fmt.Errorf("save setting %q: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()
	return nil
}

// Invalidate drops the whole cache, e.g. after a bulk import.
func (s *SettingsService) Invalidate() {
	s.mu.Lock()
	s.cache = make(map[string]string)
	s.mu.Unlock()
}
