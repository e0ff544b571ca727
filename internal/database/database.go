package database

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/aegisproxy/aegis/backend/internal/logger"
	"github.com/aegisproxy/aegis/backend/internal/models"
)

// Open bootstraps a SQLite database using the provided filesystem path.
func Open(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	return db, nil
}

// Migrate applies the schema for every persisted entity.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.Proxy{},
		&models.Module{},
		&models.ProxyModule{},
		&models.Certificate{},
		&models.WAFProfile{},
		&models.WAFExclusion{},
		&models.WAFEvent{},
		&models.Credential{},
		&models.BanIntegration{},
		&models.IPBan{},
		&models.IPWhitelist{},
		&models.DetectionRule{},
		&models.Setting{},
		&models.AuditLog{},
		&models.Notification{},
	); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	return nil
}

// systemWhitelist is seeded once so local and private ranges can never be
// auto-banned. These rows are immutable.
var systemWhitelist = []models.IPWhitelist{
	{IPRange: "127.0.0.0/8", Type: models.WhitelistTypeSystem, Reason: "IPv4 loopback", Priority: 0},
	{IPAddress: "::1", Type: models.WhitelistTypeSystem, Reason: "IPv6 loopback", Priority: 0},
	{IPRange: "10.0.0.0/8", Type: models.WhitelistTypeSystem, Reason: "RFC1918 private range", Priority: 1},
	{IPRange: "172.16.0.0/12", Type: models.WhitelistTypeSystem, Reason: "RFC1918 private range", Priority: 1},
	{IPRange: "192.168.0.0/16", Type: models.WhitelistTypeSystem, Reason: "RFC1918 private range", Priority: 1},
}

var defaultSettings = []models.Setting{
	{Key: models.SettingDefaultServerBehavior, Value: "404", Type: "string", Category: "general"},
	{Key: models.SettingSecurityBlacklistEnabled, Value: "true", Type: "bool", Category: "security"},
	{Key: models.SettingSecurityUAFilterEnabled, Value: "false", Type: "bool", Category: "security"},
	{Key: models.SettingSecurityRateLimitEnabled, Value: "false", Type: "bool", Category: "security"},
	{Key: models.SettingWAFEnabled, Value: "true", Type: "bool", Category: "waf"},
	{Key: models.SettingWAFMode, Value: "detection", Type: "string", Category: "waf"},
	{Key: models.SettingNotificationsEnabled, Value: "false", Type: "bool", Category: "notifications"},
	{Key: models.SettingNotificationOnCertExpiry, Value: "true", Type: "bool", Category: "notifications"},
	{Key: models.SettingNotificationOnAutoBan, Value: "true", Type: "bool", Category: "notifications"},
}

// Seed inserts the rows the engine depends on: system whitelist entries,
// default settings and a generated jwt_secret when none is configured.
// Idempotent; safe to run on every boot.
func Seed(db *gorm.DB) error {
	for _, entry := range systemWhitelist {
		e := entry
		query := db.Where("type = ?", models.WhitelistTypeSystem)
		if e.IPRange != "" {
			query = query.Where("ip_range = ?", e.IPRange)
		} else {
			query = query.Where("ip_address = ?", e.IPAddress)
		}
		if err := query.FirstOrCreate(&e).Error; err != nil {
			return fmt.Errorf("seed system whitelist: %w", err)
		}
	}

	for _, setting := range defaultSettings {
		s := setting
		if err := db.Where("key = ?", s.Key).FirstOrCreate(&s).Error; err != nil {
			return fmt.Errorf("seed setting %s: %w", s.Key, err)
		}
	}

	if err := ensureJWTSecret(db); err != nil {
		return err
	}

	return nil
}

// ensureJWTSecret generates and persists key material the first time the
// daemon boots without AEGIS_JWT_SECRET. Credential encryption derives its
// keys from this value, so it must never change once credentials exist.
func ensureJWTSecret(db *gorm.DB) error {
	var existing models.Setting
	err := db.Where("key = ?", models.SettingJWTSecret).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("read jwt_secret setting: %w", err)
	}

	if env := os.Getenv("AEGIS_JWT_SECRET"); env != "" {
		// Configured externally; nothing to persist.
		return nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generate jwt secret: %w", err)
	}
	secret := models.Setting{
		Key:      models.SettingJWTSecret,
		Value:    hex.EncodeToString(buf),
		Type:     "string",
		Category: "security",
	}
	if err := db.Create(&secret).Error; err != nil {
		return fmt.Errorf("persist jwt secret: %w", err)
	}
	logger.WithComponent("database").Info("generated persistent jwt_secret")

	return nil
}
