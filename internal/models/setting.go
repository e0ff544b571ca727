package models

import "time"

// Authoritative settings keys. Values are strings; typed access lives in the
// settings service.
const (
	SettingDefaultServerBehavior   = "default_server_behavior" // drop, 404 or custom
	SettingDefaultServerCustomPage = "default_server_custom_page"
	SettingDefaultServerCustomURL  = "default_server_custom_url"
	SettingAdminCertID             = "admin_cert_id"

	SettingSecurityBlacklistEnabled   = "security_blacklist_enabled"
	SettingSecurityBlockedIPs         = "security_blocked_ips"         // newline or comma separated
	SettingSecurityUAFilterEnabled    = "security_ua_filter_enabled"
	SettingSecurityBlockedUserAgents  = "security_blocked_user_agents" // newline separated patterns
	SettingSecurityRateLimitEnabled   = "security_rate_limit_enabled"
	SettingSecurityRateLimits         = "security_rate_limits" // JSON {"<proxy_id>":{"rps":N,"burst":N}}
	SettingSecurityDefaultDenyCountry = "security_default_deny_countries"
	SettingSecurityGeoIPDatabasePath  = "security_geoip_database_path"

	SettingWAFEnabled          = "waf_enabled"
	SettingWAFMode             = "waf_mode" // detection or blocking
	SettingWAFDefaultProfileID = "waf_default_profile_id"

	SettingNotificationsEnabled     = "notifications_enabled"
	SettingNotificationURLs         = "notification_urls"
	SettingNotificationOnCertExpiry = "notification_on_cert_expiry"
	SettingNotificationOnAutoBan    = "notification_on_auto_ban"

	SettingJWTSecret = "jwt_secret"
)

// Setting is a persisted key/value pair.
type Setting struct {
	ID       uint   `json:"id" gorm:"primaryKey"`
	Key      string `json:"key" gorm:"uniqueIndex"`
	Value    string `json:"value" gorm:"type:text"`
	Type     string `json:"type"`
	Category string `json:"category"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
