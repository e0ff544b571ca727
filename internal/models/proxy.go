package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Proxy types.
const (
	ProxyTypeReverse = "reverse"
	ProxyTypeStream  = "stream"
	ProxyType404     = "404"
)

// Config statuses reported after reconciliation.
const (
	ConfigStatusPending = "pending"
	ConfigStatusActive  = "active"
	ConfigStatusError   = "error"
)

// Content modes. Raw means advanced_config holds the complete nginx config
// and structured fields are not rendered.
const (
	ContentModeStructured = "structured"
	ContentModeRaw        = "raw"
)

// Stream protocols.
const (
	StreamProtocolTCP    = "tcp"
	StreamProtocolUDP    = "udp"
	StreamProtocolTCPUDP = "tcp_udp"
)

// rawDomainSentinel is the legacy marker older clients send instead of the
// content_mode column; BeforeSave translates it.
const rawDomainSentinel = "N/A"

// Proxy is a managed virtual host materialized as an nginx config file.
type Proxy struct {
	ID             uint   `json:"id" gorm:"primaryKey"`
	UUID           string `json:"uuid" gorm:"uniqueIndex"`
	Name           string `json:"name" gorm:"uniqueIndex"`
	Type           string `json:"type" gorm:"default:reverse"`
	Enabled        bool   `json:"enabled"`
	DomainNames    string `json:"domain_names"` // comma-separated
	ForwardScheme  string `json:"forward_scheme" gorm:"default:http"`
	ForwardHost    string `json:"forward_host"`
	ForwardPort    int    `json:"forward_port"`
	IncomingPort   int    `json:"incoming_port"`   // stream listen port
	StreamProtocol string `json:"stream_protocol"` // tcp, udp or tcp_udp

	SSLEnabled    bool         `json:"ssl_enabled"`
	CertificateID *uint        `json:"certificate_id"`
	Certificate   *Certificate `json:"certificate,omitempty"`

	WAFProfileID *uint       `json:"waf_profile_id"`
	WAFProfile   *WAFProfile `json:"waf_profile,omitempty"`

	AdvancedConfig string `json:"advanced_config" gorm:"type:text"`
	ContentMode    string `json:"content_mode" gorm:"default:structured"`
	LaunchURL      string `json:"launch_url"`

	ConfigFilename string `json:"config_filename"`
	ConfigStatus   string `json:"config_status" gorm:"default:pending"`
	ConfigError    string `json:"config_error"`

	Modules []ProxyModule `json:"modules,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeSave assigns the UUID and normalizes the legacy "N/A" domain sentinel
// into an explicit raw content mode.
func (p *Proxy) BeforeSave(tx *gorm.DB) error {
	if p.UUID == "" {
		p.UUID = uuid.NewString()
	}
	if p.ContentMode == "" {
		p.ContentMode = ContentModeStructured
	}
	if p.DomainNames == rawDomainSentinel && strings.TrimSpace(p.AdvancedConfig) != "" {
		p.ContentMode = ContentModeRaw
	}
	return nil
}

// IsRaw reports whether the proxy is in custom-editor mode.
func (p *Proxy) IsRaw() bool {
	return p.ContentMode == ContentModeRaw && strings.TrimSpace(p.AdvancedConfig) != ""
}

// DomainList splits the comma-separated domain names, lowercased and trimmed.
func (p *Proxy) DomainList() []string {
	if p.DomainNames == "" || p.DomainNames == rawDomainSentinel {
		return nil
	}
	parts := strings.Split(p.DomainNames, ",")
	out := make([]string, 0, len(parts))
	for _, d := range parts {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// ProxyModule links a proxy to a module. Association order (ascending ID) is
// the render order inside the generated server block.
type ProxyModule struct {
	ID       uint   `json:"id" gorm:"primaryKey"`
	ProxyID  uint   `json:"proxy_id" gorm:"index"`
	ModuleID uint   `json:"module_id" gorm:"index"`
	Module   Module `json:"module"`

	CreatedAt time.Time `json:"created_at"`
}
