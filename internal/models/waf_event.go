package models

import (
	"time"
)

// Event severities in ascending order of rank.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// SeverityRank maps a severity label to its ordinal (LOW=1 .. CRITICAL=4).
// Unknown labels rank 0 so they never satisfy an ordinal filter.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// WAFEvent is one rule hit extracted from a ModSecurity audit record.
// Append-only. ProxyID stays NULL for HTTP/3 records without a Host header
// until the backfill sweep resolves them.
type WAFEvent struct {
	ID            uint       `json:"id" gorm:"primaryKey"`
	Timestamp     time.Time  `json:"timestamp" gorm:"index"`
	ProxyID       *uint      `json:"proxy_id" gorm:"index"`
	ClientIP      string     `json:"client_ip" gorm:"index"`
	AttackType    string     `json:"attack_type"`
	Severity      string     `json:"severity"`
	Blocked       bool       `json:"blocked"`
	RequestURI    string     `json:"request_uri"`
	RuleID        string     `json:"rule_id"`
	TransactionID string     `json:"transaction_id"`
	HTTPStatus    int        `json:"http_status"`
	RawLog        string     `json:"raw_log" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
}
