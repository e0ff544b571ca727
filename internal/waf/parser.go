package waf

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/aegisproxy/aegis/backend/internal/models"
)

// maxRawLogBytes caps the stored copy of an audit line. Records with request
// or response bodies attached can run to megabytes.
const maxRawLogBytes = 16 << 10

// ModSecurity v3 writes one JSON object per line in serial audit mode. Only
// the fields the control plane consumes are declared here; the rest of the
// record passes through untouched in raw_log.

type auditRecord struct {
	Transaction auditTransaction `json:"transaction"`
}

type auditTransaction struct {
	ClientIP  string         `json:"client_ip"`
	TimeStamp string         `json:"time_stamp"`
	UniqueID  string         `json:"unique_id"`
	Request   auditRequest   `json:"request"`
	Response  auditResponse  `json:"response"`
	Messages  []auditMessage `json:"messages"`
}

type auditRequest struct {
	Method  string            `json:"method"`
	URI     string            `json:"uri"`
	Headers map[string]string `json:"headers"`
}

type auditResponse struct {
	HTTPCode int               `json:"http_code"`
	Headers  map[string]string `json:"headers"`
}

type auditMessage struct {
	Message string       `json:"message"`
	Details auditDetails `json:"details"`
}

type auditDetails struct {
	RuleID   string   `json:"ruleId"`
	Match    string   `json:"match"`
	Data     string   `json:"data"`
	Severity string   `json:"severity"`
	Tags     []string `json:"tags"`
}

// ParsedRecord is one audit record broken out into storable events, one per
// rule message, plus the request Host for proxy resolution. HTTP/3 records
// carry no Host header and leave it empty.
type ParsedRecord struct {
	Host   string
	Events []*models.WAFEvent
}

// ParseAuditRecord parses a single serial-JSON audit line. Records that
// decode but contain no rule messages yield an empty event list; callers
// treat that as nothing to ingest, not an error.
func ParseAuditRecord(line []byte) (*ParsedRecord, error) {
	var rec auditRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("decode audit record: %w", err)
	}
	txn := rec.Transaction
	if txn.UniqueID == "" {
		return nil, fmt.Errorf("audit record has no transaction id")
	}

	ts := parseAuditTime(txn.TimeStamp)
	blocked := transactionBlocked(txn)
	raw := string(line)
	if len(raw) > maxRawLogBytes {
		raw = raw[:maxRawLogBytes]
	}

	parsed := &ParsedRecord{Host: normalizeHost(headerValue(txn.Request.Headers, "Host"))}
	for _, msg := range txn.Messages {
		parsed.Events = append(parsed.Events, &models.WAFEvent{
			Timestamp:     ts,
			ClientIP:      txn.ClientIP,
			AttackType:    attackTypeFromTags(msg.Details.Tags),
			Severity:      severityLabel(msg.Details.Severity),
			Blocked:       blocked,
			RequestURI:    txn.Request.URI,
			RuleID:        msg.Details.RuleID,
			TransactionID: txn.UniqueID,
			HTTPStatus:    txn.Response.HTTPCode,
			RawLog:        raw,
		})
	}
	return parsed, nil
}

// transactionBlocked reports whether the engine denied the request: a 403 or
// 406 response, or any message carrying the disruptive "Access denied" text.
func transactionBlocked(txn auditTransaction) bool {
	if txn.Response.HTTPCode == 403 || txn.Response.HTTPCode == 406 {
		return true
	}
	for _, msg := range txn.Messages {
		if strings.Contains(msg.Message, "Access denied") {
			return true
		}
	}
	return false
}

// attackTypeFromTags extracts the CRS attack class from rule tags
// ("attack-sqli" -> "sqli"). Rules without an attack tag are "unknown".
func attackTypeFromTags(tags []string) string {
	for _, tag := range tags {
		if rest, ok := strings.CutPrefix(tag, "attack-"); ok && rest != "" {
			return strings.ToLower(rest)
		}
	}
	return "unknown"
}

// severityLabel folds the syslog-scale severity ModSecurity emits (0-7,
// lower is worse) into the four ban severities. CRS connectors older than
// v3.1 log the textual form, so both are accepted.
func severityLabel(raw string) string {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		switch {
		case n <= 2:
			return models.SeverityCritical
		case n == 3:
			return models.SeverityHigh
		case n == 4:
			return models.SeverityMedium
		default:
			return models.SeverityLow
		}
	}
	switch strings.ToUpper(raw) {
	case "EMERGENCY", "ALERT", "CRITICAL":
		return models.SeverityCritical
	case "ERROR":
		return models.SeverityHigh
	case "WARNING":
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// parseAuditTime reads the ctime-style transaction timestamp. Unparseable
// stamps fall back to ingestion time rather than dropping the record.
func parseAuditTime(stamp string) time.Time {
	for _, layout := range []string{time.ANSIC, time.UnixDate} {
		if t, err := time.ParseInLocation(layout, stamp, time.Local); err == nil {
			return t
		}
	}
	return time.Now()
}

// headerValue does a case-insensitive header lookup; HTTP/2 peers send
// lowercase names.
func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// normalizeHost lowercases and strips any port or trailing dot so the value
// compares directly against Proxy.domain_names entries.
func normalizeHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return ""
	}
	if strings.Contains(host, ":") {
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
	}
	host = strings.Trim(host, "[]")
	return strings.TrimSuffix(host, ".")
}
