// Package nginx renders nginx configuration from the database model and
// drives the nginx process: config generation, test/reload operations,
// reload serialization and the proxy reconciliation flow.
package nginx

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aegisproxy/aegis/backend/internal/errdefs"
	"github.com/aegisproxy/aegis/backend/internal/models"
)

// SSL path placeholders. The generator emits these literally; the
// reconciler substitutes them once the certificate row has been loaded.
const (
	PlaceholderCertPath = "{{SSL_CERT_PATH}}"
	PlaceholderKeyPath  = "{{SSL_KEY_PATH}}"
)

// forceHTTPSRedirect is the builtin redirect used when ssl_enabled is set
// and no redirect-level module is attached to the proxy.
const forceHTTPSRedirect = "return 301 https://$host$request_uri;"

// forwardHeaders are emitted into every reverse-proxy location block.
var forwardHeaders = []string{
	"proxy_set_header Host $host;",
	"proxy_set_header X-Real-IP $remote_addr;",
	"proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;",
	"proxy_set_header X-Forwarded-Proto $scheme;",
}

var (
	filenameBadChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f\x7f]`)
	slugSeparators   = regexp.MustCompile(`[^a-z0-9]+`)
)

// RateLimitSpec references a limit_req zone declared in the global security
// config. Zones are named proxy_<id>_ratelimit.
type RateLimitSpec struct {
	RPS   int
	Burst int
}

// RenderOptions carries the environment the render needs beyond the model
// rows. Equal inputs must produce byte-identical output, so nothing here
// may depend on the clock.
type RenderOptions struct {
	// ProfileDir is the directory nginx reads WAF profile files from.
	ProfileDir string
	// RateLimit, when set, emits a limit_req reference for the proxy.
	RateLimit *RateLimitSpec
	// UAFilter emits the blocked user-agent guard; requires the map from
	// the global security config to be loaded.
	UAFilter bool
}

// RenderProxy renders the full config file content for a proxy. Raw-mode
// proxies must not reach the generator; the reconciler short-circuits them.
func RenderProxy(p models.Proxy, modules []models.Module, profile *models.WAFProfile, opts RenderOptions) (string, error) {
	switch p.Type {
	case models.ProxyTypeReverse:
		return renderReverse(p, modules, profile, opts), nil
	case models.ProxyTypeStream:
		return renderStream(p), nil
	case models.ProxyType404:
		return render404(p), nil
	default:
		return "", fmt.Errorf("%w: unknown proxy type %q", errdefs.ErrInvalidInput, p.Type)
	}
}

func renderReverse(p models.Proxy, modules []models.Module, profile *models.WAFProfile, opts RenderOptions) string {
	var b strings.Builder
	writeHeader(&b, p)

	serverNames := serverNameLine(p.DomainList())

	b.WriteString("server {\n")
	if p.SSLEnabled {
		b.WriteString("    listen 443 ssl http2;\n")
	} else {
		b.WriteString("    listen 80;\n")
	}
	b.WriteString("    " + serverNames + "\n")

	if p.SSLEnabled {
		b.WriteString("\n")
		b.WriteString("    ssl_certificate " + PlaceholderCertPath + ";\n")
		b.WriteString("    ssl_certificate_key " + PlaceholderKeyPath + ";\n")
	}

	if profile != nil && profile.Enabled {
		b.WriteString("\n")
		b.WriteString("    modsecurity on;\n")
		b.WriteString(fmt.Sprintf("    modsecurity_rules_file %s;\n", filepath.Join(opts.ProfileDir, ProfileFilename(profile.ID))))
		b.WriteString(fmt.Sprintf("    include %s;\n", filepath.Join(opts.ProfileDir, ExclusionsFilename(profile.ID))))
	}

	if opts.UAFilter {
		b.WriteString("\n")
		b.WriteString("    if ($aegis_blocked_agent) {\n")
		b.WriteString("        return 403;\n")
		b.WriteString("    }\n")
	}

	if opts.RateLimit != nil {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("    limit_req zone=%s burst=%d nodelay;\n", RateLimitZone(p.ID), opts.RateLimit.Burst))
	}

	for _, m := range modules {
		if m.Level != models.ModuleLevelServer {
			continue
		}
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("    # Module: %s\n", m.Name))
		b.WriteString(indent(strings.TrimRight(m.Content, "\n"), "    ") + "\n")
	}

	// Without SSL there is no separate port-80 server, so a redirect-level
	// module lands in the main server block.
	if !p.SSLEnabled {
		for _, m := range modules {
			if m.Level != models.ModuleLevelRedirect {
				continue
			}
			b.WriteString("\n")
			b.WriteString(fmt.Sprintf("    # Module: %s\n", m.Name))
			b.WriteString(indent(strings.TrimSpace(m.Content), "    ") + "\n")
			break
		}
	}

	b.WriteString("\n")
	b.WriteString("    location / {\n")
	b.WriteString(fmt.Sprintf("        proxy_pass %s://%s:%d;\n", p.ForwardScheme, p.ForwardHost, p.ForwardPort))
	for _, h := range forwardHeaders {
		b.WriteString("        " + h + "\n")
	}
	for _, m := range modules {
		if m.Level != models.ModuleLevelLocation {
			continue
		}
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("        # Module: %s\n", m.Name))
		b.WriteString(indent(strings.TrimRight(m.Content, "\n"), "        ") + "\n")
	}
	if ac := strings.TrimSpace(p.AdvancedConfig); ac != "" {
		b.WriteString("\n")
		b.WriteString(indent(ac, "        ") + "\n")
	}
	b.WriteString("    }\n")
	b.WriteString("}\n")

	if p.SSLEnabled {
		redirect := forceHTTPSRedirect
		for _, m := range modules {
			if m.Level == models.ModuleLevelRedirect {
				redirect = strings.TrimSpace(m.Content)
				break
			}
		}
		b.WriteString("\n")
		b.WriteString("server {\n")
		b.WriteString("    listen 80;\n")
		b.WriteString("    " + serverNames + "\n")
		b.WriteString(indent(redirect, "    ") + "\n")
		b.WriteString("}\n")
	}

	return b.String()
}

func renderStream(p models.Proxy) string {
	var b strings.Builder
	writeHeader(&b, p)

	upstream := UpstreamName(p)
	listenPort := p.IncomingPort
	if listenPort == 0 {
		listenPort = p.ForwardPort
	}

	b.WriteString(fmt.Sprintf("upstream %s {\n", upstream))
	b.WriteString(fmt.Sprintf("    server %s:%d;\n", p.ForwardHost, p.ForwardPort))
	b.WriteString("}\n")
	b.WriteString("\n")
	b.WriteString("server {\n")
	switch p.StreamProtocol {
	case models.StreamProtocolUDP:
		b.WriteString(fmt.Sprintf("    listen %d udp;\n", listenPort))
	case models.StreamProtocolTCPUDP:
		b.WriteString(fmt.Sprintf("    listen %d;\n", listenPort))
		b.WriteString(fmt.Sprintf("    listen %d udp;\n", listenPort))
	default:
		b.WriteString(fmt.Sprintf("    listen %d;\n", listenPort))
	}
	b.WriteString(fmt.Sprintf("    proxy_pass %s;\n", upstream))
	if ac := strings.TrimSpace(p.AdvancedConfig); ac != "" {
		b.WriteString("\n")
		b.WriteString(indent(ac, "    ") + "\n")
	}
	b.WriteString("}\n")

	return b.String()
}

func render404(p models.Proxy) string {
	var b strings.Builder
	writeHeader(&b, p)

	b.WriteString("server {\n")
	b.WriteString("    listen 80;\n")
	if p.SSLEnabled {
		b.WriteString("    listen 443 ssl http2;\n")
	}
	b.WriteString("    " + serverNameLine(p.DomainList()) + "\n")
	if p.SSLEnabled {
		b.WriteString("\n")
		b.WriteString("    ssl_certificate " + PlaceholderCertPath + ";\n")
		b.WriteString("    ssl_certificate_key " + PlaceholderKeyPath + ";\n")
		b.WriteString("\n")
	}
	b.WriteString("    return 404;\n")
	b.WriteString("}\n")

	return b.String()
}

func writeHeader(b *strings.Builder, p models.Proxy) {
	b.WriteString(fmt.Sprintf("# Managed by Aegis. Proxy %q (id %d).\n", p.Name, p.ID))
	b.WriteString("# Manual edits are overwritten on the next reconciliation.\n")
	b.WriteString("\n")
}

func serverNameLine(domains []string) string {
	if len(domains) == 0 {
		return "server_name _;"
	}
	return "server_name " + strings.Join(domains, " ") + ";"
}

func indent(s, pad string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			lines[i] = ""
			continue
		}
		lines[i] = pad + strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

// RenderModuleFile renders the standalone modules/<slug>.conf file so that
// user-written include directives resolve.
func RenderModuleFile(m models.Module) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("# Module: %s\n", m.Name))
	if m.Description != "" {
		b.WriteString(fmt.Sprintf("# %s\n", m.Description))
	}
	b.WriteString("\n")
	b.WriteString(strings.TrimRight(m.Content, "\n") + "\n")
	return b.String()
}

// profileConfig is the parsed shape of WAFProfile.ConfigJSON. Unknown keys
// are ignored.
type profileConfig struct {
	Mode             string `json:"mode"` // "on" (default) or "detection"
	CustomDirectives string `json:"custom_directives"`
}

// RenderWAFProfile renders profile_{id}.conf, the modsecurity_rules_file
// for proxies attached to the profile.
func RenderWAFProfile(p models.WAFProfile) string {
	var cfg profileConfig
	if p.ConfigJSON != "" {
		// Malformed overrides fall back to defaults rather than failing the
		// render; nginx -t still guards the result.
		_ = json.Unmarshal([]byte(p.ConfigJSON), &cfg)
	}

	engine := "On"
	if cfg.Mode == "detection" {
		engine = "DetectionOnly"
	}
	if !p.Enabled {
		engine = "Off"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("# WAF profile %q (id %d), ruleset %s\n", p.Name, p.ID, p.Ruleset))
	b.WriteString(fmt.Sprintf("SecRuleEngine %s\n", engine))
	b.WriteString("SecAuditEngine RelevantOnly\n")
	b.WriteString("SecAuditLogFormat JSON\n")
	b.WriteString(fmt.Sprintf("SecAction \"id:900000,phase:1,pass,t:none,nolog,setvar:tx.blocking_paranoia_level=%d\"\n", p.ParanoiaLevel))
	if cfg.CustomDirectives != "" {
		b.WriteString("\n")
		b.WriteString(strings.TrimRight(cfg.CustomDirectives, "\n") + "\n")
	}
	return b.String()
}

// RenderWAFExclusions renders exclusions_profile_{id}.conf. Exclusions are
// emitted in id order; rule ids may be single ids or ranges.
func RenderWAFExclusions(p models.WAFProfile, exclusions []models.WAFExclusion) string {
	ordered := make([]models.WAFExclusion, len(exclusions))
	copy(ordered, exclusions)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	var b strings.Builder
	b.WriteString(fmt.Sprintf("# Rule exclusions for WAF profile %q (id %d)\n", p.Name, p.ID))
	for _, ex := range ordered {
		b.WriteString("\n")
		if ex.Reason != "" {
			b.WriteString(fmt.Sprintf("# %s\n", ex.Reason))
		}
		switch {
		case ex.ParameterName != "":
			b.WriteString(fmt.Sprintf("SecRuleUpdateTargetById %s \"!ARGS:%s\"\n", ex.RuleID, ex.ParameterName))
		case ex.PathPattern != "":
			// Synthetic rule ids live far above the CRS range so they can
			// never collide with shipped rules.
			b.WriteString(fmt.Sprintf("SecRule REQUEST_URI \"@beginsWith %s\" \"id:%d,phase:1,pass,nolog,ctl:ruleRemoveById=%s\"\n",
				ex.PathPattern, 9000000+ex.ID, ex.RuleID))
		default:
			b.WriteString(fmt.Sprintf("SecRuleRemoveById %s\n", ex.RuleID))
		}
	}
	return b.String()
}

// GlobalSecurityInput aggregates everything that lands in
// global_security.conf.
type GlobalSecurityInput struct {
	BlockedIPs    []string // IPs or CIDRs to deny
	BlockedAgents []string // user-agent patterns, matched case-insensitively
	RateLimits    map[uint]RateLimitSpec
}

// RenderGlobalSecurity renders global_security.conf. The output is sorted
// so that unchanged inputs produce unchanged bytes.
func RenderGlobalSecurity(in GlobalSecurityInput) string {
	var b strings.Builder
	b.WriteString("# Managed by Aegis. Global security rules.\n")

	ips := make([]string, len(in.BlockedIPs))
	copy(ips, in.BlockedIPs)
	sort.Strings(ips)
	if len(ips) > 0 {
		b.WriteString("\n# IP blacklist\n")
		for _, ip := range ips {
			b.WriteString(fmt.Sprintf("deny %s;\n", ip))
		}
	}

	agents := make([]string, len(in.BlockedAgents))
	copy(agents, in.BlockedAgents)
	sort.Strings(agents)
	b.WriteString("\n# Blocked user agents\n")
	b.WriteString("map $http_user_agent $aegis_blocked_agent {\n")
	b.WriteString("    default 0;\n")
	for _, ua := range agents {
		b.WriteString(fmt.Sprintf("    \"~*%s\" 1;\n", ua))
	}
	b.WriteString("}\n")

	if len(in.RateLimits) > 0 {
		ids := make([]uint, 0, len(in.RateLimits))
		for id := range in.RateLimits {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		b.WriteString("\n# Rate limit zones\n")
		for _, id := range ids {
			b.WriteString(fmt.Sprintf("limit_req_zone $binary_remote_addr zone=%s:10m rate=%dr/s;\n",
				RateLimitZone(id), in.RateLimits[id].RPS))
		}
	}

	return b.String()
}

// SubstituteSSLPaths replaces the certificate placeholders with concrete
// paths. The substitution is global and idempotent.
func SubstituteSSLPaths(conf, certPath, keyPath string) string {
	conf = strings.ReplaceAll(conf, PlaceholderCertPath, certPath)
	return strings.ReplaceAll(conf, PlaceholderKeyPath, keyPath)
}

// SanitizeFilename makes a proxy name safe to use as a file name: filesystem
// metacharacters and control bytes become underscores, leading and trailing
// dots and spaces are trimmed, and the result is capped at 200 bytes. An
// empty result falls back to a timestamped name.
func SanitizeFilename(name string) string {
	s := filenameBadChars.ReplaceAllString(name, "_")
	s = strings.Trim(s, ". ")
	if len(s) > 200 {
		cut := 200
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = strings.Trim(s[:cut], ". ")
	}
	if s == "" {
		s = fmt.Sprintf("proxy_%d", time.Now().UnixMilli())
	}
	return s
}

// ConfigFilename derives the on-disk config file name for a proxy.
func ConfigFilename(id uint, name string) string {
	return fmt.Sprintf("%d-%s.conf", id, SanitizeFilename(name))
}

// ModuleSlug derives the modules/<slug>.conf file stem from a module name.
func ModuleSlug(name string) string {
	slug := slugSeparators.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(slug, "-")
}

// ProfileFilename names the rules file for a WAF profile.
func ProfileFilename(id uint) string {
	return fmt.Sprintf("profile_%d.conf", id)
}

// ExclusionsFilename names the exclusions file for a WAF profile.
func ExclusionsFilename(id uint) string {
	return fmt.Sprintf("exclusions_profile_%d.conf", id)
}

// RateLimitZone names the limit_req zone for a proxy.
func RateLimitZone(id uint) string {
	return fmt.Sprintf("proxy_%d_ratelimit", id)
}

// UpstreamName derives a valid nginx upstream identifier for a stream proxy.
func UpstreamName(p models.Proxy) string {
	slug := slugSeparators.ReplaceAllString(strings.ToLower(p.Name), "_")
	slug = strings.Trim(slug, "_")
	if slug == "" {
		slug = "stream"
	}
	return fmt.Sprintf("%s_%d", slug, p.ID)
}
