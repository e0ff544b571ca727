// Package validator holds the input validation used at every service
// boundary. Anything that ends up in an nginx config file or in the argv
// of a child process must pass through here first.
package validator

import (
	"fmt"
	"net"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aegisproxy/aegis/backend/internal/errdefs"
)

var (
	// shellSafeIPRe is the only shape an IP is allowed to have before it is
	// handed to a firewall command. Parsing alone is not enough: net.ParseIP
	// accepts forms we never want near an argv (e.g. IPv4-in-IPv6 with
	// zones), so the character class is checked first.
	shellSafeIPRe = regexp.MustCompile(`^[0-9a-fA-F:.]+(/\d+)?$`)

	domainLabelRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

	identifierRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)

	// shellArgRe rejects shell metacharacters, whitespace and control bytes.
	// Providers build argv arrays so the shell never sees these strings, but
	// the downstream tools (ufw, firewall-cmd) have their own parsers.
	shellArgRe = regexp.MustCompile(`^[a-zA-Z0-9_.:/=,@+-]+$`)
)

// forbiddenSnippetDirectives are nginx directives that would let a module or
// advanced_config block escape the managed config tree or load code.
var forbiddenSnippetDirectives = []string{
	"include",
	"load_module",
	"lua_package_path",
	"content_by_lua",
	"access_by_lua",
}

// IP validates a single IPv4 or IPv6 address.
func IP(s string) error {
	if net.ParseIP(s) == nil {
		return fmt.Errorf("%w: invalid IP address %q", errdefs.ErrInvalidInput, s)
	}
	return nil
}

// IPOrCIDR validates a single IP address or a CIDR range.
func IPOrCIDR(s string) error {
	if net.ParseIP(s) != nil {
		return nil
	}
	if _, _, err := net.ParseCIDR(s); err == nil {
		return nil
	}
	return fmt.Errorf("%w: invalid IP or CIDR %q", errdefs.ErrInvalidInput, s)
}

// ShellSafeIP validates an IP (or CIDR) that is about to become a child
// process argument. It applies the strict character-class check before
// parsing, so an injection attempt is rejected even if a future parser
// would have tolerated it.
func ShellSafeIP(s string) error {
	if !shellSafeIPRe.MatchString(s) {
		return fmt.Errorf("%w: unsafe IP argument %q", errdefs.ErrInvalidInput, s)
	}
	return IPOrCIDR(s)
}

// Domain validates a DNS name. A single leading wildcard label ("*.example.com")
// is accepted when allowWildcard is set; wildcards anywhere else are rejected.
// Single-label names are allowed because internal hostnames are common behind
// a reverse proxy.
func Domain(s string, allowWildcard bool) error {
	name := strings.TrimSuffix(s, ".")
	if name == "" || len(name) > 253 {
		return fmt.Errorf("%w: invalid domain %q", errdefs.ErrInvalidInput, s)
	}

	labels := strings.Split(name, ".")
	for i, label := range labels {
		if label == "*" {
			if !allowWildcard || i != 0 || len(labels) < 2 {
				return fmt.Errorf("%w: wildcard not allowed in %q", errdefs.ErrInvalidInput, s)
			}
			continue
		}
		if strings.Contains(label, "*") {
			return fmt.Errorf("%w: wildcard not allowed in %q", errdefs.ErrInvalidInput, s)
		}
		if !domainLabelRe.MatchString(label) {
			return fmt.Errorf("%w: invalid domain %q", errdefs.ErrInvalidInput, s)
		}
	}
	return nil
}

// Email validates a bare RFC 5322 address (no display name).
func Email(s string) error {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return fmt.Errorf("%w: invalid email address %q", errdefs.ErrInvalidInput, s)
	}
	return nil
}

// Port validates a TCP/UDP port number.
func Port(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%w: port %d out of range", errdefs.ErrInvalidInput, p)
	}
	return nil
}

// Duration parses a duration given either in Go syntax ("90s", "5m") or as
// a bare integer number of seconds. The result must be positive.
func Duration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.Atoi(s); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("%w: duration must be positive, got %q", errdefs.ErrInvalidInput, s)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: invalid duration %q", errdefs.ErrInvalidInput, s)
	}
	return d, nil
}

// Identifier validates short machine names (provider ids, setting keys,
// module tags): alphanumeric start, then alphanumerics plus `_.-`, at most
// 64 characters.
func Identifier(s string) error {
	if !identifierRe.MatchString(s) {
		return fmt.Errorf("%w: invalid identifier %q", errdefs.ErrInvalidInput, s)
	}
	return nil
}

// NginxSnippet checks a user-supplied config fragment before it is rendered
// into a file nginx will read. Braces must balance (a dangling brace would
// swallow or break the blocks the generator emits after it) and directives
// that read arbitrary files or load code are rejected.
func NginxSnippet(content string) error {
	depth := 0
	for _, r := range content {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				return fmt.Errorf("%w: unbalanced braces in config snippet", errdefs.ErrInvalidInput)
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("%w: unbalanced braces in config snippet", errdefs.ErrInvalidInput)
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		for _, directive := range forbiddenSnippetDirectives {
			if trimmed == directive || strings.HasPrefix(trimmed, directive+" ") || strings.HasPrefix(trimmed, directive+"\t") {
				return fmt.Errorf("%w: directive %q is not allowed in config snippets", errdefs.ErrInvalidInput, directive)
			}
		}
	}
	return nil
}

// ShellArg validates a generic child-process argument (zone names, set
// names, comments passed to firewall tools). IPs should go through
// ShellSafeIP instead.
func ShellArg(s string) error {
	if s == "" || len(s) > 256 || !shellArgRe.MatchString(s) {
		return fmt.Errorf("%w: unsafe command argument %q", errdefs.ErrInvalidInput, s)
	}
	return nil
}
