package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aegisproxy/aegis/backend/internal/errdefs"
)

type firewalldConfig struct {
	Zone      string `json:"zone"`
	UseSudo   bool   `json:"use_sudo"`
	Permanent bool   `json:"permanent"`
}

// Firewalld enforces bans with rich rules through firewall-cmd. Runtime
// rules support native timeouts; permanent mode trades expiry for surviving
// a firewalld restart, and the sweep lifts those bans instead.
type Firewalld struct {
	zone      string
	useSudo   bool
	permanent bool
}

func NewFirewalld(cfg Config) (Provider, error) {
	var fc firewalldConfig
	if len(cfg.Settings) > 0 {
		if err := json.Unmarshal(cfg.Settings, &fc); err != nil {
			return nil, fmt.Errorf("parse firewalld config: %w", errdefs.ErrInvalidInput)
		}
	}
	if fc.Zone == "" {
		fc.Zone = "public"
	}
	if !zoneNameRe.MatchString(fc.Zone) {
		return nil, fmt.Errorf("invalid firewalld zone %q: %w", fc.Zone, errdefs.ErrInvalidInput)
	}
	return &Firewalld{zone: fc.Zone, useSudo: fc.UseSudo, permanent: fc.Permanent}, nil
}

var (
	zoneNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,32}$`)
	// richRuleSourceRe pulls the source address out of a listed rich rule.
	richRuleSourceRe = regexp.MustCompile(`source address="([0-9a-fA-F:./]+)"`)
)

func (f *Firewalld) Type() string { return "firewalld" }

func (f *Firewalld) Capabilities() Capabilities {
	return Capabilities{SupportsBatch: false, SupportsExpiry: !f.permanent, SupportsSync: true}
}

// TestConnection checks that firewalld is running and the zone exists.
func (f *Firewalld) TestConnection(ctx context.Context) error {
	if _, err := runCommand(ctx, f.useSudo, "firewall-cmd", "--state"); err != nil {
		return err
	}
	_, err := runCommand(ctx, f.useSudo, "firewall-cmd", "--zone="+f.zone, "--list-rich-rules")
	return err
}

func (f *Firewalld) BanIP(ctx context.Context, req BanRequest) (BanResult, error) {
	if err := vetIP(req.IP); err != nil {
		return BanResult{}, err
	}
	rule := f.richRule(req.IP)
	args := []string{"--zone=" + f.zone, "--add-rich-rule=" + rule}
	if f.permanent {
		args = append([]string{"--permanent"}, args...)
	} else if req.Duration > 0 {
		secs := int(req.Duration / time.Second)
		args = append(args, "--timeout="+strconv.Itoa(secs))
	}
	if _, err := runCommand(ctx, f.useSudo, "firewall-cmd", args...); err != nil {
		return BanResult{}, err
	}
	if f.permanent {
		// Permanent rules need an explicit runtime sync.
		if _, err := runCommand(ctx, f.useSudo, "firewall-cmd", "--reload"); err != nil {
			return BanResult{}, err
		}
	}
	return BanResult{IP: req.IP, BanID: req.IP}, nil
}

func (f *Firewalld) UnbanIP(ctx context.Context, ip, _ string) error {
	if err := vetIP(ip); err != nil {
		return err
	}
	rule := f.richRule(ip)
	args := []string{"--zone=" + f.zone, "--remove-rich-rule=" + rule}
	if f.permanent {
		args = append([]string{"--permanent"}, args...)
	}
	if _, err := runCommand(ctx, f.useSudo, "firewall-cmd", args...); err != nil {
		// Removing a rule that already expired is not a failure.
		if strings.Contains(err.Error(), "NOT_ENABLED") {
			return nil
		}
		return err
	}
	if f.permanent {
		if _, err := runCommand(ctx, f.useSudo, "firewall-cmd", "--reload"); err != nil {
			return err
		}
	}
	return nil
}

func (f *Firewalld) ListBans(ctx context.Context) ([]RemoteBan, error) {
	args := []string{"--zone=" + f.zone, "--list-rich-rules"}
	if f.permanent {
		args = append([]string{"--permanent"}, args...)
	}
	out, err := runCommand(ctx, f.useSudo, "firewall-cmd", args...)
	if err != nil {
		return nil, err
	}

	var bans []RemoteBan
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "drop") {
			continue
		}
		m := richRuleSourceRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		bans = append(bans, RemoteBan{IP: m[1], BanID: m[1]})
	}
	return bans, nil
}

// richRule renders the drop rule for one address. The family must match the
// address or firewall-cmd rejects the rule.
func (f *Firewalld) richRule(ip string) string {
	family := "ipv4"
	if strings.Contains(ip, ":") {
		family = "ipv6"
	}
	return fmt.Sprintf(`rule family="%s" source address="%s" drop`, family, ip)
}
