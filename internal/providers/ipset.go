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

const defaultIPSetName = "aegis-banned"

type ipsetConfig struct {
	SetName string `json:"set_name"`
	UseSudo bool   `json:"use_sudo"`
	// SkipIptablesRule leaves wiring the set into a chain to the operator.
	SkipIptablesRule bool `json:"skip_iptables_rule"`
}

// IPSet maintains a hash:net set dropped by an iptables rule. Batches go
// through `ipset restore` fed over stdin, one command per line; nothing is
// ever interpolated into a shell.
type IPSet struct {
	setName  string
	useSudo  bool
	skipRule bool
}

var ipsetNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,31}$`)

func NewIPSet(cfg Config) (Provider, error) {
	var ic ipsetConfig
	if len(cfg.Settings) > 0 {
		if err := json.Unmarshal(cfg.Settings, &ic); err != nil {
			return nil, fmt.Errorf("parse ipset config: %w", errdefs.ErrInvalidInput)
		}
	}
	if ic.SetName == "" {
		ic.SetName = defaultIPSetName
	}
	if !ipsetNameRe.MatchString(ic.SetName) {
		return nil, fmt.Errorf("invalid ipset name %q: %w", ic.SetName, errdefs.ErrInvalidInput)
	}
	return &IPSet{setName: ic.SetName, useSudo: ic.UseSudo, skipRule: ic.SkipIptablesRule}, nil
}

func (s *IPSet) Type() string { return "ipset" }

func (s *IPSet) Capabilities() Capabilities {
	return Capabilities{SupportsBatch: true, SupportsExpiry: true, SupportsSync: true}
}

// TestConnection creates the set when missing and checks the drop rule.
func (s *IPSet) TestConnection(ctx context.Context) error {
	if err := s.ensureSet(ctx); err != nil {
		return err
	}
	return s.ensureRule(ctx)
}

func (s *IPSet) BanIP(ctx context.Context, req BanRequest) (BanResult, error) {
	if err := vetIP(req.IP); err != nil {
		return BanResult{}, err
	}
	if err := s.ensureSet(ctx); err != nil {
		return BanResult{}, err
	}
	args := []string{"add", s.setName, req.IP, "-exist"}
	if req.Duration > 0 {
		args = append(args, "timeout", strconv.Itoa(int(req.Duration/time.Second)))
	}
	if _, err := runCommand(ctx, s.useSudo, "ipset", args...); err != nil {
		return BanResult{}, err
	}
	return BanResult{IP: req.IP, BanID: req.IP}, nil
}

func (s *IPSet) UnbanIP(ctx context.Context, ip, _ string) error {
	if err := vetIP(ip); err != nil {
		return err
	}
	_, err := runCommand(ctx, s.useSudo, "ipset", "del", s.setName, ip, "-exist")
	return err
}

func (s *IPSet) ListBans(ctx context.Context) ([]RemoteBan, error) {
	out, err := runCommand(ctx, s.useSudo, "ipset", "list", s.setName)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, nil
		}
		return nil, err
	}

	var bans []RemoteBan
	inMembers := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "Members:" {
			inMembers = true
			continue
		}
		if !inMembers || line == "" {
			continue
		}
		// Member lines are "<addr>[/len] [timeout N]".
		ip := strings.Fields(line)[0]
		bans = append(bans, RemoteBan{IP: ip, BanID: ip})
	}
	return bans, nil
}

// BatchBan writes one restore payload for the whole batch. Every address is
// vetted before a single byte reaches the child.
func (s *IPSet) BatchBan(ctx context.Context, reqs []BanRequest) ([]BanResult, error) {
	ips := make([]string, 0, len(reqs))
	for _, r := range reqs {
		ips = append(ips, r.IP)
	}
	if err := vetAll(ips); err != nil {
		return nil, err
	}
	if err := s.ensureSet(ctx); err != nil {
		return nil, err
	}

	if _, err := runCommandStdin(ctx, s.useSudo, s.banRestorePayload(reqs), "ipset", "restore"); err != nil {
		return nil, err
	}

	results := make([]BanResult, 0, len(ips))
	for _, ip := range ips {
		results = append(results, BanResult{IP: ip, BanID: ip})
	}
	return results, nil
}

func (s *IPSet) BatchUnban(ctx context.Context, ips []string) (int, error) {
	if err := vetAll(ips); err != nil {
		return 0, err
	}
	if _, err := runCommandStdin(ctx, s.useSudo, s.unbanRestorePayload(ips), "ipset", "restore"); err != nil {
		return 0, err
	}
	return len(ips), nil
}

// banRestorePayload renders the `ipset restore` input for a ban batch, one
// add command per line.
func (s *IPSet) banRestorePayload(reqs []BanRequest) string {
	var payload strings.Builder
	for _, r := range reqs {
		payload.WriteString("add " + s.setName + " " + r.IP)
		if r.Duration > 0 {
			payload.WriteString(" timeout " + strconv.Itoa(int(r.Duration/time.Second)))
		}
		payload.WriteString(" -exist\n")
	}
	return payload.String()
}

func (s *IPSet) unbanRestorePayload(ips []string) string {
	var payload strings.Builder
	for _, ip := range ips {
		payload.WriteString("del " + s.setName + " " + ip + " -exist\n")
	}
	return payload.String()
}

// ensureSet creates the hash:net set idempotently. timeout 0 enables
// per-entry timeouts without expiring entries that omit one.
func (s *IPSet) ensureSet(ctx context.Context) error {
	_, err := runCommand(ctx, s.useSudo, "ipset",
		"create", s.setName, "hash:net", "timeout", "0", "-exist")
	return err
}

// ensureRule wires the set into the INPUT chain once.
func (s *IPSet) ensureRule(ctx context.Context) error {
	if s.skipRule {
		return nil
	}
	checkArgs := []string{"-C", "INPUT", "-m", "set", "--match-set", s.setName, "src", "-j", "DROP"}
	if _, err := runCommand(ctx, s.useSudo, "iptables", checkArgs...); err == nil {
		return nil
	}
	insertArgs := []string{"-I", "INPUT", "-m", "set", "--match-set", s.setName, "src", "-j", "DROP"}
	_, err := runCommand(ctx, s.useSudo, "iptables", insertArgs...)
	return err
}
