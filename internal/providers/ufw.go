package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/aegisproxy/aegis/backend/internal/errdefs"
)

// ufwComment tags the rules this daemon manages so ListBans does not report
// rules the operator added by hand.
const ufwComment = "aegis-ban"

type ufwConfig struct {
	UseSudo bool `json:"use_sudo"`
}

// UFW inserts deny-from rules at the top of the ruleset. UFW has no rule
// expiry; the sweep lifts expired bans explicitly.
type UFW struct {
	useSudo bool
}

func NewUFW(cfg Config) (Provider, error) {
	var uc ufwConfig
	if len(cfg.Settings) > 0 {
		if err := json.Unmarshal(cfg.Settings, &uc); err != nil {
			return nil, fmt.Errorf("parse ufw config: %w", errdefs.ErrInvalidInput)
		}
	}
	return &UFW{useSudo: uc.UseSudo}, nil
}

func (u *UFW) Type() string { return "ufw" }

func (u *UFW) Capabilities() Capabilities {
	return Capabilities{SupportsBatch: false, SupportsExpiry: false, SupportsSync: true}
}

// TestConnection verifies ufw answers and is active.
func (u *UFW) TestConnection(ctx context.Context) error {
	out, err := runCommand(ctx, u.useSudo, "ufw", "status")
	if err != nil {
		return err
	}
	if !strings.Contains(out, "Status: active") {
		return fmt.Errorf("ufw is installed but inactive: %w", errdefs.ErrExternalFailure)
	}
	return nil
}

func (u *UFW) BanIP(ctx context.Context, req BanRequest) (BanResult, error) {
	if err := vetIP(req.IP); err != nil {
		return BanResult{}, err
	}
	// Insert ahead of allow rules so the ban wins.
	_, err := runCommand(ctx, u.useSudo, "ufw",
		"insert", "1", "deny", "from", req.IP, "to", "any", "comment", ufwComment)
	if err != nil {
		// Inserting at position 1 fails on an empty ruleset; append instead.
		if !strings.Contains(err.Error(), "Invalid position") {
			return BanResult{}, err
		}
		_, err = runCommand(ctx, u.useSudo, "ufw",
			"deny", "from", req.IP, "to", "any", "comment", ufwComment)
		if err != nil {
			return BanResult{}, err
		}
	}
	return BanResult{IP: req.IP, BanID: req.IP}, nil
}

func (u *UFW) UnbanIP(ctx context.Context, ip, _ string) error {
	if err := vetIP(ip); err != nil {
		return err
	}
	_, err := runCommand(ctx, u.useSudo, "ufw",
		"--force", "delete", "deny", "from", ip, "to", "any")
	if err != nil && strings.Contains(err.Error(), "Could not delete non-existent rule") {
		return nil
	}
	return err
}

func (u *UFW) ListBans(ctx context.Context) ([]RemoteBan, error) {
	out, err := runCommand(ctx, u.useSudo, "ufw", "status")
	if err != nil {
		return nil, err
	}

	// Rule lines look like: "Anywhere   DENY   203.0.113.9   # aegis-ban".
	var bans []RemoteBan
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "DENY") || !strings.Contains(line, ufwComment) {
			continue
		}
		for _, field := range strings.Fields(line) {
			if net.ParseIP(field) == nil {
				if _, _, err := net.ParseCIDR(field); err != nil {
					continue
				}
			}
			bans = append(bans, RemoteBan{IP: field, BanID: field})
			break
		}
	}
	return bans, nil
}
