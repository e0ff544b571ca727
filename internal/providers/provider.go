// Package providers holds the firewall backends that enforce IP bans: a
// UniFi HTTP client and the firewalld, ufw and ipset shell wrappers. Every
// backend validates addresses before any request or child process and all
// shell commands are argv arrays; nothing here touches a shell.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aegisproxy/aegis/backend/internal/errdefs"
	"github.com/aegisproxy/aegis/backend/internal/util"
	"github.com/aegisproxy/aegis/backend/internal/validator"
)

// commandTimeout bounds every firewall child process and HTTP exchange.
const commandTimeout = 30 * time.Second

// execCommandContext is swapped in tests to keep firewall binaries out of CI.
var execCommandContext = exec.CommandContext

// Capabilities advertises what a backend can do; the queue and sync workers
// branch on these.
type Capabilities struct {
	SupportsBatch  bool `json:"supports_batch"`
	SupportsExpiry bool `json:"supports_expiry"`
	SupportsSync   bool `json:"supports_sync"`
}

// BanRequest is one address to block. A zero Duration means no expiry is
// pushed to the provider; the expiry sweep lifts the ban later.
type BanRequest struct {
	IP       string
	Reason   string
	Duration time.Duration
}

// BanResult reports a successful ban. BanID is the provider-side handle
// needed to lift it; membership-style providers use the address itself.
type BanResult struct {
	IP    string
	BanID string
}

// RemoteBan is one entry of a provider's current ban list.
type RemoteBan struct {
	IP       string
	BanID    string
	BannedAt time.Time
}

// Provider is a firewall endpoint capable of enforcing bans.
type Provider interface {
	Type() string
	Capabilities() Capabilities
	TestConnection(ctx context.Context) error
	BanIP(ctx context.Context, req BanRequest) (BanResult, error)
	UnbanIP(ctx context.Context, ip, banID string) error
	ListBans(ctx context.Context) ([]RemoteBan, error)
}

// BatchProvider is the optional bulk interface; the queue upgrades to it
// when Capabilities reports batch support.
type BatchProvider interface {
	Provider
	BatchBan(ctx context.Context, reqs []BanRequest) ([]BanResult, error)
	BatchUnban(ctx context.Context, ips []string) (int, error)
}

// Config carries an integration's parsed settings and its decrypted
// credential payload into a factory.
type Config struct {
	Settings    json.RawMessage
	Credentials map[string]string
}

// Factory builds a configured provider instance.
type Factory func(cfg Config) (Provider, error)

// Registry maps integration type tags to factories. Registration happens at
// startup; lookups are concurrent.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a type tag. Re-registering a tag replaces the factory.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	r.factories[typ] = f
	r.mu.Unlock()
}

// Provider instantiates the backend for an integration type.
func (r *Registry) Provider(typ string, cfg Config) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown integration type %q: %w", typ, errdefs.ErrNotFound)
	}
	return f(cfg)
}

// Types lists the registered type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// DefaultRegistry wires every built-in backend. "iptables" is an alias kept
// for integrations imported from older releases.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("unifi", NewUniFi)
	r.Register("firewalld", NewFirewalld)
	r.Register("ufw", NewUFW)
	r.Register("ipset", NewIPSet)
	r.Register("iptables", NewIPSet)
	return r
}

// vetIP rejects anything that is not a plain address or CIDR before a
// request is built or a process spawned.
func vetIP(ip string) error {
	return validator.ShellSafeIP(ip)
}

// vetAll validates a batch up front; one bad address rejects the batch
// before any side effect.
func vetAll(ips []string) error {
	for _, ip := range ips {
		if err := vetIP(ip); err != nil {
			return err
		}
	}
	return nil
}

// runCommand executes one firewall command with a bounded context and
// returns its combined output. sudo is prepended when requested.
func runCommand(ctx context.Context, useSudo bool, name string, args ...string) (string, error) {
	if useSudo {
		args = append([]string{"-n", name}, args...)
		name = "sudo"
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := execCommandContext(ctx, name, args...).CombinedOutput()
	output := strings.TrimSpace(string(out))
	if ctx.Err() == context.DeadlineExceeded {
		return output, fmt.Errorf("%s timed out: %w", name, errdefs.ErrTransientFailure)
	}
	if err != nil {
		return output, fmt.Errorf("%s: %s: %w", name, util.Truncate(output, 300), errdefs.ErrExternalFailure)
	}
	return output, nil
}

// runCommandStdin is runCommand with a payload piped to the child's stdin,
// used for ipset restore batches.
func runCommandStdin(ctx context.Context, useSudo bool, stdin, name string, args ...string) (string, error) {
	if useSudo {
		args = append([]string{"-n", name}, args...)
		name = "sudo"
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := execCommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(stdin)
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if ctx.Err() == context.DeadlineExceeded {
		return output, fmt.Errorf("%s timed out: %w", name, errdefs.ErrTransientFailure)
	}
	if err != nil {
		return output, fmt.Errorf("%s: %s: %w", name, util.Truncate(output, 300), errdefs.ErrExternalFailure)
	}
	return output, nil
}
