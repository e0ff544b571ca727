package providers

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/aegisproxy/aegis/backend/internal/errdefs"
)

const defaultUniFiGroup = "aegis-banned-ips"

type unifiConfig struct {
	BaseURL            string `json:"base_url"`
	Site               string `json:"site"`
	GroupName          string `json:"group_name"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify"`
}

// UniFi enforces bans through the Network application's firewall
// address-group API: banned addresses are members of one group referenced by
// a drop rule provisioned on the gateway. Bans have no provider-side expiry;
// the sweep lifts them.
type UniFi struct {
	baseURL string
	site    string
	group   string
	apiKey  string
	client  *http.Client
}

// NewUniFi builds the client. The API key ships in the integration's
// credential payload under "api_key"; controllers with self-signed
// certificates set insecure_skip_verify.
func NewUniFi(cfg Config) (Provider, error) {
	var uc unifiConfig
	if len(cfg.Settings) > 0 {
		if err := json.Unmarshal(cfg.Settings, &uc); err != nil {
			return nil, fmt.Errorf("parse unifi config: %w", errdefs.ErrInvalidInput)
		}
	}
	if uc.BaseURL == "" {
		return nil, fmt.Errorf("unifi base_url is required: %w", errdefs.ErrInvalidInput)
	}
	apiKey := cfg.Credentials["api_key"]
	if apiKey == "" {
		return nil, fmt.Errorf("unifi api_key credential is required: %w", errdefs.ErrInvalidInput)
	}
	if uc.Site == "" {
		uc.Site = "default"
	}
	if uc.GroupName == "" {
		uc.GroupName = defaultUniFiGroup
	}

	client := &http.Client{Timeout: commandTimeout}
	if uc.InsecureSkipVerify {
		client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	return &UniFi{
		baseURL: strings.TrimRight(uc.BaseURL, "/"),
		site:    uc.Site,
		group:   uc.GroupName,
		apiKey:  apiKey,
		client:  client,
	}, nil
}

func (u *UniFi) Type() string { return "unifi" }

func (u *UniFi) Capabilities() Capabilities {
	return Capabilities{SupportsBatch: true, SupportsExpiry: false, SupportsSync: true}
}

type firewallGroup struct {
	ID      string   `json:"_id,omitempty"`
	Name    string   `json:"name"`
	Type    string   `json:"group_type"`
	Members []string `json:"group_members"`
}

type groupResponse struct {
	Data []firewallGroup `json:"data"`
}

func (u *UniFi) groupPath() string {
	return "/proxy/network/api/s/" + u.site + "/rest/firewallgroup"
}

// TestConnection lists firewall groups; any authenticated 2xx passes.
func (u *UniFi) TestConnection(ctx context.Context) error {
	var out groupResponse
	return u.do(ctx, http.MethodGet, u.groupPath(), nil, &out)
}

func (u *UniFi) BanIP(ctx context.Context, req BanRequest) (BanResult, error) {
	if err := vetIP(req.IP); err != nil {
		return BanResult{}, err
	}
	g, err := u.fetchOrCreateGroup(ctx)
	if err != nil {
		return BanResult{}, err
	}
	if !slices.Contains(g.Members, req.IP) {
		g.Members = append(g.Members, req.IP)
		if err := u.putGroup(ctx, g); err != nil {
			return BanResult{}, err
		}
	}
	return BanResult{IP: req.IP, BanID: req.IP}, nil
}

func (u *UniFi) UnbanIP(ctx context.Context, ip, _ string) error {
	if err := vetIP(ip); err != nil {
		return err
	}
	g, err := u.fetchGroup(ctx)
	if err != nil || g == nil {
		return err
	}
	idx := slices.Index(g.Members, ip)
	if idx < 0 {
		return nil
	}
	g.Members = slices.Delete(g.Members, idx, idx+1)
	return u.putGroup(ctx, g)
}

func (u *UniFi) ListBans(ctx context.Context) ([]RemoteBan, error) {
	g, err := u.fetchGroup(ctx)
	if err != nil || g == nil {
		return nil, err
	}
	bans := make([]RemoteBan, 0, len(g.Members))
	for _, m := range g.Members {
		bans = append(bans, RemoteBan{IP: m, BanID: m})
	}
	return bans, nil
}

// BatchBan folds the whole batch into a single group update.
func (u *UniFi) BatchBan(ctx context.Context, reqs []BanRequest) ([]BanResult, error) {
	ips := make([]string, 0, len(reqs))
	for _, r := range reqs {
		ips = append(ips, r.IP)
	}
	if err := vetAll(ips); err != nil {
		return nil, err
	}
	g, err := u.fetchOrCreateGroup(ctx)
	if err != nil {
		return nil, err
	}
	changed := false
	for _, ip := range ips {
		if !slices.Contains(g.Members, ip) {
			g.Members = append(g.Members, ip)
			changed = true
		}
	}
	if changed {
		if err := u.putGroup(ctx, g); err != nil {
			return nil, err
		}
	}
	results := make([]BanResult, 0, len(ips))
	for _, ip := range ips {
		results = append(results, BanResult{IP: ip, BanID: ip})
	}
	return results, nil
}

func (u *UniFi) BatchUnban(ctx context.Context, ips []string) (int, error) {
	if err := vetAll(ips); err != nil {
		return 0, err
	}
	g, err := u.fetchGroup(ctx)
	if err != nil || g == nil {
		return 0, err
	}
	removed := 0
	kept := g.Members[:0]
	for _, m := range g.Members {
		if slices.Contains(ips, m) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	if removed == 0 {
		return 0, nil
	}
	g.Members = kept
	if err := u.putGroup(ctx, g); err != nil {
		return 0, err
	}
	return removed, nil
}

// fetchGroup returns the ban group, or nil when it does not exist yet.
func (u *UniFi) fetchGroup(ctx context.Context) (*firewallGroup, error) {
	var out groupResponse
	if err := u.do(ctx, http.MethodGet, u.groupPath(), nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Data {
		if out.Data[i].Name == u.group {
			return &out.Data[i], nil
		}
	}
	return nil, nil
}

func (u *UniFi) fetchOrCreateGroup(ctx context.Context) (*firewallGroup, error) {
	g, err := u.fetchGroup(ctx)
	if err != nil || g != nil {
		return g, err
	}
	create := firewallGroup{Name: u.group, Type: "address-group", Members: []string{}}
	var out groupResponse
	if err := u.do(ctx, http.MethodPost, u.groupPath(), create, &out); err != nil {
		return nil, err
	}
	if len(out.Data) > 0 {
		return &out.Data[0], nil
	}
	return u.fetchGroup(ctx)
}

func (u *UniFi) putGroup(ctx context.Context, g *firewallGroup) error {
	return u.do(ctx, http.MethodPut, u.groupPath()+"/"+g.ID, g, nil)
}

func (u *UniFi) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode unifi request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build unifi request: %w", err)
	}
	req.Header.Set("X-API-KEY", u.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("unifi request: %v: %w", err, errdefs.ErrExternalFailure)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return fmt.Errorf("unifi %s %s: status %d: %s: %w",
			method, path, resp.StatusCode, strings.TrimSpace(string(snippet)), errdefs.ErrExternalFailure)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode unifi response: %w", err)
		}
	}
	return nil
}
