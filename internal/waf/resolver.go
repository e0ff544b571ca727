package waf

import (
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/aegisproxy/aegis/backend/internal/logger"
	"github.com/aegisproxy/aegis/backend/internal/models"
)

// resolverTTL bounds how stale the domain index may get before a lookup
// forces a rebuild. Proxy mutations call Invalidate to skip the wait.
const resolverTTL = 30 * time.Second

// ProxyResolver maps request Host headers to proxy ids through a cached
// index over Proxy.domain_names, wildcards included. Lookups are hot path
// (one per ingested event), so the index is rebuilt at most once per TTL.
type ProxyResolver struct {
	db  *gorm.DB
	ttl time.Duration

	mu       sync.RWMutex
	builtAt  time.Time
	exact    map[string]uint
	wildcard map[string]uint // "*.example.com" keyed by ".example.com"
}

// NewProxyResolver returns a resolver with an empty index; the first Resolve
// builds it.
func NewProxyResolver(db *gorm.DB) *ProxyResolver {
	return &ProxyResolver{db: db, ttl: resolverTTL}
}

// Resolve returns the proxy id owning the host, or nil when no domain
// matches. Exact names win over wildcards; among wildcards the longest
// suffix wins.
func (r *ProxyResolver) Resolve(host string) *uint {
	host = normalizeHost(host)
	if host == "" {
		return nil
	}

	r.mu.RLock()
	stale := time.Since(r.builtAt) > r.ttl || r.exact == nil
	r.mu.RUnlock()
	if stale {
		r.rebuild()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.exact[host]; ok {
		return &id
	}
	var best string
	var bestID uint
	for suffix, id := range r.wildcard {
		if len(host) > len(suffix) && strings.HasSuffix(host, suffix) && len(suffix) > len(best) {
			best, bestID = suffix, id
		}
	}
	if best != "" {
		return &bestID
	}
	return nil
}

// Invalidate marks the index stale; the next Resolve rebuilds it. Call after
// proxy create/update/delete.
func (r *ProxyResolver) Invalidate() {
	r.mu.Lock()
	r.builtAt = time.Time{}
	r.mu.Unlock()
}

// rebuild loads every proxy's domain list. Lower proxy ids win duplicate
// claims so attribution is deterministic.
func (r *ProxyResolver) rebuild() {
	var proxies []models.Proxy
	if err := r.db.Order("id").Find(&proxies).Error; err != nil {
		logger.WithComponent("waf").WithError(err).Warn("rebuild domain index")
		return
	}

	exact := make(map[string]uint)
	wildcard := make(map[string]uint)
	for _, p := range proxies {
		for _, d := range p.DomainList() {
			if rest, ok := strings.CutPrefix(d, "*."); ok {
				suffix := "." + rest
				if _, dup := wildcard[suffix]; !dup {
					wildcard[suffix] = p.ID
				}
				continue
			}
			if _, dup := exact[d]; !dup {
				exact[d] = p.ID
			}
		}
	}

	r.mu.Lock()
	r.exact = exact
	r.wildcard = wildcard
	r.builtAt = time.Now()
	r.mu.Unlock()
}
