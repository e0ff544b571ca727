// Package stats serves aggregate WAF and ban figures for dashboards. Results
// are cached per range in an expiring LRU; ingestion invalidates the cache so
// an attack in progress shows up on the next request.
package stats

import (
	"fmt"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/aegisproxy/aegis/backend/internal/errdefs"
	"github.com/aegisproxy/aegis/backend/internal/logger"
	"github.com/aegisproxy/aegis/backend/internal/models"
)

const (
	cacheSize = 32
	cacheTTL  = 30 * time.Second
	topLimit  = 10
)

// Supported overview ranges.
const (
	Range1h  = "1h"
	Range24h = "24h"
	Range7d  = "7d"
	Range30d = "30d"
)

// IPCount is one row of the top-attackers table.
type IPCount struct {
	ClientIP string `json:"client_ip"`
	Count    int64  `json:"count"`
}

// ProxyCount is one row of the most-attacked-proxies table.
type ProxyCount struct {
	ProxyID uint   `json:"proxy_id"`
	Name    string `json:"name"`
	Count   int64  `json:"count"`
}

// Snapshot is the aggregate view over one time range.
type Snapshot struct {
	Range         string           `json:"range"`
	Since         time.Time        `json:"since"`
	TotalEvents   int64            `json:"total_events"`
	BlockedEvents int64            `json:"blocked_events"`
	UniqueIPs     int64            `json:"unique_ips"`
	BySeverity    map[string]int64 `json:"by_severity"`
	ByAttackType  map[string]int64 `json:"by_attack_type"`
	TopClientIPs  []IPCount        `json:"top_client_ips"`
	TopProxies    []ProxyCount     `json:"top_proxies"`
	ActiveBans    int64            `json:"active_bans"`
	GeneratedAt   time.Time        `json:"generated_at"`
}

// Service computes and caches snapshots.
type Service struct {
	db    *gorm.DB
	log   *logrus.Entry
	cache *expirable.LRU[string, *Snapshot]
}

func NewService(db *gorm.DB) *Service {
	return &Service{
		db:    db,
		log:   logger.WithComponent("stats"),
		cache: expirable.NewLRU[string, *Snapshot](cacheSize, nil, cacheTTL),
	}
}

// Overview returns the snapshot for a range, computing it on a cache miss.
func (s *Service) Overview(rng string) (*Snapshot, error) {
	window, err := rangeWindow(rng)
	if err != nil {
		return nil, err
	}
	if snap, ok := s.cache.Get(rng); ok {
		return snap, nil
	}
	snap, err := s.compute(rng, window)
	if err != nil {
		return nil, err
	}
	s.cache.Add(rng, snap)
	return snap, nil
}

// Invalidate drops every cached snapshot.
func (s *Service) Invalidate() {
	if s.cache.Len() > 0 {
		s.cache.Purge()
	}
}

// ConsumeWAFEvent satisfies the ingestor sink interface: a new event makes
// every cached snapshot stale.
func (s *Service) ConsumeWAFEvent(*models.WAFEvent) { s.Invalidate() }

// Refresh precomputes the dashboard ranges; the scheduler runs this so the
// first request after a quiet period does not pay the query cost.
func (s *Service) Refresh() {
	for _, rng := range []string{Range1h, Range24h} {
		if _, err := s.Overview(rng); err != nil {
			s.log.WithError(err).WithField("range", rng).Warn("refresh stats snapshot")
		}
	}
}

func rangeWindow(rng string) (time.Duration, error) {
	switch rng {
	case Range1h:
		return time.Hour, nil
	case Range24h:
		return 24 * time.Hour, nil
	case Range7d:
		return 7 * 24 * time.Hour, nil
	case Range30d:
		return 30 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown stats range %q: %w", rng, errdefs.ErrInvalidInput)
	}
}

func (s *Service) compute(rng string, window time.Duration) (*Snapshot, error) {
	now := time.Now()
	since := now.Add(-window)
	snap := &Snapshot{
		Range:        rng,
		Since:        since,
		BySeverity:   make(map[string]int64),
		ByAttackType: make(map[string]int64),
		GeneratedAt:  now,
	}

	scoped := func() *gorm.DB {
		return s.db.Model(&models.WAFEvent{}).Where("timestamp >= ?", since)
	}

	if err := scoped().Count(&snap.TotalEvents).Error; err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	if err := scoped().Where("blocked = ?", true).Count(&snap.BlockedEvents).Error; err != nil {
		return nil, fmt.Errorf("count blocked events: %w", err)
	}
	if err := scoped().Distinct("client_ip").Count(&snap.UniqueIPs).Error; err != nil {
		return nil, fmt.Errorf("count unique ips: %w", err)
	}

	var sevRows []struct {
		Severity string
		Count    int64
	}
	err := scoped().Select("severity, COUNT(*) AS count").Group("severity").Scan(&sevRows).Error
	if err != nil {
		return nil, fmt.Errorf("group by severity: %w", err)
	}
	for _, row := range sevRows {
		snap.BySeverity[row.Severity] = row.Count
	}

	var typeRows []struct {
		AttackType string
		Count      int64
	}
	err = scoped().Select("attack_type, COUNT(*) AS count").Group("attack_type").Scan(&typeRows).Error
	if err != nil {
		return nil, fmt.Errorf("group by attack type: %w", err)
	}
	for _, row := range typeRows {
		snap.ByAttackType[row.AttackType] = row.Count
	}

	err = scoped().Select("client_ip, COUNT(*) AS count").
		Group("client_ip").Order("count DESC").Limit(topLimit).
		Scan(&snap.TopClientIPs).Error
	if err != nil {
		return nil, fmt.Errorf("top client ips: %w", err)
	}

	if err := s.topProxies(since, snap); err != nil {
		return nil, err
	}

	err = s.db.Model(&models.IPBan{}).
		Where("unbanned_at IS NULL AND (expires_at IS NULL OR expires_at > ?)", now).
		Count(&snap.ActiveBans).Error
	if err != nil {
		return nil, fmt.Errorf("count active bans: %w", err)
	}

	return snap, nil
}

func (s *Service) topProxies(since time.Time, snap *Snapshot) error {
	var rows []struct {
		ProxyID uint
		Count   int64
	}
	err := s.db.Model(&models.WAFEvent{}).
		Select("proxy_id, COUNT(*) AS count").
		Where("timestamp >= ? AND proxy_id IS NOT NULL", since).
		Group("proxy_id").Order("count DESC").Limit(topLimit).
		Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("top proxies: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	ids := make([]uint, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ProxyID)
	}
	names := make(map[uint]string, len(ids))
	var proxies []models.Proxy
	if err := s.db.Select("id, name").Where("id IN ?", ids).Find(&proxies).Error; err != nil {
		return fmt.Errorf("load proxy names: %w", err)
	}
	for _, p := range proxies {
		names[p.ID] = p.Name
	}

	for _, row := range rows {
		snap.TopProxies = append(snap.TopProxies, ProxyCount{
			ProxyID: row.ProxyID,
			Name:    names[row.ProxyID],
			Count:   row.Count,
		})
	}
	return nil
}
