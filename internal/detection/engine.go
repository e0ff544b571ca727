// Package detection turns the WAF event stream into ban decisions. The
// engine runs on the ingestor goroutines; counter state is sharded by client
// IP so concurrent tailers rarely contend.
package detection

import (
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/aegisproxy/aegis/backend/internal/logger"
	"github.com/aegisproxy/aegis/backend/internal/models"
)

const shardCount = 16

// nowFunc is swapped in tests to drive window eviction deterministically.
var nowFunc = time.Now

// Decision is an emitted ban: the merged outcome of every rule an event
// pushed over its threshold.
type Decision struct {
	IP              string
	Duration        time.Duration
	Severity        string
	Reason          string
	DetectionRuleID *uint
}

// BanSink applies decisions; the ban service implements it.
type BanSink interface {
	ApplyBan(d Decision) error
}

type windowKey struct {
	ruleID uint
	ip     string
}

// window is a per-(rule, ip) deque of hit timestamps, oldest first.
type window struct {
	keep  time.Duration
	times []time.Time
}

func (w *window) evictBefore(cutoff time.Time) {
	i := 0
	for i < len(w.times) && w.times[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

type shard struct {
	mu      sync.Mutex
	windows map[windowKey]*window
}

// Engine evaluates enabled detection rules against each ingested event.
// Rules and the whitelist are cached; call Reload after either changes.
type Engine struct {
	db   *gorm.DB
	sink BanSink
	log  *logrus.Entry

	rulesMu sync.RWMutex
	rules   []models.DetectionRule

	whitelist *Whitelist

	shards [shardCount]*shard
}

// NewEngine returns an engine with no rules loaded; call Reload before
// feeding events.
func NewEngine(db *gorm.DB, sink BanSink) *Engine {
	e := &Engine{
		db:        db,
		sink:      sink,
		log:       logger.WithComponent("detection"),
		whitelist: NewWhitelist(),
	}
	for i := range e.shards {
		e.shards[i] = &shard{windows: make(map[windowKey]*window)}
	}
	return e
}

// Reload refreshes the rule set and the whitelist from the store.
func (e *Engine) Reload() error {
	var rules []models.DetectionRule
	err := e.db.Where("enabled = ?", true).Order("priority DESC, id").Find(&rules).Error
	if err != nil {
		return fmt.Errorf("load detection rules: %w", err)
	}

	var entries []models.IPWhitelist
	if err := e.db.Find(&entries).Error; err != nil {
		return fmt.Errorf("load whitelist: %w", err)
	}
	skipped := e.whitelist.Replace(entries)
	if skipped > 0 {
		e.log.WithField("skipped", skipped).Warn("whitelist entries with unparseable addresses ignored")
	}

	e.rulesMu.Lock()
	e.rules = rules
	e.rulesMu.Unlock()

	e.log.WithFields(logrus.Fields{"rules": len(rules), "whitelist": len(entries)}).
		Debug("detection state reloaded")
	return nil
}

// Whitelisted reports whether the IP matches any whitelist entry.
func (e *Engine) Whitelisted(ip string) bool { return e.whitelist.Contains(ip) }

// ConsumeWAFEvent scores one event against every enabled rule, merging all
// rules that fire into a single decision. Implements the ingestor sink.
func (e *Engine) ConsumeWAFEvent(ev *models.WAFEvent) {
	if ev == nil || ev.ClientIP == "" {
		return
	}
	now := nowFunc()

	e.rulesMu.RLock()
	rules := e.rules
	e.rulesMu.RUnlock()

	var triggered []models.DetectionRule
	for i := range rules {
		r := &rules[i]
		if !ruleMatches(r, ev) {
			continue
		}
		if e.recordHit(r, ev.ClientIP, now) {
			triggered = append(triggered, *r)
		}
	}
	if len(triggered) == 0 {
		return
	}

	if e.Whitelisted(ev.ClientIP) {
		e.log.WithField("client_ip", ev.ClientIP).Debug("whitelisted ip crossed detection threshold")
		return
	}

	d := mergeDecision(ev.ClientIP, triggered)
	if err := e.sink.ApplyBan(d); err != nil {
		e.log.WithError(err).WithField("client_ip", d.IP).Warn("apply ban decision")
	}
}

// Sweep evicts stale window state. The scheduler runs this so IPs that went
// quiet do not pin memory until their next request.
func (e *Engine) Sweep() {
	now := nowFunc()
	for _, sh := range e.shards {
		sh.mu.Lock()
		for key, w := range sh.windows {
			w.evictBefore(now.Add(-w.keep))
			if len(w.times) == 0 {
				delete(sh.windows, key)
			}
		}
		sh.mu.Unlock()
	}
}

// recordHit appends the hit and reports whether the rule's threshold was
// reached. Reaching it clears the window so one burst emits one ban.
func (e *Engine) recordHit(r *models.DetectionRule, ip string, now time.Time) bool {
	if r.Threshold <= 0 || r.TimeWindowSeconds <= 0 {
		return false
	}
	sh := e.shards[shardFor(ip)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	key := windowKey{ruleID: r.ID, ip: ip}
	w := sh.windows[key]
	if w == nil {
		w = &window{}
		sh.windows[key] = w
	}
	w.keep = r.Window()
	w.evictBefore(now.Add(-w.keep))
	w.times = append(w.times, now)
	if len(w.times) >= r.Threshold {
		delete(sh.windows, key)
		return true
	}
	return false
}

func ruleMatches(r *models.DetectionRule, ev *models.WAFEvent) bool {
	if types := r.AttackTypeList(); len(types) > 0 {
		if !slices.Contains(types, strings.ToLower(ev.AttackType)) {
			return false
		}
	}
	if r.SeverityFilter != "" && r.SeverityFilter != models.SeverityFilterAll {
		if models.SeverityRank(ev.Severity) < models.SeverityRank(r.SeverityFilter) {
			return false
		}
	}
	if r.ProxyID != nil {
		if ev.ProxyID == nil || *ev.ProxyID != *r.ProxyID {
			return false
		}
	}
	return true
}

// mergeDecision folds simultaneously-triggered rules into one ban: highest
// ban severity wins, longest duration wins, reasons are joined. The rule id
// recorded is the one that supplied the winning severity.
func mergeDecision(ip string, triggered []models.DetectionRule) Decision {
	slices.SortFunc(triggered, func(a, b models.DetectionRule) int {
		if d := models.SeverityRank(b.BanSeverity) - models.SeverityRank(a.BanSeverity); d != 0 {
			return d
		}
		return int(a.ID) - int(b.ID)
	})

	lead := triggered[0]
	d := Decision{
		IP:              ip,
		Severity:        lead.BanSeverity,
		DetectionRuleID: &lead.ID,
	}
	reasons := make([]string, 0, len(triggered))
	for _, r := range triggered {
		if r.BanDuration() > d.Duration {
			d.Duration = r.BanDuration()
		}
		if !slices.Contains(reasons, r.Name) {
			reasons = append(reasons, r.Name)
		}
	}
	d.Reason = strings.Join(reasons, ", ")
	return d
}

func shardFor(ip string) int {
	h := fnv.New32a()
	h.Write([]byte(ip))
	return int(h.Sum32() % shardCount)
}
