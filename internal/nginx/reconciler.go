package nginx

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/aegisproxy/aegis/backend/internal/errdefs"
	"github.com/aegisproxy/aegis/backend/internal/logger"
	"github.com/aegisproxy/aegis/backend/internal/models"
)

// GlobalSecurityFilename is the aggregate security config regenerated
// whenever blacklist, user-agent or rate-limit rules change.
const GlobalSecurityFilename = "global_security.conf"

// ReloadQueuer is the slice of the ReloadManager the reconciler needs.
type ReloadQueuer interface {
	QueueReload() int64
}

// Reconciler materializes database state into nginx config files and queues
// reloads. All writes are atomic (temp file + rename) and every overwrite of
// an existing proxy config leaves a timestamped backup behind.
type Reconciler struct {
	db    *gorm.DB
	queue ReloadQueuer

	confDir    string
	modulesDir string
	profileDir string
}

// NewReconciler wires a reconciler over the Store and reload queue.
func NewReconciler(db *gorm.DB, queue ReloadQueuer, confDir, modulesDir, profileDir string) *Reconciler {
	return &Reconciler{
		db:         db,
		queue:      queue,
		confDir:    confDir,
		modulesDir: modulesDir,
		profileDir: profileDir,
	}
}

// Reconcile renders, writes and activates the config for one proxy, then
// queues a reload. On render or write failure the previous file is left
// intact, config_status becomes "error" and no reload is queued.
func (r *Reconciler) Reconcile(id uint) (int64, error) {
	content, p, err := r.renderForProxy(id)
	if err != nil {
		if p != nil {
			r.setStatus(p.ID, models.ConfigStatusError, err.Error())
		}
		return 0, err
	}

	if err := r.writeProxyConfig(p, content); err != nil {
		r.setStatus(p.ID, models.ConfigStatusError, err.Error())
		return 0, err
	}

	reloadID := r.queue.QueueReload()
	r.setStatus(p.ID, models.ConfigStatusActive, "")
	return reloadID, nil
}

// ReconcileNew is Reconcile with a compensating delete: a failure while
// materializing a just-created proxy removes any files it produced so a
// rolled-back row leaves no orphans on disk.
func (r *Reconciler) ReconcileNew(id uint) (int64, error) {
	reloadID, err := r.Reconcile(id)
	if err != nil {
		var p models.Proxy
		if dbErr := r.db.First(&p, id).Error; dbErr == nil && p.ConfigFilename != "" {
			r.RemoveConfig(p.ConfigFilename)
		}
		return 0, err
	}
	return reloadID, nil
}

// ReconcileMany renders and writes every listed proxy, then queues a single
// reload for the batch. Per-proxy failures are collected; proxies that
// rendered successfully are still activated.
func (r *Reconciler) ReconcileMany(ids []uint) (int64, map[uint]error) {
	errs := make(map[uint]error)
	wrote := false

	for _, id := range ids {
		content, p, err := r.renderForProxy(id)
		if err != nil {
			errs[id] = err
			if p != nil {
				r.setStatus(p.ID, models.ConfigStatusError, err.Error())
			}
			continue
		}
		if err := r.writeProxyConfig(p, content); err != nil {
			errs[id] = err
			r.setStatus(p.ID, models.ConfigStatusError, err.Error())
			continue
		}
		r.setStatus(p.ID, models.ConfigStatusActive, "")
		wrote = true
	}

	var reloadID int64
	if wrote {
		reloadID = r.queue.QueueReload()
	}
	return reloadID, errs
}

// SyncModule rewrites the standalone modules/<slug>.conf file and
// reconciles every proxy referencing the module. Per-proxy failures are
// recorded on the rows and logged, not returned.
func (r *Reconciler) SyncModule(id uint) (int64, error) {
	var mod models.Module
	if err := r.db.First(&mod, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("%w: module %d", errdefs.ErrNotFound, id)
		}
		return 0, fmt.Errorf("load module: %w", err)
	}

	path := filepath.Join(r.modulesDir, ModuleSlug(mod.Name)+".conf")
	if err := atomicWrite(path, []byte(RenderModuleFile(mod))); err != nil {
		return 0, fmt.Errorf("write module file: %w", err)
	}

	var proxyIDs []uint
	if err := r.db.Model(&models.ProxyModule{}).Where("module_id = ?", id).
		Distinct().Pluck("proxy_id", &proxyIDs).Error; err != nil {
		return 0, fmt.Errorf("list module proxies: %w", err)
	}
	if len(proxyIDs) == 0 {
		return 0, nil
	}

	reloadID, errs := r.ReconcileMany(proxyIDs)
	for pid, err := range errs {
		logger.WithComponent("reconciler").WithError(err).
			WithField("proxy_id", pid).WithField("module", mod.Name).
			Warn("module sync: proxy reconciliation failed")
	}
	return reloadID, nil
}

// SyncWAFProfile rewrites profile_{id}.conf and exclusions_profile_{id}.conf
// and reconciles every proxy attached to the profile.
func (r *Reconciler) SyncWAFProfile(id uint) (int64, error) {
	var profile models.WAFProfile
	if err := r.db.Preload("Exclusions").First(&profile, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("%w: waf profile %d", errdefs.ErrNotFound, id)
		}
		return 0, fmt.Errorf("load waf profile: %w", err)
	}

	if err := atomicWrite(filepath.Join(r.profileDir, ProfileFilename(profile.ID)),
		[]byte(RenderWAFProfile(profile))); err != nil {
		return 0, fmt.Errorf("write profile file: %w", err)
	}
	if err := atomicWrite(filepath.Join(r.profileDir, ExclusionsFilename(profile.ID)),
		[]byte(RenderWAFExclusions(profile, profile.Exclusions))); err != nil {
		return 0, fmt.Errorf("write exclusions file: %w", err)
	}

	var proxyIDs []uint
	if err := r.db.Model(&models.Proxy{}).Where("waf_profile_id = ?", id).
		Pluck("id", &proxyIDs).Error; err != nil {
		return 0, fmt.Errorf("list profile proxies: %w", err)
	}
	if len(proxyIDs) == 0 {
		return 0, nil
	}

	reloadID, errs := r.ReconcileMany(proxyIDs)
	for pid, err := range errs {
		logger.WithComponent("reconciler").WithError(err).
			WithField("proxy_id", pid).WithField("profile", profile.Name).
			Warn("waf profile sync: proxy reconciliation failed")
	}
	return reloadID, nil
}

// RemoveWAFProfileFiles deletes the materialized files for a profile.
// Callers must have detached or reconciled referencing proxies first.
func (r *Reconciler) RemoveWAFProfileFiles(id uint) {
	_ = removeFileFunc(filepath.Join(r.profileDir, ProfileFilename(id)))
	_ = removeFileFunc(filepath.Join(r.profileDir, ExclusionsFilename(id)))
}

// SyncGlobalSecurity regenerates global_security.conf from the security
// settings and queues a reload.
func (r *Reconciler) SyncGlobalSecurity() (int64, error) {
	content := RenderGlobalSecurity(r.globalSecurityInput())
	if err := atomicWrite(filepath.Join(r.confDir, GlobalSecurityFilename), []byte(content)); err != nil {
		return 0, fmt.Errorf("write global security config: %w", err)
	}
	return r.queue.QueueReload(), nil
}

// SetEnabled flips a proxy between <name>.conf and <name>.disabled with an
// atomic rename and queues a reload. Missing files mean the proxy was never
// reconciled; the rename is skipped and a full Reconcile is performed.
func (r *Reconciler) SetEnabled(id uint, enabled bool) (int64, error) {
	var p models.Proxy
	if err := r.db.First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("%w: proxy %d", errdefs.ErrNotFound, id)
		}
		return 0, fmt.Errorf("load proxy: %w", err)
	}
	if err := r.db.Model(&models.Proxy{}).Where("id = ?", id).Update("enabled", enabled).Error; err != nil {
		return 0, fmt.Errorf("update proxy: %w", err)
	}

	if p.ConfigFilename == "" {
		return r.Reconcile(id)
	}
	active := filepath.Join(r.confDir, p.ConfigFilename)
	disabled := disabledPath(active)

	var err error
	if enabled {
		err = renameFunc(disabled, active)
	} else {
		err = renameFunc(active, disabled)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return r.Reconcile(id)
		}
		return 0, fmt.Errorf("toggle proxy config: %w", err)
	}
	return r.queue.QueueReload(), nil
}

// RemoveConfig deletes a proxy's active and disabled config files. Backups
// are kept.
func (r *Reconciler) RemoveConfig(filename string) {
	active := filepath.Join(r.confDir, filename)
	_ = removeFileFunc(active)
	_ = removeFileFunc(disabledPath(active))
}

// renderForProxy performs steps 1-3: load, pick raw or structured content,
// substitute certificate paths. The proxy row is returned (when it loaded)
// so callers can record failures on it.
func (r *Reconciler) renderForProxy(id uint) (string, *models.Proxy, error) {
	var p models.Proxy
	if err := r.db.Preload("Certificate").Preload("WAFProfile").First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, fmt.Errorf("%w: proxy %d", errdefs.ErrNotFound, id)
		}
		return "", nil, fmt.Errorf("load proxy: %w", err)
	}

	if p.ConfigFilename == "" {
		p.ConfigFilename = ConfigFilename(p.ID, p.Name)
		if err := r.db.Model(&models.Proxy{}).Where("id = ?", p.ID).
			Update("config_filename", p.ConfigFilename).Error; err != nil {
			return "", &p, fmt.Errorf("store config filename: %w", err)
		}
	}

	// Custom-editor mode: the stored text is the whole file.
	if p.IsRaw() {
		content := p.AdvancedConfig
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		return content, &p, nil
	}

	var links []models.ProxyModule
	if err := r.db.Where("proxy_id = ?", p.ID).Order("id ASC").
		Preload("Module").Find(&links).Error; err != nil {
		return "", &p, fmt.Errorf("load proxy modules: %w", err)
	}
	modules := make([]models.Module, 0, len(links))
	for _, l := range links {
		modules = append(modules, l.Module)
	}

	content, err := RenderProxy(p, modules, p.WAFProfile, r.renderOptions(p.ID))
	if err != nil {
		return "", &p, err
	}

	if p.SSLEnabled {
		if p.Certificate != nil {
			content = SubstituteSSLPaths(content, p.Certificate.CertPath, p.Certificate.KeyPath)
		} else {
			// Emit with placeholders so nginx -t reports the problem instead
			// of silently serving without TLS.
			logger.WithComponent("reconciler").WithField("proxy_id", p.ID).
				Warn("ssl enabled but no certificate attached")
		}
	}
	return content, &p, nil
}

// writeProxyConfig performs steps 4-5: snapshot, atomic write, and removal
// of the counterpart enabled/disabled variant.
func (r *Reconciler) writeProxyConfig(p *models.Proxy, content string) error {
	active := filepath.Join(r.confDir, p.ConfigFilename)
	disabled := disabledPath(active)

	target, counterpart := active, disabled
	if !p.Enabled {
		target, counterpart = disabled, active
	}

	if prev, err := readFileFunc(target); err == nil {
		backup := fmt.Sprintf("%s.backup.%d", target, time.Now().UnixMilli())
		if err := writeFileFunc(backup, prev, 0644); err != nil {
			return fmt.Errorf("write backup: %w", err)
		}
	}

	if err := atomicWrite(target, []byte(content)); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	_ = removeFileFunc(counterpart)
	return nil
}

func (r *Reconciler) renderOptions(proxyID uint) RenderOptions {
	opts := RenderOptions{ProfileDir: r.profileDir}
	if r.settingBool(models.SettingSecurityUAFilterEnabled) {
		opts.UAFilter = true
	}
	if r.settingBool(models.SettingSecurityRateLimitEnabled) {
		if spec, ok := r.rateLimits()[proxyID]; ok {
			opts.RateLimit = &spec
		}
	}
	return opts
}

func (r *Reconciler) globalSecurityInput() GlobalSecurityInput {
	in := GlobalSecurityInput{RateLimits: map[uint]RateLimitSpec{}}
	if r.settingBool(models.SettingSecurityBlacklistEnabled) {
		in.BlockedIPs = splitRuleList(r.settingValue(models.SettingSecurityBlockedIPs))
	}
	if r.settingBool(models.SettingSecurityUAFilterEnabled) {
		in.BlockedAgents = splitRuleList(r.settingValue(models.SettingSecurityBlockedUserAgents))
	}
	if r.settingBool(models.SettingSecurityRateLimitEnabled) {
		in.RateLimits = r.rateLimits()
	}
	return in
}

func (r *Reconciler) settingValue(key string) string {
	var s models.Setting
	if err := r.db.Where("key = ?", key).First(&s).Error; err != nil {
		return ""
	}
	return s.Value
}

func (r *Reconciler) settingBool(key string) bool {
	return r.settingValue(key) == "true"
}

func (r *Reconciler) rateLimits() map[uint]RateLimitSpec {
	out := map[uint]RateLimitSpec{}
	raw := r.settingValue(models.SettingSecurityRateLimits)
	if raw == "" {
		return out
	}
	var parsed map[string]struct {
		RPS   int `json:"rps"`
		Burst int `json:"burst"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		logger.WithComponent("reconciler").WithError(err).Warn("malformed rate limit setting")
		return out
	}
	for idStr, v := range parsed {
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil || v.RPS <= 0 {
			continue
		}
		out[uint(id)] = RateLimitSpec{RPS: v.RPS, Burst: v.Burst}
	}
	return out
}

func (r *Reconciler) setStatus(proxyID uint, status, errMsg string) {
	updates := map[string]interface{}{"config_status": status, "config_error": errMsg}
	if err := r.db.Model(&models.Proxy{}).Where("id = ?", proxyID).Updates(updates).Error; err != nil {
		logger.WithComponent("reconciler").WithError(err).
			WithField("proxy_id", proxyID).Warn("update config status failed")
	}
}

func disabledPath(active string) string {
	return strings.TrimSuffix(active, ".conf") + ".disabled"
}

// atomicWrite writes through a temp file and rename so nginx never reads a
// half-written config.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := writeFileFunc(tmp, data, 0644); err != nil {
		return err
	}
	return renameFunc(tmp, path)
}

// splitRuleList accepts newline or comma separated entries.
func splitRuleList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == '\n' || r == ',' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
