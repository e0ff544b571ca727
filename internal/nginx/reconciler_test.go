package nginx

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/aegisproxy/aegis/backend/internal/errdefs"
	"github.com/aegisproxy/aegis/backend/internal/models"
)

type fakeQueue struct {
	calls int
}

func (f *fakeQueue) QueueReload() int64 {
	f.calls++
	return int64(f.calls)
}

func reconcilerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	// Release the shared in-memory database so repeated runs start clean.
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	require.NoError(t, db.AutoMigrate(
		&models.Proxy{}, &models.Module{}, &models.ProxyModule{},
		&models.Certificate{}, &models.WAFProfile{}, &models.WAFExclusion{},
		&models.Setting{},
	))
	return db
}

func newTestReconciler(t *testing.T, db *gorm.DB) (*Reconciler, *fakeQueue, string) {
	t.Helper()
	dir := t.TempDir()
	modulesDir := filepath.Join(dir, "modules")
	profileDir := filepath.Join(dir, "modsec")
	require.NoError(t, os.MkdirAll(modulesDir, 0755))
	require.NoError(t, os.MkdirAll(profileDir, 0755))

	q := &fakeQueue{}
	return NewReconciler(db, q, dir, modulesDir, profileDir), q, dir
}

func TestReconcileWritesConfigAndQueuesReload(t *testing.T) {
	db := reconcilerTestDB(t)
	r, q, dir := newTestReconciler(t, db)

	mod := models.Module{Name: "Real IP", Level: models.ModuleLevelServer, Content: "real_ip_header X-Forwarded-For;"}
	require.NoError(t, db.Create(&mod).Error)

	p := models.Proxy{
		Name:          "app",
		Type:          models.ProxyTypeReverse,
		Enabled:       true,
		DomainNames:   "app.example.com",
		ForwardScheme: "http",
		ForwardHost:   "10.0.0.5",
		ForwardPort:   3000,
	}
	require.NoError(t, db.Create(&p).Error)
	require.NoError(t, db.Create(&models.ProxyModule{ProxyID: p.ID, ModuleID: mod.ID}).Error)

	reloadID, err := r.Reconcile(p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reloadID)
	assert.Equal(t, 1, q.calls)

	var got models.Proxy
	require.NoError(t, db.First(&got, p.ID).Error)
	assert.Equal(t, fmt.Sprintf("%d-app.conf", p.ID), got.ConfigFilename)
	assert.Equal(t, models.ConfigStatusActive, got.ConfigStatus)
	assert.Empty(t, got.ConfigError)

	data, err := os.ReadFile(filepath.Join(dir, got.ConfigFilename))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "listen 80;")
	assert.Contains(t, content, "server_name app.example.com;")
	assert.Contains(t, content, "proxy_pass http://10.0.0.5:3000;")
	assert.Contains(t, content, "real_ip_header X-Forwarded-For;")
}

func TestReconcileSubstitutesCertificatePaths(t *testing.T) {
	db := reconcilerTestDB(t)
	r, _, dir := newTestReconciler(t, db)

	cert := models.Certificate{
		Name:     "app-cert",
		CertPath: "/ssl/app/fullchain.pem",
		KeyPath:  "/ssl/app/privkey.pem",
	}
	require.NoError(t, db.Create(&cert).Error)

	p := models.Proxy{
		Name:          "secure",
		Type:          models.ProxyTypeReverse,
		Enabled:       true,
		DomainNames:   "secure.example.com",
		ForwardScheme: "http",
		ForwardHost:   "10.0.0.6",
		ForwardPort:   8080,
		SSLEnabled:    true,
		CertificateID: &cert.ID,
	}
	require.NoError(t, db.Create(&p).Error)

	_, err := r.Reconcile(p.ID)
	require.NoError(t, err)

	var got models.Proxy
	require.NoError(t, db.First(&got, p.ID).Error)
	data, err := os.ReadFile(filepath.Join(dir, got.ConfigFilename))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "ssl_certificate /ssl/app/fullchain.pem;")
	assert.Contains(t, content, "ssl_certificate_key /ssl/app/privkey.pem;")
	assert.NotContains(t, content, "{{SSL_CERT_PATH}}")
}

func TestReconcileSSLWithoutCertKeepsPlaceholders(t *testing.T) {
	db := reconcilerTestDB(t)
	r, _, dir := newTestReconciler(t, db)

	p := models.Proxy{
		Name:        "nocert",
		Type:        models.ProxyTypeReverse,
		Enabled:     true,
		DomainNames: "nocert.example.com",
		ForwardHost: "10.0.0.7",
		ForwardPort: 80,
		SSLEnabled:  true,
	}
	require.NoError(t, db.Create(&p).Error)

	// Still written so nginx -t reports the problem.
	_, err := r.Reconcile(p.ID)
	require.NoError(t, err)

	var got models.Proxy
	require.NoError(t, db.First(&got, p.ID).Error)
	data, err := os.ReadFile(filepath.Join(dir, got.ConfigFilename))
	require.NoError(t, err)
	assert.Contains(t, string(data), "{{SSL_CERT_PATH}}")
}

func TestReconcileRawMode(t *testing.T) {
	db := reconcilerTestDB(t)
	r, _, dir := newTestReconciler(t, db)

	raw := "server {\n    listen 9999;\n    return 200;\n}"
	p := models.Proxy{
		Name:           "handwritten",
		Type:           models.ProxyTypeReverse,
		Enabled:        true,
		DomainNames:    "N/A",
		AdvancedConfig: raw,
	}
	require.NoError(t, db.Create(&p).Error)

	_, err := r.Reconcile(p.ID)
	require.NoError(t, err)

	var got models.Proxy
	require.NoError(t, db.First(&got, p.ID).Error)
	data, err := os.ReadFile(filepath.Join(dir, got.ConfigFilename))
	require.NoError(t, err)
	assert.Equal(t, raw+"\n", string(data))
}

func TestReconcileNotFound(t *testing.T) {
	db := reconcilerTestDB(t)
	r, q, _ := newTestReconciler(t, db)

	_, err := r.Reconcile(9999)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.Zero(t, q.calls)
}

func TestReconcileBacksUpExistingFile(t *testing.T) {
	db := reconcilerTestDB(t)
	r, _, dir := newTestReconciler(t, db)

	p := models.Proxy{
		Name:        "app",
		Type:        models.ProxyTypeReverse,
		Enabled:     true,
		DomainNames: "app.example.com",
		ForwardHost: "10.0.0.5",
		ForwardPort: 3000,
	}
	require.NoError(t, db.Create(&p).Error)

	_, err := r.Reconcile(p.ID)
	require.NoError(t, err)
	_, err = r.Reconcile(p.ID)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	backups := 0
	for _, e := range entries {
		if strings.Contains(e.Name(), ".backup.") {
			backups++
		}
	}
	assert.GreaterOrEqual(t, backups, 1)
}

func TestReconcileWriteFailureSetsErrorStatusAndNoReload(t *testing.T) {
	db := reconcilerTestDB(t)
	r, q, _ := newTestReconciler(t, db)

	p := models.Proxy{
		Name:        "app",
		Type:        models.ProxyTypeReverse,
		Enabled:     true,
		DomainNames: "app.example.com",
		ForwardHost: "10.0.0.5",
		ForwardPort: 3000,
	}
	require.NoError(t, db.Create(&p).Error)

	orig := writeFileFunc
	writeFileFunc = func(name string, data []byte, perm os.FileMode) error {
		return fmt.Errorf("disk full")
	}
	defer func() { writeFileFunc = orig }()

	_, err := r.Reconcile(p.ID)
	require.Error(t, err)
	assert.Zero(t, q.calls, "no reload queued after a failed write")

	var got models.Proxy
	require.NoError(t, db.First(&got, p.ID).Error)
	assert.Equal(t, models.ConfigStatusError, got.ConfigStatus)
	assert.Contains(t, got.ConfigError, "disk full")
}

func TestReconcileDisabledProxyWritesDisabledFile(t *testing.T) {
	db := reconcilerTestDB(t)
	r, _, dir := newTestReconciler(t, db)

	p := models.Proxy{
		Name:        "paused",
		Type:        models.ProxyTypeReverse,
		Enabled:     false,
		DomainNames: "paused.example.com",
		ForwardHost: "10.0.0.5",
		ForwardPort: 3000,
	}
	require.NoError(t, db.Create(&p).Error)

	_, err := r.Reconcile(p.ID)
	require.NoError(t, err)

	var got models.Proxy
	require.NoError(t, db.First(&got, p.ID).Error)
	base := strings.TrimSuffix(got.ConfigFilename, ".conf")
	_, err = os.Stat(filepath.Join(dir, base+".disabled"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, got.ConfigFilename))
	assert.True(t, os.IsNotExist(err), "active file must not exist for a disabled proxy")
}

func TestSetEnabledRenames(t *testing.T) {
	db := reconcilerTestDB(t)
	r, q, dir := newTestReconciler(t, db)

	p := models.Proxy{
		Name:        "toggle",
		Type:        models.ProxyTypeReverse,
		Enabled:     true,
		DomainNames: "toggle.example.com",
		ForwardHost: "10.0.0.5",
		ForwardPort: 3000,
	}
	require.NoError(t, db.Create(&p).Error)
	_, err := r.Reconcile(p.ID)
	require.NoError(t, err)

	var got models.Proxy
	require.NoError(t, db.First(&got, p.ID).Error)
	active := filepath.Join(dir, got.ConfigFilename)
	disabled := strings.TrimSuffix(active, ".conf") + ".disabled"

	_, err = r.SetEnabled(p.ID, false)
	require.NoError(t, err)
	_, statErr := os.Stat(disabled)
	assert.NoError(t, statErr)
	_, statErr = os.Stat(active)
	assert.True(t, os.IsNotExist(statErr))

	_, err = r.SetEnabled(p.ID, true)
	require.NoError(t, err)
	_, statErr = os.Stat(active)
	assert.NoError(t, statErr)

	assert.GreaterOrEqual(t, q.calls, 3)
}

func TestReconcileManySingleReload(t *testing.T) {
	db := reconcilerTestDB(t)
	r, q, _ := newTestReconciler(t, db)

	var ids []uint
	for i := 0; i < 3; i++ {
		p := models.Proxy{
			Name:        fmt.Sprintf("bulk-%d", i),
			Type:        models.ProxyTypeReverse,
			Enabled:     true,
			DomainNames: fmt.Sprintf("bulk%d.example.com", i),
			ForwardHost: "10.0.0.5",
			ForwardPort: 3000,
		}
		require.NoError(t, db.Create(&p).Error)
		ids = append(ids, p.ID)
	}

	reloadID, errs := r.ReconcileMany(ids)
	assert.Empty(t, errs)
	assert.Equal(t, int64(1), reloadID)
	assert.Equal(t, 1, q.calls, "bulk reconciliation queues exactly one reload")
}

func TestReconcileManyPartialFailure(t *testing.T) {
	db := reconcilerTestDB(t)
	r, q, _ := newTestReconciler(t, db)

	p := models.Proxy{
		Name:        "survivor",
		Type:        models.ProxyTypeReverse,
		Enabled:     true,
		DomainNames: "s.example.com",
		ForwardHost: "10.0.0.5",
		ForwardPort: 3000,
	}
	require.NoError(t, db.Create(&p).Error)

	reloadID, errs := r.ReconcileMany([]uint{p.ID, 4242})
	assert.Len(t, errs, 1)
	assert.ErrorIs(t, errs[4242], errdefs.ErrNotFound)
	assert.NotZero(t, reloadID, "surviving proxies still reload")
	assert.Equal(t, 1, q.calls)

	var got models.Proxy
	require.NoError(t, db.First(&got, p.ID).Error)
	assert.Equal(t, models.ConfigStatusActive, got.ConfigStatus)
}

func TestReconcileNewCompensatingDelete(t *testing.T) {
	db := reconcilerTestDB(t)
	r, _, dir := newTestReconciler(t, db)

	p := models.Proxy{
		Name:        "doomed",
		Type:        "bogus-type",
		Enabled:     true,
		DomainNames: "d.example.com",
	}
	require.NoError(t, db.Create(&p).Error)

	_, err := r.ReconcileNew(p.ID)
	require.Error(t, err)

	// Nothing may be left on disk for the failed creation.
	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), fmt.Sprintf("%d-", p.ID)),
			"orphan file %s left behind", e.Name())
	}
}

func TestSyncModuleWritesFileAndReconcilesReferencingProxies(t *testing.T) {
	db := reconcilerTestDB(t)
	r, q, _ := newTestReconciler(t, db)

	mod := models.Module{Name: "Gzip", Content: "gzip on;"}
	require.NoError(t, db.Create(&mod).Error)

	p := models.Proxy{
		Name:        "app",
		Type:        models.ProxyTypeReverse,
		Enabled:     true,
		DomainNames: "app.example.com",
		ForwardHost: "10.0.0.5",
		ForwardPort: 3000,
	}
	require.NoError(t, db.Create(&p).Error)
	require.NoError(t, db.Create(&models.ProxyModule{ProxyID: p.ID, ModuleID: mod.ID}).Error)

	reloadID, err := r.SyncModule(mod.ID)
	require.NoError(t, err)
	assert.NotZero(t, reloadID)
	assert.Equal(t, 1, q.calls)

	data, err := os.ReadFile(filepath.Join(r.modulesDir, "gzip.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "gzip on;")
}

func TestSyncModuleWithoutReferencesSkipsReload(t *testing.T) {
	db := reconcilerTestDB(t)
	r, q, _ := newTestReconciler(t, db)

	mod := models.Module{Name: "Orphan", Content: "sendfile on;"}
	require.NoError(t, db.Create(&mod).Error)

	reloadID, err := r.SyncModule(mod.ID)
	require.NoError(t, err)
	assert.Zero(t, reloadID)
	assert.Zero(t, q.calls)
}

func TestSyncWAFProfileWritesBothFiles(t *testing.T) {
	db := reconcilerTestDB(t)
	r, _, _ := newTestReconciler(t, db)

	profile := models.WAFProfile{Name: "default", ParanoiaLevel: 2, Enabled: true}
	require.NoError(t, db.Create(&profile).Error)
	require.NoError(t, db.Create(&models.WAFExclusion{ProfileID: profile.ID, RuleID: "941100"}).Error)

	_, err := r.SyncWAFProfile(profile.ID)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(r.profileDir, ProfileFilename(profile.ID)))
	require.NoError(t, err)
	assert.Contains(t, string(data), "blocking_paranoia_level=2")

	data, err = os.ReadFile(filepath.Join(r.profileDir, ExclusionsFilename(profile.ID)))
	require.NoError(t, err)
	assert.Contains(t, string(data), "SecRuleRemoveById 941100")
}

func TestSyncGlobalSecurity(t *testing.T) {
	db := reconcilerTestDB(t)
	r, q, dir := newTestReconciler(t, db)

	settings := []models.Setting{
		{Key: models.SettingSecurityBlacklistEnabled, Value: "true"},
		{Key: models.SettingSecurityBlockedIPs, Value: "203.0.113.9\n198.51.100.0/24"},
		{Key: models.SettingSecurityUAFilterEnabled, Value: "true"},
		{Key: models.SettingSecurityBlockedUserAgents, Value: "sqlmap\nnikto"},
		{Key: models.SettingSecurityRateLimitEnabled, Value: "true"},
		{Key: models.SettingSecurityRateLimits, Value: `{"3":{"rps":10,"burst":20}}`},
	}
	for i := range settings {
		require.NoError(t, db.Create(&settings[i]).Error)
	}

	reloadID, err := r.SyncGlobalSecurity()
	require.NoError(t, err)
	assert.NotZero(t, reloadID)
	assert.Equal(t, 1, q.calls)

	data, err := os.ReadFile(filepath.Join(dir, GlobalSecurityFilename))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "deny 203.0.113.9;")
	assert.Contains(t, content, `"~*sqlmap" 1;`)
	assert.Contains(t, content, "zone=proxy_3_ratelimit:10m rate=10r/s;")
}

func TestSyncGlobalSecurityDisabledFlagsProduceMinimalFile(t *testing.T) {
	db := reconcilerTestDB(t)
	r, _, dir := newTestReconciler(t, db)

	_, err := r.SyncGlobalSecurity()
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, GlobalSecurityFilename))
	require.NoError(t, err)
	content := string(data)
	assert.NotContains(t, content, "deny ")
	assert.NotContains(t, content, "limit_req_zone")
	// The agent map is always present so proxy configs can reference it.
	assert.Contains(t, content, "$aegis_blocked_agent")
}

func TestRemoveConfig(t *testing.T) {
	db := reconcilerTestDB(t)
	r, _, dir := newTestReconciler(t, db)

	p := models.Proxy{
		Name:        "gone",
		Type:        models.ProxyTypeReverse,
		Enabled:     true,
		DomainNames: "gone.example.com",
		ForwardHost: "10.0.0.5",
		ForwardPort: 3000,
	}
	require.NoError(t, db.Create(&p).Error)
	_, err := r.Reconcile(p.ID)
	require.NoError(t, err)

	var got models.Proxy
	require.NoError(t, db.First(&got, p.ID).Error)
	r.RemoveConfig(got.ConfigFilename)

	_, err = os.Stat(filepath.Join(dir, got.ConfigFilename))
	assert.True(t, os.IsNotExist(err))
}
