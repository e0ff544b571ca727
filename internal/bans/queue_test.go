package bans

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/aegisproxy/aegis/backend/internal/credcrypto"
	"github.com/aegisproxy/aegis/backend/internal/models"
	"github.com/aegisproxy/aegis/backend/internal/providers"
)

// fakeProvider records every call so tests can assert ordering, batching
// and failure handling without a firewall.
type fakeProvider struct {
	mu          sync.Mutex
	batch       bool
	failAll     bool
	failIPs     map[string]bool
	banned      []string
	unbanned    []string
	remote      []providers.RemoteBan
	listErr     error
	batchCalls  int
	singleCalls int
}

func (f *fakeProvider) Type() string { return "fake" }

func (f *fakeProvider) Capabilities() providers.Capabilities {
	return providers.Capabilities{SupportsBatch: f.batch, SupportsSync: true}
}

func (f *fakeProvider) TestConnection(ctx context.Context) error { return nil }

func (f *fakeProvider) BanIP(ctx context.Context, req providers.BanRequest) (providers.BanResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singleCalls++
	if f.failAll || f.failIPs[req.IP] {
		return providers.BanResult{}, fmt.Errorf("provider down")
	}
	f.banned = append(f.banned, req.IP)
	return providers.BanResult{IP: req.IP, BanID: "fake-" + req.IP}, nil
}

func (f *fakeProvider) UnbanIP(ctx context.Context, ip, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singleCalls++
	if f.failAll {
		return fmt.Errorf("provider down")
	}
	f.unbanned = append(f.unbanned, ip)
	return nil
}

func (f *fakeProvider) ListBans(ctx context.Context) ([]providers.RemoteBan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote, f.listErr
}

func (f *fakeProvider) BatchBan(ctx context.Context, reqs []providers.BanRequest) ([]providers.BanResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	if f.failAll {
		return nil, fmt.Errorf("provider down")
	}
	results := make([]providers.BanResult, 0, len(reqs))
	for _, r := range reqs {
		f.banned = append(f.banned, r.IP)
		results = append(results, providers.BanResult{IP: r.IP, BanID: "fake-" + r.IP})
	}
	return results, nil
}

func (f *fakeProvider) BatchUnban(ctx context.Context, ips []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	if f.failAll {
		return 0, fmt.Errorf("provider down")
	}
	f.unbanned = append(f.unbanned, ips...)
	return len(ips), nil
}

func (f *fakeProvider) bannedIPs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.banned...)
}

func (f *fakeProvider) unbannedIPs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unbanned...)
}

func bansTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	require.NoError(t, db.AutoMigrate(
		&models.BanIntegration{}, &models.Credential{}, &models.IPBan{},
		&models.IPWhitelist{}, &models.DetectionRule{},
	))
	return db
}

// newTestQueue returns a queue whose registry resolves every integration of
// type "fake" to the given provider.
func newTestQueue(t *testing.T, db *gorm.DB, fake *fakeProvider) *Queue {
	t.Helper()
	registry := providers.NewRegistry()
	registry.Register("fake", func(providers.Config) (providers.Provider, error) {
		return fake, nil
	})
	crypter, err := credcrypto.New("test-secret", credcrypto.SaltCertCredentials)
	require.NoError(t, err)

	q := NewQueue(db, registry, crypter)
	q.opSpacing = time.Millisecond
	return q
}

func createIntegration(t *testing.T, db *gorm.DB, name string) *models.BanIntegration {
	t.Helper()
	integ := &models.BanIntegration{Name: name, Type: "fake", Enabled: true}
	require.NoError(t, db.Create(integ).Error)
	return integ
}

func TestQueueDuplicateSuppression(t *testing.T) {
	q := newTestQueue(t, bansTestDB(t), &fakeProvider{})

	q.Enqueue(1, Operation{Action: ActionBan, IP: "203.0.113.9"})
	q.Enqueue(1, Operation{Action: ActionBan, IP: "203.0.113.9"})
	q.Enqueue(1, Operation{Action: ActionUnban, IP: "203.0.113.9"})

	assert.Equal(t, 2, q.Pending(1), "same (ip, action) never queues twice; a different action does")
}

func TestQueuePriorityOrdering(t *testing.T) {
	q := newTestQueue(t, bansTestDB(t), &fakeProvider{})

	q.Enqueue(1, Operation{Action: ActionBan, IP: "10.0.0.1", Severity: models.SeverityLow})
	q.Enqueue(1, Operation{Action: ActionBan, IP: "10.0.0.2", Severity: models.SeverityCritical})
	q.Enqueue(1, Operation{Action: ActionBan, IP: "10.0.0.3", Severity: models.SeverityHigh})
	q.Enqueue(1, Operation{Action: ActionBan, IP: "10.0.0.4", Severity: models.SeverityCritical})

	q.mu.Lock()
	ips := make([]string, 0, 4)
	for _, op := range q.queues[1] {
		ips = append(ips, op.IP)
	}
	q.mu.Unlock()

	// Critical first, FIFO inside the class.
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.4", "10.0.0.3", "10.0.0.1"}, ips)
}

func TestFlushBatchedBansBeforeUnbans(t *testing.T) {
	db := bansTestDB(t)
	fake := &fakeProvider{batch: true}
	q := newTestQueue(t, db, fake)
	integ := createIntegration(t, db, "edge-fw")

	q.Enqueue(integ.ID, Operation{Action: ActionUnban, IP: "198.51.100.7"})
	q.Enqueue(integ.ID, Operation{Action: ActionBan, IP: "203.0.113.9", Severity: models.SeverityHigh})

	q.flushIntegration(context.Background(), integ.ID)

	assert.Equal(t, []string{"203.0.113.9"}, fake.bannedIPs())
	assert.Equal(t, []string{"198.51.100.7"}, fake.unbannedIPs())
	assert.Equal(t, 2, fake.batchCalls, "one batch call per direction")
	assert.Zero(t, fake.singleCalls)
	assert.Zero(t, q.Pending(integ.ID))

	var reloaded models.BanIntegration
	require.NoError(t, db.First(&reloaded, integ.ID).Error)
	assert.EqualValues(t, 1, reloaded.TotalBansSent)
	assert.EqualValues(t, 1, reloaded.TotalUnbansSent)
	assert.NotNil(t, reloaded.LastSuccess)
	assert.Empty(t, reloaded.LastError)
}

func TestFlushRecordsIntegrationNotification(t *testing.T) {
	db := bansTestDB(t)
	fake := &fakeProvider{}
	q := newTestQueue(t, db, fake)
	integ := createIntegration(t, db, "edge-fw")

	ban := models.IPBan{IPAddress: "203.0.113.9", Reason: "sqli burst"}
	require.NoError(t, db.Create(&ban).Error)

	q.Enqueue(integ.ID, Operation{Action: ActionBan, IP: ban.IPAddress, BanRecordID: &ban.ID})
	q.flushIntegration(context.Background(), integ.ID)

	var reloaded models.IPBan
	require.NoError(t, db.First(&reloaded, ban.ID).Error)
	notes := reloaded.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, integ.ID, notes[0].IntegrationID)
	assert.Equal(t, "edge-fw", notes[0].Name)
	assert.Equal(t, "fake-203.0.113.9", notes[0].BanID)
}

func TestFlushRetriesThenDrops(t *testing.T) {
	db := bansTestDB(t)
	fake := &fakeProvider{failAll: true}
	q := newTestQueue(t, db, fake)
	integ := createIntegration(t, db, "edge-fw")

	q.Enqueue(integ.ID, Operation{Action: ActionBan, IP: "203.0.113.9"})

	for i := 0; i < maxRetries; i++ {
		q.flushIntegration(context.Background(), integ.ID)
		assert.Equal(t, 1, q.Pending(integ.ID), "failed operation stays queued on attempt %d", i+1)
	}
	q.flushIntegration(context.Background(), integ.ID)
	assert.Zero(t, q.Pending(integ.ID), "operation is dropped after exhausting retries")
}

func TestFlushFailurePersistsLastError(t *testing.T) {
	db := bansTestDB(t)
	fake := &fakeProvider{failAll: true}
	q := newTestQueue(t, db, fake)
	integ := createIntegration(t, db, "edge-fw")

	q.Enqueue(integ.ID, Operation{Action: ActionBan, IP: "203.0.113.9"})
	q.flushIntegration(context.Background(), integ.ID)

	var reloaded models.BanIntegration
	require.NoError(t, db.First(&reloaded, integ.ID).Error)
	assert.Contains(t, reloaded.LastError, "1 of 1 operations failed")

	// A later clean flush clears the error.
	fake.mu.Lock()
	fake.failAll = false
	fake.mu.Unlock()
	q.flushIntegration(context.Background(), integ.ID)

	require.NoError(t, db.First(&reloaded, integ.ID).Error)
	assert.Empty(t, reloaded.LastError)
	assert.NotNil(t, reloaded.LastSuccess)
}

func TestPartialFlushKeepsLastError(t *testing.T) {
	db := bansTestDB(t)
	fake := &fakeProvider{failIPs: map[string]bool{"198.51.100.7": true}}
	q := newTestQueue(t, db, fake)
	integ := createIntegration(t, db, "edge-fw")

	q.Enqueue(integ.ID, Operation{Action: ActionBan, IP: "203.0.113.9"})
	q.Enqueue(integ.ID, Operation{Action: ActionBan, IP: "198.51.100.7"})
	q.flushIntegration(context.Background(), integ.ID)

	assert.Equal(t, []string{"203.0.113.9"}, fake.bannedIPs())

	var reloaded models.BanIntegration
	require.NoError(t, db.First(&reloaded, integ.ID).Error)
	assert.EqualValues(t, 1, reloaded.TotalBansSent, "delivered operation is still counted")
	assert.Contains(t, reloaded.LastError, "1 of 2 operations failed",
		"partial success must not erase the flush error")
	assert.Equal(t, 1, q.Pending(integ.ID), "failed operation is requeued")
}

func TestRequeueKeepsSeverityOrdering(t *testing.T) {
	q := newTestQueue(t, bansTestDB(t), &fakeProvider{})

	// A critical operation lands while a flush of low-priority work is in
	// flight; requeued failures must not jump ahead of it.
	q.Enqueue(1, Operation{Action: ActionBan, IP: "10.0.0.2", Severity: models.SeverityCritical})
	q.requeue(1, []Operation{
		{Action: ActionBan, IP: "10.0.0.1", Severity: models.SeverityLow},
	}, nil)

	q.mu.Lock()
	ips := make([]string, 0, 2)
	for _, op := range q.queues[1] {
		ips = append(ips, op.IP)
	}
	q.mu.Unlock()

	assert.Equal(t, []string{"10.0.0.2", "10.0.0.1"}, ips)
}

func TestFlushDueRateLimit(t *testing.T) {
	db := bansTestDB(t)
	fake := &fakeProvider{}
	q := newTestQueue(t, db, fake)
	integ := createIntegration(t, db, "edge-fw")

	q.Enqueue(integ.ID, Operation{Action: ActionBan, IP: "203.0.113.9"})
	q.FlushDue(context.Background())
	require.Eventually(t, func() bool { return q.Pending(integ.ID) == 0 }, time.Second, 5*time.Millisecond)

	// A second flush inside the window must not run even with queued work.
	q.Enqueue(integ.ID, Operation{Action: ActionBan, IP: "198.51.100.7"})
	q.FlushDue(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, q.Pending(integ.ID), "flush inside the rate-limit window must be skipped")

	// Aging the last flush past the interval releases it.
	q.mu.Lock()
	q.lastFlush[integ.ID] = time.Now().Add(-q.flushInterval - time.Second)
	q.mu.Unlock()
	q.FlushDue(context.Background())
	require.Eventually(t, func() bool { return q.Pending(integ.ID) == 0 }, time.Second, 5*time.Millisecond)
}

func TestFlushSkipsDisabledIntegration(t *testing.T) {
	db := bansTestDB(t)
	fake := &fakeProvider{}
	q := newTestQueue(t, db, fake)
	integ := createIntegration(t, db, "edge-fw")
	require.NoError(t, db.Model(integ).Update("enabled", false).Error)

	q.Enqueue(integ.ID, Operation{Action: ActionBan, IP: "203.0.113.9"})
	q.flushIntegration(context.Background(), integ.ID)

	assert.Empty(t, fake.bannedIPs())
	assert.Zero(t, q.Pending(integ.ID), "operations for a disabled integration are dropped")
}

func TestEnqueueForAllTargetsEnabledOnly(t *testing.T) {
	db := bansTestDB(t)
	q := newTestQueue(t, db, &fakeProvider{})
	a := createIntegration(t, db, "fw-a")
	b := createIntegration(t, db, "fw-b")
	require.NoError(t, db.Model(b).Update("enabled", false).Error)

	n, err := q.EnqueueForAll(Operation{Action: ActionBan, IP: "203.0.113.9"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, q.Pending(a.ID))
	assert.Zero(t, q.Pending(b.ID))
}
