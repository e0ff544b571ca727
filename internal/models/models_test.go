package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	require.NoError(t, db.AutoMigrate(&Proxy{}, &Module{}, &ProxyModule{}, &Certificate{}, &IPBan{}))
	return db
}

func TestProxyBeforeSaveAssignsUUIDAndContentMode(t *testing.T) {
	db := testDB(t)

	p := Proxy{Name: "app", Type: ProxyTypeReverse, DomainNames: "app.example.com"}
	require.NoError(t, db.Create(&p).Error)

	assert.NotEmpty(t, p.UUID)
	assert.Equal(t, ContentModeStructured, p.ContentMode)
}

func TestProxyLegacyRawSentinelBecomesContentMode(t *testing.T) {
	db := testDB(t)

	p := Proxy{
		Name:           "custom",
		Type:           ProxyTypeReverse,
		DomainNames:    "N/A",
		AdvancedConfig: "server { listen 8443; }",
	}
	require.NoError(t, db.Create(&p).Error)

	assert.Equal(t, ContentModeRaw, p.ContentMode)
	assert.True(t, p.IsRaw())
}

func TestProxyDomainList(t *testing.T) {
	tests := []struct {
		name     string
		domains  string
		expected []string
	}{
		{name: "single", domains: "app.example.com", expected: []string{"app.example.com"}},
		{name: "multiple with spaces", domains: "A.example.com, b.example.com", expected: []string{"a.example.com", "b.example.com"}},
		{name: "sentinel", domains: "N/A", expected: nil},
		{name: "empty", domains: "", expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Proxy{DomainNames: tt.domains}
			assert.Equal(t, tt.expected, p.DomainList())
		})
	}
}

func TestIPBanActive(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name   string
		ban    IPBan
		active bool
	}{
		{name: "permanent", ban: IPBan{}, active: true},
		{name: "unexpired", ban: IPBan{ExpiresAt: &future}, active: true},
		{name: "expired", ban: IPBan{ExpiresAt: &past}, active: false},
		{name: "unbanned", ban: IPBan{UnbannedAt: &past}, active: false},
		{name: "unbanned with future expiry", ban: IPBan{ExpiresAt: &future, UnbannedAt: &past}, active: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.active, tt.ban.Active(now))
		})
	}
}

func TestIPBanNotificationsRoundTrip(t *testing.T) {
	var ban IPBan
	assert.Nil(t, ban.Notifications())

	list := []IntegrationNotification{
		{IntegrationID: 1, Name: "edge-fw", BanID: "remote-17", NotifiedAt: time.Now().UTC()},
	}
	ban.SetNotifications(list)
	got := ban.Notifications()
	require.Len(t, got, 1)
	assert.Equal(t, uint(1), got[0].IntegrationID)
	assert.Equal(t, "remote-17", got[0].BanID)

	ban.IntegrationsNotified = "{corrupt"
	assert.Nil(t, ban.Notifications())
}

func TestSeverityRank(t *testing.T) {
	assert.Equal(t, 1, SeverityRank(SeverityLow))
	assert.Equal(t, 2, SeverityRank(SeverityMedium))
	assert.Equal(t, 3, SeverityRank(SeverityHigh))
	assert.Equal(t, 4, SeverityRank(SeverityCritical))
	assert.Equal(t, 0, SeverityRank("bogus"))
}

func TestDetectionRuleHelpers(t *testing.T) {
	r := DetectionRule{
		AttackTypes:        "SQLI, xss ,rce",
		TimeWindowSeconds:  60,
		BanDurationSeconds: 3600,
	}
	assert.Equal(t, []string{"sqli", "xss", "rce"}, r.AttackTypeList())
	assert.Equal(t, time.Minute, r.Window())
	assert.Equal(t, time.Hour, r.BanDuration())

	empty := DetectionRule{}
	assert.Nil(t, empty.AttackTypeList())
}

func TestUserPassword(t *testing.T) {
	var u User
	require.NoError(t, u.SetPassword("hunter2hunter2"))
	assert.NotEmpty(t, u.PasswordHash)
	assert.True(t, u.CheckPassword("hunter2hunter2"))
	assert.False(t, u.CheckPassword("wrong"))
}

func TestCertificateExpiresWithin(t *testing.T) {
	soon := time.Now().Add(10 * 24 * time.Hour)
	later := time.Now().Add(90 * 24 * time.Hour)

	c := Certificate{ExpiresAt: &soon}
	assert.True(t, c.ExpiresWithin(30*24*time.Hour))

	c.ExpiresAt = &later
	assert.False(t, c.ExpiresWithin(30*24*time.Hour))

	c.ExpiresAt = nil
	assert.False(t, c.ExpiresWithin(30*24*time.Hour))
}
