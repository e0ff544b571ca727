package services

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisproxy/aegis/backend/internal/models"
)

// fakeSender captures shoutrrr deliveries.
type fakeSender struct {
	mu    sync.Mutex
	sends []string // "url|message"
}

func (f *fakeSender) install(t *testing.T) {
	t.Helper()
	orig := shoutrrrSend
	shoutrrrSend = func(url string, message string) error {
		f.mu.Lock()
		f.sends = append(f.sends, url+"|"+message)
		f.mu.Unlock()
		return nil
	}
	t.Cleanup(func() { shoutrrrSend = orig })
}

func (f *fakeSender) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		if len(f.sends) >= n {
			out := append([]string(nil), f.sends...)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("expected %d deliveries", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "discord://tok-en_1@12345",
		normalizeURL("https://discord.com/api/webhooks/12345/tok-en_1"))
	assert.Equal(t, "telegram://token@telegram?chats=1",
		normalizeURL("telegram://token@telegram?chats=1"))
}

func TestNotifyAutoBan(t *testing.T) {
	db := servicesTestDB(t)
	settings := NewSettingsService(db)
	svc := NewNotificationService(db, settings)
	sender := &fakeSender{}
	sender.install(t)

	require.NoError(t, settings.Set(models.SettingNotificationsEnabled, "true"))
	require.NoError(t, settings.Set(models.SettingNotificationOnAutoBan, "true"))
	require.NoError(t, settings.Set(models.SettingNotificationURLs,
		"discord://token@123\ntelegram://token@telegram?chats=1"))

	svc.NotifyAutoBan("192.0.2.7", "rate threshold exceeded")

	// Internal row is always written.
	rows, err := svc.List(true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.NotificationEventAutoBan, rows[0].Event)
	assert.Contains(t, rows[0].Message, "192.0.2.7")

	// Both external targets received the push.
	sends := sender.waitFor(t, 2)
	assert.Len(t, sends, 2)
}

func TestExternalDeliveryGates(t *testing.T) {
	db := servicesTestDB(t)
	settings := NewSettingsService(db)
	svc := NewNotificationService(db, settings)
	sender := &fakeSender{}
	sender.install(t)

	require.NoError(t, settings.Set(models.SettingNotificationURLs, "discord://token@123"))

	t.Run("master switch off", func(t *testing.T) {
		require.NoError(t, settings.Set(models.SettingNotificationsEnabled, "false"))
		require.NoError(t, settings.Set(models.SettingNotificationOnAutoBan, "true"))
		svc.NotifyAutoBan("192.0.2.8", "test")
		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, sender.sends)
	})

	t.Run("event gate off", func(t *testing.T) {
		require.NoError(t, settings.Set(models.SettingNotificationsEnabled, "true"))
		require.NoError(t, settings.Set(models.SettingNotificationOnCertExpiry, "false"))
		svc.NotifyCertRenewalFailed("example-com", assert.AnError)
		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, sender.sends)
	})

	t.Run("internal rows written regardless", func(t *testing.T) {
		rows, err := svc.List(false)
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})
}

func TestMarkRead(t *testing.T) {
	db := servicesTestDB(t)
	svc := NewNotificationService(db, NewSettingsService(db))

	n1, err := svc.Create(models.NotificationTypeInfo, models.NotificationEventTest, "a", "b")
	require.NoError(t, err)
	_, err = svc.Create(models.NotificationTypeInfo, models.NotificationEventTest, "c", "d")
	require.NoError(t, err)

	require.NoError(t, svc.MarkAsRead(n1.ID))
	unread, err := svc.List(true)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "c", unread[0].Title)

	require.NoError(t, svc.MarkAllAsRead())
	unread, err = svc.List(true)
	require.NoError(t, err)
	assert.Empty(t, unread)
}

func TestTestDelivery(t *testing.T) {
	db := servicesTestDB(t)
	settings := NewSettingsService(db)
	svc := NewNotificationService(db, settings)
	sender := &fakeSender{}
	sender.install(t)

	t.Run("no targets", func(t *testing.T) {
		require.Error(t, svc.TestDelivery())
	})

	t.Run("delivers to each target", func(t *testing.T) {
		require.NoError(t, settings.Set(models.SettingNotificationURLs,
			"discord://token@123, https://discord.com/api/webhooks/99/tok"))
		require.NoError(t, svc.TestDelivery())
		require.Len(t, sender.sends, 2)
		assert.Contains(t, sender.sends[1], "discord://tok@99|")
	})
}
