package services

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/containrrr/shoutrrr"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/aegisproxy/aegis/backend/internal/logger"
	"github.com/aegisproxy/aegis/backend/internal/models"
)

// Test hook.
var shoutrrrSend = shoutrrr.Send

var discordWebhookRegex = regexp.MustCompile(`^https://discord(?:app)?\.com/api/webhooks/(\d+)/([a-zA-Z0-9_-]+)`)

// normalizeURL rewrites raw Discord webhook URLs into the shoutrrr scheme;
// anything else passes through unchanged.
func normalizeURL(rawURL string) string {
	if matches := discordWebhookRegex.FindStringSubmatch(rawURL); len(matches) == 3 {
		return fmt.Sprintf("discord://%s@%s", matches[2], matches[1])
	}
	return rawURL
}

// NotificationService persists internal notifications and pushes external
// ones through shoutrrr. Delivery targets and event gates live in
// settings, not in code. External delivery is best-effort and async.
type NotificationService struct {
	DB       *gorm.DB
	Settings *SettingsService

	log *logrus.Entry
}

func NewNotificationService(db *gorm.DB, settings *SettingsService) *NotificationService {
	return &NotificationService{
		DB:       db,
		Settings: settings,
		log:      logger.WithComponent("notifications"),
	}
}

// Internal notifications (DB rows).

func (s *NotificationService) Create(nType models.NotificationType, event, title, message string) (*models.Notification, error) {
	notification := &models.Notification{
		Type:    nType,
		Event:   event,
		Title:   title,
		Message: message,
	}
	return notification, s.DB.Create(notification).Error
}

func (s *NotificationService) List(unreadOnly bool) ([]models.Notification, error) {
	var notifications []models.Notification
	query := s.DB.Order("created_at desc")
	if unreadOnly {
		query = query.Where("read = ?", false)
	}
	return notifications, query.Find(&notifications).Error
}

func (s *NotificationService) MarkAsRead(id string) error {
	return s.DB.Model(&models.Notification{}).Where("id = ?", id).Update("read", true).Error
}

func (s *NotificationService) MarkAllAsRead() error {
	return s.DB.Model(&models.Notification{}).Where("read = ?", false).Update("read", true).Error
}

// Event-level notifiers consumed by the engine.

// NotifyAutoBan records an automatic ban and, when enabled, pushes it to
// the configured external targets.
func (s *NotificationService) NotifyAutoBan(ip, reason string) {
	title := "IP banned automatically"
	message := fmt.Sprintf("%s was banned: %s", ip, reason)
	if _, err := s.Create(models.NotificationTypeWarning, models.NotificationEventAutoBan, title, message); err != nil {
		s.log.WithError(err).Warn("record auto-ban notification")
	}
	if s.Settings.GetBool(models.SettingNotificationOnAutoBan) {
		s.sendExternal(title, message)
	}
}

// NotifyCertRenewed records a successful renewal.
func (s *NotificationService) NotifyCertRenewed(name string) {
	title := "Certificate renewed"
	message := fmt.Sprintf("Certificate %q was renewed.", name)
	if _, err := s.Create(models.NotificationTypeSuccess, models.NotificationEventCertRenew, title, message); err != nil {
		s.log.WithError(err).Warn("record renewal notification")
	}
	if s.Settings.GetBool(models.SettingNotificationOnCertExpiry) {
		s.sendExternal(title, message)
	}
}

// NotifyCertRenewalFailed records a failed renewal. Failures always push
// externally when cert notifications are on.
func (s *NotificationService) NotifyCertRenewalFailed(name string, cause error) {
	title := "Certificate renewal failed"
	message := fmt.Sprintf("Certificate %q could not be renewed: %v", name, cause)
	if _, err := s.Create(models.NotificationTypeError, models.NotificationEventCertExpiry, title, message); err != nil {
		s.log.WithError(err).Warn("record renewal failure notification")
	}
	if s.Settings.GetBool(models.SettingNotificationOnCertExpiry) {
		s.sendExternal(title, message)
	}
}

// TestDelivery pushes a test message to every configured target and
// returns the first delivery error.
func (s *NotificationService) TestDelivery() error {
	urls := s.targets()
	if len(urls) == 0 {
		return fmt.Errorf("no notification urls configured")
	}
	for _, url := range urls {
		if err := shoutrrrSend(normalizeURL(url), "Test notification from Aegis"); err != nil {
			return fmt.Errorf("send test notification: %w", err)
		}
	}
	return nil
}

// sendExternal fans the message out to every configured target. Runs in
// the background so slow targets never stall the engine.
func (s *NotificationService) sendExternal(title, message string) {
	if !s.Settings.GetBool(models.SettingNotificationsEnabled) {
		return
	}
	urls := s.targets()
	if len(urls) == 0 {
		return
	}
	body := fmt.Sprintf("%s\n\n%s", title, message)
	for _, url := range urls {
		go func(target string) {
			if err := shoutrrrSend(normalizeURL(target), body); err != nil {
				s.log.WithError(err).Warn("external notification delivery failed")
			}
		}(url)
	}
}

// targets parses the notification_urls setting, one URL per line (commas
// also accepted).
func (s *NotificationService) targets() []string {
	raw := s.Settings.Get(models.SettingNotificationURLs)
	if raw == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == '\n' || r == ',' })
	urls := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			urls = append(urls, f)
		}
	}
	return urls
}
