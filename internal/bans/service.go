package bans

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/aegisproxy/aegis/backend/internal/detection"
	"github.com/aegisproxy/aegis/backend/internal/errdefs"
	"github.com/aegisproxy/aegis/backend/internal/events"
	"github.com/aegisproxy/aegis/backend/internal/logger"
	"github.com/aegisproxy/aegis/backend/internal/metrics"
	"github.com/aegisproxy/aegis/backend/internal/models"
	"github.com/aegisproxy/aegis/backend/internal/validator"
)

// Publisher is the slice of the broadcaster the ban service needs.
type Publisher interface {
	PublishBan(eventType string, data any)
}

// Notifier delivers operator-facing notifications; the notification service
// implements it. Optional.
type Notifier interface {
	NotifyAutoBan(ip, reason string)
}

// Auditor records ban lifecycle mutations in the audit trail. Optional.
type Auditor interface {
	Record(action, entityType string, entityID uint, success bool, detail string)
}

// Service applies ban decisions and manual ban/unban requests: it owns the
// IPBan rows and feeds the operation queue. Implements detection.BanSink.
type Service struct {
	db       *gorm.DB
	queue    *Queue
	events   Publisher
	notifier Notifier
	audit    Auditor
	log      *logrus.Entry
}

// NewService wires the ban service. notifier may be nil.
func NewService(db *gorm.DB, queue *Queue, publisher Publisher, notifier Notifier) *Service {
	return &Service{
		db:       db,
		queue:    queue,
		events:   publisher,
		notifier: notifier,
		log:      logger.WithComponent("bans"),
	}
}

// SetAuditor attaches the audit sink.
func (s *Service) SetAuditor(a Auditor) { s.audit = a }

// ApplyBan handles a detection decision: create a ban, or extend an active
// one when the new duration reaches further. The detection engine has
// already rejected whitelisted addresses.
func (s *Service) ApplyBan(d detection.Decision) error {
	now := time.Now()

	var existing models.IPBan
	err := s.activeBanQuery(now).Where("ip_address = ?", d.IP).First(&existing).Error
	switch {
	case err == nil:
		return s.extendBan(&existing, d, now)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("look up active ban: %w", err)
	}

	ban := models.IPBan{
		IPAddress:       d.IP,
		Reason:          d.Reason,
		Severity:        d.Severity,
		AutoBanned:      true,
		DetectionRuleID: d.DetectionRuleID,
		BannedAt:        now,
	}
	if d.Duration > 0 {
		expires := now.Add(d.Duration)
		ban.ExpiresAt = &expires
	}
	if err := s.db.Create(&ban).Error; err != nil {
		return fmt.Errorf("create ban: %w", err)
	}

	s.afterBanCreated(&ban, d.Duration)
	if s.notifier != nil {
		s.notifier.NotifyAutoBan(d.IP, d.Reason)
	}
	return nil
}

// Ban records a manual ban. duration 0 means permanent.
func (s *Service) Ban(ip, reason, severity string, duration time.Duration, bannedBy *uint) (*models.IPBan, error) {
	if err := validator.ShellSafeIP(ip); err != nil {
		return nil, err
	}
	now := time.Now()

	var existing models.IPBan
	err := s.activeBanQuery(now).Where("ip_address = ?", ip).First(&existing).Error
	if err == nil {
		return nil, fmt.Errorf("%w: %s is already banned", errdefs.ErrConflict, ip)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("look up active ban: %w", err)
	}

	ban := models.IPBan{
		IPAddress: ip,
		Reason:    reason,
		Severity:  severity,
		BannedAt:  now,
		BannedByID: bannedBy,
	}
	if duration > 0 {
		expires := now.Add(duration)
		ban.ExpiresAt = &expires
	}
	if err := s.db.Create(&ban).Error; err != nil {
		return nil, fmt.Errorf("create ban: %w", err)
	}

	s.afterBanCreated(&ban, duration)
	return &ban, nil
}

// Unban lifts a ban: the row is closed and an unban operation is queued for
// every integration that was notified of it.
func (s *Service) Unban(banID uint) error {
	var ban models.IPBan
	if err := s.db.First(&ban, banID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: ban %d", errdefs.ErrNotFound, banID)
		}
		return fmt.Errorf("load ban: %w", err)
	}
	if ban.UnbannedAt != nil {
		return fmt.Errorf("%w: ban %d is already lifted", errdefs.ErrConflict, banID)
	}

	now := time.Now()
	err := s.db.Model(&models.IPBan{}).Where("id = ?", banID).Update("unbanned_at", now).Error
	if err != nil {
		return fmt.Errorf("close ban: %w", err)
	}
	ban.UnbannedAt = &now

	s.enqueueUnban(&ban)
	s.events.PublishBan(events.BanRemoved, &ban)
	s.refreshActiveGauge()
	if s.audit != nil {
		s.audit.Record("ban.remove", "ip_ban", ban.ID, true, ban.IPAddress)
	}
	return nil
}

// ExpirySweep closes bans whose expiry has passed and queues explicit
// unbans, covering providers without native expiry support. Returns how
// many bans were lifted.
func (s *Service) ExpirySweep() (int, error) {
	now := time.Now()
	var expired []models.IPBan
	err := s.db.Where("unbanned_at IS NULL AND expires_at IS NOT NULL AND expires_at <= ?", now).
		Find(&expired).Error
	if err != nil {
		return 0, fmt.Errorf("load expired bans: %w", err)
	}

	for i := range expired {
		ban := &expired[i]
		err := s.db.Model(&models.IPBan{}).Where("id = ?", ban.ID).Update("unbanned_at", now).Error
		if err != nil {
			return i, fmt.Errorf("close expired ban %d: %w", ban.ID, err)
		}
		ban.UnbannedAt = &now
		s.enqueueUnban(ban)
		s.events.PublishBan(events.BanRemoved, ban)
	}

	if len(expired) > 0 {
		s.log.WithField("lifted", len(expired)).Info("expired bans swept")
		s.refreshActiveGauge()
	}
	return len(expired), nil
}

// ActiveBans lists bans currently in force, newest first.
func (s *Service) ActiveBans() ([]models.IPBan, error) {
	var bans []models.IPBan
	err := s.activeBanQuery(time.Now()).Order("banned_at DESC").Find(&bans).Error
	if err != nil {
		return nil, fmt.Errorf("list active bans: %w", err)
	}
	return bans, nil
}

// extendBan pushes an active ban's expiry out when the new decision reaches
// further. A permanent ban is never shortened.
func (s *Service) extendBan(existing *models.IPBan, d detection.Decision, now time.Time) error {
	if existing.ExpiresAt == nil || d.Duration <= 0 {
		return nil
	}
	newExpiry := now.Add(d.Duration)
	if !newExpiry.After(*existing.ExpiresAt) {
		return nil
	}

	err := s.db.Model(&models.IPBan{}).Where("id = ?", existing.ID).
		Update("expires_at", newExpiry).Error
	if err != nil {
		return fmt.Errorf("extend ban: %w", err)
	}
	existing.ExpiresAt = &newExpiry
	s.events.PublishBan(events.BanUpdated, existing)
	s.log.WithFields(logrus.Fields{"ip": existing.IPAddress, "expires_at": newExpiry}).
		Debug("active ban extended")
	return nil
}

func (s *Service) afterBanCreated(ban *models.IPBan, duration time.Duration) {
	count, err := s.queue.EnqueueForAll(Operation{
		Action:      ActionBan,
		IP:          ban.IPAddress,
		Reason:      ban.Reason,
		Duration:    duration,
		Severity:    ban.Severity,
		BanRecordID: &ban.ID,
	})
	if err != nil {
		s.log.WithError(err).WithField("ip", ban.IPAddress).Warn("enqueue ban operations")
	}

	s.events.PublishBan(events.BanCreated, ban)
	s.refreshActiveGauge()
	if s.audit != nil {
		s.audit.Record("ban.create", "ip_ban", ban.ID, true, ban.IPAddress+": "+ban.Reason)
	}
	s.log.WithFields(logrus.Fields{
		"ip": ban.IPAddress, "reason": ban.Reason, "integrations": count,
	}).Info("ip banned")
}

// enqueueUnban targets the integrations that were actually notified of the
// ban, carrying their provider ban ids. A ban that never reached any
// integration needs no remote cleanup.
func (s *Service) enqueueUnban(ban *models.IPBan) {
	for _, n := range ban.Notifications() {
		s.queue.Enqueue(n.IntegrationID, Operation{
			Action:        ActionUnban,
			IP:            ban.IPAddress,
			Severity:      ban.Severity,
			BanRecordID:   &ban.ID,
			ProviderBanID: n.BanID,
		})
	}
}

func (s *Service) activeBanQuery(now time.Time) *gorm.DB {
	return s.db.Model(&models.IPBan{}).
		Where("unbanned_at IS NULL AND (expires_at IS NULL OR expires_at > ?)", now)
}

func (s *Service) refreshActiveGauge() {
	var count int64
	if err := s.activeBanQuery(time.Now()).Count(&count).Error; err == nil {
		metrics.SetActiveBans(int(count))
	}
}
