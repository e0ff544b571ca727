package bans

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/aegisproxy/aegis/backend/internal/logger"
	"github.com/aegisproxy/aegis/backend/internal/models"
)

// Whitelister reports whether an address must never be banned; the
// detection engine implements it.
type Whitelister interface {
	Whitelisted(ip string) bool
}

// SyncStatus is the outcome of the most recent reconciliation run.
type SyncStatus struct {
	LastRun      time.Time     `json:"last_run"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

// Syncer periodically compares the desired ban set (active rows, minus the
// whitelist) against each provider's actual list and queues corrective
// operations. One failing integration never blocks the others.
type Syncer struct {
	db        *gorm.DB
	queue     *Queue
	whitelist Whitelister
	log       *logrus.Entry

	interval time.Duration

	mu      sync.Mutex
	status  SyncStatus
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSyncer wires the reconciliation worker. interval 0 falls back to five
// minutes.
func NewSyncer(db *gorm.DB, queue *Queue, whitelist Whitelister, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Syncer{
		db:        db,
		queue:     queue,
		whitelist: whitelist,
		log:       logger.WithComponent("bansync"),
		interval:  interval,
	}
}

// Start launches the periodic worker. Calling Start on a running syncer is
// a no-op.
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Run(ctx)
			}
		}
	}()
}

// Stop cancels the worker and waits for an in-flight run.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// Status returns the last run's outcome.
func (s *Syncer) Status() SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run executes one reconciliation pass over every enabled integration that
// supports sync. Also invoked directly on operator request.
func (s *Syncer) Run(ctx context.Context) {
	started := time.Now()
	err := s.reconcile(ctx)

	s.mu.Lock()
	s.status = SyncStatus{LastRun: started, LastDuration: time.Since(started)}
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()
}

func (s *Syncer) reconcile(ctx context.Context) error {
	desired, err := s.desiredBans()
	if err != nil {
		return err
	}

	var integrations []models.BanIntegration
	if err := s.db.Where("enabled = ?", true).Find(&integrations).Error; err != nil {
		return fmt.Errorf("list integrations: %w", err)
	}

	var failures []string
	for i := range integrations {
		integ := &integrations[i]
		if err := s.reconcileIntegration(ctx, integ, desired); err != nil {
			s.log.WithError(err).WithField("integration", integ.Name).Warn("ban sync failed")
			failures = append(failures, fmt.Sprintf("%s: %v", integ.Name, err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("%s", strings.Join(failures, "; "))
	}
	return nil
}

// reconcileIntegration diffs one provider's list against the desired set:
// stale remote entries get unban operations, missing ones get bans with
// their remaining duration.
func (s *Syncer) reconcileIntegration(ctx context.Context, integ *models.BanIntegration, desired map[string]*models.IPBan) error {
	provider, err := s.queue.BuildProvider(integ)
	if err != nil {
		return err
	}
	if !provider.Capabilities().SupportsSync {
		return nil
	}

	remote, err := provider.ListBans(ctx)
	if err != nil {
		return err
	}
	remoteByIP := make(map[string]string, len(remote))
	for _, r := range remote {
		remoteByIP[r.IP] = r.BanID
	}

	stale, missing := 0, 0
	for ip, banID := range remoteByIP {
		if _, wanted := desired[ip]; wanted {
			continue
		}
		s.queue.Enqueue(integ.ID, Operation{
			Action:        ActionUnban,
			IP:            ip,
			ProviderBanID: banID,
		})
		stale++
	}
	now := time.Now()
	for ip, ban := range desired {
		if _, present := remoteByIP[ip]; present {
			continue
		}
		op := Operation{
			Action:      ActionBan,
			IP:          ip,
			Reason:      ban.Reason,
			Severity:    ban.Severity,
			BanRecordID: &ban.ID,
		}
		if ban.ExpiresAt != nil {
			op.Duration = ban.ExpiresAt.Sub(now)
		}
		s.queue.Enqueue(integ.ID, op)
		missing++
	}

	if stale > 0 || missing > 0 {
		s.log.WithFields(logrus.Fields{
			"integration": integ.Name, "stale": stale, "missing": missing,
		}).Info("ban sync queued corrections")
	}
	return nil
}

// desiredBans is the set of addresses that should be enforced right now:
// active bans whose address is not whitelisted.
func (s *Syncer) desiredBans() (map[string]*models.IPBan, error) {
	var bans []models.IPBan
	err := s.db.Where("unbanned_at IS NULL AND (expires_at IS NULL OR expires_at > ?)", time.Now()).
		Find(&bans).Error
	if err != nil {
		return nil, fmt.Errorf("list active bans: %w", err)
	}

	desired := make(map[string]*models.IPBan, len(bans))
	for i := range bans {
		ban := &bans[i]
		if s.whitelist != nil && s.whitelist.Whitelisted(ban.IPAddress) {
			continue
		}
		desired[ban.IPAddress] = ban
	}
	return desired, nil
}
