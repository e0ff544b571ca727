package waf

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/aegisproxy/aegis/backend/internal/logger"
	"github.com/aegisproxy/aegis/backend/internal/models"
)

const (
	// backfillWindow is the ± interval around an orphan event in which
	// same-client-IP events vote on the proxy.
	backfillWindow = 5 * time.Minute
	// backfillFallback is the preceding interval whose overall majority is
	// used when no same-IP neighbor exists.
	backfillFallback = 10 * time.Minute
	// backfillMaxAge keeps the sweep off cold history; older orphans stay
	// unassigned.
	backfillMaxAge = 24 * time.Hour
)

// Backfiller assigns proxy ids to events that arrived without a Host header
// (HTTP/3 audit records). Only the proxy_id column is updated; the raw log
// text is never rewritten.
type Backfiller struct {
	db  *gorm.DB
	log *logrus.Entry
}

func NewBackfiller(db *gorm.DB) *Backfiller {
	return &Backfiller{db: db, log: logger.WithComponent("waf")}
}

// Run sweeps unresolved events from the last day. For each, the majority
// proxy among same-client-IP events within ±5 minutes wins; failing that,
// the majority across all resolved events in the preceding 10 minutes.
// Returns the number of events assigned.
func (b *Backfiller) Run(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-backfillMaxAge)
	var orphans []models.WAFEvent
	err := b.db.WithContext(ctx).
		Where("proxy_id IS NULL AND timestamp >= ?", cutoff).
		Order("timestamp").
		Find(&orphans).Error
	if err != nil {
		return 0, fmt.Errorf("load unresolved events: %w", err)
	}

	assigned := 0
	for idx := range orphans {
		ev := &orphans[idx]
		pid, err := b.vote(ctx, ev)
		if err != nil {
			return assigned, err
		}
		if pid == nil {
			continue
		}
		err = b.db.WithContext(ctx).
			Model(&models.WAFEvent{}).
			Where("id = ?", ev.ID).
			Update("proxy_id", *pid).Error
		if err != nil {
			return assigned, fmt.Errorf("assign proxy to event %d: %w", ev.ID, err)
		}
		assigned++
	}

	if assigned > 0 {
		b.log.WithFields(logrus.Fields{"assigned": assigned, "unresolved": len(orphans) - assigned}).
			Info("backfilled event proxy assignments")
	}
	return assigned, nil
}

func (b *Backfiller) vote(ctx context.Context, ev *models.WAFEvent) (*uint, error) {
	pid, err := b.majority(ctx,
		"client_ip = ? AND timestamp BETWEEN ? AND ?",
		ev.ClientIP, ev.Timestamp.Add(-backfillWindow), ev.Timestamp.Add(backfillWindow))
	if err != nil || pid != nil {
		return pid, err
	}
	return b.majority(ctx,
		"timestamp BETWEEN ? AND ?",
		ev.Timestamp.Add(-backfillFallback), ev.Timestamp)
}

// majority returns the most frequent non-NULL proxy_id within the scope, or
// nil when the scope holds no resolved events.
func (b *Backfiller) majority(ctx context.Context, query string, args ...any) (*uint, error) {
	var row struct {
		ProxyID uint
		N       int64
	}
	err := b.db.WithContext(ctx).
		Model(&models.WAFEvent{}).
		Select("proxy_id, COUNT(*) AS n").
		Where("proxy_id IS NOT NULL").
		Where(query, args...).
		Group("proxy_id").
		Order("n DESC").
		Limit(1).
		Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("majority vote: %w", err)
	}
	if row.N == 0 {
		return nil, nil
	}
	return &row.ProxyID, nil
}
