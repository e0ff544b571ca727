// Package scheduler owns the recurring background jobs: ban expiry sweeps,
// detection window GC, certificate renewal checks, HTTP/3 log backfill and
// stats cache refresh. Jobs run on a shared cron so shutdown stops them in
// one place.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/aegisproxy/aegis/backend/internal/logger"
)

// Job schedules. Renewals run once nightly; the sweeps are cheap enough to
// run often.
const (
	scheduleExpirySweep    = "@every 1m"
	scheduleDetectionSweep = "@every 5m"
	scheduleBackfill       = "@every 5m"
	scheduleStatsRefresh   = "@every 5m"
	scheduleCertRenewal    = "0 3 * * *"
)

// BanSweeper lifts expired bans.
type BanSweeper interface {
	ExpirySweep() (int, error)
}

// DetectionSweeper drops idle detection windows.
type DetectionSweeper interface {
	Sweep()
}

// CertRenewer renews certificates approaching expiry.
type CertRenewer interface {
	RenewalSweep(ctx context.Context) int
}

// Backfiller re-reads access logs for response fields the real-time
// pipeline could not capture.
type Backfiller interface {
	Run(ctx context.Context) (int, error)
}

// StatsRefresher recomputes the dashboard snapshot cache.
type StatsRefresher interface {
	Refresh()
}

// Scheduler runs the recurring jobs. Any nil dependency simply skips its
// job, which keeps partial wiring in tests simple.
type Scheduler struct {
	Cron *cron.Cron

	bans      BanSweeper
	detection DetectionSweeper
	certs     CertRenewer
	backfill  Backfiller
	stats     StatsRefresher

	log    *logrus.Entry
	cancel context.CancelFunc
}

func New(bans BanSweeper, detection DetectionSweeper, certs CertRenewer, backfill Backfiller, stats StatsRefresher) *Scheduler {
	return &Scheduler{
		Cron:      cron.New(),
		bans:      bans,
		detection: detection,
		certs:     certs,
		backfill:  backfill,
		stats:     stats,
		log:       logger.WithComponent("scheduler"),
	}
}

// Start registers the jobs and starts the cron. The context bounds the
// per-run work of jobs that take one.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{"ban_expiry_sweep", scheduleExpirySweep, func() {
			if s.bans == nil {
				return
			}
			if n, err := s.bans.ExpirySweep(); err != nil {
				s.log.WithError(err).Warn("ban expiry sweep failed")
			} else if n > 0 {
				s.log.WithField("lifted", n).Info("expired bans lifted")
			}
		}},
		{"detection_sweep", scheduleDetectionSweep, func() {
			if s.detection != nil {
				s.detection.Sweep()
			}
		}},
		{"cert_renewal", scheduleCertRenewal, func() {
			if s.certs == nil {
				return
			}
			if n := s.certs.RenewalSweep(ctx); n > 0 {
				s.log.WithField("renewed", n).Info("certificate renewal sweep finished")
			}
		}},
		{"log_backfill", scheduleBackfill, func() {
			if s.backfill == nil {
				return
			}
			if _, err := s.backfill.Run(ctx); err != nil {
				s.log.WithError(err).Warn("access log backfill failed")
			}
		}},
		{"stats_refresh", scheduleStatsRefresh, func() {
			if s.stats != nil {
				s.stats.Refresh()
			}
		}},
	}

	for _, job := range jobs {
		if _, err := s.Cron.AddFunc(job.spec, job.run); err != nil {
			return err
		}
		s.log.WithFields(logrus.Fields{"job": job.name, "schedule": job.spec}).Debug("job registered")
	}

	s.Cron.Start()
	s.log.WithField("jobs", len(jobs)).Info("scheduler started")
	return nil
}

// Stop halts the cron and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	stopCtx := s.Cron.Stop()
	<-stopCtx.Done()
	s.log.Info("scheduler stopped")
}
