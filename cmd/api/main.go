package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/aegisproxy/aegis/backend/internal/bans"
	"github.com/aegisproxy/aegis/backend/internal/certs"
	"github.com/aegisproxy/aegis/backend/internal/config"
	"github.com/aegisproxy/aegis/backend/internal/credcrypto"
	"github.com/aegisproxy/aegis/backend/internal/database"
	"github.com/aegisproxy/aegis/backend/internal/detection"
	"github.com/aegisproxy/aegis/backend/internal/events"
	"github.com/aegisproxy/aegis/backend/internal/logger"
	"github.com/aegisproxy/aegis/backend/internal/metrics"
	"github.com/aegisproxy/aegis/backend/internal/models"
	"github.com/aegisproxy/aegis/backend/internal/nginx"
	"github.com/aegisproxy/aegis/backend/internal/providers"
	"github.com/aegisproxy/aegis/backend/internal/scheduler"
	"github.com/aegisproxy/aegis/backend/internal/server"
	"github.com/aegisproxy/aegis/backend/internal/services"
	"github.com/aegisproxy/aegis/backend/internal/stats"
	"github.com/aegisproxy/aegis/backend/internal/version"
	"github.com/aegisproxy/aegis/backend/internal/waf"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log().WithError(err).Fatal("load config")
	}

	// Rotated file log plus stdout.
	_ = os.MkdirAll(cfg.LogsDir(), 0o755)
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogsDir(), "aegis.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	logger.Init(cfg.Environment == "development", io.MultiWriter(os.Stdout, rotator))
	log := logger.WithComponent("main")

	log.WithField("version", version.Full()).Infof("starting %s", version.Name)

	if err := config.EnsureDataLayout(cfg); err != nil {
		log.WithError(err).Fatal("ensure data layout")
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	if err := database.Migrate(db); err != nil {
		log.WithError(err).Fatal("migrate database")
	}
	if err := database.Seed(db); err != nil {
		log.WithError(err).Fatal("seed database")
	}

	settings := services.NewSettingsService(db)
	secret := settings.Get(models.SettingJWTSecret)
	if secret == "" {
		secret = cfg.JWTSecret
	}
	if secret == "" {
		log.Fatal("no jwt_secret available; set AEGIS_JWT_SECRET or re-run seeding")
	}
	crypter, err := credcrypto.New(secret, credcrypto.SaltCertCredentials)
	if err != nil {
		log.WithError(err).Fatal("init credential crypter")
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Nginx control plane: ops, coalesced reload worker, reconciler.
	var ops nginx.Ops
	if cfg.NginxMode == "signal" {
		ops = nginx.NewSignalFileOps(cfg.DataDir, cfg.NginxErrorLog, cfg.NginxTimeout)
	} else {
		ops = nginx.NewDirectOps(cfg.NginxBinary, cfg.NginxTimeout)
	}
	reloads := nginx.NewReloadManager(ops)
	reloads.Start(ctx)
	defer reloads.Stop()

	reconciler := nginx.NewReconciler(db, reloads, cfg.ConfDir(), cfg.ModulesDir(), cfg.ModsecProfilesDir())

	// Event fan-out for the dashboards.
	broadcaster := events.NewBroadcaster()
	broadcaster.Start(ctx)
	defer broadcaster.Stop()

	notifications := services.NewNotificationService(db, settings)
	audit := services.NewAuditService(db)

	// Ban pipeline: provider queue, ban service, detection engine, syncer.
	queue := bans.NewQueue(db, providers.DefaultRegistry(), crypter)
	queue.SetFlushInterval(cfg.BanFlushInterval)
	queue.Start(ctx)
	defer queue.Stop()

	banService := bans.NewService(db, queue, broadcaster, notifications)
	banService.SetAuditor(audit)

	engine := detection.NewEngine(db, banService)
	if err := engine.Reload(); err != nil {
		log.WithError(err).Fatal("load detection rules")
	}

	syncer := bans.NewSyncer(db, queue, engine, cfg.BanSyncInterval)
	syncer.Start(ctx)
	defer syncer.Stop()

	// WAF ingestion feeds the broadcaster, the detection engine and the
	// stats cache.
	statsService := stats.NewService(db)
	resolver := waf.NewProxyResolver(db)
	ingestor, err := waf.NewIngestor(db, resolver, cfg.AuditLogPaths, broadcaster, engine, statsService)
	if err != nil {
		log.WithError(err).Fatal("init waf ingestor")
	}
	ingestor.Start(ctx)
	defer ingestor.Stop()

	// Certificate lifecycle.
	orchestrator := certs.NewOrchestrator(db, reconciler, crypter, notifications, certs.Options{
		CertbotBinary:  cfg.CertbotBinary,
		Timeout:        cfg.ACMETimeout,
		ChallengeDir:   cfg.ACMEChallengeDir,
		SSLDir:         cfg.SSLDir(),
		ConfigDir:      cfg.LetsEncryptDir("config"),
		WorkDir:        cfg.LetsEncryptDir("work"),
		LogsDir:        cfg.LetsEncryptDir("logs"),
		CredentialsDir: cfg.CredentialsDir(),
	})
	orchestrator.SetAuditor(audit)

	backfiller := waf.NewBackfiller(db)

	sched := scheduler.New(banService, engine, orchestrator, backfiller, statsService)
	if err := sched.Start(ctx); err != nil {
		log.WithError(err).Fatal("start scheduler")
	}
	defer sched.Stop()

	srv, err := server.New(cfg, server.Deps{
		DB:          db,
		Broadcaster: broadcaster,
		Ingestor:    ingestor,
		Reloads:     reloads,
		Registry:    registry,
	})
	if err != nil {
		log.WithError(err).Fatal("init http server")
	}

	log.WithField("port", cfg.HTTPPort).Info("http server listening")
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Fatal("http server")
	}
	log.Info("shutting down")
}
