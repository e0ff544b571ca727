// Package server is the operational HTTP surface of the daemon: health and
// readiness probes, Prometheus metrics and the SSE event bridge the
// dashboards stream from.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/aegisproxy/aegis/backend/internal/config"
	"github.com/aegisproxy/aegis/backend/internal/events"
	"github.com/aegisproxy/aegis/backend/internal/nginx"
	"github.com/aegisproxy/aegis/backend/internal/version"
)

// HealthChecker reports whether the WAF ingestion pipeline is alive.
type HealthChecker interface {
	Healthy() bool
}

// ReloadStatusReader exposes the state of queued nginx reloads.
type ReloadStatusReader interface {
	GetStatus(id int64) (nginx.ReloadStatus, bool)
}

// Server wraps the HTTP engine and shared dependencies for easier testing.
type Server struct {
	Engine *gin.Engine
	cfg    config.Config
}

// Deps are the components the operational endpoints surface.
type Deps struct {
	DB          *gorm.DB
	Broadcaster *events.Broadcaster
	Ingestor    HealthChecker
	Reloads     ReloadStatusReader
	Registry    *prometheus.Registry
}

// New wires up the HTTP router and registers the operational routes.
func New(cfg config.Config, deps Deps) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Environment == "development" {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Version})
	})

	router.GET("/readyz", func(c *gin.Context) { ready(c, deps) })

	if deps.Registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	if deps.Broadcaster != nil {
		router.GET("/events", func(c *gin.Context) { streamEvents(c, deps.Broadcaster) })
	}

	if deps.Reloads != nil {
		router.GET("/reloads/:id", func(c *gin.Context) { reloadStatus(c, deps.Reloads) })
	}

	return &Server{Engine: router, cfg: cfg}, nil
}

// ready is the readiness probe: the database must answer and the WAF
// ingestion pipeline must be healthy.
func ready(c *gin.Context, deps Deps) {
	if deps.DB != nil {
		sqlDB, err := deps.DB.DB()
		if err == nil {
			err = sqlDB.Ping()
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "reason": "database"})
			return
		}
	}
	if deps.Ingestor != nil && !deps.Ingestor.Healthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "reason": "waf_ingestor"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func reloadStatus(c *gin.Context, reloads ReloadStatusReader) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reload id"})
		return
	}
	status, ok := reloads.GetStatus(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "reload not found"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// streamEvents bridges the broadcaster onto an SSE connection. Topics are
// selected with ?topics=waf,ban; no filter means everything.
func streamEvents(c *gin.Context, b *events.Broadcaster) {
	var topics []string
	if raw := c.Query("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}

	sub := b.Subscribe(topics...)
	defer b.Unsubscribe(sub.ID)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

// Run starts the HTTP server with proper shutdown semantics.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", s.cfg.HTTPPort),
		Handler: s.Engine,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
