// Package api exposes the queue service over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/jobfleet/internal/api/handlers"
	"github.com/orrn/jobfleet/internal/api/middleware"
	"github.com/orrn/jobfleet/internal/archive"
	"github.com/orrn/jobfleet/internal/config"
	"github.com/orrn/jobfleet/internal/core"
	"github.com/orrn/jobfleet/internal/db"
	"github.com/orrn/jobfleet/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

type Deps struct {
	Auth      config.AuthConfig
	Store     *db.Store
	Workers   *core.WorkerService
	Jobs      *core.JobService
	Scheduler *core.Scheduler
	Webhooks  *webhook.Sender
	Archiver  *archive.Archiver
	Settings  *config.Config
	Logger    *slog.Logger
}

func NewRouter(d Deps) *gin.Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(logger))

	r.GET("/healthz", func(c *gin.Context) {
		if err := d.Store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.NewAuthMiddleware(d.Auth)
	v1 := r.Group("/api/v1")
	v1.POST("/auth/token", auth.TokenHandler)

	protected := v1.Group("", auth.RequireAuth())
	handlers.NewWorkerHandler(d.Workers).RegisterRoutes(protected)
	handlers.NewJobHandler(d.Jobs).RegisterRoutes(protected)
	handlers.NewQueueHandler(d.Jobs, d.Scheduler).RegisterRoutes(protected)
	if d.Webhooks != nil {
		handlers.NewWebhookHandler(d.Store, d.Webhooks).RegisterRoutes(protected)
	}
	if d.Archiver != nil {
		handlers.NewArchiveHandler(d.Archiver).RegisterRoutes(protected)
	}
	if d.Settings != nil {
		handlers.NewSettingsHandler(d.Settings).RegisterRoutes(protected)
	}
	return r
}

type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

func NewServer(cfg config.ServerConfig, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: logger.With("component", "server"),
	}
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}
