package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/jobfleet/internal/config"
)

type SettingsHandler struct {
	config *config.Config
}

type SchedulerSettings struct {
	QueueInterval     string `json:"queue_interval"`
	HeartbeatInterval string `json:"heartbeat_interval"`
	StaleThreshold    string `json:"stale_threshold"`
	RetryDelay        string `json:"retry_delay"`
	DefaultMaxRetries int    `json:"default_max_retries"`
	OrphanGrace       string `json:"orphan_grace"`
}

type ChannelSettings struct {
	Driver    string `json:"driver"`
	Codec     string `json:"codec"`
	RedisAddr string `json:"redis_addr,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

type WebhookSettings struct {
	RetryCount  int     `json:"retry_count"`
	RetryDelay  string  `json:"retry_delay"`
	Timeout     string  `json:"timeout"`
	WorkerCount int     `json:"worker_count"`
	RateLimit   float64 `json:"rate_limit"`
}

type ArchiveSettings struct {
	Path     string `json:"path"`
	Days     int    `json:"days"`
	Schedule string `json:"schedule"`
}

// SettingsResponse is the effective service configuration. Secrets are
// reported only as present or absent.
type SettingsResponse struct {
	Port            int               `json:"port"`
	DatabasePath    string            `json:"database_path"`
	Scheduler       SchedulerSettings `json:"scheduler"`
	Channel         ChannelSettings   `json:"channel"`
	Webhook         WebhookSettings   `json:"webhook"`
	Archive         ArchiveSettings   `json:"archive"`
	AuthEnabled     bool              `json:"auth_enabled"`
	EmbeddedWorkers int               `json:"embedded_workers"`
	LogLevel        string            `json:"log_level"`
	LogFormat       string            `json:"log_format"`
}

func NewSettingsHandler(cfg *config.Config) *SettingsHandler {
	return &SettingsHandler{config: cfg}
}

func (h *SettingsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settings", h.GetSettings)
}

func (h *SettingsHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, settingsFromConfig(h.config))
}

func settingsFromConfig(cfg *config.Config) SettingsResponse {
	resp := SettingsResponse{
		Port:         cfg.Server.Port,
		DatabasePath: cfg.Database.Path,
		Scheduler: SchedulerSettings{
			QueueInterval:     cfg.Scheduler.QueueInterval.String(),
			HeartbeatInterval: cfg.Scheduler.HeartbeatInterval.String(),
			StaleThreshold:    cfg.Scheduler.StaleThreshold.String(),
			RetryDelay:        cfg.Scheduler.RetryDelay.String(),
			DefaultMaxRetries: cfg.Scheduler.DefaultMaxRetries,
			OrphanGrace:       cfg.Scheduler.OrphanGrace.String(),
		},
		Channel: ChannelSettings{
			Driver: cfg.Channel.Driver,
			Codec:  cfg.Channel.Codec,
		},
		Webhook: WebhookSettings{
			RetryCount:  cfg.Webhook.RetryCount,
			RetryDelay:  cfg.Webhook.RetryDelay.String(),
			Timeout:     cfg.Webhook.Timeout.String(),
			WorkerCount: cfg.Webhook.WorkerCount,
			RateLimit:   cfg.Webhook.RateLimit,
		},
		Archive: ArchiveSettings{
			Path:     cfg.Archive.Path,
			Days:     cfg.Archive.Days,
			Schedule: cfg.Archive.Schedule,
		},
		AuthEnabled:     cfg.Auth.Enabled(),
		EmbeddedWorkers: cfg.Worker.Embedded,
		LogLevel:        cfg.Logging.Level,
		LogFormat:       cfg.Logging.Format,
	}
	if cfg.Channel.Driver == "redis" {
		resp.Channel.RedisAddr = cfg.Channel.RedisAddr
		resp.Channel.KeyPrefix = cfg.Channel.KeyPrefix
	}
	return resp
}
