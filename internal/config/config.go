package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Channel   ChannelConfig   `yaml:"channel"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Auth      AuthConfig      `yaml:"auth"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type SchedulerConfig struct {
	QueueInterval     time.Duration `yaml:"queue_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleThreshold    time.Duration `yaml:"stale_threshold"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
	OrphanGrace       time.Duration `yaml:"orphan_grace"`
}

type WorkerConfig struct {
	Name              string        `yaml:"name"`
	ConcurrencyLimit  int           `yaml:"concurrency_limit"`
	QueueServiceURL   string        `yaml:"queue_service_url"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RegisterAttempts  int           `yaml:"register_attempts"`
	RegisterBaseDelay time.Duration `yaml:"register_base_delay"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	StepDelay         time.Duration `yaml:"step_delay"`
	EnrollmentKey     string        `yaml:"enrollment_key"`
	Embedded          int           `yaml:"embedded"`
}

type ChannelConfig struct {
	Driver      string        `yaml:"driver"`
	Codec       string        `yaml:"codec"`
	RedisAddr   string        `yaml:"redis_addr"`
	RedisPass   string        `yaml:"redis_password"`
	RedisDB     int           `yaml:"redis_db"`
	KeyPrefix   string        `yaml:"key_prefix"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

type WebhookConfig struct {
	RetryCount  int           `yaml:"retry_count"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	Timeout     time.Duration `yaml:"timeout"`
	WorkerCount int           `yaml:"worker_count"`
	QueueSize   int           `yaml:"queue_size"`
	RateLimit   float64       `yaml:"rate_limit"`
	RateBurst   int           `yaml:"rate_burst"`
}

type AuthConfig struct {
	JWTSecret         string        `yaml:"jwt_secret"`
	EnrollmentKeyHash string        `yaml:"enrollment_key_hash"`
	TokenTTL          time.Duration `yaml:"token_ttl"`
}

func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

type ArchiveConfig struct {
	Path     string `yaml:"path"`
	Days     int    `yaml:"days"`
	Schedule string `yaml:"schedule"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		QueueInterval:     10 * time.Second,
		HeartbeatInterval: 120 * time.Second,
		StaleThreshold:    2 * time.Minute,
		RetryDelay:        10 * time.Second,
		DefaultMaxRetries: 3,
		OrphanGrace:       time.Minute,
	}
}

func DefaultWorkerConfig() WorkerConfig {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return WorkerConfig{
		Name:              host,
		ConcurrencyLimit:  2,
		QueueServiceURL:   "http://localhost:8080",
		HeartbeatInterval: 30 * time.Second,
		RegisterAttempts:  5,
		RegisterBaseDelay: 2 * time.Second,
		RequestTimeout:    10 * time.Second,
		StepDelay:         time.Second,
	}
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "./data/jobfleet.db",
		},
		Scheduler: DefaultSchedulerConfig(),
		Worker:    DefaultWorkerConfig(),
		Channel: ChannelConfig{
			Driver:      "memory",
			Codec:       "json",
			RedisAddr:   "localhost:6379",
			KeyPrefix:   "jobfleet",
			PollTimeout: 5 * time.Second,
		},
		Webhook: WebhookConfig{
			RetryCount:  3,
			RetryDelay:  5 * time.Second,
			Timeout:     10 * time.Second,
			WorkerCount: 3,
			QueueSize:   100,
			RateLimit:   10,
			RateBurst:   5,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Archive: ArchiveConfig{
			Path:     "./data/archives",
			Days:     30,
			Schedule: "@daily",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func Default() *Config {
	return defaults()
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv returns defaults overridden by JOBFLEET_* variables.
func LoadFromEnv() *Config {
	cfg := defaults()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides file settings with JOBFLEET_* variables. Integer
// variables that do not parse are ignored.
func (c *Config) ApplyEnv() {
	text := map[string]*string{
		"JOBFLEET_DB_PATH":             &c.Database.Path,
		"JOBFLEET_LOG_LEVEL":           &c.Logging.Level,
		"JOBFLEET_LOG_FORMAT":          &c.Logging.Format,
		"JOBFLEET_CHANNEL_DRIVER":      &c.Channel.Driver,
		"JOBFLEET_CHANNEL_CODEC":       &c.Channel.Codec,
		"JOBFLEET_REDIS_ADDR":          &c.Channel.RedisAddr,
		"JOBFLEET_REDIS_PASSWORD":      &c.Channel.RedisPass,
		"JOBFLEET_WORKER_NAME":         &c.Worker.Name,
		"JOBFLEET_QUEUE_SERVICE_URL":   &c.Worker.QueueServiceURL,
		"JOBFLEET_ENROLLMENT_KEY":      &c.Worker.EnrollmentKey,
		"JOBFLEET_JWT_SECRET":          &c.Auth.JWTSecret,
		"JOBFLEET_ENROLLMENT_KEY_HASH": &c.Auth.EnrollmentKeyHash,
	}
	for name, dst := range text {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	numbers := map[string]*int{
		"JOBFLEET_PORT":               &c.Server.Port,
		"JOBFLEET_WORKER_CONCURRENCY": &c.Worker.ConcurrencyLimit,
	}
	for name, dst := range numbers {
		if n, err := strconv.Atoi(os.Getenv(name)); err == nil {
			*dst = n
		}
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Scheduler.QueueInterval <= 0 {
		return fmt.Errorf("scheduler queue interval must be positive")
	}

	if c.Scheduler.HeartbeatInterval <= 0 {
		return fmt.Errorf("scheduler heartbeat interval must be positive")
	}

	if c.Scheduler.StaleThreshold <= 0 {
		return fmt.Errorf("scheduler stale threshold must be positive")
	}

	if c.Scheduler.RetryDelay < 0 {
		return fmt.Errorf("retry delay must be non-negative")
	}

	if c.Scheduler.DefaultMaxRetries < 0 {
		return fmt.Errorf("default max retries must be non-negative")
	}

	if c.Scheduler.OrphanGrace <= 0 {
		return fmt.Errorf("scheduler orphan grace must be positive")
	}

	if err := c.Worker.Validate(); err != nil {
		return err
	}

	if c.Worker.Embedded < 0 {
		return fmt.Errorf("embedded worker count must be non-negative")
	}

	if err := c.Channel.Validate(); err != nil {
		return err
	}

	if c.Webhook.RetryCount < 0 {
		return fmt.Errorf("webhook retry count must be non-negative")
	}

	if c.Webhook.RateLimit < 0 {
		return fmt.Errorf("webhook rate limit must be non-negative")
	}

	if c.Auth.Enabled() && c.Auth.EnrollmentKeyHash == "" {
		return fmt.Errorf("auth enrollment key hash is required when a jwt secret is set")
	}

	if c.Auth.TokenTTL < 0 {
		return fmt.Errorf("auth token ttl must be non-negative")
	}

	if c.Archive.Days < 0 {
		return fmt.Errorf("archive days must be non-negative")
	}

	return c.Logging.Validate()
}

func (w WorkerConfig) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("worker name is required")
	}

	if w.ConcurrencyLimit < 1 {
		return fmt.Errorf("worker concurrency limit must be at least 1")
	}

	if w.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat interval must be positive")
	}

	if w.RegisterAttempts < 1 {
		return fmt.Errorf("worker register attempts must be at least 1")
	}

	if w.RegisterBaseDelay < 0 {
		return fmt.Errorf("worker register base delay must be non-negative")
	}

	if w.StepDelay < 0 {
		return fmt.Errorf("worker step delay must be non-negative")
	}

	return nil
}

func (ch ChannelConfig) Validate() error {
	switch ch.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid channel driver: %s (valid: memory, redis)", ch.Driver)
	}

	switch ch.Codec {
	case "json", "msgpack":
	default:
		return fmt.Errorf("invalid channel codec: %s (valid: json, msgpack)", ch.Codec)
	}

	if ch.Driver == "redis" && ch.RedisAddr == "" {
		return fmt.Errorf("redis address is required for the redis channel driver")
	}

	return nil
}

func (l LoggingConfig) Validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", l.Level)
	}

	switch l.Format {
	case "json", "text", "plain":
	default:
		return fmt.Errorf("invalid log format: %s (valid: json, text, plain)", l.Format)
	}
	return nil
}
