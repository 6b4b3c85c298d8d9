// Package config loads and validates the gateway configuration.
//
// Configuration files are YAML (or JSON5 by extension), expanded against
// the process environment so secrets can be injected as ${VAR}
// references. Files may pull in shared fragments with $include.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the gateway.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Auth        AuthConfig        `yaml:"auth"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Web         WebConfig         `yaml:"web"`
	Processor   ProcessorConfig   `yaml:"processor"`
	Bus         BusConfig         `yaml:"bus"`
	Artifacts   ArtifactsConfig   `yaml:"artifacts"`
	LegacyQueue LegacyQueueConfig `yaml:"legacy_queue"`
	History     HistoryConfig     `yaml:"history"`
	Binding     BindingConfig     `yaml:"binding"`
	Retention   RetentionConfig   `yaml:"retention"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// ServerConfig controls the HTTP listeners.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	MetricsPort     int           `yaml:"metrics_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	// Backend is "memory" or "postgres"
	Backend         string        `yaml:"backend"`
	DSN             string        `yaml:"dsn"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// AuthConfig controls web user authentication.
type AuthConfig struct {
	JWTSecret   string           `yaml:"jwt_secret"`
	TokenExpiry time.Duration    `yaml:"token_expiry"`
	BcryptCost  int              `yaml:"bcrypt_cost"`
	LoginLimit  LoginLimitConfig `yaml:"login_limit"`
}

// LoginLimitConfig bounds failed login attempts per email.
type LoginLimitConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	Window      time.Duration `yaml:"window"`
}

// TelegramConfig controls the Telegram webhook ingress.
type TelegramConfig struct {
	Enabled       bool            `yaml:"enabled"`
	BotToken      string          `yaml:"bot_token"`
	WebhookSecret string          `yaml:"webhook_secret"`
	WebhookPath   string          `yaml:"webhook_path"`
	WebhookURL    string          `yaml:"webhook_url"`
	APIEndpoint   string          `yaml:"api_endpoint"`
	Allowlist     AllowlistConfig `yaml:"allowlist"`
	SendRate      float64         `yaml:"send_rate"`
	SendBurst     int             `yaml:"send_burst"`
	MaxFileSize   int64           `yaml:"max_file_size"`
}

// AllowlistConfig seeds the admission allowlist at startup. The identity
// store remains the source of truth; admins add and remove entries at
// runtime.
type AllowlistConfig struct {
	Enforce   bool     `yaml:"enforce"`
	ChatIDs   []int64  `yaml:"chat_ids"`
	Usernames []string `yaml:"usernames"`
}

// WebConfig controls the browser WebSocket ingress.
type WebConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Path           string        `yaml:"path"`
	ConnectionTTL  time.Duration `yaml:"connection_ttl"`
	ReadLimit      int64         `yaml:"read_limit"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// ProcessorConfig describes the external agent processor hand-off.
type ProcessorConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	Mode           string        `yaml:"mode"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	AuthToken      string        `yaml:"auth_token"`
}

// BusConfig tunes the in-process event bus.
type BusConfig struct {
	BufferSize int `yaml:"buffer_size"`
	Workers    int `yaml:"workers"`
}

// ArtifactsConfig points attachment storage at an S3-compatible bucket,
// or at a local directory when no bucket is configured.
type ArtifactsConfig struct {
	LocalPath       string `yaml:"local_path"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// LegacyQueueConfig mirrors raw webhook bodies to an SQS queue while old
// consumers are still attached. Disabled by default.
type LegacyQueueConfig struct {
	Enabled  bool   `yaml:"enabled"`
	QueueURL string `yaml:"queue_url"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// HistoryConfig tunes turn persistence and conversation grouping.
type HistoryConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	ConversationGap time.Duration `yaml:"conversation_gap"`
	PageSize        int           `yaml:"page_size"`
}

// BindingConfig tunes cross-channel binding codes.
type BindingConfig struct {
	CodeTTL time.Duration `yaml:"code_ttl"`
}

// RetentionConfig schedules the expired-record sweeper.
type RetentionConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls OTLP trace export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads, merges, decodes, and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := decodeStrict(raw)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Storage.MaxConnections == 0 {
		cfg.Storage.MaxConnections = 25
	}
	if cfg.Storage.ConnMaxLifetime == 0 {
		cfg.Storage.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Storage.ConnectTimeout == 0 {
		cfg.Storage.ConnectTimeout = 10 * time.Second
	}

	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 168 * time.Hour
	}
	if cfg.Auth.BcryptCost == 0 {
		cfg.Auth.BcryptCost = 12
	}
	if cfg.Auth.LoginLimit.MaxFailures == 0 {
		cfg.Auth.LoginLimit.MaxFailures = 5
	}
	if cfg.Auth.LoginLimit.Window == 0 {
		cfg.Auth.LoginLimit.Window = 15 * time.Minute
	}

	if cfg.Telegram.WebhookPath == "" {
		cfg.Telegram.WebhookPath = "/webhook"
	}
	if cfg.Telegram.SendRate == 0 {
		cfg.Telegram.SendRate = 25
	}
	if cfg.Telegram.SendBurst == 0 {
		cfg.Telegram.SendBurst = 5
	}
	if cfg.Telegram.MaxFileSize == 0 {
		cfg.Telegram.MaxFileSize = 20 * 1024 * 1024
	}

	if cfg.Web.Path == "" {
		cfg.Web.Path = "/ws"
	}
	if cfg.Web.ConnectionTTL == 0 {
		cfg.Web.ConnectionTTL = 2 * time.Hour
	}
	if cfg.Web.ReadLimit == 0 {
		cfg.Web.ReadLimit = 64 * 1024
	}
	if cfg.Web.PingInterval == 0 {
		cfg.Web.PingInterval = 30 * time.Second
	}

	if cfg.Processor.Mode == "" {
		cfg.Processor.Mode = "sync"
	}
	if cfg.Processor.Timeout == 0 {
		cfg.Processor.Timeout = 60 * time.Second
	}
	if cfg.Processor.MaxAttempts == 0 {
		cfg.Processor.MaxAttempts = 3
	}
	if cfg.Processor.InitialBackoff == 0 {
		cfg.Processor.InitialBackoff = time.Second
	}

	if cfg.Bus.BufferSize == 0 {
		cfg.Bus.BufferSize = 256
	}
	if cfg.Bus.Workers == 0 {
		cfg.Bus.Workers = 4
	}

	if cfg.Artifacts.Region == "" {
		cfg.Artifacts.Region = "us-east-1"
	}

	if cfg.History.TTL == 0 {
		cfg.History.TTL = 90 * 24 * time.Hour
	}
	if cfg.History.ConversationGap == 0 {
		cfg.History.ConversationGap = time.Hour
	}
	if cfg.History.PageSize == 0 {
		cfg.History.PageSize = 50
	}

	if cfg.Binding.CodeTTL == 0 {
		cfg.Binding.CodeTTL = 5 * time.Minute
	}

	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "*/5 * * * *"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("storage.backend %q is not supported (memory, postgres)", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for the postgres backend")
	}

	switch c.Processor.Mode {
	case "sync", "async":
	default:
		return fmt.Errorf("processor.mode %q is not supported (sync, async)", c.Processor.Mode)
	}

	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
	}
	if c.Web.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when the web channel is enabled")
	}
	if c.LegacyQueue.Enabled && c.LegacyQueue.QueueURL == "" {
		return fmt.Errorf("legacy_queue.queue_url is required when the legacy queue is enabled")
	}
	return nil
}
