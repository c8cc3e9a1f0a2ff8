// Package config loads the engine's configuration: a YAML file for the
// operator-tunable sections plus a .env/environment overlay for secrets
// and deployment-specific values, following the teacher's
// Load/LoadFromEnv split in internal/config/config.go. The teacher's
// unrelated sections (SparkPost, Mailgun, Ongage, Everflow, OpenAI,
// Azure, Snowflake, Kanban, revenue modeling, OVHCloud, ...) are dropped;
// see DESIGN.md for the per-section justification.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	RateGovernor RateGovernorConfig `yaml:"rate_governor"`
	Worker      WorkerConfig      `yaml:"worker"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler"`
	Tracking    TrackingConfig    `yaml:"tracking"`
	SMTP        SMTPConfig        `yaml:"smtp"`
	SES         SESConfig         `yaml:"ses"`
	Reply       ReplyConfig       `yaml:"reply"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with ECS-style container detection
// carried from the teacher's ServerConfig.GetHost.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the Postgres connection the campaign store, ledger
// store, durable queue and reply store all share.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	MigrationsDir   string `yaml:"migrations_dir"`
}

// RedisConfig holds the Redis connection the rate governor, meta cache,
// event bus and distributed lock share.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RateGovernorConfig mirrors rategov.Config field-for-field so it can be
// loaded from YAML/env and handed to rategov.New (spec §6 Environment).
type RateGovernorConfig struct {
	DomainCapacity       int     `yaml:"domain_capacity"`
	DomainWindowSeconds  int     `yaml:"domain_window_seconds"`
	GlobalCapacity       int     `yaml:"global_capacity"`
	GlobalWindowSeconds  int     `yaml:"global_window_seconds"`
	WarmupFactor         float64 `yaml:"warmup_factor"`
	WarnFailRate         float64 `yaml:"warn_fail_rate"`
	StrictFailRate       float64 `yaml:"strict_fail_rate"`
	DomainBlockTTLSeconds int    `yaml:"domain_block_ttl_seconds"`
	GlobalBlockTTLSeconds int    `yaml:"global_block_ttl_seconds"`
}

// DomainWindow returns the domain sliding-window width as a duration.
func (c RateGovernorConfig) DomainWindow() time.Duration {
	return time.Duration(c.DomainWindowSeconds) * time.Second
}

// GlobalWindow returns the global sliding-window width as a duration.
func (c RateGovernorConfig) GlobalWindow() time.Duration {
	return time.Duration(c.GlobalWindowSeconds) * time.Second
}

// DomainBlockTTL returns the domain hard-block duration.
func (c RateGovernorConfig) DomainBlockTTL() time.Duration {
	return time.Duration(c.DomainBlockTTLSeconds) * time.Second
}

// GlobalBlockTTL returns the global hard-block duration.
func (c RateGovernorConfig) GlobalBlockTTL() time.Duration {
	return time.Duration(c.GlobalBlockTTLSeconds) * time.Second
}

// WorkerConfig holds the delivery worker pool's tunables (spec §6:
// MAX_ATTEMPTS, WORKER_CONCURRENCY, PUBLIC_BASE_URL).
type WorkerConfig struct {
	MaxAttempts          int    `yaml:"max_attempts"`
	Concurrency          int    `yaml:"concurrency"`
	PublicBaseURL        string `yaml:"public_base_url"`
	PermanentFailureFast bool   `yaml:"permanent_failure_fast"`
	ESPType              string `yaml:"esp_type"` // "smtp" | "ses"
}

// ReconcilerConfig holds the Finalizer's periodic sweep cadence (spec §6:
// RECONCILER_INTERVAL_MS).
type ReconcilerConfig struct {
	IntervalMS int `yaml:"interval_ms"`
}

// Schedule converts IntervalMS into a robfig/cron "@every" expression, the
// form finalize.NewReconciler expects.
func (c ReconcilerConfig) Schedule() string {
	if c.IntervalMS <= 0 {
		return ""
	}
	return "@every " + (time.Duration(c.IntervalMS) * time.Millisecond).String()
}

// TrackingConfig holds the tracking-pixel/click endpoints' settings.
type TrackingConfig struct {
	// PublicBaseURL is duplicated from WorkerConfig rather than shared,
	// since the rewriter (run by the worker) and the tracking handler (run
	// by the HTTP server) are different processes in the two-binary
	// deployment (cmd/worker, cmd/server).
	PublicBaseURL string `yaml:"public_base_url"`
}

// SMTPConfig holds the default pluggable Sender's credentials.
type SMTPConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured SMTP timeout as a duration.
func (c SMTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SESConfig holds the AWS SES v2 pluggable Sender's settings.
type SESConfig struct {
	Region string `yaml:"region"`
}

// ReplyConfig holds the Reply Correlator's inbound-webhook settings.
type ReplyConfig struct {
	WebhookSecret string `yaml:"webhook_secret"`
}

// Load reads and parses the YAML configuration file, filling in defaults
// for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// PermanentFailureFast defaults to true; an explicit false in the YAML
	// file overrides it.
	cfg := Config{Worker: WorkerConfig{PermanentFailureFast: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.MigrationsDir == "" {
		cfg.Database.MigrationsDir = "migrations"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.RateGovernor.DomainCapacity == 0 {
		cfg.RateGovernor.DomainCapacity = 50
	}
	if cfg.RateGovernor.DomainWindowSeconds == 0 {
		cfg.RateGovernor.DomainWindowSeconds = 60
	}
	if cfg.RateGovernor.GlobalCapacity == 0 {
		cfg.RateGovernor.GlobalCapacity = 500
	}
	if cfg.RateGovernor.GlobalWindowSeconds == 0 {
		cfg.RateGovernor.GlobalWindowSeconds = 60
	}
	if cfg.RateGovernor.WarmupFactor == 0 {
		cfg.RateGovernor.WarmupFactor = 1.0
	}
	if cfg.RateGovernor.WarnFailRate == 0 {
		cfg.RateGovernor.WarnFailRate = 0.05
	}
	if cfg.RateGovernor.StrictFailRate == 0 {
		cfg.RateGovernor.StrictFailRate = 0.15
	}
	if cfg.RateGovernor.DomainBlockTTLSeconds == 0 {
		cfg.RateGovernor.DomainBlockTTLSeconds = 300
	}
	if cfg.RateGovernor.GlobalBlockTTLSeconds == 0 {
		cfg.RateGovernor.GlobalBlockTTLSeconds = 300
	}
	if cfg.Worker.MaxAttempts == 0 {
		cfg.Worker.MaxAttempts = 3
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 5
	}
	if cfg.Worker.ESPType == "" {
		cfg.Worker.ESPType = "smtp"
	}
	if cfg.Reconciler.IntervalMS == 0 {
		cfg.Reconciler.IntervalMS = 60000
	}
	if cfg.Tracking.PublicBaseURL == "" {
		cfg.Tracking.PublicBaseURL = cfg.Worker.PublicBaseURL
	}
	if cfg.SMTP.TimeoutSeconds == 0 {
		cfg.SMTP.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
}

// LoadFromEnv loads the YAML file and then applies environment-variable
// overrides, following the teacher's LoadFromEnv pattern: .env is loaded
// first (no error if missing) so secrets can live there locally and in
// real environment variables in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.MaxAttempts = n
		}
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Concurrency = n
		}
	}
	if v := os.Getenv("PUBLIC_BASE_URL"); v != "" {
		cfg.Worker.PublicBaseURL = v
		cfg.Tracking.PublicBaseURL = v
	}
	if v := os.Getenv("RECONCILER_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reconciler.IntervalMS = n
		}
	}

	if v := os.Getenv("EMAIL_RATE_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateGovernor.DomainCapacity = n
		}
	}
	if v := os.Getenv("EMAIL_RATE_DURATION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateGovernor.DomainWindowSeconds = n
		}
	}
	if v := os.Getenv("EMAIL_GLOBAL_RATE_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateGovernor.GlobalCapacity = n
		}
	}
	if v := os.Getenv("EMAIL_GLOBAL_RATE_DURATION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateGovernor.GlobalWindowSeconds = n
		}
	}
	if v := os.Getenv("EMAIL_WARMUP_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateGovernor.WarmupFactor = f
		}
	}
	if v := os.Getenv("EMAIL_FAILURE_WARN_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateGovernor.WarnFailRate = f
		}
	}
	if v := os.Getenv("EMAIL_FAILURE_STRICT_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateGovernor.StrictFailRate = f
		}
	}
	if v := os.Getenv("EMAIL_DOMAIN_BLOCK_TTL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateGovernor.DomainBlockTTLSeconds = n
		}
	}
	if v := os.Getenv("EMAIL_GLOBAL_BLOCK_TTL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateGovernor.GlobalBlockTTLSeconds = n
		}
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = n
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		cfg.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("REPLY_WEBHOOK_SECRET"); v != "" {
		cfg.Reply.WebhookSecret = v
	}

	return cfg, nil
}
