package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "0.0.0.0"

database:
  url: "postgres://localhost/engine"
  max_open_conns: 40
  max_idle_conns: 10

redis:
  addr: "localhost:6380"
  db: 2

rate_governor:
  domain_capacity: 80
  domain_window_seconds: 30
  global_capacity: 1000
  global_window_seconds: 30
  warmup_factor: 0.5
  warn_fail_rate: 0.1
  strict_fail_rate: 0.2
  domain_block_ttl_seconds: 600
  global_block_ttl_seconds: 600

worker:
  max_attempts: 5
  concurrency: 10
  public_base_url: "https://track.example.com"

reconciler:
  interval_ms: 30000
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	assert.Equal(t, "postgres://localhost/engine", cfg.Database.URL)
	assert.Equal(t, 40, cfg.Database.MaxOpenConns)
	assert.Equal(t, 10, cfg.Database.MaxIdleConns)

	assert.Equal(t, "localhost:6380", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)

	assert.Equal(t, 80, cfg.RateGovernor.DomainCapacity)
	assert.Equal(t, 30*1000000000, int(cfg.RateGovernor.DomainWindow().Nanoseconds()))
	assert.Equal(t, 1000, cfg.RateGovernor.GlobalCapacity)
	assert.Equal(t, 0.5, cfg.RateGovernor.WarmupFactor)
	assert.Equal(t, 0.1, cfg.RateGovernor.WarnFailRate)
	assert.Equal(t, 0.2, cfg.RateGovernor.StrictFailRate)
	assert.Equal(t, 600*1000000000, int(cfg.RateGovernor.DomainBlockTTL().Nanoseconds()))
	assert.Equal(t, 600*1000000000, int(cfg.RateGovernor.GlobalBlockTTL().Nanoseconds()))

	assert.Equal(t, 5, cfg.Worker.MaxAttempts)
	assert.Equal(t, 10, cfg.Worker.Concurrency)
	assert.Equal(t, "https://track.example.com", cfg.Worker.PublicBaseURL)
	assert.Equal(t, "https://track.example.com", cfg.Tracking.PublicBaseURL)

	assert.Equal(t, 30000, cfg.Reconciler.IntervalMS)
	assert.Equal(t, "@every 30s", cfg.Reconciler.Schedule())
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
worker:
  max_attempts: 7
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 20, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5, cfg.Database.MaxIdleConns)
	assert.Equal(t, "migrations", cfg.Database.MigrationsDir)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 50, cfg.RateGovernor.DomainCapacity)
	assert.Equal(t, 500, cfg.RateGovernor.GlobalCapacity)
	assert.Equal(t, 1.0, cfg.RateGovernor.WarmupFactor)
	assert.Equal(t, 0.05, cfg.RateGovernor.WarnFailRate)
	assert.Equal(t, 0.15, cfg.RateGovernor.StrictFailRate)
	assert.Equal(t, 7, cfg.Worker.MaxAttempts)
	assert.Equal(t, 5, cfg.Worker.Concurrency)
	assert.Equal(t, "smtp", cfg.Worker.ESPType)
	assert.Equal(t, 60000, cfg.Reconciler.IntervalMS)
	assert.Equal(t, 30, cfg.SMTP.TimeoutSeconds)
	assert.Equal(t, "us-east-1", cfg.SES.Region)
}

func TestLoadFromEnv(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database:
  url: "postgres://file/engine"
worker:
  max_attempts: 3
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	os.Setenv("DATABASE_URL", "postgres://env/engine")
	os.Setenv("MAX_ATTEMPTS", "9")
	os.Setenv("WORKER_CONCURRENCY", "16")
	os.Setenv("PUBLIC_BASE_URL", "https://env.example.com")
	os.Setenv("REPLY_WEBHOOK_SECRET", "s3cr3t")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("MAX_ATTEMPTS")
		os.Unsetenv("WORKER_CONCURRENCY")
		os.Unsetenv("PUBLIC_BASE_URL")
		os.Unsetenv("REPLY_WEBHOOK_SECRET")
	}()

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/engine", cfg.Database.URL)
	assert.Equal(t, 9, cfg.Worker.MaxAttempts)
	assert.Equal(t, 16, cfg.Worker.Concurrency)
	assert.Equal(t, "https://env.example.com", cfg.Worker.PublicBaseURL)
	assert.Equal(t, "https://env.example.com", cfg.Tracking.PublicBaseURL)
	assert.Equal(t, "s3cr3t", cfg.Reply.WebhookSecret)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestTimeout(t *testing.T) {
	cfg := SMTPConfig{TimeoutSeconds: 45}
	assert.Equal(t, 45*1000000000, int(cfg.Timeout().Nanoseconds()))
}

func TestSchedule(t *testing.T) {
	cfg := ReconcilerConfig{IntervalMS: 90000}
	assert.Equal(t, "@every 1m30s", cfg.Schedule())
}
