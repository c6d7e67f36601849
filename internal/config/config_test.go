package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Dispatch.DailySendCap != 125 {
		t.Errorf("Dispatch.DailySendCap = %d, want 125", cfg.Dispatch.DailySendCap)
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Errorf("Retry.MaxRetries = %d, want 5", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.BaseDelay() != time.Minute {
		t.Errorf("Retry.BaseDelay() = %v, want 1m", cfg.Retry.BaseDelay())
	}
	if cfg.Retry.MaxDelay() != 30*time.Minute {
		t.Errorf("Retry.MaxDelay() = %v, want 30m", cfg.Retry.MaxDelay())
	}
	if cfg.Reconcile.Lookback() != 48*time.Hour {
		t.Errorf("Reconcile.Lookback() = %v, want 48h", cfg.Reconcile.Lookback())
	}
	if cfg.ABTest.ConfidenceThreshold != 0.95 {
		t.Errorf("ABTest.ConfidenceThreshold = %v, want 0.95", cfg.ABTest.ConfidenceThreshold)
	}
	if cfg.Health.AlertSuccessRate != 0.8 {
		t.Errorf("Health.AlertSuccessRate = %v, want 0.8", cfg.Health.AlertSuccessRate)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
provider:
  api_key: file-key
  sender_id: "+15550000001"
dispatch:
  daily_send_cap: 200
  batch_size: 10
retry:
  max_retries: 8
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Provider.APIKey != "file-key" {
		t.Errorf("Provider.APIKey = %q", cfg.Provider.APIKey)
	}
	if cfg.Dispatch.DailySendCap != 200 || cfg.Dispatch.BatchSize != 10 {
		t.Errorf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Retry.MaxRetries != 8 {
		t.Errorf("Retry.MaxRetries = %d, want 8", cfg.Retry.MaxRetries)
	}
	// Unset values still fall back to defaults.
	if cfg.Dispatch.TickInterval() != 60*time.Second {
		t.Errorf("Dispatch.TickInterval() = %v, want 60s", cfg.Dispatch.TickInterval())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); !os.IsNotExist(err) {
		t.Errorf("Load() error = %v, want not-exist", err)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env-host/relay")
	t.Setenv("PROVIDER_API_KEY", "env-key")
	t.Setenv("WEBHOOK_SIGNING_SECRET", "env-secret")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("DAILY_SEND_CAP", "50")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFromEnv() error: %v", err)
	}
	if cfg.Database.URL != "postgres://env-host/relay" {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
	if cfg.Provider.APIKey != "env-key" {
		t.Errorf("Provider.APIKey = %q", cfg.Provider.APIKey)
	}
	if cfg.Webhook.SigningSecret != "env-secret" {
		t.Errorf("Webhook.SigningSecret = %q", cfg.Webhook.SigningSecret)
	}
	if !cfg.Redis.Enabled {
		t.Error("REDIS_URL should enable the cap limiter")
	}
	if cfg.Dispatch.DailySendCap != 50 {
		t.Errorf("Dispatch.DailySendCap = %d, want 50", cfg.Dispatch.DailySendCap)
	}
	// Defaults survive when the file is absent.
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
}

func TestLoadFromEnvBadCapIgnored(t *testing.T) {
	t.Setenv("DAILY_SEND_CAP", "not-a-number")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFromEnv() error: %v", err)
	}
	if cfg.Dispatch.DailySendCap != 125 {
		t.Errorf("Dispatch.DailySendCap = %d, want default 125", cfg.Dispatch.DailySendCap)
	}
}
