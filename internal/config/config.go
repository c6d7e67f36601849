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
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Provider  ProviderConfig  `yaml:"provider"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Retry     RetryConfig     `yaml:"retry"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Health    HealthConfig    `yaml:"health"`
	ABTest    ABTestConfig    `yaml:"ab_test"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis connection settings for the cap limiter.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// ProviderConfig holds the SMS provider API configuration.
type ProviderConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	SenderID       string `yaml:"sender_id"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Timeout returns the configured timeout as a duration.
func (c ProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WebhookConfig holds inbound webhook verification settings.
type WebhookConfig struct {
	SigningSecret string `yaml:"signing_secret"`
}

// DispatchConfig holds campaign dispatcher settings.
type DispatchConfig struct {
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`
	BatchSize           int `yaml:"batch_size"`
	DailySendCap        int `yaml:"daily_send_cap"`
	MaxSendRetries      int `yaml:"max_send_retries"`
	MinRecontactDays    int `yaml:"min_recontact_days"`
}

// TickInterval returns the dispatch tick interval as a duration.
func (c DispatchConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// RetryConfig holds failed-webhook retry queue settings.
type RetryConfig struct {
	DrainIntervalSeconds  int     `yaml:"drain_interval_seconds"`
	BaseDelaySeconds      int     `yaml:"base_delay_seconds"`
	MaxDelaySeconds       int     `yaml:"max_delay_seconds"`
	MaxRetries            int     `yaml:"max_retries"`
	StaleClaimMinutes     int     `yaml:"stale_claim_minutes"`
	ExhaustedAlertPercent float64 `yaml:"exhausted_alert_percent"`
}

// DrainInterval returns the drain interval as a duration.
func (c RetryConfig) DrainInterval() time.Duration {
	return time.Duration(c.DrainIntervalSeconds) * time.Second
}

// BaseDelay returns the backoff base delay as a duration.
func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelaySeconds) * time.Second
}

// MaxDelay returns the backoff cap as a duration.
func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySeconds) * time.Second
}

// StaleClaimAge returns how long an in_progress claim may sit before the
// sweep returns it to pending.
func (c RetryConfig) StaleClaimAge() time.Duration {
	return time.Duration(c.StaleClaimMinutes) * time.Minute
}

// ReconcileConfig holds reconciliation worker settings.
type ReconcileConfig struct {
	IntervalHours int `yaml:"interval_hours"`
	LookbackHours int `yaml:"lookback_hours"`
	PageSize      int `yaml:"page_size"`
	MaxAPIRetries int `yaml:"max_api_retries"`
}

// Interval returns the reconciliation interval as a duration.
func (c ReconcileConfig) Interval() time.Duration {
	return time.Duration(c.IntervalHours) * time.Hour
}

// Lookback returns the trailing window to reconcile.
func (c ReconcileConfig) Lookback() time.Duration {
	return time.Duration(c.LookbackHours) * time.Hour
}

// HealthConfig holds health probe settings.
type HealthConfig struct {
	IntervalMinutes     int     `yaml:"interval_minutes"`
	DeadlineSeconds     int     `yaml:"deadline_seconds"`
	ProbeDestination    string  `yaml:"probe_destination"`
	WindowHours         int     `yaml:"window_hours"`
	AlertSuccessRate    float64 `yaml:"alert_success_rate"`
	PollIntervalSeconds int     `yaml:"poll_interval_seconds"`
}

// Interval returns the probe interval as a duration.
func (c HealthConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// Deadline returns how long a probe waits for its webhook.
func (c HealthConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineSeconds) * time.Second
}

// Window returns the trailing window for success-rate queries.
func (c HealthConfig) Window() time.Duration {
	return time.Duration(c.WindowHours) * time.Hour
}

// PollInterval returns how often a running probe re-checks the event store.
func (c HealthConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// ABTestConfig holds A/B testing thresholds.
type ABTestConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MinSampleSize       int     `yaml:"min_sample_size"`
	EvalIntervalMinutes int     `yaml:"eval_interval_minutes"`
}

// EvalInterval returns how often running tests are re-evaluated.
func (c ABTestConfig) EvalInterval() time.Duration {
	return time.Duration(c.EvalIntervalMinutes) * time.Minute
}

// Load reads and parses the configuration file, then fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Provider.TimeoutSeconds == 0 {
		cfg.Provider.TimeoutSeconds = 30
	}
	if cfg.Provider.MaxRetries == 0 {
		cfg.Provider.MaxRetries = 3
	}
	if cfg.Dispatch.TickIntervalSeconds == 0 {
		cfg.Dispatch.TickIntervalSeconds = 60
	}
	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = 50
	}
	if cfg.Dispatch.DailySendCap == 0 {
		cfg.Dispatch.DailySendCap = 125
	}
	if cfg.Dispatch.MaxSendRetries == 0 {
		cfg.Dispatch.MaxSendRetries = 2
	}
	if cfg.Dispatch.MinRecontactDays == 0 {
		cfg.Dispatch.MinRecontactDays = 3
	}
	if cfg.Retry.DrainIntervalSeconds == 0 {
		cfg.Retry.DrainIntervalSeconds = 300
	}
	if cfg.Retry.BaseDelaySeconds == 0 {
		cfg.Retry.BaseDelaySeconds = 60
	}
	if cfg.Retry.MaxDelaySeconds == 0 {
		cfg.Retry.MaxDelaySeconds = 1800
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 5
	}
	if cfg.Retry.StaleClaimMinutes == 0 {
		cfg.Retry.StaleClaimMinutes = 10
	}
	if cfg.Retry.ExhaustedAlertPercent == 0 {
		cfg.Retry.ExhaustedAlertPercent = 20
	}
	if cfg.Reconcile.IntervalHours == 0 {
		cfg.Reconcile.IntervalHours = 24
	}
	if cfg.Reconcile.LookbackHours == 0 {
		cfg.Reconcile.LookbackHours = 48
	}
	if cfg.Reconcile.PageSize == 0 {
		cfg.Reconcile.PageSize = 100
	}
	if cfg.Reconcile.MaxAPIRetries == 0 {
		cfg.Reconcile.MaxAPIRetries = 5
	}
	if cfg.Health.IntervalMinutes == 0 {
		cfg.Health.IntervalMinutes = 60
	}
	if cfg.Health.DeadlineSeconds == 0 {
		cfg.Health.DeadlineSeconds = 60
	}
	if cfg.Health.WindowHours == 0 {
		cfg.Health.WindowHours = 1
	}
	if cfg.Health.AlertSuccessRate == 0 {
		cfg.Health.AlertSuccessRate = 0.8
	}
	if cfg.Health.PollIntervalSeconds == 0 {
		cfg.Health.PollIntervalSeconds = 2
	}
	if cfg.ABTest.ConfidenceThreshold == 0 {
		cfg.ABTest.ConfidenceThreshold = 0.95
	}
	if cfg.ABTest.MinSampleSize == 0 {
		cfg.ABTest.MinSampleSize = 30
	}
	if cfg.ABTest.EvalIntervalMinutes == 0 {
		cfg.ABTest.EvalIntervalMinutes = 15
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first so secrets can live in .env
// locally and in real env vars in deployment. A missing config file is not
// an error; defaults plus env vars are enough to run.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if os.IsNotExist(err) {
		cfg = Default()
	} else if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("PROVIDER_SENDER_ID"); v != "" {
		cfg.Provider.SenderID = v
	}
	if v := os.Getenv("WEBHOOK_SIGNING_SECRET"); v != "" {
		cfg.Webhook.SigningSecret = v
	}
	if v := os.Getenv("HEALTH_PROBE_DESTINATION"); v != "" {
		cfg.Health.ProbeDestination = v
	}
	if v := os.Getenv("DAILY_SEND_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatch.DailySendCap = n
		}
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied and no file read.
// Used by tests and by workers that only need timing parameters.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
