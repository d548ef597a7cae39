package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Sync     SyncConfig     `yaml:"sync"`
	Trend    TrendConfig    `yaml:"trend"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Server   ServerConfig   `yaml:"server"`
}

// DatabaseConfig selects the SQL backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // file path for sqlite, connection string for postgres
}

// ScheduleConfig configures the periodic sync.
type ScheduleConfig struct {
	SyncInterval string `yaml:"sync_interval"`
}

// ParseSyncInterval returns the sync interval as time.Duration.
func (s ScheduleConfig) ParseSyncInterval() time.Duration {
	return parseDuration(s.SyncInterval, 24*time.Hour)
}

// SyncConfig configures the brand sync job.
type SyncConfig struct {
	SeedFile  string `yaml:"seed_file"`
	Spotlight bool   `yaml:"spotlight"` // mark brands found in the daily trending feed
	TopMovers int    `yaml:"top_movers"`
}

// TrendConfig configures the upstream fetch and normalization.
type TrendConfig struct {
	Provider          string `yaml:"provider"` // only "serpapi" for now
	APIKey            string `yaml:"api_key"`
	BaseURL           string `yaml:"base_url"`
	Anchor            string `yaml:"anchor"`
	Window            string `yaml:"window"`
	Geo               string `yaml:"geo"`
	Language          string `yaml:"language"`
	BatchSize         int    `yaml:"batch_size"`
	Concurrency       int    `yaml:"concurrency"`
	MaxRetries        int    `yaml:"max_retries"`
	Cooldown          string `yaml:"cooldown"`
	JitterMin         string `yaml:"jitter_min"`
	JitterMax         string `yaml:"jitter_max"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	DailyFeedURL      string `yaml:"daily_feed_url"`
}

// ParseCooldown returns the wait after a failed batch.
func (t TrendConfig) ParseCooldown() time.Duration {
	return parseDuration(t.Cooldown, 60*time.Second)
}

// ParseJitter returns the pause range between successful batches.
func (t TrendConfig) ParseJitter() (time.Duration, time.Duration) {
	lo := parseDuration(t.JitterMin, 5*time.Second)
	hi := parseDuration(t.JitterMax, 10*time.Second)
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// LedgerConfig configures settlement policy.
type LedgerConfig struct {
	// RealizePnL pays liquidations at current BES instead of returning principal 1:1.
	RealizePnL     bool   `yaml:"realize_pnl"`
	StartingPoints int64  `yaml:"starting_points"`
	DefaultRank    string `yaml:"default_rank"`
}

// AlertsConfig configures where sync summaries are sent.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", DSN: "./brandstreet.db"},
		Schedule: ScheduleConfig{SyncInterval: "24h"},
		Sync: SyncConfig{
			SeedFile:  "./brands.yaml",
			Spotlight: true,
			TopMovers: 5,
		},
		Trend: TrendConfig{
			Provider:          "serpapi",
			BaseURL:           "https://serpapi.com/search.json",
			Anchor:            "Nifty 50",
			Window:            "today 12-m",
			Geo:               "IN",
			Language:          "en",
			BatchSize:         4,
			Concurrency:       1,
			MaxRetries:        2,
			Cooldown:          "60s",
			JitterMin:         "5s",
			JitterMax:         "10s",
			RequestsPerMinute: 10,
			DailyFeedURL:      "https://trends.google.com/trending/rss?geo=IN",
		},
		Ledger: LedgerConfig{
			StartingPoints: 10000,
			DefaultRank:    "Rookie",
		},
		Server: ServerConfig{Port: 8080},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverrides lists the variables that take precedence over the file.
type envOverrides struct {
	DBDriver      string `envconfig:"BRANDSTREET_DB_DRIVER"`
	DBDSN         string `envconfig:"BRANDSTREET_DB_DSN"`
	SeedFile      string `envconfig:"BRANDSTREET_SEED_FILE"`
	SerpAPIKey    string `envconfig:"SERPAPI_API_KEY"`
	RealizePnL    *bool  `envconfig:"BRANDSTREET_REALIZE_PNL"`
	SlackWebhook  string `envconfig:"SLACK_WEBHOOK_URL"`
	WebhookURL    string `envconfig:"BRANDSTREET_WEBHOOK_URL"`
	WebhookSecret string `envconfig:"BRANDSTREET_WEBHOOK_SECRET"`
	Port          int    `envconfig:"BRANDSTREET_PORT"`
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	if env.DBDriver != "" {
		cfg.Database.Driver = env.DBDriver
	}
	if env.DBDSN != "" {
		cfg.Database.DSN = env.DBDSN
	}
	if env.SeedFile != "" {
		cfg.Sync.SeedFile = env.SeedFile
	}
	if env.SerpAPIKey != "" {
		cfg.Trend.APIKey = env.SerpAPIKey
	}
	if env.RealizePnL != nil {
		cfg.Ledger.RealizePnL = *env.RealizePnL
	}
	if env.SlackWebhook != "" {
		cfg.Alerts.Slack.WebhookURL = env.SlackWebhook
		cfg.Alerts.Slack.Enabled = true
	}
	if env.WebhookURL != "" {
		cfg.Alerts.Webhook.URL = env.WebhookURL
		cfg.Alerts.Webhook.Enabled = true
	}
	if env.WebhookSecret != "" {
		cfg.Alerts.Webhook.Secret = env.WebhookSecret
	}
	if env.Port != 0 {
		cfg.Server.Port = env.Port
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
