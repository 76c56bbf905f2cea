package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// StoreConfig holds settings for the file-backed metadata store.
type StoreConfig struct {
	Dir string `yaml:"dir" envconfig:"STORE_DIR"`
}

// FleetConfig holds settings shared by all hosted bot sessions.
type FleetConfig struct {
	// LongPollTimeoutSeconds defines long polling timeout; 0 -> default
	LongPollTimeoutSeconds   int `yaml:"longpoll_timeout_seconds" envconfig:"FLEET_LONGPOLL_TIMEOUT_SECONDS"`
	StopGraceSeconds         int `yaml:"stop_grace_seconds" envconfig:"FLEET_STOP_GRACE_SECONDS"`
	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds" envconfig:"FLEET_RECONCILE_INTERVAL_SECONDS"`
}

// BreakerConfig holds per-bot circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold   int `yaml:"failure_threshold" envconfig:"BREAKER_FAILURE_THRESHOLD"`
	WindowSeconds      int `yaml:"window_seconds" envconfig:"BREAKER_WINDOW_SECONDS"`
	CooldownSeconds    int `yaml:"cooldown_seconds" envconfig:"BREAKER_COOLDOWN_SECONDS"`
	CooldownMaxSeconds int `yaml:"cooldown_max_seconds" envconfig:"BREAKER_COOLDOWN_MAX_SECONDS"`
}

// JournalDBConfig holds the Postgres connection settings for the journal.
// It stays local to this package so config carries no dependency on the
// database layer; bootstrap converts it when wiring the connection.
type JournalDBConfig struct {
	Host           string `yaml:"host" envconfig:"JOURNAL_DB_HOST"`
	Port           string `yaml:"port" envconfig:"JOURNAL_DB_PORT"`
	User           string `yaml:"user" envconfig:"JOURNAL_DB_USER"`
	Password       string `yaml:"password" envconfig:"JOURNAL_DB_PASSWORD"`
	Name           string `yaml:"name" envconfig:"JOURNAL_DB_NAME"`
	SSLMode        string `yaml:"sslmode" envconfig:"JOURNAL_DB_SSLMODE"`
	MaxConnections int    `yaml:"max_connections" envconfig:"JOURNAL_DB_MAX_CONNECTIONS"`
}

// JournalConfig enables the optional Postgres journal for lifecycle transitions.
type JournalConfig struct {
	Enabled bool            `yaml:"enabled" envconfig:"JOURNAL_ENABLED"`
	DB      JournalDBConfig `yaml:"db"`
}

// AdminConfig holds settings for the management surface.
type AdminConfig struct {
	// Listen is the address of the admin HTTP listener; empty disables it.
	Listen string `yaml:"listen" envconfig:"ADMIN_LISTEN"`
	// APIKey guards mutating admin endpoints when set.
	APIKey string `yaml:"api_key" envconfig:"ADMIN_API_KEY"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	KeysOrder   string `yaml:"keys_order"`
	DebugSample string `yaml:"debug_sample"`
	Stacks      string `yaml:"stacks"`
	Dir         string `yaml:"dir"`
	BotFile     string `yaml:"bot_file"`
	ErrorsFile  string `yaml:"errors_file"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile string `yaml:"profile"`
}

const (
	// UpdateCallback identifies callback updates for rate limit exclusions.
	UpdateCallback = "callback"
	// UpdateMessage identifies message updates for rate limit exclusions.
	UpdateMessage = "message"
	// UpdateInlineQuery identifies inline query updates for rate limit exclusions.
	UpdateInlineQuery = "inline_query"
)

// RateLimitConfig holds settings for rate limiting.
// ExcludeUpdates accepts update types to bypass limiting:
// - "callback": Telegram callback button presses
// - "message": standard text messages
// - "inline_query": inline query updates
type RateLimitConfig struct {
	IntervalMS     int      `yaml:"interval_ms" envconfig:"RATE_LIMIT_INTERVAL_MS"`
	ExcludeUpdates []string `yaml:"exclude_updates" envconfig:"RATE_LIMIT_EXCLUDE_UPDATES"`
}

// Config aggregates the configuration that belongs to the orchestrator core.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Fleet     FleetConfig     `yaml:"fleet"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Journal   JournalConfig   `yaml:"journal"`
	Admin     AdminConfig     `yaml:"admin"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// Load reads configuration from a YAML file and environment variables.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize performs basic validation of required configuration fields and adjusts defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	if strings.TrimSpace(cfg.Store.Dir) == "" {
		return fmt.Errorf("store.dir is required")
	}

	if cfg.Fleet.LongPollTimeoutSeconds < 0 {
		return fmt.Errorf("fleet.longpoll_timeout_seconds must be >= 0")
	}
	if cfg.Fleet.StopGraceSeconds <= 0 {
		cfg.Fleet.StopGraceSeconds = 5
	}
	if cfg.Fleet.ReconcileIntervalSeconds <= 0 {
		cfg.Fleet.ReconcileIntervalSeconds = 60
	}

	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.WindowSeconds <= 0 {
		cfg.Breaker.WindowSeconds = 60
	}
	if cfg.Breaker.CooldownSeconds <= 0 {
		cfg.Breaker.CooldownSeconds = 30
	}
	if cfg.Breaker.CooldownMaxSeconds < cfg.Breaker.CooldownSeconds {
		cfg.Breaker.CooldownMaxSeconds = 600
	}

	if cfg.Journal.Enabled {
		if strings.TrimSpace(cfg.Journal.DB.Host) == "" {
			return fmt.Errorf("journal.db.host is required when journal.enabled is true")
		}
		if strings.TrimSpace(cfg.Journal.DB.Name) == "" {
			return fmt.Errorf("journal.db.name is required when journal.enabled is true")
		}
		if strings.TrimSpace(cfg.Journal.DB.Port) == "" {
			cfg.Journal.DB.Port = "5432"
		}
		if strings.TrimSpace(cfg.Journal.DB.SSLMode) == "" {
			cfg.Journal.DB.SSLMode = "disable"
		}
	}

	allowed := map[string]struct{}{
		UpdateCallback:    {},
		UpdateMessage:     {},
		UpdateInlineQuery: {},
	}
	for i, v := range cfg.RateLimit.ExcludeUpdates {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := allowed[key]; !ok {
			return fmt.Errorf("invalid rate_limit.exclude_updates value %q; allowed: callback, message, inline_query", v)
		}
		cfg.RateLimit.ExcludeUpdates[i] = key
	}
	return nil
}
