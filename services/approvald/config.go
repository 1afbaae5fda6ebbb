package approvald

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler, used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for approvald.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	PublicURL     string          `yaml:"public_url" toml:"public_url"`
	Environment   string          `yaml:"env" toml:"env"`
	Order         OrderConfig     `yaml:"order" toml:"order"`
	Ledger        LedgerConfig    `yaml:"ledger" toml:"ledger"`
	Notify        NotifyConfig    `yaml:"notify" toml:"notify"`
	Registry      RegistryConfig  `yaml:"registry" toml:"registry"`
	Audit         AuditConfig     `yaml:"audit" toml:"audit"`
	Log           LogConfig       `yaml:"log" toml:"log"`
	RateLimits    RateLimits      `yaml:"rate_limits" toml:"rate_limits"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// OrderConfig bounds the approval window and how long finished orders remain
// queryable.
type OrderConfig struct {
	DefaultDelay Duration `yaml:"default_delay" toml:"default_delay"`
	MaxDelay     Duration `yaml:"max_delay" toml:"max_delay"`
	Retention    Duration `yaml:"retention" toml:"retention"`
}

// LedgerConfig points at the escrow ledger JSON-RPC endpoint.
type LedgerConfig struct {
	URL       string   `yaml:"url" toml:"url"`
	AuthToken string   `yaml:"auth_token" toml:"auth_token"`
	Timeout   Duration `yaml:"timeout" toml:"timeout"`
}

// NotifyConfig configures the mail relay. An empty endpoint logs
// notifications instead of sending them.
type NotifyConfig struct {
	Endpoint      string   `yaml:"endpoint" toml:"endpoint"`
	APIKey        string   `yaml:"api_key" toml:"api_key"`
	From          string   `yaml:"from" toml:"from"`
	Subject       string   `yaml:"subject" toml:"subject"`
	RatePerSecond float64  `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int      `yaml:"burst" toml:"burst"`
	QueueCapacity int      `yaml:"queue_capacity" toml:"queue_capacity"`
	Workers       int      `yaml:"workers" toml:"workers"`
	Timeout       Duration `yaml:"timeout" toml:"timeout"`
}

// RegistryConfig selects the order registry backend.
type RegistryConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
}

// AuditConfig enables the lifecycle audit trail and idempotency store.
type AuditConfig struct {
	DSN string `yaml:"dsn" toml:"dsn"`
}

// LogConfig tunes log verbosity and the optional rotated log file.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// RateLimit is a per-client token bucket expressed per minute.
type RateLimit struct {
	RequestsPerMinute int `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int `yaml:"burst" toml:"burst"`
}

// RateLimits groups the API rate limits by route family.
type RateLimits struct {
	Create  RateLimit `yaml:"create" toml:"create"`
	Approve RateLimit `yaml:"approve" toml:"approve"`
	Read    RateLimit `yaml:"read" toml:"read"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

const (
	RegistryMemory = "memory"
	RegistrySQLite = "sqlite"
)

// LoadConfig reads configuration from path (YAML, or TOML for *.toml files),
// applies APPROVALD_* environment overrides and defaults, then validates the
// result. An empty path configures the service from the environment alone.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.ListenAddress = getenvDefault("APPROVALD_LISTEN", cfg.ListenAddress)
	cfg.PublicURL = getenvDefault("APPROVALD_PUBLIC_URL", cfg.PublicURL)
	cfg.Environment = getenvDefault("APPROVALD_ENV", cfg.Environment)
	cfg.Ledger.URL = getenvDefault("APPROVALD_LEDGER_URL", cfg.Ledger.URL)
	cfg.Ledger.AuthToken = getenvDefault("APPROVALD_LEDGER_TOKEN", cfg.Ledger.AuthToken)
	cfg.Notify.Endpoint = getenvDefault("APPROVALD_NOTIFY_ENDPOINT", cfg.Notify.Endpoint)
	cfg.Notify.APIKey = getenvDefault("APPROVALD_NOTIFY_API_KEY", cfg.Notify.APIKey)
	cfg.Notify.From = getenvDefault("APPROVALD_NOTIFY_FROM", cfg.Notify.From)
	cfg.Registry.Driver = getenvDefault("APPROVALD_REGISTRY_DRIVER", cfg.Registry.Driver)
	cfg.Registry.Path = getenvDefault("APPROVALD_REGISTRY_PATH", cfg.Registry.Path)
	cfg.Audit.DSN = getenvDefault("APPROVALD_AUDIT_DSN", cfg.Audit.DSN)
	cfg.Log.Level = getenvDefault("APPROVALD_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getenvDefault("APPROVALD_LOG_FILE", cfg.Log.File)
	cfg.Telemetry.Endpoint = getenvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Headers = getenvDefault("OTEL_EXPORTER_OTLP_HEADERS", cfg.Telemetry.Headers)
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("parse OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Telemetry.Insecure = parsed
	}
	durations := map[string]*Duration{
		"APPROVALD_DEFAULT_DELAY":  &cfg.Order.DefaultDelay,
		"APPROVALD_MAX_DELAY":      &cfg.Order.MaxDelay,
		"APPROVALD_RETENTION":      &cfg.Order.Retention,
		"APPROVALD_LEDGER_TIMEOUT": &cfg.Ledger.Timeout,
	}
	for key, target := range durations {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		if err := target.UnmarshalText([]byte(raw)); err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8085"
	}
	if cfg.Order.DefaultDelay.Duration == 0 {
		cfg.Order.DefaultDelay.Duration = 60 * time.Second
	}
	if cfg.Order.MaxDelay.Duration == 0 {
		cfg.Order.MaxDelay.Duration = 24 * time.Hour
	}
	if cfg.Order.Retention.Duration == 0 {
		cfg.Order.Retention.Duration = 15 * time.Minute
	}
	if cfg.Ledger.Timeout.Duration == 0 {
		cfg.Ledger.Timeout.Duration = 10 * time.Second
	}
	if cfg.Notify.Subject == "" {
		cfg.Notify.Subject = "Payment approval requested"
	}
	if cfg.Notify.RatePerSecond <= 0 {
		cfg.Notify.RatePerSecond = 5
	}
	if cfg.Notify.Burst <= 0 {
		cfg.Notify.Burst = 10
	}
	if cfg.Notify.QueueCapacity <= 0 {
		cfg.Notify.QueueCapacity = 1024
	}
	if cfg.Notify.Workers <= 0 {
		cfg.Notify.Workers = 2
	}
	if cfg.Notify.Timeout.Duration == 0 {
		cfg.Notify.Timeout.Duration = 10 * time.Second
	}
	cfg.Registry.Driver = strings.ToLower(strings.TrimSpace(cfg.Registry.Driver))
	if cfg.Registry.Driver == "" {
		cfg.Registry.Driver = RegistryMemory
	}
	defaultLimit(&cfg.RateLimits.Create, 60, 10)
	defaultLimit(&cfg.RateLimits.Approve, 120, 20)
	defaultLimit(&cfg.RateLimits.Read, 300, 50)
}

func defaultLimit(limit *RateLimit, perMinute, burst int) {
	if limit.RequestsPerMinute <= 0 {
		limit.RequestsPerMinute = perMinute
	}
	if limit.Burst <= 0 {
		limit.Burst = burst
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Ledger.URL) == "" {
		return errors.New("ledger url must be configured")
	}
	if _, err := url.ParseRequestURI(cfg.Ledger.URL); err != nil {
		return fmt.Errorf("ledger url: %w", err)
	}
	if strings.TrimSpace(cfg.PublicURL) == "" {
		return errors.New("public_url must be configured")
	}
	if parsed, err := url.Parse(cfg.PublicURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("public_url must be an absolute URL: %q", cfg.PublicURL)
	}
	if cfg.Order.DefaultDelay.Duration < time.Second {
		return errors.New("order default_delay must be at least 1s")
	}
	if cfg.Order.MaxDelay.Duration < cfg.Order.DefaultDelay.Duration {
		return errors.New("order max_delay must not be shorter than default_delay")
	}
	switch cfg.Registry.Driver {
	case RegistryMemory:
	case RegistrySQLite:
		if strings.TrimSpace(cfg.Registry.Path) == "" {
			return errors.New("registry path must be configured for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown registry driver %q", cfg.Registry.Driver)
	}
	if cfg.Notify.Endpoint != "" && strings.TrimSpace(cfg.Notify.From) == "" {
		return errors.New("notify from address must be configured with a mail relay endpoint")
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
