// Package config loads the daemon and CLI configuration from YAML.
package config

import (
	"time"

	"github.com/Novexpro/Novexpro-sub000/internal/hours"
)

// Config is the top-level configuration.
type Config struct {
	Instance   InstanceConfig         `yaml:"instance"`
	Log        LogConfig              `yaml:"log"`
	Database   DatabaseConfig         `yaml:"database"`
	Hours      HoursConfig            `yaml:"hours"`
	Retry      map[string]RetryConfig `yaml:"retry"`
	Feeds      []FeedConfig           `yaml:"feeds"`
	Stream     StreamConfig           `yaml:"stream"`
	Gateway    GatewayConfig          `yaml:"gateway"`
	Settlement SettlementConfig       `yaml:"settlement"`
	Retention  RetentionConfig        `yaml:"retention"`
	Hub        HubConfig              `yaml:"hub"`
	Redis      RedisConfig            `yaml:"redis"`
	Server     ServerConfig           `yaml:"server"`
	Metrics    MetricsConfig          `yaml:"metrics"`
}

// InstanceConfig identifies this process in logs.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// DatabaseConfig selects and configures the durable store.
type DatabaseConfig struct {
	Driver   string       `yaml:"driver"` // postgres or sqlite
	Postgres DBConfig     `yaml:"postgres"`
	SQLite   SQLiteConfig `yaml:"sqlite"`
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// SQLiteConfig holds the embedded database settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// HoursConfig is an operating window in a timezone.
type HoursConfig struct {
	Timezone        string   `yaml:"timezone"`
	IncludeWeekends bool     `yaml:"include_weekends"`
	StartHour       int      `yaml:"start_hour"`
	EndHour         int      `yaml:"end_hour"`
	Holidays        []string `yaml:"holidays"`
}

// Window converts to an hours.Window.
func (h HoursConfig) Window() hours.Window {
	return hours.Window{
		WeekdaysOnly: !h.IncludeWeekends,
		StartHour:    h.StartHour,
		EndHour:      h.EndHour,
		Holidays:     h.Holidays,
	}
}

// Gate builds the hours gate for this window.
func (h HoursConfig) Gate() (*hours.Gate, error) {
	return hours.NewGate(h.Timezone, h.Window())
}

// RetryConfig is the backoff policy for one feed class.
type RetryConfig struct {
	BaseDelay        time.Duration `yaml:"base_delay"`
	Factor           float64       `yaml:"factor"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	MaxRetries       int           `yaml:"max_retries"`
	DegradedInterval time.Duration `yaml:"degraded_interval"`
}

// ExtractConfig locates fields in a JSON payload (gjson paths).
type ExtractConfig struct {
	ValuePath         string  `yaml:"value_path"`
	ChangePath        string  `yaml:"change_path"`
	ChangePercentPath string  `yaml:"change_percent_path"`
	TimePath          string  `yaml:"time_path"`
	ContractPath      string  `yaml:"contract_path"`
	MinValue          float64 `yaml:"min_value"`
	MaxValue          float64 `yaml:"max_value"`
}

// FeedConfig describes one polled upstream feed.
type FeedConfig struct {
	ID            string            `yaml:"id"`
	Class         string            `yaml:"class"` // key into Config.Retry
	URL           string            `yaml:"url"`
	Headers       map[string]string `yaml:"headers"`
	Extract       ExtractConfig     `yaml:",inline"`
	FastInterval  time.Duration     `yaml:"fast_interval"`
	SlowInterval  time.Duration     `yaml:"slow_interval"`
	Timeout       time.Duration     `yaml:"timeout"`
	MinRequestGap time.Duration     `yaml:"min_request_gap"`
}

// StreamConfig configures the push-style settlement stream.
type StreamConfig struct {
	Enabled            bool              `yaml:"enabled"`
	URL                string            `yaml:"url"`
	Feed               string            `yaml:"feed"`
	Headers            map[string]string `yaml:"headers"`
	Extract            ExtractConfig     `yaml:",inline"`
	PingInterval       time.Duration     `yaml:"ping_interval"`
	ReadTimeout        time.Duration     `yaml:"read_timeout"`
	ReconnectBaseDelay time.Duration     `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration     `yaml:"reconnect_max_delay"`
}

// GatewayConfig configures durable writes.
type GatewayConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	Tolerance   string        `yaml:"tolerance"` // decimal
}

// SettlementConfig configures the derived settlement series.
type SettlementConfig struct {
	PriceSeries     string `yaml:"price_series"`
	RateSeries      string `yaml:"rate_series"`
	DutyFactor      string `yaml:"duty_factor"` // decimal
	IncludeWeekends bool   `yaml:"include_weekends"`
	BackfillDays    int    `yaml:"backfill_days"`
}

// RetentionConfig configures the cleanup job.
type RetentionConfig struct {
	DaysToKeep          int           `yaml:"days_to_keep"`
	ArchiveBeforeDelete bool          `yaml:"archive_before_delete"`
	BatchSize           int           `yaml:"batch_size"`
	Schedule            string        `yaml:"schedule"` // cron spec
	Window              HoursConfig   `yaml:"window"`
	Archive             ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig selects where expired rows are archived.
type ArchiveConfig struct {
	Kind   string `yaml:"kind"` // file or s3
	Dir    string `yaml:"dir"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// HubConfig configures the consumer read API.
type HubConfig struct {
	FreshFor time.Duration `yaml:"fresh_for"`
}

// RedisConfig configures the optional latest-quote mirror.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	Path string `yaml:"path"`
}
