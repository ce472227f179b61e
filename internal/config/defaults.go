package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultDriver             = "postgres"
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultSQLitePath         = "data/feeds.db"
	DefaultTimezone           = "Asia/Kolkata"
	DefaultStartHour          = 6
	DefaultEndHour            = 24
	DefaultFeedClass          = ClassUI
	DefaultFastInterval       = 10 * time.Second
	DefaultSlowInterval       = 10 * time.Minute
	DefaultFeedTimeout        = 8 * time.Second
	DefaultMinRequestGap      = 1 * time.Second
	DefaultStreamFeed         = "cash_settlement"
	DefaultPingInterval       = 15 * time.Second
	DefaultReadTimeout        = 45 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultGatewayMaxAttempts = 3
	DefaultGatewayRetryDelay  = 500 * time.Millisecond
	DefaultTolerance          = "0.0001"
	DefaultPriceSeries        = "cash_settlement"
	DefaultRateSeries         = "reference_rate_a"
	DefaultDutyFactor         = "1"
	DefaultBackfillDays       = 7
	DefaultDaysToKeep         = 90
	DefaultRetentionBatchSize = 500
	DefaultRetentionSchedule  = "0 30 1 * * *"
	DefaultRetentionStartHour = 0
	DefaultRetentionEndHour   = 6
	DefaultArchiveKind        = "file"
	DefaultArchiveDir         = "archive"
	DefaultFreshFor           = 5 * time.Second
	DefaultRedisKeyPrefix     = "feeds:latest:"
	DefaultRedisTTL           = 24 * time.Hour
	DefaultServerPort         = 8080
	DefaultShutdownTimeout    = 15 * time.Second
	DefaultMetricsPath        = "/metrics"
)

// Retry classes.
const (
	ClassUI    = "ui"
	ClassBatch = "batch"
)

// defaultRetry returns the built-in policy for the known classes.
func defaultRetry() map[string]RetryConfig {
	return map[string]RetryConfig{
		ClassUI: {
			BaseDelay:        1 * time.Second,
			Factor:           2,
			MaxDelay:         10 * time.Second,
			MaxRetries:       5,
			DegradedInterval: 1 * time.Minute,
		},
		ClassBatch: {
			BaseDelay:        5 * time.Second,
			Factor:           2,
			MaxDelay:         5 * time.Minute,
			MaxRetries:       4,
			DegradedInterval: 15 * time.Minute,
		},
	}
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	// Database defaults
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	applyDBDefaults(&c.Database.Postgres)
	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	// Operating hours
	applyHoursDefaults(&c.Hours, DefaultStartHour, DefaultEndHour)

	// Retry classes: fill missing classes and missing fields.
	defaults := defaultRetry()
	if c.Retry == nil {
		c.Retry = make(map[string]RetryConfig)
	}
	for class, def := range defaults {
		rc, ok := c.Retry[class]
		if !ok {
			c.Retry[class] = def
			continue
		}
		c.Retry[class] = mergeRetry(rc, def)
	}
	for class, rc := range c.Retry {
		if _, known := defaults[class]; !known {
			c.Retry[class] = mergeRetry(rc, defaults[ClassBatch])
		}
	}

	// Feeds
	for i := range c.Feeds {
		f := &c.Feeds[i]
		if f.Class == "" {
			f.Class = DefaultFeedClass
		}
		if f.FastInterval == 0 {
			f.FastInterval = DefaultFastInterval
		}
		if f.SlowInterval == 0 {
			f.SlowInterval = DefaultSlowInterval
		}
		if f.Timeout == 0 {
			f.Timeout = DefaultFeedTimeout
		}
		if f.MinRequestGap == 0 {
			f.MinRequestGap = DefaultMinRequestGap
		}
	}

	// Stream
	if c.Stream.Feed == "" {
		c.Stream.Feed = DefaultStreamFeed
	}
	if c.Stream.PingInterval == 0 {
		c.Stream.PingInterval = DefaultPingInterval
	}
	if c.Stream.ReadTimeout == 0 {
		c.Stream.ReadTimeout = DefaultReadTimeout
	}
	if c.Stream.ReconnectBaseDelay == 0 {
		c.Stream.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Stream.ReconnectMaxDelay == 0 {
		c.Stream.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}

	// Gateway
	if c.Gateway.MaxAttempts == 0 {
		c.Gateway.MaxAttempts = DefaultGatewayMaxAttempts
	}
	if c.Gateway.RetryDelay == 0 {
		c.Gateway.RetryDelay = DefaultGatewayRetryDelay
	}
	if c.Gateway.Tolerance == "" {
		c.Gateway.Tolerance = DefaultTolerance
	}

	// Settlement
	if c.Settlement.PriceSeries == "" {
		c.Settlement.PriceSeries = DefaultPriceSeries
	}
	if c.Settlement.RateSeries == "" {
		c.Settlement.RateSeries = DefaultRateSeries
	}
	if c.Settlement.DutyFactor == "" {
		c.Settlement.DutyFactor = DefaultDutyFactor
	}
	if c.Settlement.BackfillDays == 0 {
		c.Settlement.BackfillDays = DefaultBackfillDays
	}

	// Retention
	if c.Retention.DaysToKeep == 0 {
		c.Retention.DaysToKeep = DefaultDaysToKeep
	}
	if c.Retention.BatchSize == 0 {
		c.Retention.BatchSize = DefaultRetentionBatchSize
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = DefaultRetentionSchedule
	}
	if c.Retention.Window.Timezone == "" {
		c.Retention.Window.Timezone = c.Hours.Timezone
		c.Retention.Window.IncludeWeekends = true
	}
	applyHoursDefaults(&c.Retention.Window, DefaultRetentionStartHour, DefaultRetentionEndHour)
	if c.Retention.Archive.Kind == "" {
		c.Retention.Archive.Kind = DefaultArchiveKind
	}
	if c.Retention.Archive.Kind == "file" && c.Retention.Archive.Dir == "" {
		c.Retention.Archive.Dir = DefaultArchiveDir
	}

	if c.Hub.FreshFor == 0 {
		c.Hub.FreshFor = DefaultFreshFor
	}

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = DefaultRedisTTL
	}

	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}

// applyHoursDefaults treats an all-zero window as unset.
func applyHoursDefaults(h *HoursConfig, start, end int) {
	if h.Timezone == "" {
		h.Timezone = DefaultTimezone
	}
	if h.StartHour == 0 && h.EndHour == 0 {
		h.StartHour = start
		h.EndHour = end
	}
}

func mergeRetry(rc, def RetryConfig) RetryConfig {
	if rc.BaseDelay == 0 {
		rc.BaseDelay = def.BaseDelay
	}
	if rc.Factor == 0 {
		rc.Factor = def.Factor
	}
	if rc.MaxDelay == 0 {
		rc.MaxDelay = def.MaxDelay
	}
	if rc.MaxRetries == 0 {
		rc.MaxRetries = def.MaxRetries
	}
	if rc.DegradedInterval == 0 {
		rc.DegradedInterval = def.DegradedInterval
	}
	return rc
}
