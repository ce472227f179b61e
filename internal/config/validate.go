package config

import (
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/Novexpro/Novexpro-sub000/internal/model"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	switch c.Database.Driver {
	case "postgres":
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return errors.New("database.sqlite.path is required")
		}
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}

	if err := c.Hours.validate("hours"); err != nil {
		return err
	}

	for class, rc := range c.Retry {
		if err := rc.validate("retry." + class); err != nil {
			return err
		}
	}

	if len(c.Feeds) == 0 && !c.Stream.Enabled {
		return errors.New("at least one feed or the stream must be configured")
	}
	seen := make(map[model.FeedID]bool)
	for i, f := range c.Feeds {
		prefix := fmt.Sprintf("feeds[%d]", i)
		id, err := model.ParseFeedID(f.ID)
		if err != nil {
			return fmt.Errorf("%s.id: %w", prefix, err)
		}
		if seen[id] {
			return fmt.Errorf("%s.id %q is duplicated", prefix, f.ID)
		}
		seen[id] = true
		if f.URL == "" {
			return fmt.Errorf("%s.url is required", prefix)
		}
		if _, ok := c.Retry[f.Class]; !ok {
			return fmt.Errorf("%s.class %q has no retry policy", prefix, f.Class)
		}
		if err := f.Extract.validate(prefix); err != nil {
			return err
		}
		if f.SlowInterval < f.FastInterval {
			return fmt.Errorf("%s.slow_interval must be >= fast_interval", prefix)
		}
	}

	if c.Stream.Enabled {
		if c.Stream.URL == "" {
			return errors.New("stream.url is required")
		}
		if _, err := model.ParseFeedID(c.Stream.Feed); err != nil {
			return fmt.Errorf("stream.feed: %w", err)
		}
		if err := c.Stream.Extract.validate("stream"); err != nil {
			return err
		}
	}

	if c.Gateway.MaxAttempts < 1 {
		return errors.New("gateway.max_attempts must be >= 1")
	}
	if _, err := decimal.NewFromString(c.Gateway.Tolerance); err != nil {
		return fmt.Errorf("gateway.tolerance: %w", err)
	}

	if c.Settlement.PriceSeries == "" {
		return errors.New("settlement.price_series is required")
	}
	if c.Settlement.RateSeries == "" {
		return errors.New("settlement.rate_series is required")
	}
	duty, err := decimal.NewFromString(c.Settlement.DutyFactor)
	if err != nil {
		return fmt.Errorf("settlement.duty_factor: %w", err)
	}
	if !duty.IsPositive() {
		return errors.New("settlement.duty_factor must be > 0")
	}

	if c.Retention.DaysToKeep < 1 {
		return errors.New("retention.days_to_keep must be >= 1")
	}
	if c.Retention.BatchSize < 1 {
		return errors.New("retention.batch_size must be >= 1")
	}
	if _, err := cronParser.Parse(c.Retention.Schedule); err != nil {
		return fmt.Errorf("retention.schedule: %w", err)
	}
	if err := c.Retention.Window.validate("retention.window"); err != nil {
		return err
	}
	if c.Retention.ArchiveBeforeDelete {
		switch c.Retention.Archive.Kind {
		case "file":
			if c.Retention.Archive.Dir == "" {
				return errors.New("retention.archive.dir is required")
			}
		case "s3":
			if c.Retention.Archive.Bucket == "" {
				return errors.New("retention.archive.bucket is required")
			}
		default:
			return fmt.Errorf("retention.archive.kind must be file or s3, got %q", c.Retention.Archive.Kind)
		}
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	return nil
}

// cronParser accepts the six-field (with seconds) schedules used by retention.
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

func (h HoursConfig) validate(prefix string) error {
	if _, err := h.Gate(); err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}
	return nil
}

func (rc RetryConfig) validate(prefix string) error {
	if rc.BaseDelay <= 0 {
		return fmt.Errorf("%s.base_delay must be > 0", prefix)
	}
	if rc.Factor < 1 {
		return fmt.Errorf("%s.factor must be >= 1", prefix)
	}
	if rc.MaxDelay < rc.BaseDelay {
		return fmt.Errorf("%s.max_delay must be >= base_delay", prefix)
	}
	if rc.MaxRetries < 1 {
		return fmt.Errorf("%s.max_retries must be >= 1", prefix)
	}
	return nil
}

func (e ExtractConfig) validate(prefix string) error {
	if e.ValuePath == "" {
		return fmt.Errorf("%s.value_path is required", prefix)
	}
	if e.MaxValue != 0 && e.MaxValue < e.MinValue {
		return fmt.Errorf("%s.max_value must be >= min_value", prefix)
	}
	return nil
}
