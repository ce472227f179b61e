// Package settlement derives date-matched settlement rows from the raw price
// and reference-rate series.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Novexpro/Novexpro-sub000/internal/model"
	"github.com/Novexpro/Novexpro-sub000/internal/store"
)

// Repository is the slice of the durable store the calculator needs.
type Repository interface {
	GetObservation(ctx context.Context, date time.Time, seriesID string) (model.RawObservation, bool, error)
	UpsertSettlement(ctx context.Context, rec model.SettlementRecord) (store.UpsertResult, error)
}

// Status is the outcome of recomputing one date.
type Status int

const (
	// StatusOK means a settlement row exists for the date.
	StatusOK Status = iota
	// StatusGap means an input for the date has not arrived yet.
	StatusGap
)

func (s Status) String() string {
	if s == StatusGap {
		return "gap"
	}
	return "ok"
}

// Config holds calculator configuration.
type Config struct {
	PriceSeries     string
	RateSeries      string
	DutyFactor      decimal.Decimal
	IncludeWeekends bool
}

// Calculator materializes SettlementRecords. Safe for concurrent use.
// Recomputes of the same date run one at a time so the last write always
// reflects the latest inputs.
type Calculator struct {
	cfg    Config
	repo   Repository
	logger *slog.Logger

	mu    sync.Mutex
	dates map[time.Time]*dateLock
}

type dateLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Calculator.
func New(cfg Config, repo Repository, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DutyFactor.IsZero() {
		cfg.DutyFactor = decimal.NewFromInt(1)
	}
	return &Calculator{
		cfg:    cfg,
		repo:   repo,
		logger: logger.With("component", "settlement"),
		dates:  make(map[time.Time]*dateLock),
	}
}

// lock acquires the lock for date and returns its release func. Entries are
// dropped once nobody holds or waits on them.
func (c *Calculator) lock(date time.Time) func() {
	c.mu.Lock()
	l, ok := c.dates[date]
	if !ok {
		l = &dateLock{}
		c.dates[date] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.dates, date)
		}
		c.mu.Unlock()
	}
}

// OnObservation recomputes the dates affected by a changed raw observation:
// its own date and the next trading day, whose delta depends on it.
func (c *Calculator) OnObservation(ctx context.Context, obs model.RawObservation) error {
	if obs.SeriesID != c.cfg.PriceSeries && obs.SeriesID != c.cfg.RateSeries {
		return nil
	}

	if _, err := c.Recompute(ctx, obs.Date); err != nil {
		return err
	}
	if _, err := c.Recompute(ctx, c.nextTradingDay(obs.Date)); err != nil {
		return err
	}
	return nil
}

// Recompute derives the settlement row for date. A missing price or rate for
// date is a gap: nothing is written and StatusGap is returned. When the prior
// trading day has a price, priceDelta is taken against it; localCurrencyDelta
// additionally needs the prior day's rate. Missing prior inputs give 0.
func (c *Calculator) Recompute(ctx context.Context, date time.Time) (Status, error) {
	date = model.DateOf(date, time.UTC)

	unlock := c.lock(date)
	defer unlock()

	price, ok, err := c.value(ctx, date, c.cfg.PriceSeries)
	if err != nil || !ok {
		return StatusGap, err
	}
	rate, ok, err := c.value(ctx, date, c.cfg.RateSeries)
	if err != nil || !ok {
		return StatusGap, err
	}

	rec := model.SettlementRecord{
		Date:               date,
		Price:              price,
		Rate:               rate,
		PriceDelta:         decimal.Zero,
		LocalCurrencyDelta: decimal.Zero,
	}

	prior := c.prevTradingDay(date)
	prevPrice, hasPrice, err := c.value(ctx, prior, c.cfg.PriceSeries)
	if err != nil {
		return StatusGap, err
	}
	if hasPrice {
		rec.PriceDelta = price.Sub(prevPrice)

		prevRate, hasRate, err := c.value(ctx, prior, c.cfg.RateSeries)
		if err != nil {
			return StatusGap, err
		}
		if hasRate {
			rec.LocalCurrencyDelta = LandedCost(price, rate, c.cfg.DutyFactor).
				Sub(LandedCost(prevPrice, prevRate, c.cfg.DutyFactor))
		}
	}

	res, err := c.repo.UpsertSettlement(ctx, rec)
	if err != nil {
		return StatusGap, fmt.Errorf("upsert settlement %s: %w", model.FormatDate(date), err)
	}

	if res.Changed() {
		c.logger.Info("settlement updated",
			"date", model.FormatDate(date),
			"price", price.String(),
			"price_delta", rec.PriceDelta.String(),
			"local_currency_delta", rec.LocalCurrencyDelta.String(),
			"result", res.String(),
		)
	}
	return StatusOK, nil
}

// Backfill recomputes every date in [from, to]. Gaps are counted, not
// treated as errors.
func (c *Calculator) Backfill(ctx context.Context, from, to time.Time) (written, gaps int, err error) {
	from = model.DateOf(from, time.UTC)
	to = model.DateOf(to, time.UTC)

	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return written, gaps, err
		}
		status, err := c.Recompute(ctx, d)
		if err != nil {
			return written, gaps, err
		}
		if status == StatusGap {
			gaps++
			continue
		}
		written++
	}

	c.logger.Debug("settlement backfill complete",
		"from", model.FormatDate(from),
		"to", model.FormatDate(to),
		"written", written,
		"gaps", gaps,
	)
	return written, gaps, nil
}

func (c *Calculator) value(ctx context.Context, date time.Time, series string) (decimal.Decimal, bool, error) {
	obs, found, err := c.repo.GetObservation(ctx, date, series)
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("read %s %s: %w", series, model.FormatDate(date), err)
	}
	return obs.Value, found, nil
}

func (c *Calculator) prevTradingDay(d time.Time) time.Time {
	d = d.AddDate(0, 0, -1)
	for !c.cfg.IncludeWeekends && isWeekend(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

func (c *Calculator) nextTradingDay(d time.Time) time.Time {
	d = d.AddDate(0, 0, 1)
	for !c.cfg.IncludeWeekends && isWeekend(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func isWeekend(d time.Time) bool {
	wd := d.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
