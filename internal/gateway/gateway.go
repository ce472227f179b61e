// Package gateway is the single write path from fetched quotes to durable
// storage and the shared price store.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Novexpro/Novexpro-sub000/internal/model"
	"github.com/Novexpro/Novexpro-sub000/internal/store"
)

// Repository is the durable side of the gateway.
type Repository interface {
	UpsertObservation(ctx context.Context, obs model.RawObservation, tolerance decimal.Decimal) (store.UpsertResult, error)
}

// Publisher is the in-memory side of the gateway.
type Publisher interface {
	Get(feed model.FeedID) (model.PriceQuote, bool)
	Publish(q model.PriceQuote) bool
}

// Observer is notified after a raw observation changed durably.
type Observer interface {
	OnObservation(ctx context.Context, obs model.RawObservation) error
}

// Recorder receives gateway metrics. Optional.
type Recorder interface {
	ObserveUpsert(table, result string)
	ObservePersistError()
	SetPending(n int)
}

// Config holds gateway configuration.
type Config struct {
	MaxAttempts int             // per write, >= 1
	RetryDelay  time.Duration   // grows linearly per attempt
	Tolerance   decimal.Decimal // values closer than this are unchanged
	Location    *time.Location  // operating timezone for observation dates
}

// Stats holds cumulative write counters.
type Stats struct {
	Inserted   int64
	Updated    int64
	Unchanged  int64
	Superseded int64
	Errors     int64
	Pending    int
}

type pendingKey struct {
	date     string
	seriesID string
}

// Gateway persists quotes idempotently and publishes the durable ones.
type Gateway struct {
	cfg       Config
	repo      Repository
	prices    Publisher
	observers []Observer
	recorder  Recorder
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[pendingKey]model.PriceQuote
	stats   Stats
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(g *Gateway) {
		g.recorder = r
	}
}

// WithObserver registers an observer for changed observations.
func WithObserver(o Observer) Option {
	return func(g *Gateway) {
		g.observers = append(g.observers, o)
	}
}

// New creates a Gateway.
func New(cfg Config, repo Repository, prices Publisher, logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	g := &Gateway{
		cfg:     cfg,
		repo:    repo,
		prices:  prices,
		logger:  logger.With("component", "gateway"),
		pending: make(map[pendingKey]model.PriceQuote),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Persist writes q durably and publishes it. Quotes left over from earlier
// failed writes are retried first. On final failure q is published flagged
// unpersisted, queued for retry and a *model.PersistError is returned.
func (g *Gateway) Persist(ctx context.Context, q model.PriceQuote) error {
	g.FlushPending(ctx)
	return g.persist(ctx, q)
}

// FlushPending retries every not-yet-durable quote once. Returns how many
// are still pending.
func (g *Gateway) FlushPending(ctx context.Context) int {
	g.mu.Lock()
	if len(g.pending) == 0 {
		g.mu.Unlock()
		return 0
	}
	queued := make([]model.PriceQuote, 0, len(g.pending))
	for _, q := range g.pending {
		queued = append(queued, q)
	}
	g.mu.Unlock()

	for _, q := range queued {
		if ctx.Err() != nil {
			break
		}
		if err := g.persist(ctx, q); err != nil {
			g.logger.Debug("pending quote still not durable", "series", q.SeriesID(), "err", err)
		}
	}
	return g.Pending()
}

// Pending returns the number of quotes awaiting a durable write.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Stats returns cumulative counters.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.stats
	s.Pending = len(g.pending)
	return s
}

func (g *Gateway) persist(ctx context.Context, q model.PriceQuote) error {
	q = q.WithUnpersisted(false)
	q.Stale = false
	obs := model.ObservationFromQuote(q, g.cfg.Location)
	key := pendingKey{date: model.FormatDate(obs.Date), seriesID: obs.SeriesID}

	res, attempts, err := g.upsert(ctx, obs)
	if err != nil {
		g.prices.Publish(q.WithUnpersisted(true))
		g.addPending(key, q)

		g.mu.Lock()
		g.stats.Errors++
		g.mu.Unlock()
		if g.recorder != nil {
			g.recorder.ObservePersistError()
		}

		g.logger.Warn("durable write failed",
			"date", key.date,
			"series", key.seriesID,
			"attempts", attempts,
			"err", err,
		)
		return &model.PersistError{Date: key.date, SeriesID: key.seriesID, Attempts: attempts, Err: err}
	}

	g.removePending(key, q)
	g.count(res)

	switch res {
	case store.Inserted, store.Updated:
		g.prices.Publish(q)
		g.notify(ctx, obs)
	case store.Unchanged:
		// No spurious publish, unless consumers still see a degraded value.
		if cur, ok := g.prices.Get(q.Feed); !ok || cur.Stale || cur.Unpersisted {
			g.prices.Publish(q)
		}
	case store.Superseded:
		g.logger.Debug("ignored superseded observation",
			"date", key.date,
			"series", key.seriesID,
			"observed_at", q.ObservedAt,
		)
	}
	return nil
}

// upsert retries transient store failures with a linear delay.
func (g *Gateway) upsert(ctx context.Context, obs model.RawObservation) (store.UpsertResult, int, error) {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		res, err := g.repo.UpsertObservation(ctx, obs, g.cfg.Tolerance)
		if err == nil {
			return res, attempt, nil
		}
		lastErr = err

		if attempt == g.cfg.MaxAttempts {
			return res, attempt, lastErr
		}
		select {
		case <-ctx.Done():
			return res, attempt, ctx.Err()
		case <-time.After(g.cfg.RetryDelay * time.Duration(attempt)):
		}
	}
	return store.Unchanged, g.cfg.MaxAttempts, lastErr
}

func (g *Gateway) notify(ctx context.Context, obs model.RawObservation) {
	for _, o := range g.observers {
		if err := o.OnObservation(ctx, obs); err != nil {
			g.logger.Warn("observer failed",
				"series", obs.SeriesID,
				"date", model.FormatDate(obs.Date),
				"err", err,
			)
		}
	}
}

func (g *Gateway) addPending(key pendingKey, q model.PriceQuote) {
	g.mu.Lock()
	// Newest observation wins within a key.
	if cur, ok := g.pending[key]; !ok || !q.ObservedAt.Before(cur.ObservedAt) {
		g.pending[key] = q
	}
	n := len(g.pending)
	g.mu.Unlock()

	if g.recorder != nil {
		g.recorder.SetPending(n)
	}
}

func (g *Gateway) removePending(key pendingKey, q model.PriceQuote) {
	g.mu.Lock()
	if cur, ok := g.pending[key]; ok && !cur.ObservedAt.After(q.ObservedAt) {
		delete(g.pending, key)
	}
	n := len(g.pending)
	g.mu.Unlock()

	if g.recorder != nil {
		g.recorder.SetPending(n)
	}
}

func (g *Gateway) count(res store.UpsertResult) {
	g.mu.Lock()
	switch res {
	case store.Inserted:
		g.stats.Inserted++
	case store.Updated:
		g.stats.Updated++
	case store.Unchanged:
		g.stats.Unchanged++
	case store.Superseded:
		g.stats.Superseded++
	}
	g.mu.Unlock()

	if g.recorder != nil {
		g.recorder.ObserveUpsert(string(store.TableObservations), res.String())
	}
}
