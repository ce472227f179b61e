// Package hub is the consumer-facing read API over the shared price store
// and the per-feed pollers.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Novexpro/Novexpro-sub000/internal/model"
	"github.com/Novexpro/Novexpro-sub000/internal/pricestore"
	"github.com/Novexpro/Novexpro-sub000/internal/settlement"
)

// ErrNotFutures is returned when a spread leg is not a futures month.
var ErrNotFutures = errors.New("feed is not a futures contract month")

// Prices is the shared price store.
type Prices interface {
	Get(feed model.FeedID) (model.PriceQuote, bool)
	All() map[model.FeedID]model.PriceQuote
	ForceSync(feed model.FeedID) bool
	Subscribe(feed model.FeedID, fn pricestore.Listener) func()
}

// Refresher fetches a feed on demand. Concurrent calls are coalesced by the
// implementation.
type Refresher interface {
	FetchOnce(ctx context.Context) (model.PriceQuote, error)
}

// Hub serves latest values and on-demand refreshes.
type Hub struct {
	prices   Prices
	pollers  map[model.FeedID]Refresher
	freshFor time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Hub. Pollers must be registered before serving.
func New(prices Prices, freshFor time.Duration, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		prices:   prices,
		pollers:  make(map[model.FeedID]Refresher),
		freshFor: freshFor,
		now:      time.Now,
		logger:   logger.With("component", "hub"),
	}
}

// Register attaches the poller of a feed.
func (h *Hub) Register(feed model.FeedID, r Refresher) {
	h.pollers[feed] = r
}

// Feeds lists feeds with a registered poller, sorted.
func (h *Hub) Feeds() []model.FeedID {
	out := make([]model.FeedID, 0, len(h.pollers))
	for f := range h.pollers {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GetLatest returns the latest known value of a feed.
func (h *Hub) GetLatest(feed model.FeedID) (model.PriceQuote, bool) {
	return h.prices.Get(feed)
}

// All returns the latest known value of every feed that has one.
func (h *Hub) All() map[model.FeedID]model.PriceQuote {
	return h.prices.All()
}

// Subscribe delivers every update of a feed to fn until the returned
// function is called.
func (h *Hub) Subscribe(feed model.FeedID, fn pricestore.Listener) func() {
	return h.prices.Subscribe(feed, fn)
}

// RequestRefresh re-delivers the current value when it is fresh, otherwise
// triggers a coalesced fetch. Once a value exists it is returned even when
// the fetch fails.
func (h *Hub) RequestRefresh(ctx context.Context, feed model.FeedID) (model.PriceQuote, error) {
	cur, ok := h.prices.Get(feed)
	if ok && !cur.Stale && h.now().Sub(cur.ObservedAt) < h.freshFor {
		h.prices.ForceSync(feed)
		return cur, nil
	}

	p, registered := h.pollers[feed]
	if !registered {
		if ok {
			h.prices.ForceSync(feed)
			return cur, nil
		}
		return model.PriceQuote{}, fmt.Errorf("%s: %w", feed, model.ErrNoData)
	}

	q, err := p.FetchOnce(ctx)
	if err != nil {
		if !q.IsZero() {
			h.logger.Debug("refresh served cached value", "feed", feed, "error", err)
			return q, nil
		}
		if latest, ok := h.prices.Get(feed); ok {
			return latest, nil
		}
		return model.PriceQuote{}, err
	}
	return q, nil
}

// Spread computes the spread between two futures months from their latest
// quotes.
func (h *Hub) Spread(near, far model.FeedID) (settlement.Spread, error) {
	if !near.IsFutures() || !far.IsFutures() {
		return settlement.Spread{}, ErrNotFutures
	}
	nq, ok := h.prices.Get(near)
	if !ok {
		return settlement.Spread{}, fmt.Errorf("%s: %w", near, model.ErrNoData)
	}
	fq, ok := h.prices.Get(far)
	if !ok {
		return settlement.Spread{}, fmt.Errorf("%s: %w", far, model.ErrNoData)
	}
	return settlement.ComputeSpread(nq.Value, fq.Value), nil
}
