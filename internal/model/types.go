package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Feeds
// -----------------------------------------------------------------------------

// FeedID identifies an upstream market feed.
type FeedID string

const (
	SpotPrice      FeedID = "spot_price"
	ForwardPrice   FeedID = "forward_price"
	FuturesMonth1  FeedID = "futures_m1"
	FuturesMonth2  FeedID = "futures_m2"
	FuturesMonth3  FeedID = "futures_m3"
	ReferenceRateA FeedID = "reference_rate_a"
	ReferenceRateB FeedID = "reference_rate_b"
	CashSettlement FeedID = "cash_settlement"
)

var allFeeds = []FeedID{
	SpotPrice,
	ForwardPrice,
	FuturesMonth1,
	FuturesMonth2,
	FuturesMonth3,
	ReferenceRateA,
	ReferenceRateB,
	CashSettlement,
}

// AllFeeds returns every known feed in canonical order.
func AllFeeds() []FeedID {
	out := make([]FeedID, len(allFeeds))
	copy(out, allFeeds)
	return out
}

// ParseFeedID validates s against the known feeds.
func ParseFeedID(s string) (FeedID, error) {
	for _, f := range allFeeds {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown feed %q", s)
}

// IsFutures reports whether the feed is a futures contract month.
func (f FeedID) IsFutures() bool {
	return f == FuturesMonth1 || f == FuturesMonth2 || f == FuturesMonth3
}

func (f FeedID) String() string { return string(f) }

// -----------------------------------------------------------------------------
// Quotes
// -----------------------------------------------------------------------------

// PriceQuote is one normalized observation of a feed. Treat as immutable:
// the With* helpers return modified copies.
type PriceQuote struct {
	Feed          FeedID          `json:"feed"`
	Contract      string          `json:"contract,omitempty"` // contract month, futures only
	Value         decimal.Decimal `json:"value"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	ObservedAt    time.Time       `json:"observed_at"`
	Stale         bool            `json:"stale"`
	Unpersisted   bool            `json:"unpersisted,omitempty"`
}

// SeriesID is the storage series identifier for the quote.
func (q PriceQuote) SeriesID() string {
	return SeriesID(q.Feed, q.Contract)
}

// WithStale returns a copy flagged as served from cache.
func (q PriceQuote) WithStale() PriceQuote {
	q.Stale = true
	return q
}

// WithUnpersisted returns a copy with the durability flag set to v.
func (q PriceQuote) WithUnpersisted(v bool) PriceQuote {
	q.Unpersisted = v
	return q
}

// IsZero reports whether the quote has never been set.
func (q PriceQuote) IsZero() bool {
	return q.Feed == "" && q.ObservedAt.IsZero()
}

// SeriesID builds the series identifier: the feed id, suffixed with the
// contract month for futures.
func SeriesID(feed FeedID, contract string) string {
	if contract == "" {
		return string(feed)
	}
	return string(feed) + ":" + contract
}

// PollerState is a snapshot of a poller's retry bookkeeping.
type PollerState struct {
	Feed                FeedID
	ConsecutiveFailures int
	NextAllowedFetchAt  time.Time
	Interval            time.Duration
	MaxRetries          int
	LastSuccessAt       time.Time
	LastError           string
}

// Degraded reports whether the poller has exhausted its retries.
func (s PollerState) Degraded() bool {
	return s.MaxRetries > 0 && s.ConsecutiveFailures >= s.MaxRetries
}

// -----------------------------------------------------------------------------
// Durable rows
// -----------------------------------------------------------------------------

// RawObservation is the durable form of a quote, unique on (Date, SeriesID).
type RawObservation struct {
	Date          time.Time       `json:"date" db:"obs_date"`
	SeriesID      string          `json:"series_id" db:"series_id"`
	Feed          FeedID          `json:"feed" db:"feed"`
	Contract      string          `json:"contract,omitempty" db:"contract"`
	Value         decimal.Decimal `json:"value" db:"value"`
	Change        decimal.Decimal `json:"change" db:"change"`
	ChangePercent decimal.Decimal `json:"change_percent" db:"change_percent"`
	ObservedAt    time.Time       `json:"observed_at" db:"observed_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// ObservationFromQuote converts a quote into its durable row. The date is the
// calendar day of ObservedAt in loc.
func ObservationFromQuote(q PriceQuote, loc *time.Location) RawObservation {
	return RawObservation{
		Date:          DateOf(q.ObservedAt, loc),
		SeriesID:      q.SeriesID(),
		Feed:          q.Feed,
		Contract:      q.Contract,
		Value:         q.Value,
		Change:        q.Change,
		ChangePercent: q.ChangePercent,
		ObservedAt:    q.ObservedAt,
	}
}

// Quote converts the row back to a quote.
func (o RawObservation) Quote() PriceQuote {
	return PriceQuote{
		Feed:          o.Feed,
		Contract:      o.Contract,
		Value:         o.Value,
		Change:        o.Change,
		ChangePercent: o.ChangePercent,
		ObservedAt:    o.ObservedAt,
	}
}

// SettlementRecord is the derived settlement row for one date.
type SettlementRecord struct {
	Date               time.Time       `json:"date" db:"settle_date"`
	Price              decimal.Decimal `json:"price" db:"price"`
	Rate               decimal.Decimal `json:"rate" db:"rate"`
	PriceDelta         decimal.Decimal `json:"price_delta" db:"price_delta"`
	LocalCurrencyDelta decimal.Decimal `json:"local_currency_delta" db:"local_currency_delta"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// RetentionPolicy controls how long durable rows are kept.
type RetentionPolicy struct {
	DaysToKeep          int
	ArchiveBeforeDelete bool
	BatchSize           int
}

// Cutoff returns the first date that is still retained; rows dated strictly
// before it are expired.
func (p RetentionPolicy) Cutoff(now time.Time, loc *time.Location) time.Time {
	return DateOf(now, loc).AddDate(0, 0, -p.DaysToKeep)
}

// -----------------------------------------------------------------------------
// Dates
// -----------------------------------------------------------------------------

// DateLayout is the wire and storage format for observation dates.
const DateLayout = "2006-01-02"

// DateOf returns the calendar day of t in loc, as midnight UTC.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a DateLayout string as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// FormatDate formats a normalized date.
func FormatDate(d time.Time) string {
	return d.Format(DateLayout)
}
