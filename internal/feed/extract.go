package feed

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/Novexpro/Novexpro-sub000/internal/config"
	"github.com/Novexpro/Novexpro-sub000/internal/model"
)

// DefaultMaxClockSkew is how far in the future an upstream timestamp may be.
const DefaultMaxClockSkew = 5 * time.Minute

// Extractor turns a JSON payload into a validated PriceQuote.
type Extractor struct {
	feed    model.FeedID
	cfg     config.ExtractConfig
	loc     *time.Location
	maxSkew time.Duration
}

// NewExtractor creates an extractor for feed. Date-only timestamps are
// interpreted in loc.
func NewExtractor(feed model.FeedID, cfg config.ExtractConfig, loc *time.Location) *Extractor {
	if loc == nil {
		loc = time.UTC
	}
	return &Extractor{
		feed:    feed,
		cfg:     cfg,
		loc:     loc,
		maxSkew: DefaultMaxClockSkew,
	}
}

// Feed returns the feed this extractor produces.
func (e *Extractor) Feed() model.FeedID {
	return e.feed
}

// Extract parses payload. receivedAt stands in for a missing timestamp.
func (e *Extractor) Extract(payload []byte, receivedAt time.Time) (model.PriceQuote, error) {
	if !gjson.ValidBytes(payload) {
		return model.PriceQuote{}, e.invalid("payload", "not valid JSON")
	}

	value, err := e.number(payload, "value", e.cfg.ValuePath, true)
	if err != nil {
		return model.PriceQuote{}, err
	}
	if !value.IsPositive() {
		return model.PriceQuote{}, e.invalid("value", fmt.Sprintf("%s is not positive", value))
	}
	if e.cfg.MinValue != 0 && value.LessThan(decimal.NewFromFloat(e.cfg.MinValue)) {
		return model.PriceQuote{}, e.invalid("value", fmt.Sprintf("%s below plausible minimum %v", value, e.cfg.MinValue))
	}
	if e.cfg.MaxValue != 0 && value.GreaterThan(decimal.NewFromFloat(e.cfg.MaxValue)) {
		return model.PriceQuote{}, e.invalid("value", fmt.Sprintf("%s above plausible maximum %v", value, e.cfg.MaxValue))
	}

	change, err := e.number(payload, "change", e.cfg.ChangePath, false)
	if err != nil {
		return model.PriceQuote{}, err
	}
	changePct, err := e.number(payload, "change_percent", e.cfg.ChangePercentPath, false)
	if err != nil {
		return model.PriceQuote{}, err
	}
	if e.cfg.ChangePercentPath == "" && !change.IsZero() {
		prev := value.Sub(change)
		if !prev.IsZero() {
			changePct = change.Div(prev).Mul(decimal.NewFromInt(100)).Round(4)
		}
	}

	observedAt, err := e.timestamp(payload, receivedAt)
	if err != nil {
		return model.PriceQuote{}, err
	}

	var contract string
	if e.cfg.ContractPath != "" {
		r := gjson.GetBytes(payload, e.cfg.ContractPath)
		if !r.Exists() || strings.TrimSpace(r.String()) == "" {
			return model.PriceQuote{}, e.invalid("contract", "missing contract month")
		}
		contract = strings.TrimSpace(r.String())
	}

	return model.PriceQuote{
		Feed:          e.feed,
		Contract:      contract,
		Value:         value,
		Change:        change,
		ChangePercent: changePct,
		ObservedAt:    observedAt,
	}, nil
}

func (e *Extractor) number(payload []byte, field, path string, required bool) (decimal.Decimal, error) {
	if path == "" {
		return decimal.Zero, nil
	}
	r := gjson.GetBytes(payload, path)
	if !r.Exists() || r.Type == gjson.Null {
		if required {
			return decimal.Zero, e.invalid(field, "missing")
		}
		return decimal.Zero, nil
	}

	var raw string
	switch r.Type {
	case gjson.Number:
		raw = r.Raw
	case gjson.String:
		raw = strings.ReplaceAll(strings.TrimSpace(r.Str), ",", "")
	default:
		return decimal.Zero, e.invalid(field, fmt.Sprintf("unexpected %s", r.Type))
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, e.invalid(field, fmt.Sprintf("not numeric: %q", raw))
	}
	return d, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func (e *Extractor) timestamp(payload []byte, receivedAt time.Time) (time.Time, error) {
	if e.cfg.TimePath == "" {
		return receivedAt, nil
	}
	r := gjson.GetBytes(payload, e.cfg.TimePath)
	if !r.Exists() || r.Type == gjson.Null {
		return receivedAt, nil
	}

	var ts time.Time
	switch r.Type {
	case gjson.Number:
		n := r.Int()
		if n > 1e12 {
			ts = time.UnixMilli(n)
		} else {
			ts = time.Unix(n, 0)
		}
	case gjson.String:
		parsed, err := e.parseTime(r.Str)
		if err != nil {
			return time.Time{}, err
		}
		ts = parsed
	default:
		return time.Time{}, e.invalid("timestamp", fmt.Sprintf("unexpected %s", r.Type))
	}

	ts = ts.UTC()
	if ts.After(receivedAt.Add(e.maxSkew)) {
		return time.Time{}, e.invalid("timestamp", fmt.Sprintf("%s is in the future", ts.Format(time.RFC3339)))
	}
	return ts, nil
}

func (e *Extractor) parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, e.loc); err == nil {
			return t, nil
		}
	}
	// Date-only values are daily prints; anchor them to midday so the
	// calendar date survives any timezone conversion.
	if d, err := time.ParseInLocation(model.DateLayout, s, e.loc); err == nil {
		return d.Add(12 * time.Hour), nil
	}
	return time.Time{}, e.invalid("timestamp", fmt.Sprintf("unparseable %q", s))
}

func (e *Extractor) invalid(field, reason string) error {
	return &model.ValidationError{Feed: e.feed, Field: field, Reason: reason}
}
