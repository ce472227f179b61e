package model

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseFeedID(t *testing.T) {
	for _, f := range AllFeeds() {
		got, err := ParseFeedID(string(f))
		if err != nil {
			t.Errorf("ParseFeedID(%q) error: %v", f, err)
		}
		if got != f {
			t.Errorf("ParseFeedID(%q) = %q, want %q", f, got, f)
		}
	}

	if _, err := ParseFeedID("gold"); err == nil {
		t.Error("ParseFeedID(gold) expected error")
	}
}

func TestSeriesID(t *testing.T) {
	tests := []struct {
		feed     FeedID
		contract string
		want     string
	}{
		{SpotPrice, "", "spot_price"},
		{FuturesMonth1, "2024-07", "futures_m1:2024-07"},
		{ReferenceRateA, "", "reference_rate_a"},
	}

	for _, tt := range tests {
		if got := SeriesID(tt.feed, tt.contract); got != tt.want {
			t.Errorf("SeriesID(%q, %q) = %q, want %q", tt.feed, tt.contract, got, tt.want)
		}
	}
}

func TestPriceQuoteCopies(t *testing.T) {
	q := PriceQuote{Feed: SpotPrice, Value: decimal.RequireFromString("2301.5")}

	stale := q.WithStale()
	if !stale.Stale {
		t.Error("WithStale().Stale = false, want true")
	}
	if q.Stale {
		t.Error("original quote mutated by WithStale")
	}

	pending := q.WithUnpersisted(true)
	if !pending.Unpersisted || q.Unpersisted {
		t.Errorf("WithUnpersisted: copy=%v original=%v", pending.Unpersisted, q.Unpersisted)
	}
}

func TestDateOf(t *testing.T) {
	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// 20:00 UTC is 01:30 the next day in IST.
	ts := time.Date(2024, 3, 4, 20, 0, 0, 0, time.UTC)
	got := DateOf(ts, ist)
	want := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("DateOf = %v, want %v", got, want)
	}

	if FormatDate(got) != "2024-03-05" {
		t.Errorf("FormatDate = %q, want %q", FormatDate(got), "2024-03-05")
	}
}

func TestObservationFromQuote(t *testing.T) {
	q := PriceQuote{
		Feed:       FuturesMonth2,
		Contract:   "2024-08",
		Value:      decimal.RequireFromString("2410"),
		ObservedAt: time.Date(2024, 7, 2, 9, 30, 0, 0, time.UTC),
	}

	obs := ObservationFromQuote(q, time.UTC)
	if obs.SeriesID != "futures_m2:2024-08" {
		t.Errorf("SeriesID = %q, want %q", obs.SeriesID, "futures_m2:2024-08")
	}
	if FormatDate(obs.Date) != "2024-07-02" {
		t.Errorf("Date = %s, want 2024-07-02", FormatDate(obs.Date))
	}

	back := obs.Quote()
	if !back.Value.Equal(q.Value) || back.Contract != q.Contract {
		t.Errorf("Quote() = %+v, want value %s contract %s", back, q.Value, q.Contract)
	}
}

func TestRetentionCutoff(t *testing.T) {
	p := RetentionPolicy{DaysToKeep: 30}
	now := time.Date(2024, 4, 10, 15, 0, 0, 0, time.UTC)

	got := p.Cutoff(now, time.UTC)
	if FormatDate(got) != "2024-03-11" {
		t.Errorf("Cutoff = %s, want 2024-03-11", FormatDate(got))
	}
}

func TestErrorTypes(t *testing.T) {
	inner := errors.New("connection refused")
	var err error = &FetchError{Feed: SpotPrice, Err: inner}

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatal("errors.As FetchError failed")
	}
	if !errors.Is(err, inner) {
		t.Error("FetchError does not unwrap to inner error")
	}

	pe := &PersistError{Date: "2024-01-02", SeriesID: "spot_price", Attempts: 3, Err: inner}
	if !errors.Is(pe, inner) {
		t.Error("PersistError does not unwrap to inner error")
	}
}
