package feed

import (
	"errors"
	"testing"
	"time"

	"github.com/Novexpro/Novexpro-sub000/internal/config"
	"github.com/Novexpro/Novexpro-sub000/internal/model"
)

var received = time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC)

func spotExtractor() *Extractor {
	return NewExtractor(model.SpotPrice, config.ExtractConfig{
		ValuePath:  "data.price",
		ChangePath: "data.change",
		TimePath:   "data.ts",
		MinValue:   500,
		MaxValue:   10000,
	}, time.UTC)
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		wantValue  string
		wantChange string
		wantPct    string
		wantTime   time.Time
	}{
		{
			name:       "numeric with rfc3339",
			payload:    `{"data":{"price":2250.5,"change":12.5,"ts":"2024-03-05T09:29:00Z"}}`,
			wantValue:  "2250.5",
			wantChange: "12.5",
			wantPct:    "0.5585",
			wantTime:   time.Date(2024, 3, 5, 9, 29, 0, 0, time.UTC),
		},
		{
			name:       "string with thousands separator",
			payload:    `{"data":{"price":"2,250.50","ts":1709630940}}`,
			wantValue:  "2250.5",
			wantChange: "0",
			wantPct:    "0",
			wantTime:   time.Unix(1709630940, 0).UTC(),
		},
		{
			name:       "unix millis",
			payload:    `{"data":{"price":2250,"ts":1709630940123}}`,
			wantValue:  "2250",
			wantChange: "0",
			wantPct:    "0",
			wantTime:   time.UnixMilli(1709630940123).UTC(),
		},
		{
			name:       "missing timestamp uses receive time",
			payload:    `{"data":{"price":2250}}`,
			wantValue:  "2250",
			wantChange: "0",
			wantPct:    "0",
			wantTime:   received,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := spotExtractor().Extract([]byte(tt.payload), received)
			if err != nil {
				t.Fatalf("Extract failed: %v", err)
			}
			if q.Feed != model.SpotPrice {
				t.Errorf("Feed = %q, want %q", q.Feed, model.SpotPrice)
			}
			if q.Value.String() != tt.wantValue {
				t.Errorf("Value = %s, want %s", q.Value, tt.wantValue)
			}
			if q.Change.String() != tt.wantChange {
				t.Errorf("Change = %s, want %s", q.Change, tt.wantChange)
			}
			if q.ChangePercent.String() != tt.wantPct {
				t.Errorf("ChangePercent = %s, want %s", q.ChangePercent, tt.wantPct)
			}
			if !q.ObservedAt.Equal(tt.wantTime) {
				t.Errorf("ObservedAt = %v, want %v", q.ObservedAt, tt.wantTime)
			}
		})
	}
}

func TestExtractValidation(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantField string
	}{
		{"not json", `<html>maintenance</html>`, "payload"},
		{"missing value", `{"data":{}}`, "value"},
		{"null value", `{"data":{"price":null}}`, "value"},
		{"non numeric", `{"data":{"price":"n/a"}}`, "value"},
		{"boolean value", `{"data":{"price":true}}`, "value"},
		{"zero", `{"data":{"price":0}}`, "value"},
		{"below range", `{"data":{"price":12}}`, "value"},
		{"above range", `{"data":{"price":99999}}`, "value"},
		{"bad change", `{"data":{"price":2250,"change":"up"}}`, "change"},
		{"future timestamp", `{"data":{"price":2250,"ts":"2024-03-06T09:00:00Z"}}`, "timestamp"},
		{"garbage timestamp", `{"data":{"price":2250,"ts":"yesterday"}}`, "timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := spotExtractor().Extract([]byte(tt.payload), received)
			var ve *model.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Extract error = %v, want *model.ValidationError", err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", ve.Field, tt.wantField)
			}
		})
	}
}

func TestExtractContract(t *testing.T) {
	e := NewExtractor(model.FuturesMonth1, config.ExtractConfig{
		ValuePath:    "last",
		ContractPath: "expiry",
	}, time.UTC)

	q, err := e.Extract([]byte(`{"last":2301,"expiry":"2024-03"}`), received)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if q.Contract != "2024-03" {
		t.Errorf("Contract = %q, want %q", q.Contract, "2024-03")
	}
	if q.SeriesID() != "futures_m1:2024-03" {
		t.Errorf("SeriesID = %q, want %q", q.SeriesID(), "futures_m1:2024-03")
	}

	if _, err := e.Extract([]byte(`{"last":2301}`), received); err == nil {
		t.Error("Extract without contract expected error")
	}
}

func TestExtractDateOnly(t *testing.T) {
	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	e := NewExtractor(model.CashSettlement, config.ExtractConfig{
		ValuePath: "settlement",
		TimePath:  "date",
	}, ist)

	q, err := e.Extract([]byte(`{"settlement":2240,"date":"2024-03-05"}`), received)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if got := model.FormatDate(model.DateOf(q.ObservedAt, ist)); got != "2024-03-05" {
		t.Errorf("date = %s, want 2024-03-05", got)
	}
}
