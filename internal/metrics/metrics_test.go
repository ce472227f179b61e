package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Novexpro/Novexpro-sub000/internal/model"
	"github.com/Novexpro/Novexpro-sub000/internal/pricestore"
)

func TestRecorders(t *testing.T) {
	m := New()

	m.ObserveFetch(model.SpotPrice, "ok", 20*time.Millisecond)
	m.ObserveFetch(model.SpotPrice, "error", time.Second)
	m.ObserveFetch(model.SpotPrice, "error", time.Second)
	m.SetConsecutiveFailures(model.SpotPrice, 2)
	m.ObserveUpsert("raw_observations", "inserted")
	m.ObservePersistError()
	m.SetPending(3)
	m.SetStreamConnected(model.CashSettlement, true)
	m.ObserveRetention("settlements", 4, 4, time.Second, errors.New("boom"))

	if got := testutil.ToFloat64(m.fetches.WithLabelValues("spot_price", "error")); got != 2 {
		t.Errorf("fetches{error} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.consecutiveFailures.WithLabelValues("spot_price")); got != 2 {
		t.Errorf("consecutive_failures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.upserts.WithLabelValues("raw_observations", "inserted")); got != 1 {
		t.Errorf("upserts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.persistErrors); got != 1 {
		t.Errorf("persist_errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.pending); got != 3 {
		t.Errorf("pending = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.streamConnected.WithLabelValues("cash_settlement")); got != 1 {
		t.Errorf("stream connected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.retentionRuns.WithLabelValues("settlements", "false")); got != 1 {
		t.Errorf("retention runs{false} = %v, want 1", got)
	}
}

func TestPriceStoreGauges(t *testing.T) {
	m := New()
	m.RegisterPriceStore(func() pricestore.Stats {
		return pricestore.Stats{Published: 7, Rejected: 1, Subscribers: 3, Backlog: 5, MaxBacklog: 4, PeakBacklog: 9}
	})

	body := scrape(t, m.Handler())
	for _, want := range []string{
		"novexpro_pricestore_published_total 7",
		"novexpro_pricestore_rejected_total 1",
		"novexpro_pricestore_subscribers 3",
		"novexpro_pricestore_listener_backlog 5",
		"novexpro_pricestore_listener_backlog_max 4",
		"novexpro_pricestore_listener_backlog_peak 9",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestInstrumentHandlerUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.InstrumentHandler)
	r.Get("/api/quotes/{feed}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, feed := range []string{"spot_price", "futures_m1"} {
		req := httptest.NewRequest(http.MethodGet, "/api/quotes/"+feed, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/quotes/{feed}", "404"))
	if got != 2 {
		t.Errorf("requests{/api/quotes/{feed},404} = %v, want 2", got)
	}
}

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d, want 200", rec.Code)
	}
	b, _ := io.ReadAll(rec.Body)
	return string(b)
}
