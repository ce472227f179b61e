package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Novexpro/Novexpro-sub000/internal/model"
	"github.com/Novexpro/Novexpro-sub000/internal/pricestore"
)

const namespace = "novexpro"

// Metrics owns a registry and every collector of the process.
type Metrics struct {
	registry *prometheus.Registry

	fetches             *prometheus.CounterVec
	fetchDuration       *prometheus.HistogramVec
	consecutiveFailures *prometheus.GaugeVec

	upserts       *prometheus.CounterVec
	persistErrors prometheus.Counter
	pending       prometheus.Gauge

	streamMessages  *prometheus.CounterVec
	streamConnected *prometheus.GaugeVec

	retentionArchived *prometheus.CounterVec
	retentionDeleted  *prometheus.CounterVec
	retentionRuns     *prometheus.CounterVec
	retentionDuration *prometheus.HistogramVec

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates a Metrics with its own registry, including process and Go
// runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "fetches_total",
			Help:      "Upstream fetch attempts by result (ok, invalid, error).",
		}, []string{"feed", "result"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of upstream fetch attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}, []string{"feed"}),
		consecutiveFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "consecutive_failures",
			Help:      "Failed fetch cycles since the last success.",
		}, []string{"feed"}),

		upserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "upserts_total",
			Help:      "Durable writes by table and result.",
		}, []string{"table", "result"}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "persist_errors_total",
			Help:      "Durable writes that failed after all attempts.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "pending_quotes",
			Help:      "Quotes published but not yet durable.",
		}),

		streamMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "messages_total",
			Help:      "Stream messages by result.",
		}, []string{"feed", "result"}),
		streamConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connected",
			Help:      "1 while the stream connection is up.",
		}, []string{"feed"}),

		retentionArchived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "archived_rows_total",
			Help:      "Rows written to the archive sink.",
		}, []string{"table"}),
		retentionDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "deleted_rows_total",
			Help:      "Rows deleted by retention.",
		}, []string{"table"}),
		retentionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "table_runs_total",
			Help:      "Per-table retention passes by outcome.",
		}, []string{"table", "success"}),
		retentionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "table_run_duration_seconds",
			Help:      "Duration of per-table retention passes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"table"}),

		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		m.fetches,
		m.fetchDuration,
		m.consecutiveFailures,
		m.upserts,
		m.persistErrors,
		m.pending,
		m.streamMessages,
		m.streamConnected,
		m.retentionArchived,
		m.retentionDeleted,
		m.retentionRuns,
		m.retentionDuration,
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveFetch records one upstream fetch attempt.
func (m *Metrics) ObserveFetch(feed model.FeedID, result string, d time.Duration) {
	m.fetches.WithLabelValues(string(feed), result).Inc()
	m.fetchDuration.WithLabelValues(string(feed)).Observe(d.Seconds())
}

// SetConsecutiveFailures records a poller's failure streak.
func (m *Metrics) SetConsecutiveFailures(feed model.FeedID, n int) {
	m.consecutiveFailures.WithLabelValues(string(feed)).Set(float64(n))
}

// ObserveUpsert records one durable write.
func (m *Metrics) ObserveUpsert(table, result string) {
	m.upserts.WithLabelValues(table, result).Inc()
}

// ObservePersistError records a write that exhausted its attempts.
func (m *Metrics) ObservePersistError() {
	m.persistErrors.Inc()
}

// SetPending records the not-yet-durable backlog.
func (m *Metrics) SetPending(n int) {
	m.pending.Set(float64(n))
}

// ObserveStreamMessage records one stream message.
func (m *Metrics) ObserveStreamMessage(feed model.FeedID, result string) {
	m.streamMessages.WithLabelValues(string(feed), result).Inc()
}

// SetStreamConnected records the stream connection state.
func (m *Metrics) SetStreamConnected(feed model.FeedID, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	m.streamConnected.WithLabelValues(string(feed)).Set(v)
}

// ObserveRetention records one per-table retention pass.
func (m *Metrics) ObserveRetention(table string, archived int, deleted int64, d time.Duration, err error) {
	m.retentionArchived.WithLabelValues(table).Add(float64(archived))
	m.retentionDeleted.WithLabelValues(table).Add(float64(deleted))
	m.retentionRuns.WithLabelValues(table, strconv.FormatBool(err == nil)).Inc()
	m.retentionDuration.WithLabelValues(table).Observe(d.Seconds())
}

// RegisterPriceStore exports the store's counters, read at scrape time.
func (m *Metrics) RegisterPriceStore(stats func() pricestore.Stats) {
	gauge := func(name, help string, fn func(pricestore.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pricestore",
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(stats()) })
	}
	counter := func(name, help string, fn func(pricestore.Stats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricestore",
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(stats()) })
	}

	m.registry.MustRegister(
		counter("published_total", "Quotes accepted by the price store.",
			func(s pricestore.Stats) float64 { return float64(s.Published) }),
		counter("rejected_total", "Quotes rejected as older than the stored value.",
			func(s pricestore.Stats) float64 { return float64(s.Rejected) }),
		counter("marked_stale_total", "Values flagged stale after a failed refresh.",
			func(s pricestore.Stats) float64 { return float64(s.MarkedStale) }),
		gauge("subscribers", "Active subscriptions.",
			func(s pricestore.Stats) float64 { return float64(s.Subscribers) }),
		gauge("listener_backlog", "Updates queued for all listeners.",
			func(s pricestore.Stats) float64 { return float64(s.Backlog) }),
		gauge("listener_backlog_max", "Deepest single listener queue.",
			func(s pricestore.Stats) float64 { return float64(s.MaxBacklog) }),
		gauge("listener_backlog_peak", "Deepest any live listener queue has been.",
			func(s pricestore.Stats) float64 { return float64(s.PeakBacklog) }),
	)
}

// InstrumentHandler wraps next with HTTP metrics. Routes are labeled by
// their chi pattern to keep cardinality bounded.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		method := strings.ToUpper(r.Method)

		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack passes WebSocket upgrades through to the underlying writer.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
