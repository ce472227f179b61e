// Package server exposes the price hub, settlements and health over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/Novexpro/Novexpro-sub000/internal/hub"
	"github.com/Novexpro/Novexpro-sub000/internal/model"
)

// Database is what the HTTP surface reads from durable storage.
type Database interface {
	Ping(ctx context.Context) error
	ListSettlements(ctx context.Context, from, to time.Time) ([]model.SettlementRecord, error)
}

// StateReporter reports a poller's retry state.
type StateReporter interface {
	State() model.PollerState
}

// Instrumenter wraps handlers with request metrics.
type Instrumenter interface {
	InstrumentHandler(next http.Handler) http.Handler
	Handler() http.Handler
}

// Deps are the collaborators of the HTTP surface. Hub and DB are required.
type Deps struct {
	Hub         *hub.Hub
	DB          Database
	Pollers     []StateReporter
	Pending     func() int
	Metrics     Instrumenter
	MetricsPath string
	Location    *time.Location
	Logger      *slog.Logger
}

type handlers struct {
	Deps
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewRouter builds the chi router.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	d.Logger = d.Logger.With("component", "server")
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.MetricsPath == "" {
		d.MetricsPath = "/metrics"
	}

	h := &handlers{
		Deps: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now: time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if d.Metrics != nil {
		r.Use(d.Metrics.InstrumentHandler)
		r.Method(http.MethodGet, d.MetricsPath, d.Metrics.Handler())
	}

	r.Get("/health", h.health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/quotes", h.listQuotes)
		r.Get("/quotes/{feed}", h.getQuote)
		r.Post("/quotes/{feed}/refresh", h.refresh)
		r.Get("/spread", h.spread)
		r.Get("/settlements", h.settlements)
		r.Get("/stream", h.stream)
	})
	return r
}

// Server is the HTTP listener lifecycle.
type Server struct {
	http   *http.Server
	logger *slog.Logger
}

// New creates a Server on the given port.
func New(port int, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "server"),
	}
}

// Run listens until ctx is done, then shuts down within shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.http.Addr, err)
	}

	// Requests, including upgraded streams, end when ctx does.
	s.http.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}
