package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Novexpro/Novexpro-sub000/internal/config"
	"github.com/Novexpro/Novexpro-sub000/internal/feed"
	"github.com/Novexpro/Novexpro-sub000/internal/model"
)

type collector struct {
	mu     sync.Mutex
	quotes []model.PriceQuote
}

func (c *collector) Persist(_ context.Context, q model.PriceQuote) error {
	c.mu.Lock()
	c.quotes = append(c.quotes, q)
	c.mu.Unlock()
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.quotes)
}

func (c *collector) at(i int) model.PriceQuote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quotes[i]
}

func newExtractor() *feed.Extractor {
	return feed.NewExtractor(model.CashSettlement, config.ExtractConfig{
		ValuePath: "data.settlement",
		TimePath:  "data.ts",
	}, time.UTC)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStreamerForwardsQuotes(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"data":{"settlement":"9,120.50","ts":"2024-03-05T10:00:00Z"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"data":{"settlement":"oops"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"data":{"settlement":9125,"ts":"2024-03-05T10:05:00Z"}}`))
		drain(conn)
	})
	defer server.Close()

	sink := &collector{}
	s := NewStreamer(Config{
		Client:             ClientConfig{URL: wsURL(server)},
		ReconnectBaseDelay: 10 * time.Millisecond,
	}, newExtractor(), sink, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, func() bool { return s.Stats().Messages == 3 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if got := sink.len(); got != 2 {
		t.Fatalf("persisted = %d, want 2", got)
	}
	if got := sink.at(0).Value.String(); got != "9120.5" {
		t.Errorf("first value = %s, want 9120.5", got)
	}
	if got := sink.at(1).Feed; got != model.CashSettlement {
		t.Errorf("feed = %s, want %s", got, model.CashSettlement)
	}

	stats := s.Stats()
	if stats.Invalid != 1 {
		t.Errorf("Invalid = %d, want 1", stats.Invalid)
	}
	if stats.Connects != 1 {
		t.Errorf("Connects = %d, want 1", stats.Connects)
	}
}

func TestStreamerReconnects(t *testing.T) {
	var conns atomic.Int32
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conns.Add(1)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"data":{"settlement":9100}}`))
		// Return closes the connection.
	})
	defer server.Close()

	sink := &collector{}
	s := NewStreamer(Config{
		Client:             ClientConfig{URL: wsURL(server)},
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
	}, newExtractor(), sink, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, func() bool { return conns.Load() >= 3 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.Stats().Connects < 3 {
		t.Errorf("Connects = %d, want >= 3", s.Stats().Connects)
	}
}

func TestStreamerStopWhileDisconnected(t *testing.T) {
	s := NewStreamer(Config{
		Client:             ClientConfig{URL: "ws://127.0.0.1:1/none"},
		ReconnectBaseDelay: time.Hour,
	}, newExtractor(), &collector{}, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v, want nil", err)
	}
}
