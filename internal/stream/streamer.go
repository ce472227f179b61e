package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Novexpro/Novexpro-sub000/internal/model"
)

// Extractor normalizes one payload into a quote.
type Extractor interface {
	Feed() model.FeedID
	Extract(payload []byte, receivedAt time.Time) (model.PriceQuote, error)
}

// Persister is the persistence gateway.
type Persister interface {
	Persist(ctx context.Context, q model.PriceQuote) error
}

// Recorder receives stream metrics. Optional.
type Recorder interface {
	ObserveStreamMessage(feed model.FeedID, result string)
	SetStreamConnected(feed model.FeedID, connected bool)
}

// Config configures a Streamer.
type Config struct {
	Client             ClientConfig
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

// Stats holds cumulative stream counters.
type Stats struct {
	Connects      uint64
	Messages      uint64
	Invalid       uint64
	PersistErrors uint64
}

// Streamer keeps a WebSocket feed connected and forwards its quotes.
type Streamer struct {
	cfg       Config
	extractor Extractor
	sink      Persister
	recorder  Recorder
	logger    *slog.Logger

	connects      atomic.Uint64
	messages      atomic.Uint64
	invalid       atomic.Uint64
	persistErrors atomic.Uint64

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Option configures a Streamer.
type Option func(*Streamer)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Streamer) {
		s.recorder = r
	}
}

// NewStreamer creates a Streamer.
func NewStreamer(cfg Config, extractor Extractor, sink Persister, logger *slog.Logger, opts ...Option) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		cfg.ReconnectMaxDelay = cfg.ReconnectBaseDelay
	}
	s := &Streamer{
		cfg:       cfg,
		extractor: extractor,
		sink:      sink,
		logger:    logger.With("component", "stream", "feed", extractor.Feed()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the connection loop.
func (s *Streamer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("streamer already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop closes the connection and waits for the loop to exit, or for ctx.
func (s *Streamer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns cumulative counters.
func (s *Streamer) Stats() Stats {
	return Stats{
		Connects:      s.connects.Load(),
		Messages:      s.messages.Load(),
		Invalid:       s.invalid.Load(),
		PersistErrors: s.persistErrors.Load(),
	}
}

func (s *Streamer) run() {
	defer s.wg.Done()

	wait := s.cfg.ReconnectBaseDelay
	for {
		if s.ctx.Err() != nil {
			return
		}

		connID := uuid.NewString()
		client := NewClient(s.cfg.Client, s.logger.With("conn_id", connID))
		if err := client.Connect(s.ctx); err != nil {
			s.logger.Warn("stream connect failed", "error", err, "retry_in", wait)
			if !s.sleep(wait) {
				return
			}
			wait = s.grow(wait)
			continue
		}

		s.connects.Add(1)
		s.setConnected(true)
		s.logger.Info("stream connected", "conn_id", connID)
		wait = s.cfg.ReconnectBaseDelay

		err := s.consume(client)
		client.Close()
		s.setConnected(false)

		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("stream disconnected", "conn_id", connID, "error", err, "retry_in", wait)
		if !s.sleep(wait) {
			return
		}
		wait = s.grow(wait)
	}
}

func (s *Streamer) consume(client *Client) error {
	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case err := <-client.Errors():
			return err
		case msg := <-client.Messages():
			s.handle(msg)
		}
	}
}

func (s *Streamer) handle(msg TimestampedMessage) {
	s.messages.Add(1)

	q, err := s.extractor.Extract(msg.Data, msg.ReceivedAt)
	if err != nil {
		s.invalid.Add(1)
		s.record("invalid")
		s.logger.Warn("invalid stream message", "error", err, "bytes", len(msg.Data))
		return
	}

	if err := s.sink.Persist(s.ctx, q); err != nil {
		s.persistErrors.Add(1)
		s.record("persist_error")
		s.logger.Warn("stream quote not persisted", "error", err, "observed_at", q.ObservedAt)
		return
	}
	s.record("ok")
}

func (s *Streamer) record(result string) {
	if s.recorder != nil {
		s.recorder.ObserveStreamMessage(s.extractor.Feed(), result)
	}
}

func (s *Streamer) setConnected(v bool) {
	if s.recorder != nil {
		s.recorder.SetStreamConnected(s.extractor.Feed(), v)
	}
}

func (s *Streamer) grow(d time.Duration) time.Duration {
	d *= 2
	if d > s.cfg.ReconnectMaxDelay {
		d = s.cfg.ReconnectMaxDelay
	}
	return d
}

func (s *Streamer) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
