package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/Novexpro/Novexpro-sub000/internal/model"
)

// ErrStopped is returned by FetchOnce after Stop.
var ErrStopped = errors.New("poller stopped")

// Source fetches one feed. One call is one upstream request.
type Source interface {
	Feed() model.FeedID
	Fetch(ctx context.Context) (model.PriceQuote, error)
}

// Sink receives validated quotes, normally the persistence gateway.
type Sink interface {
	Persist(ctx context.Context, q model.PriceQuote) error
}

// Cache holds last known-good values for stale fallback.
type Cache interface {
	MarkStale(feed model.FeedID, err error) (model.PriceQuote, bool)
}

// Gate chooses the polling interval for the current time.
type Gate interface {
	Interval(now time.Time, fast, slow time.Duration) time.Duration
}

// Recorder receives poller metrics. Optional.
type Recorder interface {
	ObserveFetch(feed model.FeedID, result string, d time.Duration)
	SetConsecutiveFailures(feed model.FeedID, n int)
}

// Config holds poller configuration.
type Config struct {
	FastInterval     time.Duration // inside operating hours
	SlowInterval     time.Duration // outside operating hours
	Timeout          time.Duration // per request
	MinRequestGap    time.Duration // upstream rate limit, 0 disables
	Backoff          Backoff
	MaxRetries       int
	DegradedInterval time.Duration // floor on the interval once retries are exhausted
}

// DefaultConfig returns sensible defaults for a UI-facing feed.
func DefaultConfig() Config {
	return Config{
		FastInterval:     10 * time.Second,
		SlowInterval:     10 * time.Minute,
		Timeout:          8 * time.Second,
		MinRequestGap:    time.Second,
		Backoff:          Backoff{Base: time.Second, Factor: 2, Max: 10 * time.Second},
		MaxRetries:       5,
		DegradedInterval: time.Minute,
	}
}

// Poller periodically fetches one feed and forwards it to the sink.
type Poller struct {
	cfg      Config
	source   Source
	sink     Sink
	cache    Cache
	gate     Gate
	recorder Recorder
	logger   *slog.Logger
	limiter  *rate.Limiter
	flight   singleflight.Group
	now      func() time.Time

	mu    sync.Mutex
	state model.PollerState

	started atomic.Bool
	stopped atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Poller.
type Option func(*Poller)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Poller) {
		p.recorder = r
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		p.now = now
	}
}

// New creates a new Poller.
func New(cfg Config, source Source, sink Sink, cache Cache, gate Gate, logger *slog.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.MinRequestGap > 0 {
		limit = rate.Every(cfg.MinRequestGap)
	}

	p := &Poller{
		cfg:     cfg,
		source:  source,
		sink:    sink,
		cache:   cache,
		gate:    gate,
		logger:  logger.With("feed", source.Feed()),
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		state: model.PollerState{
			Feed:       source.Feed(),
			Interval:   cfg.FastInterval,
			MaxRetries: cfg.MaxRetries,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Feed returns the polled feed.
func (p *Poller) Feed() model.FeedID {
	return p.source.Feed()
}

// Start begins the polling loop. The first fetch happens immediately.
func (p *Poller) Start(ctx context.Context) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("poller already started")
	}

	p.mu.Lock()
	if p.stopped.Load() {
		p.mu.Unlock()
		return ErrStopped
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run()

	p.logger.Info("feed poller started",
		"fast_interval", p.cfg.FastInterval,
		"slow_interval", p.cfg.SlowInterval,
		"max_retries", p.cfg.MaxRetries,
	)

	return nil
}

// Stop cancels the loop, any in-flight request and any backoff sleep, then
// waits for the loop to exit. Safe to call at any time, more than once.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped.Store(true)
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("feed poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns a snapshot of the retry bookkeeping.
func (p *Poller) State() model.PollerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// FetchOnce runs one fetch cycle, joining a cycle already in flight. On
// exhaustion it returns the stale fallback value (if any) with the last
// error.
func (p *Poller) FetchOnce(ctx context.Context) (model.PriceQuote, error) {
	if p.stopped.Load() {
		return model.PriceQuote{}, ErrStopped
	}

	// Cycles run on the poller's lifetime context so Stop cancels them,
	// whichever caller started them.
	p.mu.Lock()
	base := p.ctx
	p.mu.Unlock()
	if base == nil {
		base = ctx
	}

	ch := p.flight.DoChan("cycle", p.tracked(base))

	select {
	case res := <-ch:
		q, _ := res.Val.(model.PriceQuote)
		return q, res.Err
	case <-ctx.Done():
		return model.PriceQuote{}, ctx.Err()
	}
}

// run is the main polling loop.
func (p *Poller) run() {
	defer p.wg.Done()

	p.runCycle()

	for {
		timer := time.NewTimer(p.nextDelay(p.now()))
		select {
		case <-p.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			p.runCycle()
		}
	}
}

// runCycle joins or starts a cycle and waits for it to finish, even when
// the poller is being stopped, so Stop never returns mid-cycle.
func (p *Poller) runCycle() {
	res := <-p.flight.DoChan("cycle", p.tracked(p.ctx))
	if res.Err != nil && p.ctx.Err() == nil {
		p.logger.Debug("fetch cycle failed", "err", res.Err)
	}
}

// tracked wraps a cycle so Stop waits for it. No cycle starts after Stop.
func (p *Poller) tracked(ctx context.Context) func() (any, error) {
	return func() (any, error) {
		p.mu.Lock()
		if p.stopped.Load() {
			p.mu.Unlock()
			return model.PriceQuote{}, ErrStopped
		}
		p.wg.Add(1)
		p.mu.Unlock()
		defer p.wg.Done()

		return p.cycle(ctx)
	}
}

// nextDelay picks the wait before the next scheduled cycle.
func (p *Poller) nextDelay(now time.Time) time.Duration {
	interval := p.cfg.FastInterval
	if p.gate != nil {
		interval = p.gate.Interval(now, p.cfg.FastInterval, p.cfg.SlowInterval)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Degraded() && interval < p.cfg.DegradedInterval {
		interval = p.cfg.DegradedInterval
	}
	if until := p.state.NextAllowedFetchAt.Sub(now); until > interval {
		interval = until
	}
	p.state.Interval = interval
	return interval
}

// cycle performs up to MaxRetries+1 attempts. A poller that is already
// degraded gets a single attempt per cycle.
func (p *Poller) cycle(ctx context.Context) (model.PriceQuote, error) {
	feed := p.source.Feed()
	attempts := p.cfg.MaxRetries + 1
	if p.State().Degraded() {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return model.PriceQuote{}, err
		}

		q, err := p.attempt(ctx)
		if err == nil {
			p.recordSuccess()
			// Stop may have landed while the request was in flight.
			if err := ctx.Err(); err != nil {
				return model.PriceQuote{}, err
			}
			if p.sink != nil {
				if err := p.sink.Persist(ctx, q); err != nil {
					p.logger.Warn("quote not yet durable", "err", err)
				}
			}
			return q, nil
		}
		if ctx.Err() != nil {
			return model.PriceQuote{}, ctx.Err()
		}

		lastErr = err
		failures := p.recordFailure(err)

		if attempt == attempts-1 {
			break
		}

		delay := p.cfg.Backoff.Delay(failures - 1)
		p.setNextAllowed(p.now().Add(delay))
		p.logger.Debug("retrying fetch",
			"attempt", attempt+1,
			"failures", failures,
			"backoff", delay,
			"err", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return model.PriceQuote{}, ctx.Err()
		case <-timer.C:
		}
	}

	state := p.State()
	p.setNextAllowed(p.now().Add(p.cfg.Backoff.Delay(state.ConsecutiveFailures - 1)))

	var stale model.PriceQuote
	var ok bool
	if p.cache != nil {
		stale, ok = p.cache.MarkStale(feed, lastErr)
	}
	p.logger.Warn("feed refresh failed, serving last known value",
		"failures", state.ConsecutiveFailures,
		"has_value", ok,
		"err", lastErr,
	)

	if !ok {
		return model.PriceQuote{}, fmt.Errorf("%w: %w", model.ErrNoData, lastErr)
	}
	return stale, lastErr
}

// attempt performs one rate-limited, time-bounded request.
func (p *Poller) attempt(ctx context.Context) (model.PriceQuote, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return model.PriceQuote{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := p.now()
	q, err := p.source.Fetch(reqCtx)
	elapsed := p.now().Sub(start)

	result := "ok"
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		result = "invalid"
	case err != nil:
		result = "error"
	}
	if p.recorder != nil {
		p.recorder.ObserveFetch(p.source.Feed(), result, elapsed)
	}
	if err != nil {
		return model.PriceQuote{}, err
	}

	q.Feed = p.source.Feed()
	return q, nil
}

func (p *Poller) recordSuccess() {
	p.mu.Lock()
	p.state.ConsecutiveFailures = 0
	p.state.NextAllowedFetchAt = time.Time{}
	p.state.LastSuccessAt = p.now()
	p.state.LastError = ""
	p.mu.Unlock()

	if p.recorder != nil {
		p.recorder.SetConsecutiveFailures(p.source.Feed(), 0)
	}
}

func (p *Poller) recordFailure(err error) int {
	p.mu.Lock()
	p.state.ConsecutiveFailures++
	p.state.LastError = err.Error()
	n := p.state.ConsecutiveFailures
	p.mu.Unlock()

	if p.recorder != nil {
		p.recorder.SetConsecutiveFailures(p.source.Feed(), n)
	}
	return n
}

func (p *Poller) setNextAllowed(t time.Time) {
	p.mu.Lock()
	p.state.NextAllowedFetchAt = t
	p.mu.Unlock()
}
