// Package app wires every component of the sync daemon together and owns
// their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/Novexpro/Novexpro-sub000/internal/config"
	"github.com/Novexpro/Novexpro-sub000/internal/feed"
	"github.com/Novexpro/Novexpro-sub000/internal/gateway"
	"github.com/Novexpro/Novexpro-sub000/internal/hours"
	"github.com/Novexpro/Novexpro-sub000/internal/hub"
	"github.com/Novexpro/Novexpro-sub000/internal/metrics"
	"github.com/Novexpro/Novexpro-sub000/internal/mirror"
	"github.com/Novexpro/Novexpro-sub000/internal/model"
	"github.com/Novexpro/Novexpro-sub000/internal/poller"
	"github.com/Novexpro/Novexpro-sub000/internal/pricestore"
	"github.com/Novexpro/Novexpro-sub000/internal/retention"
	"github.com/Novexpro/Novexpro-sub000/internal/server"
	"github.com/Novexpro/Novexpro-sub000/internal/settlement"
	"github.com/Novexpro/Novexpro-sub000/internal/store"
	"github.com/Novexpro/Novexpro-sub000/internal/stream"
	"github.com/Novexpro/Novexpro-sub000/internal/version"
)

// App is the assembled sync daemon.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	gate   *hours.Gate

	db         store.Store
	prices     *pricestore.Store
	metrics    *metrics.Metrics
	gateway    *gateway.Gateway
	calculator *settlement.Calculator
	pollers    []*poller.Poller
	hub        *hub.Hub
	streamer   *stream.Streamer
	retention  *retention.Manager
	mirror     *mirror.Mirror
	redis      *redis.Client
	server     *server.Server

	closeOnce sync.Once
}

// New builds every component. The database connection is opened here; call
// Run to start work and Close if Run is never called.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}

	gate, err := cfg.Hours.Gate()
	if err != nil {
		return nil, fmt.Errorf("operating hours: %w", err)
	}
	a.gate = gate

	a.db, err = store.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a.metrics = metrics.New()
	a.prices = pricestore.New(logger)
	a.metrics.RegisterPriceStore(a.prices.Stats)

	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	loc := a.gate.Location()

	duty, err := decimal.NewFromString(cfg.Settlement.DutyFactor)
	if err != nil {
		return fmt.Errorf("settlement.duty_factor: %w", err)
	}
	a.calculator = settlement.New(settlement.Config{
		PriceSeries:     cfg.Settlement.PriceSeries,
		RateSeries:      cfg.Settlement.RateSeries,
		DutyFactor:      duty,
		IncludeWeekends: cfg.Settlement.IncludeWeekends,
	}, a.db, a.logger)

	tolerance, err := decimal.NewFromString(cfg.Gateway.Tolerance)
	if err != nil {
		return fmt.Errorf("gateway.tolerance: %w", err)
	}
	a.gateway = gateway.New(gateway.Config{
		MaxAttempts: cfg.Gateway.MaxAttempts,
		RetryDelay:  cfg.Gateway.RetryDelay,
		Tolerance:   tolerance,
		Location:    loc,
	}, a.db, a.prices, a.logger,
		gateway.WithObserver(a.calculator),
		gateway.WithRecorder(a.metrics),
	)

	a.hub = hub.New(a.prices, cfg.Hub.FreshFor, a.logger)

	client := feed.NewClient(
		feed.WithLogger(a.logger),
		feed.WithUserAgent(version.UserAgent("syncd")),
	)
	for _, fc := range cfg.Feeds {
		src, err := feed.NewHTTPSource(client, fc, loc)
		if err != nil {
			return fmt.Errorf("feed %s: %w", fc.ID, err)
		}
		p := poller.New(pollerConfig(fc, cfg.Retry[fc.Class]), src, a.gateway, a.prices, a.gate, a.logger,
			poller.WithRecorder(a.metrics),
		)
		a.pollers = append(a.pollers, p)
		a.hub.Register(src.Feed(), p)
	}

	if cfg.Stream.Enabled {
		feedID, err := model.ParseFeedID(cfg.Stream.Feed)
		if err != nil {
			return fmt.Errorf("stream.feed: %w", err)
		}
		a.streamer = stream.NewStreamer(stream.Config{
			Client: stream.ClientConfig{
				URL:          cfg.Stream.URL,
				Headers:      cfg.Stream.Headers,
				PingInterval: cfg.Stream.PingInterval,
				ReadTimeout:  cfg.Stream.ReadTimeout,
			},
			ReconnectBaseDelay: cfg.Stream.ReconnectBaseDelay,
			ReconnectMaxDelay:  cfg.Stream.ReconnectMaxDelay,
		}, feed.NewExtractor(feedID, cfg.Stream.Extract, loc), a.gateway, a.logger,
			stream.WithRecorder(a.metrics),
		)
	}

	a.retention, err = NewRetention(ctx, cfg, a.db, a.logger, retention.WithRecorder(a.metrics))
	if err != nil {
		return err
	}

	if cfg.Redis.Addr != "" {
		a.redis, err = mirror.Dial(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		a.mirror = mirror.New(a.redis, cfg.Redis.KeyPrefix, cfg.Redis.TTL, a.logger)
	}

	reporters := make([]server.StateReporter, len(a.pollers))
	for i, p := range a.pollers {
		reporters[i] = p
	}
	router := server.NewRouter(server.Deps{
		Hub:         a.hub,
		DB:          a.db,
		Pollers:     reporters,
		Pending:     a.gateway.Pending,
		Metrics:     a.metrics,
		MetricsPath: cfg.Metrics.Path,
		Location:    loc,
		Logger:      a.logger,
	})
	a.server = server.New(cfg.Server.Port, router, a.logger)
	return nil
}

// NewRetention builds the retention manager and its archive sink from
// config.
func NewRetention(ctx context.Context, cfg *config.Config, repo retention.Repository, logger *slog.Logger, opts ...retention.Option) (*retention.Manager, error) {
	rc := cfg.Retention
	window, err := rc.Window.Gate()
	if err != nil {
		return nil, fmt.Errorf("retention.window: %w", err)
	}

	var sink retention.Sink
	if rc.ArchiveBeforeDelete {
		switch rc.Archive.Kind {
		case "s3":
			sink, err = retention.NewS3SinkFromEnv(ctx, rc.Archive.Region, rc.Archive.Bucket, rc.Archive.Prefix)
			if err != nil {
				return nil, err
			}
		default:
			sink = retention.NewFileSink(rc.Archive.Dir)
		}
	}

	opts = append([]retention.Option{retention.WithGate(window)}, opts...)
	return retention.New(retention.Config{
		Policy: model.RetentionPolicy{
			DaysToKeep:          rc.DaysToKeep,
			ArchiveBeforeDelete: rc.ArchiveBeforeDelete,
			BatchSize:           rc.BatchSize,
		},
		Location: window.Location(),
		Schedule: rc.Schedule,
	}, repo, sink, logger, opts...), nil
}

func pollerConfig(fc config.FeedConfig, rc config.RetryConfig) poller.Config {
	return poller.Config{
		FastInterval:  fc.FastInterval,
		SlowInterval:  fc.SlowInterval,
		Timeout:       fc.Timeout,
		MinRequestGap: fc.MinRequestGap,
		Backoff: poller.Backoff{
			Base:   rc.BaseDelay,
			Factor: rc.Factor,
			Max:    rc.MaxDelay,
		},
		MaxRetries:       rc.MaxRetries,
		DegradedInterval: rc.DegradedInterval,
	}
}

// Run seeds the price store, starts every component and blocks until ctx is
// done or a component fails, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	a.seed(ctx)
	a.backfill(ctx)

	if a.mirror != nil {
		a.mirror.Attach(a.prices, model.AllFeeds())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, p := range a.pollers {
		if err := p.Start(runCtx); err != nil {
			a.stop()
			return fmt.Errorf("start poller %s: %w", p.Feed(), err)
		}
	}
	if a.streamer != nil {
		if err := a.streamer.Start(runCtx); err != nil {
			a.stop()
			return fmt.Errorf("start stream: %w", err)
		}
	}
	if err := a.retention.Start(runCtx); err != nil {
		a.stop()
		return fmt.Errorf("start retention: %w", err)
	}

	a.logger.Info("sync daemon running",
		"instance_id", a.cfg.Instance.ID,
		"pollers", len(a.pollers),
		"stream", a.streamer != nil,
		"port", a.cfg.Server.Port,
	)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return a.server.Run(gctx, a.cfg.Server.ShutdownTimeout)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.stop()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// seed loads the latest durable value of every feed so consumers have data
// before the first fetch completes.
func (a *App) seed(ctx context.Context) {
	seeded := 0
	for _, f := range model.AllFeeds() {
		obs, ok, err := a.db.LatestByFeed(ctx, f)
		if err != nil {
			a.logger.Warn("seed failed", "feed", f, "error", err)
			continue
		}
		if ok && a.prices.Publish(obs.Quote()) {
			seeded++
		}
	}
	a.logger.Info("price store seeded", "feeds", seeded)
}

func (a *App) backfill(ctx context.Context) {
	days := a.cfg.Settlement.BackfillDays
	if days <= 0 {
		return
	}
	to := model.DateOf(time.Now(), a.gate.Location())
	from := to.AddDate(0, 0, -days)
	written, gaps, err := a.calculator.Backfill(ctx, from, to)
	if err != nil {
		a.logger.Warn("settlement backfill failed", "error", err)
		return
	}
	a.logger.Info("settlement backfill complete", "written", written, "gaps", gaps)
}

// stop halts the producers: pollers, stream and retention.
func (a *App) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var g errgroup.Group
	for _, p := range a.pollers {
		g.Go(func() error { return p.Stop(ctx) })
	}
	if a.streamer != nil {
		g.Go(func() error { return a.streamer.Stop(ctx) })
	}
	g.Go(func() error { return a.retention.Stop(ctx) })
	if err := g.Wait(); err != nil {
		a.logger.Warn("shutdown incomplete", "error", err)
	}

	if n := a.gateway.FlushPending(ctx); n > 0 {
		a.logger.Warn("quotes not durable at shutdown", "pending", n)
	}
}

// Close releases the price store, mirror and database. Safe to call more
// than once.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.mirror != nil {
		a.mirror.Close()
	}
	if a.prices != nil {
		a.prices.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close store", "error", err)
		}
	}
}
