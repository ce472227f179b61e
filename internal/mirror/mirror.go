// Package mirror copies every published quote into Redis so out-of-process
// readers can see the latest values without calling the HTTP API.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Novexpro/Novexpro-sub000/internal/config"
	"github.com/Novexpro/Novexpro-sub000/internal/model"
	"github.com/Novexpro/Novexpro-sub000/internal/pricestore"
)

// Client is the subset of redis.UniversalClient the mirror uses.
type Client interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Subscriber is the price store's subscription API.
type Subscriber interface {
	Subscribe(feed model.FeedID, fn pricestore.Listener) func()
}

// Mirror writes quotes to prefix+feed as JSON with a TTL.
type Mirror struct {
	client  Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	unsubs []func()
}

// New creates a Mirror.
func New(client Client, prefix string, ttl time.Duration, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		client:  client,
		prefix:  prefix,
		ttl:     ttl,
		timeout: 2 * time.Second,
		logger:  logger.With("component", "mirror"),
	}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Key returns the Redis key of a feed.
func (m *Mirror) Key(feed model.FeedID) string {
	return m.prefix + string(feed)
}

// Attach subscribes the mirror to feeds. Write failures are logged; the
// mirror is best effort.
func (m *Mirror) Attach(sub Subscriber, feeds []model.FeedID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, feed := range feeds {
		unsub := sub.Subscribe(feed, func(u pricestore.Update) {
			if !u.HasValue() {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
			defer cancel()
			if err := m.Write(ctx, u.Quote); err != nil {
				m.logger.Warn("mirror write failed", "feed", u.Feed, "error", err)
			}
		})
		m.unsubs = append(m.unsubs, unsub)
	}
}

// Write stores q under its feed key.
func (m *Mirror) Write(ctx context.Context, q model.PriceQuote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal quote: %w", err)
	}
	if err := m.client.Set(ctx, m.Key(q.Feed), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", m.Key(q.Feed), err)
	}
	return nil
}

// Read returns the mirrored quote of a feed, if present.
func (m *Mirror) Read(ctx context.Context, feed model.FeedID) (model.PriceQuote, bool, error) {
	data, err := m.client.Get(ctx, m.Key(feed)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.PriceQuote{}, false, nil
	}
	if err != nil {
		return model.PriceQuote{}, false, fmt.Errorf("get %s: %w", m.Key(feed), err)
	}
	var q model.PriceQuote
	if err := json.Unmarshal(data, &q); err != nil {
		return model.PriceQuote{}, false, fmt.Errorf("unmarshal quote: %w", err)
	}
	return q, true, nil
}

// Close detaches every subscription.
func (m *Mirror) Close() {
	m.mu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}
