package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/Novexpro/Novexpro-sub000/internal/model"
	"github.com/Novexpro/Novexpro-sub000/internal/pricestore"
)

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.data[key] = string(value.([]byte))
	f.ttls[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func TestWriteRead(t *testing.T) {
	rdb := newFakeRedis()
	m := New(rdb, "novexpro:quote:", time.Minute, nil)
	ctx := context.Background()

	q := model.PriceQuote{
		Feed:       model.SpotPrice,
		Value:      decimal.RequireFromString("2250.5"),
		ObservedAt: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC),
	}
	if err := m.Write(ctx, q); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if ttl := rdb.ttls["novexpro:quote:spot_price"]; ttl != time.Minute {
		t.Errorf("ttl = %v, want %v", ttl, time.Minute)
	}

	got, ok, err := m.Read(ctx, model.SpotPrice)
	if err != nil || !ok {
		t.Fatalf("Read = %v, %v, want value", ok, err)
	}
	if !got.Value.Equal(q.Value) || !got.ObservedAt.Equal(q.ObservedAt) {
		t.Errorf("Read = %+v, want %+v", got, q)
	}

	if _, ok, err := m.Read(ctx, model.ForwardPrice); ok || err != nil {
		t.Errorf("Read(missing) = %v, %v, want false, nil", ok, err)
	}
}

func TestWriteError(t *testing.T) {
	rdb := newFakeRedis()
	rdb.err = errors.New("connection refused")
	m := New(rdb, "p:", time.Minute, nil)

	if err := m.Write(context.Background(), model.PriceQuote{Feed: model.SpotPrice}); err == nil {
		t.Error("expected error")
	}
}

func TestAttachMirrorsPublishes(t *testing.T) {
	rdb := newFakeRedis()
	m := New(rdb, "p:", time.Minute, nil)
	store := pricestore.New(nil)
	defer store.Close()

	m.Attach(store, []model.FeedID{model.SpotPrice})
	defer m.Close()

	store.Publish(model.PriceQuote{
		Feed:       model.SpotPrice,
		Value:      decimal.NewFromInt(2250),
		ObservedAt: time.Now(),
	})

	deadline := time.Now().Add(2 * time.Second)
	for !rdb.has("p:spot_price") {
		if time.Now().After(deadline) {
			t.Fatal("quote was not mirrored")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
