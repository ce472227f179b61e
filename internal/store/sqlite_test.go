package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Novexpro/Novexpro-sub000/internal/model"
)

var tolerance = decimal.RequireFromString("0.0001")

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func obsAt(series string, value string, observedAt time.Time) model.RawObservation {
	q := model.PriceQuote{
		Feed:       model.FeedID(series),
		Value:      decimal.RequireFromString(value),
		ObservedAt: observedAt,
	}
	return model.ObservationFromQuote(q, time.UTC)
}

func TestSQLiteUpsertObservationIdempotent(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)

	res, err := s.UpsertObservation(ctx, obsAt("spot_price", "2250.5", base), tolerance)
	require.NoError(t, err)
	assert.Equal(t, Inserted, res)

	// Same value, later fetch: no second row, no update.
	res, err = s.UpsertObservation(ctx, obsAt("spot_price", "2250.50", base.Add(time.Minute)), tolerance)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res)

	n, err := s.Count(ctx, TableObservations)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, ok, err := s.GetObservation(ctx, model.DateOf(base, time.UTC), "spot_price")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Value.Equal(decimal.RequireFromString("2250.5")))
	assert.True(t, got.ObservedAt.Equal(base), "observed_at should not move on a no-op")
}

func TestSQLiteUpsertObservationLastObservedWins(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	day := model.DateOf(base, time.UTC)

	_, err := s.UpsertObservation(ctx, obsAt("spot_price", "2250", base), tolerance)
	require.NoError(t, err)

	res, err := s.UpsertObservation(ctx, obsAt("spot_price", "2262", base.Add(time.Hour)), tolerance)
	require.NoError(t, err)
	assert.Equal(t, Updated, res)

	// An older observation arriving late must not overwrite.
	res, err = s.UpsertObservation(ctx, obsAt("spot_price", "2100", base.Add(30*time.Minute)), tolerance)
	require.NoError(t, err)
	assert.Equal(t, Superseded, res)

	got, ok, err := s.GetObservation(ctx, day, "spot_price")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2262", got.Value.String())
	assert.True(t, got.ObservedAt.Equal(base.Add(time.Hour)))
}

func TestSQLiteUpsertObservationTolerance(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)

	_, err := s.UpsertObservation(ctx, obsAt("reference_rate_a", "83.1200", base), tolerance)
	require.NoError(t, err)

	res, err := s.UpsertObservation(ctx, obsAt("reference_rate_a", "83.12005", base.Add(time.Minute)), tolerance)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res)
}

func TestSQLiteUpsertObservationConcurrent(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpsertObservation(ctx, obsAt("cash_settlement", "2240", base), tolerance)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	n, err := s.Count(ctx, TableObservations)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLiteLatestByFeed(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)

	_, ok, err := s.LatestByFeed(ctx, model.SpotPrice)
	require.NoError(t, err)
	assert.False(t, ok)

	for i, v := range []string{"2200", "2210", "2220"} {
		_, err := s.UpsertObservation(ctx, obsAt("spot_price", v, base.AddDate(0, 0, i)), tolerance)
		require.NoError(t, err)
	}

	latest, ok, err := s.LatestByFeed(ctx, model.SpotPrice)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2220", latest.Value.String())
}

func TestSQLiteSettlements(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	d := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

	rec := model.SettlementRecord{
		Date:               d,
		Price:              decimal.RequireFromString("2240"),
		Rate:               decimal.RequireFromString("83.1"),
		PriceDelta:         decimal.Zero,
		LocalCurrencyDelta: decimal.Zero,
	}

	res, err := s.UpsertSettlement(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, Inserted, res)

	res, err = s.UpsertSettlement(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res)

	rec.PriceDelta = decimal.RequireFromString("12.5")
	res, err = s.UpsertSettlement(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, Updated, res)

	got, ok, err := s.GetSettlement(ctx, d)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "12.5", got.PriceDelta.String())

	n, err := s.Count(ctx, TableSettlements)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.UpsertSettlement(ctx, model.SettlementRecord{
		Date:  d.AddDate(0, 0, 1),
		Price: decimal.RequireFromString("2250"),
		Rate:  decimal.RequireFromString("83.2"),
	})
	require.NoError(t, err)

	list, err := s.ListSettlements(ctx, d, d.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].Date.Equal(d))

	list, err = s.ListSettlements(ctx, d.AddDate(0, 0, 1), d.AddDate(0, 0, 5))
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLiteRetentionQueries(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	for day := 0; day < 5; day++ {
		for _, series := range []string{"spot_price", "forward_price", "reference_rate_a"} {
			_, err := s.UpsertObservation(ctx, obsAt(series, "100", base.AddDate(0, 0, day)), tolerance)
			require.NoError(t, err)
		}
	}

	cutoff := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	dates, err := s.ExpiredDates(ctx, TableObservations, cutoff)
	require.NoError(t, err)
	require.Len(t, dates, 2)
	assert.Equal(t, "2024-01-01", model.FormatDate(dates[0]))
	assert.Equal(t, "2024-01-02", model.FormatDate(dates[1]))

	part, err := s.LoadPartition(ctx, TableObservations, dates[0])
	require.NoError(t, err)
	assert.Equal(t, 3, part.Len())

	deleted, err := s.DeleteBatch(ctx, TableObservations, dates[0], 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	deleted, err = s.DeleteBatch(ctx, TableObservations, dates[0], 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	n, err := s.Count(ctx, TableObservations)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	_, err = s.ExpiredDates(ctx, Table("orders"), cutoff)
	assert.Error(t, err)
}

func TestUpsertResultString(t *testing.T) {
	assert.Equal(t, "inserted", Inserted.String())
	assert.Equal(t, "superseded", Superseded.String())
	assert.True(t, Updated.Changed())
	assert.False(t, Unchanged.Changed())
}
