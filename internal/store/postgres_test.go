package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Novexpro/Novexpro-sub000/internal/model"
)

// rowResult is what one QueryRow call scans: a value or an error.
type rowResult struct {
	value any
	err   error
}

type fakeRow struct{ rowResult }

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	switch d := dest[0].(type) {
	case *bool:
		*d = r.value.(bool)
	case *time.Time:
		*d = r.value.(time.Time)
	default:
		return errors.New("unexpected scan target")
	}
	return nil
}

// fakePgx answers QueryRow by matching the statement's leading keyword.
type fakePgx struct {
	upsert   rowResult
	classify rowResult
	queries  []string
}

func (f *fakePgx) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	sql = strings.TrimSpace(sql)
	f.queries = append(f.queries, sql)
	if strings.HasPrefix(sql, "INSERT") {
		return fakeRow{f.upsert}
	}
	return fakeRow{f.classify}
}

func (f *fakePgx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("not implemented")
}

func (f *fakePgx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakePgx) Ping(context.Context) error { return nil }
func (f *fakePgx) Close()                     {}

func TestPostgresUpsertObservationResult(t *testing.T) {
	observed := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	obs := model.RawObservation{
		Date:       model.DateOf(observed, time.UTC),
		SeriesID:   "spot_price",
		Feed:       model.SpotPrice,
		Value:      decimal.NewFromInt(2250),
		ObservedAt: observed,
	}

	tests := []struct {
		name     string
		upsert   rowResult
		classify rowResult
		want     UpsertResult
		wantErr  string
		queries  int
	}{
		{name: "new key", upsert: rowResult{value: true}, want: Inserted, queries: 1},
		{name: "overwritten", upsert: rowResult{value: false}, want: Updated, queries: 1},
		{
			name:     "within tolerance",
			upsert:   rowResult{err: pgx.ErrNoRows},
			classify: rowResult{value: observed},
			want:     Unchanged,
			queries:  2,
		},
		{
			name:     "stored row newer",
			upsert:   rowResult{err: pgx.ErrNoRows},
			classify: rowResult{value: observed.Add(time.Minute)},
			want:     Superseded,
			queries:  2,
		},
		{
			name:     "classify fails",
			upsert:   rowResult{err: pgx.ErrNoRows},
			classify: rowResult{err: errors.New("conn reset")},
			want:     Unchanged,
			wantErr:  "classify upsert",
			queries:  2,
		},
		{
			name:    "write fails",
			upsert:  rowResult{err: errors.New("deadlock detected")},
			want:    Unchanged,
			wantErr: "upsert observation",
			queries: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakePgx{upsert: tt.upsert, classify: tt.classify}
			p := &Postgres{pool: db}

			got, err := p.UpsertObservation(context.Background(), obs, tolerance)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
			assert.Len(t, db.queries, tt.queries)
		})
	}
}

func TestPostgresUpsertSettlementResult(t *testing.T) {
	rec := model.SettlementRecord{
		Date:  time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		Price: decimal.NewFromInt(9000),
		Rate:  decimal.NewFromInt(83),
	}

	tests := []struct {
		name    string
		upsert  rowResult
		want    UpsertResult
		wantErr bool
	}{
		{name: "new date", upsert: rowResult{value: true}, want: Inserted},
		{name: "revised", upsert: rowResult{value: false}, want: Updated},
		{name: "identical", upsert: rowResult{err: pgx.ErrNoRows}, want: Unchanged},
		{name: "write fails", upsert: rowResult{err: errors.New("conn reset")}, want: Unchanged, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Postgres{pool: &fakePgx{upsert: tt.upsert}}
			got, err := p.UpsertSettlement(context.Background(), rec)
			assert.Equal(t, tt.wantErr, err != nil, "err = %v", err)
			assert.Equal(t, tt.want, got)
		})
	}
}
