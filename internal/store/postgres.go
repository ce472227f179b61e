package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Novexpro/Novexpro-sub000/internal/config"
	"github.com/Novexpro/Novexpro-sub000/internal/model"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS raw_observations (
		obs_date       DATE        NOT NULL,
		series_id      TEXT        NOT NULL,
		feed           TEXT        NOT NULL,
		contract       TEXT        NOT NULL DEFAULT '',
		value          NUMERIC(20,8) NOT NULL,
		change         NUMERIC(20,8) NOT NULL DEFAULT 0,
		change_percent NUMERIC(20,8) NOT NULL DEFAULT 0,
		observed_at    TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (obs_date, series_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_observations_feed ON raw_observations (feed, observed_at DESC)`,
	`CREATE TABLE IF NOT EXISTS settlements (
		settle_date          DATE PRIMARY KEY,
		price                NUMERIC(20,8) NOT NULL,
		rate                 NUMERIC(20,8) NOT NULL,
		price_delta          NUMERIC(20,8) NOT NULL,
		local_currency_delta NUMERIC(20,8) NOT NULL,
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// pgxDB is the part of *pgxpool.Pool the store uses.
type pgxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Postgres is the pgxpool-backed Store.
type Postgres struct {
	pool   pgxDB
	logger *slog.Logger
}

// OpenPostgres connects, pings and migrates.
func OpenPostgres(ctx context.Context, cfg config.DBConfig, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	p := &Postgres{pool: pool, logger: logger}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("postgres store opened", "host", cfg.Host, "database", cfg.Name)
	return p, nil
}

// Connect creates a single connection pool.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// UpsertObservation implements Store.
func (p *Postgres) UpsertObservation(ctx context.Context, obs model.RawObservation, tolerance decimal.Decimal) (UpsertResult, error) {
	const q = `
		INSERT INTO raw_observations
			(obs_date, series_id, feed, contract, value, change, change_percent, observed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, now())
		ON CONFLICT (obs_date, series_id) DO UPDATE SET
			feed = EXCLUDED.feed,
			contract = EXCLUDED.contract,
			value = EXCLUDED.value,
			change = EXCLUDED.change,
			change_percent = EXCLUDED.change_percent,
			observed_at = EXCLUDED.observed_at,
			updated_at = now()
		WHERE EXCLUDED.observed_at >= raw_observations.observed_at
		  AND abs(EXCLUDED.value - raw_observations.value) > $9::numeric
		RETURNING (xmax = 0)`

	var inserted bool
	err := p.pool.QueryRow(ctx, q,
		obs.Date,
		obs.SeriesID,
		string(obs.Feed),
		obs.Contract,
		obs.Value.String(),
		obs.Change.String(),
		obs.ChangePercent.String(),
		obs.ObservedAt,
		tolerance.String(),
	).Scan(&inserted)

	switch {
	case err == nil:
		if inserted {
			return Inserted, nil
		}
		return Updated, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Conflict without update: classify against the stored row.
		var stored time.Time
		err := p.pool.QueryRow(ctx,
			`SELECT observed_at FROM raw_observations WHERE obs_date = $1 AND series_id = $2`,
			obs.Date, obs.SeriesID,
		).Scan(&stored)
		if err != nil {
			return Unchanged, fmt.Errorf("classify upsert: %w", err)
		}
		if stored.After(obs.ObservedAt) {
			return Superseded, nil
		}
		return Unchanged, nil
	default:
		return Unchanged, fmt.Errorf("upsert observation: %w", err)
	}
}

const pgObservationColumns = `obs_date, series_id, feed, contract, value::text, change::text,
	change_percent::text, observed_at, updated_at`

func scanPgObservation(row pgx.Row) (model.RawObservation, error) {
	var (
		obs                   model.RawObservation
		feed                  string
		value, change, chgPct string
	)
	if err := row.Scan(&obs.Date, &obs.SeriesID, &feed, &obs.Contract, &value, &change, &chgPct,
		&obs.ObservedAt, &obs.UpdatedAt); err != nil {
		return obs, err
	}
	obs.Feed = model.FeedID(feed)
	obs.Date = obs.Date.UTC()

	var err error
	if obs.Value, err = decimal.NewFromString(value); err != nil {
		return obs, fmt.Errorf("parse value: %w", err)
	}
	if obs.Change, err = decimal.NewFromString(change); err != nil {
		return obs, fmt.Errorf("parse change: %w", err)
	}
	if obs.ChangePercent, err = decimal.NewFromString(chgPct); err != nil {
		return obs, fmt.Errorf("parse change_percent: %w", err)
	}
	return obs, nil
}

// GetObservation implements Store.
func (p *Postgres) GetObservation(ctx context.Context, date time.Time, seriesID string) (model.RawObservation, bool, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+pgObservationColumns+` FROM raw_observations WHERE obs_date = $1 AND series_id = $2`,
		date, seriesID)
	obs, err := scanPgObservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RawObservation{}, false, nil
	}
	if err != nil {
		return model.RawObservation{}, false, fmt.Errorf("get observation: %w", err)
	}
	return obs, true, nil
}

// LatestByFeed implements Store.
func (p *Postgres) LatestByFeed(ctx context.Context, feed model.FeedID) (model.RawObservation, bool, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+pgObservationColumns+` FROM raw_observations WHERE feed = $1
		 ORDER BY observed_at DESC LIMIT 1`,
		string(feed))
	obs, err := scanPgObservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RawObservation{}, false, nil
	}
	if err != nil {
		return model.RawObservation{}, false, fmt.Errorf("latest observation: %w", err)
	}
	return obs, true, nil
}

// UpsertSettlement implements Store.
func (p *Postgres) UpsertSettlement(ctx context.Context, rec model.SettlementRecord) (UpsertResult, error) {
	const q = `
		INSERT INTO settlements (settle_date, price, rate, price_delta, local_currency_delta, updated_at)
		VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5::numeric, now())
		ON CONFLICT (settle_date) DO UPDATE SET
			price = EXCLUDED.price,
			rate = EXCLUDED.rate,
			price_delta = EXCLUDED.price_delta,
			local_currency_delta = EXCLUDED.local_currency_delta,
			updated_at = now()
		WHERE (settlements.price, settlements.rate, settlements.price_delta, settlements.local_currency_delta)
		      IS DISTINCT FROM
		      (EXCLUDED.price, EXCLUDED.rate, EXCLUDED.price_delta, EXCLUDED.local_currency_delta)
		RETURNING (xmax = 0)`

	var inserted bool
	err := p.pool.QueryRow(ctx, q,
		rec.Date,
		rec.Price.String(),
		rec.Rate.String(),
		rec.PriceDelta.String(),
		rec.LocalCurrencyDelta.String(),
	).Scan(&inserted)

	switch {
	case err == nil:
		if inserted {
			return Inserted, nil
		}
		return Updated, nil
	case errors.Is(err, pgx.ErrNoRows):
		return Unchanged, nil
	default:
		return Unchanged, fmt.Errorf("upsert settlement: %w", err)
	}
}

const pgSettlementColumns = `settle_date, price::text, rate::text, price_delta::text,
	local_currency_delta::text, updated_at`

func scanPgSettlement(row pgx.Row) (model.SettlementRecord, error) {
	var (
		rec                       model.SettlementRecord
		price, rate, delta, local string
	)
	if err := row.Scan(&rec.Date, &price, &rate, &delta, &local, &rec.UpdatedAt); err != nil {
		return rec, err
	}
	rec.Date = rec.Date.UTC()
	vals, err := parseDecimals(price, rate, delta, local)
	if err != nil {
		return rec, err
	}
	rec.Price, rec.Rate, rec.PriceDelta, rec.LocalCurrencyDelta = vals[0], vals[1], vals[2], vals[3]
	return rec, nil
}

// GetSettlement implements Store.
func (p *Postgres) GetSettlement(ctx context.Context, date time.Time) (model.SettlementRecord, bool, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+pgSettlementColumns+` FROM settlements WHERE settle_date = $1`, date)
	rec, err := scanPgSettlement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SettlementRecord{}, false, nil
	}
	if err != nil {
		return model.SettlementRecord{}, false, fmt.Errorf("get settlement: %w", err)
	}
	return rec, true, nil
}

// ListSettlements implements Store. Both bounds are inclusive.
func (p *Postgres) ListSettlements(ctx context.Context, from, to time.Time) ([]model.SettlementRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+pgSettlementColumns+` FROM settlements
		 WHERE settle_date >= $1 AND settle_date <= $2 ORDER BY settle_date`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}
	defer rows.Close()

	var out []model.SettlementRecord
	for rows.Next() {
		rec, err := scanPgSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ExpiredDates implements Store.
func (p *Postgres) ExpiredDates(ctx context.Context, table Table, cutoff time.Time) ([]time.Time, error) {
	col, err := dateColumn(table)
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx,
		fmt.Sprintf(`SELECT DISTINCT %[1]s FROM %[2]s WHERE %[1]s < $1 ORDER BY %[1]s`, col, table),
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("expired dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, d.UTC())
	}
	return dates, rows.Err()
}

// LoadPartition implements Store.
func (p *Postgres) LoadPartition(ctx context.Context, table Table, date time.Time) (Partition, error) {
	part := Partition{Table: table, Date: date}

	switch table {
	case TableObservations:
		rows, err := p.pool.Query(ctx,
			`SELECT `+pgObservationColumns+` FROM raw_observations WHERE obs_date = $1 ORDER BY series_id`, date)
		if err != nil {
			return part, fmt.Errorf("load partition: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			obs, err := scanPgObservation(rows)
			if err != nil {
				return part, err
			}
			part.Observations = append(part.Observations, obs)
		}
		return part, rows.Err()
	case TableSettlements:
		rec, ok, err := p.GetSettlement(ctx, date)
		if err != nil {
			return part, err
		}
		if ok {
			part.Settlements = []model.SettlementRecord{rec}
		}
		return part, nil
	default:
		return part, fmt.Errorf("unknown table %q", table)
	}
}

// DeleteBatch implements Store.
func (p *Postgres) DeleteBatch(ctx context.Context, table Table, date time.Time, limit int) (int64, error) {
	col, err := dateColumn(table)
	if err != nil {
		return 0, err
	}
	tag, err := p.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %[2]s WHERE ctid IN (SELECT ctid FROM %[2]s WHERE %[1]s = $1 LIMIT $2)`, col, table),
		date, limit)
	if err != nil {
		return 0, fmt.Errorf("delete batch: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Count implements Store.
func (p *Postgres) Count(ctx context.Context, table Table) (int64, error) {
	if _, err := dateColumn(table); err != nil {
		return 0, err
	}
	var n int64
	if err := p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Ping implements Store.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close implements Store.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func parseDecimals(ss ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(ss))
	for i, s := range ss {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("parse decimal %q: %w", s, err)
		}
		out[i] = d
	}
	return out, nil
}
