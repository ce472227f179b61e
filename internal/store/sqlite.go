package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/Novexpro/Novexpro-sub000/internal/model"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS raw_observations (
		obs_date       TEXT    NOT NULL,
		series_id      TEXT    NOT NULL,
		feed           TEXT    NOT NULL,
		contract       TEXT    NOT NULL DEFAULT '',
		value          TEXT    NOT NULL,
		change         TEXT    NOT NULL DEFAULT '0',
		change_percent TEXT    NOT NULL DEFAULT '0',
		observed_at    INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		PRIMARY KEY (obs_date, series_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_observations_feed ON raw_observations (feed, observed_at)`,
	`CREATE TABLE IF NOT EXISTS settlements (
		settle_date          TEXT PRIMARY KEY,
		price                TEXT    NOT NULL,
		rate                 TEXT    NOT NULL,
		price_delta          TEXT    NOT NULL,
		local_currency_delta TEXT    NOT NULL,
		updated_at           INTEGER NOT NULL
	)`,
}

// SQLite is the embedded Store. Timestamps are stored as µs since epoch,
// dates as YYYY-MM-DD and decimals as canonical strings.
type SQLite struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// OpenSQLite opens (or creates) the database file and runs migrations.
// Path ":memory:" opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; also keeps an in-memory database on a single connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := NewSQLiteFromDB(db, logger)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s.logger.Info("sqlite store opened", "path", path)
	return s, nil
}

// NewSQLiteFromDB wraps an existing handle without migrating.
func NewSQLiteFromDB(db *sqlx.DB, logger *slog.Logger) *SQLite {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLite{db: db, logger: logger, now: time.Now}
}

func (s *SQLite) migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

type sqliteObservation struct {
	ObsDate       string `db:"obs_date"`
	SeriesID      string `db:"series_id"`
	Feed          string `db:"feed"`
	Contract      string `db:"contract"`
	Value         string `db:"value"`
	Change        string `db:"change"`
	ChangePercent string `db:"change_percent"`
	ObservedAt    int64  `db:"observed_at"`
	UpdatedAt     int64  `db:"updated_at"`
}

func (r sqliteObservation) toModel() (model.RawObservation, error) {
	date, err := model.ParseDate(r.ObsDate)
	if err != nil {
		return model.RawObservation{}, fmt.Errorf("parse obs_date: %w", err)
	}
	vals, err := parseDecimals(r.Value, r.Change, r.ChangePercent)
	if err != nil {
		return model.RawObservation{}, err
	}
	return model.RawObservation{
		Date:          date,
		SeriesID:      r.SeriesID,
		Feed:          model.FeedID(r.Feed),
		Contract:      r.Contract,
		Value:         vals[0],
		Change:        vals[1],
		ChangePercent: vals[2],
		ObservedAt:    time.UnixMicro(r.ObservedAt).UTC(),
		UpdatedAt:     time.UnixMicro(r.UpdatedAt).UTC(),
	}, nil
}

type sqliteSettlement struct {
	SettleDate         string `db:"settle_date"`
	Price              string `db:"price"`
	Rate               string `db:"rate"`
	PriceDelta         string `db:"price_delta"`
	LocalCurrencyDelta string `db:"local_currency_delta"`
	UpdatedAt          int64  `db:"updated_at"`
}

func (r sqliteSettlement) toModel() (model.SettlementRecord, error) {
	date, err := model.ParseDate(r.SettleDate)
	if err != nil {
		return model.SettlementRecord{}, fmt.Errorf("parse settle_date: %w", err)
	}
	vals, err := parseDecimals(r.Price, r.Rate, r.PriceDelta, r.LocalCurrencyDelta)
	if err != nil {
		return model.SettlementRecord{}, err
	}
	return model.SettlementRecord{
		Date:               date,
		Price:              vals[0],
		Rate:               vals[1],
		PriceDelta:         vals[2],
		LocalCurrencyDelta: vals[3],
		UpdatedAt:          time.UnixMicro(r.UpdatedAt).UTC(),
	}, nil
}

// UpsertObservation implements Store.
func (s *SQLite) UpsertObservation(ctx context.Context, obs model.RawObservation, tolerance decimal.Decimal) (UpsertResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Unchanged, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	date := model.FormatDate(obs.Date)

	var stored sql.NullInt64
	err = tx.GetContext(ctx, &stored,
		`SELECT observed_at FROM raw_observations WHERE obs_date = ? AND series_id = ?`,
		date, obs.SeriesID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Unchanged, fmt.Errorf("read existing: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO raw_observations
			(obs_date, series_id, feed, contract, value, change, change_percent, observed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (obs_date, series_id) DO UPDATE SET
			feed = excluded.feed,
			contract = excluded.contract,
			value = excluded.value,
			change = excluded.change,
			change_percent = excluded.change_percent,
			observed_at = excluded.observed_at,
			updated_at = excluded.updated_at
		WHERE excluded.observed_at >= raw_observations.observed_at
		  AND abs(CAST(excluded.value AS REAL) - CAST(raw_observations.value AS REAL)) > ?`,
		date,
		obs.SeriesID,
		string(obs.Feed),
		obs.Contract,
		obs.Value.String(),
		obs.Change.String(),
		obs.ChangePercent.String(),
		obs.ObservedAt.UnixMicro(),
		s.now().UnixMicro(),
		tolerance.InexactFloat64(),
	)
	if err != nil {
		return Unchanged, fmt.Errorf("upsert observation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Unchanged, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Unchanged, fmt.Errorf("commit: %w", err)
	}

	switch {
	case n > 0 && !stored.Valid:
		return Inserted, nil
	case n > 0:
		return Updated, nil
	case stored.Valid && stored.Int64 > obs.ObservedAt.UnixMicro():
		return Superseded, nil
	default:
		return Unchanged, nil
	}
}

// GetObservation implements Store.
func (s *SQLite) GetObservation(ctx context.Context, date time.Time, seriesID string) (model.RawObservation, bool, error) {
	var row sqliteObservation
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM raw_observations WHERE obs_date = ? AND series_id = ?`,
		model.FormatDate(date), seriesID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RawObservation{}, false, nil
	}
	if err != nil {
		return model.RawObservation{}, false, fmt.Errorf("get observation: %w", err)
	}
	obs, err := row.toModel()
	return obs, err == nil, err
}

// LatestByFeed implements Store.
func (s *SQLite) LatestByFeed(ctx context.Context, feed model.FeedID) (model.RawObservation, bool, error) {
	var row sqliteObservation
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM raw_observations WHERE feed = ? ORDER BY observed_at DESC LIMIT 1`,
		string(feed))
	if errors.Is(err, sql.ErrNoRows) {
		return model.RawObservation{}, false, nil
	}
	if err != nil {
		return model.RawObservation{}, false, fmt.Errorf("latest observation: %w", err)
	}
	obs, err := row.toModel()
	return obs, err == nil, err
}

// UpsertSettlement implements Store.
func (s *SQLite) UpsertSettlement(ctx context.Context, rec model.SettlementRecord) (UpsertResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Unchanged, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	date := model.FormatDate(rec.Date)

	var exists int
	if err := tx.GetContext(ctx, &exists,
		`SELECT count(*) FROM settlements WHERE settle_date = ?`, date); err != nil {
		return Unchanged, fmt.Errorf("read existing: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO settlements (settle_date, price, rate, price_delta, local_currency_delta, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (settle_date) DO UPDATE SET
			price = excluded.price,
			rate = excluded.rate,
			price_delta = excluded.price_delta,
			local_currency_delta = excluded.local_currency_delta,
			updated_at = excluded.updated_at
		WHERE settlements.price <> excluded.price
		   OR settlements.rate <> excluded.rate
		   OR settlements.price_delta <> excluded.price_delta
		   OR settlements.local_currency_delta <> excluded.local_currency_delta`,
		date,
		rec.Price.String(),
		rec.Rate.String(),
		rec.PriceDelta.String(),
		rec.LocalCurrencyDelta.String(),
		s.now().UnixMicro(),
	)
	if err != nil {
		return Unchanged, fmt.Errorf("upsert settlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Unchanged, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Unchanged, fmt.Errorf("commit: %w", err)
	}

	switch {
	case n > 0 && exists == 0:
		return Inserted, nil
	case n > 0:
		return Updated, nil
	default:
		return Unchanged, nil
	}
}

// GetSettlement implements Store.
func (s *SQLite) GetSettlement(ctx context.Context, date time.Time) (model.SettlementRecord, bool, error) {
	var row sqliteSettlement
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM settlements WHERE settle_date = ?`, model.FormatDate(date))
	if errors.Is(err, sql.ErrNoRows) {
		return model.SettlementRecord{}, false, nil
	}
	if err != nil {
		return model.SettlementRecord{}, false, fmt.Errorf("get settlement: %w", err)
	}
	rec, err := row.toModel()
	return rec, err == nil, err
}

// ListSettlements implements Store. Both bounds are inclusive.
func (s *SQLite) ListSettlements(ctx context.Context, from, to time.Time) ([]model.SettlementRecord, error) {
	var rows []sqliteSettlement
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM settlements WHERE settle_date >= ? AND settle_date <= ? ORDER BY settle_date`,
		model.FormatDate(from), model.FormatDate(to)); err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}

	out := make([]model.SettlementRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ExpiredDates implements Store.
func (s *SQLite) ExpiredDates(ctx context.Context, table Table, cutoff time.Time) ([]time.Time, error) {
	col, err := dateColumn(table)
	if err != nil {
		return nil, err
	}
	var raw []string
	if err := s.db.SelectContext(ctx, &raw,
		fmt.Sprintf(`SELECT DISTINCT %[1]s FROM %[2]s WHERE %[1]s < ? ORDER BY %[1]s`, col, table),
		model.FormatDate(cutoff)); err != nil {
		return nil, fmt.Errorf("expired dates: %w", err)
	}

	dates := make([]time.Time, 0, len(raw))
	for _, r := range raw {
		d, err := model.ParseDate(r)
		if err != nil {
			return nil, fmt.Errorf("parse date %q: %w", r, err)
		}
		dates = append(dates, d)
	}
	return dates, nil
}

// LoadPartition implements Store.
func (s *SQLite) LoadPartition(ctx context.Context, table Table, date time.Time) (Partition, error) {
	part := Partition{Table: table, Date: date}
	day := model.FormatDate(date)

	switch table {
	case TableObservations:
		var rows []sqliteObservation
		if err := s.db.SelectContext(ctx, &rows,
			`SELECT * FROM raw_observations WHERE obs_date = ? ORDER BY series_id`, day); err != nil {
			return part, fmt.Errorf("load partition: %w", err)
		}
		for _, r := range rows {
			obs, err := r.toModel()
			if err != nil {
				return part, err
			}
			part.Observations = append(part.Observations, obs)
		}
	case TableSettlements:
		var rows []sqliteSettlement
		if err := s.db.SelectContext(ctx, &rows,
			`SELECT * FROM settlements WHERE settle_date = ?`, day); err != nil {
			return part, fmt.Errorf("load partition: %w", err)
		}
		for _, r := range rows {
			rec, err := r.toModel()
			if err != nil {
				return part, err
			}
			part.Settlements = append(part.Settlements, rec)
		}
	default:
		return part, fmt.Errorf("unknown table %q", table)
	}
	return part, nil
}

// DeleteBatch implements Store.
func (s *SQLite) DeleteBatch(ctx context.Context, table Table, date time.Time, limit int) (int64, error) {
	col, err := dateColumn(table)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %[2]s WHERE rowid IN (SELECT rowid FROM %[2]s WHERE %[1]s = ? LIMIT ?)`, col, table),
		model.FormatDate(date), limit)
	if err != nil {
		return 0, fmt.Errorf("delete batch: %w", err)
	}
	return res.RowsAffected()
}

// Count implements Store.
func (s *SQLite) Count(ctx context.Context, table Table) (int64, error) {
	if _, err := dateColumn(table); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.GetContext(ctx, &n, fmt.Sprintf(`SELECT count(*) FROM %s`, table)); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Ping implements Store.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}
