package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Novexpro/Novexpro-sub000/internal/config"
	"github.com/Novexpro/Novexpro-sub000/internal/model"
)

// Table names a durable table subject to retention.
type Table string

const (
	TableObservations Table = "raw_observations"
	TableSettlements  Table = "settlements"
)

// Tables returns the retained tables in cleanup order.
func Tables() []Table {
	return []Table{TableObservations, TableSettlements}
}

// dateColumn returns the partition column of a table.
func dateColumn(t Table) (string, error) {
	switch t {
	case TableObservations:
		return "obs_date", nil
	case TableSettlements:
		return "settle_date", nil
	default:
		return "", fmt.Errorf("unknown table %q", t)
	}
}

// UpsertResult describes what an idempotent write did.
type UpsertResult int

const (
	Inserted   UpsertResult = iota // new natural key
	Updated                        // existing row overwritten in place
	Unchanged                      // value within tolerance, no-op
	Superseded                     // stored row is newer, no-op
)

func (r UpsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Unchanged:
		return "unchanged"
	case Superseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Changed reports whether the write modified stored data.
func (r UpsertResult) Changed() bool {
	return r == Inserted || r == Updated
}

// Partition is every row of one table for one date.
type Partition struct {
	Table        Table                    `json:"table"`
	Date         time.Time                `json:"date"`
	Observations []model.RawObservation   `json:"observations,omitempty"`
	Settlements  []model.SettlementRecord `json:"settlements,omitempty"`
}

// Len returns the number of rows in the partition.
func (p Partition) Len() int {
	return len(p.Observations) + len(p.Settlements)
}

// Store is the durable storage contract.
type Store interface {
	// UpsertObservation writes obs by (Date, SeriesID). A value within
	// tolerance of the stored one is a no-op; an older ObservedAt never
	// overwrites a newer one.
	UpsertObservation(ctx context.Context, obs model.RawObservation, tolerance decimal.Decimal) (UpsertResult, error)
	GetObservation(ctx context.Context, date time.Time, seriesID string) (model.RawObservation, bool, error)
	LatestByFeed(ctx context.Context, feed model.FeedID) (model.RawObservation, bool, error)

	// UpsertSettlement overwrites the record for rec.Date in place.
	UpsertSettlement(ctx context.Context, rec model.SettlementRecord) (UpsertResult, error)
	GetSettlement(ctx context.Context, date time.Time) (model.SettlementRecord, bool, error)
	ListSettlements(ctx context.Context, from, to time.Time) ([]model.SettlementRecord, error)

	// ExpiredDates lists distinct dates strictly before cutoff.
	ExpiredDates(ctx context.Context, table Table, cutoff time.Time) ([]time.Time, error)
	LoadPartition(ctx context.Context, table Table, date time.Time) (Partition, error)
	// DeleteBatch deletes at most limit rows of the date and returns the count.
	DeleteBatch(ctx context.Context, table Table, date time.Time, limit int) (int64, error)
	Count(ctx context.Context, table Table) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the configured backend and ensures the schema exists.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return OpenPostgres(ctx, cfg.Postgres, logger)
	case "sqlite":
		return OpenSQLite(ctx, cfg.SQLite.Path, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
