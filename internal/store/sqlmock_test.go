package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Novexpro/Novexpro-sub000/internal/model"
)

func newMockSQLite(t *testing.T) (*SQLite, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteFromDB(sqlx.NewDb(db, "sqlite"), nil), mock
}

func TestSQLiteUpsertObservationReadFailure(t *testing.T) {
	s, mock := newMockSQLite(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT observed_at FROM raw_observations").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	obs := obsAt("spot_price", "2250", time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC))
	_, err := s.UpsertObservation(context.Background(), obs, tolerance)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read existing")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteUpsertObservationWriteFailure(t *testing.T) {
	s, mock := newMockSQLite(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT observed_at FROM raw_observations").
		WillReturnRows(sqlmock.NewRows([]string{"observed_at"}))
	mock.ExpectExec("INSERT INTO raw_observations").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	obs := obsAt("spot_price", "2250", time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC))
	_, err := s.UpsertObservation(context.Background(), obs, tolerance)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteUpsertSettlementCommitFailure(t *testing.T) {
	s, mock := newMockSQLite(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO settlements").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("commit failed"))

	rec := model.SettlementRecord{Date: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)}
	_, err := s.UpsertSettlement(context.Background(), rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteCountFailure(t *testing.T) {
	s, mock := newMockSQLite(t)

	mock.ExpectQuery("SELECT count").WillReturnError(errors.New("no such table"))

	_, err := s.Count(context.Background(), TableSettlements)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count settlements")
	assert.NoError(t, mock.ExpectationsWereMet())
}
