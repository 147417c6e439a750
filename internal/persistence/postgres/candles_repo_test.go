package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlevault/candlevault/internal/persistence"
	"github.com/candlevault/candlevault/internal/timeframe"
)

func newMockRepo(t *testing.T) (persistence.CandleRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewCandleRepo(sqlx.NewDb(db, "sqlmock"), 5*time.Second), mock
}

func sampleCandle(ts time.Time) persistence.Candle {
	return persistence.Candle{
		Symbol:       "AAPL",
		Timeframe:    timeframe.D1,
		Time:         ts,
		Open:         100,
		High:         105,
		Low:          99,
		Close:        104,
		Volume:       1_000_000,
		Source:       "polygon",
		QualityScore: 1.0,
		Validated:    true,
	}
}

func TestUpsertRange_CommitsWholeBatch(t *testing.T) {
	repo, mock := newMockRepo(t)

	ts := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	candles := []persistence.Candle{sampleCandle(ts), sampleCandle(ts.AddDate(0, 0, 1))}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO candles")
	for range candles {
		prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	n, err := repo.UpsertRange(context.Background(), "AAPL", timeframe.D1, candles)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRange_RollsBackOnFailureAndReportsZero(t *testing.T) {
	repo, mock := newMockRepo(t)

	ts := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	candles := []persistence.Candle{sampleCandle(ts), sampleCandle(ts.AddDate(0, 0, 1))}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO candles")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnError(assert.AnError)
	mock.ExpectRollback()

	n, err := repo.UpsertRange(context.Background(), "AAPL", timeframe.D1, candles)
	assert.Error(t, err)
	assert.Equal(t, 0, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRange_EmptyBatchIsNoop(t *testing.T) {
	repo, mock := newMockRepo(t)

	n, err := repo.UpsertRange(context.Background(), "AAPL", timeframe.D1, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatest_NoRowsReturnsNil(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT (.+) FROM candles").
		WithArgs("AAPL", "1d").
		WillReturnError(sql.ErrNoRows)

	c, err := repo.Latest(context.Background(), "AAPL", timeframe.D1)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestUpdateValidation_RejectsOversizedBatch(t *testing.T) {
	repo, _ := newMockRepo(t)

	updates := make([]persistence.ValidationUpdate, MaxValidationBatch+1)
	_, err := repo.UpdateValidation(context.Background(), updates)
	assert.Error(t, err)
}
