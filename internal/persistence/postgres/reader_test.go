package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/fusiond/internal/persistence/postgres"
)

func newMockReader(t *testing.T) (*postgres.Reader, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(mockDB, "postgres")
	reader := postgres.NewReader(sqlxDB, "binance", 5*time.Second)
	return reader, mock, func() { mockDB.Close() }
}

func TestLoadWindow(t *testing.T) {
	reader, mock, closeFn := newMockReader(t)
	defer closeFn()

	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	cols := []string{"symbol", "exchange", "bucket_ts", "open", "high", "low", "close", "volume", "quote_volume", "trade_count", "taker_buy_volume", "taker_buy_quote_volume", "is_closed"}
	mock.ExpectQuery(`SELECT .* FROM candles_1h WHERE symbol = ANY\(\$1\) AND is_closed AND bucket_ts >= \$2`).
		WithArgs(sqlmock.AnyArg(), now).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("BTCUSDT", "binance", now, 100.0, 110.0, 95.0, 105.0, 10.0, 1000.0, int64(5), 4.0, 400.0, true))

	rows, err := reader.LoadWindow(context.Background(), "1h", []string{"BTCUSDT"}, now)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "BTCUSDT", rows[0].Symbol)
	assert.Equal(t, 105.0, rows[0].Close)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchSingleBarQueryError(t *testing.T) {
	reader, mock, closeFn := newMockReader(t)
	defer closeFn()

	bucketTS := time.Date(2026, 7, 29, 12, 1, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT .* FROM candles_1m WHERE symbol = \$1 AND bucket_ts = \$2 AND is_closed`).
		WithArgs("ETHUSDT", bucketTS).
		WillReturnError(sqlmock.ErrCancelled)

	_, found, err := reader.FetchSingleBar(context.Background(), "ETHUSDT", bucketTS)
	assert.Error(t, err)
	assert.False(t, found)
}

func TestFetchSingleBarFound(t *testing.T) {
	reader, mock, closeFn := newMockReader(t)
	defer closeFn()

	bucketTS := time.Date(2026, 7, 29, 12, 1, 0, 0, time.UTC)
	cols := []string{"symbol", "exchange", "bucket_ts", "open", "high", "low", "close", "volume", "quote_volume", "trade_count", "taker_buy_volume", "taker_buy_quote_volume", "is_closed"}
	mock.ExpectQuery(`SELECT .* FROM candles_1m WHERE symbol = \$1 AND bucket_ts = \$2 AND is_closed`).
		WithArgs("ETHUSDT", bucketTS).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("ETHUSDT", "binance", bucketTS, 1.0, 2.0, 0.5, 1.5, 1.0, 100.0, int64(1), 0.5, 50.0, true))

	row, found, err := reader.FetchSingleBar(context.Background(), "ETHUSDT", bucketTS)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1.5, row.Close)
}

func TestDistinctSymbols(t *testing.T) {
	reader, mock, closeFn := newMockReader(t)
	defer closeFn()

	mock.ExpectQuery(`SELECT DISTINCT symbol FROM candles_1m ORDER BY symbol`).
		WillReturnRows(sqlmock.NewRows([]string{"symbol"}).AddRow("BTCUSDT").AddRow("ETHUSDT"))

	symbols, err := reader.DistinctSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, symbols)
}
