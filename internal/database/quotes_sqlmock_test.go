package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/stock-quote-pipeline/internal/models"
)

var quoteRowColumns = []string{
	"id", "symbol", "stock_name", "current_price", "change_amount", "percent_change",
	"day_high", "day_low", "open_price", "previous_close", "volume", "quote_timestamp", "market_timestamp", "created_at",
}

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return &DB{conn: sqlDB}, mock
}

func TestCreateQuote_ReturnsGeneratedFields(t *testing.T) {
	db, mock := newMockDB(t)

	id := uuid.New()
	createdAt := time.Date(2024, 1, 15, 15, 30, 1, 0, time.UTC)
	q := &models.QuoteEvent{
		Symbol:        "AAPL",
		StockName:     "Apple Inc",
		CurrentPrice:  models.Float64(150.25),
		PercentChange: models.Float64(1.5),
		Timestamp:     time.Unix(1700000000, 0).UTC(),
	}

	mock.ExpectQuery("INSERT INTO stock_quotes").
		WithArgs("AAPL", "Apple Inc", 150.25, nil, 1.5, nil, nil, nil, nil, nil, q.Timestamp, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(id.String(), createdAt))

	require.NoError(t, db.CreateQuote(context.Background(), q))
	assert.Equal(t, id, q.ID)
	assert.Equal(t, createdAt, q.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateQuote_WrapsInsertError(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("INSERT INTO stock_quotes").WillReturnError(errors.New("connection reset"))

	err := db.CreateQuote(context.Background(), &models.QuoteEvent{Symbol: "AAPL", CurrentPrice: models.Float64(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create quote")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateQuote_ValidatesBeforeInsert(t *testing.T) {
	db, mock := newMockDB(t)

	err := db.CreateQuote(context.Background(), &models.QuoteEvent{Symbol: "TOOLONGSYMBOL", CurrentPrice: models.Float64(1)})
	require.ErrorIs(t, err, models.ErrSymbolTooLong)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLatestQuotePerSymbol_ScansNullableColumns(t *testing.T) {
	db, mock := newMockDB(t)

	ts := time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(quoteRowColumns).
		AddRow(uuid.NewString(), "AAPL", "Apple Inc", 150.25, 2.22, 1.5, 151.0, 148.5, 149.0, 148.03, int64(1000), ts, int64(1700000000), ts).
		AddRow(uuid.NewString(), "MSFT", nil, 400.0, nil, nil, nil, nil, nil, nil, nil, ts, nil, ts)
	mock.ExpectQuery("SELECT DISTINCT ON \\(symbol\\)").WillReturnRows(rows)

	quotes, err := db.GetLatestQuotePerSymbol(context.Background())
	require.NoError(t, err)
	require.Len(t, quotes, 2)

	assert.Equal(t, 150.25, *quotes[0].CurrentPrice)
	assert.Equal(t, 1.5, *quotes[0].PercentChange)
	assert.Equal(t, int64(1000), *quotes[0].Volume)

	assert.Equal(t, "", quotes[1].StockName)
	assert.Nil(t, quotes[1].PercentChange)
	assert.Nil(t, quotes[1].Volume)
	assert.Nil(t, quotes[1].MarketTimestamp)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLatestQuote_NotFound(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("FROM stock_quotes").WithArgs("AAPL").WillReturnRows(sqlmock.NewRows(quoteRowColumns))

	_, err := db.GetLatestQuote(context.Background(), "AAPL")
	require.ErrorIs(t, err, ErrQuoteNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPriceStats_EmptyWindow(t *testing.T) {
	db, mock := newMockDB(t)

	start := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\), AVG").
		WithArgs("AAPL", start, end).
		WillReturnRows(sqlmock.NewRows([]string{"count", "avg", "min", "max"}).AddRow(int64(0), nil, nil, nil))

	stats, err := db.GetPriceStats(context.Background(), "AAPL", start, end)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Count)
	assert.True(t, stats.Average.IsZero())
	assert.True(t, stats.Max.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPriceStats_RoundsAverage(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\), AVG").
		WillReturnRows(sqlmock.NewRows([]string{"count", "avg", "min", "max"}).
			AddRow(int64(3), "100.333333333", "100.0000", "101.0000"))

	stats, err := db.GetPriceStats(context.Background(), "AAPL", time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Count)
	assert.True(t, decimal.RequireFromString("100.3333").Equal(stats.Average), "average was %s", stats.Average)
	assert.True(t, decimal.NewFromInt(101).Equal(stats.Max))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteQuotesOlderThan_ReturnsRowsAffected(t *testing.T) {
	db, mock := newMockDB(t)

	cutoff := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM stock_quotes").WithArgs(cutoff).WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := db.DeleteQuotesOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetQuotesBySymbols_EmptySkipsQuery(t *testing.T) {
	db, mock := newMockDB(t)

	quotes, err := db.GetQuotesBySymbols(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, quotes)
	require.NoError(t, mock.ExpectationsWereMet())
}
