package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/trogers1052/stock-quote-pipeline/internal/models"
)

// ErrQuoteNotFound is returned when no quote matches a lookup
var ErrQuoteNotFound = errors.New("quote not found")

// PriceStats aggregates prices for one symbol over a window
type PriceStats struct {
	Symbol  string          `json:"symbol"`
	Count   int64           `json:"count"`
	Average decimal.Decimal `json:"average_price"`
	Min     decimal.Decimal `json:"min_price"`
	Max     decimal.Decimal `json:"max_price"`
	Start   time.Time       `json:"start"`
	End     time.Time       `json:"end"`
}

const quoteColumns = `id, symbol, stock_name, current_price, change_amount, percent_change,
	day_high, day_low, open_price, previous_close, volume, quote_timestamp, market_timestamp, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuote(row rowScanner) (*models.QuoteEvent, error) {
	var q models.QuoteEvent
	var name sql.NullString
	var price float64
	var change, pct, high, low, open, prevClose sql.NullFloat64
	var volume, marketTS sql.NullInt64

	err := row.Scan(
		&q.ID, &q.Symbol, &name, &price, &change, &pct,
		&high, &low, &open, &prevClose, &volume, &q.Timestamp, &marketTS, &q.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	q.StockName = name.String
	q.CurrentPrice = &price
	q.ChangeAmount = nullFloat(change)
	q.PercentChange = nullFloat(pct)
	q.DayHigh = nullFloat(high)
	q.DayLow = nullFloat(low)
	q.OpenPrice = nullFloat(open)
	q.PreviousClose = nullFloat(prevClose)
	q.Volume = nullInt(volume)
	q.MarketTimestamp = nullInt(marketTS)
	return &q, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func (db *DB) queryQuotes(ctx context.Context, query string, args ...any) ([]*models.QuoteEvent, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query quotes: %w", err)
	}
	defer rows.Close()

	var quotes []*models.QuoteEvent
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quote: %w", err)
		}
		quotes = append(quotes, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate quotes: %w", err)
	}
	return quotes, nil
}

// CreateQuote inserts a quote; the database assigns its ID and created_at
func (db *DB) CreateQuote(ctx context.Context, q *models.QuoteEvent) error {
	if err := q.Validate(); err != nil {
		return fmt.Errorf("invalid quote: %w", err)
	}

	query := `
		INSERT INTO stock_quotes (symbol, stock_name, current_price, change_amount, percent_change,
			day_high, day_low, open_price, previous_close, volume, quote_timestamp, market_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`
	err := db.conn.QueryRowContext(ctx, query,
		q.Symbol, q.StockName, *q.CurrentPrice, q.ChangeAmount, q.PercentChange,
		q.DayHigh, q.DayLow, q.OpenPrice, q.PreviousClose, q.Volume, q.Timestamp, q.MarketTimestamp,
	).Scan(&q.ID, &q.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create quote: %w", err)
	}
	return nil
}

// GetQuotesBySymbol returns the newest quotes for a symbol, up to limit
func (db *DB) GetQuotesBySymbol(ctx context.Context, symbol string, limit int) ([]*models.QuoteEvent, error) {
	query := `SELECT ` + quoteColumns + `
		FROM stock_quotes
		WHERE symbol = $1
		ORDER BY quote_timestamp DESC
		LIMIT $2
	`
	return db.queryQuotes(ctx, query, symbol, limit)
}

// GetLatestQuote returns the most recent quote for a symbol
func (db *DB) GetLatestQuote(ctx context.Context, symbol string) (*models.QuoteEvent, error) {
	query := `SELECT ` + quoteColumns + `
		FROM stock_quotes
		WHERE symbol = $1
		ORDER BY quote_timestamp DESC
		LIMIT 1
	`
	q, err := scanQuote(db.conn.QueryRowContext(ctx, query, symbol))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrQuoteNotFound, symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest quote: %w", err)
	}
	return q, nil
}

// GetLatestQuotePerSymbol returns the most recent quote of every symbol
func (db *DB) GetLatestQuotePerSymbol(ctx context.Context) ([]*models.QuoteEvent, error) {
	query := `SELECT DISTINCT ON (symbol) ` + quoteColumns + `
		FROM stock_quotes
		ORDER BY symbol, quote_timestamp DESC
	`
	return db.queryQuotes(ctx, query)
}

// GetQuotesInRange returns quotes for a symbol between start and end inclusive, newest first
func (db *DB) GetQuotesInRange(ctx context.Context, symbol string, start, end time.Time) ([]*models.QuoteEvent, error) {
	query := `SELECT ` + quoteColumns + `
		FROM stock_quotes
		WHERE symbol = $1 AND quote_timestamp BETWEEN $2 AND $3
		ORDER BY quote_timestamp DESC
	`
	return db.queryQuotes(ctx, query, symbol, start, end)
}

// GetQuotesBySymbols returns quotes for any of the given symbols, newest first
func (db *DB) GetQuotesBySymbols(ctx context.Context, symbols []string) ([]*models.QuoteEvent, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	query := `SELECT ` + quoteColumns + `
		FROM stock_quotes
		WHERE symbol = ANY($1)
		ORDER BY quote_timestamp DESC
	`
	return db.queryQuotes(ctx, query, pq.Array(symbols))
}

// GetRecentQuotes returns quotes captured since the given time, newest first
func (db *DB) GetRecentQuotes(ctx context.Context, since time.Time) ([]*models.QuoteEvent, error) {
	query := `SELECT ` + quoteColumns + `
		FROM stock_quotes
		WHERE quote_timestamp >= $1
		ORDER BY quote_timestamp DESC
	`
	return db.queryQuotes(ctx, query, since)
}

// GetQuotesByPercentChange returns quotes whose absolute move is at least threshold percent
func (db *DB) GetQuotesByPercentChange(ctx context.Context, threshold float64) ([]*models.QuoteEvent, error) {
	query := `SELECT ` + quoteColumns + `
		FROM stock_quotes
		WHERE ABS(percent_change) >= $1
		ORDER BY quote_timestamp DESC
	`
	return db.queryQuotes(ctx, query, threshold)
}

// GetQuotesAbovePrice returns quotes priced at or above minPrice, highest first
func (db *DB) GetQuotesAbovePrice(ctx context.Context, minPrice float64) ([]*models.QuoteEvent, error) {
	query := `SELECT ` + quoteColumns + `
		FROM stock_quotes
		WHERE current_price >= $1
		ORDER BY current_price DESC
	`
	return db.queryQuotes(ctx, query, minPrice)
}

// CountQuotes returns the number of stored quotes
func (db *DB) CountQuotes(ctx context.Context) (int64, error) {
	var n int64
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM stock_quotes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count quotes: %w", err)
	}
	return n, nil
}

// CountQuotesBySymbol returns the number of stored quotes for one symbol
func (db *DB) CountQuotesBySymbol(ctx context.Context, symbol string) (int64, error) {
	var n int64
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM stock_quotes WHERE symbol = $1`, symbol).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count quotes for %s: %w", symbol, err)
	}
	return n, nil
}

// GetPriceStats returns average, min and max price for a symbol over a window.
// An empty window yields zero values with Count 0.
func (db *DB) GetPriceStats(ctx context.Context, symbol string, start, end time.Time) (*PriceStats, error) {
	query := `
		SELECT COUNT(*), AVG(current_price), MIN(current_price), MAX(current_price)
		FROM stock_quotes
		WHERE symbol = $1 AND quote_timestamp BETWEEN $2 AND $3
	`
	stats := &PriceStats{Symbol: symbol, Start: start, End: end}
	var avg, min, max decimal.NullDecimal

	err := db.conn.QueryRowContext(ctx, query, symbol, start, end).Scan(&stats.Count, &avg, &min, &max)
	if err != nil {
		return nil, fmt.Errorf("failed to get price stats: %w", err)
	}

	if avg.Valid {
		stats.Average = avg.Decimal.Round(4)
	}
	if min.Valid {
		stats.Min = min.Decimal
	}
	if max.Valid {
		stats.Max = max.Decimal
	}
	return stats, nil
}

// DeleteQuotesOlderThan removes quotes captured before cutoff and returns how many were removed
func (db *DB) DeleteQuotesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM stock_quotes WHERE quote_timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old quotes: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
