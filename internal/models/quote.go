package models

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxSymbolLength is the widest ticker the quote store accepts
const MaxSymbolLength = 10

// DefaultAlertThreshold is the absolute percent change that marks a significant movement
const DefaultAlertThreshold = 5.0

var (
	ErrEmptySymbol   = errors.New("symbol is required")
	ErrSymbolTooLong = errors.New("symbol exceeds 10 characters")
	ErrMissingPrice  = errors.New("current price is required")
)

// RawQuote is the Finnhub /quote response body.
// Every field is optional on the wire; a quote without "c" is malformed.
type RawQuote struct {
	CurrentPrice  *float64 `json:"c"`
	Change        *float64 `json:"d"`
	PercentChange *float64 `json:"dp"`
	High          *float64 `json:"h"`
	Low           *float64 `json:"l"`
	Open          *float64 `json:"o"`
	PreviousClose *float64 `json:"pc"`
	Timestamp     *int64   `json:"t"`
}

// HasPrice reports whether the provider returned a current price
func (r *RawQuote) HasPrice() bool {
	return r != nil && r.CurrentPrice != nil
}

// QuoteEvent is the canonical quote record flowing through Kafka and into Postgres
type QuoteEvent struct {
	ID              uuid.UUID `json:"id"`
	Symbol          string    `json:"symbol"`
	StockName       string    `json:"stock_name"`
	CurrentPrice    *float64  `json:"current_price"`
	PercentChange   *float64  `json:"percent_change,omitempty"`
	ChangeAmount    *float64  `json:"change_amount,omitempty"`
	DayHigh         *float64  `json:"day_high,omitempty"`
	DayLow          *float64  `json:"day_low,omitempty"`
	OpenPrice       *float64  `json:"open_price,omitempty"`
	PreviousClose   *float64  `json:"previous_close,omitempty"`
	Volume          *int64    `json:"volume,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	MarketTimestamp *int64    `json:"market_timestamp,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewQuoteEvent builds an event from a provider quote.
// The quote timestamp comes from the provider when present, otherwise capturedAt.
func NewQuoteEvent(symbol, name string, raw *RawQuote, capturedAt time.Time) (*QuoteEvent, error) {
	symbol, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if !raw.HasPrice() {
		return nil, ErrMissingPrice
	}
	if name == "" {
		name = symbol
	}

	ts := capturedAt
	if raw.Timestamp != nil {
		ts = time.Unix(*raw.Timestamp, 0).UTC()
	}

	return &QuoteEvent{
		Symbol:          symbol,
		StockName:       name,
		CurrentPrice:    raw.CurrentPrice,
		PercentChange:   raw.PercentChange,
		ChangeAmount:    raw.Change,
		DayHigh:         raw.High,
		DayLow:          raw.Low,
		OpenPrice:       raw.Open,
		PreviousClose:   raw.PreviousClose,
		Timestamp:       ts,
		MarketTimestamp: raw.Timestamp,
		CreatedAt:       capturedAt,
	}, nil
}

// WithoutID returns a copy that carries no identity, ready to be inserted
func (e *QuoteEvent) WithoutID() *QuoteEvent {
	c := *e
	c.ID = uuid.Nil
	return &c
}

// Validate checks the invariants a persisted quote must hold
func (e *QuoteEvent) Validate() error {
	if _, err := NormalizeSymbol(e.Symbol); err != nil {
		return err
	}
	if e.CurrentPrice == nil {
		return ErrMissingPrice
	}
	return nil
}

// Normalize rewrites the symbol to its canonical form and validates the event
func (e *QuoteEvent) Normalize() error {
	symbol, err := NormalizeSymbol(e.Symbol)
	if err != nil {
		return err
	}
	e.Symbol = symbol
	return e.Validate()
}

// IsSignificant reports whether the move is at least threshold percent in either direction
func (e *QuoteEvent) IsSignificant(threshold float64) bool {
	return e != nil && e.PercentChange != nil && math.Abs(*e.PercentChange) >= threshold
}

// NormalizeSymbol upper-cases and trims a ticker and enforces the length limit
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return "", ErrEmptySymbol
	}
	if len(s) > MaxSymbolLength {
		return "", ErrSymbolTooLong
	}
	return s, nil
}

// Float64 returns a pointer to v
func Float64(v float64) *float64 { return &v }

// Int64 returns a pointer to v
func Int64(v int64) *int64 { return &v }
