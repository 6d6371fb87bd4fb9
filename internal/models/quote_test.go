package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQuoteEvent(t *testing.T) {
	capturedAt := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	t.Run("uses provider timestamp when present", func(t *testing.T) {
		raw := &RawQuote{
			CurrentPrice:  Float64(150.25),
			PercentChange: Float64(1.5),
			Timestamp:     Int64(1700000000),
		}

		event, err := NewQuoteEvent(" aapl ", "Apple Inc", raw, capturedAt)
		require.NoError(t, err)
		assert.Equal(t, "AAPL", event.Symbol)
		assert.Equal(t, "Apple Inc", event.StockName)
		assert.Equal(t, 150.25, *event.CurrentPrice)
		assert.Equal(t, 1.5, *event.PercentChange)
		assert.True(t, event.Timestamp.Equal(time.Unix(1700000000, 0)))
		assert.Equal(t, int64(1700000000), *event.MarketTimestamp)
		assert.Equal(t, capturedAt, event.CreatedAt)
	})

	t.Run("falls back to capture time", func(t *testing.T) {
		raw := &RawQuote{CurrentPrice: Float64(10)}

		event, err := NewQuoteEvent("MSFT", "", raw, capturedAt)
		require.NoError(t, err)
		assert.Equal(t, capturedAt, event.Timestamp)
		assert.Nil(t, event.MarketTimestamp)
		assert.Equal(t, "MSFT", event.StockName)
	})

	t.Run("rejects missing price", func(t *testing.T) {
		_, err := NewQuoteEvent("AAPL", "Apple", &RawQuote{PercentChange: Float64(1)}, capturedAt)
		assert.ErrorIs(t, err, ErrMissingPrice)

		_, err = NewQuoteEvent("AAPL", "Apple", nil, capturedAt)
		assert.ErrorIs(t, err, ErrMissingPrice)
	})

	t.Run("rejects bad symbols", func(t *testing.T) {
		raw := &RawQuote{CurrentPrice: Float64(10)}

		_, err := NewQuoteEvent("   ", "", raw, capturedAt)
		assert.ErrorIs(t, err, ErrEmptySymbol)

		_, err = NewQuoteEvent("ABCDEFGHIJK", "", raw, capturedAt)
		assert.ErrorIs(t, err, ErrSymbolTooLong)
	})
}

func TestRawQuoteDecoding(t *testing.T) {
	var withPrice RawQuote
	require.NoError(t, json.Unmarshal([]byte(`{"c":150.25,"d":2.1,"dp":1.5,"h":151,"l":149,"o":149.5,"pc":148.15,"t":1700000000}`), &withPrice))
	assert.True(t, withPrice.HasPrice())
	assert.Equal(t, 148.15, *withPrice.PreviousClose)

	var noPrice RawQuote
	require.NoError(t, json.Unmarshal([]byte(`{"d":null,"dp":null,"t":0}`), &noPrice))
	assert.False(t, noPrice.HasPrice())
}

func TestIsSignificant(t *testing.T) {
	tests := []struct {
		name   string
		change *float64
		want   bool
	}{
		{"nil change", nil, false},
		{"below threshold", Float64(4.99), false},
		{"at threshold", Float64(5.00), true},
		{"negative at threshold", Float64(-5.00), true},
		{"negative below threshold", Float64(-4.99), false},
		{"well above", Float64(12.3), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &QuoteEvent{Symbol: "AAPL", PercentChange: tt.change}
			assert.Equal(t, tt.want, e.IsSignificant(DefaultAlertThreshold))
		})
	}
}

func TestWithoutID(t *testing.T) {
	e := &QuoteEvent{ID: uuid.New(), Symbol: "TSLA", CurrentPrice: Float64(200)}

	stripped := e.WithoutID()
	assert.Equal(t, uuid.Nil, stripped.ID)
	assert.NotEqual(t, uuid.Nil, e.ID, "original must be untouched")
	assert.Equal(t, e.Symbol, stripped.Symbol)
	assert.NoError(t, stripped.Validate())
}
