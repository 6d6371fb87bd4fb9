package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/stock-quote-pipeline/internal/models"
)

type fakeStore struct {
	latest []*models.QuoteEvent
	count  int64
	err    error
}

func (f *fakeStore) GetLatestQuotePerSymbol(context.Context) ([]*models.QuoteEvent, error) {
	return f.latest, f.err
}

func (f *fakeStore) CountQuotes(context.Context) (int64, error) {
	return f.count, f.err
}

var fixedNow = time.Date(2024, 1, 15, 15, 30, 0, 0, time.UTC)

func newTestService(store QuoteStore) *Service {
	return New(store, WithClock(func() time.Time { return fixedNow }))
}

func TestUpdateMetrics(t *testing.T) {
	t.Run("full event", func(t *testing.T) {
		s := newTestService(nil)
		s.UpdateMetrics(&models.QuoteEvent{
			Symbol:        "AAPL",
			CurrentPrice:  models.Float64(150.25),
			PercentChange: models.Float64(1.5),
		})

		snap := s.GetSymbolSnapshot("AAPL")
		assert.Equal(t, 150.25, snap.CurrentPrice)
		assert.Equal(t, 1.5, snap.PercentChange)
		assert.Equal(t, int64(1), snap.QuoteCount)
		assert.Equal(t, fixedNow, snap.LastUpdate)
		assert.Equal(t, 150.25, testutil.ToFloat64(s.collectors.CurrentPrice.WithLabelValues("AAPL")))
		assert.Equal(t, 1.0, testutil.ToFloat64(s.collectors.QuoteUpdates.WithLabelValues("AAPL")))
	})

	t.Run("price only keeps existing percent change", func(t *testing.T) {
		s := newTestService(nil)
		s.UpdateMetrics(&models.QuoteEvent{
			Symbol:        "AAPL",
			CurrentPrice:  models.Float64(150),
			PercentChange: models.Float64(2.5),
		})
		s.UpdateMetrics(&models.QuoteEvent{Symbol: "AAPL", CurrentPrice: models.Float64(151)})

		snap := s.GetSymbolSnapshot("AAPL")
		assert.Equal(t, 151.0, snap.CurrentPrice)
		assert.Equal(t, 2.5, snap.PercentChange)
		assert.Equal(t, int64(2), snap.QuoteCount)
	})

	t.Run("nil event and empty symbol are ignored", func(t *testing.T) {
		s := newTestService(nil)
		s.UpdateMetrics(nil)
		s.UpdateMetrics(&models.QuoteEvent{CurrentPrice: models.Float64(1)})
		assert.Empty(t, s.GetSnapshot())
	})

	t.Run("concurrent updates", func(t *testing.T) {
		s := newTestService(nil)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.UpdateMetrics(&models.QuoteEvent{Symbol: "MSFT", CurrentPrice: models.Float64(400)})
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(50), s.GetSymbolSnapshot("MSFT").QuoteCount)
	})
}

func TestGetSymbolSnapshotUnknown(t *testing.T) {
	s := newTestService(nil)
	snap := s.GetSymbolSnapshot("NOPE")
	assert.Equal(t, "NOPE", snap.Symbol)
	assert.Zero(t, snap.CurrentPrice)
	assert.Zero(t, snap.PercentChange)
	assert.Zero(t, snap.QuoteCount)
}

func TestRefreshFromStore(t *testing.T) {
	t.Run("merges latest quotes into live state", func(t *testing.T) {
		store := &fakeStore{latest: []*models.QuoteEvent{
			{Symbol: "AAPL", CurrentPrice: models.Float64(155), CreatedAt: fixedNow.Add(-time.Minute)},
			{Symbol: "TSLA", CurrentPrice: models.Float64(250), PercentChange: models.Float64(-3)},
		}}
		s := newTestService(store)
		s.UpdateMetrics(&models.QuoteEvent{
			Symbol:        "AAPL",
			CurrentPrice:  models.Float64(150),
			PercentChange: models.Float64(1.2),
		})

		require.NoError(t, s.RefreshFromStore(context.Background()))

		aapl := s.GetSymbolSnapshot("AAPL")
		assert.Equal(t, 155.0, aapl.CurrentPrice)
		assert.Equal(t, 1.2, aapl.PercentChange, "refresh without a change keeps the live value")
		assert.Equal(t, int64(2), aapl.QuoteCount, "refresh re-applies and advances the count")

		tsla := s.GetSymbolSnapshot("TSLA")
		assert.Equal(t, 250.0, tsla.CurrentPrice)
		assert.Equal(t, -3.0, tsla.PercentChange)
	})

	t.Run("store error", func(t *testing.T) {
		s := newTestService(&fakeStore{err: errors.New("db down")})
		require.Error(t, s.RefreshFromStore(context.Background()))
	})

	t.Run("no store", func(t *testing.T) {
		require.NoError(t, newTestService(nil).RefreshFromStore(context.Background()))
	})
}

func TestStartRefreshesPeriodically(t *testing.T) {
	store := &fakeStore{latest: []*models.QuoteEvent{{Symbol: "AMZN", CurrentPrice: models.Float64(180)}}}
	s := New(store, WithRefreshInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return s.GetSymbolSnapshot("AMZN").QuoteCount >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestStartRefreshesImmediately(t *testing.T) {
	store := &fakeStore{latest: []*models.QuoteEvent{{Symbol: "MSFT", CurrentPrice: models.Float64(410)}}}
	s := New(store, WithRefreshInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	require.Eventually(t, func() bool {
		return s.GetSymbolSnapshot("MSFT").CurrentPrice == 410
	}, time.Second, 5*time.Millisecond)
}

func TestUpdateMetricsGaugeFollowsSnapshot(t *testing.T) {
	s := newTestService(nil)

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(price float64) {
			defer wg.Done()
			s.UpdateMetrics(&models.QuoteEvent{Symbol: "NVDA", CurrentPrice: models.Float64(price)})
		}(float64(i))
	}
	wg.Wait()

	snap := s.GetSymbolSnapshot("NVDA")
	assert.Equal(t, int64(50), snap.QuoteCount)
	assert.Equal(t, snap.CurrentPrice, testutil.ToFloat64(s.collectors.CurrentPrice.WithLabelValues("NVDA")))
}

func TestRecordAlert(t *testing.T) {
	s := newTestService(nil)

	s.RecordAlert("TSLA", 6.1)
	s.RecordAlert("TSLA", -5.0)
	s.RecordAlert("TSLA", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.collectors.AlertsTotal.WithLabelValues("TSLA", "up")))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.collectors.AlertsTotal.WithLabelValues("TSLA", "down")))
	assert.Equal(t, 1, testutil.CollectAndCount(s.collectors.AlertProcessing))
	assert.Empty(t, s.GetSnapshot(), "alerts do not touch the snapshot")
}

func TestSummary(t *testing.T) {
	store := &fakeStore{count: 42}
	s := newTestService(store)
	s.UpdateMetrics(&models.QuoteEvent{Symbol: "MSFT", CurrentPrice: models.Float64(400)})
	s.UpdateMetrics(&models.QuoteEvent{Symbol: "AAPL", CurrentPrice: models.Float64(150)})
	s.UpdateMetrics(&models.QuoteEvent{Symbol: "GOOGL", PercentChange: models.Float64(1)})

	summary, err := s.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, summary.TrackedSymbols)
	assert.Len(t, summary.Symbols, 3)
	assert.Equal(t, int64(42), summary.TotalRecords)

	store.err = errors.New("db down")
	_, err = s.Summary(context.Background())
	assert.Error(t, err)
}

func TestCollectorsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectors()
	require.NoError(t, c.Register(reg))
	assert.Error(t, c.Register(reg), "duplicate registration is rejected")

	s := New(nil, WithCollectors(c))
	s.RecordAlert("AAPL", 5)
	s.UpdateMetrics(&models.QuoteEvent{Symbol: "AAPL", CurrentPrice: models.Float64(150)})

	n, err := testutil.GatherAndCount(reg, "stock_price_alerts_total", "stock_current_price")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
