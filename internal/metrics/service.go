// Package metrics keeps the live per-symbol view of consumed quotes and
// exports it, together with price alerts, as Prometheus metrics.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/trogers1052/stock-quote-pipeline/internal/logx"
	"github.com/trogers1052/stock-quote-pipeline/internal/models"
	"go.uber.org/zap"
)

// DefaultRefreshInterval is how often the snapshot is reconciled against the store
const DefaultRefreshInterval = time.Minute

// QuoteStore is the read side of the quote store the service reconciles against
type QuoteStore interface {
	GetLatestQuotePerSymbol(ctx context.Context) ([]*models.QuoteEvent, error)
	CountQuotes(ctx context.Context) (int64, error)
}

// SymbolSnapshot is the live state for one symbol
type SymbolSnapshot struct {
	Symbol        string    `json:"symbol"`
	CurrentPrice  float64   `json:"current_price"`
	PercentChange float64   `json:"percent_change"`
	QuoteCount    int64     `json:"quote_count"`
	LastUpdate    time.Time `json:"last_update"`
}

// Summary is the snapshot plus the persisted record count
type Summary struct {
	TrackedSymbols []string                  `json:"tracked_symbols"`
	Symbols        map[string]SymbolSnapshot `json:"symbols"`
	TotalRecords   int64                     `json:"total_database_records"`
}

// Collectors are the Prometheus metrics the service maintains
type Collectors struct {
	AlertsTotal     *prometheus.CounterVec
	AlertProcessing *prometheus.HistogramVec
	CurrentPrice    *prometheus.GaugeVec
	QuoteUpdates    *prometheus.CounterVec
}

// NewCollectors creates unregistered collectors
func NewCollectors() *Collectors {
	return &Collectors{
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_price_alerts_total",
			Help: "Significant price movements by symbol and direction",
		}, []string{"symbol", "direction"}),
		AlertProcessing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stock_price_alert_processing_seconds",
			Help:    "Time to process a price alert",
			Buckets: prometheus.DefBuckets,
		}, []string{"symbol"}),
		CurrentPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stock_current_price",
			Help: "Last consumed price per symbol",
		}, []string{"symbol"}),
		QuoteUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_quote_updates_total",
			Help: "Quote updates applied to the live snapshot",
		}, []string{"symbol"}),
	}
}

// Register registers every collector with reg
func (c *Collectors) Register(reg prometheus.Registerer) error {
	for _, collector := range []prometheus.Collector{
		c.AlertsTotal,
		c.AlertProcessing,
		c.CurrentPrice,
		c.QuoteUpdates,
	} {
		if err := reg.Register(collector); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return nil
}

type symbolState struct {
	price      *float64
	change     *float64
	count      int64
	lastUpdate time.Time
}

// Service owns the metrics snapshot
type Service struct {
	mu      sync.RWMutex
	symbols map[string]*symbolState

	store           QuoteStore
	collectors      *Collectors
	refreshInterval time.Duration
	now             func() time.Time
	log             *zap.Logger
}

// Option configures a Service
type Option func(*Service)

// WithCollectors sets the Prometheus collectors; they are created unregistered otherwise
func WithCollectors(c *Collectors) Option {
	return func(s *Service) { s.collectors = c }
}

// WithRefreshInterval sets how often Start reconciles against the store
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.refreshInterval = d
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = logx.OrNop(l) }
}

// New creates a metrics service reading from store
func New(store QuoteStore, opts ...Option) *Service {
	s := &Service{
		symbols:         make(map[string]*symbolState),
		store:           store,
		refreshInterval: DefaultRefreshInterval,
		now:             time.Now,
		log:             zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.collectors == nil {
		s.collectors = NewCollectors()
	}
	return s
}

// UpdateMetrics applies one quote event.
// Price and percent change are set only when present; the quote count always advances.
func (s *Service) UpdateMetrics(event *models.QuoteEvent) {
	if event == nil || event.Symbol == "" {
		return
	}

	s.mu.Lock()
	st, ok := s.symbols[event.Symbol]
	if !ok {
		st = &symbolState{}
		s.symbols[event.Symbol] = st
	}
	if event.CurrentPrice != nil {
		p := *event.CurrentPrice
		st.price = &p
	}
	if event.PercentChange != nil {
		c := *event.PercentChange
		st.change = &c
	}
	st.count++
	st.lastUpdate = s.now()
	// gauge follows the map, so it is written under the same lock
	if event.CurrentPrice != nil {
		s.collectors.CurrentPrice.WithLabelValues(event.Symbol).Set(*event.CurrentPrice)
	}
	s.collectors.QuoteUpdates.WithLabelValues(event.Symbol).Inc()
	s.mu.Unlock()

	s.log.Debug("metrics_updated",
		zap.String("symbol", event.Symbol),
		zap.Float64p("price", event.CurrentPrice),
		zap.Float64p("percent_change", event.PercentChange),
	)
}

// RefreshFromStore re-applies the latest persisted quote of every symbol.
// Counts are re-incremented for quotes already seen live.
func (s *Service) RefreshFromStore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	quotes, err := s.store.GetLatestQuotePerSymbol(ctx)
	if err != nil {
		return fmt.Errorf("failed to load latest quotes: %w", err)
	}

	now := s.now()
	for _, q := range quotes {
		s.UpdateMetrics(q)
		if !q.CreatedAt.IsZero() {
			s.log.Debug("data_freshness",
				zap.String("symbol", q.Symbol),
				zap.Duration("age", now.Sub(q.CreatedAt)),
			)
		}
	}

	s.log.Debug("metrics_refreshed", zap.Int("symbols", len(quotes)))
	return nil
}

// Start refreshes from the store once, then every refresh interval until ctx is done
func (s *Service) Start(ctx context.Context) {
	if err := s.RefreshFromStore(ctx); err != nil && ctx.Err() == nil {
		s.log.Error("metrics_refresh_failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RefreshFromStore(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("metrics_refresh_failed", zap.Error(err))
			}
		}
	}
}

// RecordAlert counts a significant move; a non-positive change is recorded as "down"
func (s *Service) RecordAlert(symbol string, percentChange float64) {
	start := time.Now()

	direction := "down"
	if percentChange > 0 {
		direction = "up"
	}
	s.collectors.AlertsTotal.WithLabelValues(symbol, direction).Inc()
	s.collectors.AlertProcessing.WithLabelValues(symbol).Observe(time.Since(start).Seconds())

	s.log.Info("price_alert_recorded",
		zap.String("symbol", symbol),
		zap.String("direction", direction),
		zap.Float64("percent_change", percentChange),
	)
}

// GetSymbolSnapshot returns the state for symbol; unknown symbols yield zero values
func (s *Service) GetSymbolSnapshot(symbol string) SymbolSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(symbol)
}

// GetSnapshot returns the state of every symbol seen so far
func (s *Service) GetSnapshot() map[string]SymbolSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]SymbolSnapshot, len(s.symbols))
	for symbol := range s.symbols {
		out[symbol] = s.snapshotLocked(symbol)
	}
	return out
}

func (s *Service) snapshotLocked(symbol string) SymbolSnapshot {
	snap := SymbolSnapshot{Symbol: symbol}
	st, ok := s.symbols[symbol]
	if !ok {
		return snap
	}
	if st.price != nil {
		snap.CurrentPrice = *st.price
	}
	if st.change != nil {
		snap.PercentChange = *st.change
	}
	snap.QuoteCount = st.count
	snap.LastUpdate = st.lastUpdate
	return snap
}

// Summary returns the snapshot and the number of persisted quotes.
// Tracked symbols are those with a known price.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	s.mu.RLock()
	symbols := make(map[string]SymbolSnapshot, len(s.symbols))
	tracked := make([]string, 0, len(s.symbols))
	for symbol, st := range s.symbols {
		symbols[symbol] = s.snapshotLocked(symbol)
		if st.price != nil {
			tracked = append(tracked, symbol)
		}
	}
	s.mu.RUnlock()
	sort.Strings(tracked)

	summary := &Summary{TrackedSymbols: tracked, Symbols: symbols}
	if s.store != nil {
		n, err := s.store.CountQuotes(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count quotes: %w", err)
		}
		summary.TotalRecords = n
	}
	return summary, nil
}
