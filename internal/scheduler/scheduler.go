// Package scheduler drives the periodic fetch-and-publish cycle.
//
// At most one cycle runs at a time. A tick or manual trigger that arrives
// while a cycle is running is dropped, not queued.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trogers1052/stock-quote-pipeline/internal/logx"
	"github.com/trogers1052/stock-quote-pipeline/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxConcurrency caps in-flight symbol tasks when none is configured
	DefaultMaxConcurrency = 8
	DefaultUpdateInterval = 10 * time.Second
)

// QuoteSource fetches quotes and resolves display names
type QuoteSource interface {
	FetchQuote(ctx context.Context, symbol string) (*models.RawQuote, error)
	ResolveName(ctx context.Context, symbol string) string
}

// Publisher hands events to the broker
type Publisher interface {
	Publish(ctx context.Context, event *models.QuoteEvent) error
}

// Config configures a Scheduler
type Config struct {
	Symbols        []string
	UpdateInterval time.Duration
	MaxConcurrency int
	// CycleTimeout bounds a whole cycle; zero leaves each call to its own timeout
	CycleTimeout time.Duration
}

// CycleResult summarizes one cycle
type CycleResult struct {
	Cycle     int64         `json:"cycle"`
	Skipped   bool          `json:"skipped"`
	Attempted int           `json:"attempted"`
	Published int64         `json:"published"`
	Failed    int64         `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Stats is a snapshot of scheduler state
type Stats struct {
	CycleCount     int64  `json:"fetch_count"`
	IsRunning      bool   `json:"is_running"`
	TrackedSymbols int    `json:"tracked_symbols"`
	UpdateInterval string `json:"update_interval"`
}

// Scheduler fans out one fetch-and-publish task per symbol on every tick
type Scheduler struct {
	source    QuoteSource
	publisher Publisher

	symbols        []string
	interval       time.Duration
	maxConcurrency int
	cycleTimeout   time.Duration

	running  atomic.Bool
	cycles   atomic.Int64
	inFlight sync.WaitGroup

	now func() time.Time
	log *zap.Logger
}

// New creates a scheduler; the symbol list is copied
func New(source QuoteSource, publisher Publisher, cfg Config, log *zap.Logger) *Scheduler {
	limit := cfg.MaxConcurrency
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}
	interval := cfg.UpdateInterval
	if interval <= 0 {
		interval = DefaultUpdateInterval
	}
	return &Scheduler{
		source:         source,
		publisher:      publisher,
		symbols:        append([]string(nil), cfg.Symbols...),
		interval:       interval,
		maxConcurrency: limit,
		cycleTimeout:   cfg.CycleTimeout,
		now:            time.Now,
		log:            logx.OrNop(log),
	}
}

// Start warms the name cache in the background, then runs a cycle on every tick until ctx is done.
// It returns once in-flight cycles have finished.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info("scheduler_started",
		zap.Strings("symbols", s.symbols),
		zap.Duration("update_interval", s.interval),
		zap.Int("max_concurrency", s.maxConcurrency),
	)

	go s.warmUp(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.inFlight.Wait()
			s.log.Info("scheduler_stopped", zap.Int64("cycles", s.cycles.Load()))
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts a cycle without blocking the ticker, so an overlapping tick reaches the gate and is dropped
func (s *Scheduler) tick(ctx context.Context) {
	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		s.RunCycle(ctx)
	}()
}

func (s *Scheduler) warmUp(ctx context.Context) {
	s.log.Info("name_warmup_started", zap.Int("symbols", len(s.symbols)))
	for _, symbol := range s.symbols {
		if ctx.Err() != nil {
			return
		}
		name := s.source.ResolveName(ctx, symbol)
		s.log.Debug("name_cached", zap.String("symbol", symbol), zap.String("name", name))
	}
	s.log.Info("name_warmup_finished")
}

// RunCycle fetches and publishes every symbol once.
// If another cycle holds the gate it returns immediately with Skipped set.
func (s *Scheduler) RunCycle(ctx context.Context) CycleResult {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug("cycle_skipped", zap.String("reason", "previous cycle still running"))
		return CycleResult{Skipped: true}
	}
	defer s.running.Store(false)

	start := s.now()
	cycle := s.cycles.Add(1)
	s.log.Info("cycle_started", zap.Int64("cycle", cycle), zap.Int("symbols", len(s.symbols)))

	if s.cycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cycleTimeout)
		defer cancel()
	}

	var published, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.maxConcurrency)
	for _, symbol := range s.symbols {
		symbol := symbol
		g.Go(func() error {
			if err := s.processSymbol(ctx, symbol); err != nil {
				failed.Add(1)
				s.log.Warn("symbol_failed", zap.Int64("cycle", cycle), zap.String("symbol", symbol), zap.Error(err))
				return nil
			}
			published.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res := CycleResult{
		Cycle:     cycle,
		Attempted: len(s.symbols),
		Published: published.Load(),
		Failed:    failed.Load(),
		Duration:  s.now().Sub(start),
	}
	s.log.Info("cycle_finished",
		zap.Int64("cycle", cycle),
		zap.Int64("published", res.Published),
		zap.Int64("failed", res.Failed),
		zap.Duration("duration", res.Duration),
	)
	return res
}

// processSymbol runs one fetch, resolve, build, publish pass; nothing here is retried
func (s *Scheduler) processSymbol(ctx context.Context, symbol string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing %s: %v", symbol, r)
		}
	}()

	raw, err := s.source.FetchQuote(ctx, symbol)
	if err != nil {
		return err
	}
	if !raw.HasPrice() {
		return fmt.Errorf("no data received for %s: %w", symbol, models.ErrMissingPrice)
	}

	name := s.source.ResolveName(ctx, symbol)

	event, err := models.NewQuoteEvent(symbol, name, raw, s.now())
	if err != nil {
		return fmt.Errorf("failed to build event for %s: %w", symbol, err)
	}

	if err := s.publisher.Publish(ctx, event); err != nil {
		return fmt.Errorf("failed to publish %s: %w", symbol, err)
	}

	s.log.Debug("quote_processed",
		zap.String("symbol", symbol),
		zap.Float64p("price", event.CurrentPrice),
		zap.Float64p("percent_change", event.PercentChange),
	)
	return nil
}

// TriggerManualFetch runs one cycle now and returns the number of symbols attempted.
// It returns 0 when a cycle is already running.
func (s *Scheduler) TriggerManualFetch(ctx context.Context) int {
	s.log.Info("manual_fetch_triggered")
	res := s.RunCycle(ctx)
	if res.Skipped {
		return 0
	}
	return res.Attempted
}

// Statistics returns scheduler state
func (s *Scheduler) Statistics() Stats {
	return Stats{
		CycleCount:     s.cycles.Load(),
		IsRunning:      s.running.Load(),
		TrackedSymbols: len(s.symbols),
		UpdateInterval: s.interval.String(),
	}
}

// Symbols returns the tracked symbols
func (s *Scheduler) Symbols() []string {
	return append([]string(nil), s.symbols...)
}
