package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/trogers1052/stock-quote-pipeline/internal/idempotency"
	"github.com/trogers1052/stock-quote-pipeline/internal/logx"
	"github.com/trogers1052/stock-quote-pipeline/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// QuoteRepository defines the persistence the consumer needs
type QuoteRepository interface {
	CreateQuote(ctx context.Context, q *models.QuoteEvent) error
}

// MetricsRecorder receives persisted quotes and significant moves
type MetricsRecorder interface {
	UpdateMetrics(event *models.QuoteEvent)
	RecordAlert(symbol string, percentChange float64)
}

// Deduper reserves a message key, returning false if it was already handled
type Deduper interface {
	TryReserve(ctx context.Context, key string) (bool, error)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// ConsumerConfig configures a Consumer
type ConsumerConfig struct {
	Brokers        []string
	QuotesTopic    string
	AlertsTopic    string
	QuotesGroupID  string
	AlertsGroupID  string
	AlertThreshold float64
	PersistTimeout time.Duration
}

// ConsumerStats is a snapshot of consume accounting
type ConsumerStats struct {
	Consumed       int64 `json:"consumed_events"`
	Persisted      int64 `json:"persisted_events"`
	Errors         int64 `json:"errors"`
	Duplicates     int64 `json:"duplicates"`
	AlertsReceived int64 `json:"alerts_received"`
	AlertsRecorded int64 `json:"alerts_recorded"`
}

// Consumer reads the quotes and alerts topics.
// Quotes are persisted and forwarded to metrics; alerts above the threshold are recorded.
// Every message is considered handled after one attempt, whatever the outcome.
type Consumer struct {
	quotes  messageReader
	alerts  messageReader
	repo    QuoteRepository
	metrics MetricsRecorder
	dedupe  Deduper

	alertThreshold float64
	persistTimeout time.Duration

	consumed       atomic.Int64
	persisted      atomic.Int64
	failures       atomic.Int64
	duplicates     atomic.Int64
	alertsReceived atomic.Int64
	alertsRecorded atomic.Int64

	log *zap.Logger
}

// NewConsumer creates a Kafka consumer with one reader per topic, each in its own group
func NewConsumer(cfg ConsumerConfig, repo QuoteRepository, metrics MetricsRecorder, dedupe Deduper, log *zap.Logger) *Consumer {
	c := newConsumer(newReader(cfg.Brokers, cfg.QuotesTopic, cfg.QuotesGroupID), nil, cfg, repo, metrics, dedupe, log)
	if cfg.AlertsTopic != "" {
		c.alerts = newReader(cfg.Brokers, cfg.AlertsTopic, cfg.AlertsGroupID)
	}
	return c
}

func newConsumer(quotes, alerts messageReader, cfg ConsumerConfig, repo QuoteRepository, metrics MetricsRecorder, dedupe Deduper, log *zap.Logger) *Consumer {
	threshold := cfg.AlertThreshold
	if threshold <= 0 {
		threshold = models.DefaultAlertThreshold
	}
	if dedupe == nil {
		dedupe = idempotency.Noop{}
	}
	return &Consumer{
		quotes:         quotes,
		alerts:         alerts,
		repo:           repo,
		metrics:        metrics,
		dedupe:         dedupe,
		alertThreshold: threshold,
		persistTimeout: cfg.PersistTimeout,
		log:            logx.OrNop(log),
	}
}

func newReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
	})
}

// Start consumes both topics until ctx is cancelled.
// The two subscriptions run independently; a slow one never blocks the other.
func (c *Consumer) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.run(ctx, "quotes", c.quotes, c.handleQuote)
	})
	if c.alerts != nil {
		g.Go(func() error {
			return c.run(ctx, "alerts", c.alerts, c.handleAlert)
		})
	}
	return g.Wait()
}

func (c *Consumer) run(ctx context.Context, name string, r messageReader, handle func(context.Context, kafka.Message) error) error {
	c.log.Info("consumer_started", zap.String("subscription", name))

	for {
		select {
		case <-ctx.Done():
			c.log.Info("consumer_stopped", zap.String("subscription", name))
			return nil
		default:
			msg, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil // Context cancelled, normal shutdown
				}
				c.log.Warn("read_failed", zap.String("subscription", name), zap.Error(err))
				continue
			}

			if err := handle(ctx, msg); err != nil {
				c.log.Error("process_failed",
					zap.String("subscription", name),
					zap.Int("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
				// Continue processing other messages
			}
		}
	}
}

// handleQuote persists one quote event and forwards it to metrics
func (c *Consumer) handleQuote(ctx context.Context, msg kafka.Message) error {
	c.consumed.Add(1)

	first, err := c.dedupe.TryReserve(ctx, messageKey(msg))
	if err != nil {
		c.log.Warn("dedupe_failed", zap.String("key", messageKey(msg)), zap.Error(err))
	} else if !first {
		c.duplicates.Add(1)
		c.log.Info("duplicate_skipped", zap.String("key", messageKey(msg)))
		return nil
	}

	var event models.QuoteEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.failures.Add(1)
		return fmt.Errorf("failed to unmarshal quote event: %w", err)
	}

	// never carry a producer-side identity into storage
	quote := event.WithoutID()
	if err := quote.Normalize(); err != nil {
		c.failures.Add(1)
		return fmt.Errorf("invalid quote event for %q: %w", event.Symbol, err)
	}

	if err := c.persist(ctx, quote); err != nil {
		c.failures.Add(1)
		return fmt.Errorf("failed to save quote: %w", err)
	}
	c.persisted.Add(1)

	if c.metrics != nil {
		c.metrics.UpdateMetrics(quote)
	}

	c.log.Info("quote_persisted",
		zap.String("symbol", quote.Symbol),
		zap.String("id", quote.ID.String()),
		zap.Float64p("price", quote.CurrentPrice),
	)
	return nil
}

func (c *Consumer) persist(ctx context.Context, q *models.QuoteEvent) error {
	if c.repo == nil {
		return errors.New("no quote repository configured")
	}
	if c.persistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.persistTimeout)
		defer cancel()
	}
	return c.repo.CreateQuote(ctx, q)
}

// handleAlert records significant moves; smaller ones are received and ignored
func (c *Consumer) handleAlert(_ context.Context, msg kafka.Message) error {
	c.alertsReceived.Add(1)

	var event models.QuoteEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.failures.Add(1)
		return fmt.Errorf("failed to unmarshal alert event: %w", err)
	}

	if !event.IsSignificant(c.alertThreshold) {
		return nil
	}
	symbol, err := models.NormalizeSymbol(event.Symbol)
	if err != nil {
		c.failures.Add(1)
		return fmt.Errorf("invalid alert event: %w", err)
	}
	event.Symbol = symbol

	c.log.Warn("significant_price_movement",
		zap.String("symbol", event.Symbol),
		zap.Float64("percent_change", *event.PercentChange),
		zap.Float64p("price", event.CurrentPrice),
	)
	if c.metrics != nil {
		c.metrics.RecordAlert(event.Symbol, *event.PercentChange)
	}
	c.alertsRecorded.Add(1)
	return nil
}

// Statistics returns consume accounting
func (c *Consumer) Statistics() ConsumerStats {
	return ConsumerStats{
		Consumed:       c.consumed.Load(),
		Persisted:      c.persisted.Load(),
		Errors:         c.failures.Load(),
		Duplicates:     c.duplicates.Load(),
		AlertsReceived: c.alertsReceived.Load(),
		AlertsRecorded: c.alertsRecorded.Load(),
	}
}

// Close closes both readers
func (c *Consumer) Close() error {
	err := c.quotes.Close()
	if c.alerts != nil {
		if aerr := c.alerts.Close(); err == nil {
			err = aerr
		}
	}
	return err
}

func messageKey(msg kafka.Message) string {
	return fmt.Sprintf("%s:%d:%d", msg.Topic, msg.Partition, msg.Offset)
}
