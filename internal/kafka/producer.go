package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/trogers1052/stock-quote-pipeline/internal/logx"
	"github.com/trogers1052/stock-quote-pipeline/internal/models"
	"go.uber.org/zap"
)

// messageWriter is the subset of *kafka.Writer the producer needs
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ProducerStats is a snapshot of publish accounting
type ProducerStats struct {
	Published       int64   `json:"published_events"`
	Failed          int64   `json:"failed_events"`
	SuccessRate     float64 `json:"success_rate"`
	AlertsPublished int64   `json:"alerts_published"`
	AlertsFailed    int64   `json:"alerts_failed"`
}

// ProducerConfig configures a Producer
type ProducerConfig struct {
	Brokers        []string
	QuotesTopic    string
	AlertsTopic    string
	WriteTimeout   time.Duration
	AlertThreshold float64
}

// Producer publishes quote events to Kafka keyed by symbol
type Producer struct {
	quotes         messageWriter
	alerts         messageWriter
	writeTimeout   time.Duration
	alertThreshold float64

	published       atomic.Int64
	failed          atomic.Int64
	alertsPublished atomic.Int64
	alertsFailed    atomic.Int64

	log *zap.Logger
}

// NewProducer creates a new Kafka producer.
// The hash balancer keeps every event for a symbol on one partition.
func NewProducer(cfg ProducerConfig, log *zap.Logger) *Producer {
	p := newProducer(newWriter(cfg.Brokers, cfg.QuotesTopic), nil, cfg, log)
	if cfg.AlertsTopic != "" {
		p.alerts = newWriter(cfg.Brokers, cfg.AlertsTopic)
	}
	return p
}

func newProducer(quotes, alerts messageWriter, cfg ProducerConfig, log *zap.Logger) *Producer {
	threshold := cfg.AlertThreshold
	if threshold <= 0 {
		threshold = models.DefaultAlertThreshold
	}
	return &Producer{
		quotes:         quotes,
		alerts:         alerts,
		writeTimeout:   cfg.WriteTimeout,
		alertThreshold: threshold,
		log:            logx.OrNop(log),
	}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

// Publish sends event to the quotes topic and, when the move is significant, to the alerts topic.
// Failures are counted and logged, never retried.
func (p *Producer) Publish(ctx context.Context, event *models.QuoteEvent) error {
	p.log.Info("publishing_quote",
		zap.String("symbol", event.Symbol),
		zap.Float64p("price", event.CurrentPrice),
	)

	if err := p.publish(ctx, p.quotes, event); err != nil {
		p.failed.Add(1)
		p.log.Error("publish_failed", zap.String("symbol", event.Symbol), zap.Error(err))
		return err
	}
	p.published.Add(1)

	if p.alerts != nil && event.IsSignificant(p.alertThreshold) {
		if err := p.publish(ctx, p.alerts, event); err != nil {
			p.alertsFailed.Add(1)
			p.log.Error("alert_publish_failed", zap.String("symbol", event.Symbol), zap.Error(err))
			return nil
		}
		p.alertsPublished.Add(1)
	}
	return nil
}

func (p *Producer) publish(ctx context.Context, w messageWriter, event *models.QuoteEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.Symbol),
		Value: data,
		Time:  event.CreatedAt,
	}

	if p.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.writeTimeout)
		defer cancel()
	}

	if err := w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

// Statistics returns publish accounting
func (p *Producer) Statistics() ProducerStats {
	published := p.published.Load()
	failed := p.failed.Load()
	return ProducerStats{
		Published:       published,
		Failed:          failed,
		SuccessRate:     models.SuccessRate(published, published+failed),
		AlertsPublished: p.alertsPublished.Load(),
		AlertsFailed:    p.alertsFailed.Load(),
	}
}

// Close closes the Kafka producer
func (p *Producer) Close() error {
	err := p.quotes.Close()
	if p.alerts != nil {
		if aerr := p.alerts.Close(); err == nil {
			err = aerr
		}
	}
	return err
}
