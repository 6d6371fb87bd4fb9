package kafka

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/trogers1052/stock-quote-pipeline/internal/models"
)

// fakeWriter records written messages and optionally fails
type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

// chanReader serves messages from a channel, blocking until ctx is done when empty
type chanReader struct {
	ch     chan kafka.Message
	closed bool
}

func newChanReader(buffer int) *chanReader {
	return &chanReader{ch: make(chan kafka.Message, buffer)}
}

func (r *chanReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.ch:
		return m, nil
	}
}

func (r *chanReader) Close() error {
	r.closed = true
	return nil
}

// MockRepository implements QuoteRepository for testing
type MockRepository struct {
	mu     sync.Mutex
	quotes []*models.QuoteEvent
	err    error

	CreateQuoteCalls int
}

func NewMockRepository() *MockRepository {
	return &MockRepository{}
}

func (m *MockRepository) CreateQuote(_ context.Context, q *models.QuoteEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateQuoteCalls++
	if m.err != nil {
		return m.err
	}
	q.ID = uuid.New()
	m.quotes = append(m.quotes, q)
	return nil
}

func (m *MockRepository) saved() []*models.QuoteEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.QuoteEvent(nil), m.quotes...)
}

type recordedAlert struct {
	symbol string
	change float64
}

// fakeMetrics records what the consumer forwards
type fakeMetrics struct {
	mu      sync.Mutex
	updates []*models.QuoteEvent
	alerts  []recordedAlert
}

func (f *fakeMetrics) UpdateMetrics(e *models.QuoteEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, e)
}

func (f *fakeMetrics) RecordAlert(symbol string, change float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, recordedAlert{symbol, change})
}

// mapDeduper is an in-memory Deduper
type mapDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *mapDeduper) TryReserve(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}
