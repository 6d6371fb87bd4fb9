package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/trogers1052/stock-quote-pipeline/internal/database"
	"github.com/trogers1052/stock-quote-pipeline/internal/finnhub"
	"github.com/trogers1052/stock-quote-pipeline/internal/kafka"
	"github.com/trogers1052/stock-quote-pipeline/internal/logx"
	"github.com/trogers1052/stock-quote-pipeline/internal/metrics"
	"github.com/trogers1052/stock-quote-pipeline/internal/models"
	"github.com/trogers1052/stock-quote-pipeline/internal/scheduler"
	"go.uber.org/zap"
)

const (
	defaultQuoteLimit = 50
	maxQuoteLimit     = 1000
	defaultStatsHours = 24
	defaultRecentMins = 60
)

// Scheduler is the ingestion side the API controls
type Scheduler interface {
	Symbols() []string
	TriggerManualFetch(ctx context.Context) int
	Statistics() scheduler.Stats
}

// QuoteClient is the provider client the API reports on
type QuoteClient interface {
	HealthCheck(ctx context.Context) bool
	Statistics() finnhub.Stats
}

// ProducerStats reports publish accounting
type ProducerStats interface {
	Statistics() kafka.ProducerStats
}

// ConsumerStats reports consume accounting
type ConsumerStats interface {
	Statistics() kafka.ConsumerStats
}

// MetricsReader exposes the live metrics snapshot
type MetricsReader interface {
	Summary(ctx context.Context) (*metrics.Summary, error)
	GetSymbolSnapshot(symbol string) metrics.SymbolSnapshot
}

// QuoteReader is the read side of the quote store
type QuoteReader interface {
	GetLatestQuotePerSymbol(ctx context.Context) ([]*models.QuoteEvent, error)
	GetLatestQuote(ctx context.Context, symbol string) (*models.QuoteEvent, error)
	GetQuotesBySymbol(ctx context.Context, symbol string, limit int) ([]*models.QuoteEvent, error)
	GetQuotesInRange(ctx context.Context, symbol string, start, end time.Time) ([]*models.QuoteEvent, error)
	GetQuotesBySymbols(ctx context.Context, symbols []string) ([]*models.QuoteEvent, error)
	GetRecentQuotes(ctx context.Context, since time.Time) ([]*models.QuoteEvent, error)
	GetQuotesByPercentChange(ctx context.Context, threshold float64) ([]*models.QuoteEvent, error)
	GetQuotesAbovePrice(ctx context.Context, minPrice float64) ([]*models.QuoteEvent, error)
	CountQuotesBySymbol(ctx context.Context, symbol string) (int64, error)
	GetPriceStats(ctx context.Context, symbol string, start, end time.Time) (*database.PriceStats, error)
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	scheduler Scheduler
	client    QuoteClient
	producer  ProducerStats
	consumer  ConsumerStats
	metrics   MetricsReader
	quotes    QuoteReader
	log       *zap.Logger
	now       func() time.Time
}

// Deps groups the components served by the API; nil components make their routes report 503
type Deps struct {
	Scheduler Scheduler
	Client    QuoteClient
	Producer  ProducerStats
	Consumer  ConsumerStats
	Metrics   MetricsReader
	Quotes    QuoteReader
	Log       *zap.Logger
}

// NewHandler creates a new Handler
func NewHandler(d Deps) *Handler {
	return &Handler{
		scheduler: d.Scheduler,
		client:    d.Client,
		producer:  d.Producer,
		consumer:  d.Consumer,
		metrics:   d.Metrics,
		quotes:    d.Quotes,
		log:       logx.OrNop(d.Log),
		now:       time.Now,
	}
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := map[string]any{}
	healthy := true

	if h.client != nil {
		apiHealthy := h.client.HealthCheck(ctx)
		resp["finnhub_api_healthy"] = apiHealthy
		healthy = healthy && apiHealthy
	}
	if h.quotes != nil {
		dbHealthy := h.quotes.Ping(ctx) == nil
		resp["database_healthy"] = dbHealthy
		healthy = healthy && dbHealthy
	}
	if h.scheduler != nil {
		resp["scheduler_running"] = h.scheduler.Statistics().IsRunning
	}

	resp["healthy"] = healthy
	status := http.StatusOK
	resp["status"] = "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		resp["status"] = "unhealthy"
	}
	respondJSON(w, status, resp)
}

// GetSymbols handles GET /stocks/symbols
func (h *Handler) GetSymbols(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	symbols := h.scheduler.Symbols()
	respondJSON(w, http.StatusOK, map[string]any{
		"symbols":         symbols,
		"update_interval": h.scheduler.Statistics().UpdateInterval,
		"total_symbols":   len(symbols),
	})
}

// TriggerFetch handles POST /stocks/fetch
func (h *Handler) TriggerFetch(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	processed := h.scheduler.TriggerManualFetch(r.Context())
	if processed == 0 {
		respondJSON(w, http.StatusConflict, map[string]any{
			"message":           "a fetch cycle is already running",
			"symbols_processed": 0,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"message":           "Stock data fetch triggered",
		"symbols_processed": processed,
	})
}

// GetSchedulerStats handles GET /stocks/stats/scheduler
func (h *Handler) GetSchedulerStats(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	respondJSON(w, http.StatusOK, h.scheduler.Statistics())
}

// GetProducerStats handles GET /stocks/stats/producer
func (h *Handler) GetProducerStats(w http.ResponseWriter, r *http.Request) {
	if h.producer == nil {
		unavailable(w, "producer")
		return
	}
	respondJSON(w, http.StatusOK, h.producer.Statistics())
}

// GetAPIStats handles GET /stocks/stats/api
func (h *Handler) GetAPIStats(w http.ResponseWriter, r *http.Request) {
	if h.client == nil {
		unavailable(w, "quote client")
		return
	}
	respondJSON(w, http.StatusOK, h.client.Statistics())
}

// GetConsumerStats handles GET /stocks/stats/consumer
func (h *Handler) GetConsumerStats(w http.ResponseWriter, r *http.Request) {
	if h.consumer == nil {
		unavailable(w, "consumer")
		return
	}
	respondJSON(w, http.StatusOK, h.consumer.Statistics())
}

// GetStatus handles GET /stocks/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if h.scheduler != nil {
		stats := h.scheduler.Statistics()
		resp["scheduler"] = stats
		resp["configuration"] = map[string]any{
			"symbols":         h.scheduler.Symbols(),
			"update_interval": stats.UpdateInterval,
		}
	}
	if h.producer != nil {
		resp["producer"] = h.producer.Statistics()
	}
	if h.client != nil {
		resp["api"] = h.client.Statistics()
	}
	if h.consumer != nil {
		resp["consumer"] = h.consumer.Statistics()
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetMetricsSummary handles GET /metrics
func (h *Handler) GetMetricsSummary(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		unavailable(w, "metrics")
		return
	}
	summary, err := h.metrics.Summary(r.Context())
	if err != nil {
		h.log.Error("metrics_summary_failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// GetSymbolMetrics handles GET /metrics/{symbol}
func (h *Handler) GetSymbolMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		unavailable(w, "metrics")
		return
	}
	symbol, err := models.NormalizeSymbol(mux.Vars(r)["symbol"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusOK, h.metrics.GetSymbolSnapshot(symbol))
}

// GetLatestQuotes handles GET /quotes/latest
func (h *Handler) GetLatestQuotes(w http.ResponseWriter, r *http.Request) {
	if h.quotes == nil {
		unavailable(w, "quote store")
		return
	}
	quotes, err := h.quotes.GetLatestQuotePerSymbol(r.Context())
	if err != nil {
		h.log.Error("latest_quotes_failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(quotes))
}

// GetQuotes handles GET /quotes/{symbol}?limit=N or ?from=RFC3339&to=RFC3339
func (h *Handler) GetQuotes(w http.ResponseWriter, r *http.Request) {
	if h.quotes == nil {
		unavailable(w, "quote store")
		return
	}
	symbol, err := models.NormalizeSymbol(mux.Vars(r)["symbol"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var quotes []*models.QuoteEvent
	if q := r.URL.Query(); q.Get("from") != "" || q.Get("to") != "" {
		start, end, perr := h.timeRange(r)
		if perr != nil {
			http.Error(w, perr.Error(), http.StatusBadRequest)
			return
		}
		quotes, err = h.quotes.GetQuotesInRange(r.Context(), symbol, start, end)
	} else {
		limit, perr := intParam(r, "limit", defaultQuoteLimit, maxQuoteLimit)
		if perr != nil {
			http.Error(w, perr.Error(), http.StatusBadRequest)
			return
		}
		quotes, err = h.quotes.GetQuotesBySymbol(r.Context(), symbol, limit)
	}
	if err != nil {
		h.log.Error("quotes_lookup_failed", zap.String("symbol", symbol), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(quotes))
}

// GetQuotesForSymbols handles GET /quotes?symbols=AAPL,MSFT
func (h *Handler) GetQuotesForSymbols(w http.ResponseWriter, r *http.Request) {
	if h.quotes == nil {
		unavailable(w, "quote store")
		return
	}
	var symbols []string
	for _, part := range strings.Split(r.URL.Query().Get("symbols"), ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		s, err := models.NormalizeSymbol(part)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		symbols = append(symbols, s)
	}
	if len(symbols) == 0 {
		http.Error(w, "symbols is required", http.StatusBadRequest)
		return
	}

	quotes, err := h.quotes.GetQuotesBySymbols(r.Context(), symbols)
	if err != nil {
		h.log.Error("quotes_lookup_failed", zap.Strings("symbols", symbols), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(quotes))
}

// GetRecentQuotes handles GET /quotes/recent?minutes=N
func (h *Handler) GetRecentQuotes(w http.ResponseWriter, r *http.Request) {
	if h.quotes == nil {
		unavailable(w, "quote store")
		return
	}
	minutes, err := intParam(r, "minutes", defaultRecentMins, 24*60)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	since := h.now().UTC().Add(-time.Duration(minutes) * time.Minute)
	quotes, err := h.quotes.GetRecentQuotes(r.Context(), since)
	if err != nil {
		h.log.Error("recent_quotes_failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(quotes))
}

// GetMovers handles GET /quotes/movers?threshold=P
func (h *Handler) GetMovers(w http.ResponseWriter, r *http.Request) {
	if h.quotes == nil {
		unavailable(w, "quote store")
		return
	}
	threshold, err := floatParam(r, "threshold", models.DefaultAlertThreshold)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	quotes, err := h.quotes.GetQuotesByPercentChange(r.Context(), threshold)
	if err != nil {
		h.log.Error("movers_failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(quotes))
}

// GetQuotesAbovePrice handles GET /quotes/above?price=X
func (h *Handler) GetQuotesAbovePrice(w http.ResponseWriter, r *http.Request) {
	if h.quotes == nil {
		unavailable(w, "quote store")
		return
	}
	if r.URL.Query().Get("price") == "" {
		http.Error(w, "price is required", http.StatusBadRequest)
		return
	}
	price, err := floatParam(r, "price", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	quotes, err := h.quotes.GetQuotesAbovePrice(r.Context(), price)
	if err != nil {
		h.log.Error("quotes_above_price_failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(quotes))
}

// GetLatestQuote handles GET /quotes/{symbol}/latest
func (h *Handler) GetLatestQuote(w http.ResponseWriter, r *http.Request) {
	if h.quotes == nil {
		unavailable(w, "quote store")
		return
	}
	symbol, err := models.NormalizeSymbol(mux.Vars(r)["symbol"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	quote, err := h.quotes.GetLatestQuote(r.Context(), symbol)
	if errors.Is(err, database.ErrQuoteNotFound) {
		http.Error(w, "no quotes for "+symbol, http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("latest_quote_failed", zap.String("symbol", symbol), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, quote)
}

// GetQuoteStats handles GET /quotes/{symbol}/stats?hours=N
func (h *Handler) GetQuoteStats(w http.ResponseWriter, r *http.Request) {
	if h.quotes == nil {
		unavailable(w, "quote store")
		return
	}
	symbol, err := models.NormalizeSymbol(mux.Vars(r)["symbol"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hours, err := intParam(r, "hours", defaultStatsHours, 24*365)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	end := h.now().UTC()
	start := end.Add(-time.Duration(hours) * time.Hour)
	stats, err := h.quotes.GetPriceStats(r.Context(), symbol, start, end)
	if err != nil {
		h.log.Error("price_stats_failed", zap.String("symbol", symbol), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	total, err := h.quotes.CountQuotesBySymbol(r.Context(), symbol)
	if err != nil {
		h.log.Error("price_stats_failed", zap.String("symbol", symbol), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"hours":        hours,
		"window":       stats,
		"total_quotes": total,
	})
}

// timeRange parses from and to as RFC3339; a missing bound defaults to 24h ago or now
func (h *Handler) timeRange(r *http.Request) (time.Time, time.Time, error) {
	end := h.now().UTC()
	start := end.Add(-defaultStatsHours * time.Hour)
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("from must be an RFC3339 timestamp")
		}
		start = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("to must be an RFC3339 timestamp")
		}
		end = t
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, errors.New("to must not be before from")
	}
	return start, end, nil
}

func intParam(r *http.Request, name string, def, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	if v > max {
		v = max
	}
	return v, nil
}

func floatParam(r *http.Request, name string, def float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, errors.New(name + " must be a non-negative number")
	}
	return v, nil
}

func nonNil(quotes []*models.QuoteEvent) []*models.QuoteEvent {
	if quotes == nil {
		return []*models.QuoteEvent{}
	}
	return quotes
}

func unavailable(w http.ResponseWriter, component string) {
	http.Error(w, component+" not configured", http.StatusServiceUnavailable)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
