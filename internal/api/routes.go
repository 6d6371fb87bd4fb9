package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures all API routes.
// Prometheus metrics from gatherer are served on /metrics when it is non-nil.
func SetupRoutes(handler *Handler, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	// Health check
	r.HandleFunc("/health", handler.HealthCheck).Methods("GET")

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	// Ingestion
	api.HandleFunc("/stocks/symbols", handler.GetSymbols).Methods("GET")
	api.HandleFunc("/stocks/fetch", handler.TriggerFetch).Methods("POST")
	api.HandleFunc("/stocks/status", handler.GetStatus).Methods("GET")
	api.HandleFunc("/stocks/stats/scheduler", handler.GetSchedulerStats).Methods("GET")
	api.HandleFunc("/stocks/stats/producer", handler.GetProducerStats).Methods("GET")
	api.HandleFunc("/stocks/stats/api", handler.GetAPIStats).Methods("GET")
	api.HandleFunc("/stocks/stats/consumer", handler.GetConsumerStats).Methods("GET")

	// Live metrics
	api.HandleFunc("/metrics", handler.GetMetricsSummary).Methods("GET")
	api.HandleFunc("/metrics/{symbol}", handler.GetSymbolMetrics).Methods("GET")

	// Stored quotes
	api.HandleFunc("/quotes", handler.GetQuotesForSymbols).Methods("GET")
	api.HandleFunc("/quotes/latest", handler.GetLatestQuotes).Methods("GET")
	api.HandleFunc("/quotes/recent", handler.GetRecentQuotes).Methods("GET")
	api.HandleFunc("/quotes/movers", handler.GetMovers).Methods("GET")
	api.HandleFunc("/quotes/above", handler.GetQuotesAbovePrice).Methods("GET")
	api.HandleFunc("/quotes/{symbol}", handler.GetQuotes).Methods("GET")
	api.HandleFunc("/quotes/{symbol}/latest", handler.GetLatestQuote).Methods("GET")
	api.HandleFunc("/quotes/{symbol}/stats", handler.GetQuoteStats).Methods("GET")

	return r
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	http.Error(w, r.Method+" not allowed on "+r.URL.Path, http.StatusMethodNotAllowed)
}
