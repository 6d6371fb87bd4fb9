package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/trogers1052/stock-quote-pipeline/internal/models"
)

// Config holds all application configuration
type Config struct {
	LogLevel string
	Server   ServerConfig
	Database DatabaseConfig
	Kafka    KafkaConfig
	Finnhub  FinnhubConfig
	Stocks   StocksConfig
	Redis    RedisConfig
	Metrics  MetricsConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	Host            string
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	Timeout  time.Duration
	// Retention is how long quotes are kept; zero keeps them forever
	Retention time.Duration
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Brokers       []string
	QuotesTopic   string
	AlertsTopic   string
	QuotesGroupID string
	AlertsGroupID string
	WriteTimeout  time.Duration
}

// FinnhubConfig holds quote provider configuration
type FinnhubConfig struct {
	APIKey       string
	BaseURL      string
	Timeout      time.Duration
	HealthSymbol string
}

// StocksConfig holds the tracked symbols and ingestion cadence
type StocksConfig struct {
	Symbols        []string
	UpdateInterval time.Duration
	MaxConcurrency int
	CycleTimeout   time.Duration
}

// RedisConfig holds Redis configuration for the name cache and consumer dedupe
type RedisConfig struct {
	Enabled        bool
	Addr           string
	Password       string
	DB             int
	IdempotencyTTL time.Duration
	NegativeTTL    time.Duration
}

// MetricsConfig holds metrics service configuration
type MetricsConfig struct {
	RefreshInterval time.Duration
	AlertThreshold  float64
}

// Load reads configuration from environment variables.
// A .env file in the working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	symbols, err := ParseSymbols(getEnv("STOCK_SYMBOLS", "AAPL,GOOGL,MSFT,TSLA,AMZN"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ShutdownTimeout: getDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Host:      getEnv("DB_HOST", "localhost"),
			Port:      getEnv("DB_PORT", "5432"),
			User:      getEnv("DB_USER", "postgres"),
			Password:  getEnv("DB_PASSWORD", "postgres"),
			DBName:    getEnv("DB_NAME", "stockpipeline"),
			SSLMode:   getEnv("DB_SSLMODE", "disable"),
			Timeout:   getDuration("DB_TIMEOUT", 5*time.Second),
			Retention: getDuration("QUOTE_RETENTION", 0),
		},
		Kafka: KafkaConfig{
			Brokers:       splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			QuotesTopic:   getEnv("KAFKA_QUOTES_TOPIC", "stock-quotes"),
			AlertsTopic:   getEnv("KAFKA_ALERTS_TOPIC", "stock-alerts"),
			QuotesGroupID: getEnv("KAFKA_QUOTES_GROUP_ID", "stock-quote-consumer-group"),
			AlertsGroupID: getEnv("KAFKA_ALERTS_GROUP_ID", "stock-alert-consumer-group"),
			WriteTimeout:  getDuration("KAFKA_WRITE_TIMEOUT", 5*time.Second),
		},
		Finnhub: FinnhubConfig{
			APIKey:       getEnv("FINNHUB_API_KEY", ""),
			BaseURL:      getEnv("FINNHUB_BASE_URL", "https://finnhub.io/api/v1"),
			Timeout:      getDuration("FINNHUB_TIMEOUT", 30*time.Second),
			HealthSymbol: getEnv("FINNHUB_HEALTH_SYMBOL", "AAPL"),
		},
		Stocks: StocksConfig{
			Symbols:        symbols,
			UpdateInterval: getDuration("STOCK_UPDATE_INTERVAL", 10*time.Second),
			MaxConcurrency: getInt("STOCK_MAX_CONCURRENCY", 8),
			CycleTimeout:   getDuration("STOCK_CYCLE_TIMEOUT", 0),
		},
		Redis: RedisConfig{
			Enabled:        getBool("REDIS_ENABLED", false),
			Addr:           getEnv("REDIS_ADDR", "localhost:6379"),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getInt("REDIS_DB", 0),
			IdempotencyTTL: getDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			NegativeTTL:    getDuration("NAME_CACHE_NEGATIVE_TTL", 10*time.Minute),
		},
		Metrics: MetricsConfig{
			RefreshInterval: getDuration("METRICS_REFRESH_INTERVAL", time.Minute),
			AlertThreshold:  getFloat("ALERT_THRESHOLD_PERCENT", models.DefaultAlertThreshold),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail at runtime
func (c *Config) Validate() error {
	if len(c.Stocks.Symbols) == 0 {
		return errors.New("at least one stock symbol is required")
	}
	if c.Stocks.UpdateInterval <= 0 {
		return fmt.Errorf("invalid update interval: %s", c.Stocks.UpdateInterval)
	}
	if c.Stocks.MaxConcurrency <= 0 {
		return fmt.Errorf("invalid max concurrency: %d", c.Stocks.MaxConcurrency)
	}
	if c.Metrics.RefreshInterval <= 0 {
		return fmt.Errorf("invalid metrics refresh interval: %s", c.Metrics.RefreshInterval)
	}
	if len(c.Kafka.Brokers) == 0 {
		return errors.New("at least one kafka broker is required")
	}
	return nil
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + d.Port + "/" + d.DBName + "?sslmode=" + d.SSLMode
}

// Addr returns the HTTP listen address
func (s *ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// ParseSymbols splits a comma separated list into normalized, de-duplicated tickers
func ParseSymbols(raw string) ([]string, error) {
	seen := make(map[string]struct{})
	var symbols []string
	for _, part := range splitList(raw) {
		s, err := models.NormalizeSymbol(part)
		if err != nil {
			return nil, fmt.Errorf("invalid symbol %q: %w", part, err)
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		symbols = append(symbols, s)
	}
	return symbols, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	i, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return i
}

func getFloat(key string, defaultValue float64) float64 {
	f, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getBool(key string, defaultValue bool) bool {
	b, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return b
}

// getDuration accepts Go duration strings ("10s") or plain milliseconds
func getDuration(key string, defaultValue time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
