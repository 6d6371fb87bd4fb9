package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/trogers1052/stock-quote-pipeline/internal/api"
	"github.com/trogers1052/stock-quote-pipeline/internal/config"
	"github.com/trogers1052/stock-quote-pipeline/internal/database"
	"github.com/trogers1052/stock-quote-pipeline/internal/finnhub"
	"github.com/trogers1052/stock-quote-pipeline/internal/idempotency"
	"github.com/trogers1052/stock-quote-pipeline/internal/kafka"
	"github.com/trogers1052/stock-quote-pipeline/internal/logx"
	"github.com/trogers1052/stock-quote-pipeline/internal/metrics"
	"github.com/trogers1052/stock-quote-pipeline/internal/namecache"
	"github.com/trogers1052/stock-quote-pipeline/internal/scheduler"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logx.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("pipeline exited", zap.Error(err))
	}
	logger.Info("pipeline stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := database.New(cfg.Database.ConnectionString())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		return err
	}
	logger.Info("database_ready", zap.String("host", cfg.Database.Host), zap.String("db", cfg.Database.DBName))

	var (
		names  namecache.Store = namecache.NewMemoryStore()
		dedupe kafka.Deduper   = idempotency.Noop{}
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		names = namecache.NewRedisStore(rdb)
		dedupe = idempotency.New(rdb, cfg.Redis.IdempotencyTTL)
		logger.Info("redis_ready", zap.String("addr", cfg.Redis.Addr))
	}

	client := finnhub.New(cfg.Finnhub.APIKey,
		finnhub.WithBaseURL(cfg.Finnhub.BaseURL),
		finnhub.WithTimeout(cfg.Finnhub.Timeout),
		finnhub.WithHealthSymbol(cfg.Finnhub.HealthSymbol),
		finnhub.WithNameStore(names),
		finnhub.WithNegativeTTL(cfg.Redis.NegativeTTL),
		finnhub.WithLogger(logger.Named("finnhub")),
	)

	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:        cfg.Kafka.Brokers,
		QuotesTopic:    cfg.Kafka.QuotesTopic,
		AlertsTopic:    cfg.Kafka.AlertsTopic,
		WriteTimeout:   cfg.Kafka.WriteTimeout,
		AlertThreshold: cfg.Metrics.AlertThreshold,
	}, logger.Named("producer"))
	defer producer.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricCollectors := metrics.NewCollectors()
	if err := metricCollectors.Register(registry); err != nil {
		return err
	}
	metricsSvc := metrics.New(db,
		metrics.WithCollectors(metricCollectors),
		metrics.WithRefreshInterval(cfg.Metrics.RefreshInterval),
		metrics.WithLogger(logger.Named("metrics")),
	)

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:        cfg.Kafka.Brokers,
		QuotesTopic:    cfg.Kafka.QuotesTopic,
		AlertsTopic:    cfg.Kafka.AlertsTopic,
		QuotesGroupID:  cfg.Kafka.QuotesGroupID,
		AlertsGroupID:  cfg.Kafka.AlertsGroupID,
		AlertThreshold: cfg.Metrics.AlertThreshold,
		PersistTimeout: cfg.Database.Timeout,
	}, db, metricsSvc, dedupe, logger.Named("consumer"))
	defer consumer.Close()

	sched := scheduler.New(client, producer, scheduler.Config{
		Symbols:        cfg.Stocks.Symbols,
		UpdateInterval: cfg.Stocks.UpdateInterval,
		MaxConcurrency: cfg.Stocks.MaxConcurrency,
		CycleTimeout:   cfg.Stocks.CycleTimeout,
	}, logger.Named("scheduler"))

	handler := api.NewHandler(api.Deps{
		Scheduler: sched,
		Client:    client,
		Producer:  producer,
		Consumer:  consumer,
		Metrics:   metricsSvc,
		Quotes:    db,
		Log:       logger.Named("api"),
	})
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.SetupRoutes(handler, registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Start(ctx)
		return nil
	})
	g.Go(func() error {
		return consumer.Start(ctx)
	})
	g.Go(func() error {
		metricsSvc.Start(ctx)
		return nil
	})
	g.Go(func() error {
		retention := &database.RetentionWorker{
			Store:  db,
			MaxAge: cfg.Database.Retention,
			Log:    logger.Named("retention"),
		}
		retention.Start(ctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("server_started", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
