package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hooklock/hooklock/internal/config"
	httpdelivery "github.com/hooklock/hooklock/internal/delivery/http"
	"github.com/hooklock/hooklock/internal/domain"
	"github.com/hooklock/hooklock/internal/lock"
	"github.com/hooklock/hooklock/internal/redelivery"
	"github.com/hooklock/hooklock/internal/repository"
	"github.com/hooklock/hooklock/internal/repository/memory"
	pgrepo "github.com/hooklock/hooklock/internal/repository/postgres"
	redisrepo "github.com/hooklock/hooklock/internal/repository/redis"
	"github.com/hooklock/hooklock/internal/signature"
	"github.com/hooklock/hooklock/internal/sweeper"
	"github.com/hooklock/hooklock/internal/usecase"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("Starting hooklock webhook lock coordinator")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := buildStore(ctx, cfg, logger)

	lease := time.Duration(cfg.Lock.LeaseDurationMs) * time.Millisecond
	coord := lock.New(store, lock.Config{
		LeaseDuration:      lease,
		MaxRetries:         cfg.Lock.MaxRetries,
		Retention:          time.Duration(cfg.Lock.RetentionDays) * 24 * time.Hour,
		SignatureTolerance: time.Duration(cfg.Signature.ToleranceSec) * time.Second,
	}, logger)

	// Optional retry topic
	var retryPub redelivery.Publisher
	if cfg.Retry.RabbitMQURL != "" {
		retryPub, err = redelivery.NewRabbitMQPublisher(
			cfg.Retry.RabbitMQURL,
			time.Duration(cfg.Retry.RetryDelayMs)*time.Millisecond,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to initialize retry publisher", zap.Error(err))
		}
		defer retryPub.Close()
	}

	processUC := usecase.NewProcessEventUsecase(coord, &usecase.NoopHandler{Logger: logger}, retryPub, logger)

	// The redelivery consumer feeds scheduled retries back through the same
	// pipeline; lock discipline makes the double path safe.
	if retryPub != nil {
		consumer, err := redelivery.NewConsumer(cfg.Retry.RabbitMQURL,
			func(ctx context.Context, evt *domain.InboundEvent) error {
				_, err := processUC.Execute(ctx, evt)
				return err
			}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize redelivery consumer", zap.Error(err))
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Start(ctx); err != nil {
				logger.Error("Redelivery consumer error", zap.Error(err))
			}
		}()
	}

	// Retention sweeper
	sw := sweeper.New(store, lease, time.Duration(cfg.Sweep.IntervalMin)*time.Minute, logger)
	sw.Start(ctx)

	verifier := signature.Verifier{Tolerance: time.Duration(cfg.Signature.ToleranceSec) * time.Second}
	webhookHandler := httpdelivery.NewWebhookHandler(processUC, verifier, cfg.Signature.Secret, logger)
	eventHandler := httpdelivery.NewEventHandler(coord, logger)

	router := httpdelivery.NewRouter(webhookHandler, eventHandler, logger, httpdelivery.RouterConfig{
		RateLimitPerMin: cfg.Server.RateLimitPerMin,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Scrape endpoint on its own port so operators can firewall it apart
	// from webhook intake.
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", zap.Error(err))
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server shutdown error", zap.Error(err))
	}

	sw.Stop()
	logger.Info("Stopped")
}

func buildStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) repository.RecordStore {
	switch cfg.Store.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("Failed to ping PostgreSQL", zap.Error(err))
		}
		if err := pgrepo.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal("Failed to ensure schema", zap.Error(err))
		}
		logger.Info("Connected to PostgreSQL")
		return pgrepo.NewRecordStore(pool)

	case "redis":
		opts, err := goredis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			logger.Fatal("Invalid Redis URL", zap.Error(err))
		}
		client := goredis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		logger.Info("Connected to Redis")
		return redisrepo.NewRecordStore(client)

	case "memory":
		logger.Warn("Using in-memory record store; locks are not shared across instances")
		return memory.New()

	default:
		logger.Fatal("Unknown store backend", zap.String("backend", cfg.Store.Backend))
		return nil
	}
}
