/**
 * @description
 * This is the main entry point for the allowance service. It loads configuration,
 * opens the store and applies its schema, wires the notification driver and the pass
 * lock, then runs the due-order cron job next to the HTTP API.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/spf13/pflag: Command line flags for one-shot runs.
 * - github.com/redis/go-redis/v9: Optional pass lock and pass metrics.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq, pkg/kafka, pkg/notificationclient: Notification drivers.
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tzeetzch/Juno-Z-sub000/internal/api"
	"github.com/Tzeetzch/Juno-Z-sub000/internal/app"
	"github.com/Tzeetzch/Juno-Z-sub000/internal/config"
	"github.com/Tzeetzch/Juno-Z-sub000/internal/recurrence"
	"github.com/Tzeetzch/Juno-Z-sub000/internal/store"
	"github.com/Tzeetzch/Juno-Z-sub000/pkg/kafka"
	"github.com/Tzeetzch/Juno-Z-sub000/pkg/notificationclient"
	"github.com/Tzeetzch/Juno-Z-sub000/pkg/rabbitmq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

func main() {
	runOnce := pflag.Bool("run-once", false, "run a single due-order pass and exit")
	migrateOnly := pflag.Bool("migrate", false, "apply the database schema and exit")
	pflag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger, *runOnce, *migrateOnly); err != nil {
		logger.Error("allowance service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, runOnce, migrateOnly bool) error {
	ctx := context.Background()

	repo, err := store.Open(ctx, store.Options{
		Driver:      cfg.StoreDriver,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer repo.Close()

	if err := repo.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	logger.Info("store ready", "driver", cfg.StoreDriver)
	if migrateOnly {
		return nil
	}

	notifier, closeNotifier := newNotifier(cfg, logger)
	defer closeNotifier()

	var (
		lock    app.PassLock
		metrics app.PassMetrics
	)
	if cfg.RedisURL != "" {
		client, err := newRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, due order passes are not coordinated across instances", "error", err)
		} else {
			defer client.Close()
			lock = app.NewRedisPassLock(client, cfg.RedisLockKey, time.Duration(cfg.PassLockTTLSeconds)*time.Second)
			metrics = app.NewRedisPassMetrics(client, cfg.RedisMetricsPrefix)
			logger.Info("redis pass lock enabled", "key", cfg.RedisLockKey)
		}
	}

	zones := recurrence.NewResolver(logger)
	clock := app.SystemClock{}
	processor := app.NewProcessor(repo, zones, notifier, logger)
	jobs := app.NewJobs(processor, lock, metrics, clock, logger, time.Duration(cfg.PassLockTTLSeconds)*time.Second)

	if runOnce {
		report, err := jobs.RunDuePass(ctx)
		if err != nil {
			return fmt.Errorf("due order pass: %w", err)
		}
		logger.Info("due order pass finished", "processed", report.Occurrences, "applied", report.Applied, "skipped", report.Skipped, "failed", report.Failed)
		return nil
	}

	scheduler := app.NewScheduler(jobs, logger, app.DueOrderSchedule(cfg.DueOrderJobSchedule, cfg.DueCheckIntervalSeconds))
	if err := scheduler.Start(); err != nil {
		return err
	}
	logger.Info("scheduler started")

	orders := app.NewOrderService(repo, zones, clock, cfg.DefaultTimezone, logger)
	handler := api.NewHandler(orders, jobs, logger)
	router := api.NewRouter(handler, api.AuthConfig{
		JWKSURL:  cfg.ClerkJWKSURL,
		Audience: cfg.ClerkAudience,
		Issuer:   cfg.ClerkIssuer,
	}, cfg.InternalAPIKey)

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for termination signal to gracefully shut down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server failed", "error", err)
	}

	stopCtx := scheduler.Stop()
	<-stopCtx.Done() // Wait for a running pass to finish
	logger.Info("scheduler stopped gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server gracefully stopped")
	return nil
}

// newNotifier builds the configured notification driver, throttled to the configured
// rate. A broker that cannot be reached at startup degrades to a logging notifier.
func newNotifier(cfg *config.Config, logger *slog.Logger) (app.Notifier, func()) {
	var (
		next    app.Notifier
		closeFn = func() {}
	)

	switch cfg.NotifierDriver {
	case "rabbitmq":
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.NotificationExchange, logger)
		if err != nil {
			logger.Warn("failed to connect to rabbitmq, notifications will be logged only", "error", err)
			next = &rabbitmq.EventProducerFallback{Logger: logger}
			break
		}
		next, closeFn = producer, producer.Close
		logger.Info("rabbitmq producer connected", "exchange", cfg.NotificationExchange)
	case "kafka":
		brokers := kafka.ParseBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			logger.Warn("KAFKA_BROKERS is empty, notifications will be logged only")
			next = app.NewLogNotifier(logger)
			break
		}
		publisher := kafka.NewPublisher(brokers, cfg.KafkaTopic)
		next = publisher
		closeFn = func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("failed to close kafka publisher", "error", err)
			}
		}
	case "http":
		next = notificationclient.NewClient(cfg.NotificationServiceURL, cfg.InternalAPIKey)
	default:
		next = app.NewLogNotifier(logger)
	}

	return app.NewRateLimitedNotifier(next, cfg.NotificationRatePerSecond), closeFn
}

func newRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
