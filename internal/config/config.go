/**
 * @description
 * This package handles the configuration management for the allowance service. It uses
 * the Viper library to read configuration from environment variables, providing defaults
 * for the due-order job and coercing invalid numeric settings back to their defaults.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const (
	defaultDueCheckIntervalSeconds = 60
	defaultNotificationRate        = 10.0
	defaultPassLockTTLSeconds      = 300
)

// Config holds all configuration for the allowance service.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	StoreDriver            string `mapstructure:"STORE_DRIVER"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	SQLitePath             string `mapstructure:"SQLITE_PATH"`
	DueOrderJobSchedule    string `mapstructure:"DUE_ORDER_JOB_SCHEDULE"`
	DefaultTimezone        string `mapstructure:"DEFAULT_TIMEZONE"`
	InternalAPIKey         string `mapstructure:"INTERNAL_API_KEY"`
	ClerkJWKSURL           string `mapstructure:"CLERK_JWKS_URL"`
	ClerkAudience          string `mapstructure:"CLERK_AUDIENCE"`
	ClerkIssuer            string `mapstructure:"CLERK_ISSUER"`
	NotifierDriver         string `mapstructure:"NOTIFIER_DRIVER"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	NotificationExchange   string `mapstructure:"NOTIFICATION_EXCHANGE"`
	KafkaBrokers           string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic             string `mapstructure:"KAFKA_TOPIC"`
	NotificationServiceURL string `mapstructure:"NOTIFICATION_SERVICE_URL"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	RedisLockKey           string `mapstructure:"REDIS_LOCK_KEY"`
	RedisMetricsPrefix     string `mapstructure:"REDIS_METRICS_PREFIX"`

	// Parsed by hand so a malformed value falls back to the default instead of failing.
	DueCheckIntervalSeconds   int     `mapstructure:"-"`
	NotificationRatePerSecond float64 `mapstructure:"-"`
	PassLockTTLSeconds        int     `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	viper.SetDefault("SERVER_PORT", "8086")
	viper.SetDefault("STORE_DRIVER", "postgres")
	viper.SetDefault("SQLITE_PATH", "data/allowance.db")
	viper.SetDefault("DEFAULT_TIMEZONE", "UTC")
	viper.SetDefault("NOTIFIER_DRIVER", "log")
	viper.SetDefault("NOTIFICATION_EXCHANGE", "allowance_events")
	viper.SetDefault("KAFKA_TOPIC", "allowance_paid")
	viper.SetDefault("REDIS_LOCK_KEY", "allowance:due_orders:lock")
	viper.SetDefault("REDIS_METRICS_PREFIX", "metrics:allowance")
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("SQLITE_PATH")
	_ = viper.BindEnv("DUE_CHECK_INTERVAL_SECONDS")
	_ = viper.BindEnv("DUE_ORDER_JOB_SCHEDULE")
	_ = viper.BindEnv("DEFAULT_TIMEZONE")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("CLERK_AUDIENCE")
	_ = viper.BindEnv("CLERK_ISSUER")
	_ = viper.BindEnv("NOTIFIER_DRIVER")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("NOTIFICATION_EXCHANGE")
	_ = viper.BindEnv("KAFKA_BROKERS")
	_ = viper.BindEnv("KAFKA_TOPIC")
	_ = viper.BindEnv("NOTIFICATION_SERVICE_URL")
	_ = viper.BindEnv("NOTIFICATION_RATE_PER_SECOND")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_LOCK_KEY")
	_ = viper.BindEnv("REDIS_METRICS_PREFIX")
	_ = viper.BindEnv("PASS_LOCK_TTL_SECONDS")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	config.NotifierDriver = strings.ToLower(strings.TrimSpace(config.NotifierDriver))
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.DefaultTimezone = strings.TrimSpace(config.DefaultTimezone)
	if config.DefaultTimezone == "" {
		config.DefaultTimezone = "UTC"
	}

	config.DueCheckIntervalSeconds = positiveInt("DUE_CHECK_INTERVAL_SECONDS", defaultDueCheckIntervalSeconds)
	config.PassLockTTLSeconds = positiveInt("PASS_LOCK_TTL_SECONDS", defaultPassLockTTLSeconds)
	config.NotificationRatePerSecond = nonNegativeFloat("NOTIFICATION_RATE_PER_SECOND", defaultNotificationRate)

	switch config.StoreDriver {
	case "postgres":
		if config.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case "sqlite", "memory":
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", config.StoreDriver)
	}

	switch config.NotifierDriver {
	case "log", "rabbitmq", "kafka", "http":
	default:
		slog.Warn("unknown notifier driver; using log", "notifier_driver", config.NotifierDriver)
		config.NotifierDriver = "log"
	}

	return &config, nil
}

func positiveInt(key string, fallback int) int {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		slog.Warn("invalid config value; using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return value
}

func nonNegativeFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 {
		slog.Warn("invalid config value; using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return value
}
