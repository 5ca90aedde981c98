// Package config loads typed configuration from the environment,
// following the recognized variable names of the deployment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config is the full process configuration shared by the three
// deployables (command service, dispatcher, projector).
type Config struct {
	EventStoreConnection string
	HTTPPort             string
	Bus                  BusConfig
	Outbox               OutboxConfig
	LogLevel             slog.Level
}

// BusConfig configures the message bus. The bus is PostgreSQL
// NOTIFY/LISTEN: Exchange is the NOTIFY channel name, and the BUS_*
// connection variables build the listener DSN (vhost maps to the
// database name). When no BUS_HOST is set the event store connection is
// reused.
type BusConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string
	Exchange string
}

// DSN returns the listener connection string, falling back to the event
// store connection when no dedicated bus host is configured.
func (b BusConfig) DSN(eventStoreConn string) string {
	if b.Host == "" {
		return eventStoreConn
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		b.Host, b.Port, b.User, b.Password, b.VHost)
}

// OutboxConfig controls the dispatcher polling loop and retry policy.
type OutboxConfig struct {
	PollingInterval  time.Duration
	BatchSize        int
	MaxRetryAttempts int
	BaseRetryDelay   time.Duration
	MaxRetryDelay    time.Duration
}

// DefaultOutboxConfig returns the built-in dispatcher defaults.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		PollingInterval:  5 * time.Second,
		BatchSize:        100,
		MaxRetryAttempts: 5,
		BaseRetryDelay:   30 * time.Second,
		MaxRetryDelay:    time.Hour,
	}
}

// DefaultExchange is the NOTIFY channel events are published on.
const DefaultExchange = "waiting_room_events"

// Load reads the configuration from the environment, applying defaults
// for everything unset.
func Load() (*Config, error) {
	cfg := &Config{
		EventStoreConnection: getEnv("EVENT_STORE_CONNECTION",
			"host=localhost port=5432 user=postgres password=postgres dbname=turnera sslmode=disable"),
		HTTPPort: getEnv("HTTP_PORT", "8080"),
		Bus: BusConfig{
			Host:     os.Getenv("BUS_HOST"),
			Port:     getEnvInt("BUS_PORT", 5432),
			User:     getEnv("BUS_USER", "postgres"),
			Password: os.Getenv("BUS_PASSWORD"),
			VHost:    getEnv("BUS_VHOST", "turnera"),
			Exchange: getEnv("BUS_EXCHANGE", DefaultExchange),
		},
		Outbox: OutboxConfig{
			PollingInterval:  getEnvSeconds("OUTBOX_POLLING_INTERVAL_SECONDS", 5),
			BatchSize:        getEnvInt("OUTBOX_BATCH_SIZE", 100),
			MaxRetryAttempts: getEnvInt("OUTBOX_MAX_RETRY_ATTEMPTS", 5),
			BaseRetryDelay:   getEnvSeconds("OUTBOX_BASE_RETRY_DELAY_SECONDS", 30),
			MaxRetryDelay:    getEnvSeconds("OUTBOX_MAX_RETRY_DELAY_SECONDS", 3600),
		},
		LogLevel: parseLogLevel(getEnv("LOG_LEVEL", "Information")),
	}

	if cfg.Outbox.BatchSize <= 0 {
		return nil, fmt.Errorf("OUTBOX_BATCH_SIZE must be positive, got %d", cfg.Outbox.BatchSize)
	}
	if cfg.Outbox.MaxRetryAttempts <= 0 {
		return nil, fmt.Errorf("OUTBOX_MAX_RETRY_ATTEMPTS must be positive, got %d", cfg.Outbox.MaxRetryAttempts)
	}
	return cfg, nil
}

// parseLogLevel maps the configured level name to a slog level.
// Unrecognized names fall back to Info.
func parseLogLevel(s string) slog.Level {
	switch s {
	case "Debug", "debug", "DEBUG":
		return slog.LevelDebug
	case "Warning", "warning", "WARN", "warn":
		return slog.LevelWarn
	case "Error", "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default",
			"key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return n
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
