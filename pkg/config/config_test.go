package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, DefaultExchange, cfg.Bus.Exchange)
	assert.Equal(t, 5*time.Second, cfg.Outbox.PollingInterval)
	assert.Equal(t, 100, cfg.Outbox.BatchSize)
	assert.Equal(t, 5, cfg.Outbox.MaxRetryAttempts)
	assert.Equal(t, 30*time.Second, cfg.Outbox.BaseRetryDelay)
	assert.Equal(t, time.Hour, cfg.Outbox.MaxRetryDelay)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("EVENT_STORE_CONNECTION", "host=db1 dbname=events")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("BUS_EXCHANGE", "custom_events")
	t.Setenv("OUTBOX_POLLING_INTERVAL_SECONDS", "1")
	t.Setenv("OUTBOX_BATCH_SIZE", "25")
	t.Setenv("LOG_LEVEL", "Debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "host=db1 dbname=events", cfg.EventStoreConnection)
	assert.Equal(t, "9090", cfg.HTTPPort)
	assert.Equal(t, "custom_events", cfg.Bus.Exchange)
	assert.Equal(t, time.Second, cfg.Outbox.PollingInterval)
	assert.Equal(t, 25, cfg.Outbox.BatchSize)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("OUTBOX_BATCH_SIZE", "-1")
	_, err := Load()
	assert.Error(t, err)
}

func TestBusDSNFallsBackToEventStore(t *testing.T) {
	b := BusConfig{}
	assert.Equal(t, "host=x dbname=y", b.DSN("host=x dbname=y"))

	b = BusConfig{Host: "bus-host", Port: 5433, User: "u", Password: "pw", VHost: "turnera"}
	assert.Equal(t, "host=bus-host port=5433 user=u password=pw dbname=turnera", b.DSN("unused"))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("Debug"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("Warning"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("Information"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("bogus"))
}
