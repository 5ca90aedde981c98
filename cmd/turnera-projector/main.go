// Command turnera-projector maintains the read models: it sweeps the
// event log from its checkpoint on startup, then applies live bus
// deliveries. The admin API triggers rebuilds and exposes the
// checkpoint.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/turnohealth/turnera/pkg/api"
	"github.com/turnohealth/turnera/pkg/bus"
	"github.com/turnohealth/turnera/pkg/config"
	"github.com/turnohealth/turnera/pkg/database"
	"github.com/turnohealth/turnera/pkg/eventstore"
	"github.com/turnohealth/turnera/pkg/lag"
	"github.com/turnohealth/turnera/pkg/projection"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	if err := run(cfg); err != nil {
		slog.Error("Projector failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.EventStoreConnection)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		return err
	}

	registry := eventstore.NewRegistry()
	serializer := eventstore.NewSerializer(registry)
	tracker := lag.NewTracker(db)
	store := eventstore.NewStore(db, serializer, tracker)

	engine := projection.NewQueueViewsEngine(db, tracker)
	consumer := projection.NewConsumer(engine, store, registry)
	if err := consumer.Start(ctx); err != nil {
		return err
	}
	defer consumer.Stop()

	listener := bus.NewListener(cfg.Bus.DSN(cfg.EventStoreConnection), cfg.Bus.Exchange, consumer.Handle)
	if err := listener.Start(ctx); err != nil {
		return err
	}
	defer listener.Stop(context.Background())

	server := api.NewProjectorServer(cfg.HTTPPort, engine, store, projection.ResetQueueViews, db)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()
	slog.Info("Projector running", "port", cfg.HTTPPort, "exchange", cfg.Bus.Exchange)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
