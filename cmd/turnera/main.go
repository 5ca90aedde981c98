// Command turnera runs the waiting-room HTTP service: the command API
// over the event store plus the query API over the projected views.
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
	"github.com/turnohealth/turnera/pkg/config"
	"github.com/turnohealth/turnera/pkg/database"
	"github.com/turnohealth/turnera/pkg/eventstore"
	"github.com/turnohealth/turnera/pkg/lag"
	"github.com/turnohealth/turnera/pkg/projection"
	"github.com/turnohealth/turnera/pkg/services"
)

func main() {
	// .env is optional; the environment wins in deployments.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	if err := run(cfg); err != nil {
		slog.Error("Service failed", "error", err)
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

	tracker := lag.NewTracker(db)
	serializer := eventstore.NewSerializer(eventstore.NewRegistry())
	store := eventstore.NewStore(db, serializer, tracker)

	commands := services.NewCommandService(store, nil)
	queries := services.NewQueryService(projection.NewQueries(db), tracker)

	server := api.NewServer(cfg.HTTPPort, commands, queries, db)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()
	slog.Info("Waiting-room service started", "port", cfg.HTTPPort)

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
