// Command turnera-dispatcher runs the outbox dispatcher: it polls
// pending outbox entries and publishes them to the bus. Multiple
// dispatcher replicas are safe; pending rows are claimed with row locks.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/turnohealth/turnera/pkg/bus"
	"github.com/turnohealth/turnera/pkg/config"
	"github.com/turnohealth/turnera/pkg/database"
	"github.com/turnohealth/turnera/pkg/eventstore"
	"github.com/turnohealth/turnera/pkg/lag"
	"github.com/turnohealth/turnera/pkg/metrics"
	"github.com/turnohealth/turnera/pkg/outbox"
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
		slog.Error("Dispatcher failed", "error", err)
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

	serializer := eventstore.NewSerializer(eventstore.NewRegistry())
	publisher := bus.NewNotifyPublisher(db, cfg.Bus.Exchange)
	tracker := lag.NewTracker(db)

	dispatcher := outbox.NewDispatcher(
		"dispatcher-"+uuid.NewString()[:8],
		outbox.NewStore(db), serializer, publisher, tracker, cfg.Outbox,
	)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":       "alive",
			"dispatched":   dispatcher.Dispatched(),
			"lastActivity": dispatcher.LastActivity().UTC().Format(time.RFC3339),
		})
	})
	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	slog.Info("Outbox dispatcher running", "port", cfg.HTTPPort, "exchange", cfg.Bus.Exchange)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
