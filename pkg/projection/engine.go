// Package projection maintains the denormalized read models. Every
// event is applied exactly once per projection: an idempotency ledger
// insert, the view updates and the checkpoint advance share one
// transaction, so a crash can never leave a half-applied event.
package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/turnohealth/turnera/pkg/domain"
	"github.com/turnohealth/turnera/pkg/eventstore"
	"github.com/turnohealth/turnera/pkg/metrics"
)

// HandlerFunc applies one event to the views inside the engine's
// transaction.
type HandlerFunc func(ctx context.Context, tx *sql.Tx, e domain.Event) error

// LagRecorder records the PROCESSED transition inside the projection
// transaction. May be nil to disable lag tracking.
type LagRecorder interface {
	RecordProcessedTx(ctx context.Context, tx *sql.Tx, eventID string, processedAt time.Time, processingDuration time.Duration) error
}

// Engine drives one named projection: idempotency ledger, handler
// dispatch by event name, checkpointing.
type Engine struct {
	projectionID string
	db           *sql.DB
	handlers     map[string]HandlerFunc
	lag          LagRecorder
}

// NewEngine creates a projection engine. lagTracker may be nil.
func NewEngine(projectionID string, db *sql.DB, lagTracker LagRecorder) *Engine {
	return &Engine{
		projectionID: projectionID,
		db:           db,
		handlers:     make(map[string]HandlerFunc),
		lag:          lagTracker,
	}
}

// ProjectionID returns the projection's stable identifier.
func (en *Engine) ProjectionID() string { return en.projectionID }

// Handle registers the handler for an event name. Events without a
// handler are checkpointed but otherwise ignored.
func (en *Engine) Handle(eventName string, h HandlerFunc) {
	en.handlers[eventName] = h
}

// Process applies one event. Returns false when the idempotency ledger
// already holds the event's key and nothing was applied. globalSeq is
// the event's position in the log; pass 0 to have it looked up by event
// id inside the transaction (the bus delivery path does not know it).
func (en *Engine) Process(ctx context.Context, globalSeq int64, e domain.Event) (bool, error) {
	start := time.Now()

	tx, err := en.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning projection transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO projection_idempotency (projection_id, idempotency_key, event_id, processed_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (projection_id, idempotency_key) DO NOTHING`,
		en.projectionID, e.Meta.IdempotencyKey, e.Meta.EventID, start,
	)
	if err != nil {
		return false, fmt.Errorf("recording idempotency key for event %s: %w", e.Meta.EventID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading idempotency insert result: %w", err)
	}
	if inserted == 0 {
		// Redelivery: the event was fully applied before.
		metrics.ProjectionSkipped.WithLabelValues(en.projectionID).Inc()
		return false, nil
	}

	if globalSeq == 0 {
		err = tx.QueryRowContext(ctx,
			`SELECT global_seq FROM event_log WHERE event_id = $1`, e.Meta.EventID,
		).Scan(&globalSeq)
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("event %s is not in the event log", e.Meta.EventID)
		}
		if err != nil {
			return false, fmt.Errorf("resolving global sequence for event %s: %w", e.Meta.EventID, err)
		}
	}

	if h, ok := en.handlers[e.EventName()]; ok {
		if err := h(ctx, tx, e); err != nil {
			metrics.ProjectionFailures.WithLabelValues(en.projectionID).Inc()
			return false, fmt.Errorf("projection %s handling %s (event %s): %w",
				en.projectionID, e.EventName(), e.Meta.EventID, err)
		}
	}

	if err := en.checkpoint(ctx, tx, e, globalSeq, start); err != nil {
		return false, err
	}

	if en.lag != nil {
		processedAt := time.Now()
		if err := en.lag.RecordProcessedTx(ctx, tx, e.Meta.EventID, processedAt, processedAt.Sub(start)); err != nil {
			return false, fmt.Errorf("recording lag PROCESSED for event %s: %w", e.Meta.EventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing projection of event %s: %w", e.Meta.EventID, err)
	}

	metrics.ProjectionProcessed.WithLabelValues(en.projectionID, e.EventName()).Inc()
	metrics.EventLag.Observe(time.Since(e.Meta.OccurredAt).Seconds())
	return true, nil
}

// checkpoint upserts the projection checkpoint, never moving the global
// sequence backwards (bus deliveries can arrive out of order relative to
// a concurrent catchup sweep).
func (en *Engine) checkpoint(ctx context.Context, tx *sql.Tx, e domain.Event, globalSeq int64, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO projection_checkpoints
		   (projection_id, last_event_version, last_global_seq, idempotency_key, status, checkpointed_at)
		 VALUES ($1, $2, $3, $4, 'active', $5)
		 ON CONFLICT (projection_id) DO UPDATE
		 SET last_event_version = EXCLUDED.last_event_version,
		     last_global_seq    = GREATEST(projection_checkpoints.last_global_seq, EXCLUDED.last_global_seq),
		     idempotency_key    = EXCLUDED.idempotency_key,
		     status             = 'active',
		     checkpointed_at    = EXCLUDED.checkpointed_at`,
		en.projectionID, e.Meta.Version, globalSeq, e.Meta.IdempotencyKey, at,
	)
	if err != nil {
		return fmt.Errorf("advancing checkpoint for %s: %w", en.projectionID, err)
	}
	return nil
}

// Checkpoint is the persisted progress of a projection.
type Checkpoint struct {
	ProjectionID     string
	LastEventVersion int64
	LastGlobalSeq    int64
	IdempotencyKey   string
	Status           string
	CheckpointedAt   time.Time
}

// LoadCheckpoint reads the projection's checkpoint. A projection that
// has never processed an event gets a zero checkpoint.
func (en *Engine) LoadCheckpoint(ctx context.Context) (Checkpoint, error) {
	cp := Checkpoint{ProjectionID: en.projectionID, Status: "active"}
	err := en.db.QueryRowContext(ctx,
		`SELECT last_event_version, last_global_seq, idempotency_key, status, checkpointed_at
		 FROM projection_checkpoints WHERE projection_id = $1`,
		en.projectionID,
	).Scan(&cp.LastEventVersion, &cp.LastGlobalSeq, &cp.IdempotencyKey, &cp.Status, &cp.CheckpointedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("loading checkpoint for %s: %w", en.projectionID, err)
	}
	return cp, nil
}

// StoredEvent mirrors the event log's stream element.
type StoredEvent = eventstore.StoredEvent

// EventSource replays the event log in global order; satisfied by
// eventstore.Store.
type EventSource interface {
	StreamAll(ctx context.Context, fromSeq int64, fn func(StoredEvent) error) error
}

// Catchup replays every event after the checkpoint through the engine.
// Safe to run concurrently with live bus deliveries: the idempotency
// ledger absorbs the overlap.
func (en *Engine) Catchup(ctx context.Context, store EventSource) (int, error) {
	cp, err := en.LoadCheckpoint(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	err = store.StreamAll(ctx, cp.LastGlobalSeq, func(se StoredEvent) error {
		ok, err := en.Process(ctx, se.GlobalSeq, se.Event)
		if err != nil {
			return err
		}
		if ok {
			applied++
		}
		return nil
	})
	if err != nil {
		return applied, fmt.Errorf("catchup for %s: %w", en.projectionID, err)
	}
	if applied > 0 {
		slog.Info("Projection catchup applied events",
			"projection_id", en.projectionID, "applied", applied, "from_seq", cp.LastGlobalSeq)
	}
	return applied, nil
}

// Rebuild drops the projection's state (views, ledger, checkpoint) and
// replays the full event log. The reset runs in its own transaction;
// replay then proceeds event by event through Process, so a rebuild
// interrupted mid-replay resumes as a plain catchup.
func (en *Engine) Rebuild(ctx context.Context, store EventSource, reset func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := en.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning rebuild reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if reset != nil {
		if err := reset(ctx, tx); err != nil {
			return fmt.Errorf("resetting views for %s: %w", en.projectionID, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM projection_idempotency WHERE projection_id = $1`, en.projectionID,
	); err != nil {
		return fmt.Errorf("clearing idempotency ledger for %s: %w", en.projectionID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM projection_checkpoints WHERE projection_id = $1`, en.projectionID,
	); err != nil {
		return fmt.Errorf("clearing checkpoint for %s: %w", en.projectionID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rebuild reset for %s: %w", en.projectionID, err)
	}

	slog.Info("Projection rebuild started", "projection_id", en.projectionID)
	applied, err := en.Catchup(ctx, store)
	if err != nil {
		return err
	}
	slog.Info("Projection rebuild finished", "projection_id", en.projectionID, "applied", applied)
	return nil
}
