package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/turnohealth/turnera/pkg/domain"
	"github.com/turnohealth/turnera/pkg/metrics"
)

// streamBatchSize bounds how many rows a StreamAll iteration loads.
const streamBatchSize = 500

// LagRecorder records the CREATED transition of the event lag tracker
// inside the save transaction. May be nil to disable lag tracking.
type LagRecorder interface {
	RecordCreatedTx(ctx context.Context, tx *sql.Tx, eventID, eventName, aggregateID string, createdAt time.Time) error
}

// Store is the append-only event log over PostgreSQL. Saving an
// aggregate appends its uncommitted events and the matching outbox rows
// in one transaction, guarded by an optimistic version check.
type Store struct {
	db         *sql.DB
	serializer *Serializer
	lag        LagRecorder
}

// NewStore creates an event log store. lag may be nil.
func NewStore(db *sql.DB, serializer *Serializer, lag LagRecorder) *Store {
	return &Store{db: db, serializer: serializer, lag: lag}
}

// Load reads the full event history of an aggregate in version order and
// folds it into a WaitingQueue. Returns ErrNotFound when no events exist.
func (s *Store) Load(ctx context.Context, aggregateID string) (*domain.WaitingQueue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_name, payload, metadata
		 FROM event_log
		 WHERE aggregate_id = $1
		 ORDER BY version ASC`,
		aggregateID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying event history for %s: %w", aggregateID, err)
	}
	defer rows.Close()

	var history []domain.Event
	for rows.Next() {
		var eventName string
		var payload, metadata []byte
		if err := rows.Scan(&eventName, &payload, &metadata); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		e, err := s.serializer.Decode(eventName, payload, metadata)
		if err != nil {
			return nil, err
		}
		history = append(history, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event history for %s: %w", aggregateID, err)
	}
	if len(history) == 0 {
		return nil, ErrNotFound
	}
	return domain.FoldWaitingQueue(history), nil
}

// Save appends the aggregate's uncommitted events and one pending outbox
// row per event, all in one transaction. The stored max version must
// equal the aggregate version before the uncommitted events, otherwise
// ErrConcurrencyConflict is returned. Inserts are idempotent by event id
// and idempotency key, so re-driving the same logical save is safe.
func (s *Store) Save(ctx context.Context, q *domain.WaitingQueue) error {
	uncommitted := q.UncommittedEvents()
	if len(uncommitted) == 0 {
		return nil
	}
	expectedVersion := q.Version() - int64(len(uncommitted))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning save transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentVersion int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM event_log WHERE aggregate_id = $1`,
		q.ID(),
	).Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("checking current version for %s: %w", q.ID(), err)
	}
	if currentVersion != expectedVersion {
		metrics.ConcurrencyConflicts.Inc()
		return fmt.Errorf("%w: aggregate %s at version %d, expected %d",
			ErrConcurrencyConflict, q.ID(), currentVersion, expectedVersion)
	}

	for _, e := range uncommitted {
		payload, metadata, err := s.serializer.Encode(e)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO event_log
			   (aggregate_id, version, event_name, event_id, idempotency_key, payload, metadata, occurred_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (event_id) DO NOTHING`,
			e.Meta.AggregateID, e.Meta.Version, e.EventName(),
			e.Meta.EventID, e.Meta.IdempotencyKey, payload, metadata, e.Meta.OccurredAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				// (aggregate_id, version) collided with a concurrent writer.
				metrics.ConcurrencyConflicts.Inc()
				return fmt.Errorf("%w: aggregate %s version %d already written",
					ErrConcurrencyConflict, q.ID(), e.Meta.Version)
			}
			return fmt.Errorf("inserting event %s v%d: %w", q.ID(), e.Meta.Version, err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO outbox
			   (event_id, event_name, occurred_at, correlation_id, causation_id, payload, status, attempts)
			 VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0)
			 ON CONFLICT (event_id) DO NOTHING`,
			e.Meta.EventID, e.EventName(), e.Meta.OccurredAt,
			e.Meta.CorrelationID, e.Meta.CausationID, payload,
		)
		if err != nil {
			return fmt.Errorf("enqueueing outbox row for event %s: %w", e.Meta.EventID, err)
		}

		if s.lag != nil {
			if err := s.lag.RecordCreatedTx(ctx, tx, e.Meta.EventID, e.EventName(), e.Meta.AggregateID, e.Meta.OccurredAt); err != nil {
				return fmt.Errorf("recording lag CREATED for event %s: %w", e.Meta.EventID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing save for %s: %w", q.ID(), err)
	}
	for _, e := range uncommitted {
		metrics.EventsAppended.WithLabelValues(e.EventName()).Inc()
	}

	q.ClearUncommitted()
	return nil
}

// StoredEvent is an event together with its global sequence position.
type StoredEvent struct {
	GlobalSeq int64
	Event     domain.Event
}

// StreamAll iterates every event with global_seq > fromSeq in total
// order, calling fn for each. A non-nil error from fn stops the stream.
func (s *Store) StreamAll(ctx context.Context, fromSeq int64, fn func(StoredEvent) error) error {
	last := fromSeq
	for {
		rows, err := s.db.QueryContext(ctx,
			`SELECT global_seq, event_name, payload, metadata
			 FROM event_log
			 WHERE global_seq > $1
			 ORDER BY global_seq ASC
			 LIMIT $2`,
			last, streamBatchSize,
		)
		if err != nil {
			return fmt.Errorf("streaming events after seq %d: %w", last, err)
		}

		batch, err := s.scanStream(rows)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, se := range batch {
			if err := fn(se); err != nil {
				return err
			}
			last = se.GlobalSeq
		}
		if len(batch) < streamBatchSize {
			return nil
		}
	}
}

func (s *Store) scanStream(rows *sql.Rows) ([]StoredEvent, error) {
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var (
			seq               int64
			eventName         string
			payload, metadata []byte
		)
		if err := rows.Scan(&seq, &eventName, &payload, &metadata); err != nil {
			return nil, fmt.Errorf("scanning stream row: %w", err)
		}
		e, err := s.serializer.Decode(eventName, payload, metadata)
		if err != nil {
			return nil, err
		}
		out = append(out, StoredEvent{GlobalSeq: seq, Event: e})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stream rows: %w", err)
	}
	return out, nil
}

// FindByEventID loads a single event by its event id. Used by bus
// consumers to refetch payloads that exceeded the NOTIFY size limit.
func (s *Store) FindByEventID(ctx context.Context, eventID string) (domain.Event, error) {
	var (
		eventName         string
		payload, metadata []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT event_name, payload, metadata FROM event_log WHERE event_id = $1`,
		eventID,
	).Scan(&eventName, &payload, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, ErrNotFound
	}
	if err != nil {
		return domain.Event{}, fmt.Errorf("loading event %s: %w", eventID, err)
	}
	return s.serializer.Decode(eventName, payload, metadata)
}

// isUniqueViolation reports whether err is a PostgreSQL unique
// constraint violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
