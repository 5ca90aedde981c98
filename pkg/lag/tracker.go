// Package lag tracks per-event processing latency across the pipeline:
// CREATED when the event is appended, PUBLISHED when the dispatcher
// pushes it to the bus, PROCESSED when a projection has applied it.
package lag

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Lag entry statuses.
const (
	StatusCreated   = "CREATED"
	StatusPublished = "PUBLISHED"
	StatusProcessed = "PROCESSED"
	StatusFailed    = "FAILED"
)

// execer abstracts *sql.DB and *sql.Tx so transitions can join the
// caller's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Tracker records lag transitions in the event_lag table, one row per
// event id.
type Tracker struct {
	db *sql.DB
}

// NewTracker creates a lag tracker.
func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{db: db}
}

// RecordCreated inserts the CREATED row for an event. Insert-if-absent:
// re-driving a save never resets a row that has already advanced to
// PUBLISHED or PROCESSED.
func (t *Tracker) RecordCreated(ctx context.Context, eventID, eventName, aggregateID string, createdAt time.Time) error {
	return t.recordCreated(ctx, t.db, eventID, eventName, aggregateID, createdAt)
}

// RecordCreatedTx is RecordCreated inside the caller's transaction.
func (t *Tracker) RecordCreatedTx(ctx context.Context, tx *sql.Tx, eventID, eventName, aggregateID string, createdAt time.Time) error {
	return t.recordCreated(ctx, tx, eventID, eventName, aggregateID, createdAt)
}

func (t *Tracker) recordCreated(ctx context.Context, ex execer, eventID, eventName, aggregateID string, createdAt time.Time) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO event_lag (event_id, event_name, aggregate_id, created_at, status)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventName, aggregateID, createdAt, StatusCreated,
	)
	if err != nil {
		return fmt.Errorf("recording lag CREATED for %s: %w", eventID, err)
	}
	return nil
}

// RecordPublished marks the event as published with its dispatch
// duration. A row already at PROCESSED is left untouched so a late or
// repeated publish cannot regress the status.
func (t *Tracker) RecordPublished(ctx context.Context, eventID string, publishedAt time.Time, dispatchDuration time.Duration) error {
	return t.recordPublished(ctx, t.db, eventID, publishedAt, dispatchDuration)
}

// RecordPublishedTx is RecordPublished inside the caller's transaction.
func (t *Tracker) RecordPublishedTx(ctx context.Context, tx *sql.Tx, eventID string, publishedAt time.Time, dispatchDuration time.Duration) error {
	return t.recordPublished(ctx, tx, eventID, publishedAt, dispatchDuration)
}

func (t *Tracker) recordPublished(ctx context.Context, ex execer, eventID string, publishedAt time.Time, dispatchDuration time.Duration) error {
	_, err := ex.ExecContext(ctx,
		`UPDATE event_lag
		 SET published_at = $2, dispatch_duration_ms = $3, status = $4
		 WHERE event_id = $1 AND status <> $5`,
		eventID, publishedAt, dispatchDuration.Milliseconds(), StatusPublished, StatusProcessed,
	)
	if err != nil {
		return fmt.Errorf("recording lag PUBLISHED for %s: %w", eventID, err)
	}
	return nil
}

// RecordProcessed marks the event as processed and computes the total
// lag from created_at. The epoch difference is multiplied to
// milliseconds BEFORE truncating to an integer, so sub-second lags keep
// their millisecond precision. Replays are a no-op: a row already at
// PROCESSED is never updated again.
func (t *Tracker) RecordProcessed(ctx context.Context, eventID string, processedAt time.Time, processingDuration time.Duration) error {
	return t.recordProcessed(ctx, t.db, eventID, processedAt, processingDuration)
}

// RecordProcessedTx is RecordProcessed inside the caller's transaction.
func (t *Tracker) RecordProcessedTx(ctx context.Context, tx *sql.Tx, eventID string, processedAt time.Time, processingDuration time.Duration) error {
	return t.recordProcessed(ctx, tx, eventID, processedAt, processingDuration)
}

func (t *Tracker) recordProcessed(ctx context.Context, ex execer, eventID string, processedAt time.Time, processingDuration time.Duration) error {
	_, err := ex.ExecContext(ctx,
		`UPDATE event_lag
		 SET processed_at = $2,
		     processing_duration_ms = $3,
		     total_lag_ms = (EXTRACT(EPOCH FROM ($2::timestamptz - created_at)) * 1000)::bigint,
		     status = $4
		 WHERE event_id = $1 AND status <> $4`,
		eventID, processedAt, processingDuration.Milliseconds(), StatusProcessed,
	)
	if err != nil {
		return fmt.Errorf("recording lag PROCESSED for %s: %w", eventID, err)
	}
	return nil
}

// RecordFailed marks the event's pipeline processing as failed, unless
// it has already been processed.
func (t *Tracker) RecordFailed(ctx context.Context, eventID string) error {
	_, err := t.db.ExecContext(ctx,
		`UPDATE event_lag SET status = $2 WHERE event_id = $1 AND status <> $3`,
		eventID, StatusFailed, StatusProcessed,
	)
	if err != nil {
		return fmt.Errorf("recording lag FAILED for %s: %w", eventID, err)
	}
	return nil
}

// Statistics summarizes total lag for processed events.
type Statistics struct {
	Count     int64   `json:"count"`
	AverageMs float64 `json:"averageMs"`
	P50Ms     float64 `json:"p50Ms"`
	P95Ms     float64 `json:"p95Ms"`
	P99Ms     float64 `json:"p99Ms"`
	MaxMs     int64   `json:"maxMs"`
}

// Statistics computes lag statistics over processed events, optionally
// filtered by event name and created_at window.
func (t *Tracker) Statistics(ctx context.Context, eventName string, from, to *time.Time) (Statistics, error) {
	var stats Statistics
	err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(AVG(total_lag_ms), 0),
		        COALESCE(PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY total_lag_ms), 0),
		        COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY total_lag_ms), 0),
		        COALESCE(PERCENTILE_CONT(0.99) WITHIN GROUP (ORDER BY total_lag_ms), 0),
		        COALESCE(MAX(total_lag_ms), 0)
		 FROM event_lag
		 WHERE status = $1
		   AND ($2 = '' OR event_name = $2)
		   AND ($3::timestamptz IS NULL OR created_at >= $3)
		   AND ($4::timestamptz IS NULL OR created_at <= $4)`,
		StatusProcessed, eventName, from, to,
	).Scan(&stats.Count, &stats.AverageMs, &stats.P50Ms, &stats.P95Ms, &stats.P99Ms, &stats.MaxMs)
	if err != nil {
		return Statistics{}, fmt.Errorf("querying lag statistics: %w", err)
	}
	return stats, nil
}

// Entry is one lag row, read back for inspection and tests.
type Entry struct {
	EventID              string
	EventName            string
	AggregateID          string
	CreatedAt            time.Time
	PublishedAt          *time.Time
	DispatchDurationMs   *int64
	ProcessedAt          *time.Time
	ProcessingDurationMs *int64
	TotalLagMs           *int64
	Status               string
}

// Get reads the lag entry for an event id.
func (t *Tracker) Get(ctx context.Context, eventID string) (Entry, error) {
	var e Entry
	err := t.db.QueryRowContext(ctx,
		`SELECT event_id, event_name, aggregate_id, created_at, published_at,
		        dispatch_duration_ms, processed_at, processing_duration_ms, total_lag_ms, status
		 FROM event_lag WHERE event_id = $1`,
		eventID,
	).Scan(&e.EventID, &e.EventName, &e.AggregateID, &e.CreatedAt, &e.PublishedAt,
		&e.DispatchDurationMs, &e.ProcessedAt, &e.ProcessingDurationMs, &e.TotalLagMs, &e.Status)
	if err != nil {
		return Entry{}, fmt.Errorf("loading lag entry %s: %w", eventID, err)
	}
	return e, nil
}
