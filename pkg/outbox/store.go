// Package outbox implements the transactional outbox: rows are enqueued
// by the event store in the save transaction, then published to the bus
// by the dispatcher with retry and poison handling.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Outbox entry statuses.
const (
	StatusPending      = "pending"
	StatusDispatched   = "dispatched"
	StatusFailedPoison = "failed_poison"
)

// fetchLease is how long fetched rows stay invisible to other
// dispatchers. A dispatcher that dies mid-batch loses its lease and the
// rows become fetchable again; consumers are idempotent by message id.
const fetchLease = time.Minute

// Entry is one outbox row, joined with the event's stored metadata so
// the dispatcher can rebuild the full event for publishing.
type Entry struct {
	EventID       string
	EventName     string
	OccurredAt    time.Time
	CorrelationID string
	CausationID   string
	Payload       []byte
	Metadata      []byte
	Attempts      int
}

// Store provides dispatcher-side access to the outbox table. Enqueueing
// happens in the event store's save transaction, not here.
type Store struct {
	db *sql.DB
}

// NewStore creates an outbox store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// FetchPending returns up to limit pending entries that are due, oldest
// occurred_at first. Fetched rows are leased: their next_attempt_at is
// pushed forward inside the fetch transaction (with FOR UPDATE SKIP
// LOCKED) so concurrent dispatchers never double-publish a row.
func (s *Store) FetchPending(ctx context.Context, limit int) ([]Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning fetch transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT o.event_id, o.event_name, o.occurred_at, o.correlation_id, o.causation_id,
		        o.payload, e.metadata, o.attempts
		 FROM outbox o
		 JOIN event_log e USING (event_id)
		 WHERE o.status = $1 AND (o.next_attempt_at IS NULL OR o.next_attempt_at <= now())
		 ORDER BY o.occurred_at ASC
		 LIMIT $2
		 FOR UPDATE OF o SKIP LOCKED`,
		StatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying pending outbox entries: %w", err)
	}

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, tx.Commit()
	}

	lease := time.Now().Add(fetchLease)
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox SET next_attempt_at = $2 WHERE event_id = $1`,
			e.EventID, lease,
		); err != nil {
			return nil, fmt.Errorf("leasing outbox entry %s: %w", e.EventID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing outbox fetch: %w", err)
	}
	return entries, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var correlationID, causationID sql.NullString
		if err := rows.Scan(&e.EventID, &e.EventName, &e.OccurredAt,
			&correlationID, &causationID, &e.Payload, &e.Metadata, &e.Attempts); err != nil {
			return nil, fmt.Errorf("scanning outbox row: %w", err)
		}
		e.CorrelationID = correlationID.String
		e.CausationID = causationID.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox rows: %w", err)
	}
	return entries, nil
}

// MarkDispatched transitions entries to dispatched, clearing the retry
// bookkeeping. Repeat invocation for an already-dispatched id is a no-op.
func (s *Store) MarkDispatched(ctx context.Context, eventIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning mark-dispatched transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range eventIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox
			 SET status = $2, attempts = attempts + 1, next_attempt_at = NULL, last_error = NULL
			 WHERE event_id = $1 AND status = $3`,
			id, StatusDispatched, StatusPending,
		); err != nil {
			return fmt.Errorf("marking outbox entry %s dispatched: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing mark-dispatched: %w", err)
	}
	return nil
}

// MarkFailed records a failed publish attempt. Below maxAttempts the
// entry stays pending with next_attempt_at = now + retryAfter; at the
// limit it becomes failed_poison and is parked far in the future.
// Returns the ids that were poisoned. Already-dispatched or poisoned
// entries are left untouched.
func (s *Store) MarkFailed(ctx context.Context, eventIDs []string, publishErr error, retryAfter time.Duration, maxAttempts int) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning mark-failed transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var poisoned []string
	for _, id := range eventIDs {
		var attempts int
		err := tx.QueryRowContext(ctx,
			`UPDATE outbox
			 SET attempts = attempts + 1, last_error = $2
			 WHERE event_id = $1 AND status = $3
			 RETURNING attempts`,
			id, publishErr.Error(), StatusPending,
		).Scan(&attempts)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("marking outbox entry %s failed: %w", id, err)
		}

		if attempts >= maxAttempts {
			if _, err := tx.ExecContext(ctx,
				`UPDATE outbox SET status = $2, next_attempt_at = now() + interval '10 years'
				 WHERE event_id = $1`,
				id, StatusFailedPoison,
			); err != nil {
				return nil, fmt.Errorf("poisoning outbox entry %s: %w", id, err)
			}
			poisoned = append(poisoned, id)
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox SET next_attempt_at = now() + $2::interval WHERE event_id = $1`,
			id, fmt.Sprintf("%d milliseconds", retryAfter.Milliseconds()),
		); err != nil {
			return nil, fmt.Errorf("scheduling retry for outbox entry %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing mark-failed: %w", err)
	}
	return poisoned, nil
}

// PendingCount reports how many entries are awaiting dispatch.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE status = $1`, StatusPending,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending outbox entries: %w", err)
	}
	return n, nil
}

// Status reads the status and attempt count of one entry.
func (s *Store) Status(ctx context.Context, eventID string) (status string, attempts int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT status, attempts FROM outbox WHERE event_id = $1`, eventID,
	).Scan(&status, &attempts)
	if err != nil {
		return "", 0, fmt.Errorf("loading outbox entry %s: %w", eventID, err)
	}
	return status, attempts, nil
}
