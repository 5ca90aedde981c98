package bus

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/turnohealth/turnera/pkg/domain"
)

// Publisher publishes domain events in order to the bus.
type Publisher interface {
	Publish(ctx context.Context, events ...domain.Event) error
}

// NotifyPublisher broadcasts events on the exchange channel via
// pg_notify. pg_notify is transactional, so a publish inside a caller's
// transaction is held until COMMIT.
type NotifyPublisher struct {
	db       *sql.DB
	exchange string
}

// NewNotifyPublisher creates a bus publisher on the given exchange.
func NewNotifyPublisher(db *sql.DB, exchange string) *NotifyPublisher {
	return &NotifyPublisher{db: db, exchange: exchange}
}

// Publish sends each event as one NOTIFY on the exchange channel.
func (p *NotifyPublisher) Publish(ctx context.Context, events ...domain.Event) error {
	for _, e := range events {
		data, err := encodeEnvelope(e)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx,
			`SELECT pg_notify($1, $2)`, p.exchange, string(data),
		); err != nil {
			return fmt.Errorf("pg_notify for event %s failed: %w", e.Meta.EventID, err)
		}
	}
	return nil
}
