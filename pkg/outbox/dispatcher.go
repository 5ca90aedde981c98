package outbox

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/turnohealth/turnera/pkg/bus"
	"github.com/turnohealth/turnera/pkg/config"
	"github.com/turnohealth/turnera/pkg/eventstore"
	"github.com/turnohealth/turnera/pkg/lag"
	"github.com/turnohealth/turnera/pkg/metrics"
)

// Dispatcher is the background worker that publishes pending outbox
// entries to the bus: fetch a batch, publish each entry, mark the
// outcome. Failures are retried with exponential backoff; entries that
// exhaust the retry budget are parked as poison.
type Dispatcher struct {
	id         string
	store      *Store
	serializer *eventstore.Serializer
	publisher  bus.Publisher
	lag        *lag.Tracker
	cfg        config.OutboxConfig

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu           sync.RWMutex
	dispatched   int
	lastActivity time.Time
}

// NewDispatcher creates an outbox dispatcher. lagTracker may be nil.
func NewDispatcher(id string, store *Store, serializer *eventstore.Serializer, publisher bus.Publisher, lagTracker *lag.Tracker, cfg config.OutboxConfig) *Dispatcher {
	return &Dispatcher{
		id:           id,
		store:        store,
		serializer:   serializer,
		publisher:    publisher,
		lag:          lagTracker,
		cfg:          cfg,
		stopCh:       make(chan struct{}),
		lastActivity: time.Now(),
	}
}

// Start begins the polling loop in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop signals the loop to stop and waits for it to finish. Safe to
// call multiple times.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// Dispatched reports how many entries this dispatcher has published.
func (d *Dispatcher) Dispatched() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dispatched
}

// LastActivity reports when this dispatcher last published an entry.
func (d *Dispatcher) LastActivity() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastActivity
}

// run is the main polling loop. Cancellation is observed between
// iterations; partial batch progress is safe because every per-entry
// outcome is persisted before the next entry is touched.
func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	log := slog.With("dispatcher_id", d.id)
	log.Info("Outbox dispatcher started",
		"polling_interval", d.cfg.PollingInterval,
		"batch_size", d.cfg.BatchSize,
		"max_retry_attempts", d.cfg.MaxRetryAttempts)

	for {
		select {
		case <-d.stopCh:
			log.Info("Outbox dispatcher shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, outbox dispatcher shutting down")
			return
		default:
			n, err := d.DispatchBatch(ctx)
			if err != nil {
				log.Error("Error dispatching outbox batch", "error", err)
				d.sleep(time.Second)
				continue
			}
			if n == 0 {
				d.sleep(d.pollInterval())
			}
		}
	}
}

// DispatchBatch fetches one batch and publishes it, returning the number
// of entries fetched.
func (d *Dispatcher) DispatchBatch(ctx context.Context) (int, error) {
	entries, err := d.store.FetchPending(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, entry := range entries {
		select {
		case <-d.stopCh:
			return len(entries), nil
		case <-ctx.Done():
			return len(entries), nil
		default:
		}
		d.dispatchOne(ctx, entry)
	}
	return len(entries), nil
}

// dispatchOne publishes one entry and records the outcome.
func (d *Dispatcher) dispatchOne(ctx context.Context, entry Entry) {
	log := slog.With("dispatcher_id", d.id, "event_id", entry.EventID, "event_name", entry.EventName)

	start := time.Now()
	err := d.publish(ctx, entry)
	if err == nil {
		if markErr := d.store.MarkDispatched(ctx, []string{entry.EventID}); markErr != nil {
			log.Error("Failed to mark outbox entry dispatched", "error", markErr)
			return
		}
		if d.lag != nil {
			publishedAt := time.Now()
			if lagErr := d.lag.RecordPublished(ctx, entry.EventID, publishedAt, publishedAt.Sub(entry.OccurredAt)); lagErr != nil {
				log.Warn("Failed to record publish lag", "error", lagErr)
			}
		}
		metrics.OutboxDispatched.Inc()
		metrics.DispatchDuration.Observe(time.Since(start).Seconds())

		d.mu.Lock()
		d.dispatched++
		d.lastActivity = time.Now()
		d.mu.Unlock()
		return
	}

	delay := d.retryDelay(entry.Attempts)
	poisoned, markErr := d.store.MarkFailed(ctx, []string{entry.EventID}, err, delay, d.cfg.MaxRetryAttempts)
	if markErr != nil {
		log.Error("Failed to mark outbox entry failed", "publish_error", err, "error", markErr)
		return
	}
	metrics.OutboxFailed.Inc()
	if len(poisoned) > 0 {
		log.Error("Outbox entry poisoned after exhausting retries",
			"attempts", entry.Attempts+1, "error", err)
		return
	}
	log.Warn("Publish failed, retry scheduled",
		"attempts", entry.Attempts+1, "retry_after", delay, "error", err)
}

// publish decodes the stored event and sends it to the bus.
func (d *Dispatcher) publish(ctx context.Context, entry Entry) error {
	e, err := d.serializer.Decode(entry.EventName, entry.Payload, entry.Metadata)
	if err != nil {
		return err
	}
	return d.publisher.Publish(ctx, e)
}

// retryDelay computes the exponential backoff for the given prior
// attempt count, capped at the configured maximum.
func (d *Dispatcher) retryDelay(attempts int) time.Duration {
	delay := d.cfg.BaseRetryDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= d.cfg.MaxRetryDelay {
			return d.cfg.MaxRetryDelay
		}
	}
	return min(delay, d.cfg.MaxRetryDelay)
}

// sleep waits for the duration or until stop/shutdown.
func (d *Dispatcher) sleep(duration time.Duration) {
	select {
	case <-d.stopCh:
	case <-time.After(duration):
	}
}

// pollInterval adds up to 10% jitter so multiple dispatchers do not poll
// in lockstep.
func (d *Dispatcher) pollInterval() time.Duration {
	base := d.cfg.PollingInterval
	jitter := base / 10
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int64N(int64(jitter)))
}
