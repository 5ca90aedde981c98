package projection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/turnohealth/turnera/pkg/bus"
	"github.com/turnohealth/turnera/pkg/domain"
	"github.com/turnohealth/turnera/pkg/eventstore"
)

// EventFetcher refetches a single event; used when a bus delivery was
// truncated. Satisfied by eventstore.Store.
type EventFetcher interface {
	EventSource
	FindByEventID(ctx context.Context, eventID string) (domain.Event, error)
}

// Consumer feeds one projection engine from the bus. On startup it
// sweeps the event log from the checkpoint, then switches to live
// deliveries. NOTIFY carries no acknowledgement, so a failed delivery
// faults the consumer: live deliveries are dropped and a recovery loop
// re-runs the catchup sweep with backoff until it succeeds. The
// idempotency ledger absorbs any overlap between the two paths.
type Consumer struct {
	engine     *Engine
	store      EventFetcher
	serializer payloadDecoder

	mu      sync.Mutex
	faulted bool

	recoverWG sync.WaitGroup
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// payloadDecoder matches eventstore.Registry.
type payloadDecoder interface {
	DecodePayload(eventName string, data []byte) (domain.Payload, error)
}

// NewConsumer creates a bus consumer for the engine.
func NewConsumer(engine *Engine, store EventFetcher, registry *eventstore.Registry) *Consumer {
	return &Consumer{
		engine:     engine,
		store:      store,
		serializer: registry,
		stopCh:     make(chan struct{}),
	}
}

// Start runs the initial catchup sweep. The returned handler is wired
// into a bus.Listener by the caller.
func (c *Consumer) Start(ctx context.Context) error {
	if _, err := c.engine.Catchup(ctx, c.store); err != nil {
		return err
	}
	return nil
}

// Stop signals any recovery loop to exit and waits for it.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.recoverWG.Wait()
}

// Handle is the bus.MessageHandler of this consumer.
func (c *Consumer) Handle(ctx context.Context, env bus.Envelope) {
	c.mu.Lock()
	if c.faulted {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	e, err := c.resolve(ctx, env)
	if err != nil {
		slog.Error("Failed to resolve bus delivery, faulting consumer",
			"projection_id", c.engine.ProjectionID(), "event_id", env.EventID, "error", err)
		c.fault(ctx)
		return
	}
	if _, err := c.engine.Process(ctx, 0, e); err != nil {
		slog.Error("Projection failed on live delivery, faulting consumer",
			"projection_id", c.engine.ProjectionID(), "event_id", env.EventID, "error", err)
		c.fault(ctx)
	}
}

// resolve turns an envelope into a domain event, refetching from the
// event log when the NOTIFY payload was truncated.
func (c *Consumer) resolve(ctx context.Context, env bus.Envelope) (domain.Event, error) {
	if env.Truncated {
		return c.store.FindByEventID(ctx, env.EventID)
	}
	return env.Event(c.serializer)
}

// fault switches to recovery mode: live deliveries are dropped until a
// catchup sweep succeeds.
func (c *Consumer) fault(ctx context.Context) {
	c.mu.Lock()
	if c.faulted {
		c.mu.Unlock()
		return
	}
	c.faulted = true
	c.mu.Unlock()

	c.recoverWG.Add(1)
	go c.recover(ctx)
}

func (c *Consumer) recover(ctx context.Context) {
	defer c.recoverWG.Done()

	backoff := time.Second
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if _, err := c.engine.Catchup(ctx, c.store); err != nil {
			slog.Error("Projection recovery sweep failed",
				"projection_id", c.engine.ProjectionID(), "backoff", backoff, "error", err)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		c.mu.Lock()
		c.faulted = false
		c.mu.Unlock()
		slog.Info("Projection recovered", "projection_id", c.engine.ProjectionID())
		return
	}
}
