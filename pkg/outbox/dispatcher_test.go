package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnohealth/turnera/pkg/config"
	"github.com/turnohealth/turnera/pkg/domain"
	"github.com/turnohealth/turnera/pkg/eventstore"
	"github.com/turnohealth/turnera/pkg/lag"
	"github.com/turnohealth/turnera/pkg/outbox"
	"github.com/turnohealth/turnera/test/util"
)

// capturingPublisher records published events; fail makes every publish
// return an error.
type capturingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
	fail   error
}

func (p *capturingPublisher) Publish(_ context.Context, events ...domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.events = append(p.events, events...)
	return nil
}

func (p *capturingPublisher) published() []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Event(nil), p.events...)
}

func testOutboxConfig() config.OutboxConfig {
	return config.OutboxConfig{
		PollingInterval:  10 * time.Millisecond,
		BatchSize:        10,
		MaxRetryAttempts: 3,
		BaseRetryDelay:   time.Hour,
		MaxRetryDelay:    4 * time.Hour,
	}
}

func TestDispatchBatchPublishesInOrder(t *testing.T) {
	db := util.SetupTestDatabase(t)
	serializer := eventstore.NewSerializer(eventstore.NewRegistry())
	es := eventstore.NewStore(db, serializer, lag.NewTracker(db))
	ob := outbox.NewStore(db)
	pub := &capturingPublisher{}
	tracker := lag.NewTracker(db)

	d := outbox.NewDispatcher("d-1", ob, serializer, pub, tracker, testOutboxConfig())
	ctx := context.Background()

	ids := seedEvents(t, es, 2)

	n, err := d.DispatchBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, d.Dispatched())

	events := pub.published()
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, ids[i], e.Meta.EventID, "publish order follows occurred_at")
	}

	pending, err := ob.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	// Lag rows advanced to PUBLISHED.
	entry, err := tracker.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, lag.StatusPublished, entry.Status)
	require.NotNil(t, entry.PublishedAt)

	// Nothing left for the next batch.
	n, err = d.DispatchBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatchBatchRetriesOnFailure(t *testing.T) {
	db := util.SetupTestDatabase(t)
	serializer := eventstore.NewSerializer(eventstore.NewRegistry())
	es := eventstore.NewStore(db, serializer, nil)
	ob := outbox.NewStore(db)
	pub := &capturingPublisher{fail: errors.New("bus down")}

	d := outbox.NewDispatcher("d-1", ob, serializer, pub, nil, testOutboxConfig())
	ctx := context.Background()

	ids := seedEvents(t, es, 0)

	n, err := d.DispatchBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, d.Dispatched())

	status, attempts, err := ob.Status(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, status)
	assert.Equal(t, 1, attempts)

	// The retry delay keeps the entry out of the next batch.
	n, err = d.DispatchBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatcherStartStop(t *testing.T) {
	db := util.SetupTestDatabase(t)
	serializer := eventstore.NewSerializer(eventstore.NewRegistry())
	es := eventstore.NewStore(db, serializer, nil)
	pub := &capturingPublisher{}

	d := outbox.NewDispatcher("d-1", outbox.NewStore(db), serializer, pub, nil, testOutboxConfig())
	seedEvents(t, es, 1)

	d.Start(context.Background())
	require.Eventually(t, func() bool {
		return d.Dispatched() == 2
	}, 5*time.Second, 20*time.Millisecond)
	d.Stop()

	assert.Len(t, pub.published(), 2)
}
