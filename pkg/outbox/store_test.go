package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnohealth/turnera/pkg/domain"
	"github.com/turnohealth/turnera/pkg/eventstore"
	"github.com/turnohealth/turnera/pkg/outbox"
	"github.com/turnohealth/turnera/test/util"
)

// seedEvents commits one queue creation plus n check-ins, producing
// n+1 pending outbox entries in occurred_at order.
func seedEvents(t *testing.T, store *eventstore.Store, n int) []string {
	t.Helper()
	now := time.Now()
	q, err := domain.NewWaitingQueue("queue-1", "Consulta Externa", 50, domain.CommandMeta{Now: now})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, q.CheckInPatient(domain.CheckInRequest{
			PatientID:        string(rune('a' + i)),
			PatientName:      "P",
			ConsultationType: "general",
		}, domain.CommandMeta{Now: now.Add(time.Duration(i+1) * time.Second)}))
	}

	var ids []string
	for _, e := range q.UncommittedEvents() {
		ids = append(ids, e.Meta.EventID)
	}
	require.NoError(t, store.Save(context.Background(), q))
	return ids
}

func setup(t *testing.T) (*outbox.Store, *eventstore.Store) {
	t.Helper()
	db := util.SetupTestDatabase(t)
	es := eventstore.NewStore(db, eventstore.NewSerializer(eventstore.NewRegistry()), nil)
	return outbox.NewStore(db), es
}

func TestFetchPending(t *testing.T) {
	ob, es := setup(t)
	ctx := context.Background()
	ids := seedEvents(t, es, 2)

	entries, err := ob.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Oldest occurred_at first, so creation comes before the check-ins.
	assert.Equal(t, ids[0], entries[0].EventID)
	assert.Equal(t, domain.EventNameWaitingQueueCreated, entries[0].EventName)
	assert.NotEmpty(t, entries[0].Payload)
	assert.NotEmpty(t, entries[0].Metadata)

	// The fetch leased the rows: a second fetch sees nothing.
	again, err := ob.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestFetchPendingHonorsLimit(t *testing.T) {
	ob, es := setup(t)
	seedEvents(t, es, 4)

	entries, err := ob.FetchPending(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestMarkDispatched(t *testing.T) {
	ob, es := setup(t)
	ctx := context.Background()
	seedEvents(t, es, 0)

	entries, err := ob.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	id := entries[0].EventID

	require.NoError(t, ob.MarkDispatched(ctx, []string{id}))
	status, attempts, err := ob.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusDispatched, status)
	assert.Equal(t, 1, attempts)

	// Repeat invocation is a no-op.
	require.NoError(t, ob.MarkDispatched(ctx, []string{id}))
	_, attempts, err = ob.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	n, err := ob.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMarkFailedSchedulesRetry(t *testing.T) {
	ob, es := setup(t)
	ctx := context.Background()
	seedEvents(t, es, 0)

	entries, err := ob.FetchPending(ctx, 10)
	require.NoError(t, err)
	id := entries[0].EventID

	poisoned, err := ob.MarkFailed(ctx, []string{id}, errors.New("bus down"), time.Hour, 5)
	require.NoError(t, err)
	assert.Empty(t, poisoned)

	status, attempts, err := ob.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, status)
	assert.Equal(t, 1, attempts)

	// Still pending but not due until the retry delay elapses.
	due, err := ob.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestMarkFailedPoisonsAtLimit(t *testing.T) {
	ob, es := setup(t)
	ctx := context.Background()
	seedEvents(t, es, 0)

	entries, err := ob.FetchPending(ctx, 10)
	require.NoError(t, err)
	id := entries[0].EventID

	// maxAttempts=2: the second failure parks the entry.
	poisoned, err := ob.MarkFailed(ctx, []string{id}, errors.New("bus down"), 0, 2)
	require.NoError(t, err)
	assert.Empty(t, poisoned)

	poisoned, err = ob.MarkFailed(ctx, []string{id}, errors.New("bus down"), 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, poisoned)

	status, attempts, err := ob.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailedPoison, status)
	assert.Equal(t, 2, attempts)

	due, err := ob.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}
