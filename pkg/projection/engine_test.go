package projection_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnohealth/turnera/pkg/domain"
	"github.com/turnohealth/turnera/pkg/eventstore"
	"github.com/turnohealth/turnera/pkg/lag"
	"github.com/turnohealth/turnera/pkg/projection"
	"github.com/turnohealth/turnera/test/util"
)

type fixture struct {
	store   *eventstore.Store
	engine  *projection.Engine
	queries *projection.Queries
	tracker *lag.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := util.SetupTestDatabase(t)
	tracker := lag.NewTracker(db)
	return &fixture{
		store:   eventstore.NewStore(db, eventstore.NewSerializer(eventstore.NewRegistry()), tracker),
		engine:  projection.NewQueueViewsEngine(db, tracker),
		queries: projection.NewQueries(db),
		tracker: tracker,
	}
}

var clock = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func cmdAt(at time.Time) domain.CommandMeta {
	return domain.CommandMeta{CorrelationID: "corr-1", Actor: "test", Now: at}
}

// saveAndProject commits the aggregate's events and feeds them through
// the engine via catchup.
func (f *fixture) saveAndProject(t *testing.T, q *domain.WaitingQueue) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, q))
	_, err := f.engine.Catchup(ctx, f.store)
	require.NoError(t, err)
}

func TestQueueViewsProjection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	q, err := domain.NewWaitingQueue("queue-1", "Consulta Externa", 10, cmdAt(clock))
	require.NoError(t, err)
	require.NoError(t, q.CheckInPatient(domain.CheckInRequest{
		PatientID:        "p1",
		PatientName:      "Ana",
		Priority:         domain.PriorityLow,
		ConsultationType: "gestante",
	}, cmdAt(clock.Add(time.Minute))))
	require.NoError(t, q.CheckInPatient(domain.CheckInRequest{
		PatientID:        "p2",
		PatientName:      "Luis",
		Priority:         domain.PriorityMedium,
		ConsultationType: "general",
	}, cmdAt(clock.Add(2*time.Minute))))
	f.saveAndProject(t, q)

	t.Run("monitor reflects capacity and occupancy", func(t *testing.T) {
		m, err := f.queries.Monitor(ctx, "queue-1")
		require.NoError(t, err)
		assert.Equal(t, "Consulta Externa", m.QueueName)
		assert.Equal(t, 10, m.MaxCapacity)
		assert.Equal(t, 2, m.ActivePatients)
		assert.Equal(t, 2, m.TotalPatientsWaiting)
		assert.Equal(t, 1, m.HighPriorityCount)
		assert.Equal(t, 1, m.MediumPriorityCount)
		assert.Zero(t, m.LowPriorityCount)
		require.NotNil(t, m.LastCheckInTime)
		assert.InDelta(t, 20.0, m.UtilizationPercent, 0.001)
	})

	t.Run("queue state is ordered by priority then arrival", func(t *testing.T) {
		patients, err := f.queries.QueueState(ctx, "queue-1")
		require.NoError(t, err)
		require.Len(t, patients, 2)
		// p1 was auto-prioritized to High by the gestante type.
		assert.Equal(t, "p1", patients[0].PatientID)
		assert.Equal(t, string(domain.PriorityHigh), patients[0].Priority)
		assert.Equal(t, "p2", patients[1].PatientID)
	})

	t.Run("unknown queue is not found", func(t *testing.T) {
		_, err := f.queries.Monitor(ctx, "missing")
		assert.ErrorIs(t, err, projection.ErrViewNotFound)
	})
}

func TestProjectionLifecycleFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	q, err := domain.NewWaitingQueue("queue-1", "Consulta Externa", 10, cmdAt(clock))
	require.NoError(t, err)
	require.NoError(t, q.CheckInPatient(domain.CheckInRequest{
		PatientID: "p1", PatientName: "Ana", ConsultationType: "general",
	}, cmdAt(clock)))
	_, err = q.CallNextAtCashier(cmdAt(clock))
	require.NoError(t, err)
	require.NoError(t, q.ValidatePayment("p1", cmdAt(clock)))
	require.NoError(t, q.ActivateConsultingRoom("room-1", cmdAt(clock)))
	_, err = q.ClaimNextPatient("room-1", cmdAt(clock.Add(time.Minute)))
	require.NoError(t, err)
	f.saveAndProject(t, q)

	t.Run("claimed patient appears on the announcement board", func(t *testing.T) {
		turn, err := f.queries.NextTurn(ctx, "queue-1")
		require.NoError(t, err)
		assert.Equal(t, "p1", turn.PatientID)
		assert.Equal(t, "room-1", turn.StationID)
	})

	t.Run("monitor counts the active room", func(t *testing.T) {
		m, err := f.queries.Monitor(ctx, "queue-1")
		require.NoError(t, err)
		assert.Equal(t, 1, m.ActiveRooms)
	})

	require.NoError(t, q.StartConsultation("p1", cmdAt(clock.Add(2*time.Minute))))
	require.NoError(t, q.CompleteAttention("p1", "atendido", "", cmdAt(clock.Add(10*time.Minute))))
	f.saveAndProject(t, q)

	t.Run("completion clears board and patient list, records history", func(t *testing.T) {
		_, err := f.queries.NextTurn(ctx, "queue-1")
		assert.ErrorIs(t, err, projection.ErrViewNotFound)

		patients, err := f.queries.QueueState(ctx, "queue-1")
		require.NoError(t, err)
		assert.Empty(t, patients)

		m, err := f.queries.Monitor(ctx, "queue-1")
		require.NoError(t, err)
		assert.Zero(t, m.ActivePatients)

		history, err := f.queries.History(ctx, "queue-1", 10)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, "p1", history[0].PatientID)
		assert.Equal(t, "atendido", history[0].Outcome)
		assert.Equal(t, "room-1", history[0].StationID)
	})
}

func TestProcessIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	q, err := domain.NewWaitingQueue("queue-1", "Consulta Externa", 10, cmdAt(clock))
	require.NoError(t, err)
	require.NoError(t, q.CheckInPatient(domain.CheckInRequest{
		PatientID: "p1", PatientName: "Ana", ConsultationType: "general",
	}, cmdAt(clock)))
	events := q.UncommittedEvents()
	require.NoError(t, f.store.Save(ctx, q))

	for _, e := range events {
		applied, err := f.engine.Process(ctx, 0, e)
		require.NoError(t, err)
		assert.True(t, applied)
	}

	// Redelivery: same idempotency keys, nothing changes.
	for _, e := range events {
		applied, err := f.engine.Process(ctx, 0, e)
		require.NoError(t, err)
		assert.False(t, applied)
	}

	m, err := f.queries.Monitor(ctx, "queue-1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.ActivePatients)

	// A catchup sweep over already-processed events is also absorbed.
	applied, err := f.engine.Catchup(ctx, f.store)
	require.NoError(t, err)
	assert.Zero(t, applied)
}

func TestCheckpointAdvances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	q, err := domain.NewWaitingQueue("queue-1", "Consulta Externa", 10, cmdAt(clock))
	require.NoError(t, err)
	require.NoError(t, q.CheckInPatient(domain.CheckInRequest{
		PatientID: "p1", PatientName: "Ana", ConsultationType: "general",
	}, cmdAt(clock)))
	f.saveAndProject(t, q)

	cp, err := f.engine.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, projection.QueueViewsID, cp.ProjectionID)
	assert.Equal(t, int64(2), cp.LastEventVersion)
	assert.Equal(t, int64(2), cp.LastGlobalSeq)
	assert.Equal(t, "active", cp.Status)
}

func TestRebuildIsDeterministic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	q, err := domain.NewWaitingQueue("queue-1", "Consulta Externa", 10, cmdAt(clock))
	require.NoError(t, err)
	require.NoError(t, q.CheckInPatient(domain.CheckInRequest{
		PatientID: "p1", PatientName: "Ana", ConsultationType: "general",
	}, cmdAt(clock)))
	require.NoError(t, q.CheckInPatient(domain.CheckInRequest{
		PatientID: "p2", PatientName: "Luis", ConsultationType: "general",
	}, cmdAt(clock.Add(time.Minute))))
	_, err = q.CallNextAtCashier(cmdAt(clock))
	require.NoError(t, err)
	require.NoError(t, q.MarkAbsentAtCashier("p1", cmdAt(clock)))
	f.saveAndProject(t, q)

	before, err := f.queries.QueueState(ctx, "queue-1")
	require.NoError(t, err)
	monitorBefore, err := f.queries.Monitor(ctx, "queue-1")
	require.NoError(t, err)

	require.NoError(t, f.engine.Rebuild(ctx, f.store, projection.ResetQueueViews))

	after, err := f.queries.QueueState(ctx, "queue-1")
	require.NoError(t, err)
	monitorAfter, err := f.queries.Monitor(ctx, "queue-1")
	require.NoError(t, err)

	assert.Equal(t, before, after)
	assert.Equal(t, monitorBefore.ActivePatients, monitorAfter.ActivePatients)
	assert.Equal(t, monitorBefore.ActiveRooms, monitorAfter.ActiveRooms)

	cp, err := f.engine.LoadCheckpoint(ctx)
	require.NoError(t, err)
	// created + 2 check-ins + called + absent + re-enqueued
	assert.Equal(t, int64(6), cp.LastGlobalSeq)
}

func TestProcessAdvancesLagToProcessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	q, err := domain.NewWaitingQueue("queue-1", "Consulta Externa", 10, cmdAt(clock))
	require.NoError(t, err)
	eventID := q.UncommittedEvents()[0].Meta.EventID
	f.saveAndProject(t, q)

	entry, err := f.tracker.Get(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, lag.StatusProcessed, entry.Status)
	require.NotNil(t, entry.TotalLagMs)

	// Replay does not touch a PROCESSED row.
	processedAt := entry.ProcessedAt
	_, err = f.engine.Catchup(ctx, f.store)
	require.NoError(t, err)
	again, err := f.tracker.Get(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, processedAt, again.ProcessedAt)
}
