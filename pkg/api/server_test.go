package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnohealth/turnera/pkg/api"
	"github.com/turnohealth/turnera/pkg/eventstore"
	"github.com/turnohealth/turnera/pkg/lag"
	"github.com/turnohealth/turnera/pkg/projection"
	"github.com/turnohealth/turnera/pkg/services"
	"github.com/turnohealth/turnera/test/util"
)

// harness runs the full command path against a real database: HTTP →
// services → aggregate → event store. Views are filled by driving the
// projection engine manually where a test needs them.
type harness struct {
	server *api.Server
	store  *eventstore.Store
	engine *projection.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := util.SetupTestDatabase(t)
	tracker := lag.NewTracker(db)
	store := eventstore.NewStore(db, eventstore.NewSerializer(eventstore.NewRegistry()), tracker)

	commands := services.NewCommandService(store, nil)
	queries := services.NewQueryService(projection.NewQueries(db), tracker)

	return &harness{
		server: api.NewServer("0", commands, queries, db),
		store:  store,
		engine: projection.NewQueueViewsEngine(db, tracker),
	}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) createQueue(t *testing.T) {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/v1/waiting-room", map[string]any{
		"queueId":     "queue-1",
		"queueName":   "Consulta Externa",
		"maxCapacity": 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (h *harness) checkIn(t *testing.T, patientID string) *httptest.ResponseRecorder {
	t.Helper()
	return h.do(t, http.MethodPost, "/api/v1/waiting-room/queue-1/patients", map[string]any{
		"patientId":        patientID,
		"patientName":      "Patient " + patientID,
		"consultationType": "general",
	})
}

func TestCreateQueueEndpoint(t *testing.T) {
	h := newHarness(t)
	h.createQueue(t)

	t.Run("duplicate queue id conflicts", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/v1/waiting-room", map[string]any{
			"queueId": "queue-1", "queueName": "Other", "maxCapacity": 5,
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("missing fields are a bad request", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/v1/waiting-room", map[string]any{"queueId": "q2"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCheckInEndpoint(t *testing.T) {
	h := newHarness(t)
	h.createQueue(t)

	require.Equal(t, http.StatusCreated, h.checkIn(t, "p1").Code)

	t.Run("duplicate patient is a domain error", func(t *testing.T) {
		rec := h.checkIn(t, "p1")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var body api.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "DuplicatePatient", body.Error)
		assert.NotEmpty(t, body.CorrelationID)
	})

	t.Run("capacity exhaustion is unprocessable", func(t *testing.T) {
		require.Equal(t, http.StatusCreated, h.checkIn(t, "p2").Code)
		rec := h.checkIn(t, "p3")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		var body api.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "QueueAtCapacity", body.Error)
	})

	t.Run("unknown queue is not found", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/v1/waiting-room/missing/patients", map[string]any{
			"patientId": "p9", "patientName": "P", "consultationType": "general",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestCashierEndpoints(t *testing.T) {
	h := newHarness(t)
	h.createQueue(t)
	require.Equal(t, http.StatusCreated, h.checkIn(t, "p1").Code)

	rec := h.do(t, http.MethodPost, "/api/v1/waiting-room/queue-1/cashier/call-next", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var called struct {
		PatientID string `json:"patientId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &called))
	assert.Equal(t, "p1", called.PatientID)

	rec = h.do(t, http.MethodPost, "/api/v1/waiting-room/queue-1/cashier/patients/p1/validate-payment", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	t.Run("empty cashier wait is a domain error", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/v1/waiting-room/queue-1/cashier/call-next", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var body api.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "NoActivePatient", body.Error)
	})
}

func TestAttentionEndpoints(t *testing.T) {
	h := newHarness(t)
	h.createQueue(t)
	require.Equal(t, http.StatusCreated, h.checkIn(t, "p1").Code)
	require.Equal(t, http.StatusOK,
		h.do(t, http.MethodPost, "/api/v1/waiting-room/queue-1/cashier/call-next", nil).Code)
	require.Equal(t, http.StatusNoContent,
		h.do(t, http.MethodPost, "/api/v1/waiting-room/queue-1/cashier/patients/p1/validate-payment", nil).Code)
	require.Equal(t, http.StatusNoContent,
		h.do(t, http.MethodPost, "/api/v1/waiting-room/queue-1/consulting-room/room-1/activate", nil).Code)

	rec := h.do(t, http.MethodPost, "/api/v1/waiting-room/queue-1/attention/claim-next", map[string]any{
		"stationId": "room-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Equal(t, http.StatusNoContent,
		h.do(t, http.MethodPost, "/api/v1/waiting-room/queue-1/attention/patients/p1/start", nil).Code)
	require.Equal(t, http.StatusNoContent,
		h.do(t, http.MethodPost, "/api/v1/waiting-room/queue-1/attention/patients/p1/complete", map[string]any{
			"outcome": "atendido",
		}).Code)

	t.Run("double room activation conflicts with domain rules", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/v1/waiting-room/queue-1/consulting-room/room-1/activate", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestQueryEndpoints(t *testing.T) {
	h := newHarness(t)
	h.createQueue(t)
	require.Equal(t, http.StatusCreated, h.checkIn(t, "p1").Code)

	// Project the committed events into the views.
	_, err := h.engine.Catchup(t.Context(), h.store)
	require.NoError(t, err)

	t.Run("monitor", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/api/v1/waiting-room/queue-1/monitor", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var m projection.MonitorView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
		assert.Equal(t, 1, m.ActivePatients)
		assert.Equal(t, 1, m.TotalPatientsWaiting)
		assert.Equal(t, 1, m.MediumPriorityCount)
		assert.InDelta(t, 50.0, m.UtilizationPercent, 0.001)
	})

	t.Run("queue state", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/api/v1/waiting-room/queue-1/queue-state", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"patientId":"p1"`)
	})

	t.Run("empty next turn is not found", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/api/v1/waiting-room/queue-1/next-turn", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown queue is not found", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/api/v1/waiting-room/missing/monitor", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestCorrelationHeaderPropagates(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Correlation-Id", "my-correlation")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "my-correlation", rec.Header().Get("X-Correlation-Id"))
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "turnera_")
}
