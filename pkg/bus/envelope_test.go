package bus

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnohealth/turnera/pkg/domain"
	"github.com/turnohealth/turnera/pkg/eventstore"
)

func sampleEvent(notes string) domain.Event {
	return domain.Event{
		Payload: domain.PatientCheckedIn{
			PatientID:        "p1",
			PatientName:      "Ana",
			Priority:         domain.PriorityMedium,
			ConsultationType: "general",
			CheckInTime:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
			Notes:            notes,
		},
		Meta: domain.Metadata{
			EventID:        "evt-1",
			AggregateID:    "queue-1",
			Version:        2,
			CorrelationID:  "corr-1",
			OccurredAt:     time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
			IdempotencyKey: "idem-1",
			SchemaVersion:  1,
		},
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	data, err := encodeEnvelope(sampleEvent("short note"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(data), notifyLimit)

	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, domain.EventNamePatientCheckedIn, env.EventName)
	assert.Equal(t, "evt-1", env.EventID)
	assert.Equal(t, "corr-1", env.Headers.CorrelationID)
	assert.Equal(t, "idem-1", env.Headers.MessageID)
	assert.Equal(t, ContentTypeJSON, env.Headers.ContentType)
	assert.True(t, env.Headers.Persistent)
	assert.False(t, env.Truncated)

	e, err := env.Event(eventstore.NewRegistry())
	require.NoError(t, err)
	assert.Equal(t, sampleEvent("short note").Payload, e.Payload)
	assert.Equal(t, sampleEvent("short note").Meta, e.Meta)
}

func TestEnvelopeTruncation(t *testing.T) {
	// A payload beyond the NOTIFY limit is replaced by the stub.
	data, err := encodeEnvelope(sampleEvent(strings.Repeat("x", 9000)))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(data), notifyLimit)

	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.True(t, env.Truncated)
	assert.Equal(t, "evt-1", env.EventID)
	assert.Empty(t, env.Payload)

	// The stub cannot be decoded into an event; consumers refetch by id.
	_, err = env.Event(eventstore.NewRegistry())
	assert.Error(t, err)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"eventId":"evt-1"}`))
	assert.Error(t, err, "missing event name")
}
