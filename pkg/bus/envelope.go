// Package bus is the message bus over PostgreSQL NOTIFY/LISTEN. The
// configured exchange is the NOTIFY channel; the routing key travels in
// the envelope as the event name.
package bus

import (
	"encoding/json"
	"fmt"

	"github.com/turnohealth/turnera/pkg/domain"
)

// notifyLimit is the usable slice of PostgreSQL's 8000-byte NOTIFY
// payload limit. Envelopes above it are replaced by a truncation stub;
// consumers refetch the event from the log by event id.
const notifyLimit = 7900

// ContentTypeJSON is the content type of every bus message.
const ContentTypeJSON = "application/json"

// Headers are the transport headers of a bus message. MessageID is the
// event's idempotency key, so consumers can absorb redeliveries.
type Headers struct {
	CorrelationID string `json:"correlationId"`
	MessageID     string `json:"messageId"`
	ContentType   string `json:"contentType"`
	Persistent    bool   `json:"persistent"`
}

// Envelope is the JSON wire format of a bus message.
type Envelope struct {
	EventName string          `json:"eventName"`
	EventID   string          `json:"eventId"`
	Headers   Headers         `json:"headers"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
}

// payloadDecoder decodes event payloads by name; satisfied by
// eventstore.Registry.
type payloadDecoder interface {
	DecodePayload(eventName string, data []byte) (domain.Payload, error)
}

// Event reconstructs the domain event carried by the envelope.
// Truncated envelopes carry no payload; the caller must refetch by
// event id instead.
func (env Envelope) Event(dec payloadDecoder) (domain.Event, error) {
	if env.Truncated {
		return domain.Event{}, fmt.Errorf("envelope for event %s is truncated", env.EventID)
	}
	p, err := dec.DecodePayload(env.EventName, env.Payload)
	if err != nil {
		return domain.Event{}, err
	}
	var meta domain.Metadata
	if err := json.Unmarshal(env.Metadata, &meta); err != nil {
		return domain.Event{}, fmt.Errorf("decoding envelope metadata for %s: %w", env.EventID, err)
	}
	return domain.Event{Payload: p, Meta: meta}, nil
}

// encodeEnvelope builds the wire bytes for a domain event, substituting
// the truncation stub when the full envelope exceeds the NOTIFY limit.
func encodeEnvelope(e domain.Event) ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", e.EventName(), err)
	}
	metadata, err := json.Marshal(e.Meta)
	if err != nil {
		return nil, fmt.Errorf("encoding %s metadata: %w", e.EventName(), err)
	}

	env := Envelope{
		EventName: e.EventName(),
		EventID:   e.Meta.EventID,
		Headers: Headers{
			CorrelationID: e.Meta.CorrelationID,
			MessageID:     e.Meta.IdempotencyKey,
			ContentType:   ContentTypeJSON,
			Persistent:    true,
		},
		Payload:  payload,
		Metadata: metadata,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope for %s: %w", e.Meta.EventID, err)
	}
	if len(data) <= notifyLimit {
		return data, nil
	}

	// Too big for NOTIFY: keep only the routing fields.
	env.Payload = nil
	env.Metadata = nil
	env.Truncated = true
	data, err = json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding truncated envelope for %s: %w", e.Meta.EventID, err)
	}
	return data, nil
}

// DecodeEnvelope parses the wire bytes of a bus message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding bus envelope: %w", err)
	}
	if env.EventName == "" {
		return Envelope{}, fmt.Errorf("bus envelope missing event name")
	}
	return env, nil
}
