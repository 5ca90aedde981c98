// Package eventstore persists the append-only event log with optimistic
// concurrency, and enqueues outbox rows in the same transaction.
package eventstore

import (
	"encoding/json"
	"fmt"

	"github.com/turnohealth/turnera/pkg/domain"
)

// decoder unmarshals a payload of one concrete event type.
type decoder func(data []byte) (domain.Payload, error)

// Registry maps event names to their concrete payload types.
// Unknown names fail decoding; the caller decides the poison policy.
type Registry struct {
	decoders map[string]decoder
}

// NewRegistry returns a registry with all waiting-room events registered.
func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[string]decoder)}
	register[domain.WaitingQueueCreated](r)
	register[domain.PatientCheckedIn](r)
	register[domain.PatientCalledAtCashier](r)
	register[domain.PatientPaymentValidated](r)
	register[domain.PatientPaymentPending](r)
	register[domain.PatientMarkedAbsentAtCashier](r)
	register[domain.PatientReEnqueuedAtCashier](r)
	register[domain.PatientCancelledByPayment](r)
	register[domain.ConsultingRoomActivated](r)
	register[domain.ConsultingRoomDeactivated](r)
	register[domain.PatientClaimedForAttention](r)
	register[domain.PatientCalledToConsultation](r)
	register[domain.ConsultationStarted](r)
	register[domain.ConsultationCompleted](r)
	register[domain.PatientMarkedAbsentAtConsultation](r)
	register[domain.PatientCancelledByAbsence](r)
	return r
}

// register adds a decode function for the event type T under its name.
func register[T domain.Payload](r *Registry) {
	var zero T
	r.decoders[zero.EventName()] = func(data []byte) (domain.Payload, error) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// Known reports whether the registry can decode the given event name.
func (r *Registry) Known(eventName string) bool {
	_, ok := r.decoders[eventName]
	return ok
}

// DecodePayload decodes a payload by event name.
func (r *Registry) DecodePayload(eventName string, data []byte) (domain.Payload, error) {
	dec, ok := r.decoders[eventName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventName)
	}
	p, err := dec(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", eventName, err)
	}
	return p, nil
}

// Serializer converts between domain events and their persisted JSON
// form (payload and metadata as separate camelCase documents).
type Serializer struct {
	registry *Registry
}

// NewSerializer creates a serializer over the given registry.
func NewSerializer(registry *Registry) *Serializer {
	return &Serializer{registry: registry}
}

// Encode marshals the event payload and metadata to JSON.
func (s *Serializer) Encode(e domain.Event) (payload, metadata []byte, err error) {
	payload, err = json.Marshal(e.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding %s payload: %w", e.EventName(), err)
	}
	metadata, err = json.Marshal(e.Meta)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding %s metadata: %w", e.EventName(), err)
	}
	return payload, metadata, nil
}

// Decode reconstructs a domain event from its persisted JSON form.
// New payload fields added in later schema versions read as zero values,
// so version 1 readers stay compatible with additive changes.
func (s *Serializer) Decode(eventName string, payload, metadata []byte) (domain.Event, error) {
	p, err := s.registry.DecodePayload(eventName, payload)
	if err != nil {
		return domain.Event{}, err
	}
	var meta domain.Metadata
	if err := json.Unmarshal(metadata, &meta); err != nil {
		return domain.Event{}, fmt.Errorf("decoding %s metadata: %w", eventName, err)
	}
	return domain.Event{Payload: p, Meta: meta}, nil
}
