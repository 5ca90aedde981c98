package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event names. The wire routing key and the type-registry lookup key for
// every event is its name.
const (
	EventNameWaitingQueueCreated               = "WaitingQueueCreated"
	EventNamePatientCheckedIn                  = "PatientCheckedIn"
	EventNamePatientCalledAtCashier            = "PatientCalledAtCashier"
	EventNamePatientPaymentValidated           = "PatientPaymentValidated"
	EventNamePatientPaymentPending             = "PatientPaymentPending"
	EventNamePatientMarkedAbsentAtCashier      = "PatientMarkedAbsentAtCashier"
	EventNamePatientReEnqueuedAtCashier        = "PatientReEnqueuedAtCashier"
	EventNamePatientCancelledByPayment         = "PatientCancelledByPayment"
	EventNameConsultingRoomActivated           = "ConsultingRoomActivated"
	EventNameConsultingRoomDeactivated         = "ConsultingRoomDeactivated"
	EventNamePatientClaimedForAttention        = "PatientClaimedForAttention"
	EventNamePatientCalledToConsultation       = "PatientCalledToConsultation"
	EventNameConsultationStarted               = "ConsultationStarted"
	EventNameConsultationCompleted             = "ConsultationCompleted"
	EventNamePatientMarkedAbsentAtConsultation = "PatientMarkedAbsentAtConsultation"
	EventNamePatientCancelledByAbsence         = "PatientCancelledByAbsence"
)

// CurrentSchemaVersion is stamped into the metadata of every newly
// emitted event. Payload changes are additive; readers treat new fields
// as nullable.
const CurrentSchemaVersion = 1

// Metadata is the envelope persisted alongside every event payload.
// Version is 1-based and contiguous per aggregate.
type Metadata struct {
	EventID        string    `json:"eventId"`
	AggregateID    string    `json:"aggregateId"`
	Version        int64     `json:"version"`
	CorrelationID  string    `json:"correlationId"`
	CausationID    string    `json:"causationId"`
	Actor          string    `json:"actor"`
	OccurredAt     time.Time `json:"occurredAt"`
	IdempotencyKey string    `json:"idempotencyKey"`
	SchemaVersion  int       `json:"schemaVersion"`
}

// Payload is implemented by every concrete event payload type.
type Payload interface {
	EventName() string
}

// Event is an immutable domain fact: a typed payload plus its metadata.
type Event struct {
	Payload Payload
	Meta    Metadata
}

// EventName returns the payload's event name.
func (e Event) EventName() string {
	return e.Payload.EventName()
}

// CommandMeta carries the request-scoped identifiers a command stamps
// into the events it emits. Now is the single clock read for the whole
// command; the fold never consults a clock.
type CommandMeta struct {
	CorrelationID string
	CausationID   string
	Actor         string
	Now           time.Time
}

// newMetadata builds fresh event metadata for an emission. The version is
// filled in by the aggregate as the event is applied.
func newMetadata(aggregateID string, cmd CommandMeta) Metadata {
	return Metadata{
		EventID:        uuid.NewString(),
		AggregateID:    aggregateID,
		CorrelationID:  cmd.CorrelationID,
		CausationID:    cmd.CausationID,
		Actor:          cmd.Actor,
		OccurredAt:     cmd.Now.UTC(),
		IdempotencyKey: uuid.NewString(),
		SchemaVersion:  CurrentSchemaVersion,
	}
}

// --- Payloads ---

// WaitingQueueCreated is the creation event of a queue aggregate.
type WaitingQueueCreated struct {
	QueueName   string `json:"queueName"`
	MaxCapacity int    `json:"maxCapacity"`
}

func (WaitingQueueCreated) EventName() string { return EventNameWaitingQueueCreated }

// PatientCheckedIn records a patient entering the queue at reception.
type PatientCheckedIn struct {
	PatientID        string    `json:"patientId"`
	PatientName      string    `json:"patientName"`
	Priority         Priority  `json:"priority"`
	ConsultationType string    `json:"consultationType"`
	CheckInTime      time.Time `json:"checkInTime"`
	QueuePosition    int       `json:"queuePosition"`
	Notes            string    `json:"notes,omitempty"`
}

func (PatientCheckedIn) EventName() string { return EventNamePatientCheckedIn }

// PatientCalledAtCashier records the cashier calling the next patient.
type PatientCalledAtCashier struct {
	PatientID string    `json:"patientId"`
	CalledAt  time.Time `json:"calledAt"`
}

func (PatientCalledAtCashier) EventName() string { return EventNamePatientCalledAtCashier }

// PatientPaymentValidated records a successful payment; the patient moves
// on to the consultation wait.
type PatientPaymentValidated struct {
	PatientID   string    `json:"patientId"`
	ValidatedAt time.Time `json:"validatedAt"`
}

func (PatientPaymentValidated) EventName() string { return EventNamePatientPaymentValidated }

// PatientPaymentPending records a failed/deferred payment attempt.
// Attempt is the cumulative attempt count after this event.
type PatientPaymentPending struct {
	PatientID string `json:"patientId"`
	Attempt   int    `json:"attempt"`
	Reason    string `json:"reason,omitempty"`
}

func (PatientPaymentPending) EventName() string { return EventNamePatientPaymentPending }

// PatientMarkedAbsentAtCashier records a no-show at the cashier call.
// Retry is the cumulative absence count after this event.
type PatientMarkedAbsentAtCashier struct {
	PatientID string `json:"patientId"`
	Retry     int    `json:"retry"`
}

func (PatientMarkedAbsentAtCashier) EventName() string { return EventNamePatientMarkedAbsentAtCashier }

// PatientReEnqueuedAtCashier returns an absent patient to the cashier
// wait, keeping the original queue position.
type PatientReEnqueuedAtCashier struct {
	PatientID string `json:"patientId"`
}

func (PatientReEnqueuedAtCashier) EventName() string { return EventNamePatientReEnqueuedAtCashier }

// PatientCancelledByPayment terminates the patient on the payment path
// (attempt/absence limits exceeded, or an explicit cancellation).
type PatientCancelledByPayment struct {
	PatientID string `json:"patientId"`
	Reason    string `json:"reason,omitempty"`
}

func (PatientCancelledByPayment) EventName() string { return EventNamePatientCancelledByPayment }

// ConsultingRoomActivated registers a consulting room as attending.
type ConsultingRoomActivated struct {
	RoomID string `json:"roomId"`
}

func (ConsultingRoomActivated) EventName() string { return EventNameConsultingRoomActivated }

// ConsultingRoomDeactivated removes a consulting room from the registry.
type ConsultingRoomDeactivated struct {
	RoomID string `json:"roomId"`
}

func (ConsultingRoomDeactivated) EventName() string { return EventNameConsultingRoomDeactivated }

// PatientClaimedForAttention records a consulting room claiming the next
// patient waiting for consultation.
type PatientClaimedForAttention struct {
	PatientID string    `json:"patientId"`
	StationID string    `json:"stationId"`
	ClaimedAt time.Time `json:"claimedAt"`
}

func (PatientClaimedForAttention) EventName() string { return EventNamePatientClaimedForAttention }

// PatientCalledToConsultation records a (re-)announcement of a claimed or
// previously absent patient.
type PatientCalledToConsultation struct {
	PatientID string    `json:"patientId"`
	StationID string    `json:"stationId"`
	CalledAt  time.Time `json:"calledAt"`
}

func (PatientCalledToConsultation) EventName() string { return EventNamePatientCalledToConsultation }

// ConsultationStarted records the patient entering the consulting room.
type ConsultationStarted struct {
	PatientID string    `json:"patientId"`
	StationID string    `json:"stationId"`
	StartedAt time.Time `json:"startedAt"`
}

func (ConsultationStarted) EventName() string { return EventNameConsultationStarted }

// ConsultationCompleted records the end of a medical attention.
type ConsultationCompleted struct {
	PatientID   string    `json:"patientId"`
	StationID   string    `json:"stationId"`
	Outcome     string    `json:"outcome"`
	Notes       string    `json:"notes,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

func (ConsultationCompleted) EventName() string { return EventNameConsultationCompleted }

// PatientMarkedAbsentAtConsultation records a no-show at the consultation
// call. Retry is the cumulative absence count after this event.
type PatientMarkedAbsentAtConsultation struct {
	PatientID string `json:"patientId"`
	Retry     int    `json:"retry"`
}

func (PatientMarkedAbsentAtConsultation) EventName() string {
	return EventNamePatientMarkedAbsentAtConsultation
}

// PatientCancelledByAbsence terminates the patient after repeated
// consultation absences.
type PatientCancelledByAbsence struct {
	PatientID string `json:"patientId"`
}

func (PatientCancelledByAbsence) EventName() string { return EventNamePatientCancelledByAbsence }
