// Package domain implements the WaitingQueue aggregate: the per-patient
// workflow state machine of the hospital waiting room, reconstructed from
// its event history and mutated only through commands that emit events.
package domain

import (
	"sort"
	"strings"
	"time"
)

// Workflow limits. Hitting a limit emits the corresponding cancellation
// event in the same command.
const (
	MaxPaymentAttempts            = 3
	MaxCashierAbsenceRetries      = 2
	MaxConsultationAbsenceRetries = 1
)

// WaitingQueue is the aggregate root. All invariants of a queue hold
// after every command; state is only reachable by folding events.
type WaitingQueue struct {
	id             string
	name           string
	maxCapacity    int
	version        int64
	createdAt      time.Time
	lastModifiedAt time.Time

	patients     []*WaitingPatient // append order == check-in order
	nextPosition int

	currentCashierPatientID   string
	currentAttentionPatientID string
	activeRooms               map[string]bool

	uncommitted []Event
}

// CheckInRequest carries the reception check-in parameters.
type CheckInRequest struct {
	PatientID        string
	PatientName      string
	Priority         Priority
	ConsultationType string
	Notes            string
}

// NewWaitingQueue creates a queue aggregate, emitting WaitingQueueCreated.
func NewWaitingQueue(queueID, queueName string, maxCapacity int, cmd CommandMeta) (*WaitingQueue, error) {
	if strings.TrimSpace(queueID) == "" {
		return nil, NewError(KindEmptyQueueName, "queue id must not be empty")
	}
	if strings.TrimSpace(queueName) == "" {
		return nil, NewError(KindEmptyQueueName, "queue name must not be empty")
	}
	if maxCapacity <= 0 {
		return nil, NewError(KindNonPositiveCapacity, "max capacity must be positive, got %d", maxCapacity)
	}
	q := emptyQueue(queueID)
	q.emit(WaitingQueueCreated{QueueName: queueName, MaxCapacity: maxCapacity}, cmd)
	return q, nil
}

// FoldWaitingQueue rebuilds a queue aggregate from its event history in
// version order. The fold is pure: no clock, no I/O, deterministic.
func FoldWaitingQueue(history []Event) *WaitingQueue {
	if len(history) == 0 {
		return nil
	}
	q := emptyQueue(history[0].Meta.AggregateID)
	for _, e := range history {
		q.apply(e)
		q.version = e.Meta.Version
	}
	return q
}

func emptyQueue(id string) *WaitingQueue {
	return &WaitingQueue{
		id:          id,
		activeRooms: make(map[string]bool),
	}
}

// --- Accessors ---

// ID returns the queue identity.
func (q *WaitingQueue) ID() string { return q.id }

// Name returns the queue display name.
func (q *WaitingQueue) Name() string { return q.name }

// MaxCapacity returns the configured patient capacity.
func (q *WaitingQueue) MaxCapacity() int { return q.maxCapacity }

// Version is the aggregate version after the last applied event.
func (q *WaitingQueue) Version() int64 { return q.version }

// CreatedAt returns the creation time recorded by the creation event.
func (q *WaitingQueue) CreatedAt() time.Time { return q.createdAt }

// LastModifiedAt returns the occurrence time of the last applied event.
func (q *WaitingQueue) LastModifiedAt() time.Time { return q.lastModifiedAt }

// Patient returns a copy of the patient with the given id, if present.
func (q *WaitingQueue) Patient(patientID string) (*WaitingPatient, bool) {
	if p := q.find(patientID); p != nil {
		return p.clone(), true
	}
	return nil, false
}

// Patients returns copies of all patients in check-in order.
func (q *WaitingQueue) Patients() []*WaitingPatient {
	out := make([]*WaitingPatient, 0, len(q.patients))
	for _, p := range q.patients {
		out = append(out, p.clone())
	}
	return out
}

// ActivePatientCount counts patients whose lifecycle has not terminated.
func (q *WaitingQueue) ActivePatientCount() int {
	n := 0
	for _, p := range q.patients {
		if !p.State.IsTerminal() {
			n++
		}
	}
	return n
}

// CurrentCashierPatientID returns the patient currently at the cashier,
// or the empty string.
func (q *WaitingQueue) CurrentCashierPatientID() string { return q.currentCashierPatientID }

// CurrentAttentionPatientID returns the patient currently claimed, called
// or in consultation, or the empty string.
func (q *WaitingQueue) CurrentAttentionPatientID() string { return q.currentAttentionPatientID }

// ActiveConsultingRooms returns the ids of rooms currently attending.
func (q *WaitingQueue) ActiveConsultingRooms() []string {
	rooms := make([]string, 0, len(q.activeRooms))
	for id := range q.activeRooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}

// UncommittedEvents returns the events emitted since the last save.
func (q *WaitingQueue) UncommittedEvents() []Event {
	out := make([]Event, len(q.uncommitted))
	copy(out, q.uncommitted)
	return out
}

// ClearUncommitted discards the uncommitted event list after a save.
func (q *WaitingQueue) ClearUncommitted() {
	q.uncommitted = nil
}

// --- Commands ---

// CheckInPatient registers a patient at reception. Priority may be
// upgraded by the auto-prioritization rules (Gestante, Menor,
// Mayor-de-65 consultation types go to High).
func (q *WaitingQueue) CheckInPatient(req CheckInRequest, cmd CommandMeta) error {
	priority, err := ParsePriority(string(req.Priority))
	if err != nil {
		return err
	}
	ct := strings.TrimSpace(req.ConsultationType)
	if len(ct) < 2 || len(ct) > 100 {
		return NewError(KindInvalidConsultationType,
			"consultation type must be 2..100 characters, got %d", len(ct))
	}
	if p := q.find(req.PatientID); p != nil && !p.State.IsTerminal() {
		return NewError(KindDuplicatePatient,
			"patient %s is already in queue %s", req.PatientID, q.id)
	}
	if q.ActivePatientCount() >= q.maxCapacity {
		return NewError(KindQueueAtCapacity,
			"queue %s is at capacity (%d)", q.id, q.maxCapacity)
	}

	q.emit(PatientCheckedIn{
		PatientID:        req.PatientID,
		PatientName:      req.PatientName,
		Priority:         assignPriority(priority, ct),
		ConsultationType: ct,
		CheckInTime:      cmd.Now.UTC(),
		QueuePosition:    q.nextPosition,
		Notes:            req.Notes,
	}, cmd)
	return nil
}

// CallNextAtCashier selects the next waiting patient (priority tier, then
// check-in time, then queue position) and calls them to the cashier.
func (q *WaitingQueue) CallNextAtCashier(cmd CommandMeta) (string, error) {
	if q.currentCashierPatientID != "" {
		return "", NewError(KindInvalidStateTransition,
			"patient %s is already being attended at the cashier", q.currentCashierPatientID)
	}
	next := q.nextWaiting(func(p *WaitingPatient) bool { return p.waitingAtCashier() })
	if next == nil {
		return "", NewError(KindNoActivePatient, "no patients waiting at the cashier")
	}
	q.emit(PatientCalledAtCashier{PatientID: next.PatientID, CalledAt: cmd.Now.UTC()}, cmd)
	return next.PatientID, nil
}

// ValidatePayment confirms the current cashier patient's payment and
// moves them to the consultation wait.
func (q *WaitingQueue) ValidatePayment(patientID string, cmd CommandMeta) error {
	if _, err := q.cashierPatient(patientID); err != nil {
		return err
	}
	q.emit(PatientPaymentValidated{PatientID: patientID, ValidatedAt: cmd.Now.UTC()}, cmd)
	return nil
}

// MarkPaymentPending records a failed payment attempt. The third attempt
// cancels the patient on the payment path.
func (q *WaitingQueue) MarkPaymentPending(patientID, reason string, cmd CommandMeta) error {
	p := q.find(patientID)
	if p == nil {
		return NewError(KindNoActivePatient, "patient %s is not in queue %s", patientID, q.id)
	}
	switch p.State {
	case StateEnTaquilla, StatePagoPendiente:
	default:
		return NewError(KindInvalidStateTransition,
			"cannot mark payment pending for patient %s in state %s", patientID, p.State)
	}

	attempt := p.PaymentAttempts + 1
	q.emit(PatientPaymentPending{PatientID: patientID, Attempt: attempt, Reason: reason}, cmd)
	if attempt >= MaxPaymentAttempts {
		q.emit(PatientCancelledByPayment{
			PatientID: patientID,
			Reason:    "payment attempt limit reached",
		}, cmd)
	}
	return nil
}

// MarkAbsentAtCashier records a no-show at the cashier call. Below the
// retry limit the patient is re-enqueued; at the limit they are cancelled
// on the payment path.
func (q *WaitingQueue) MarkAbsentAtCashier(patientID string, cmd CommandMeta) error {
	p := q.find(patientID)
	if p == nil {
		return NewError(KindNoActivePatient, "patient %s is not in queue %s", patientID, q.id)
	}
	switch p.State {
	case StateEnTaquilla, StatePagoPendiente:
	default:
		return NewError(KindInvalidStateTransition,
			"cannot mark patient %s absent at cashier in state %s", patientID, p.State)
	}

	retry := p.CashierAbsenceRetries + 1
	q.emit(PatientMarkedAbsentAtCashier{PatientID: patientID, Retry: retry}, cmd)
	if retry >= MaxCashierAbsenceRetries {
		q.emit(PatientCancelledByPayment{
			PatientID: patientID,
			Reason:    "cashier absence limit reached",
		}, cmd)
		return nil
	}
	q.emit(PatientReEnqueuedAtCashier{PatientID: patientID}, cmd)
	return nil
}

// CancelByPayment explicitly cancels a patient on the payment path.
func (q *WaitingQueue) CancelByPayment(patientID, reason string, cmd CommandMeta) error {
	p := q.find(patientID)
	if p == nil {
		return NewError(KindNoActivePatient, "patient %s is not in queue %s", patientID, q.id)
	}
	switch p.State {
	case StatePagoPendiente, StateAusenteTaquilla, StateEnTaquilla:
	default:
		return NewError(KindInvalidStateTransition,
			"cannot cancel payment for patient %s in state %s", patientID, p.State)
	}
	if reason == "" {
		reason = "cancelled by cashier"
	}
	q.emit(PatientCancelledByPayment{PatientID: patientID, Reason: reason}, cmd)
	return nil
}

// ActivateConsultingRoom registers a room as attending. Activating an
// already-active room is a domain error.
func (q *WaitingQueue) ActivateConsultingRoom(roomID string, cmd CommandMeta) error {
	if q.activeRooms[roomID] {
		return NewError(KindConsultingRoomAlreadyActive, "consulting room %s is already active", roomID)
	}
	q.emit(ConsultingRoomActivated{RoomID: roomID}, cmd)
	return nil
}

// DeactivateConsultingRoom removes a room from the attending registry.
func (q *WaitingQueue) DeactivateConsultingRoom(roomID string, cmd CommandMeta) error {
	if !q.activeRooms[roomID] {
		return NewError(KindConsultingRoomAlreadyInactive, "consulting room %s is not active", roomID)
	}
	q.emit(ConsultingRoomDeactivated{RoomID: roomID}, cmd)
	return nil
}

// ClaimNextPatient selects the next patient waiting for consultation for
// the given station. The station must be an active consulting room, and
// only one patient may be in attention at a time.
func (q *WaitingQueue) ClaimNextPatient(stationID string, cmd CommandMeta) (string, error) {
	if !q.activeRooms[stationID] {
		return "", NewError(KindNoActiveConsultingRoom,
			"station %s is not an active consulting room", stationID)
	}
	if q.currentAttentionPatientID != "" {
		return "", NewError(KindInvalidStateTransition,
			"patient %s is already in attention", q.currentAttentionPatientID)
	}
	next := q.nextWaiting(func(p *WaitingPatient) bool { return p.State == StateEnEsperaConsulta })
	if next == nil {
		return "", NewError(KindNoActivePatient, "no patients waiting for consultation")
	}
	q.emit(PatientClaimedForAttention{
		PatientID: next.PatientID,
		StationID: stationID,
		ClaimedAt: cmd.Now.UTC(),
	}, cmd)
	return next.PatientID, nil
}

// CallPatient (re-)announces a claimed patient, or retries a patient who
// was absent at the consultation call.
func (q *WaitingQueue) CallPatient(patientID string, cmd CommandMeta) error {
	p := q.find(patientID)
	if p == nil {
		return NewError(KindNoActivePatient, "patient %s is not in queue %s", patientID, q.id)
	}
	switch p.State {
	case StateLlamadoConsulta:
	case StateAusenteConsulta:
		if q.currentAttentionPatientID != "" {
			return NewError(KindInvalidStateTransition,
				"patient %s is already in attention", q.currentAttentionPatientID)
		}
		if !q.activeRooms[p.ClaimingRoomID] {
			return NewError(KindNoActiveConsultingRoom,
				"station %s is not an active consulting room", p.ClaimingRoomID)
		}
	default:
		return NewError(KindInvalidStateTransition,
			"cannot call patient %s in state %s", patientID, p.State)
	}
	q.emit(PatientCalledToConsultation{
		PatientID: patientID,
		StationID: p.ClaimingRoomID,
		CalledAt:  cmd.Now.UTC(),
	}, cmd)
	return nil
}

// StartConsultation moves a called patient into the consulting room.
func (q *WaitingQueue) StartConsultation(patientID string, cmd CommandMeta) error {
	p := q.find(patientID)
	if p == nil {
		return NewError(KindNoActivePatient, "patient %s is not in queue %s", patientID, q.id)
	}
	if p.State != StateLlamadoConsulta {
		return NewError(KindInvalidStateTransition,
			"cannot start consultation for patient %s in state %s", patientID, p.State)
	}
	q.emit(ConsultationStarted{
		PatientID: patientID,
		StationID: p.ClaimingRoomID,
		StartedAt: cmd.Now.UTC(),
	}, cmd)
	return nil
}

// CompleteAttention finishes the consultation and terminates the
// patient's lifecycle in the queue.
func (q *WaitingQueue) CompleteAttention(patientID, outcome, notes string, cmd CommandMeta) error {
	p := q.find(patientID)
	if p == nil {
		return NewError(KindNoActivePatient, "patient %s is not in queue %s", patientID, q.id)
	}
	if p.State != StateEnConsulta {
		return NewError(KindInvalidStateTransition,
			"cannot complete attention for patient %s in state %s", patientID, p.State)
	}
	q.emit(ConsultationCompleted{
		PatientID:   patientID,
		StationID:   p.ClaimingRoomID,
		Outcome:     outcome,
		Notes:       notes,
		CompletedAt: cmd.Now.UTC(),
	}, cmd)
	return nil
}

// MarkAbsentAtConsultation records a no-show at the consultation call.
// The first absence allows a retry; the second cancels the patient.
func (q *WaitingQueue) MarkAbsentAtConsultation(patientID string, cmd CommandMeta) error {
	p := q.find(patientID)
	if p == nil {
		return NewError(KindNoActivePatient, "patient %s is not in queue %s", patientID, q.id)
	}
	if p.State != StateLlamadoConsulta {
		return NewError(KindInvalidStateTransition,
			"cannot mark patient %s absent at consultation in state %s", patientID, p.State)
	}
	retry := p.ConsultationAbsenceRetries + 1
	q.emit(PatientMarkedAbsentAtConsultation{PatientID: patientID, Retry: retry}, cmd)
	if retry > MaxConsultationAbsenceRetries {
		q.emit(PatientCancelledByAbsence{PatientID: patientID}, cmd)
	}
	return nil
}

// --- Selection ---

// nextWaiting returns the next selectable patient among those matching
// the filter: highest priority tier first, FIFO by check-in time within a
// tier, queue position as the deterministic tie-break.
func (q *WaitingQueue) nextWaiting(match func(*WaitingPatient) bool) *WaitingPatient {
	var candidates []*WaitingPatient
	for _, p := range q.patients {
		if match(p) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if !a.CheckInTime.Equal(b.CheckInTime) {
			return a.CheckInTime.Before(b.CheckInTime)
		}
		return a.QueuePosition < b.QueuePosition
	})
	return candidates[0]
}

// --- Internals ---

func (q *WaitingQueue) find(patientID string) *WaitingPatient {
	for _, p := range q.patients {
		if p.PatientID == patientID {
			return p
		}
	}
	return nil
}

// cashierPatient checks the patient is the one currently at the cashier.
func (q *WaitingQueue) cashierPatient(patientID string) (*WaitingPatient, error) {
	p := q.find(patientID)
	if p == nil {
		return nil, NewError(KindNoActivePatient, "patient %s is not in queue %s", patientID, q.id)
	}
	if p.State != StateEnTaquilla || q.currentCashierPatientID != patientID {
		return nil, NewError(KindInvalidStateTransition,
			"patient %s is not at the cashier (state %s)", patientID, p.State)
	}
	return p, nil
}

// emit stamps metadata, applies the event and appends it to the
// uncommitted list. The version after apply is the event's version.
func (q *WaitingQueue) emit(payload Payload, cmd CommandMeta) {
	e := Event{Payload: payload, Meta: newMetadata(q.id, cmd)}
	q.apply(e)
	q.version++
	e.Meta.Version = q.version
	q.uncommitted = append(q.uncommitted, e)
}

// apply is the single fold function: one arm per event type, pure state
// mutation, no validation. Validation happens in commands before emit.
func (q *WaitingQueue) apply(e Event) {
	q.lastModifiedAt = e.Meta.OccurredAt

	switch p := e.Payload.(type) {
	case WaitingQueueCreated:
		q.name = p.QueueName
		q.maxCapacity = p.MaxCapacity
		q.createdAt = e.Meta.OccurredAt

	case PatientCheckedIn:
		q.patients = append(q.patients, &WaitingPatient{
			PatientID:        p.PatientID,
			PatientName:      p.PatientName,
			Priority:         p.Priority,
			ConsultationType: p.ConsultationType,
			CheckInTime:      p.CheckInTime,
			QueuePosition:    p.QueuePosition,
			Notes:            p.Notes,
			State:            StateEnEsperaTaquilla,
		})
		if p.QueuePosition >= q.nextPosition {
			q.nextPosition = p.QueuePosition + 1
		}

	case PatientCalledAtCashier:
		if wp := q.find(p.PatientID); wp != nil {
			wp.State = StateEnTaquilla
			q.currentCashierPatientID = p.PatientID
		}

	case PatientPaymentValidated:
		if wp := q.find(p.PatientID); wp != nil {
			// PagoValidado is a pass-through: the validated patient
			// immediately joins the consultation wait.
			wp.State = StateEnEsperaConsulta
			q.clearCashier(p.PatientID)
		}

	case PatientPaymentPending:
		if wp := q.find(p.PatientID); wp != nil {
			wp.State = StatePagoPendiente
			wp.PaymentAttempts = p.Attempt
			q.clearCashier(p.PatientID)
		}

	case PatientMarkedAbsentAtCashier:
		if wp := q.find(p.PatientID); wp != nil {
			wp.State = StateAusenteTaquilla
			wp.CashierAbsenceRetries = p.Retry
			q.clearCashier(p.PatientID)
		}

	case PatientReEnqueuedAtCashier:
		if wp := q.find(p.PatientID); wp != nil {
			wp.State = StateEnEsperaTaquilla
		}

	case PatientCancelledByPayment:
		if wp := q.find(p.PatientID); wp != nil {
			wp.State = StateCanceladoPorPago
			q.clearCashier(p.PatientID)
		}

	case ConsultingRoomActivated:
		q.activeRooms[p.RoomID] = true

	case ConsultingRoomDeactivated:
		delete(q.activeRooms, p.RoomID)

	case PatientClaimedForAttention:
		if wp := q.find(p.PatientID); wp != nil {
			wp.State = StateLlamadoConsulta
			wp.ClaimingRoomID = p.StationID
			q.currentAttentionPatientID = p.PatientID
		}

	case PatientCalledToConsultation:
		if wp := q.find(p.PatientID); wp != nil {
			wp.State = StateLlamadoConsulta
			q.currentAttentionPatientID = p.PatientID
		}

	case ConsultationStarted:
		if wp := q.find(p.PatientID); wp != nil {
			wp.State = StateEnConsulta
		}

	case ConsultationCompleted:
		if wp := q.find(p.PatientID); wp != nil {
			wp.State = StateFinalizado
			q.clearAttention(p.PatientID)
		}

	case PatientMarkedAbsentAtConsultation:
		if wp := q.find(p.PatientID); wp != nil {
			wp.State = StateAusenteConsulta
			wp.ConsultationAbsenceRetries = p.Retry
			q.clearAttention(p.PatientID)
		}

	case PatientCancelledByAbsence:
		if wp := q.find(p.PatientID); wp != nil {
			wp.State = StateCanceladoPorAusencia
			q.clearAttention(p.PatientID)
		}
	}
}

func (q *WaitingQueue) clearCashier(patientID string) {
	if q.currentCashierPatientID == patientID {
		q.currentCashierPatientID = ""
	}
}

func (q *WaitingQueue) clearAttention(patientID string) {
	if q.currentAttentionPatientID == patientID {
		q.currentAttentionPatientID = ""
	}
}
