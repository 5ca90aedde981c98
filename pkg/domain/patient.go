package domain

import (
	"strings"
	"time"
)

// Priority is the attention priority tier of a waiting patient.
type Priority string

// Priority tiers, highest first.
const (
	PriorityUrgent Priority = "Urgent"
	PriorityHigh   Priority = "High"
	PriorityMedium Priority = "Medium"
	PriorityLow    Priority = "Low"
)

// ParsePriority validates a priority string. An empty string defaults to
// Medium (the "Normal" tier).
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(s), nil
	case "":
		return PriorityMedium, nil
	default:
		return "", NewError(KindInvalidPriority, "unknown priority %q", s)
	}
}

// Rank returns the selection rank of the priority; higher ranks are
// attended first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Consultation types that auto-prioritize the patient to High regardless
// of the requested priority (Urgent requests are never downgraded).
var autoHighConsultationTypes = map[string]bool{
	"gestante":    true,
	"menor":       true,
	"mayor-de-65": true,
	"mayor de 65": true,
}

// assignPriority applies the auto-prioritization rules to the requested
// priority based on the consultation type.
func assignPriority(requested Priority, consultationType string) Priority {
	if requested == PriorityUrgent {
		return requested
	}
	if autoHighConsultationTypes[strings.ToLower(strings.TrimSpace(consultationType))] {
		return PriorityHigh
	}
	return requested
}

// PatientState is the per-patient workflow state within a queue.
type PatientState string

// Patient workflow states. Names follow the operational vocabulary of the
// waiting room (reception, cashier/taquilla, consultation).
const (
	StateRegistrado           PatientState = "Registrado"
	StateEnEsperaTaquilla     PatientState = "EnEsperaTaquilla"
	StateEnTaquilla           PatientState = "EnTaquilla"
	StatePagoValidado         PatientState = "PagoValidado"
	StatePagoPendiente        PatientState = "PagoPendiente"
	StateAusenteTaquilla      PatientState = "AusenteTaquilla"
	StateEnEsperaConsulta     PatientState = "EnEsperaConsulta"
	StateLlamadoConsulta      PatientState = "LlamadoConsulta"
	StateEnConsulta           PatientState = "EnConsulta"
	StateAusenteConsulta      PatientState = "AusenteConsulta"
	StateFinalizado           PatientState = "Finalizado"
	StateCanceladoPorPago     PatientState = "CanceladoPorPago"
	StateCanceladoPorAusencia PatientState = "CanceladoPorAusencia"
)

// IsTerminal reports whether the state ends the patient's lifecycle in
// the queue. Terminal patients do not count against capacity and their
// patient id may be reused for a new check-in.
func (s PatientState) IsTerminal() bool {
	switch s {
	case StateFinalizado, StateCanceladoPorPago, StateCanceladoPorAusencia:
		return true
	default:
		return false
	}
}

// WaitingPatient is an entity inside the WaitingQueue aggregate,
// identified by its patient id within the queue.
type WaitingPatient struct {
	PatientID        string
	PatientName      string
	Priority         Priority
	ConsultationType string
	CheckInTime      time.Time
	QueuePosition    int
	Notes            string
	State            PatientState

	PaymentAttempts            int
	CashierAbsenceRetries      int
	ConsultationAbsenceRetries int
	ClaimingRoomID             string
}

// waitingAtCashier reports whether the patient can be selected by a
// cashier call-next (initial wait, re-enqueued after absence, or awaiting
// a payment retry).
func (p *WaitingPatient) waitingAtCashier() bool {
	return p.State == StateEnEsperaTaquilla || p.State == StatePagoPendiente
}

// clone returns a copy so callers cannot mutate aggregate internals.
func (p *WaitingPatient) clone() *WaitingPatient {
	cp := *p
	return &cp
}
