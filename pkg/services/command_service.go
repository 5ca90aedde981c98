// Package services is the application layer: commands load the
// aggregate from the event log, invoke a domain command and save the
// emitted events; queries read the projected views.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/turnohealth/turnera/pkg/domain"
	"github.com/turnohealth/turnera/pkg/eventstore"
)

// CommandService executes waiting-room commands against the event store.
// Every command is one load-mutate-save cycle; concurrency conflicts
// surface to the caller as eventstore.ErrConcurrencyConflict.
type CommandService struct {
	store *eventstore.Store
	now   func() time.Time
}

// NewCommandService creates the command service. now defaults to
// time.Now when nil.
func NewCommandService(store *eventstore.Store, now func() time.Time) *CommandService {
	if now == nil {
		now = time.Now
	}
	return &CommandService{store: store, now: now}
}

// RequestMeta identifies the caller and request for event metadata.
type RequestMeta struct {
	CorrelationID string
	CausationID   string
	Actor         string
}

func (s *CommandService) commandMeta(req RequestMeta) domain.CommandMeta {
	return domain.CommandMeta{
		CorrelationID: req.CorrelationID,
		CausationID:   req.CausationID,
		Actor:         req.Actor,
		Now:           s.now(),
	}
}

// CreateQueue creates a new waiting queue aggregate.
func (s *CommandService) CreateQueue(ctx context.Context, queueID, queueName string, maxCapacity int, req RequestMeta) error {
	_, err := s.store.Load(ctx, queueID)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrQueueAlreadyExists, queueID)
	}
	if !errors.Is(err, eventstore.ErrNotFound) {
		return err
	}

	q, err := domain.NewWaitingQueue(queueID, queueName, maxCapacity, s.commandMeta(req))
	if err != nil {
		return err
	}
	if err := s.store.Save(ctx, q); err != nil {
		return err
	}
	slog.Info("Waiting queue created", "queue_id", queueID, "queue_name", queueName, "max_capacity", maxCapacity)
	return nil
}

// CheckInPatient registers a patient at reception.
func (s *CommandService) CheckInPatient(ctx context.Context, queueID string, checkIn domain.CheckInRequest, req RequestMeta) error {
	return s.execute(ctx, queueID, req, func(q *domain.WaitingQueue, cmd domain.CommandMeta) error {
		return q.CheckInPatient(checkIn, cmd)
	})
}

// CallNextAtCashier calls the next waiting patient to the cashier and
// returns the selected patient id.
func (s *CommandService) CallNextAtCashier(ctx context.Context, queueID string, req RequestMeta) (string, error) {
	var patientID string
	err := s.execute(ctx, queueID, req, func(q *domain.WaitingQueue, cmd domain.CommandMeta) error {
		id, err := q.CallNextAtCashier(cmd)
		patientID = id
		return err
	})
	return patientID, err
}

// ValidatePayment confirms the cashier patient's payment.
func (s *CommandService) ValidatePayment(ctx context.Context, queueID, patientID string, req RequestMeta) error {
	return s.execute(ctx, queueID, req, func(q *domain.WaitingQueue, cmd domain.CommandMeta) error {
		return q.ValidatePayment(patientID, cmd)
	})
}

// MarkPaymentPending records a failed payment attempt.
func (s *CommandService) MarkPaymentPending(ctx context.Context, queueID, patientID, reason string, req RequestMeta) error {
	return s.execute(ctx, queueID, req, func(q *domain.WaitingQueue, cmd domain.CommandMeta) error {
		return q.MarkPaymentPending(patientID, reason, cmd)
	})
}

// MarkAbsentAtCashier records a cashier no-show.
func (s *CommandService) MarkAbsentAtCashier(ctx context.Context, queueID, patientID string, req RequestMeta) error {
	return s.execute(ctx, queueID, req, func(q *domain.WaitingQueue, cmd domain.CommandMeta) error {
		return q.MarkAbsentAtCashier(patientID, cmd)
	})
}

// CancelByPayment explicitly cancels a patient on the payment path.
func (s *CommandService) CancelByPayment(ctx context.Context, queueID, patientID, reason string, req RequestMeta) error {
	return s.execute(ctx, queueID, req, func(q *domain.WaitingQueue, cmd domain.CommandMeta) error {
		return q.CancelByPayment(patientID, reason, cmd)
	})
}

// ActivateConsultingRoom registers a consulting room as attending.
func (s *CommandService) ActivateConsultingRoom(ctx context.Context, queueID, roomID string, req RequestMeta) error {
	return s.execute(ctx, queueID, req, func(q *domain.WaitingQueue, cmd domain.CommandMeta) error {
		return q.ActivateConsultingRoom(roomID, cmd)
	})
}

// DeactivateConsultingRoom removes a consulting room from the registry.
func (s *CommandService) DeactivateConsultingRoom(ctx context.Context, queueID, roomID string, req RequestMeta) error {
	return s.execute(ctx, queueID, req, func(q *domain.WaitingQueue, cmd domain.CommandMeta) error {
		return q.DeactivateConsultingRoom(roomID, cmd)
	})
}

// ClaimNextPatient claims the next consultation patient for a station
// and returns the selected patient id.
func (s *CommandService) ClaimNextPatient(ctx context.Context, queueID, stationID string, req RequestMeta) (string, error) {
	var patientID string
	err := s.execute(ctx, queueID, req, func(q *domain.WaitingQueue, cmd domain.CommandMeta) error {
		id, err := q.ClaimNextPatient(stationID, cmd)
		patientID = id
		return err
	})
	return patientID, err
}

// CallPatient (re-)announces a claimed or previously absent patient.
func (s *CommandService) CallPatient(ctx context.Context, queueID, patientID string, req RequestMeta) error {
	return s.execute(ctx, queueID, req, func(q *domain.WaitingQueue, cmd domain.CommandMeta) error {
		return q.CallPatient(patientID, cmd)
	})
}

// StartConsultation moves a called patient into the consulting room.
func (s *CommandService) StartConsultation(ctx context.Context, queueID, patientID string, req RequestMeta) error {
	return s.execute(ctx, queueID, req, func(q *domain.WaitingQueue, cmd domain.CommandMeta) error {
		return q.StartConsultation(patientID, cmd)
	})
}

// CompleteAttention finishes the consultation.
func (s *CommandService) CompleteAttention(ctx context.Context, queueID, patientID, outcome, notes string, req RequestMeta) error {
	return s.execute(ctx, queueID, req, func(q *domain.WaitingQueue, cmd domain.CommandMeta) error {
		return q.CompleteAttention(patientID, outcome, notes, cmd)
	})
}

// MarkAbsentAtConsultation records a consultation no-show.
func (s *CommandService) MarkAbsentAtConsultation(ctx context.Context, queueID, patientID string, req RequestMeta) error {
	return s.execute(ctx, queueID, req, func(q *domain.WaitingQueue, cmd domain.CommandMeta) error {
		return q.MarkAbsentAtConsultation(patientID, cmd)
	})
}

// execute runs one load-mutate-save cycle. The domain command sees a
// fully folded aggregate; the save enforces optimistic concurrency.
func (s *CommandService) execute(ctx context.Context, queueID string, req RequestMeta, mutate func(*domain.WaitingQueue, domain.CommandMeta) error) error {
	q, err := s.store.Load(ctx, queueID)
	if errors.Is(err, eventstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, queueID)
	}
	if err != nil {
		return err
	}

	if err := mutate(q, s.commandMeta(req)); err != nil {
		return err
	}
	return s.store.Save(ctx, q)
}
