package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/turnohealth/turnera/pkg/domain"
)

// historyLimit bounds the attention history retained per queue.
const historyLimit = 100

// QueueViewsID is the projection id of the built-in queue views.
const QueueViewsID = "queue_views"

// NewQueueViewsEngine builds the engine maintaining the four queue read
// models: monitor, patient list, next turn and attention history.
func NewQueueViewsEngine(db *sql.DB, lagTracker LagRecorder) *Engine {
	en := NewEngine(QueueViewsID, db, lagTracker)

	en.Handle(domain.EventNameWaitingQueueCreated, onQueueCreated)
	en.Handle(domain.EventNamePatientCheckedIn, onPatientCheckedIn)
	en.Handle(domain.EventNamePatientCalledAtCashier, onCalledAtCashier)
	en.Handle(domain.EventNamePatientPaymentValidated, onPaymentValidated)
	en.Handle(domain.EventNamePatientPaymentPending, onPaymentPending)
	en.Handle(domain.EventNamePatientMarkedAbsentAtCashier, onAbsentAtCashier)
	en.Handle(domain.EventNamePatientReEnqueuedAtCashier, onReEnqueued)
	en.Handle(domain.EventNamePatientCancelledByPayment, onCancelled)
	en.Handle(domain.EventNameConsultingRoomActivated, onRoomActivated)
	en.Handle(domain.EventNameConsultingRoomDeactivated, onRoomDeactivated)
	en.Handle(domain.EventNamePatientClaimedForAttention, onClaimed)
	en.Handle(domain.EventNamePatientCalledToConsultation, onCalledToConsultation)
	en.Handle(domain.EventNameConsultationStarted, onConsultationStarted)
	en.Handle(domain.EventNameConsultationCompleted, onConsultationCompleted)
	en.Handle(domain.EventNamePatientMarkedAbsentAtConsultation, onAbsentAtConsultation)
	en.Handle(domain.EventNamePatientCancelledByAbsence, onCancelledByAbsence)

	return en
}

// ResetQueueViews truncates the queue view tables; used by Rebuild.
func ResetQueueViews(ctx context.Context, tx *sql.Tx) error {
	for _, table := range []string{
		"view_queue_monitor", "view_queue_patients", "view_next_turn", "view_attention_history",
	} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("truncating %s: %w", table, err)
		}
	}
	return nil
}

func onQueueCreated(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	p := e.Payload.(domain.WaitingQueueCreated)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO view_queue_monitor
		   (queue_id, queue_name, max_capacity, active_patients, active_rooms, created_at, last_updated_at)
		 VALUES ($1, $2, $3, 0, 0, $4, $4)
		 ON CONFLICT (queue_id) DO UPDATE
		 SET queue_name = EXCLUDED.queue_name,
		     max_capacity = EXCLUDED.max_capacity,
		     last_updated_at = EXCLUDED.last_updated_at`,
		e.Meta.AggregateID, p.QueueName, p.MaxCapacity, e.Meta.OccurredAt,
	)
	return err
}

func onPatientCheckedIn(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	p := e.Payload.(domain.PatientCheckedIn)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO view_queue_patients
		   (queue_id, patient_id, patient_name, priority, priority_rank, consultation_type,
		    check_in_time, queue_position, state, station_id, notes, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '', $10, $11)
		 ON CONFLICT (queue_id, patient_id) DO UPDATE
		 SET patient_name = EXCLUDED.patient_name,
		     priority = EXCLUDED.priority,
		     priority_rank = EXCLUDED.priority_rank,
		     consultation_type = EXCLUDED.consultation_type,
		     check_in_time = EXCLUDED.check_in_time,
		     queue_position = EXCLUDED.queue_position,
		     state = EXCLUDED.state,
		     station_id = '',
		     notes = EXCLUDED.notes,
		     updated_at = EXCLUDED.updated_at`,
		e.Meta.AggregateID, p.PatientID, p.PatientName, string(p.Priority), p.Priority.Rank(),
		p.ConsultationType, p.CheckInTime, p.QueuePosition, string(domain.StateEnEsperaTaquilla),
		p.Notes, e.Meta.OccurredAt,
	)
	if err != nil {
		return err
	}
	return adjustActivePatients(ctx, tx, e.Meta.AggregateID, +1, e)
}

func onCalledAtCashier(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	p := e.Payload.(domain.PatientCalledAtCashier)
	return setPatientState(ctx, tx, e, p.PatientID, domain.StateEnTaquilla)
}

func onPaymentValidated(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	p := e.Payload.(domain.PatientPaymentValidated)
	return setPatientState(ctx, tx, e, p.PatientID, domain.StateEnEsperaConsulta)
}

func onPaymentPending(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	p := e.Payload.(domain.PatientPaymentPending)
	return setPatientState(ctx, tx, e, p.PatientID, domain.StatePagoPendiente)
}

func onAbsentAtCashier(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	p := e.Payload.(domain.PatientMarkedAbsentAtCashier)
	return setPatientState(ctx, tx, e, p.PatientID, domain.StateAusenteTaquilla)
}

func onReEnqueued(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	p := e.Payload.(domain.PatientReEnqueuedAtCashier)
	return setPatientState(ctx, tx, e, p.PatientID, domain.StateEnEsperaTaquilla)
}

func onCancelled(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	p := e.Payload.(domain.PatientCancelledByPayment)
	return removePatient(ctx, tx, e, p.PatientID)
}

func onRoomActivated(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE view_queue_monitor
		 SET active_rooms = active_rooms + 1, last_updated_at = $2
		 WHERE queue_id = $1`,
		e.Meta.AggregateID, e.Meta.OccurredAt,
	)
	return err
}

func onRoomDeactivated(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE view_queue_monitor
		 SET active_rooms = GREATEST(active_rooms - 1, 0), last_updated_at = $2
		 WHERE queue_id = $1`,
		e.Meta.AggregateID, e.Meta.OccurredAt,
	)
	return err
}

func onClaimed(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	p := e.Payload.(domain.PatientClaimedForAttention)
	if err := setPatientStation(ctx, tx, e, p.PatientID, domain.StateLlamadoConsulta, p.StationID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO view_next_turn (queue_id, patient_id, patient_name, priority, station_id, called_at, state)
		 SELECT $1, $2, patient_name, priority, $3, $4, $5
		 FROM view_queue_patients WHERE queue_id = $1 AND patient_id = $2
		 ON CONFLICT (queue_id) DO UPDATE
		 SET patient_id = EXCLUDED.patient_id,
		     patient_name = EXCLUDED.patient_name,
		     priority = EXCLUDED.priority,
		     station_id = EXCLUDED.station_id,
		     called_at = EXCLUDED.called_at,
		     state = EXCLUDED.state`,
		e.Meta.AggregateID, p.PatientID, p.StationID, p.ClaimedAt, string(domain.StateLlamadoConsulta),
	)
	return err
}

func onCalledToConsultation(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	p := e.Payload.(domain.PatientCalledToConsultation)
	if err := setPatientStation(ctx, tx, e, p.PatientID, domain.StateLlamadoConsulta, p.StationID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO view_next_turn (queue_id, patient_id, patient_name, priority, station_id, called_at, state)
		 SELECT $1, $2, patient_name, priority, $3, $4, $5
		 FROM view_queue_patients WHERE queue_id = $1 AND patient_id = $2
		 ON CONFLICT (queue_id) DO UPDATE
		 SET patient_id = EXCLUDED.patient_id,
		     patient_name = EXCLUDED.patient_name,
		     priority = EXCLUDED.priority,
		     station_id = EXCLUDED.station_id,
		     called_at = EXCLUDED.called_at,
		     state = EXCLUDED.state`,
		e.Meta.AggregateID, p.PatientID, p.StationID, p.CalledAt, string(domain.StateLlamadoConsulta),
	)
	return err
}

func onConsultationStarted(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	p := e.Payload.(domain.ConsultationStarted)
	if err := setPatientState(ctx, tx, e, p.PatientID, domain.StateEnConsulta); err != nil {
		return err
	}
	return clearNextTurn(ctx, tx, e.Meta.AggregateID, p.PatientID)
}

func onConsultationCompleted(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	p := e.Payload.(domain.ConsultationCompleted)

	_, err := tx.ExecContext(ctx,
		`INSERT INTO view_attention_history
		   (queue_id, patient_id, patient_name, station_id, outcome, notes, completed_at)
		 SELECT $1, $2, patient_name, $3, $4, $5, $6
		 FROM view_queue_patients WHERE queue_id = $1 AND patient_id = $2`,
		e.Meta.AggregateID, p.PatientID, p.StationID, p.Outcome, p.Notes, p.CompletedAt,
	)
	if err != nil {
		return err
	}
	if err := trimHistory(ctx, tx, e.Meta.AggregateID); err != nil {
		return err
	}
	if err := clearNextTurn(ctx, tx, e.Meta.AggregateID, p.PatientID); err != nil {
		return err
	}
	return removePatient(ctx, tx, e, p.PatientID)
}

func onAbsentAtConsultation(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	p := e.Payload.(domain.PatientMarkedAbsentAtConsultation)
	if err := setPatientState(ctx, tx, e, p.PatientID, domain.StateAusenteConsulta); err != nil {
		return err
	}
	return clearNextTurn(ctx, tx, e.Meta.AggregateID, p.PatientID)
}

func onCancelledByAbsence(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	p := e.Payload.(domain.PatientCancelledByAbsence)
	if err := clearNextTurn(ctx, tx, e.Meta.AggregateID, p.PatientID); err != nil {
		return err
	}
	return removePatient(ctx, tx, e, p.PatientID)
}

// --- Shared view mutations ---

func setPatientState(ctx context.Context, tx *sql.Tx, e domain.Event, patientID string, state domain.PatientState) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE view_queue_patients SET state = $3, updated_at = $4
		 WHERE queue_id = $1 AND patient_id = $2`,
		e.Meta.AggregateID, patientID, string(state), e.Meta.OccurredAt,
	)
	return err
}

func setPatientStation(ctx context.Context, tx *sql.Tx, e domain.Event, patientID string, state domain.PatientState, stationID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE view_queue_patients SET state = $3, station_id = $4, updated_at = $5
		 WHERE queue_id = $1 AND patient_id = $2`,
		e.Meta.AggregateID, patientID, string(state), stationID, e.Meta.OccurredAt,
	)
	return err
}

// removePatient drops a terminated patient from the live list and
// decrements the monitor count.
func removePatient(ctx context.Context, tx *sql.Tx, e domain.Event, patientID string) error {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM view_queue_patients WHERE queue_id = $1 AND patient_id = $2`,
		e.Meta.AggregateID, patientID,
	)
	if err != nil {
		return err
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return nil
	}
	return adjustActivePatients(ctx, tx, e.Meta.AggregateID, -1, e)
}

func adjustActivePatients(ctx context.Context, tx *sql.Tx, queueID string, delta int, e domain.Event) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE view_queue_monitor
		 SET active_patients = GREATEST(active_patients + $2, 0), last_updated_at = $3
		 WHERE queue_id = $1`,
		queueID, delta, e.Meta.OccurredAt,
	)
	return err
}

func clearNextTurn(ctx context.Context, tx *sql.Tx, queueID, patientID string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM view_next_turn WHERE queue_id = $1 AND patient_id = $2`,
		queueID, patientID,
	)
	return err
}

// trimHistory keeps only the newest rows per queue.
func trimHistory(ctx context.Context, tx *sql.Tx, queueID string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM view_attention_history
		 WHERE queue_id = $1 AND id NOT IN (
		   SELECT id FROM view_attention_history
		   WHERE queue_id = $1
		   ORDER BY completed_at DESC, id DESC
		   LIMIT $2
		 )`,
		queueID, historyLimit,
	)
	return err
}
