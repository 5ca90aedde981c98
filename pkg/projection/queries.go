package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrViewNotFound is returned when a view has no row for the requested
// queue.
var ErrViewNotFound = errors.New("view row not found")

// MonitorView is the operational dashboard row of one queue. Waiting
// counts, average wait and utilization are computed at read time from
// the live patient list, so they are always current without per-event
// recomputation.
type MonitorView struct {
	QueueID              string     `json:"queueId"`
	QueueName            string     `json:"queueName"`
	MaxCapacity          int        `json:"maxCapacity"`
	ActivePatients       int        `json:"activePatients"`
	ActiveRooms          int        `json:"activeRooms"`
	TotalPatientsWaiting int        `json:"totalPatientsWaiting"`
	UrgentPriorityCount  int        `json:"urgentPriorityCount"`
	HighPriorityCount    int        `json:"highPriorityCount"`
	MediumPriorityCount  int        `json:"mediumPriorityCount"`
	LowPriorityCount     int        `json:"lowPriorityCount"`
	LastCheckInTime      *time.Time `json:"lastCheckInTime,omitempty"`
	AverageWaitMinutes   float64    `json:"averageWaitMinutes"`
	UtilizationPercent   float64    `json:"utilizationPercent"`
	CreatedAt            time.Time  `json:"createdAt"`
	LastUpdatedAt        time.Time  `json:"lastUpdatedAt"`
}

// PatientView is one row of the live patient list, ordered the same way
// the aggregate selects the next patient.
type PatientView struct {
	PatientID        string    `json:"patientId"`
	PatientName      string    `json:"patientName"`
	Priority         string    `json:"priority"`
	ConsultationType string    `json:"consultationType"`
	CheckInTime      time.Time `json:"checkInTime"`
	QueuePosition    int       `json:"queuePosition"`
	State            string    `json:"state"`
	StationID        string    `json:"stationId,omitempty"`
	Notes            string    `json:"notes,omitempty"`
}

// NextTurnView is the public announcement board: the patient currently
// called to a consulting room.
type NextTurnView struct {
	QueueID     string    `json:"queueId"`
	PatientID   string    `json:"patientId"`
	PatientName string    `json:"patientName"`
	Priority    string    `json:"priority"`
	StationID   string    `json:"stationId"`
	CalledAt    time.Time `json:"calledAt"`
	State       string    `json:"state"`
}

// HistoryView is one completed attention.
type HistoryView struct {
	PatientID   string    `json:"patientId"`
	PatientName string    `json:"patientName"`
	StationID   string    `json:"stationId"`
	Outcome     string    `json:"outcome"`
	Notes       string    `json:"notes,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// Queries reads the queue views.
type Queries struct {
	db *sql.DB
}

// NewQueries creates the view reader.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// waitingStates are the per-patient states that count toward the
// monitor's waiting totals.
const waitingStates = `('EnEsperaTaquilla', 'EnEsperaConsulta')`

// Monitor loads the dashboard row of a queue.
func (q *Queries) Monitor(ctx context.Context, queueID string) (MonitorView, error) {
	var v MonitorView
	err := q.db.QueryRowContext(ctx,
		`SELECT m.queue_id, m.queue_name, m.max_capacity, m.active_patients, m.active_rooms,
		        w.total, w.urgent, w.high, w.medium, w.low, w.last_check_in,
		        COALESCE((SELECT AVG(EXTRACT(EPOCH FROM (now() - p.check_in_time)) / 60)
		                  FROM view_queue_patients p WHERE p.queue_id = m.queue_id), 0),
		        m.created_at, m.last_updated_at
		 FROM view_queue_monitor m,
		      LATERAL (
		        SELECT COUNT(*)                                          AS total,
		               COUNT(*) FILTER (WHERE p.priority = 'Urgent')     AS urgent,
		               COUNT(*) FILTER (WHERE p.priority = 'High')       AS high,
		               COUNT(*) FILTER (WHERE p.priority = 'Medium')     AS medium,
		               COUNT(*) FILTER (WHERE p.priority = 'Low')        AS low,
		               MAX(p.check_in_time)                              AS last_check_in
		        FROM view_queue_patients p
		        WHERE p.queue_id = m.queue_id AND p.state IN `+waitingStates+`
		      ) w
		 WHERE m.queue_id = $1`,
		queueID,
	).Scan(&v.QueueID, &v.QueueName, &v.MaxCapacity, &v.ActivePatients, &v.ActiveRooms,
		&v.TotalPatientsWaiting, &v.UrgentPriorityCount, &v.HighPriorityCount,
		&v.MediumPriorityCount, &v.LowPriorityCount, &v.LastCheckInTime,
		&v.AverageWaitMinutes, &v.CreatedAt, &v.LastUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MonitorView{}, ErrViewNotFound
	}
	if err != nil {
		return MonitorView{}, fmt.Errorf("loading monitor view for %s: %w", queueID, err)
	}
	if v.MaxCapacity > 0 {
		v.UtilizationPercent = float64(v.ActivePatients) / float64(v.MaxCapacity) * 100
	}
	return v, nil
}

// QueueState loads the live patient list in attention order: priority
// tier first, then check-in time, then queue position.
func (q *Queries) QueueState(ctx context.Context, queueID string) ([]PatientView, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT patient_id, patient_name, priority, consultation_type,
		        check_in_time, queue_position, state, station_id, notes
		 FROM view_queue_patients
		 WHERE queue_id = $1
		 ORDER BY priority_rank DESC, check_in_time ASC, queue_position ASC`,
		queueID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading queue state for %s: %w", queueID, err)
	}
	defer rows.Close()

	var out []PatientView
	for rows.Next() {
		var v PatientView
		if err := rows.Scan(&v.PatientID, &v.PatientName, &v.Priority, &v.ConsultationType,
			&v.CheckInTime, &v.QueuePosition, &v.State, &v.StationID, &v.Notes); err != nil {
			return nil, fmt.Errorf("scanning patient view row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queue state for %s: %w", queueID, err)
	}
	return out, nil
}

// NextTurn loads the announcement board entry of a queue.
func (q *Queries) NextTurn(ctx context.Context, queueID string) (NextTurnView, error) {
	var v NextTurnView
	err := q.db.QueryRowContext(ctx,
		`SELECT queue_id, patient_id, patient_name, priority, station_id, called_at, state
		 FROM view_next_turn WHERE queue_id = $1`,
		queueID,
	).Scan(&v.QueueID, &v.PatientID, &v.PatientName, &v.Priority, &v.StationID, &v.CalledAt, &v.State)
	if errors.Is(err, sql.ErrNoRows) {
		return NextTurnView{}, ErrViewNotFound
	}
	if err != nil {
		return NextTurnView{}, fmt.Errorf("loading next turn for %s: %w", queueID, err)
	}
	return v, nil
}

// History loads the most recent completed attentions of a queue, newest
// first.
func (q *Queries) History(ctx context.Context, queueID string, limit int) ([]HistoryView, error) {
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT patient_id, patient_name, station_id, outcome, notes, completed_at
		 FROM view_attention_history
		 WHERE queue_id = $1
		 ORDER BY completed_at DESC, id DESC
		 LIMIT $2`,
		queueID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("loading attention history for %s: %w", queueID, err)
	}
	defer rows.Close()

	var out []HistoryView
	for rows.Next() {
		var v HistoryView
		if err := rows.Scan(&v.PatientID, &v.PatientName, &v.StationID, &v.Outcome, &v.Notes, &v.CompletedAt); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attention history for %s: %w", queueID, err)
	}
	return out, nil
}
