package api

// CreateQueueRequest creates a waiting queue.
type CreateQueueRequest struct {
	QueueID     string `json:"queueId" binding:"required"`
	QueueName   string `json:"queueName" binding:"required"`
	MaxCapacity int    `json:"maxCapacity" binding:"required"`
}

// CheckInRequest registers a patient at reception.
type CheckInRequest struct {
	PatientID        string `json:"patientId" binding:"required"`
	PatientName      string `json:"patientName" binding:"required"`
	Priority         string `json:"priority"`
	ConsultationType string `json:"consultationType" binding:"required"`
	Notes            string `json:"notes"`
}

// ReasonRequest carries an optional free-text reason.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// ClaimNextRequest claims the next consultation patient for a station.
type ClaimNextRequest struct {
	StationID string `json:"stationId" binding:"required"`
}

// CompleteAttentionRequest finishes a consultation.
type CompleteAttentionRequest struct {
	Outcome string `json:"outcome" binding:"required"`
	Notes   string `json:"notes"`
}
