package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turnohealth/turnera/pkg/domain"
	"github.com/turnohealth/turnera/pkg/services"
)

// actorHeader optionally identifies the operator issuing the command.
const actorHeader = "X-Actor"

func (s *Server) requestMeta(c *gin.Context) services.RequestMeta {
	return services.RequestMeta{
		CorrelationID: CorrelationID(c),
		CausationID:   CorrelationID(c),
		Actor:         c.GetHeader(actorHeader),
	}
}

// CreateQueue handles POST /api/v1/waiting-room.
func (s *Server) CreateQueue(c *gin.Context) {
	var req CreateQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	if err := s.commands.CreateQueue(c.Request.Context(), req.QueueID, req.QueueName, req.MaxCapacity, s.requestMeta(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"queueId": req.QueueID})
}

// CheckInPatient handles POST /api/v1/waiting-room/:queueID/patients.
func (s *Server) CheckInPatient(c *gin.Context) {
	var req CheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	err := s.commands.CheckInPatient(c.Request.Context(), c.Param("queueID"), domain.CheckInRequest{
		PatientID:        req.PatientID,
		PatientName:      req.PatientName,
		Priority:         domain.Priority(req.Priority),
		ConsultationType: req.ConsultationType,
		Notes:            req.Notes,
	}, s.requestMeta(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"patientId": req.PatientID})
}

// CallNextAtCashier handles POST .../cashier/call-next.
func (s *Server) CallNextAtCashier(c *gin.Context) {
	patientID, err := s.commands.CallNextAtCashier(c.Request.Context(), c.Param("queueID"), s.requestMeta(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"patientId": patientID})
}

// ValidatePayment handles POST .../cashier/patients/:patientID/validate-payment.
func (s *Server) ValidatePayment(c *gin.Context) {
	err := s.commands.ValidatePayment(c.Request.Context(), c.Param("queueID"), c.Param("patientID"), s.requestMeta(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MarkPaymentPending handles POST .../cashier/patients/:patientID/payment-pending.
func (s *Server) MarkPaymentPending(c *gin.Context) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		respondBadRequest(c, err)
		return
	}
	err := s.commands.MarkPaymentPending(c.Request.Context(), c.Param("queueID"), c.Param("patientID"), req.Reason, s.requestMeta(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MarkAbsentAtCashier handles POST .../cashier/patients/:patientID/absent.
func (s *Server) MarkAbsentAtCashier(c *gin.Context) {
	err := s.commands.MarkAbsentAtCashier(c.Request.Context(), c.Param("queueID"), c.Param("patientID"), s.requestMeta(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CancelByPayment handles POST .../cashier/patients/:patientID/cancel.
func (s *Server) CancelByPayment(c *gin.Context) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		respondBadRequest(c, err)
		return
	}
	err := s.commands.CancelByPayment(c.Request.Context(), c.Param("queueID"), c.Param("patientID"), req.Reason, s.requestMeta(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ActivateRoom handles POST .../consulting-room/:roomID/activate.
func (s *Server) ActivateRoom(c *gin.Context) {
	err := s.commands.ActivateConsultingRoom(c.Request.Context(), c.Param("queueID"), c.Param("roomID"), s.requestMeta(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeactivateRoom handles POST .../consulting-room/:roomID/deactivate.
func (s *Server) DeactivateRoom(c *gin.Context) {
	err := s.commands.DeactivateConsultingRoom(c.Request.Context(), c.Param("queueID"), c.Param("roomID"), s.requestMeta(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ClaimNextPatient handles POST .../attention/claim-next.
func (s *Server) ClaimNextPatient(c *gin.Context) {
	var req ClaimNextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	patientID, err := s.commands.ClaimNextPatient(c.Request.Context(), c.Param("queueID"), req.StationID, s.requestMeta(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"patientId": patientID, "stationId": req.StationID})
}

// CallPatient handles POST .../attention/patients/:patientID/call.
func (s *Server) CallPatient(c *gin.Context) {
	err := s.commands.CallPatient(c.Request.Context(), c.Param("queueID"), c.Param("patientID"), s.requestMeta(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StartConsultation handles POST .../attention/patients/:patientID/start.
func (s *Server) StartConsultation(c *gin.Context) {
	err := s.commands.StartConsultation(c.Request.Context(), c.Param("queueID"), c.Param("patientID"), s.requestMeta(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CompleteAttention handles POST .../attention/patients/:patientID/complete.
func (s *Server) CompleteAttention(c *gin.Context) {
	var req CompleteAttentionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	err := s.commands.CompleteAttention(c.Request.Context(), c.Param("queueID"), c.Param("patientID"), req.Outcome, req.Notes, s.requestMeta(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MarkAbsentAtConsultation handles POST .../attention/patients/:patientID/absent.
func (s *Server) MarkAbsentAtConsultation(c *gin.Context) {
	err := s.commands.MarkAbsentAtConsultation(c.Request.Context(), c.Param("queueID"), c.Param("patientID"), s.requestMeta(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
