package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/turnohealth/turnera/pkg/projection"
)

// Monitor handles GET /api/v1/waiting-room/:queueID/monitor.
func (s *Server) Monitor(c *gin.Context) {
	v, err := s.queries.Monitor(c.Request.Context(), c.Param("queueID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// QueueState handles GET /api/v1/waiting-room/:queueID/queue-state.
func (s *Server) QueueState(c *gin.Context) {
	patients, err := s.queries.QueueState(c.Request.Context(), c.Param("queueID"))
	if err != nil {
		respondError(c, err)
		return
	}
	if patients == nil {
		patients = []projection.PatientView{}
	}
	c.JSON(http.StatusOK, gin.H{"queueId": c.Param("queueID"), "patients": patients})
}

// NextTurn handles GET /api/v1/waiting-room/:queueID/next-turn. An
// empty board is a 404, same as an unknown queue.
func (s *Server) NextTurn(c *gin.Context) {
	v, err := s.queries.NextTurn(c.Request.Context(), c.Param("queueID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// History handles GET /api/v1/waiting-room/:queueID/recent-history.
func (s *Server) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	history, err := s.queries.History(c.Request.Context(), c.Param("queueID"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if history == nil {
		history = []projection.HistoryView{}
	}
	c.JSON(http.StatusOK, gin.H{"queueId": c.Param("queueID"), "history": history})
}

// LagStatistics handles GET /api/v1/lag/statistics.
func (s *Server) LagStatistics(c *gin.Context) {
	var from, to *time.Time
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondBadRequest(c, err)
			return
		}
		from = &t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondBadRequest(c, err)
			return
		}
		to = &t
	}

	stats, err := s.queries.LagStatistics(c.Request.Context(), c.Query("eventName"), from, to)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
