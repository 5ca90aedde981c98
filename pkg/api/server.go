// Package api is the HTTP surface of the waiting-room service: command
// endpoints for reception, cashier and medical stations, plus query
// endpoints over the projected views.
package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/turnohealth/turnera/pkg/metrics"
	"github.com/turnohealth/turnera/pkg/services"
)

// Server wires the HTTP routes to the application services.
type Server struct {
	commands *services.CommandService
	queries  *services.QueryService
	db       *sql.DB

	http *http.Server
}

// NewServer creates the API server listening on the given port.
func NewServer(port string, commands *services.CommandService, queries *services.QueryService, db *sql.DB) *Server {
	s := &Server{commands: commands, queries: queries, db: db}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), CorrelationMiddleware(), LoggingMiddleware())
	s.routes(router)

	s.http = &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(router *gin.Engine) {
	router.GET("/health/live", s.Live)
	router.GET("/health/ready", s.Ready)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/api/v1")

	v1.POST("/waiting-room", s.CreateQueue)
	queue := v1.Group("/waiting-room/:queueID")

	// Reception
	queue.POST("/patients", s.CheckInPatient)

	// Cashier
	queue.POST("/cashier/call-next", s.CallNextAtCashier)
	queue.POST("/cashier/patients/:patientID/validate-payment", s.ValidatePayment)
	queue.POST("/cashier/patients/:patientID/payment-pending", s.MarkPaymentPending)
	queue.POST("/cashier/patients/:patientID/absent", s.MarkAbsentAtCashier)
	queue.POST("/cashier/patients/:patientID/cancel", s.CancelByPayment)

	// Medical stations
	queue.POST("/consulting-room/:roomID/activate", s.ActivateRoom)
	queue.POST("/consulting-room/:roomID/deactivate", s.DeactivateRoom)
	queue.POST("/attention/claim-next", s.ClaimNextPatient)
	queue.POST("/attention/patients/:patientID/call", s.CallPatient)
	queue.POST("/attention/patients/:patientID/start", s.StartConsultation)
	queue.POST("/attention/patients/:patientID/complete", s.CompleteAttention)
	queue.POST("/attention/patients/:patientID/absent", s.MarkAbsentAtConsultation)

	// Views
	queue.GET("/monitor", s.Monitor)
	queue.GET("/queue-state", s.QueueState)
	queue.GET("/next-turn", s.NextTurn)
	queue.GET("/recent-history", s.History)

	v1.GET("/lag/statistics", s.LagStatistics)
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves HTTP until the server is shut down.
func (s *Server) Run() error {
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Live is the liveness probe.
func (s *Server) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Ready is the readiness probe; it verifies database connectivity.
func (s *Server) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
