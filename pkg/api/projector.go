package api

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/turnohealth/turnera/pkg/metrics"
	"github.com/turnohealth/turnera/pkg/projection"
)

// ProjectorServer is the admin surface of the projector process:
// health, metrics and the projection rebuild trigger.
type ProjectorServer struct {
	engine *projection.Engine
	source projection.EventSource
	reset  func(ctx context.Context, tx *sql.Tx) error
	db     *sql.DB

	rebuilding atomic.Bool
	http       *http.Server
}

// NewProjectorServer creates the projector admin server.
func NewProjectorServer(port string, engine *projection.Engine, source projection.EventSource, reset func(ctx context.Context, tx *sql.Tx) error, db *sql.DB) *ProjectorServer {
	s := &ProjectorServer{engine: engine, source: source, reset: reset, db: db}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), CorrelationMiddleware(), LoggingMiddleware())

	router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	router.GET("/health/ready", s.ready)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.POST("/api/v1/projections/:projectionID/rebuild", s.rebuild)
	router.GET("/api/v1/projections/:projectionID/checkpoint", s.checkpoint)

	s.http = &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves HTTP until shut down.
func (s *ProjectorServer) Run() error {
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *ProjectorServer) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *ProjectorServer) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// rebuild accepts the request and replays asynchronously: the reset and
// full replay can take minutes on a long event log.
func (s *ProjectorServer) rebuild(c *gin.Context) {
	projectionID := c.Param("projectionID")
	if projectionID != s.engine.ProjectionID() {
		respondError(c, projection.ErrViewNotFound)
		return
	}
	if !s.rebuilding.CompareAndSwap(false, true) {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:         "RebuildInProgress",
			Message:       "a rebuild is already running",
			CorrelationID: CorrelationID(c),
		})
		return
	}

	go func() {
		defer s.rebuilding.Store(false)
		if err := s.engine.Rebuild(context.Background(), s.source, s.reset); err != nil {
			slog.Error("Projection rebuild failed", "projection_id", projectionID, "error", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"projectionId": projectionID, "status": "rebuilding"})
}

func (s *ProjectorServer) checkpoint(c *gin.Context) {
	if c.Param("projectionID") != s.engine.ProjectionID() {
		respondError(c, projection.ErrViewNotFound)
		return
	}
	cp, err := s.engine.LoadCheckpoint(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"projectionId":     cp.ProjectionID,
		"lastEventVersion": cp.LastEventVersion,
		"lastGlobalSeq":    cp.LastGlobalSeq,
		"status":           cp.Status,
		"checkpointedAt":   cp.CheckpointedAt,
	})
}
