package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// correlationHeader carries the request correlation id. Generated when
// the caller does not provide one, echoed back on every response and
// stamped into the metadata of every event the request emits.
const correlationHeader = "X-Correlation-Id"

const correlationKey = "correlationID"

// CorrelationID returns the request's correlation id.
func CorrelationID(c *gin.Context) string {
	return c.GetString(correlationKey)
}

// CorrelationMiddleware assigns or propagates the correlation id.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := lo.Ternary(c.GetHeader(correlationHeader) != "",
			c.GetHeader(correlationHeader), uuid.NewString())
		c.Set(correlationKey, id)
		c.Header(correlationHeader, id)
		c.Next()
	}
}

// LoggingMiddleware logs one line per request with latency and status.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"correlation_id", CorrelationID(c))
	}
}
