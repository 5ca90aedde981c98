package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turnohealth/turnera/pkg/domain"
	"github.com/turnohealth/turnera/pkg/eventstore"
	"github.com/turnohealth/turnera/pkg/projection"
	"github.com/turnohealth/turnera/pkg/services"
)

// ErrorResponse is the uniform error envelope of the API.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// respondError maps an error to its HTTP status and writes the envelope.
func respondError(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, ErrorResponse{
		Error:         code,
		Message:       err.Error(),
		CorrelationID: CorrelationID(c),
	})
}

// classify picks the status and stable error code for an error.
// Domain rule violations are client errors; capacity is 422 so callers
// can distinguish "full" from "invalid"; version conflicts are 409 and
// retryable.
func classify(err error) (int, string) {
	if de, ok := domain.AsDomainError(err); ok {
		if de.Kind == domain.KindQueueAtCapacity {
			return http.StatusUnprocessableEntity, string(de.Kind)
		}
		return http.StatusBadRequest, string(de.Kind)
	}
	switch {
	case errors.Is(err, services.ErrQueueNotFound),
		errors.Is(err, eventstore.ErrNotFound),
		errors.Is(err, projection.ErrViewNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, services.ErrQueueAlreadyExists):
		return http.StatusConflict, "AlreadyExists"
	case errors.Is(err, eventstore.ErrConcurrencyConflict):
		return http.StatusConflict, "ConcurrencyConflict"
	default:
		return http.StatusInternalServerError, "Internal"
	}
}

// respondBadRequest writes a 400 for malformed request bodies.
func respondBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:         "InvalidRequest",
		Message:       err.Error(),
		CorrelationID: CorrelationID(c),
	})
}
