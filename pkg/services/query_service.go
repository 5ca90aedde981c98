package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/turnohealth/turnera/pkg/lag"
	"github.com/turnohealth/turnera/pkg/projection"
)

// QueryService answers read requests from the projected views. Reads
// never touch the event log; a queue that has not reached the projector
// yet is simply not found.
type QueryService struct {
	queries *projection.Queries
	lag     *lag.Tracker
}

// NewQueryService creates the query service. lagTracker may be nil,
// disabling lag statistics.
func NewQueryService(queries *projection.Queries, lagTracker *lag.Tracker) *QueryService {
	return &QueryService{queries: queries, lag: lagTracker}
}

// Monitor returns the operational dashboard of a queue.
func (s *QueryService) Monitor(ctx context.Context, queueID string) (projection.MonitorView, error) {
	v, err := s.queries.Monitor(ctx, queueID)
	if errors.Is(err, projection.ErrViewNotFound) {
		return projection.MonitorView{}, fmt.Errorf("%w: %s", ErrQueueNotFound, queueID)
	}
	return v, err
}

// QueueState returns the live patient list in attention order.
func (s *QueryService) QueueState(ctx context.Context, queueID string) ([]projection.PatientView, error) {
	if _, err := s.Monitor(ctx, queueID); err != nil {
		return nil, err
	}
	return s.queries.QueueState(ctx, queueID)
}

// NextTurn returns the announcement board entry, or ErrViewNotFound
// wrapped as queue-not-found when the queue itself is unknown.
func (s *QueryService) NextTurn(ctx context.Context, queueID string) (projection.NextTurnView, error) {
	v, err := s.queries.NextTurn(ctx, queueID)
	if errors.Is(err, projection.ErrViewNotFound) {
		if _, merr := s.Monitor(ctx, queueID); merr != nil {
			return projection.NextTurnView{}, merr
		}
		return projection.NextTurnView{}, projection.ErrViewNotFound
	}
	return v, err
}

// History returns the most recent completed attentions.
func (s *QueryService) History(ctx context.Context, queueID string, limit int) ([]projection.HistoryView, error) {
	if _, err := s.Monitor(ctx, queueID); err != nil {
		return nil, err
	}
	return s.queries.History(ctx, queueID, limit)
}

// LagStatistics summarizes pipeline lag for processed events.
func (s *QueryService) LagStatistics(ctx context.Context, eventName string, from, to *time.Time) (lag.Statistics, error) {
	if s.lag == nil {
		return lag.Statistics{}, errors.New("lag tracking is disabled")
	}
	return s.lag.Statistics(ctx, eventName, from, to)
}
