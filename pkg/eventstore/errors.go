package eventstore

import "errors"

var (
	// ErrNotFound is returned when an aggregate has no events.
	ErrNotFound = errors.New("aggregate not found")

	// ErrConcurrencyConflict is returned when the aggregate was modified
	// between load and save. The caller may reload and retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrUnknownEventType is returned when the registry has no type for
	// an event name.
	ErrUnknownEventType = errors.New("unknown event type")
)
