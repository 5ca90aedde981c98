package services

import "errors"

// Service-level sentinels, mapped to HTTP statuses by the API layer.
var (
	// ErrQueueNotFound means the queue aggregate has no events.
	ErrQueueNotFound = errors.New("waiting queue not found")

	// ErrQueueAlreadyExists means a creation targeted an existing queue id.
	ErrQueueAlreadyExists = errors.New("waiting queue already exists")
)
