package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a domain rule violation.
type ErrorKind string

// Domain error kinds. Each maps to exactly one rejected operation class;
// the API layer translates kinds to HTTP status codes.
const (
	KindQueueAtCapacity               ErrorKind = "QueueAtCapacity"
	KindDuplicatePatient              ErrorKind = "DuplicatePatient"
	KindInvalidPriority               ErrorKind = "InvalidPriority"
	KindInvalidConsultationType       ErrorKind = "InvalidConsultationType"
	KindInvalidStateTransition        ErrorKind = "InvalidStateTransition"
	KindNoActivePatient               ErrorKind = "NoActivePatient"
	KindNoActiveConsultingRoom        ErrorKind = "NoActiveConsultingRoom"
	KindConsultingRoomAlreadyActive   ErrorKind = "ConsultingRoomAlreadyActive"
	KindConsultingRoomAlreadyInactive ErrorKind = "ConsultingRoomAlreadyInactive"
	KindEmptyQueueName                ErrorKind = "EmptyQueueName"
	KindNonPositiveCapacity           ErrorKind = "NonPositiveCapacity"
)

// Error is a domain rule violation raised by the WaitingQueue aggregate.
// It represents a rejected command, not a system failure: the aggregate
// state is unchanged and no event has been emitted.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError creates a domain error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsDomainError returns the domain error wrapped in err, if any.
func AsDomainError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsKind reports whether err is a domain error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	de, ok := AsDomainError(err)
	return ok && de.Kind == kind
}
