package correlator

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTimeout is returned when a reply wait is given a non-positive timeout
	ErrInvalidTimeout = errors.New("correlator: timeout must be positive")
	// ErrAlreadyCompleted is returned when waiting on, or completing, a completed request
	ErrAlreadyCompleted = errors.New("correlator: request already completed")
	// ErrAlreadyBound is returned when binding a correlation id a second time
	ErrAlreadyBound = errors.New("correlator: correlation id already bound")
	// ErrDuplicateCorrelationID is returned when the transport reuses a message identity
	ErrDuplicateCorrelationID = errors.New("correlator: correlation id bound to another in-flight request")
	// ErrNotRegistered is returned when binding a request that has been released
	ErrNotRegistered = errors.New("correlator: request not registered")

	// ErrNoCorrelationID means a reply arrived without a correlation id
	ErrNoCorrelationID = errors.New("correlator: reply has no correlation id")
	// ErrNoMatchingRequest means no in-flight request matched a reply
	ErrNoMatchingRequest = errors.New("correlator: no in-flight request matches reply")
)

// OrphanError reports a reply that could not be handed to any requester
type OrphanError struct {
	CorrelationID string
	MessageID     string
	Reason        error
	Timestamp     time.Time
}

func (e *OrphanError) Error() string {
	return fmt.Sprintf("invalid or orphaned reply message %s (correlation id %q): %v",
		e.MessageID, e.CorrelationID, e.Reason)
}

func (e *OrphanError) Unwrap() error {
	return e.Reason
}

// IsOrphan reports whether err reports an orphaned reply
func IsOrphan(err error) bool {
	var oe *OrphanError
	return errors.As(err, &oe)
}
