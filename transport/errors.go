package transport

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// ErrConnectionClosed is returned when using a connection that has been closed
	ErrConnectionClosed = errors.New("transport: connection is closed")
	// ErrChannelClosed is returned when using a channel that has been closed
	ErrChannelClosed = errors.New("transport: channel is closed")
	// ErrNotTransactional is returned by Commit or Rollback on a non-transactional channel
	ErrNotTransactional = errors.New("transport: channel is not transactional")
	// ErrInvalidDestination is returned when a destination cannot be used
	ErrInvalidDestination = errors.New("transport: invalid destination")
)

// Error represents a connect, channel or send failure against one backend
type Error struct {
	Op        string // connect, open channel, send, consume
	Endpoint  string // sanitized endpoint
	Err       error
	Timestamp time.Time
}

// NewError builds an Error stamped with the current time
func NewError(op string, endpoint Endpoint, err error) *Error {
	return &Error{
		Op:        op,
		Endpoint:  endpoint.String(),
		Err:       err,
		Timestamp: time.Now(),
	}
}

func (e *Error) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("transport error: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport error: %s on %s failed: %v", e.Op, e.Endpoint, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is, or wraps, a transport Error
func IsTransportError(err error) bool {
	var te *Error
	return errors.As(err, &te)
}

// RootCause returns the innermost error in err's Unwrap chain
func RootCause(err error) error {
	for err != nil {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
	return nil
}

// SanitizeURL removes credentials from connection URLs
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
