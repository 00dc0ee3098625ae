package gateway

import (
	"errors"
	"fmt"
	"time"
)

// ErrAllGatewaysSkipped is returned by a first selection pass that attempted
// nothing because every gateway failed recently. Get reacts to it by entering
// the retry loop.
var ErrAllGatewaysSkipped = errors.New("all gateways skipped due to recent failures")

// ConfigError reports an invalid pool parameter
type ConfigError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("gateway config: %s=%v %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("gateway config: %s %s", e.Field, e.Reason)
}

// TransportError reports a connect, channel or send failure on one gateway
type TransportError struct {
	Op        string
	Gateway   int
	Endpoint  string
	Err       error
	Timestamp time.Time
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway %d (%s) %s failed: %v", e.Gateway, e.Endpoint, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is a gateway transport failure
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsConfigError reports whether err is a configuration error
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsRetryable reports whether selecting again later could succeed
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAllGatewaysSkipped) || IsTransportError(err)
}
