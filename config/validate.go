package config

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/glimte/wlmreply/gateway"
)

// Validate checks that all required fields are set and values are valid.
// Field errors are *gateway.ConfigError with the YAML path as Field.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportAMQP, TransportNATS, TransportMemory:
	default:
		return &gateway.ConfigError{Field: "transport.kind", Value: c.Transport.Kind, Reason: "must be amqp, nats or memory"}
	}
	if c.Transport.ConnectTimeout < 0 {
		return &gateway.ConfigError{Field: "transport.connect_timeout", Value: c.Transport.ConnectTimeout, Reason: "must not be negative"}
	}
	if c.Transport.PrefetchCount < 0 {
		return &gateway.ConfigError{Field: "transport.prefetch_count", Value: c.Transport.PrefetchCount, Reason: "must not be negative"}
	}

	if err := c.Gateway.Validate(); err != nil {
		var ce *gateway.ConfigError
		if errors.As(err, &ce) {
			return &gateway.ConfigError{Field: "gateway." + ce.Field, Value: ce.Value, Reason: ce.Reason}
		}
		return err
	}

	if c.Requests.Timeout <= 0 {
		return &gateway.ConfigError{Field: "requests.timeout", Value: c.Requests.Timeout, Reason: "must be positive"}
	}
	if c.Requests.BindWaitTimeout < 0 {
		return &gateway.ConfigError{Field: "requests.bind_wait_timeout", Value: c.Requests.BindWaitTimeout, Reason: "must not be negative"}
	}
	if c.Requests.ReplyTo == "" {
		return &gateway.ConfigError{Field: "requests.reply_to", Reason: "is required"}
	}
	if c.Requests.Priority > 9 {
		return &gateway.ConfigError{Field: "requests.priority", Value: c.Requests.Priority, Reason: "must be between 0 and 9"}
	}
	switch c.Requests.OrphanPolicy {
	case OrphanReject, OrphanDiscard:
	default:
		return &gateway.ConfigError{Field: "requests.orphan_policy", Value: c.Requests.OrphanPolicy, Reason: "must be reject or discard"}
	}

	if c.Listener.ReconnectDelay <= 0 {
		return &gateway.ConfigError{Field: "listener.reconnect_delay", Value: c.Listener.ReconnectDelay, Reason: "must be positive"}
	}
	if c.Listener.MaxReconnectDelay < c.Listener.ReconnectDelay {
		return &gateway.ConfigError{Field: "listener.max_reconnect_delay", Value: c.Listener.MaxReconnectDelay, Reason: "must not be below reconnect_delay"}
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return &gateway.ConfigError{Field: "log.level", Value: c.Log.Level, Reason: err.Error()}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return &gateway.ConfigError{Field: "log.format", Value: c.Log.Format, Reason: "must be text or json"}
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return &gateway.ConfigError{Field: "metrics.path", Value: c.Metrics.Path, Reason: "must start with /"}
	}
	if !strings.HasPrefix(c.Metrics.HealthPath, "/") {
		return &gateway.ConfigError{Field: "metrics.health_path", Value: c.Metrics.HealthPath, Reason: "must start with /"}
	}
	return nil
}

// ParseLevel parses a log level name
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(s))
	return level, err
}
