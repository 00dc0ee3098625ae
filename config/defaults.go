package config

import (
	"time"

	"github.com/glimte/wlmreply/correlator"
	"github.com/glimte/wlmreply/gateway"
)

// Default values for optional configuration fields.
const (
	DefaultTransport         = TransportAMQP
	DefaultConnectTimeout    = 30 * time.Second
	DefaultClientName        = "wlmreply"
	DefaultPrefetchCount     = 10
	DefaultQueueGroup        = "wlm"
	DefaultRequestTimeout    = 30 * time.Second
	DefaultReplyQueue        = "wlm.replies"
	DefaultOrphanPolicy      = OrphanReject
	DefaultReconnectDelay    = 1 * time.Second
	DefaultMaxReconnectDelay = 5 * time.Minute
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultMetricsAddr       = ":9090"
	DefaultMetricsPath       = "/metrics"
	DefaultHealthPath        = "/health"
	DefaultMetricsNamespace  = "wlmreply"
)

func (c *Config) applyDefaults() {
	// Transport defaults
	if c.Transport.Kind == "" {
		c.Transport.Kind = DefaultTransport
	}
	if c.Transport.ConnectTimeout == 0 {
		c.Transport.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Transport.ClientName == "" {
		c.Transport.ClientName = DefaultClientName
	}
	if c.Transport.PrefetchCount == 0 {
		c.Transport.PrefetchCount = DefaultPrefetchCount
	}
	if c.Transport.QueueGroup == "" {
		c.Transport.QueueGroup = DefaultQueueGroup
	}

	// Gateway defaults
	if c.Gateway.PoolKey == "" {
		c.Gateway.PoolKey = gateway.DefaultPoolKey
	}
	if c.Gateway.InitialDelay == 0 {
		c.Gateway.InitialDelay = gateway.DefaultInitialDelay
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = gateway.DefaultTimeout
	}
	if c.Gateway.FailedGatewayRetry == 0 {
		c.Gateway.FailedGatewayRetry = gateway.DefaultFailedGatewayRetry
	}

	// Request defaults
	if c.Requests.Timeout == 0 {
		c.Requests.Timeout = DefaultRequestTimeout
	}
	if c.Requests.ReplyTo == "" {
		c.Requests.ReplyTo = DefaultReplyQueue
	}
	if c.Requests.BindWaitTimeout == 0 {
		c.Requests.BindWaitTimeout = correlator.DefaultBindWaitTimeout
	}
	if c.Requests.OrphanPolicy == "" {
		c.Requests.OrphanPolicy = DefaultOrphanPolicy
	}

	// Listener defaults
	if c.Listener.ReconnectDelay == 0 {
		c.Listener.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Listener.MaxReconnectDelay == 0 {
		c.Listener.MaxReconnectDelay = DefaultMaxReconnectDelay
	}

	// Logging and metrics defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Metrics.HealthPath == "" {
		c.Metrics.HealthPath = DefaultHealthPath
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultMetricsNamespace
	}
}
