package config

import (
	"time"

	"github.com/glimte/wlmreply/gateway"
	"github.com/glimte/wlmreply/transport"
)

// Transport kinds
const (
	TransportAMQP   = "amqp"
	TransportNATS   = "nats"
	TransportMemory = "memory"
)

// Orphan policies
const (
	OrphanReject  = "reject"
	OrphanDiscard = "discard"
)

// Config is the top-level configuration of a wlmreply client or service
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Gateway   gateway.Config  `yaml:"gateway"`
	Requests  RequestsConfig  `yaml:"requests"`
	Responder ResponderConfig `yaml:"responder"`
	Listener  ListenerConfig  `yaml:"listener"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// TransportConfig selects and tunes the messaging transport
type TransportConfig struct {
	Kind           string        `yaml:"kind"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ClientName     string        `yaml:"client_name"`

	// AMQP only
	PrefetchCount  int  `yaml:"prefetch_count"`
	SkipQueueCheck bool `yaml:"skip_queue_check"`

	// NATS only
	QueueGroup string `yaml:"queue_group"`
}

// RequestsConfig controls the requesting side
type RequestsConfig struct {
	// Destination requests are sent to
	Destination transport.Destination `yaml:"destination"`
	// ReplyTo is the queue replies come back on, consumed on every gateway
	ReplyTo         string        `yaml:"reply_to"`
	Timeout         time.Duration `yaml:"timeout"`
	UseExpiry       bool          `yaml:"use_expiry"`
	Persistent      bool          `yaml:"persistent"`
	Priority        uint8         `yaml:"priority"`
	BindWaitTimeout time.Duration `yaml:"bind_wait_timeout"`
	OrphanPolicy    string        `yaml:"orphan_policy"`
}

// ResponderConfig controls the service side
type ResponderConfig struct {
	Queue        string                `yaml:"queue"`
	DefaultReply transport.Destination `yaml:"default_reply"`
}

// ListenerConfig tunes consumer reconnects
type ListenerConfig struct {
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the metrics and health HTTP endpoint
type MetricsConfig struct {
	Addr       string `yaml:"addr"`
	Path       string `yaml:"path"`
	HealthPath string `yaml:"health_path"`
	Namespace  string `yaml:"namespace"`
}

// Default returns a config with every default applied and no endpoints
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
