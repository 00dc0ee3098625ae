package transport

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DeliveryMode mirrors the AMQP delivery mode values
type DeliveryMode uint8

const (
	// NonPersistent messages may be lost if the broker restarts
	NonPersistent DeliveryMode = 1
	// Persistent messages survive a broker restart
	Persistent DeliveryMode = 2
)

func (m DeliveryMode) String() string {
	switch m {
	case NonPersistent:
		return "non-persistent"
	case Persistent:
		return "persistent"
	default:
		return fmt.Sprintf("delivery-mode(%d)", uint8(m))
	}
}

// AckMode controls how a channel acknowledges consumed messages
type AckMode int

const (
	// AutoAck acknowledges on delivery
	AutoAck AckMode = iota
	// ClientAck requires the consumer to acknowledge
	ClientAck
)

// Endpoint identifies one backend gateway
type Endpoint struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

func (e Endpoint) String() string {
	if e.Name != "" {
		return e.Name
	}
	return SanitizeURL(e.URL)
}

// Destination is a queue, or an exchange plus routing key
type Destination struct {
	Exchange string `yaml:"exchange"`
	Name     string `yaml:"name"`
}

// Queue returns a destination addressing a queue by name
func Queue(name string) Destination {
	return Destination{Name: name}
}

// IsZero reports whether no destination has been set
func (d Destination) IsZero() bool {
	return d.Exchange == "" && d.Name == ""
}

func (d Destination) String() string {
	if d.Exchange == "" {
		return d.Name
	}
	return d.Exchange + "/" + d.Name
}

// ParseDestination parses the String form of a Destination
func ParseDestination(s string) Destination {
	if i := strings.IndexByte(s, '/'); i > 0 {
		return Destination{Exchange: s[:i], Name: s[i+1:]}
	}
	return Destination{Name: s}
}

// Message is the unit exchanged with the messaging fabric.
// An empty CorrelationID means the message carries no correlation key.
type Message struct {
	ID            string
	CorrelationID string
	ReplyTo       *Destination
	DeliveryMode  DeliveryMode
	Priority      uint8
	Expiration    time.Time
	Timestamp     time.Time
	ContentType   string
	Headers       map[string]interface{}
	Body          []byte
	Redelivered   bool
}

// HasCorrelationID reports whether the message carries a correlation key
func (m *Message) HasCorrelationID() bool {
	return m != nil && m.CorrelationID != ""
}

// TimeToLive returns the remaining lifetime of the message relative to now.
// A zero return with ok=false means the message never expires.
func (m *Message) TimeToLive(now time.Time) (ttl time.Duration, ok bool) {
	if m.Expiration.IsZero() {
		return 0, false
	}
	return m.Expiration.Sub(now), true
}

// SendOptions carries the per-send delivery parameters
type SendOptions struct {
	DeliveryMode DeliveryMode
	Priority     uint8
	// TimeToLive of zero means the message does not expire
	TimeToLive time.Duration
}

// Handler processes one inbound message. A non-nil error is a processing
// failure and engages the transport's redelivery behavior.
type Handler func(ctx context.Context, msg *Message) error

// Sender sends messages on an open channel
type Sender interface {
	// Send transmits msg and returns the message identity assigned by the transport
	Send(ctx context.Context, msg *Message, opts SendOptions) (string, error)
}

// Channel is a send channel bound to a destination
type Channel interface {
	Sender

	// Commit commits sends made on a transactional channel
	Commit() error

	// Rollback discards sends made on a transactional channel
	Rollback() error

	// Close releases the channel
	Close() error
}

// Subscription is an active consumer
type Subscription interface {
	// Done is closed when the consumer stops, for any reason
	Done() <-chan struct{}

	// Err returns the reason the consumer stopped, if it stopped on its own
	Err() error

	// Close stops the consumer
	Close() error
}

// Connection is an open connection to one backend gateway
type Connection interface {
	// OpenChannel opens a send channel to destination
	OpenChannel(ctx context.Context, destination Destination, transactional bool, ackMode AckMode) (Channel, error)

	// Consume delivers every message arriving on source to handler
	Consume(ctx context.Context, source Destination, handler Handler) (Subscription, error)

	// Close closes the connection and everything opened on it
	Close() error
}

// Transport opens connections to backend gateways
type Transport interface {
	Connect(ctx context.Context, endpoint Endpoint) (Connection, error)
}
