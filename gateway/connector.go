package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/wlmreply/transport"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// Target is what a bundle is opened for
type Target struct {
	Destination   transport.Destination
	Transactional bool
	AckMode       transport.AckMode
}

// Connector opens a connection and a channel on one gateway
type Connector struct {
	transport transport.Transport
	endpoints []transport.Endpoint
	logger    *slog.Logger
}

// NewConnector creates a connector over endpoints
func NewConnector(t transport.Transport, endpoints []transport.Endpoint, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	eps := make([]transport.Endpoint, len(endpoints))
	copy(eps, endpoints)
	return &Connector{
		transport: t,
		endpoints: eps,
		logger:    logger,
	}
}

// Size returns the number of gateways
func (c *Connector) Size() int {
	return len(c.endpoints)
}

// Endpoint returns the endpoint of gateway index
func (c *Connector) Endpoint(index int) transport.Endpoint {
	return c.endpoints[index]
}

// Open connects to gateway index and opens a channel for target. Either both
// are returned in a Bundle or neither is left open.
func (c *Connector) Open(ctx context.Context, index int, target Target) (*Bundle, error) {
	if index < 0 || index >= len(c.endpoints) {
		return nil, fmt.Errorf("gateway index %d out of range [0,%d)", index, len(c.endpoints))
	}
	endpoint := c.endpoints[index]

	conn, err := c.transport.Connect(ctx, endpoint)
	if err != nil {
		return nil, c.transportError("connect", index, err)
	}

	ch, err := conn.OpenChannel(ctx, target.Destination, target.Transactional, target.AckMode)
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			c.logger.Debug("closing connection after channel failure",
				"gateway", index,
				"error", closeErr)
		}
		return nil, c.transportError("open channel", index, err)
	}

	return &Bundle{
		index:    index,
		endpoint: endpoint,
		conn:     conn,
		channel:  ch,
		logger:   c.logger,
	}, nil
}

func (c *Connector) transportError(op string, index int, err error) error {
	return &TransportError{
		Op:        op,
		Gateway:   index,
		Endpoint:  c.endpoints[index].String(),
		Err:       err,
		Timestamp: time.Now(),
	}
}

// Bundle is an open connection and channel on one gateway
type Bundle struct {
	index    int
	endpoint transport.Endpoint
	conn     transport.Connection
	channel  transport.Channel
	logger   *slog.Logger
	closed   atomic.Bool
}

// Gateway returns the index of the gateway the bundle is open on
func (b *Bundle) Gateway() int {
	return b.index
}

// Endpoint returns the endpoint the bundle is open on
func (b *Bundle) Endpoint() transport.Endpoint {
	return b.endpoint
}

// Connection returns the underlying connection
func (b *Bundle) Connection() transport.Connection {
	return b.conn
}

// Send sends msg on the bundle's channel
func (b *Bundle) Send(ctx context.Context, msg *transport.Message, opts transport.SendOptions) (string, error) {
	id, err := b.channel.Send(ctx, msg, opts)
	if err != nil {
		return "", b.wrap("send", err)
	}
	return id, nil
}

// Commit commits a transactional channel
func (b *Bundle) Commit() error {
	if err := b.channel.Commit(); err != nil {
		return b.wrap("commit", err)
	}
	return nil
}

// Rollback rolls back a transactional channel
func (b *Bundle) Rollback() error {
	if err := b.channel.Rollback(); err != nil {
		return b.wrap("rollback", err)
	}
	return nil
}

// Close closes the channel and then the connection. Failures are logged, and
// returned only when propagate is set so that cleanup never hides an earlier
// error. Closing twice does nothing.
func (b *Bundle) Close(propagate bool) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if closeErr := b.channel.Close(); closeErr != nil {
		b.logger.Debug("channel close failed", "gateway", b.index, "error", closeErr)
		err = multierr.Append(err, closeErr)
	}
	if closeErr := b.conn.Close(); closeErr != nil {
		b.logger.Debug("connection close failed", "gateway", b.index, "error", closeErr)
		err = multierr.Append(err, closeErr)
	}

	if err != nil && propagate {
		b.logger.Warn("closing gateway bundle failed",
			"gateway", b.index,
			"rootCause", transport.RootCause(err).Error())
		return b.wrap("close", err)
	}
	return nil
}

func (b *Bundle) wrap(op string, err error) error {
	return &TransportError{
		Op:        op,
		Gateway:   b.index,
		Endpoint:  b.endpoint.String(),
		Err:       err,
		Timestamp: time.Now(),
	}
}
