package natsbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/wlmreply/transport"
	"github.com/nats-io/nats.go"
	"go.uber.org/atomic"
)

// natsConn is the subset of *nats.Conn in use
type natsConn interface {
	PublishMsg(m *nats.Msg) error
	subscribe(subject, queue string, cb nats.MsgHandler) (natsSubscription, error)
	Flush() error
	IsClosed() bool
	Close()
}

type natsSubscription interface {
	Unsubscribe() error
}

type realConn struct {
	*nats.Conn
}

func (c realConn) subscribe(subject, queue string, cb nats.MsgHandler) (natsSubscription, error) {
	sub, err := c.Conn.QueueSubscribe(subject, queue, cb)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

type connectFunc func(url string, opts ...nats.Option) (natsConn, error)

func connectNATS(url string, opts ...nats.Option) (natsConn, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return realConn{nc}, nil
}

// Transport implements transport.Transport over core NATS. Gateway failover is
// left to the caller, so the client's own reconnect is disabled: a dropped
// server closes the connection and its consumers.
type Transport struct {
	connect          connectFunc
	queueGroup       string
	deadLetterSuffix string
	timeout          time.Duration
	clientName       string
	logger           *slog.Logger
}

// Option configures the Transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithQueueGroup sets the queue group consumers join
func WithQueueGroup(group string) Option {
	return func(t *Transport) {
		t.queueGroup = group
	}
}

// WithDeadLetterSuffix sets the suffix of the subject failed redeliveries go to
func WithDeadLetterSuffix(suffix string) Option {
	return func(t *Transport) {
		t.deadLetterSuffix = suffix
	}
}

// WithConnectTimeout bounds connection establishment
func WithConnectTimeout(timeout time.Duration) Option {
	return func(t *Transport) {
		t.timeout = timeout
	}
}

// WithClientName sets the client name reported to the server
func WithClientName(name string) Option {
	return func(t *Transport) {
		t.clientName = name
	}
}

// NewTransport creates a NATS transport
func NewTransport(opts ...Option) *Transport {
	t := &Transport{
		connect:          connectNATS,
		queueGroup:       "wlm",
		deadLetterSuffix: ".DLQ",
		timeout:          5 * time.Second,
		clientName:       "wlmreply",
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect implements transport.Transport
func (t *Transport) Connect(ctx context.Context, endpoint transport.Endpoint) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, transport.NewError("connect", endpoint, err)
	}

	c := &Connection{
		endpoint:         endpoint,
		queueGroup:       t.queueGroup,
		deadLetterSuffix: t.deadLetterSuffix,
		logger:           t.logger.With("gateway", endpoint.String()),
		subs:             make(map[*subscription]struct{}),
	}

	timeout := t.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	nc, err := t.connect(endpoint.URL,
		nats.Name(t.clientName),
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.ClosedHandler(func(*nats.Conn) { c.onClosed() }),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.logger.Error("nats async error", "error", err)
		}),
	)
	if err != nil {
		return nil, transport.NewError("connect", endpoint, err)
	}
	c.nc = nc
	return c, nil
}

// Connection is one NATS connection to a gateway
type Connection struct {
	endpoint         transport.Endpoint
	nc               natsConn
	queueGroup       string
	deadLetterSuffix string
	logger           *slog.Logger

	closed atomic.Bool
	mu     sync.Mutex
	subs   map[*subscription]struct{}
}

// OpenChannel implements transport.Connection. The ack mode has no meaning on
// a send channel.
func (c *Connection) OpenChannel(ctx context.Context, destination transport.Destination, transactional bool, ackMode transport.AckMode) (transport.Channel, error) {
	if c.closed.Load() || c.nc.IsClosed() {
		return nil, transport.NewError("open channel", c.endpoint, transport.ErrConnectionClosed)
	}
	if destination.IsZero() {
		return nil, transport.NewError("open channel", c.endpoint, transport.ErrInvalidDestination)
	}
	return &Channel{
		conn:          c,
		subject:       Subject(destination),
		transactional: transactional,
		now:           time.Now,
	}, nil
}

// Consume implements transport.Connection. A failed delivery is republished
// once marked as redelivered; a failed redelivery goes to the dead-letter
// subject. Expired messages are dropped before reaching the handler.
func (c *Connection) Consume(ctx context.Context, source transport.Destination, handler transport.Handler) (transport.Subscription, error) {
	if c.closed.Load() || c.nc.IsClosed() {
		return nil, transport.NewError("consume", c.endpoint, transport.ErrConnectionClosed)
	}
	if source.Exchange != "" || source.Name == "" {
		return nil, transport.NewError("consume", c.endpoint, transport.ErrInvalidDestination)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		conn:    c,
		subject: Subject(source),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	ns, err := c.nc.subscribe(sub.subject, c.queueGroup, func(m *nats.Msg) {
		sub.deliver(subCtx, m, handler)
	})
	if err != nil {
		cancel()
		return nil, transport.NewError("consume", c.endpoint, err)
	}
	sub.ns = ns

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	// the subscription ends with its context too
	go func() {
		select {
		case <-subCtx.Done():
			sub.stop(nil)
		case <-sub.done:
		}
	}()

	c.logger.Info("subscribed to subject", "subject", sub.subject, "queueGroup", c.queueGroup)
	return sub, nil
}

// Close implements transport.Connection
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.stopAll(nil)
	c.nc.Close()
	return nil
}

func (c *Connection) onClosed() {
	if !c.closed.Load() {
		c.logger.Warn("connection closed by server")
	}
	c.closed.Store(true)
	c.stopAll(transport.ErrConnectionClosed)
}

func (c *Connection) stopAll(reason error) {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		s.stop(reason)
	}
}

func (c *Connection) forget(sub *subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
}
