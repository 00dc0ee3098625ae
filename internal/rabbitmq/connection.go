package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/wlmreply/transport"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/atomic"
)

// amqpChannel is the subset of *amqp.Channel in use
type amqpChannel interface {
	Tx() error
	TxCommit() error
	TxRollback() error
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// amqpConnection is the subset of *amqp.Connection in use
type amqpConnection interface {
	channel() (amqpChannel, error)
	IsClosed() bool
	Close() error
}

type dialFunc func(url string, config amqp.Config) (amqpConnection, error)

type realConnection struct {
	*amqp.Connection
}

func (c realConnection) channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialAMQP(url string, config amqp.Config) (amqpConnection, error) {
	conn, err := amqp.DialConfig(url, config)
	if err != nil {
		return nil, err
	}
	return realConnection{conn}, nil
}

// Transport connects to RabbitMQ gateways. Every Connect dials a new AMQP
// connection; callers own it until Close.
type Transport struct {
	dial          dialFunc
	dialTimeout   time.Duration
	prefetchCount int
	checkQueues   bool
	name          string
	logger        *slog.Logger
}

// TransportOption configures the Transport
type TransportOption func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithDialTimeout bounds connection establishment
func WithDialTimeout(timeout time.Duration) TransportOption {
	return func(t *Transport) {
		t.dialTimeout = timeout
	}
}

// WithPrefetchCount sets the consumer prefetch count
func WithPrefetchCount(count int) TransportOption {
	return func(t *Transport) {
		t.prefetchCount = count
	}
}

// WithQueueCheck verifies a destination queue exists when a channel is opened
func WithQueueCheck(check bool) TransportOption {
	return func(t *Transport) {
		t.checkQueues = check
	}
}

// WithConnectionName sets the connection name shown by the broker
func WithConnectionName(name string) TransportOption {
	return func(t *Transport) {
		t.name = name
	}
}

// NewTransport creates a RabbitMQ transport
func NewTransport(options ...TransportOption) *Transport {
	t := &Transport{
		dial:          dialAMQP,
		dialTimeout:   30 * time.Second,
		prefetchCount: 10,
		checkQueues:   true,
		name:          "wlmreply",
		logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Connect implements transport.Transport
func (t *Transport) Connect(ctx context.Context, endpoint transport.Endpoint) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, transport.NewError("connect", endpoint, err)
	}

	timeout := t.dialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, transport.NewError("connect", endpoint, ErrConnectionTimeout)
	}

	conn, err := t.dial(endpoint.URL, amqp.Config{
		Dial:       amqp.DefaultDial(timeout),
		Properties: amqp.Table{"connection_name": t.name},
	})
	if err != nil {
		return nil, transport.NewError("connect", endpoint, err)
	}

	t.logger.Debug("connected to RabbitMQ", "gateway", endpoint.String())
	return &Connection{
		endpoint:      endpoint,
		conn:          conn,
		prefetchCount: t.prefetchCount,
		checkQueues:   t.checkQueues,
		logger:        t.logger.With("gateway", endpoint.String()),
		subs:          make(map[*subscription]struct{}),
	}, nil
}

// Connection is one AMQP connection to a gateway
type Connection struct {
	endpoint      transport.Endpoint
	conn          amqpConnection
	prefetchCount int
	checkQueues   bool
	logger        *slog.Logger

	closed atomic.Bool
	mu     sync.Mutex
	subs   map[*subscription]struct{}
}

// OpenChannel implements transport.Connection. A transactional channel is
// put in AMQP transaction mode; sends become visible on Commit.
func (c *Connection) OpenChannel(ctx context.Context, destination transport.Destination, transactional bool, ackMode transport.AckMode) (transport.Channel, error) {
	if c.closed.Load() || c.conn.IsClosed() {
		return nil, transport.NewError("open channel", c.endpoint, transport.ErrConnectionClosed)
	}
	if destination.IsZero() {
		return nil, transport.NewError("open channel", c.endpoint, transport.ErrInvalidDestination)
	}

	ch, err := c.conn.channel()
	if err != nil {
		return nil, transport.NewError("open channel", c.endpoint, err)
	}

	if c.checkQueues && destination.Exchange == "" {
		if _, err := ch.QueueDeclarePassive(destination.Name, true, false, false, false, nil); err != nil {
			// a failed passive declare closes the channel on the broker side
			_ = ch.Close()
			if isNotFound(err) {
				err = ErrQueueNotFound
			}
			return nil, transport.NewError("open channel", c.endpoint, err)
		}
	}

	if transactional {
		if err := ch.Tx(); err != nil {
			if closeErr := ch.Close(); closeErr != nil {
				c.logger.Debug("closing channel after tx select failure", "error", closeErr)
			}
			return nil, transport.NewError("open channel", c.endpoint, err)
		}
	}

	return &Channel{
		endpoint:      c.endpoint,
		ch:            ch,
		destination:   destination,
		transactional: transactional,
		now:           time.Now,
	}, nil
}

// Consume implements transport.Connection. Each consumer gets its own
// channel; see subscription for the acknowledgement rules.
func (c *Connection) Consume(ctx context.Context, source transport.Destination, handler transport.Handler) (transport.Subscription, error) {
	if c.closed.Load() || c.conn.IsClosed() {
		return nil, transport.NewError("consume", c.endpoint, transport.ErrConnectionClosed)
	}
	if source.Exchange != "" || source.Name == "" {
		return nil, transport.NewError("consume", c.endpoint, transport.ErrInvalidDestination)
	}

	ch, err := c.conn.channel()
	if err != nil {
		return nil, transport.NewError("consume", c.endpoint, err)
	}

	tag := "wlm-" + uuid.NewString()
	consumerErr := func(op string, err error) error {
		_ = ch.Close()
		return &ConsumerError{
			Queue:       source.Name,
			ConsumerTag: tag,
			Op:          op,
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return nil, consumerErr("qos", err)
	}
	deliveries, err := ch.Consume(source.Name, tag, false, false, false, false, nil)
	if err != nil {
		if isNotFound(err) {
			err = ErrQueueNotFound
		}
		return nil, consumerErr("consume", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		queue:   source.Name,
		tag:     tag,
		ch:      ch,
		cancel:  cancel,
		done:    make(chan struct{}),
		closeCh: ch.NotifyClose(make(chan *amqp.Error, 1)),
		logger:  c.logger,
		onStop:  c.forget,
	}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	go sub.process(subCtx, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", source.Name,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount)
	return sub, nil
}

func (c *Connection) forget(sub *subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
}

// Close implements transport.Connection
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}

	if c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return transport.NewError("close", c.endpoint, err)
	}
	c.logger.Debug("connection closed")
	return nil
}
