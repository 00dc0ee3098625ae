package memtransport

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/wlmreply/transport"
)

// Connection is an in-process connection to one endpoint
type Connection struct {
	broker   *Broker
	endpoint transport.Endpoint

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}
}

// OpenChannel implements transport.Connection
func (c *Connection) OpenChannel(ctx context.Context, destination transport.Destination, transactional bool, ackMode transport.AckMode) (transport.Channel, error) {
	if c.isClosed() {
		return nil, transport.NewError("open channel", c.endpoint, transport.ErrConnectionClosed)
	}
	if destination.IsZero() {
		return nil, transport.NewError("open channel", c.endpoint, transport.ErrInvalidDestination)
	}
	if err := c.broker.endpointFault(c.endpoint.URL, func(f *endpointFaults) error { return f.channelErr }); err != nil {
		return nil, transport.NewError("open channel", c.endpoint, err)
	}
	return &channel{
		conn:          c,
		destination:   destination,
		transactional: transactional,
	}, nil
}

// Consume implements transport.Connection
func (c *Connection) Consume(ctx context.Context, source transport.Destination, handler transport.Handler) (transport.Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, transport.NewError("consume", c.endpoint, transport.ErrConnectionClosed)
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	go c.deliver(subCtx, sub, c.broker.queue(source), source, handler)
	return sub, nil
}

func (c *Connection) deliver(ctx context.Context, sub *subscription, q chan *transport.Message, source transport.Destination, handler transport.Handler) {
	defer func() {
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
		close(sub.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q:
			if err := handler(ctx, msg); err != nil {
				if msg.Redelivered {
					c.broker.deadLetter(msg)
					continue
				}
				again := *msg
				again.Redelivered = true
				if putErr := c.broker.Put(source, &again); putErr != nil {
					c.broker.deadLetter(&again)
				}
			}
		}
	}
}

// Close implements transport.Connection
func (c *Connection) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Connection) shutdown(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	c.broker.mu.Lock()
	delete(c.broker.conns, c)
	c.broker.mu.Unlock()

	for _, s := range subs {
		s.stop(reason)
	}
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type channel struct {
	conn          *Connection
	destination   transport.Destination
	transactional bool

	mu      sync.Mutex
	closed  bool
	pending []*transport.Message
}

// Send implements transport.Sender
func (ch *channel) Send(ctx context.Context, msg *transport.Message, opts transport.SendOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", transport.NewError("send", ch.conn.endpoint, err)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return "", transport.NewError("send", ch.conn.endpoint, transport.ErrChannelClosed)
	}
	if ch.conn.isClosed() {
		return "", transport.NewError("send", ch.conn.endpoint, transport.ErrConnectionClosed)
	}
	if err := ch.conn.broker.endpointFault(ch.conn.endpoint.URL, func(f *endpointFaults) error { return f.sendErr }); err != nil {
		return "", transport.NewError("send", ch.conn.endpoint, err)
	}

	now := ch.conn.broker.now()
	msg.ID = ch.conn.broker.nextID()
	msg.Timestamp = now
	msg.DeliveryMode = opts.DeliveryMode
	msg.Priority = opts.Priority
	msg.Expiration = time.Time{}
	if opts.TimeToLive > 0 {
		msg.Expiration = now.Add(opts.TimeToLive)
	}

	out := *msg
	if ch.transactional {
		ch.pending = append(ch.pending, &out)
		return msg.ID, nil
	}
	if err := ch.conn.broker.Put(ch.destination, &out); err != nil {
		return "", transport.NewError("send", ch.conn.endpoint, err)
	}
	return msg.ID, nil
}

// Commit implements transport.Channel
func (ch *channel) Commit() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.transactional {
		return transport.ErrNotTransactional
	}
	for _, m := range ch.pending {
		if err := ch.conn.broker.Put(ch.destination, m); err != nil {
			return transport.NewError("commit", ch.conn.endpoint, err)
		}
	}
	ch.pending = nil
	return nil
}

// Rollback implements transport.Channel
func (ch *channel) Rollback() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.transactional {
		return transport.ErrNotTransactional
	}
	ch.pending = nil
	return nil
}

// Close implements transport.Channel
func (ch *channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return transport.ErrChannelClosed
	}
	ch.closed = true
	ch.pending = nil
	ch.mu.Unlock()

	if err := ch.conn.broker.endpointFault(ch.conn.endpoint.URL, func(f *endpointFaults) error { return f.closeErr }); err != nil {
		return transport.NewError("close", ch.conn.endpoint, err)
	}
	return nil
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (s *subscription) Done() <-chan struct{} {
	return s.done
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.stop(nil)
	return nil
}

func (s *subscription) stop(reason error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = reason
	}
	s.mu.Unlock()
	s.cancel()
	<-s.done
}
