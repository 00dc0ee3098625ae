package natsbus

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/wlmreply/transport"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Channel publishes to one subject. A transactional channel holds its
// messages until Commit.
type Channel struct {
	conn          *Connection
	subject       string
	transactional bool
	now           func() time.Time

	mu      sync.Mutex
	pending []*nats.Msg
	closed  bool
}

// Send implements transport.Sender
func (c *Channel) Send(ctx context.Context, msg *transport.Message, opts transport.SendOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", transport.NewError("send", c.conn.endpoint, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", transport.NewError("send", c.conn.endpoint, transport.ErrChannelClosed)
	}

	now := c.now()
	msg.ID = "ID:" + uuid.New().String()
	msg.Timestamp = now
	msg.DeliveryMode = opts.DeliveryMode
	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = transport.Persistent
	}
	msg.Priority = opts.Priority
	msg.Expiration = time.Time{}
	if opts.TimeToLive > 0 {
		msg.Expiration = now.Add(opts.TimeToLive)
	}

	out := encode(c.subject, msg)
	if c.transactional {
		c.pending = append(c.pending, out)
		return msg.ID, nil
	}
	if err := c.conn.nc.PublishMsg(out); err != nil {
		return "", transport.NewError("send", c.conn.endpoint, err)
	}
	return msg.ID, nil
}

// Commit publishes the held messages and flushes them to the server
func (c *Channel) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.transactional {
		return transport.NewError("commit", c.conn.endpoint, transport.ErrNotTransactional)
	}
	if c.closed {
		return transport.NewError("commit", c.conn.endpoint, transport.ErrChannelClosed)
	}

	pending := c.pending
	c.pending = nil
	for _, m := range pending {
		if err := c.conn.nc.PublishMsg(m); err != nil {
			return transport.NewError("commit", c.conn.endpoint, err)
		}
	}
	if len(pending) > 0 {
		if err := c.conn.nc.Flush(); err != nil {
			return transport.NewError("commit", c.conn.endpoint, err)
		}
	}
	return nil
}

// Rollback drops the held messages
func (c *Channel) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.transactional {
		return transport.NewError("rollback", c.conn.endpoint, transport.ErrNotTransactional)
	}
	c.pending = nil
	return nil
}

// Close implements transport.Channel. Uncommitted messages are dropped.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.pending = nil
	return nil
}
