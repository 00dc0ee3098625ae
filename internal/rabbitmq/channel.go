package rabbitmq

import (
	"context"
	"time"

	"github.com/glimte/wlmreply/transport"
	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// Channel publishes to one destination
type Channel struct {
	endpoint      transport.Endpoint
	ch            amqpChannel
	destination   transport.Destination
	transactional bool
	now           func() time.Time
	closed        atomic.Bool
}

// Send implements transport.Sender. The message id is generated here, so it is
// known before the broker sees the message.
func (c *Channel) Send(ctx context.Context, msg *transport.Message, opts transport.SendOptions) (string, error) {
	if c.closed.Load() {
		return "", transport.NewError("send", c.endpoint, transport.ErrChannelClosed)
	}

	now := c.now()
	id := "ID:" + uuid.NewString()
	pub := toPublishing(msg, opts, id, now)

	if err := c.ch.PublishWithContext(ctx, c.destination.Exchange, c.destination.Name, false, false, pub); err != nil {
		return "", transport.NewError("send", c.endpoint, err)
	}

	msg.ID = id
	msg.Timestamp = now
	msg.DeliveryMode = transport.DeliveryMode(pub.DeliveryMode)
	msg.Priority = opts.Priority
	msg.Expiration = time.Time{}
	if opts.TimeToLive > 0 {
		msg.Expiration = now.Add(opts.TimeToLive)
	}
	return id, nil
}

// Commit implements transport.Channel
func (c *Channel) Commit() error {
	if !c.transactional {
		return transport.ErrNotTransactional
	}
	if err := c.ch.TxCommit(); err != nil {
		return transport.NewError("commit", c.endpoint, err)
	}
	return nil
}

// Rollback implements transport.Channel
func (c *Channel) Rollback() error {
	if !c.transactional {
		return transport.ErrNotTransactional
	}
	if err := c.ch.TxRollback(); err != nil {
		return transport.NewError("rollback", c.endpoint, err)
	}
	return nil
}

// Close implements transport.Channel
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return transport.ErrChannelClosed
	}
	if err := c.ch.Close(); err != nil {
		return transport.NewError("close channel", c.endpoint, err)
	}
	return nil
}
