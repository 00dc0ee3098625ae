package responder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/wlmreply/gateway"
	"github.com/glimte/wlmreply/transport"
	"github.com/glimte/wlmreply/transport/memtransport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedDiagnostics string

func (d fixedDiagnostics) Describe(context.Context) string { return string(d) }

func newSelector(t *testing.T, broker *memtransport.Broker) *gateway.Selector {
	t.Helper()
	cfg := gateway.DefaultConfig()
	cfg.Endpoints = []transport.Endpoint{
		{Name: "gw0", URL: "mem://gw0"},
		{Name: "gw1", URL: "mem://gw1"},
	}
	cfg.InitialDelay = time.Millisecond
	cfg.Timeout = 20 * time.Millisecond
	s, err := gateway.NewSelector(cfg, gateway.NewStates(), broker)
	require.NoError(t, err)
	return s
}

func upper(ctx context.Context, req *transport.Message) (*transport.Message, error) {
	return &transport.Message{
		ContentType: "text/plain",
		Headers:     map[string]interface{}{"handled": "yes"},
		Body:        []byte("re: " + string(req.Body)),
	}, nil
}

func TestResponder(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	replies := transport.Queue("replies")

	t.Run("reply goes to reply-to with request properties", func(t *testing.T) {
		broker := memtransport.NewBroker()
		r := New(newSelector(t, broker), upper, WithClock(clock), WithDiagnostics(fixedDiagnostics("tx=none")))

		req := &transport.Message{
			ID:           "ID:req-1",
			ReplyTo:      &replies,
			DeliveryMode: transport.NonPersistent,
			Priority:     6,
			Expiration:   now.Add(45 * time.Second),
			Body:         []byte("hello"),
		}
		require.NoError(t, r.OnMessage(context.Background(), req))

		require.Equal(t, 1, broker.Depth(replies))
		reply, err := broker.Get(context.Background(), replies)
		require.NoError(t, err)
		assert.Equal(t, "ID:req-1", reply.CorrelationID)
		assert.Equal(t, "re: hello", string(reply.Body))
		assert.Equal(t, "text/plain", reply.ContentType)
		assert.Equal(t, "yes", reply.Headers["handled"])
		assert.Equal(t, transport.NonPersistent, reply.DeliveryMode)
		assert.Equal(t, uint8(6), reply.Priority)
		assert.False(t, reply.Expiration.IsZero())
	})

	t.Run("default destination when request has no reply-to", func(t *testing.T) {
		broker := memtransport.NewBroker()
		backout := transport.Queue("backout")
		r := New(newSelector(t, broker), upper, WithDefaultReplyDestination(backout))

		require.NoError(t, r.OnMessage(context.Background(), &transport.Message{ID: "ID:ff"}))
		assert.Equal(t, 1, broker.Depth(backout))

		reply, err := broker.Get(context.Background(), backout)
		require.NoError(t, err)
		assert.True(t, reply.Expiration.IsZero())
	})

	t.Run("no destination at all", func(t *testing.T) {
		broker := memtransport.NewBroker()
		r := New(newSelector(t, broker), upper)
		assert.ErrorIs(t, r.OnMessage(context.Background(), &transport.Message{ID: "ID:x"}), ErrNoReplyDestination)
		assert.Zero(t, broker.ConnectAttempts("mem://gw0")+broker.ConnectAttempts("mem://gw1"))
	})

	t.Run("expired request gets no reply", func(t *testing.T) {
		broker := memtransport.NewBroker()
		r := New(newSelector(t, broker), upper, WithClock(clock))

		req := &transport.Message{ID: "ID:late", ReplyTo: &replies, Expiration: now.Add(-time.Millisecond)}
		require.NoError(t, r.OnMessage(context.Background(), req))
		assert.Zero(t, broker.Depth(replies))
		assert.Zero(t, broker.ConnectAttempts("mem://gw0")+broker.ConnectAttempts("mem://gw1"))
	})

	t.Run("handler failure asks for redelivery", func(t *testing.T) {
		broker := memtransport.NewBroker()
		boom := errors.New("backend unavailable")
		r := New(newSelector(t, broker), func(context.Context, *transport.Message) (*transport.Message, error) {
			return nil, boom
		})

		err := r.OnMessage(context.Background(), &transport.Message{ID: "ID:x", ReplyTo: &replies})
		assert.ErrorIs(t, err, boom)
		assert.Zero(t, broker.Depth(replies))
	})

	t.Run("nil reply sends nothing", func(t *testing.T) {
		broker := memtransport.NewBroker()
		r := New(newSelector(t, broker), func(context.Context, *transport.Message) (*transport.Message, error) {
			return nil, nil
		})
		require.NoError(t, r.OnMessage(context.Background(), &transport.Message{ID: "ID:x", ReplyTo: &replies}))
		assert.Zero(t, broker.Depth(replies))
	})

	t.Run("send failure is returned", func(t *testing.T) {
		broker := memtransport.NewBroker()
		full := errors.New("queue full")
		broker.FailSend("mem://gw0", full)
		broker.FailSend("mem://gw1", full)
		r := New(newSelector(t, broker), upper)

		err := r.OnMessage(context.Background(), &transport.Message{ID: "ID:x", ReplyTo: &replies})
		assert.ErrorIs(t, err, full)
		assert.True(t, gateway.IsTransportError(err))
		assert.Zero(t, broker.Depth(replies))
	})

	t.Run("no gateway available", func(t *testing.T) {
		broker := memtransport.NewBroker()
		down := errors.New("connection refused")
		broker.FailConnect("mem://gw0", down)
		broker.FailConnect("mem://gw1", down)
		r := New(newSelector(t, broker), upper)

		err := r.OnMessage(context.Background(), &transport.Message{ID: "ID:x", ReplyTo: &replies})
		assert.ErrorIs(t, err, down)
	})

	t.Run("handles requests from a queue", func(t *testing.T) {
		broker := memtransport.NewBroker()
		r := New(newSelector(t, broker), Echo("svc"))
		requests := transport.Queue("requests")

		conn, err := broker.Connect(context.Background(), transport.Endpoint{Name: "gw0", URL: "mem://gw0"})
		require.NoError(t, err)
		defer conn.Close()
		sub, err := conn.Consume(context.Background(), requests, r.Handler())
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, broker.Put(requests, &transport.Message{ID: "ID:q1", ReplyTo: &replies, Body: []byte("ping")}))

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		reply, err := broker.Get(ctx, replies)
		require.NoError(t, err)
		assert.Equal(t, "ID:q1", reply.CorrelationID)
		assert.Contains(t, string(reply.Body), `svc received "ID:q1"`)
		assert.Contains(t, string(reply.Body), "ping")
	})
}
