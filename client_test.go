package wlmreply

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/glimte/wlmreply/config"
	"github.com/glimte/wlmreply/correlator"
	"github.com/glimte/wlmreply/gateway"
	"github.com/glimte/wlmreply/health"
	"github.com/glimte/wlmreply/interceptors"
	"github.com/glimte/wlmreply/transport"
	"github.com/glimte/wlmreply/transport/memtransport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Transport.Kind = config.TransportMemory
	cfg.Gateway.Endpoints = []transport.Endpoint{
		{Name: "gw0", URL: "mem://gw0"},
		{Name: "gw1", URL: "mem://gw1"},
	}
	cfg.Gateway.InitialDelay = 5 * time.Millisecond
	cfg.Gateway.Timeout = 50 * time.Millisecond
	cfg.Requests.Destination = transport.Queue("requests")
	cfg.Requests.ReplyTo = "replies"
	cfg.Requests.Timeout = 2 * time.Second
	cfg.Listener.ReconnectDelay = 5 * time.Millisecond
	cfg.Listener.MaxReconnectDelay = 50 * time.Millisecond
	return cfg
}

func upper(ctx context.Context, req *transport.Message) (*transport.Message, error) {
	return &transport.Message{Body: []byte(strings.ToUpper(string(req.Body)))}, nil
}

func newTestClient(t *testing.T, broker *memtransport.Broker, opts ...ClientOption) *Client {
	t.Helper()
	c, err := NewClient(testConfig(), append([]ClientOption{WithTransport(broker)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type countingDiagnostics struct {
	calls atomic.Int32
}

func (d *countingDiagnostics) Describe(context.Context) string {
	d.calls.Inc()
	return "txn=none"
}

func TestClientRequestReply(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip through responder", func(t *testing.T) {
		broker := memtransport.NewBroker()
		c := newTestClient(t, broker)
		require.NoError(t, c.Start(ctx))
		_, err := c.Respond(ctx, "requests", upper)
		require.NoError(t, err)

		reply, err := c.RequestReply(ctx, transport.Destination{}, &transport.Message{Body: []byte("ping")}, correlator.RequestOptions{})
		require.NoError(t, err)
		require.NotNil(t, reply)
		assert.Equal(t, "PING", string(reply.Body))
		assert.Zero(t, c.InFlight())
		assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics().Requests.WithLabelValues(correlator.OutcomeReply)))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics().Handled.WithLabelValues(interceptors.OutcomeReplied)))

		requests := c.Health(ctx).Checks["requests"]
		assert.Equal(t, health.StatusHealthy, requests.Status)
		assert.Equal(t, 0, requests.Details["inFlight"])
	})

	t.Run("concurrent requests each get their own reply", func(t *testing.T) {
		broker := memtransport.NewBroker()
		c := newTestClient(t, broker)
		require.NoError(t, c.Start(ctx))
		_, err := c.Respond(ctx, "requests", upper)
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(body string) {
				defer wg.Done()
				reply, err := c.RequestReply(ctx, transport.Destination{}, &transport.Message{Body: []byte(body)}, correlator.RequestOptions{})
				switch {
				case err != nil:
					errs <- err
				case reply == nil:
					errs <- errors.New("no reply for " + body)
				case string(reply.Body) != strings.ToUpper(body):
					errs <- errors.New("crossed reply " + string(reply.Body) + " for " + body)
				}
			}(strings.Repeat("x", i+1))
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Error(err)
		}
	})

	t.Run("no reply within timeout", func(t *testing.T) {
		broker := memtransport.NewBroker()
		c := newTestClient(t, broker)
		require.NoError(t, c.Start(ctx))

		reply, err := c.RequestReply(ctx, transport.Destination{}, &transport.Message{}, correlator.RequestOptions{Timeout: 30 * time.Millisecond})
		require.NoError(t, err)
		assert.Nil(t, reply)
		assert.Equal(t, 1, broker.Depth(transport.Queue("requests")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics().Requests.WithLabelValues(correlator.OutcomeTimeout)))
	})

	t.Run("failover to a healthy gateway", func(t *testing.T) {
		broker := memtransport.NewBroker()
		broker.FailConnect("mem://gw0", errors.New("connection refused"))
		c := newTestClient(t, broker)
		require.NoError(t, c.Start(ctx))
		_, err := c.Respond(ctx, "requests", upper)
		require.NoError(t, err)

		reply, err := c.RequestReply(ctx, transport.Destination{}, &transport.Message{Body: []byte("a")}, correlator.RequestOptions{})
		require.NoError(t, err)
		require.NotNil(t, reply)
		assert.Equal(t, "A", string(reply.Body))

		report := c.Health(ctx)
		assert.Equal(t, health.StatusDegraded, report.Status)
		assert.Equal(t, health.StatusDegraded, report.Checks["gateways"].Status)
		assert.Equal(t, 0.0, testutil.ToFloat64(c.Metrics().GatewayHealthy.WithLabelValues(gateway.DefaultPoolKey, "0")))
	})

	t.Run("panicking handler leaves the request unanswered", func(t *testing.T) {
		broker := memtransport.NewBroker()
		c := newTestClient(t, broker, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
		require.NoError(t, c.Start(ctx))
		_, err := c.Respond(ctx, "requests", func(context.Context, *transport.Message) (*transport.Message, error) {
			panic("handler bug")
		})
		require.NoError(t, err)

		reply, err := c.RequestReply(ctx, transport.Destination{}, &transport.Message{}, correlator.RequestOptions{Timeout: 100 * time.Millisecond})
		require.NoError(t, err)
		assert.Nil(t, reply)
		assert.Eventually(t, func() bool {
			return testutil.ToFloat64(c.Metrics().Handled.WithLabelValues(interceptors.OutcomeError)) >= 1
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("caller message is left untouched", func(t *testing.T) {
		broker := memtransport.NewBroker()
		c := newTestClient(t, broker)
		require.NoError(t, c.Start(ctx))
		_, err := c.Respond(ctx, "requests", upper)
		require.NoError(t, err)

		msg := &transport.Message{Body: []byte("ping")}
		reply, err := c.RequestReply(ctx, transport.Destination{}, msg, correlator.RequestOptions{})
		require.NoError(t, err)
		require.NotNil(t, reply)
		assert.Nil(t, msg.ReplyTo)
		assert.Empty(t, msg.ID)
	})

	t.Run("listeners outlive the start context", func(t *testing.T) {
		broker := memtransport.NewBroker()
		c := newTestClient(t, broker)
		startCtx, cancel := context.WithCancel(ctx)
		require.NoError(t, c.Start(startCtx))
		_, err := c.Respond(startCtx, "requests", upper)
		require.NoError(t, err)
		cancel()

		reply, err := c.RequestReply(ctx, transport.Destination{}, &transport.Message{Body: []byte("late")}, correlator.RequestOptions{})
		require.NoError(t, err)
		require.NotNil(t, reply)
		assert.Equal(t, "LATE", string(reply.Body))
	})

	t.Run("failed bundle close is logged not returned", func(t *testing.T) {
		broker := memtransport.NewBroker()
		closeFailed := errors.New("channel close refused")
		broker.FailCloseChannel("mem://gw0", closeFailed)
		broker.FailCloseChannel("mem://gw1", closeFailed)

		logs := &syncBuffer{}
		c := newTestClient(t, broker, WithLogger(slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelWarn}))))
		require.NoError(t, c.Start(ctx))

		// timeout without a responder
		reply, err := c.RequestReply(ctx, transport.Destination{}, &transport.Message{}, correlator.RequestOptions{Timeout: 30 * time.Millisecond})
		require.NoError(t, err)
		assert.Nil(t, reply)
		assert.Contains(t, logs.String(), "closing gateway bundle failed")

		// responder on its own gateways, unaffected by the close failures
		cfg := testConfig()
		cfg.Gateway.Endpoints = []transport.Endpoint{{Name: "r0", URL: "mem://r0"}}
		responding, err := NewClient(cfg, WithTransport(broker), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
		require.NoError(t, err)
		t.Cleanup(func() { _ = responding.Close() })
		_, err = responding.Respond(ctx, "requests", upper)
		require.NoError(t, err)

		reply, err = c.RequestReply(ctx, transport.Destination{}, &transport.Message{Body: []byte("ok")}, correlator.RequestOptions{})
		require.NoError(t, err)
		require.NotNil(t, reply)
		assert.Equal(t, "OK", string(reply.Body))
	})

	t.Run("not started", func(t *testing.T) {
		c := newTestClient(t, memtransport.NewBroker())
		_, err := c.RequestReply(ctx, transport.Destination{}, &transport.Message{}, correlator.RequestOptions{})
		assert.ErrorIs(t, err, ErrNotStarted)
	})

	t.Run("closed", func(t *testing.T) {
		c := newTestClient(t, memtransport.NewBroker())
		require.NoError(t, c.Start(ctx))
		require.NoError(t, c.Close())

		_, err := c.RequestReply(ctx, transport.Destination{}, &transport.Message{}, correlator.RequestOptions{})
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, c.Start(ctx), ErrClosed)
		require.NoError(t, c.Close())
	})

	t.Run("diagnostics are consulted at debug level", func(t *testing.T) {
		diag := &countingDiagnostics{}
		logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
		c := newTestClient(t, memtransport.NewBroker(), WithDiagnostics(diag), WithLogger(logger))
		require.NoError(t, c.Start(ctx))

		_, err := c.RequestReply(ctx, transport.Destination{}, &transport.Message{}, correlator.RequestOptions{Timeout: time.Millisecond})
		require.NoError(t, err)
		assert.Equal(t, int32(1), diag.calls.Load())
	})
}

func TestClientSend(t *testing.T) {
	ctx := context.Background()
	events := transport.Queue("events")

	t.Run("transactional send is committed", func(t *testing.T) {
		broker := memtransport.NewBroker()
		c := newTestClient(t, broker)

		id, err := c.Send(ctx, events, &transport.Message{Body: []byte("e")}, SendOptions{Transactional: true, Priority: 3})
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		got, err := broker.Get(ctx, events)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, uint8(3), got.Priority)
		assert.Equal(t, transport.NonPersistent, got.DeliveryMode)
	})

	t.Run("all gateways down", func(t *testing.T) {
		broker := memtransport.NewBroker()
		down := errors.New("connection refused")
		broker.FailConnect("mem://gw0", down)
		broker.FailConnect("mem://gw1", down)
		c := newTestClient(t, broker)

		_, err := c.Send(ctx, events, &transport.Message{}, SendOptions{})
		assert.ErrorIs(t, err, down)
		assert.True(t, gateway.IsTransportError(err))
	})

	t.Run("no destination", func(t *testing.T) {
		cfg := testConfig()
		cfg.Requests.Destination = transport.Destination{}
		c, err := NewClient(cfg, WithTransport(memtransport.NewBroker()))
		require.NoError(t, err)
		defer c.Close()

		_, err = c.Send(ctx, transport.Destination{}, &transport.Message{}, SendOptions{})
		assert.ErrorIs(t, err, ErrNoDestination)
	})
}

func TestNewClient(t *testing.T) {
	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig()
		cfg.Gateway.Endpoints = nil
		_, err := NewClient(cfg)
		assert.True(t, gateway.IsConfigError(err))

		_, err = NewClient(nil)
		assert.Error(t, err)
	})

	t.Run("clients of one pool share gateway state", func(t *testing.T) {
		states := gateway.NewStates()
		broker := memtransport.NewBroker()
		a := newTestClient(t, broker, WithStates(states))
		b := newTestClient(t, broker, WithStates(states))
		assert.Same(t, a.Selector().State(), b.Selector().State())
	})

	t.Run("transport from config", func(t *testing.T) {
		for _, kind := range []string{config.TransportAMQP, config.TransportNATS, config.TransportMemory} {
			cfg := testConfig()
			cfg.Transport.Kind = kind
			c, err := NewClient(cfg)
			require.NoError(t, err, kind)
			assert.NotNil(t, c.transport, kind)
			require.NoError(t, c.Close())
		}
	})
}
