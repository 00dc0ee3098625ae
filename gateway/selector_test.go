package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/wlmreply/transport"
	"github.com/glimte/wlmreply/transport/memtransport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	errGatewayDown = errors.New("gateway down")
	requests       = Target{Destination: transport.Queue("requests")}
)

func newTestSelector(t *testing.T, broker *memtransport.Broker, clock *fakeClock, mutate func(*Config)) *Selector {
	t.Helper()
	cfg := testConfig("mem://gw0", "mem://gw1")
	cfg.InitialDelay = 200 * time.Millisecond
	cfg.Timeout = time.Second
	cfg.FailedGatewayRetry = time.Minute
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSelector(cfg, NewStates(), broker, WithClock(clock.Now))
	require.NoError(t, err)
	s.sleep = clock.Sleep
	return s
}

func TestSelectorFailover(t *testing.T) {
	ctx := context.Background()
	broker := memtransport.NewBroker()
	broker.FailConnect("mem://gw0", errGatewayDown)
	clock := newFakeClock()
	s := newTestSelector(t, broker, clock, nil)

	// first call starts at gateway 0, which fails
	b, err := s.Get(ctx, requests)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Gateway())
	require.NoError(t, b.Close(true))
	assert.False(t, s.State().Healthy(0))
	assert.Equal(t, 1, broker.ConnectAttempts("mem://gw0"))

	// later calls within the window never touch gateway 0
	for i := 0; i < 4; i++ {
		clock.Advance(10 * time.Second)
		b, err := s.Get(ctx, requests)
		require.NoError(t, err)
		assert.Equal(t, 1, b.Gateway())
		require.NoError(t, b.Close(true))
	}
	assert.Equal(t, 1, broker.ConnectAttempts("mem://gw0"))
	assert.Empty(t, clock.Sleeps())
}

func TestSelectorRecentFailureWindow(t *testing.T) {
	ctx := context.Background()

	t.Run("expired failure is attempted with a refreshed timestamp", func(t *testing.T) {
		broker := memtransport.NewBroker()
		broker.FailConnect("mem://gw0", errGatewayDown)
		clock := newFakeClock()
		s := newTestSelector(t, broker, clock, nil)

		failedAt := clock.Now()
		s.State().MarkFailed(0, failedAt)
		clock.Advance(61 * time.Second)
		attemptAt := clock.Now()

		b, err := s.selectOnce(ctx, requests, false)
		require.NoError(t, err)
		assert.Equal(t, 1, b.Gateway())
		b.Close(false)

		assert.Equal(t, 1, broker.ConnectAttempts("mem://gw0"))
		last, failed := s.State().LastFailure(0)
		assert.True(t, failed)
		assert.True(t, attemptAt.Equal(last))
	})

	t.Run("recovered gateway is marked healthy", func(t *testing.T) {
		broker := memtransport.NewBroker()
		clock := newFakeClock()
		s := newTestSelector(t, broker, clock, nil)

		s.State().MarkFailed(0, clock.Now())
		clock.Advance(2 * time.Minute)

		b, err := s.selectOnce(ctx, requests, false)
		require.NoError(t, err)
		assert.Equal(t, 0, b.Gateway())
		b.Close(false)
		assert.True(t, s.State().Healthy(0))
	})

	t.Run("all skipped on first pass", func(t *testing.T) {
		broker := memtransport.NewBroker()
		clock := newFakeClock()
		s := newTestSelector(t, broker, clock, nil)
		s.State().MarkFailed(0, clock.Now())
		s.State().MarkFailed(1, clock.Now())

		_, err := s.selectOnce(ctx, requests, false)
		assert.ErrorIs(t, err, ErrAllGatewaysSkipped)
		assert.True(t, IsRetryable(err))
		assert.Zero(t, broker.ConnectAttempts("mem://gw0"))
		assert.Zero(t, broker.ConnectAttempts("mem://gw1"))
	})

	t.Run("retry pass attempts every gateway", func(t *testing.T) {
		broker := memtransport.NewBroker()
		broker.FailConnect("mem://gw0", errGatewayDown)
		broker.FailConnect("mem://gw1", errGatewayDown)
		clock := newFakeClock()
		s := newTestSelector(t, broker, clock, nil)
		s.State().MarkFailed(0, clock.Now())
		s.State().MarkFailed(1, clock.Now())

		_, err := s.selectOnce(ctx, requests, true)
		require.Error(t, err)
		assert.True(t, IsTransportError(err))
		assert.ErrorIs(t, err, errGatewayDown)
		assert.Equal(t, 1, broker.ConnectAttempts("mem://gw0"))
		assert.Equal(t, 1, broker.ConnectAttempts("mem://gw1"))
	})

	t.Run("all skipped enters retry loop", func(t *testing.T) {
		broker := memtransport.NewBroker()
		clock := newFakeClock()
		s := newTestSelector(t, broker, clock, nil)
		s.State().MarkFailed(0, clock.Now())
		s.State().MarkFailed(1, clock.Now())

		b, err := s.Get(ctx, requests)
		require.NoError(t, err)
		b.Close(false)
		assert.Equal(t, []time.Duration{200 * time.Millisecond}, clock.Sleeps())
	})
}

func TestSelectorRetryLoop(t *testing.T) {
	ctx := context.Background()

	t.Run("delays double and stop at the timeout", func(t *testing.T) {
		broker := memtransport.NewBroker()
		broker.FailConnect("mem://gw0", errGatewayDown)
		broker.FailConnect("mem://gw1", errGatewayDown)
		clock := newFakeClock()
		s := newTestSelector(t, broker, clock, nil)

		_, err := s.Get(ctx, requests)
		require.Error(t, err)
		assert.ErrorIs(t, err, errGatewayDown)
		assert.True(t, IsTransportError(err))
		assert.NotErrorIs(t, err, ErrAllGatewaysSkipped)

		assert.Equal(t, []time.Duration{
			200 * time.Millisecond,
			400 * time.Millisecond,
			400 * time.Millisecond,
		}, clock.Sleeps())

		var total time.Duration
		for _, d := range clock.Sleeps() {
			total += d
		}
		assert.Equal(t, time.Second, total)
		// one first pass plus three retry passes
		assert.Equal(t, 4, broker.ConnectAttempts("mem://gw0"))
		assert.Equal(t, 4, broker.ConnectAttempts("mem://gw1"))
	})

	t.Run("recovers during retry", func(t *testing.T) {
		broker := memtransport.NewBroker()
		broker.FailConnect("mem://gw0", errGatewayDown)
		broker.FailConnect("mem://gw1", errGatewayDown)
		clock := newFakeClock()
		s := newTestSelector(t, broker, clock, nil)
		s.sleep = func(ctx context.Context, d time.Duration) error {
			broker.Restore("mem://gw1")
			return clock.Sleep(ctx, d)
		}

		b, err := s.Get(ctx, requests)
		require.NoError(t, err)
		assert.Equal(t, 1, b.Gateway())
		b.Close(false)
		assert.True(t, s.State().Healthy(1))
	})

	t.Run("interrupted before any attempt", func(t *testing.T) {
		broker := memtransport.NewBroker()
		clock := newFakeClock()
		s := newTestSelector(t, broker, clock, nil)
		s.State().MarkFailed(0, clock.Now())
		s.State().MarkFailed(1, clock.Now())

		cctx, cancel := context.WithCancel(ctx)
		s.sleep = func(ctx context.Context, d time.Duration) error {
			cancel()
			return sleepContext(ctx, d)
		}

		_, err := s.Get(cctx, requests)
		assert.ErrorIs(t, err, ErrAllGatewaysSkipped)
		assert.Zero(t, broker.ConnectAttempts("mem://gw0"))
	})

	t.Run("cancelled caller leaves gateways healthy", func(t *testing.T) {
		broker := memtransport.NewBroker()
		broker.FailConnect("mem://gw0", errGatewayDown)
		broker.FailConnect("mem://gw1", errGatewayDown)
		clock := newFakeClock()
		s := newTestSelector(t, broker, clock, nil)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		s.sleep = sleepContext

		// the first pass sees the cancelled context before connecting
		_, err := s.Get(cctx, requests)
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, s.State().Healthy(0))
		assert.True(t, s.State().Healthy(1))
	})

	t.Run("wall clock bound", func(t *testing.T) {
		broker := memtransport.NewBroker()
		broker.FailConnect("mem://gw0", errGatewayDown)
		broker.FailConnect("mem://gw1", errGatewayDown)

		cfg := testConfig("mem://gw0", "mem://gw1")
		cfg.InitialDelay = 5 * time.Millisecond
		cfg.Timeout = 60 * time.Millisecond
		s, err := NewSelector(cfg, NewStates(), broker)
		require.NoError(t, err)

		start := time.Now()
		_, err = s.Get(ctx, requests)
		elapsed := time.Since(start)

		require.Error(t, err)
		assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
		assert.Less(t, elapsed, 250*time.Millisecond)
	})
}

func TestConnectorOpen(t *testing.T) {
	ctx := context.Background()
	endpoints := []transport.Endpoint{{Name: "gw0", URL: "amqp://gw0"}}

	t.Run("channel failure closes the connection", func(t *testing.T) {
		conn := &mockConnection{}
		conn.On("OpenChannel", mock.Anything, requests.Destination, true, transport.ClientAck).
			Return(nil, errors.New("channel refused"))
		conn.On("Close").Return(errors.New("already broken"))

		tr := &mockTransport{}
		tr.On("Connect", mock.Anything, endpoints[0]).Return(conn, nil)

		c := NewConnector(tr, endpoints, nil)
		_, err := c.Open(ctx, 0, Target{Destination: requests.Destination, Transactional: true, AckMode: transport.ClientAck})

		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "open channel", te.Op)
		assert.Equal(t, "channel refused", te.Err.Error())
		conn.AssertExpectations(t)
		tr.AssertExpectations(t)
	})

	t.Run("connect failure", func(t *testing.T) {
		tr := &mockTransport{}
		tr.On("Connect", mock.Anything, endpoints[0]).Return(nil, errGatewayDown)

		_, err := NewConnector(tr, endpoints, nil).Open(ctx, 0, requests)
		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "connect", te.Op)
		assert.Equal(t, 0, te.Gateway)
		assert.ErrorIs(t, err, errGatewayDown)
	})

	t.Run("out of range index", func(t *testing.T) {
		_, err := NewConnector(&mockTransport{}, endpoints, nil).Open(ctx, 3, requests)
		assert.Error(t, err)
	})
}

func TestBundle(t *testing.T) {
	ctx := context.Background()
	endpoints := []transport.Endpoint{{Name: "gw0", URL: "amqp://gw0"}}

	open := func(t *testing.T, ch *mockChannel, conn *mockConnection) *Bundle {
		conn.On("OpenChannel", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(ch, nil)
		tr := &mockTransport{}
		tr.On("Connect", mock.Anything, mock.Anything).Return(conn, nil)
		b, err := NewConnector(tr, endpoints, nil).Open(ctx, 0, requests)
		require.NoError(t, err)
		return b
	}

	t.Run("send wraps failures", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("Send", mock.Anything, mock.Anything, mock.Anything).Return("", transport.ErrChannelClosed)
		b := open(t, ch, &mockConnection{})

		_, err := b.Send(ctx, &transport.Message{}, transport.SendOptions{})
		assert.True(t, IsTransportError(err))
		assert.ErrorIs(t, err, transport.ErrChannelClosed)
	})

	t.Run("close errors only surface when propagated", func(t *testing.T) {
		for _, propagate := range []bool{false, true} {
			ch := &mockChannel{}
			ch.On("Close").Return(errors.New("channel close failed")).Once()
			conn := &mockConnection{}
			conn.On("Close").Return(errors.New("connection close failed")).Once()
			b := open(t, ch, conn)

			err := b.Close(propagate)
			if propagate {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "channel close failed")
				assert.Contains(t, err.Error(), "connection close failed")
			} else {
				assert.NoError(t, err)
			}
			// closing again is a no-op
			assert.NoError(t, b.Close(true))
			ch.AssertExpectations(t)
			conn.AssertExpectations(t)
		}
	})

	t.Run("commit and rollback", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("Commit").Return(nil)
		ch.On("Rollback").Return(transport.ErrNotTransactional)
		b := open(t, ch, &mockConnection{})

		assert.NoError(t, b.Commit())
		assert.ErrorIs(t, b.Rollback(), transport.ErrNotTransactional)
	})
}
