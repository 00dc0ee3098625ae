package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/wlmreply/transport"
	"github.com/stretchr/testify/mock"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Connect(ctx context.Context, endpoint transport.Endpoint) (transport.Connection, error) {
	args := m.Called(ctx, endpoint)
	conn, _ := args.Get(0).(transport.Connection)
	return conn, args.Error(1)
}

type mockConnection struct {
	mock.Mock
}

func (m *mockConnection) OpenChannel(ctx context.Context, destination transport.Destination, transactional bool, ackMode transport.AckMode) (transport.Channel, error) {
	args := m.Called(ctx, destination, transactional, ackMode)
	ch, _ := args.Get(0).(transport.Channel)
	return ch, args.Error(1)
}

func (m *mockConnection) Consume(ctx context.Context, source transport.Destination, handler transport.Handler) (transport.Subscription, error) {
	args := m.Called(ctx, source, handler)
	sub, _ := args.Get(0).(transport.Subscription)
	return sub, args.Error(1)
}

func (m *mockConnection) Close() error {
	return m.Called().Error(0)
}

type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) Send(ctx context.Context, msg *transport.Message, opts transport.SendOptions) (string, error) {
	args := m.Called(ctx, msg, opts)
	return args.String(0), args.Error(1)
}

func (m *mockChannel) Commit() error {
	return m.Called().Error(0)
}

func (m *mockChannel) Rollback() error {
	return m.Called().Error(0)
}

func (m *mockChannel) Close() error {
	return m.Called().Error(0)
}

// fakeClock is advanced by hand, or by the selector's sleep in tests
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}
