package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/wlmreply/transport"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	return m.Called(tag, multiple).Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	return m.Called(tag, multiple, requeue).Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	return m.Called(tag, requeue).Error(0)
}

func consumeWith(t *testing.T, handler transport.Handler) (chan amqp.Delivery, *mockChannel, transport.Subscription) {
	t.Helper()
	deliveries := make(chan amqp.Delivery)
	ch := &mockChannel{}
	ch.On("Qos", 10, 0, false).Return(nil)
	ch.On("Consume", "replies", false).Return((<-chan amqp.Delivery)(deliveries), nil)
	ch.On("NotifyClose").Return()
	ch.On("Cancel", false).Return(nil)
	ch.On("Close").Return(nil)

	conn := &mockConnection{}
	conn.On("IsClosed").Return(false)
	conn.On("channel").Return(ch, nil)

	sub, err := connectWith(t, conn).Consume(context.Background(), transport.Queue("replies"), handler)
	require.NoError(t, err)
	return deliveries, ch, sub
}

func TestConsumerAcknowledgement(t *testing.T) {
	t.Run("success acks", func(t *testing.T) {
		got := make(chan *transport.Message, 1)
		deliveries, _, sub := consumeWith(t, func(ctx context.Context, msg *transport.Message) error {
			got <- msg
			return nil
		})
		defer sub.Close()

		ack := &mockAcknowledger{}
		done := make(chan struct{})
		ack.On("Ack", uint64(1), false).Run(func(mock.Arguments) { close(done) }).Return(nil)

		deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, MessageId: "m1", CorrelationId: "ID:1"}
		<-done

		msg := <-got
		assert.Equal(t, "m1", msg.ID)
		assert.Equal(t, "ID:1", msg.CorrelationID)
		ack.AssertExpectations(t)
	})

	t.Run("first failure requeues", func(t *testing.T) {
		deliveries, _, sub := consumeWith(t, func(ctx context.Context, msg *transport.Message) error {
			return errors.New("orphan")
		})
		defer sub.Close()

		ack := &mockAcknowledger{}
		done := make(chan struct{})
		ack.On("Nack", uint64(7), false, true).Run(func(mock.Arguments) { close(done) }).Return(nil)

		deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 7}
		<-done
		ack.AssertExpectations(t)
	})

	t.Run("failed redelivery is dead-lettered", func(t *testing.T) {
		deliveries, _, sub := consumeWith(t, func(ctx context.Context, msg *transport.Message) error {
			assert.True(t, msg.Redelivered)
			return errors.New("orphan")
		})
		defer sub.Close()

		ack := &mockAcknowledger{}
		done := make(chan struct{})
		ack.On("Nack", uint64(8), false, false).Run(func(mock.Arguments) { close(done) }).Return(nil)

		deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 8, Redelivered: true}
		<-done
		ack.AssertExpectations(t)
	})
}

func TestSubscriptionLifecycle(t *testing.T) {
	t.Run("broker cancel stops consumer with error", func(t *testing.T) {
		deliveries, _, sub := consumeWith(t, func(context.Context, *transport.Message) error { return nil })

		close(deliveries)
		select {
		case <-sub.Done():
		case <-time.After(time.Second):
			t.Fatal("consumer did not stop")
		}
		assert.ErrorIs(t, sub.Err(), ErrConsumerCancelled)
		assert.NoError(t, sub.Close())
	})

	t.Run("close cancels and closes channel", func(t *testing.T) {
		_, ch, sub := consumeWith(t, func(context.Context, *transport.Message) error { return nil })

		require.NoError(t, sub.Close())
		<-sub.Done()
		assert.NoError(t, sub.Err())
		require.NoError(t, sub.Close())
		ch.AssertNumberOfCalls(t, "Close", 1)
		ch.AssertNumberOfCalls(t, "Cancel", 1)
	})

	t.Run("exchange source is rejected", func(t *testing.T) {
		conn := &mockConnection{}
		conn.On("IsClosed").Return(false)
		_, err := connectWith(t, conn).Consume(context.Background(), transport.Destination{Exchange: "x", Name: "k"}, nil)
		assert.ErrorIs(t, err, transport.ErrInvalidDestination)
	})

	t.Run("connection close stops consumers", func(t *testing.T) {
		deliveries := make(chan amqp.Delivery)
		ch := &mockChannel{}
		ch.On("Qos", 10, 0, false).Return(nil)
		ch.On("Consume", "replies", false).Return((<-chan amqp.Delivery)(deliveries), nil)
		ch.On("NotifyClose").Return()
		ch.On("Cancel", false).Return(nil)
		ch.On("Close").Return(nil)
		conn := &mockConnection{}
		conn.On("IsClosed").Return(false)
		conn.On("channel").Return(ch, nil)
		conn.On("Close").Return(nil).Once()

		c := connectWith(t, conn)
		sub, err := c.Consume(context.Background(), transport.Queue("replies"), func(context.Context, *transport.Message) error { return nil })
		require.NoError(t, err)

		require.NoError(t, c.Close())
		<-sub.Done()
		require.NoError(t, c.Close())
		conn.AssertExpectations(t)
	})
}
