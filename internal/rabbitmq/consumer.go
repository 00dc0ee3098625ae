package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/wlmreply/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

// handlerTimeout bounds one handler invocation
const handlerTimeout = 30 * time.Second

// subscription is one consumer. A delivery is acked when the handler
// succeeds. On failure it is requeued once; a failing redelivery is rejected
// without requeue so the queue's dead-letter exchange, if any, receives it.
type subscription struct {
	queue   string
	tag     string
	ch      amqpChannel
	cancel  context.CancelFunc
	done    chan struct{}
	closeCh chan *amqp.Error
	logger  *slog.Logger
	onStop  func(*subscription)

	mu   sync.Mutex
	err  error
	once sync.Once
}

func (s *subscription) process(ctx context.Context, deliveries <-chan amqp.Delivery, handler transport.Handler) {
	defer func() {
		s.onStop(s)
		close(s.done)
		s.logger.Info("consumer stopped", "queue", s.queue)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case amqpErr, ok := <-s.closeCh:
			if ok && amqpErr != nil {
				s.logger.Error("channel closed", "queue", s.queue, "error", amqpErr)
				s.setErr(amqpErr)
			} else {
				s.setErr(transport.ErrChannelClosed)
			}
			return

		case delivery, ok := <-deliveries:
			if !ok {
				s.logger.Warn("delivery channel closed", "queue", s.queue)
				s.setErr(ErrConsumerCancelled)
				return
			}
			if err := s.handleDelivery(ctx, delivery, handler); err != nil {
				s.logger.Error("failed to handle message",
					"error", err,
					"queue", s.queue,
					"messageId", delivery.MessageId,
					"redelivered", delivery.Redelivered)
			}
		}
	}
}

func (s *subscription) handleDelivery(ctx context.Context, delivery amqp.Delivery, handler transport.Handler) error {
	msgCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	err := handler(msgCtx, fromDelivery(delivery))
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			s.logger.Error("failed to ack message", "error", ackErr)
		}
		return nil
	}

	requeue := !delivery.Redelivered
	if nackErr := delivery.Nack(false, requeue); nackErr != nil {
		s.logger.Error("failed to nack message",
			"error", nackErr,
			"originalError", err)
	}
	return err
}

func (s *subscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Done implements transport.Subscription
func (s *subscription) Done() <-chan struct{} {
	return s.done
}

// Err implements transport.Subscription
func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements transport.Subscription
func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		// unacked deliveries are requeued by the broker when the channel closes
		if cancelErr := s.ch.Cancel(s.tag, false); cancelErr != nil {
			s.logger.Debug("consumer cancel failed", "queue", s.queue, "error", cancelErr)
		}
		err = s.ch.Close()
	})
	if err != nil && err != amqp.ErrClosed {
		return err
	}
	return nil
}
