package natsbus

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/wlmreply/transport"
	"github.com/nats-io/nats.go"
)

const messageTimeout = 30 * time.Second

type subscription struct {
	conn    *Connection
	subject string
	ns      natsSubscription
	cancel  context.CancelFunc

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (s *subscription) deliver(ctx context.Context, in *nats.Msg, handler transport.Handler) {
	if ctx.Err() != nil {
		return
	}
	msg := decode(in)
	logger := s.conn.logger.With("subject", s.subject, "messageId", msg.ID)

	if ttl, ok := msg.TimeToLive(time.Now()); ok && ttl <= 0 {
		logger.Debug("dropping expired message", "expiredAt", msg.Expiration)
		return
	}

	msgCtx, cancel := context.WithTimeout(ctx, messageTimeout)
	defer cancel()

	err := handler(msgCtx, msg)
	if err == nil {
		return
	}

	target := in.Subject
	if msg.Redelivered {
		target = in.Subject + s.conn.deadLetterSuffix
		logger.Warn("redelivery failed, dead-lettering", "error", err, "deadLetter", target)
	} else {
		logger.Debug("handler failed, redelivering", "error", err)
	}

	retry := nats.NewMsg(target)
	retry.Data = in.Data
	for k, vs := range in.Header {
		retry.Header[k] = append([]string(nil), vs...)
	}
	retry.Header.Set(headerRedelivered, "true")
	if perr := s.conn.nc.PublishMsg(retry); perr != nil {
		logger.Error("failed to republish message", "error", perr, "subject", target)
	}
}

func (s *subscription) stop(reason error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()

		s.cancel()
		if err := s.ns.Unsubscribe(); err != nil && reason == nil {
			s.conn.logger.Debug("unsubscribe failed", "subject", s.subject, "error", err)
		}
		s.conn.forget(s)
		close(s.done)
	})
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
