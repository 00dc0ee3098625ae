package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/wlmreply/gateway"
	"github.com/glimte/wlmreply/transport"
)

// ErrNoReplyDestination is returned when a request names no reply
// destination and no default is configured
var ErrNoReplyDestination = errors.New("request has no reply destination and no default is configured")

// RequestHandler processes one request and builds the reply. Only the reply's
// Body, ContentType and Headers are used. A nil reply sends nothing.
type RequestHandler func(ctx context.Context, request *transport.Message) (*transport.Message, error)

// Diagnostics describes the context a message is processed in, for debug logs
type Diagnostics interface {
	Describe(ctx context.Context) string
}

// Responder answers requests. Each reply is sent on a transactional bundle
// obtained from the selector, so it may leave through any gateway.
type Responder struct {
	selector     *gateway.Selector
	handler      RequestHandler
	defaultReply transport.Destination
	diagnostics  Diagnostics
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Responder
type Option func(*Responder)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Responder) {
		r.logger = logger
	}
}

// WithDefaultReplyDestination sets where replies go when a request has no reply-to
func WithDefaultReplyDestination(dest transport.Destination) Option {
	return func(r *Responder) {
		r.defaultReply = dest
	}
}

// WithDiagnostics sets a collaborator whose description is logged per request
func WithDiagnostics(d Diagnostics) Option {
	return func(r *Responder) {
		r.diagnostics = d
	}
}

// WithClock replaces the clock used to compute the remaining request lifetime
func WithClock(now func() time.Time) Option {
	return func(r *Responder) {
		r.now = now
	}
}

// New creates a responder
func New(selector *gateway.Selector, handler RequestHandler, opts ...Option) *Responder {
	r := &Responder{
		selector: selector,
		handler:  handler,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handler returns OnMessage as a transport.Handler
func (r *Responder) Handler() transport.Handler {
	return r.OnMessage
}

// OnMessage processes request and sends the reply. The reply's correlation id
// is the request's message id; delivery mode, priority and remaining lifetime
// are carried over from the request. A request that has already expired gets
// no reply. A returned error asks the transport to redeliver the request.
func (r *Responder) OnMessage(ctx context.Context, request *transport.Message) (err error) {
	logger := r.logger.With("messageId", request.ID)
	if r.diagnostics != nil && logger.Enabled(ctx, slog.LevelDebug) {
		if desc := r.diagnostics.Describe(ctx); desc != "" {
			logger.Debug("processing context", "context", desc)
		}
	}

	reply, err := r.handler(ctx, request)
	if err != nil {
		logger.Warn("request handler failed", "rootCause", transport.RootCause(err).Error())
		return fmt.Errorf("processing request %s: %w", request.ID, err)
	}
	if reply == nil {
		logger.Debug("handler produced no reply")
		return nil
	}

	dest := r.defaultReply
	if request.ReplyTo != nil && !request.ReplyTo.IsZero() {
		dest = *request.ReplyTo
	}
	if dest.IsZero() {
		return ErrNoReplyDestination
	}

	opts := transport.SendOptions{
		DeliveryMode: request.DeliveryMode,
		Priority:     request.Priority,
	}
	if ttl, ok := request.TimeToLive(r.now()); ok {
		if ttl <= 0 {
			logger.Warn("request expired before reply, dropping reply",
				"expiredAt", request.Expiration,
				"replyTo", dest.String())
			return nil
		}
		opts.TimeToLive = ttl
	}

	bundle, err := r.selector.Get(ctx, gateway.Target{
		Destination:   dest,
		Transactional: true,
		AckMode:       transport.AutoAck,
	})
	if err != nil {
		logger.Error("no gateway available for reply",
			"replyTo", dest.String(),
			"rootCause", transport.RootCause(err).Error())
		return err
	}

	complete := false
	defer func() {
		if closeErr := bundle.Close(complete); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	out := &transport.Message{
		CorrelationID: request.ID,
		ContentType:   reply.ContentType,
		Headers:       reply.Headers,
		Body:          reply.Body,
	}
	replyID, err := bundle.Send(ctx, out, opts)
	if err != nil {
		if rbErr := bundle.Rollback(); rbErr != nil {
			logger.Debug("rollback after send failure", "error", rbErr)
		}
		logger.Error("failed to send reply",
			"gateway", bundle.Gateway(),
			"rootCause", transport.RootCause(err).Error())
		return err
	}
	if err := bundle.Commit(); err != nil {
		logger.Error("failed to commit reply",
			"gateway", bundle.Gateway(),
			"rootCause", transport.RootCause(err).Error())
		return err
	}

	logger.Debug("reply sent",
		"replyId", replyID,
		"replyTo", dest.String(),
		"gateway", bundle.Gateway())
	complete = true
	return nil
}

// Echo returns a handler whose reply describes the request it received
func Echo(name string) RequestHandler {
	return func(ctx context.Context, request *transport.Message) (*transport.Message, error) {
		body := fmt.Sprintf("%s received %q at %s", name, request.ID, time.Now().Format(time.RFC3339Nano))
		if len(request.Body) > 0 {
			body += "\n" + string(request.Body)
		}
		return &transport.Message{ContentType: "text/plain", Body: []byte(body)}, nil
	}
}
