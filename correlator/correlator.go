package correlator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/wlmreply/transport"
)

// RequestOptions controls one request-reply exchange
type RequestOptions struct {
	DeliveryMode transport.DeliveryMode
	Priority     uint8
	// Timeout bounds the wait for the reply, measured from after the send.
	Timeout time.Duration
	// UseExpiry sets the request message's time to live to Timeout.
	UseExpiry bool
}

// Correlator sends requests and waits for the replies a Dispatcher hands over
type Correlator struct {
	table   *RequestTable
	logger  *slog.Logger
	metrics MetricsCollector
}

// CorrelatorOption configures a Correlator
type CorrelatorOption func(*Correlator)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) CorrelatorOption {
	return func(c *Correlator) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) CorrelatorOption {
	return func(c *Correlator) {
		c.metrics = metrics
	}
}

// NewCorrelator creates a correlator over table. The same table must be given
// to the Dispatcher that receives the replies.
func NewCorrelator(table *RequestTable, opts ...CorrelatorOption) *Correlator {
	c := &Correlator{
		table:   table,
		logger:  slog.Default(),
		metrics: NoOpMetricsCollector{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Table returns the request table
func (c *Correlator) Table() *RequestTable {
	return c.table
}

// RequestReply sends msg on sender and waits for the correlated reply.
// It returns the reply, nil with a nil error if none arrived within the
// timeout, or the send error. The request is always released before return.
func (c *Correlator) RequestReply(ctx context.Context, sender transport.Sender, msg *transport.Message, opts RequestOptions) (*transport.Message, error) {
	if opts.Timeout <= 0 {
		return nil, ErrInvalidTimeout
	}

	start := time.Now()
	req := c.table.Register()
	c.metrics.SetInFlight(c.table.Len())

	outcome := OutcomeError
	defer func() {
		c.table.Release(req)
		c.metrics.SetInFlight(c.table.Len())
		c.metrics.RecordRequest(outcome, time.Since(start))
	}()

	sendOpts := transport.SendOptions{
		DeliveryMode: opts.DeliveryMode,
		Priority:     opts.Priority,
	}
	if opts.UseExpiry {
		sendOpts.TimeToLive = opts.Timeout
	}

	id, err := sender.Send(ctx, msg, sendOpts)
	if err != nil {
		outcome = OutcomeSendFailed
		return nil, err
	}
	if err := c.table.Bind(req, id); err != nil {
		return nil, err
	}
	if id == "" {
		c.logger.Warn("transport assigned no message id, reply cannot be correlated")
	}

	c.logger.Debug("request sent, waiting for reply",
		"messageId", id,
		"timeout", opts.Timeout)

	reply, err := req.WaitForReply(ctx, opts.Timeout)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = OutcomeCancelled
		return nil, err
	case err != nil:
		return nil, err
	case reply == nil:
		outcome = OutcomeTimeout
		c.logger.Debug("no reply within timeout", "messageId", id, "timeout", opts.Timeout)
		return nil, nil
	}

	outcome = OutcomeReply
	c.logger.Debug("reply received", "messageId", id, "replyId", reply.ID)
	return reply, nil
}
