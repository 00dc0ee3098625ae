package correlator

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/wlmreply/transport"
)

// DefaultBindWaitTimeout bounds how long the slow pass waits for one unbound
// request to learn its correlation id
const DefaultBindWaitTimeout = 30 * time.Second

// OrphanHandler decides what happens to a reply no request claimed. A non-nil
// error is returned from OnMessage so the transport can redeliver or
// dead-letter the message.
type OrphanHandler func(ctx context.Context, msg *transport.Message, reason error) error

// RejectOrphans returns an *OrphanError for every orphaned reply
func RejectOrphans() OrphanHandler {
	return func(ctx context.Context, msg *transport.Message, reason error) error {
		return &OrphanError{
			CorrelationID: msg.CorrelationID,
			MessageID:     msg.ID,
			Reason:        reason,
			Timestamp:     time.Now(),
		}
	}
}

// DiscardOrphans logs orphaned replies and lets the transport acknowledge them
func DiscardOrphans(logger *slog.Logger) OrphanHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, msg *transport.Message, reason error) error {
		logger.Warn("discarding orphaned reply",
			"messageId", msg.ID,
			"correlationId", msg.CorrelationID,
			"reason", reason)
		return nil
	}
}

// Dispatcher hands inbound replies to the in-flight request they correlate with
type Dispatcher struct {
	table    *RequestTable
	orphans  OrphanHandler
	bindWait time.Duration
	logger   *slog.Logger
	metrics  MetricsCollector
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherMetrics sets the metrics collector
func WithDispatcherMetrics(metrics MetricsCollector) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithOrphanHandler sets the orphan policy
func WithOrphanHandler(handler OrphanHandler) DispatcherOption {
	return func(d *Dispatcher) {
		d.orphans = handler
	}
}

// WithBindWaitTimeout bounds the slow-pass wait per unbound request.
// Zero or negative waits until the request binds or completes.
func WithBindWaitTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.bindWait = timeout
	}
}

// NewDispatcher creates a dispatcher over table
func NewDispatcher(table *RequestTable, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		table:    table,
		orphans:  RejectOrphans(),
		bindWait: DefaultBindWaitTimeout,
		logger:   slog.Default(),
		metrics:  NoOpMetricsCollector{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handler returns OnMessage as a transport.Handler
func (d *Dispatcher) Handler() transport.Handler {
	return d.OnMessage
}

// OnMessage correlates one inbound reply. The common case is served by the
// fast pass, which never blocks. Only when the reply races ahead of the
// requester binding its correlation id does the slow pass wait on the requests
// that are still unbound.
func (d *Dispatcher) OnMessage(ctx context.Context, msg *transport.Message) error {
	if !msg.HasCorrelationID() {
		return d.orphan(ctx, msg, ErrNoCorrelationID)
	}
	key := msg.CorrelationID

	pass := DispatchFast
	req := fastMatch(key, d.table.FindCandidates(key))
	if req == nil {
		pass = DispatchSlow
		req = d.slowMatch(ctx, key, d.table.FindCandidates(key))
	}
	if req == nil {
		return d.orphan(ctx, msg, ErrNoMatchingRequest)
	}
	if !d.table.Complete(req, msg) {
		return d.orphan(ctx, msg, ErrAlreadyCompleted)
	}

	d.metrics.RecordDispatch(pass)
	d.logger.Debug("reply dispatched",
		"messageId", msg.ID,
		"correlationId", key,
		"pass", pass)
	return nil
}

func fastMatch(key string, candidates []Candidate) *InFlightRequest {
	for _, c := range candidates {
		if c.Bound && c.Key == key {
			return c.Request
		}
	}
	return nil
}

func (d *Dispatcher) slowMatch(ctx context.Context, key string, candidates []Candidate) *InFlightRequest {
	for _, c := range candidates {
		if c.Bound {
			// bound between the two snapshots
			if c.Key == key {
				return c.Request
			}
			continue
		}
		got, bound := c.Request.waitForKey(ctx, d.bindWait)
		if bound && got == key {
			return c.Request
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func (d *Dispatcher) orphan(ctx context.Context, msg *transport.Message, reason error) error {
	d.metrics.RecordDispatch(DispatchOrphan)
	d.logger.Debug("orphaned reply",
		"messageId", msg.ID,
		"correlationId", msg.CorrelationID,
		"reason", reason)
	return d.orphans(ctx, msg, reason)
}
