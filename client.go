// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wlmreply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/glimte/wlmreply/config"
	"github.com/glimte/wlmreply/correlator"
	"github.com/glimte/wlmreply/gateway"
	"github.com/glimte/wlmreply/health"
	"github.com/glimte/wlmreply/interceptors"
	"github.com/glimte/wlmreply/internal/natsbus"
	"github.com/glimte/wlmreply/internal/rabbitmq"
	"github.com/glimte/wlmreply/listener"
	"github.com/glimte/wlmreply/metrics"
	"github.com/glimte/wlmreply/responder"
	"github.com/glimte/wlmreply/transport"
	"github.com/glimte/wlmreply/transport/memtransport"
)

var (
	// ErrNotStarted is returned by RequestReply before Start, since no reply could be received
	ErrNotStarted = errors.New("client not started")
	// ErrClosed is returned by operations on a closed client
	ErrClosed = errors.New("client closed")
	// ErrNoDestination is returned when neither the call nor the config names a destination
	ErrNoDestination = errors.New("no destination given and none configured")
)

// Diagnostics describes the context a call runs in. Its output is only
// logged at debug level.
type Diagnostics = responder.Diagnostics

// SendOptions controls a fire-and-forget send
type SendOptions struct {
	DeliveryMode transport.DeliveryMode
	Priority     uint8
	TimeToLive   time.Duration
	// Transactional sends on a transacted channel and commits before returning
	Transactional bool
}

// Client sends requests through a pool of redundant gateways and receives
// the replies on every one of them
type Client struct {
	cfg        *config.Config
	transport  transport.Transport
	states     *gateway.States
	selector   *gateway.Selector
	table      *correlator.RequestTable
	correlator *correlator.Correlator
	dispatcher *correlator.Dispatcher
	replies    *listener.Listener
	metrics    *metrics.Metrics
	health     *health.Registry
	diag       Diagnostics
	logger     *slog.Logger

	mu         sync.Mutex
	started    bool
	closed     bool
	responders []*listener.Listener
}

// clientConfig holds client configuration
type clientConfig struct {
	logger      *slog.Logger
	transport   transport.Transport
	states      *gateway.States
	metrics     *metrics.Metrics
	diagnostics Diagnostics
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithTransport replaces the transport named by the config
func WithTransport(t transport.Transport) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = t
	}
}

// WithStates shares gateway health state with other clients of the same pool
func WithStates(states *gateway.States) ClientOption {
	return func(cfg *clientConfig) {
		cfg.states = states
	}
}

// WithMetrics sets the metrics the client records to
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = m
	}
}

// WithDiagnostics sets a collaborator whose description is logged per call
func WithDiagnostics(d Diagnostics) ClientOption {
	return func(cfg *clientConfig) {
		cfg.diagnostics = d
	}
}

// NewClient validates cfg and wires a client. Nothing connects until Start,
// RequestReply, Send or Respond.
func NewClient(cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cc)
	}
	if cc.transport == nil {
		cc.transport = newTransport(cfg, cc.logger)
	}
	if cc.states == nil {
		cc.states = gateway.NewStates()
	}
	if cc.metrics == nil {
		cc.metrics = metrics.New(cfg.Metrics.Namespace)
	}

	selector, err := gateway.NewSelector(cfg.Gateway, cc.states, cc.transport,
		gateway.WithLogger(cc.logger),
		gateway.WithMetrics(cc.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway selector: %w", err)
	}

	orphans := correlator.RejectOrphans()
	if cfg.Requests.OrphanPolicy == config.OrphanDiscard {
		orphans = correlator.DiscardOrphans(cc.logger)
	}

	table := correlator.NewRequestTable()
	dispatcher := correlator.NewDispatcher(table,
		correlator.WithDispatcherLogger(cc.logger),
		correlator.WithDispatcherMetrics(cc.metrics),
		correlator.WithOrphanHandler(orphans),
		correlator.WithBindWaitTimeout(cfg.Requests.BindWaitTimeout),
	)

	replies := listener.New(cc.transport, cfg.Gateway.Endpoints, transport.Queue(cfg.Requests.ReplyTo), dispatcher.Handler(),
		listener.WithLogger(cc.logger),
		listener.WithReconnectDelay(cfg.Listener.ReconnectDelay),
		listener.WithMaxReconnectDelay(cfg.Listener.MaxReconnectDelay),
	)

	c := &Client{
		cfg:        cfg,
		transport:  cc.transport,
		states:     cc.states,
		selector:   selector,
		table:      table,
		correlator: correlator.NewCorrelator(table, correlator.WithLogger(cc.logger), correlator.WithMetrics(cc.metrics)),
		dispatcher: dispatcher,
		replies:    replies,
		metrics:    cc.metrics,
		diag:       cc.diagnostics,
		logger:     cc.logger,
	}
	c.health = health.NewRegistry(
		health.NewGatewayChecker(cfg.Gateway.PoolKey, selector.State(), cfg.Gateway.Endpoints),
		health.NewListenerChecker("reply_listener", replies),
		health.NewGoroutineChecker(5000, 20000),
		health.NewComponentChecker("requests", func(context.Context) (health.Status, string, map[string]interface{}, error) {
			n := table.Len()
			return health.StatusHealthy, fmt.Sprintf("%d requests waiting for a reply", n), map[string]interface{}{"inFlight": n}, nil
		}),
	)
	return c, nil
}

func newTransport(cfg *config.Config, logger *slog.Logger) transport.Transport {
	switch cfg.Transport.Kind {
	case config.TransportNATS:
		return natsbus.NewTransport(
			natsbus.WithLogger(logger),
			natsbus.WithConnectTimeout(cfg.Transport.ConnectTimeout),
			natsbus.WithClientName(cfg.Transport.ClientName),
			natsbus.WithQueueGroup(cfg.Transport.QueueGroup),
		)
	case config.TransportMemory:
		return memtransport.NewBroker()
	default:
		return rabbitmq.NewTransport(
			rabbitmq.WithLogger(logger),
			rabbitmq.WithDialTimeout(cfg.Transport.ConnectTimeout),
			rabbitmq.WithPrefetchCount(cfg.Transport.PrefetchCount),
			rabbitmq.WithQueueCheck(!cfg.Transport.SkipQueueCheck),
			rabbitmq.WithConnectionName(cfg.Transport.ClientName),
		)
	}
}

// Start begins consuming replies on every gateway. The reply listener keeps
// running after ctx is cancelled; it stops on Close.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	if err := c.replies.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to start reply listener: %w", err)
	}
	c.started = true
	c.logger.Info("client started",
		"replyTo", c.cfg.Requests.ReplyTo,
		"gateways", len(c.cfg.Gateway.Endpoints))
	return nil
}

// RequestReply sends msg to dest and waits for the correlated reply. A zero
// dest uses the configured request destination, and zero fields of opts take
// the configured defaults. It returns nil with a nil error when no reply
// arrived in time. msg itself is not modified.
func (c *Client) RequestReply(ctx context.Context, dest transport.Destination, msg *transport.Message, opts correlator.RequestOptions) (*transport.Message, error) {
	c.mu.Lock()
	started, closed := c.started, c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !started {
		return nil, ErrNotStarted
	}

	if dest.IsZero() {
		dest = c.cfg.Requests.Destination
	}
	if dest.IsZero() {
		return nil, ErrNoDestination
	}
	if opts.Timeout == 0 {
		opts.Timeout = c.cfg.Requests.Timeout
		opts.UseExpiry = opts.UseExpiry || c.cfg.Requests.UseExpiry
	}
	if opts.DeliveryMode == 0 {
		opts.DeliveryMode = c.deliveryMode()
	}
	if opts.Priority == 0 {
		opts.Priority = c.cfg.Requests.Priority
	}
	out := *msg
	if out.ReplyTo == nil {
		replyTo := transport.Queue(c.cfg.Requests.ReplyTo)
		out.ReplyTo = &replyTo
	}
	c.logDiagnostics(ctx, "request")

	bundle, err := c.selector.Get(ctx, gateway.Target{Destination: dest, AckMode: transport.AutoAck})
	if err != nil {
		return nil, err
	}

	reply, err := c.correlator.RequestReply(ctx, bundle, &out, opts)
	// the exchange is settled here; a failed close is logged by the bundle
	_ = bundle.Close(true)
	return reply, err
}

// Send sends msg to dest without waiting for a reply and returns the message id
func (c *Client) Send(ctx context.Context, dest transport.Destination, msg *transport.Message, opts SendOptions) (id string, err error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	if dest.IsZero() {
		dest = c.cfg.Requests.Destination
	}
	if dest.IsZero() {
		return "", ErrNoDestination
	}
	if opts.DeliveryMode == 0 {
		opts.DeliveryMode = c.deliveryMode()
	}
	c.logDiagnostics(ctx, "send")

	bundle, err := c.selector.Get(ctx, gateway.Target{
		Destination:   dest,
		Transactional: opts.Transactional,
		AckMode:       transport.AutoAck,
	})
	if err != nil {
		return "", err
	}

	complete := false
	defer func() {
		if closeErr := bundle.Close(complete); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	id, err = bundle.Send(ctx, msg, transport.SendOptions{
		DeliveryMode: opts.DeliveryMode,
		Priority:     opts.Priority,
		TimeToLive:   opts.TimeToLive,
	})
	if err != nil {
		return "", err
	}
	if opts.Transactional {
		if err := bundle.Commit(); err != nil {
			return "", err
		}
	}
	complete = true
	return id, nil
}

// Respond answers requests arriving on queue at every gateway with handler.
// The handler runs behind logging, metrics and panic recovery interceptors.
// Replies go through the client's gateway pool. The returned listener is
// stopped by Close.
func (c *Client) Respond(ctx context.Context, queue string, handler responder.RequestHandler, opts ...responder.Option) (*listener.Listener, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if queue == "" {
		return nil, ErrNoDestination
	}

	base := []responder.Option{
		responder.WithLogger(c.logger),
		responder.WithDefaultReplyDestination(c.cfg.Responder.DefaultReply),
	}
	if c.diag != nil {
		base = append(base, responder.WithDiagnostics(c.diag))
	}
	handler = interceptors.Default(c.logger, c.metrics).Then(handler)
	r := responder.New(c.selector, handler, append(base, opts...)...)

	l := listener.New(c.transport, c.cfg.Gateway.Endpoints, transport.Queue(queue), r.Handler(),
		listener.WithLogger(c.logger),
		listener.WithReconnectDelay(c.cfg.Listener.ReconnectDelay),
		listener.WithMaxReconnectDelay(c.cfg.Listener.MaxReconnectDelay),
	)
	if err := l.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("failed to start responder on %s: %w", queue, err)
	}
	c.responders = append(c.responders, l)
	c.health.Register(health.NewListenerChecker("responder_"+queue, l))

	c.logger.Info("responder started", "queue", queue)
	return l, nil
}

// Health runs every health check and refreshes the gateway health gauges
func (c *Client) Health(ctx context.Context) health.Report {
	c.metrics.ObserveHealth(c.selector.PoolKey(), c.selector.State())
	return c.health.Check(ctx)
}

// HealthRegistry returns the registry behind Health
func (c *Client) HealthRegistry() *health.Registry {
	return c.health
}

// Metrics returns the metrics the client records to
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// Selector returns the gateway selector
func (c *Client) Selector() *gateway.Selector {
	return c.selector
}

// Dispatcher returns the reply dispatcher
func (c *Client) Dispatcher() *correlator.Dispatcher {
	return c.dispatcher
}

// InFlight returns the number of requests waiting for a reply
func (c *Client) InFlight() int {
	return c.table.Len()
}

// Close stops every listener. Requests still waiting run into their timeout.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	responders := c.responders
	c.responders = nil
	c.mu.Unlock()

	var err error
	for _, l := range responders {
		err = multierr.Append(err, l.Stop())
	}
	err = multierr.Append(err, c.replies.Stop())
	c.logger.Info("client closed")
	return err
}

func (c *Client) deliveryMode() transport.DeliveryMode {
	if c.cfg.Requests.Persistent {
		return transport.Persistent
	}
	return transport.NonPersistent
}

func (c *Client) logDiagnostics(ctx context.Context, op string) {
	if c.diag == nil || !c.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	if desc := c.diag.Describe(ctx); desc != "" {
		c.logger.Debug("call context", "op", op, "context", desc)
	}
}
