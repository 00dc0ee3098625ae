package listener

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/glimte/wlmreply/transport"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrAlreadyStarted is returned by Start on a running listener
	ErrAlreadyStarted = errors.New("listener already started")
	// ErrNoEndpoints is returned when a listener has nothing to consume from
	ErrNoEndpoints = errors.New("listener requires at least one endpoint")
)

const (
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 5 * time.Minute
)

// Status describes the consumer on one gateway
type Status struct {
	Gateway    int
	Endpoint   string
	Connected  bool
	Reconnects int
	LastError  error
	Since      time.Time
}

// Listener consumes one source destination on every gateway and hands each
// message to a handler. Each gateway is supervised on its own: when its
// connection or consumer goes away it is reopened with exponential backoff,
// while the other gateways keep consuming.
type Listener struct {
	id        string
	transport transport.Transport
	endpoints []transport.Endpoint
	source    transport.Destination
	handler   transport.Handler

	logger            *slog.Logger
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	running atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	mu       sync.Mutex
	statuses []Status
}

// Option configures a Listener
type Option func(*Listener)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithReconnectDelay sets the base delay between reconnect attempts
func WithReconnectDelay(delay time.Duration) Option {
	return func(l *Listener) {
		l.reconnectDelay = delay
	}
}

// WithMaxReconnectDelay caps the delay between reconnect attempts
func WithMaxReconnectDelay(delay time.Duration) Option {
	return func(l *Listener) {
		l.maxReconnectDelay = delay
	}
}

// New creates a listener for source on every endpoint
func New(t transport.Transport, endpoints []transport.Endpoint, source transport.Destination, handler transport.Handler, opts ...Option) *Listener {
	l := &Listener{
		id:                uuid.New().String(),
		transport:         t,
		endpoints:         append([]transport.Endpoint(nil), endpoints...),
		source:            source,
		handler:           handler,
		logger:            slog.Default(),
		reconnectDelay:    defaultReconnectDelay,
		maxReconnectDelay: defaultMaxReconnectDelay,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("listener", l.id, "source", source.String())

	l.statuses = make([]Status, len(l.endpoints))
	for i, ep := range l.endpoints {
		l.statuses[i] = Status{Gateway: i, Endpoint: ep.String()}
	}
	return l
}

// ID returns the listener's unique id
func (l *Listener) ID() string {
	return l.id
}

// Start begins consuming on every gateway. It returns once the supervisors
// are running; gateways that cannot be reached yet are retried in the
// background.
func (l *Listener) Start(ctx context.Context) error {
	if len(l.endpoints) == 0 {
		return ErrNoEndpoints
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	l.cancel = cancel
	l.group = group

	for i := range l.endpoints {
		group.Go(func() error {
			return l.supervise(groupCtx, i)
		})
	}

	l.logger.Info("listener started", "gateways", len(l.endpoints))
	return nil
}

// Stop stops every consumer and waits for the supervisors to exit
func (l *Listener) Stop() error {
	if !l.running.CompareAndSwap(true, false) {
		return nil
	}
	l.cancel()
	err := l.group.Wait()
	l.logger.Info("listener stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Running reports whether the listener has been started and not stopped
func (l *Listener) Running() bool {
	return l.running.Load()
}

// Status returns the state of every gateway consumer
func (l *Listener) Status() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.statuses...)
}

func (l *Listener) supervise(ctx context.Context, index int) error {
	endpoint := l.endpoints[index]
	logger := l.logger.With("gateway", index)
	attempt := 0

	for {
		if attempt > 0 {
			delay := l.backoff(attempt - 1)
			logger.Debug("waiting before reconnect", "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		conn, err := l.transport.Connect(ctx, endpoint)
		if err != nil {
			logger.Warn("listener connect failed", "error", err, "attempt", attempt)
			l.setDisconnected(index, err)
			attempt++
			continue
		}

		sub, err := conn.Consume(ctx, l.source, l.handler)
		if err != nil {
			logger.Warn("listener consume failed", "error", err, "attempt", attempt)
			if closeErr := conn.Close(); closeErr != nil {
				logger.Debug("closing connection after consume failure", "error", closeErr)
			}
			l.setDisconnected(index, err)
			attempt++
			continue
		}

		l.setConnected(index, attempt > 0)
		logger.Info("consuming", "endpoint", endpoint.String())

		select {
		case <-ctx.Done():
			if err := sub.Close(); err != nil {
				logger.Debug("closing subscription", "error", err)
			}
			if err := conn.Close(); err != nil {
				logger.Debug("closing connection", "error", err)
			}
			l.setDisconnected(index, nil)
			return nil

		case <-sub.Done():
			cause := sub.Err()
			if cause == nil {
				cause = transport.ErrConnectionClosed
			}
			logger.Warn("consumer stopped, reconnecting", "error", cause)
			if err := conn.Close(); err != nil {
				logger.Debug("closing connection", "error", err)
			}
			l.setDisconnected(index, cause)
			attempt = 1
		}
	}
}

// backoff doubles the base delay per attempt up to the cap, with ±25% jitter
func (l *Listener) backoff(attempt int) time.Duration {
	base := l.reconnectDelay
	if base <= 0 {
		base = defaultReconnectDelay
	}

	delay := l.maxReconnectDelay
	if attempt < 32 {
		if d := base * time.Duration(1<<uint(attempt)); d > 0 && d < delay {
			delay = d
		}
	}

	jitter := int64(delay) / 4
	if jitter <= 0 {
		return delay
	}
	return delay - time.Duration(jitter/2) + time.Duration(rand.Int64N(jitter))
}

func (l *Listener) setConnected(index int, reconnected bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &l.statuses[index]
	s.Connected = true
	s.LastError = nil
	s.Since = time.Now()
	if reconnected {
		s.Reconnects++
	}
}

func (l *Listener) setDisconnected(index int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &l.statuses[index]
	if s.Connected {
		s.Since = time.Now()
	}
	s.Connected = false
	if err != nil {
		s.LastError = err
	}
}
