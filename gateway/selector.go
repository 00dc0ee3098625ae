package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/wlmreply/transport"
)

// MetricsCollector collects gateway selection metrics
type MetricsCollector interface {
	// RecordAttempt records one connection attempt against a gateway
	RecordAttempt(gateway int, success bool, duration time.Duration)

	// RecordSkip records a gateway skipped because it failed recently
	RecordSkip(gateway int)

	// RecordRetryRound records one pass of the retry loop
	RecordRetryRound()
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordAttempt does nothing
func (NoOpMetricsCollector) RecordAttempt(gateway int, success bool, duration time.Duration) {}

// RecordSkip does nothing
func (NoOpMetricsCollector) RecordSkip(gateway int) {}

// RecordRetryRound does nothing
func (NoOpMetricsCollector) RecordRetryRound() {}

// Selector obtains a Bundle from a pool of gateways, rotating the starting
// gateway per call and steering around gateways that failed recently
type Selector struct {
	connector          *Connector
	state              *HealthState
	poolKey            string
	initialDelay       time.Duration
	timeout            time.Duration
	failedGatewayRetry time.Duration

	logger  *slog.Logger
	metrics MetricsCollector
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// SelectorOption configures a Selector
type SelectorOption func(*Selector)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) SelectorOption {
	return func(s *Selector) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) SelectorOption {
	return func(s *Selector) {
		s.metrics = metrics
	}
}

// WithClock replaces the wall clock used for failure timestamps and the
// retry deadline
func WithClock(now func() time.Time) SelectorOption {
	return func(s *Selector) {
		s.now = now
	}
}

// NewSelector validates cfg and creates a selector whose health state is
// shared with every other selector of cfg.PoolKey in states
func NewSelector(cfg Config, states *States, t transport.Transport, opts ...SelectorOption) (*Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	state, err := states.LoadOrStore(cfg.PoolKey, len(cfg.Endpoints))
	if err != nil {
		return nil, err
	}

	s := &Selector{
		state:              state,
		poolKey:            cfg.PoolKey,
		initialDelay:       cfg.InitialDelay,
		timeout:            cfg.Timeout,
		failedGatewayRetry: cfg.FailedGatewayRetry,
		logger:             slog.Default(),
		metrics:            NoOpMetricsCollector{},
		now:                time.Now,
		sleep:              sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("pool", cfg.PoolKey)
	s.connector = NewConnector(t, cfg.Endpoints, s.logger)
	return s, nil
}

// State returns the pool's shared health state
func (s *Selector) State() *HealthState {
	return s.state
}

// PoolKey returns the key the health state is shared under
func (s *Selector) PoolKey() string {
	return s.poolKey
}

// Connector returns the connector used to open bundles
func (s *Selector) Connector() *Connector {
	return s.connector
}

// Get returns a bundle open on some gateway. A first pass honors the failed
// gateway window; if it yields nothing, passes over every gateway are repeated
// with doubling delays until one succeeds or the timeout is used up. The
// error is the last connection failure seen.
func (s *Selector) Get(ctx context.Context, target Target) (*Bundle, error) {
	b, err := s.selectOnce(ctx, target, false)
	if err == nil {
		return b, nil
	}
	lastErr := err
	s.logger.Debug("no gateways currently available, entering retry loop",
		"error", err)

	start := s.now()
	delay := s.initialDelay
	for {
		s.logger.Debug("retry loop", "delay", delay)
		if err := s.sleep(ctx, delay); err != nil {
			return nil, lastErr
		}

		s.metrics.RecordRetryRound()
		b, err := s.selectOnce(ctx, target, true)
		if err == nil {
			return b, nil
		}
		lastErr = err

		waited := s.now().Sub(start)
		if waited < 0 {
			// clock moved backwards
			waited = s.timeout
		}
		if waited >= s.timeout {
			break
		}
		delay = min(delay*2, s.timeout-waited)
	}

	s.logger.Warn("no gateway connection within timeout",
		"timeout", s.timeout,
		"rootCause", transport.RootCause(lastErr).Error())
	return nil, lastErr
}

// selectOnce walks every gateway once starting from the next round-robin
// index. Unless retry is set, a gateway that failed within the retry window is
// skipped; if that skips them all, ErrAllGatewaysSkipped is returned.
func (s *Selector) selectOnce(ctx context.Context, target Target, retry bool) (*Bundle, error) {
	n := s.state.Size()
	first := s.state.NextIndex()

	var lastErr error
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		index := (first + i) % n

		lastFailure, failed := s.state.LastFailure(index)
		if !retry && failed {
			now := s.now()
			if now.Sub(lastFailure) < s.failedGatewayRetry {
				s.logger.Debug("skipping gateway", "gateway", index, "lastFailure", lastFailure)
				s.metrics.RecordSkip(index)
				continue
			}
			// Claim the attempt so concurrent callers keep skipping it.
			s.state.MarkFailed(index, now)
			s.logger.Debug("attempting previously failed gateway", "gateway", index, "lastFailure", lastFailure)
		}

		s.logger.Debug("attempting gateway", "gateway", index, "retry", retry)
		started := time.Now()
		b, err := s.connector.Open(ctx, index, target)
		s.metrics.RecordAttempt(index, err == nil, time.Since(started))
		if err != nil {
			s.logger.Debug("gateway attempt failed",
				"gateway", index,
				"rootCause", transport.RootCause(err).Error())
			// a cancelled caller says nothing about the gateway
			if !failed && ctx.Err() == nil {
				s.state.MarkFailed(index, s.now())
			}
			lastErr = err
			continue
		}

		if failed {
			s.state.MarkHealthy(index)
			s.logger.Info("gateway recovered", "gateway", index)
		}
		return b, nil
	}

	if lastErr == nil {
		return nil, ErrAllGatewaysSkipped
	}
	return nil, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
