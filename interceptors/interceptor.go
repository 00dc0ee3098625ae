package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/glimte/wlmreply/responder"
	"github.com/glimte/wlmreply/transport"
)

// ErrHandlerPanic is returned when a request handler panics
var ErrHandlerPanic = errors.New("request handler panicked")

// Outcomes reported to a MetricsCollector
const (
	OutcomeReplied = "replied"
	OutcomeNoReply = "no_reply"
	OutcomeError   = "error"
)

// Interceptor wraps request handling for a responder
type Interceptor interface {
	// Intercept processes a request and calls the next handler in the chain
	Intercept(ctx context.Context, req *transport.Message, next responder.RequestHandler) (*transport.Message, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, req *transport.Message, next responder.RequestHandler) (*transport.Message, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, req *transport.Message, next responder.RequestHandler) (*transport.Message, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, req *transport.Message, next responder.RequestHandler) (*transport.Message, error) {
	return i.fn(ctx, req, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors. The first one added runs outermost.
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain of the given interceptors
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: append([]Interceptor(nil), interceptors...)}
}

// Add adds an interceptor to the end of the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names lists the interceptors in execution order
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, in := range c.interceptors {
		names[i] = in.Name()
	}
	return names
}

// Then wraps handler with the chain
func (c *Chain) Then(handler responder.RequestHandler) responder.RequestHandler {
	// Build the chain in reverse order
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, req *transport.Message) (*transport.Message, error) {
			return interceptor.Intercept(ctx, req, next)
		}
	}
	return handler
}

// LoggingInterceptor logs request processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, req *transport.Message, next responder.RequestHandler) (*transport.Message, error) {
	start := time.Now()
	i.logger.Debug("processing request", "messageId", req.ID, "replyTo", replyTo(req))

	reply, err := next(ctx, req)
	duration := time.Since(start)

	switch {
	case err != nil:
		i.logger.Error("request processing failed",
			"messageId", req.ID,
			"duration", duration,
			"error", err,
		)
	case reply == nil:
		i.logger.Debug("request processed without reply", "messageId", req.ID, "duration", duration)
	default:
		i.logger.Debug("request processed", "messageId", req.ID, "duration", duration)
	}
	return reply, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

func replyTo(req *transport.Message) string {
	if req.ReplyTo == nil {
		return ""
	}
	return req.ReplyTo.String()
}

// MetricsCollector records handled requests
type MetricsCollector interface {
	RecordHandled(outcome string, duration time.Duration)
}

// MetricsInterceptor reports the outcome and duration of every request
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, req *transport.Message, next responder.RequestHandler) (*transport.Message, error) {
	start := time.Now()
	reply, err := next(ctx, req)

	outcome := OutcomeReplied
	if err != nil {
		outcome = OutcomeError
	} else if reply == nil {
		outcome = OutcomeNoReply
	}
	i.collector.RecordHandled(outcome, time.Since(start))
	return reply, err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// TimeoutInterceptor bounds the time a handler may take
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

type handled struct {
	reply *transport.Message
	err   error
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, req *transport.Message, next responder.RequestHandler) (*transport.Message, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan handled, 1)
	go func() {
		reply, err := next(timeoutCtx, req)
		done <- handled{reply: reply, err: err}
	}()

	select {
	case h := <-done:
		return h.reply, h.err
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("request processing timeout after %v for message %s: %w", i.timeout, req.ID, timeoutCtx.Err())
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// RecoveryInterceptor turns a handler panic into ErrHandlerPanic
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, req *transport.Message, next responder.RequestHandler) (reply *transport.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("request handler panicked",
				"messageId", req.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			reply, err = nil, fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return next(ctx, req)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// Default returns the chain used by responders started through the client:
// logging, then metrics, with recovery innermost so a handler panic reaches
// both as an ErrHandlerPanic error.
func Default(logger *slog.Logger, collector MetricsCollector) *Chain {
	chain := NewChain(NewLoggingInterceptor(logger))
	if collector != nil {
		chain.Add(NewMetricsInterceptor(collector))
	}
	return chain.Add(NewRecoveryInterceptor(logger))
}
