package health

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/glimte/wlmreply/gateway"
	"github.com/glimte/wlmreply/listener"
	"github.com/glimte/wlmreply/transport"
)

// GatewayChecker reports the failure history of a gateway pool. It never
// connects; it reads the state selectors keep.
type GatewayChecker struct {
	pool      string
	state     *gateway.HealthState
	endpoints []transport.Endpoint
}

// NewGatewayChecker creates a checker for the pool behind state
func NewGatewayChecker(pool string, state *gateway.HealthState, endpoints []transport.Endpoint) *GatewayChecker {
	return &GatewayChecker{
		pool:      pool,
		state:     state,
		endpoints: endpoints,
	}
}

func (c *GatewayChecker) Name() string {
	return "gateways"
}

// Check is healthy when no gateway failed recently, degraded when some did
// and unhealthy when all did
func (c *GatewayChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"pool": c.pool},
	}

	snapshot := c.state.Snapshot()
	failed := 0
	for _, s := range snapshot {
		key := "gateway_" + strconv.Itoa(s.Index)
		if s.Index < len(c.endpoints) {
			key = c.endpoints[s.Index].String()
		}
		if s.Healthy {
			result.Details[key] = "healthy"
			continue
		}
		failed++
		result.Details[key] = "failed at " + s.LastFailure.Format(time.RFC3339)
	}

	switch {
	case failed == 0:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d gateways healthy", len(snapshot))
	case failed < len(snapshot):
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d gateways failed recently", failed, len(snapshot))
	default:
		result.Status = StatusUnhealthy
		result.Message = "every gateway failed recently"
	}
	result.Duration = time.Since(start)
	return result
}

// ListenerChecker reports whether a listener is consuming on its gateways
type ListenerChecker struct {
	name     string
	listener *listener.Listener
}

// NewListenerChecker creates a checker for l
func NewListenerChecker(name string, l *listener.Listener) *ListenerChecker {
	return &ListenerChecker{name: name, listener: l}
}

func (c *ListenerChecker) Name() string {
	return c.name
}

func (c *ListenerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if !c.listener.Running() {
		result.Status = StatusUnhealthy
		result.Message = "listener not running"
		result.Duration = time.Since(start)
		return result
	}

	statuses := c.listener.Status()
	connected := 0
	for _, s := range statuses {
		if s.Connected {
			connected++
			result.Details[s.Endpoint] = "consuming"
			continue
		}
		detail := "disconnected"
		if s.LastError != nil {
			detail += ": " + s.LastError.Error()
			result.Error = s.LastError.Error()
		}
		result.Details[s.Endpoint] = detail
	}

	switch {
	case connected == len(statuses):
		result.Status = StatusHealthy
		result.Message = "consuming on every gateway"
	case connected > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("consuming on %d of %d gateways", connected, len(statuses))
	default:
		result.Status = StatusUnhealthy
		result.Message = "not consuming on any gateway"
	}
	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker flags runaway goroutine counts, which usually means
// requests or consumers are not being released
type GoroutineChecker struct {
	warning  int
	critical int
}

// NewGoroutineChecker creates a checker with the given thresholds
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	n := runtime.NumGoroutine()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"goroutines": n},
	}

	switch {
	case n > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", n)
	case n > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", n)
	default:
		result.Status = StatusHealthy
	}
	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)
	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
