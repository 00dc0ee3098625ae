package gateway

import (
	"fmt"
	"time"

	"github.com/glimte/wlmreply/transport"
)

const (
	// DefaultPoolKey names the health state shared by selectors that do not choose their own
	DefaultPoolKey = "wlm/GWCF"
	// DefaultInitialDelay is the first sleep of the retry loop
	DefaultInitialDelay = 200 * time.Millisecond
	// DefaultTimeout bounds the retry loop
	DefaultTimeout = 30 * time.Second
	// DefaultFailedGatewayRetry is how long a failed gateway is skipped
	DefaultFailedGatewayRetry = 60 * time.Second
)

// Config describes one gateway pool. Every selector built for the same
// PoolKey shares round-robin position and failure history, so they must agree
// on the number of endpoints.
type Config struct {
	PoolKey            string               `yaml:"pool_key"`
	Endpoints          []transport.Endpoint `yaml:"endpoints"`
	InitialDelay       time.Duration        `yaml:"initial_delay"`
	Timeout            time.Duration        `yaml:"timeout"`
	FailedGatewayRetry time.Duration        `yaml:"failed_gateway_retry"`
}

// DefaultConfig returns a config with default timings and no endpoints
func DefaultConfig() Config {
	return Config{
		PoolKey:            DefaultPoolKey,
		InitialDelay:       DefaultInitialDelay,
		Timeout:            DefaultTimeout,
		FailedGatewayRetry: DefaultFailedGatewayRetry,
	}
}

// Validate checks the pool parameters
func (c Config) Validate() error {
	if c.PoolKey == "" {
		return &ConfigError{Field: "pool_key", Reason: "must not be empty"}
	}
	if len(c.Endpoints) == 0 {
		return &ConfigError{Field: "endpoints", Reason: "at least one gateway is required"}
	}
	for i, ep := range c.Endpoints {
		if ep.URL == "" {
			return &ConfigError{Field: fmt.Sprintf("endpoints[%d].url", i), Reason: "must not be empty"}
		}
	}
	if c.InitialDelay <= 0 {
		return &ConfigError{Field: "initial_delay", Value: c.InitialDelay, Reason: "must be positive"}
	}
	if c.Timeout <= 0 {
		return &ConfigError{Field: "timeout", Value: c.Timeout, Reason: "must be positive"}
	}
	if c.FailedGatewayRetry <= 0 {
		return &ConfigError{Field: "failed_gateway_retry", Value: c.FailedGatewayRetry, Reason: "must be positive"}
	}
	return nil
}
