// Package gateway spreads connections over a pool of redundant backend
// gateways that fail independently.
//
// A Selector starts each selection at the next round-robin index of the pool's
// shared HealthState. Gateways that failed within the configured window are
// skipped on the first pass; when nothing could be attempted or every attempt
// failed, the selector sleeps and retries every gateway, doubling the delay
// until the pool timeout is used up.
package gateway
