package correlator

import "time"

// Request outcomes
const (
	OutcomeReply      = "reply"
	OutcomeTimeout    = "timeout"
	OutcomeSendFailed = "send_failed"
	OutcomeCancelled  = "cancelled"
	OutcomeError      = "error"
)

// Dispatch outcomes
const (
	DispatchFast   = "fast"
	DispatchSlow   = "slow"
	DispatchOrphan = "orphan"
)

// MetricsCollector collects correlation metrics
type MetricsCollector interface {
	// RecordRequest records a finished request-reply exchange
	RecordRequest(outcome string, duration time.Duration)

	// RecordDispatch records how an inbound reply was handled
	RecordDispatch(outcome string)

	// SetInFlight reports the number of registered requests
	SetInFlight(n int)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordRequest does nothing
func (NoOpMetricsCollector) RecordRequest(outcome string, duration time.Duration) {}

// RecordDispatch does nothing
func (NoOpMetricsCollector) RecordDispatch(outcome string) {}

// SetInFlight does nothing
func (NoOpMetricsCollector) SetInFlight(n int) {}
