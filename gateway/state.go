package gateway

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// HealthState is the round-robin cursor and failure history of one pool.
// It is read and written without a lock; a stale read only costs a redundant
// connection attempt.
type HealthState struct {
	cursor      atomic.Int32
	lastFailure []atomic.Int64 // unix nanos, 0 when healthy
}

// NewHealthState creates state for n gateways, all healthy
func NewHealthState(n int) *HealthState {
	return &HealthState{
		lastFailure: make([]atomic.Int64, n),
	}
}

// Size returns the number of gateways
func (s *HealthState) Size() int {
	return len(s.lastFailure)
}

// NextIndex returns the gateway a selection pass should start from
func (s *HealthState) NextIndex() int {
	next := s.cursor.Inc() - 1
	if next < 0 {
		// wrapped
		next = 0
		s.cursor.Store(1)
	}
	return int(next) % len(s.lastFailure)
}

// LastFailure returns when gateway i last failed, or false if it is healthy
func (s *HealthState) LastFailure(i int) (time.Time, bool) {
	ns := s.lastFailure[i].Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// Healthy reports whether gateway i has no recorded failure
func (s *HealthState) Healthy(i int) bool {
	return s.lastFailure[i].Load() == 0
}

// MarkFailed records a failure of gateway i at t
func (s *HealthState) MarkFailed(i int, t time.Time) {
	s.lastFailure[i].Store(t.UnixNano())
}

// MarkHealthy clears the failure of gateway i
func (s *HealthState) MarkHealthy(i int) {
	s.lastFailure[i].Store(0)
}

// GatewayStatus is a point in time view of one gateway
type GatewayStatus struct {
	Index       int
	Healthy     bool
	LastFailure time.Time
}

// Snapshot returns the status of every gateway
func (s *HealthState) Snapshot() []GatewayStatus {
	out := make([]GatewayStatus, len(s.lastFailure))
	for i := range s.lastFailure {
		failed, ok := s.LastFailure(i)
		out[i] = GatewayStatus{Index: i, Healthy: !ok, LastFailure: failed}
	}
	return out
}

// States holds one HealthState per pool key. Selectors built over the same
// States and key share round-robin position and failure history.
type States struct {
	mu     sync.Mutex
	states map[string]*HealthState
}

// NewStates creates an empty registry
func NewStates() *States {
	return &States{states: make(map[string]*HealthState)}
}

// LoadOrStore returns the state for key, creating it for n gateways if absent
func (s *States) LoadOrStore(key string, n int) (*HealthState, error) {
	if n <= 0 {
		return nil, &ConfigError{Field: "endpoints", Value: n, Reason: "at least one gateway is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.states[key]; ok {
		if existing.Size() != n {
			return nil, &ConfigError{
				Field:  "endpoints",
				Value:  n,
				Reason: "does not match the gateway count already registered for pool " + key,
			}
		}
		return existing, nil
	}
	st := NewHealthState(n)
	s.states[key] = st
	return st, nil
}

// Get returns the state for key
func (s *States) Get(key string) (*HealthState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	return st, ok
}

// Keys returns the registered pool keys in order
func (s *States) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.states))
	for k := range s.states {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
