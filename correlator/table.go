package correlator

import (
	"sync"

	"github.com/glimte/wlmreply/transport"
)

// Candidate is a request captured by FindCandidates together with the
// correlation id state it had when the snapshot was taken
type Candidate struct {
	Request *InFlightRequest
	Key     string
	Bound   bool
}

// RequestTable holds every in-flight request between Register and Release.
// Table membership and key binding are serialized by one mutex so a scan never
// sees a half-applied registration, bind or removal; waiting and completion use
// the per-request lock only.
type RequestTable struct {
	mu       sync.Mutex
	requests map[uint64]*InFlightRequest
	unbound  map[uint64]*InFlightRequest
	byKey    map[string]*InFlightRequest
}

// NewRequestTable creates an empty request table
func NewRequestTable() *RequestTable {
	return &RequestTable{
		requests: make(map[uint64]*InFlightRequest),
		unbound:  make(map[uint64]*InFlightRequest),
		byKey:    make(map[string]*InFlightRequest),
	}
}

// Register adds a new pending, unbound request
func (t *RequestTable) Register() *InFlightRequest {
	req := newInFlightRequest()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests[req.id] = req
	t.unbound[req.id] = req
	return req
}

// Bind sets the request's correlation id. It may be called once per request;
// an empty key binds the request to the empty id, which no reply can match.
// Any dispatcher waiting for this request's key is woken.
func (t *RequestTable) Bind(req *InFlightRequest, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.requests[req.id]; !ok {
		return ErrNotRegistered
	}
	if key != "" {
		if other, exists := t.byKey[key]; exists && other != req {
			return ErrDuplicateCorrelationID
		}
	}
	if err := req.bind(key); err != nil {
		return err
	}

	delete(t.unbound, req.id)
	if key != "" {
		t.byKey[key] = req
	}
	return nil
}

// FindCandidates returns every registered request bound to key or not bound yet
func (t *RequestTable) FindCandidates(key string) []Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Almost always exactly one request matches.
	candidates := make([]Candidate, 0, 1)
	if req, ok := t.byKey[key]; ok {
		candidates = append(candidates, Candidate{Request: req, Key: key, Bound: true})
	}
	for _, req := range t.unbound {
		candidates = append(candidates, Candidate{Request: req})
	}
	return candidates
}

// Complete marks the request completed with reply. It returns false if the
// request had already completed.
func (t *RequestTable) Complete(req *InFlightRequest, reply *transport.Message) bool {
	return req.complete(reply)
}

// Release cancels the request if it is still pending and removes it. It must be
// called once for every registered request, whatever the outcome.
func (t *RequestTable) Release(req *InFlightRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()

	req.complete(nil)
	delete(t.requests, req.id)
	delete(t.unbound, req.id)
	if key, bound := req.CorrelationID(); bound && key != "" {
		if t.byKey[key] == req {
			delete(t.byKey, key)
		}
	}
}

// Len returns the number of registered requests
func (t *RequestTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

// Contains reports whether req is still registered
func (t *RequestTable) Contains(req *InFlightRequest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.requests[req.id]
	return ok
}
