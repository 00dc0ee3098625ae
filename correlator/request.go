package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/wlmreply/transport"
	"go.uber.org/atomic"
)

var nextRequestID atomic.Uint64

// keyState distinguishes "not yet known" from "known but empty"
type keyState uint8

const (
	keyUnbound keyState = iota
	keyBoundEmpty
	keyBound
)

// InFlightRequest is one pending request. Its correlation id is bound once the
// transport has assigned the request message an identity, and it completes
// exactly once: with a reply, or with nothing when cancelled.
type InFlightRequest struct {
	id         uint64
	registered time.Time

	mu        sync.Mutex
	keyState  keyState
	key       string
	completed bool
	reply     *transport.Message

	bound chan struct{}
	done  chan struct{}
}

func newInFlightRequest() *InFlightRequest {
	return &InFlightRequest{
		id:         nextRequestID.Inc(),
		registered: time.Now(),
		bound:      make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// CorrelationID returns the bound correlation id. bound is false while the
// request is still waiting for its message identity; a bound request may
// carry an empty id if the transport assigned none.
func (r *InFlightRequest) CorrelationID() (key string, bound bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.key, r.keyState != keyUnbound
}

// Completed reports whether the request has completed
func (r *InFlightRequest) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// Reply returns the reply, nil if the request is pending or was cancelled
func (r *InFlightRequest) Reply() *transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reply
}

// Age returns how long ago the request was registered
func (r *InFlightRequest) Age() time.Duration {
	return time.Since(r.registered)
}

func (r *InFlightRequest) bind(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.keyState != keyUnbound {
		return ErrAlreadyBound
	}
	r.key = key
	if key == "" {
		r.keyState = keyBoundEmpty
	} else {
		r.keyState = keyBound
	}
	close(r.bound)
	return nil
}

func (r *InFlightRequest) complete(reply *transport.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.completed {
		return false
	}
	r.completed = true
	r.reply = reply
	close(r.done)
	return true
}

// WaitForReply blocks until the request completes or timeout elapses.
// On timeout it returns a nil message and a nil error, leaving the request
// pending; the caller still owns releasing it.
func (r *InFlightRequest) WaitForReply(ctx context.Context, timeout time.Duration) (*transport.Message, error) {
	if timeout <= 0 {
		return nil, ErrInvalidTimeout
	}
	if r.Completed() {
		return nil, ErrAlreadyCompleted
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.done:
		return r.Reply(), nil
	case <-timer.C:
		// A reply that lands on the deadline still wins.
		select {
		case <-r.done:
			return r.Reply(), nil
		default:
			return nil, nil
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// waitForKey blocks until the correlation id is bound, the request completes,
// ctx is done or timeout elapses. A timeout <= 0 waits without a deadline.
func (r *InFlightRequest) waitForKey(ctx context.Context, timeout time.Duration) (string, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-r.bound:
	case <-r.done:
	case <-expired:
	case <-ctx.Done():
	}
	return r.CorrelationID()
}
