// Package memtransport is an in-process transport.Transport used by tests and by
// the CLI when no broker is available. Every endpoint reaches the same set of
// queues, like a cluster of gateways in front of clustered queue instances.
package memtransport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/wlmreply/transport"
	"go.uber.org/atomic"
)

const queueCapacity = 1024

// ErrQueueFull is returned when a queue cannot accept another message
var ErrQueueFull = errors.New("memtransport: queue full")

// Broker holds queues and per-endpoint failure injection
type Broker struct {
	mu          sync.Mutex
	queues      map[string]chan *transport.Message
	deadLetters []*transport.Message
	failures    map[string]*endpointFaults
	conns       map[*Connection]struct{}
	seq         atomic.Uint64
	now         func() time.Time
}

type endpointFaults struct {
	connectErr error
	channelErr error
	sendErr    error
	closeErr   error
	connects   int
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		queues:   make(map[string]chan *transport.Message),
		failures: make(map[string]*endpointFaults),
		conns:    make(map[*Connection]struct{}),
		now:      time.Now,
	}
}

func (b *Broker) faults(url string) *endpointFaults {
	f, ok := b.failures[url]
	if !ok {
		f = &endpointFaults{}
		b.failures[url] = f
	}
	return f
}

// FailConnect makes every connect to url fail with err until Restore
func (b *Broker) FailConnect(url string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults(url).connectErr = err
}

// FailOpenChannel makes channel creation on connections to url fail with err
func (b *Broker) FailOpenChannel(url string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults(url).channelErr = err
}

// FailSend makes sends on connections to url fail with err
func (b *Broker) FailSend(url string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults(url).sendErr = err
}

// FailCloseChannel makes closing channels on connections to url fail with err.
// The channel is closed regardless.
func (b *Broker) FailCloseChannel(url string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults(url).closeErr = err
}

// Restore clears injected failures for url
func (b *Broker) Restore(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f := b.faults(url)
	f.connectErr, f.channelErr, f.sendErr, f.closeErr = nil, nil, nil, nil
}

// ConnectAttempts returns how many connects were attempted against url
func (b *Broker) ConnectAttempts(url string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.faults(url).connects
}

// DropConnections closes every open connection to url as if the gateway went away
func (b *Broker) DropConnections(url string) {
	b.mu.Lock()
	var victims []*Connection
	for c := range b.conns {
		if c.endpoint.URL == url {
			victims = append(victims, c)
		}
	}
	b.mu.Unlock()

	for _, c := range victims {
		c.shutdown(transport.ErrConnectionClosed)
	}
}

func (b *Broker) queue(dest transport.Destination) chan *transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := dest.String()
	q, ok := b.queues[key]
	if !ok {
		q = make(chan *transport.Message, queueCapacity)
		b.queues[key] = q
	}
	return q
}

// Put enqueues msg on dest, assigning an id if it has none
func (b *Broker) Put(dest transport.Destination, msg *transport.Message) error {
	if msg.ID == "" {
		msg.ID = b.nextID()
	}
	select {
	case b.queue(dest) <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, dest)
	}
}

// Get waits for the next message on dest
func (b *Broker) Get(ctx context.Context, dest transport.Destination) (*transport.Message, error) {
	select {
	case msg := <-b.queue(dest):
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Depth returns the number of messages waiting on dest
func (b *Broker) Depth(dest transport.Destination) int {
	return len(b.queue(dest))
}

// DeadLetters returns messages rejected after redelivery
func (b *Broker) DeadLetters() []*transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*transport.Message, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

func (b *Broker) deadLetter(msg *transport.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetters = append(b.deadLetters, msg)
}

func (b *Broker) nextID() string {
	return fmt.Sprintf("ID:mem-%016x", b.seq.Inc())
}

// Connect implements transport.Transport
func (b *Broker) Connect(ctx context.Context, endpoint transport.Endpoint) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, transport.NewError("connect", endpoint, err)
	}

	b.mu.Lock()
	f := b.faults(endpoint.URL)
	f.connects++
	err := f.connectErr
	b.mu.Unlock()

	if err != nil {
		return nil, transport.NewError("connect", endpoint, err)
	}

	c := &Connection{
		broker:   b,
		endpoint: endpoint,
		subs:     make(map[*subscription]struct{}),
	}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	return c, nil
}

func (b *Broker) endpointFault(url string, pick func(*endpointFaults) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return pick(b.faults(url))
}
