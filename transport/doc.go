// Package transport defines the boundary between the request/reply core and the
// messaging middleware that actually moves bytes.
//
// A Transport connects to one backend gateway at a time. On a Connection the core
// opens send channels (optionally transactional) and consumers. Message identities
// are assigned by the transport when a message is sent; replies carry the request's
// identity as their correlation id.
//
// Implementations live in internal/rabbitmq (AMQP 0-9-1), internal/natsbus (NATS)
// and transport/memtransport (in-process, for tests and local runs).
package transport
