// Package natsbus implements the transport interfaces over core NATS.
//
// Destinations map to subjects: a queue is addressed by its name and an
// exchange destination by "exchange.name". Message properties travel as
// headers. Core NATS has no acknowledgements, so redelivery is emulated by
// republishing a failed message once with a redelivered header, and a second
// failure is published to the dead-letter subject ("<subject>.DLQ" by default).
// Transactional channels hold sends in memory until Commit.
package natsbus
