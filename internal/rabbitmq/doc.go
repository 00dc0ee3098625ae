// Package rabbitmq implements transport.Transport over AMQP 0-9-1.
//
// Each Connect dials its own connection. Transactional channels use AMQP
// transactions (tx.select), so sends are published on Commit. Consumers ack
// after the handler succeeds, requeue a failed first delivery and reject a
// failed redelivery without requeue so it reaches the queue's dead-letter
// exchange.
package rabbitmq
