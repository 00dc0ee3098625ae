package rabbitmq

import (
	"context"
	"fmt"

	"github.com/glimte/wlmreply/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDeclaration defines a queue to be declared on every gateway
type QueueDeclaration struct {
	Name    string
	Durable bool
	// DeadLetterExchange receives deliveries rejected without requeue
	DeadLetterExchange string
	// MaxPriority enables message priorities up to this value
	MaxPriority uint8
}

func (q QueueDeclaration) arguments() amqp.Table {
	args := amqp.Table{}
	if q.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = q.DeadLetterExchange
	}
	if q.MaxPriority > 0 {
		args["x-max-priority"] = int32(q.MaxPriority)
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// DeclareQueues declares queues on the gateway at endpoint
func (t *Transport) DeclareQueues(ctx context.Context, endpoint transport.Endpoint, queues ...QueueDeclaration) error {
	conn, err := t.Connect(ctx, endpoint)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.(*Connection).conn.channel()
	if err != nil {
		return transport.NewError("declare", endpoint, err)
	}
	defer ch.Close()

	return declareQueues(ch, queues)
}

func declareQueues(ch amqpChannel, queues []QueueDeclaration) error {
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q.Name, q.Durable, false, false, false, q.arguments()); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.Name, err)
		}
	}
	return nil
}
