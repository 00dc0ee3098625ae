package rabbitmq

import (
	"strconv"
	"time"

	"github.com/glimte/wlmreply/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

// expiresAtHeader carries the absolute expiration in unix milliseconds. The
// AMQP expiration property is a relative TTL and is not rewritten on delivery.
const expiresAtHeader = "x-wlm-expires-at"

func toPublishing(msg *transport.Message, opts transport.SendOptions, id string, now time.Time) amqp.Publishing {
	pub := amqp.Publishing{
		MessageId:     id,
		CorrelationId: msg.CorrelationID,
		DeliveryMode:  uint8(opts.DeliveryMode),
		Priority:      opts.Priority,
		Timestamp:     now,
		ContentType:   msg.ContentType,
		Body:          msg.Body,
	}
	if pub.DeliveryMode == 0 {
		pub.DeliveryMode = amqp.Persistent
	}
	if msg.ReplyTo != nil {
		pub.ReplyTo = msg.ReplyTo.String()
	}

	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if opts.TimeToLive > 0 {
		ms := opts.TimeToLive.Milliseconds()
		if ms < 1 {
			ms = 1
		}
		pub.Expiration = strconv.FormatInt(ms, 10)
		headers[expiresAtHeader] = now.Add(opts.TimeToLive).UnixMilli()
	}
	if len(headers) > 0 {
		pub.Headers = headers
	}
	return pub
}

func fromDelivery(d amqp.Delivery) *transport.Message {
	msg := &transport.Message{
		ID:            d.MessageId,
		CorrelationID: d.CorrelationId,
		DeliveryMode:  transport.DeliveryMode(d.DeliveryMode),
		Priority:      d.Priority,
		Timestamp:     d.Timestamp,
		ContentType:   d.ContentType,
		Body:          d.Body,
		Redelivered:   d.Redelivered,
	}
	if d.ReplyTo != "" {
		dest := transport.ParseDestination(d.ReplyTo)
		msg.ReplyTo = &dest
	}

	if len(d.Headers) > 0 {
		msg.Headers = make(map[string]interface{}, len(d.Headers))
		for k, v := range d.Headers {
			if k == expiresAtHeader {
				if ms, ok := v.(int64); ok {
					msg.Expiration = time.UnixMilli(ms)
				}
				continue
			}
			msg.Headers[k] = v
		}
	}

	// Published by another client: derive from the relative TTL.
	if msg.Expiration.IsZero() && d.Expiration != "" && !d.Timestamp.IsZero() {
		if ms, err := strconv.ParseInt(d.Expiration, 10, 64); err == nil {
			msg.Expiration = d.Timestamp.Add(time.Duration(ms) * time.Millisecond)
		}
	}
	return msg
}
