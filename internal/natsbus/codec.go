package natsbus

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/glimte/wlmreply/transport"
	"github.com/nats-io/nats.go"
)

// Message properties travel as headers
const (
	headerMessageID     = "Wlm-Message-Id"
	headerCorrelationID = "Wlm-Correlation-Id"
	headerReplyTo       = "Wlm-Reply-To"
	headerDeliveryMode  = "Wlm-Delivery-Mode"
	headerPriority      = "Wlm-Priority"
	headerExpiresAt     = "Wlm-Expires-At"
	headerTimestamp     = "Wlm-Timestamp"
	headerRedelivered   = "Wlm-Redelivered"
	headerContentType   = "Content-Type"
)

var reserved = map[string]bool{
	headerMessageID:     true,
	headerCorrelationID: true,
	headerReplyTo:       true,
	headerDeliveryMode:  true,
	headerPriority:      true,
	headerExpiresAt:     true,
	headerTimestamp:     true,
	headerRedelivered:   true,
	headerContentType:   true,
}

// Subject maps a destination onto a NATS subject
func Subject(d transport.Destination) string {
	if d.Exchange == "" {
		return d.Name
	}
	return d.Exchange + "." + d.Name
}

func encode(subject string, msg *transport.Message) *nats.Msg {
	out := nats.NewMsg(subject)
	out.Data = msg.Body

	for k, v := range msg.Headers {
		if !reserved[k] {
			out.Header.Set(k, fmt.Sprint(v))
		}
	}
	out.Header.Set(headerMessageID, msg.ID)
	if msg.CorrelationID != "" {
		out.Header.Set(headerCorrelationID, msg.CorrelationID)
	}
	if msg.ReplyTo != nil {
		out.Header.Set(headerReplyTo, msg.ReplyTo.String())
	}
	out.Header.Set(headerDeliveryMode, strconv.Itoa(int(msg.DeliveryMode)))
	out.Header.Set(headerPriority, strconv.Itoa(int(msg.Priority)))
	out.Header.Set(headerTimestamp, strconv.FormatInt(msg.Timestamp.UnixMilli(), 10))
	if !msg.Expiration.IsZero() {
		out.Header.Set(headerExpiresAt, strconv.FormatInt(msg.Expiration.UnixMilli(), 10))
	}
	if msg.ContentType != "" {
		out.Header.Set(headerContentType, msg.ContentType)
	}
	if msg.Redelivered {
		out.Header.Set(headerRedelivered, "true")
	}
	return out
}

func decode(in *nats.Msg) *transport.Message {
	msg := &transport.Message{Body: in.Data}
	if in.Header == nil {
		return msg
	}

	msg.ID = in.Header.Get(headerMessageID)
	msg.CorrelationID = in.Header.Get(headerCorrelationID)
	msg.ContentType = in.Header.Get(headerContentType)
	msg.Redelivered = in.Header.Get(headerRedelivered) == "true"
	if v := in.Header.Get(headerReplyTo); v != "" {
		dest := transport.ParseDestination(v)
		msg.ReplyTo = &dest
	}
	if v, err := strconv.Atoi(in.Header.Get(headerDeliveryMode)); err == nil {
		msg.DeliveryMode = transport.DeliveryMode(v)
	}
	if v, err := strconv.Atoi(in.Header.Get(headerPriority)); err == nil {
		msg.Priority = uint8(v)
	}
	if v, err := strconv.ParseInt(in.Header.Get(headerTimestamp), 10, 64); err == nil {
		msg.Timestamp = time.UnixMilli(v)
	}
	if v, err := strconv.ParseInt(in.Header.Get(headerExpiresAt), 10, 64); err == nil {
		msg.Expiration = time.UnixMilli(v)
	}

	for k, vs := range in.Header {
		if reserved[k] || len(vs) == 0 {
			continue
		}
		if msg.Headers == nil {
			msg.Headers = make(map[string]interface{})
		}
		msg.Headers[k] = strings.Join(vs, ",")
	}
	return msg
}
