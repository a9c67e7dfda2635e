package natsjs

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/nats-io/nats.go"
)

// Reserved header names carrying courier envelope attributes over NATS.
// The names match what the other gateways put on the wire, and the fields
// AMQP carries natively ride in headers here because NATS messages have no
// envelope of their own. User headers travel beside them; reserved keys win
// on collision.
const (
	headerMessageID     = "x-courier-message-id"
	headerTopic         = "x-courier-topic"
	headerMessageType   = "x-courier-message-type"
	headerContentType   = "x-courier-content-type"
	headerCorrelationID = "x-courier-correlation-id"
	headerReplyTo       = "x-courier-reply-to"
	headerType          = "x-courier-type"
	headerSource        = "x-courier-source"
	headerTimestamp     = "x-courier-timestamp"
	headerPartitionKey  = "x-courier-partition-key"
	headerWorkflowID    = "x-courier-workflow-id"
	headerJobID         = "x-courier-job-id"
	headerDataSchema    = "x-courier-dataschema"
	headerSubject       = "x-courier-subject"

	// W3C trace context propagation headers, standard names.
	headerTraceParent = "traceparent"
	headerTraceState  = "tracestate"
	headerBaggage     = "baggage"
)

// encodeMsg maps a message onto a NATS message on the given subject.
// Headers are written into the map directly: Header.Set would canonicalize
// key casing and user header keys travel verbatim.
func encodeMsg(message *courier.Message, subject string) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = message.Body

	message.HeaderBag.Range(func(key string, value any) bool {
		msg.Header[key] = []string{headerText(value)}

		return true
	})

	msg.Header[headerMessageID] = []string{message.MessageID}
	msg.Header[headerTopic] = []string{message.Topic}
	msg.Header[headerMessageType] = []string{string(message.MessageType)}

	setHeader(msg.Header, headerContentType, message.ContentType)
	setHeader(msg.Header, headerCorrelationID, message.CorrelationID)
	setHeader(msg.Header, headerReplyTo, message.ReplyTo)
	setHeader(msg.Header, headerType, message.Type)
	setHeader(msg.Header, headerSource, message.Source)
	setHeader(msg.Header, headerPartitionKey, message.PartitionKey)
	setHeader(msg.Header, headerWorkflowID, message.WorkflowID)
	setHeader(msg.Header, headerJobID, message.JobID)
	setHeader(msg.Header, headerDataSchema, message.DataSchema)
	setHeader(msg.Header, headerSubject, message.Subject)
	setHeader(msg.Header, headerTraceParent, message.TraceParent)
	setHeader(msg.Header, headerTraceState, message.TraceState)
	setHeader(msg.Header, headerBaggage, encodeBaggage(message.Baggage))

	if !message.Timestamp.IsZero() {
		msg.Header[headerTimestamp] = []string{message.Timestamp.UTC().Format(time.RFC3339Nano)}
	}

	return msg
}

// decodeMsg rebuilds the courier message from a fetched NATS message.
// Header iteration is sorted so the rebuilt header bag has a stable order.
func decodeMsg(msg *nats.Msg) *courier.Message {
	message := &courier.Message{
		Topic:       msg.Subject,
		MessageType: courier.MessageTypeEvent,
		HeaderBag:   courier.NewHeaderBag(),
		Body:        msg.Data,
	}

	keys := make([]string, 0, len(msg.Header))
	for key := range msg.Header {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		value, ok := firstHeader(msg.Header[key])

		switch key {
		case headerMessageID:
			message.MessageID = value
		case headerTopic:
			if ok {
				message.Topic = value
			}
		case headerMessageType:
			if ok {
				message.MessageType = courier.MessageType(value)
			}
		case headerContentType:
			message.ContentType = value
		case headerCorrelationID:
			message.CorrelationID = value
		case headerReplyTo:
			message.ReplyTo = value
		case headerType:
			message.Type = value
		case headerSource:
			message.Source = value
		case headerTimestamp:
			if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
				message.Timestamp = parsed.UTC()
			}
		case headerPartitionKey:
			message.PartitionKey = value
		case headerWorkflowID:
			message.WorkflowID = value
		case headerJobID:
			message.JobID = value
		case headerDataSchema:
			message.DataSchema = value
		case headerSubject:
			message.Subject = value
		case headerTraceParent:
			message.TraceParent = value
		case headerTraceState:
			message.TraceState = value
		case headerBaggage:
			if ok {
				message.Baggage = decodeBaggage(value)
			}
		case nats.MsgIdHdr:
			// Server-side dedup key, not an envelope attribute.
		default:
			if ok {
				message.HeaderBag.Set(key, value)
			}
		}
	}

	return message
}

// receiveCountFrom reads the delivery counter from the JetStream ack
// metadata, where the first delivery is already 1. Zero means the message
// carried no metadata and the caller counts locally.
func receiveCountFrom(msg *nats.Msg) int {
	metadata, err := msg.Metadata()
	if err != nil {
		return 0
	}

	return int(metadata.NumDelivered)
}

// scopedMessageID builds the server-side dedup key. The scope prefix keeps
// identical message ids from distinct dedup scopes apart in the shared
// stream window.
func scopedMessageID(scope, messageID string) string {
	return scope + "/" + messageID
}

func setHeader(header nats.Header, key, value string) {
	if value != "" {
		header[key] = []string{value}
	}
}

func firstHeader(values []string) (string, bool) {
	if len(values) == 0 || values[0] == "" {
		return "", false
	}

	return values[0], true
}

func headerText(value any) string {
	if text, ok := value.(string); ok {
		return text
	}

	return fmt.Sprint(value)
}

// encodeBaggage renders baggage as the W3C "k=v,k=v" list with values
// percent-encoded, keys sorted for determinism.
func encodeBaggage(baggage map[string]string) string {
	if len(baggage) == 0 {
		return ""
	}

	keys := make([]string, 0, len(baggage))
	for key := range baggage {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	entries := make([]string, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, key+"="+url.QueryEscape(baggage[key]))
	}

	return strings.Join(entries, ",")
}

func decodeBaggage(raw string) map[string]string {
	entries := strings.Split(raw, ",")
	baggage := make(map[string]string, len(entries))

	for _, entry := range entries {
		key, value, found := strings.Cut(entry, "=")
		if !found || key == "" {
			continue
		}

		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}

		baggage[key] = value
	}

	if len(baggage) == 0 {
		return nil
	}

	return baggage
}
