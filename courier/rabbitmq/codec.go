package rabbitmq

import (
	"net/url"
	"sort"
	"strings"

	"github.com/LerianStudio/lib-courier/courier"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Reserved header names carrying courier envelope attributes over AMQP.
// User headers travel beside them; reserved keys win on collision.
const (
	headerTopic        = "x-courier-topic"
	headerMessageType  = "x-courier-message-type"
	headerPartitionKey = "x-courier-partition-key"
	headerWorkflowID   = "x-courier-workflow-id"
	headerJobID        = "x-courier-job-id"
	headerDataSchema   = "x-courier-dataschema"
	headerSubject      = "x-courier-subject"

	// W3C trace context propagation headers, standard names.
	headerTraceParent = "traceparent"
	headerTraceState  = "tracestate"
	headerBaggage     = "baggage"
)

// Queue declaration and delivery argument names.
const (
	argQueueType            = "x-queue-type"
	argMessageTTL           = "x-message-ttl"
	argSingleActiveConsumer = "x-single-active-consumer"
	argDeadLetterExchange   = "x-dead-letter-exchange"
	argDeliveryLimit        = "x-delivery-limit"
	argDeliveryCount        = "x-delivery-count"
)

// encodePublishing maps a message onto the AMQP publishing frame. Native
// frame fields carry what they can; the rest rides in headers.
func encodePublishing(message *courier.Message) amqp.Publishing {
	publishing := amqp.Publishing{
		MessageId:     message.MessageID,
		ContentType:   message.ContentType,
		CorrelationId: message.CorrelationID,
		ReplyTo:       message.ReplyTo,
		Type:          message.Type,
		AppId:         message.Source,
		Body:          message.Body,
		DeliveryMode:  amqp.Persistent,
	}

	if !message.Timestamp.IsZero() {
		publishing.Timestamp = message.Timestamp
	}

	headers := make(amqp.Table)

	message.HeaderBag.Range(func(key string, value any) bool {
		headers[key] = value

		return true
	})

	headers[headerTopic] = message.Topic
	headers[headerMessageType] = string(message.MessageType)

	setHeader(headers, headerPartitionKey, message.PartitionKey)
	setHeader(headers, headerWorkflowID, message.WorkflowID)
	setHeader(headers, headerJobID, message.JobID)
	setHeader(headers, headerDataSchema, message.DataSchema)
	setHeader(headers, headerSubject, message.Subject)
	setHeader(headers, headerTraceParent, message.TraceParent)
	setHeader(headers, headerTraceState, message.TraceState)
	setHeader(headers, headerBaggage, encodeBaggage(message.Baggage))

	publishing.Headers = headers

	return publishing
}

// decodeDelivery rebuilds the courier message from a consumed delivery.
// Header iteration is sorted so the rebuilt header bag has a stable order.
func decodeDelivery(delivery *amqp.Delivery) *courier.Message {
	message := &courier.Message{
		MessageID:     delivery.MessageId,
		Topic:         delivery.RoutingKey,
		MessageType:   courier.MessageTypeEvent,
		ContentType:   delivery.ContentType,
		CorrelationID: delivery.CorrelationId,
		ReplyTo:       delivery.ReplyTo,
		Type:          delivery.Type,
		Source:        delivery.AppId,
		HeaderBag:     courier.NewHeaderBag(),
		Body:          delivery.Body,
	}

	if !delivery.Timestamp.IsZero() {
		message.Timestamp = delivery.Timestamp.UTC()
	}

	keys := make([]string, 0, len(delivery.Headers))
	for key := range delivery.Headers {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		value := delivery.Headers[key]

		switch key {
		case headerTopic:
			if topic, ok := headerString(value); ok {
				message.Topic = topic
			}
		case headerMessageType:
			if messageType, ok := headerString(value); ok {
				message.MessageType = courier.MessageType(messageType)
			}
		case headerPartitionKey:
			message.PartitionKey, _ = headerString(value)
		case headerWorkflowID:
			message.WorkflowID, _ = headerString(value)
		case headerJobID:
			message.JobID, _ = headerString(value)
		case headerDataSchema:
			message.DataSchema, _ = headerString(value)
		case headerSubject:
			message.Subject, _ = headerString(value)
		case headerTraceParent:
			message.TraceParent, _ = headerString(value)
		case headerTraceState:
			message.TraceState, _ = headerString(value)
		case headerBaggage:
			if raw, ok := headerString(value); ok {
				message.Baggage = decodeBaggage(raw)
			}
		case argDeliveryCount:
			// Broker accounting, not an envelope attribute.
		default:
			message.HeaderBag.Set(key, value)
		}
	}

	return message
}

// receiveCountFrom reads the quorum queue delivery counter. The broker
// counts prior attempts, so the running count is one higher. Zero means
// the backend reported nothing and the caller counts locally.
func receiveCountFrom(delivery *amqp.Delivery) int {
	raw, ok := delivery.Headers[argDeliveryCount]
	if !ok {
		return 0
	}

	switch count := raw.(type) {
	case int64:
		return int(count) + 1
	case int32:
		return int(count) + 1
	case int:
		return count + 1
	}

	return 0
}

func setHeader(headers amqp.Table, key, value string) {
	if value != "" {
		headers[key] = value
	}
}

func headerString(value any) (string, bool) {
	text, ok := value.(string)
	if !ok || text == "" {
		return "", false
	}

	return text, true
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
