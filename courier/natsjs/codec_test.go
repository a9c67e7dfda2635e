//go:build unit

package natsjs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nats-io/nats.go"

	"github.com/LerianStudio/lib-courier/courier"
)

func sampleMessage() *courier.Message {
	bag := courier.NewHeaderBag()
	bag.Set("x-tenant", "acme")

	return &courier.Message{
		MessageID:     "msg-1",
		Topic:         "billing.orders",
		MessageType:   courier.MessageTypeCommand,
		ContentType:   "application/json",
		CorrelationID: "corr-9",
		ReplyTo:       "billing.replies",
		Type:          "OrderPlaced",
		Source:        "/billing",
		DataSchema:    "https://schemas.example.com/order/1",
		Subject:       "order-42",
		PartitionKey:  "customer-7",
		WorkflowID:    "wf-3",
		JobID:         "job-5",
		TraceParent:   "00-0123456789abcdef0123456789abcdef-0123456789abcdef-01",
		TraceState:    "vendor=x",
		Baggage:       map[string]string{"region": "eu west", "tier": "gold"},
		HeaderBag:     bag,
		Timestamp:     time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Body:          []byte(`{"order":42}`),
	}
}

func TestEncodeMsg_CarriesEnvelope(t *testing.T) {
	t.Parallel()

	message := sampleMessage()
	msg := encodeMsg(message, "courier.billing.orders")

	assert.Equal(t, "courier.billing.orders", msg.Subject)
	assert.Equal(t, []byte(`{"order":42}`), msg.Data)

	header := msg.Header
	assert.Equal(t, []string{"msg-1"}, header[headerMessageID])
	assert.Equal(t, []string{"billing.orders"}, header[headerTopic])
	assert.Equal(t, []string{"command"}, header[headerMessageType])
	assert.Equal(t, []string{"application/json"}, header[headerContentType])
	assert.Equal(t, []string{"corr-9"}, header[headerCorrelationID])
	assert.Equal(t, []string{"billing.replies"}, header[headerReplyTo])
	assert.Equal(t, []string{"OrderPlaced"}, header[headerType])
	assert.Equal(t, []string{"/billing"}, header[headerSource])
	assert.Equal(t, []string{"2026-03-14T09:26:53Z"}, header[headerTimestamp])
	assert.Equal(t, []string{"customer-7"}, header[headerPartitionKey])
	assert.Equal(t, []string{"wf-3"}, header[headerWorkflowID])
	assert.Equal(t, []string{"job-5"}, header[headerJobID])
	assert.Equal(t, []string{"https://schemas.example.com/order/1"}, header[headerDataSchema])
	assert.Equal(t, []string{"order-42"}, header[headerSubject])
	assert.Equal(t, []string{message.TraceParent}, header[headerTraceParent])
	assert.Equal(t, []string{"vendor=x"}, header[headerTraceState])
	assert.Equal(t, []string{"region=eu+west,tier=gold"}, header[headerBaggage])

	assert.Equal(t, []string{"acme"}, header["x-tenant"], "user header keys travel verbatim")
	assert.NotContains(t, header, "X-Tenant", "no MIME canonicalization of user keys")
}

func TestEncodeMsg_ReservedKeysWinOverUserHeaders(t *testing.T) {
	t.Parallel()

	bag := courier.NewHeaderBag()
	bag.Set(headerTopic, "spoofed")
	bag.Set(headerMessageID, "spoofed")

	message := &courier.Message{
		MessageID:   "msg-2",
		Topic:       "real.topic",
		MessageType: courier.MessageTypeEvent,
		HeaderBag:   bag,
	}

	header := encodeMsg(message, "real.topic").Header
	assert.Equal(t, []string{"real.topic"}, header[headerTopic])
	assert.Equal(t, []string{"msg-2"}, header[headerMessageID])
}

func TestEncodeMsg_OmitsEmptyAttributes(t *testing.T) {
	t.Parallel()

	message := &courier.Message{MessageID: "msg-3", Topic: "t", MessageType: courier.MessageTypeEvent}
	header := encodeMsg(message, "t").Header

	for _, key := range []string{
		headerContentType, headerCorrelationID, headerReplyTo,
		headerType, headerSource, headerTimestamp,
		headerPartitionKey, headerWorkflowID, headerJobID,
		headerDataSchema, headerSubject,
		headerTraceParent, headerTraceState, headerBaggage,
	} {
		assert.NotContains(t, header, key)
	}
}

func TestDecodeMsg_RoundTrip(t *testing.T) {
	t.Parallel()

	message := sampleMessage()

	msg := encodeMsg(message, "courier.billing.orders")
	decoded := decodeMsg(msg)

	assert.Equal(t, message.MessageID, decoded.MessageID)
	assert.Equal(t, message.Topic, decoded.Topic, "the topic header outranks the wire subject")
	assert.Equal(t, message.MessageType, decoded.MessageType)
	assert.Equal(t, message.ContentType, decoded.ContentType)
	assert.Equal(t, message.CorrelationID, decoded.CorrelationID)
	assert.Equal(t, message.ReplyTo, decoded.ReplyTo)
	assert.Equal(t, message.Type, decoded.Type)
	assert.Equal(t, message.Source, decoded.Source)
	assert.Equal(t, message.DataSchema, decoded.DataSchema)
	assert.Equal(t, message.Subject, decoded.Subject)
	assert.Equal(t, message.PartitionKey, decoded.PartitionKey)
	assert.Equal(t, message.WorkflowID, decoded.WorkflowID)
	assert.Equal(t, message.JobID, decoded.JobID)
	assert.Equal(t, message.TraceParent, decoded.TraceParent)
	assert.Equal(t, message.TraceState, decoded.TraceState)
	assert.Equal(t, message.Baggage, decoded.Baggage)
	assert.Equal(t, message.Timestamp, decoded.Timestamp)
	assert.Equal(t, message.Body, decoded.Body)

	tenant, ok := decoded.HeaderBag.Get("x-tenant")
	require.True(t, ok)
	assert.Equal(t, "acme", tenant)
	assert.Equal(t, 1, decoded.HeaderBag.Len(), "reserved headers do not leak into the bag")
}

func TestDecodeMsg_Defaults(t *testing.T) {
	t.Parallel()

	msg := &nats.Msg{Subject: "billing.orders", Data: []byte("x")}
	decoded := decodeMsg(msg)

	assert.Equal(t, "billing.orders", decoded.Topic, "falls back to the wire subject")
	assert.Equal(t, courier.MessageTypeEvent, decoded.MessageType)
	assert.Empty(t, decoded.MessageID)
	assert.True(t, decoded.Timestamp.IsZero())
	assert.Nil(t, decoded.Baggage)
	assert.Equal(t, 0, decoded.HeaderBag.Len())
}

func TestDecodeMsg_DedupHeaderStaysOutOfBag(t *testing.T) {
	t.Parallel()

	msg := &nats.Msg{
		Subject: "billing.orders",
		Header: nats.Header{
			nats.MsgIdHdr: []string{"billing/msg-1"},
			"x-tenant":    []string{"acme"},
		},
	}

	decoded := decodeMsg(msg)

	_, ok := decoded.HeaderBag.Get(nats.MsgIdHdr)
	assert.False(t, ok)
	assert.Equal(t, 1, decoded.HeaderBag.Len())
}

// jsMsg builds a message that parses as a JetStream delivery: metadata
// lives in the ack reply subject, and parsing requires a bound
// subscription.
func jsMsg(reply string) *nats.Msg {
	return &nats.Msg{Subject: "billing.orders", Reply: reply, Sub: &nats.Subscription{}}
}

func TestReceiveCountFrom(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  *nats.Msg
		want int
	}{
		{name: "unbound message reports nothing", msg: &nats.Msg{Subject: "billing.orders"}, want: 0},
		{name: "no ack reply reports nothing", msg: jsMsg(""), want: 0},
		{name: "first delivery is one", msg: jsMsg("$JS.ACK.ORDERS.ORDERS.1.7.7.1742730000000000000.0"), want: 1},
		{name: "redeliveries counted natively", msg: jsMsg("$JS.ACK.ORDERS.ORDERS.3.7.7.1742730000000000000.0"), want: 3},
		{name: "malformed ack subject ignored", msg: jsMsg("$JS.ACK.justwrong"), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, receiveCountFrom(tt.msg))
		})
	}
}

func TestScopedMessageID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "billing/msg-1", scopedMessageID("billing", "msg-1"))
}

func TestBaggageCodec(t *testing.T) {
	t.Parallel()

	baggage := map[string]string{"region": "eu west", "tier": "gold"}
	assert.Equal(t, "region=eu+west,tier=gold", encodeBaggage(baggage))
	assert.Equal(t, baggage, decodeBaggage(encodeBaggage(baggage)))

	assert.Empty(t, encodeBaggage(nil))
	assert.Nil(t, decodeBaggage(""))
	assert.Equal(t, map[string]string{"k": "v"}, decodeBaggage("k=v,noequals,=orphan"))
}
