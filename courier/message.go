package courier

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a message for routing and dedup-scope decisions.
type MessageType string

const (
	MessageTypeCommand  MessageType = "command"
	MessageTypeEvent    MessageType = "event"
	MessageTypeDocument MessageType = "document"
)

// IsCommand reports whether the message type is a command. The inbox
// commands-only scope checks only commands for duplicates.
func (mt MessageType) IsCommand() bool {
	return mt == MessageTypeCommand
}

// Message is the unit of transfer deposited in the outbox, carried over the
// wire, and delivered to the consumer pump.
//
// MessageID is caller-generated and unique across the outbox store.
// Dispatched is nil while the message awaits publish and set exactly once by
// a successful mark. Created and CreatedID are assigned by the store on
// deposit; CreatedID is the authoritative FIFO ordering key, since Created
// timestamps may collide.
type Message struct {
	MessageID     string
	Topic         string
	MessageType   MessageType
	Timestamp     time.Time
	CorrelationID string
	ReplyTo       string
	ContentType   string
	PartitionKey  string
	WorkflowID    string
	JobID         string

	// CloudEvents-style envelope attributes, passed through verbatim.
	Source     string
	Type       string
	DataSchema string
	Subject    string

	// W3C trace context propagation.
	TraceParent string
	TraceState  string
	Baggage     map[string]string

	HeaderBag *HeaderBag
	Body      []byte

	Dispatched *time.Time
	Created    time.Time
	CreatedID  int64
}

// MessageOption customizes a message at construction time.
type MessageOption func(*Message)

// WithMessageID sets a caller-generated identity. Defaults to a random UUID.
func WithMessageID(id string) MessageOption {
	return func(m *Message) {
		if strings.TrimSpace(id) != "" {
			m.MessageID = id
		}
	}
}

// WithMessageType sets the message classification. Defaults to event.
func WithMessageType(mt MessageType) MessageOption {
	return func(m *Message) {
		if mt != "" {
			m.MessageType = mt
		}
	}
}

// WithTimestamp overrides the creation timestamp. Defaults to time.Now.
func WithTimestamp(ts time.Time) MessageOption {
	return func(m *Message) {
		if !ts.IsZero() {
			m.Timestamp = ts.UTC()
		}
	}
}

// WithCorrelationID sets the correlation identity propagated to replies.
func WithCorrelationID(id string) MessageOption {
	return func(m *Message) {
		m.CorrelationID = id
	}
}

// WithReplyTo sets the reply channel routing key.
func WithReplyTo(replyTo string) MessageOption {
	return func(m *Message) {
		m.ReplyTo = replyTo
	}
}

// WithContentType sets the body content type (opaque to the core).
func WithContentType(contentType string) MessageOption {
	return func(m *Message) {
		m.ContentType = contentType
	}
}

// WithPartitionKey sets the ordering group key for FIFO channels.
func WithPartitionKey(key string) MessageOption {
	return func(m *Message) {
		m.PartitionKey = key
	}
}

// WithWorkflowID tags the message with a long-running workflow identity.
func WithWorkflowID(id string) MessageOption {
	return func(m *Message) {
		m.WorkflowID = id
	}
}

// WithJobID tags the message with a job identity.
func WithJobID(id string) MessageOption {
	return func(m *Message) {
		m.JobID = id
	}
}

// WithSource sets the CloudEvents source attribute.
func WithSource(source string) MessageOption {
	return func(m *Message) {
		m.Source = source
	}
}

// WithCloudEventType sets the CloudEvents type attribute (distinct from the
// courier MessageType classification).
func WithCloudEventType(ceType string) MessageOption {
	return func(m *Message) {
		m.Type = ceType
	}
}

// WithDataSchema sets the CloudEvents dataschema attribute.
func WithDataSchema(schema string) MessageOption {
	return func(m *Message) {
		m.DataSchema = schema
	}
}

// WithSubject sets the CloudEvents subject attribute.
func WithSubject(subject string) MessageOption {
	return func(m *Message) {
		m.Subject = subject
	}
}

// WithTraceContext sets the W3C traceparent/tracestate propagation pair.
func WithTraceContext(traceParent, traceState string) MessageOption {
	return func(m *Message) {
		m.TraceParent = traceParent
		m.TraceState = traceState
	}
}

// WithBaggage sets W3C baggage entries.
func WithBaggage(baggage map[string]string) MessageOption {
	return func(m *Message) {
		if len(baggage) == 0 {
			return
		}

		m.Baggage = make(map[string]string, len(baggage))
		for k, v := range baggage {
			m.Baggage[k] = v
		}
	}
}

// WithHeader appends one header to the bag, preserving insertion order.
func WithHeader(key string, value any) MessageOption {
	return func(m *Message) {
		if m.HeaderBag == nil {
			m.HeaderBag = NewHeaderBag()
		}

		m.HeaderBag.Set(key, value)
	}
}

// NewMessage creates a message bound for topic carrying body.
//
// The topic is required; the body may be empty (a bare signal). Identity
// defaults to a random UUID when WithMessageID is not supplied.
func NewMessage(topic string, body []byte, opts ...MessageOption) (*Message, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("new message: %w", ErrTopicRequired)
	}

	message := &Message{
		MessageID:   uuid.New().String(),
		Topic:       topic,
		MessageType: MessageTypeEvent,
		Timestamp:   time.Now().UTC(),
		HeaderBag:   NewHeaderBag(),
		Body:        body,
	}

	for _, opt := range opts {
		opt(message)
	}

	if strings.TrimSpace(message.MessageID) == "" {
		return nil, fmt.Errorf("new message: %w", ErrMessageIDRequired)
	}

	return message, nil
}

// IsDispatched reports whether the message has been marked dispatched.
func (m *Message) IsDispatched() bool {
	return m != nil && m.Dispatched != nil
}

// GroupKey returns the ordering key for FIFO channels: the partition key if
// set, otherwise empty (no ordering group).
func (m *Message) GroupKey() string {
	if m == nil {
		return ""
	}

	return m.PartitionKey
}

// Clone returns a deep-enough copy for concurrent hand-off: scalar fields are
// copied, the header bag is cloned, and the body is duplicated.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}

	clone := *m
	clone.HeaderBag = m.HeaderBag.Clone()

	if m.Body != nil {
		clone.Body = make([]byte, len(m.Body))
		copy(clone.Body, m.Body)
	}

	if m.Baggage != nil {
		clone.Baggage = make(map[string]string, len(m.Baggage))
		for k, v := range m.Baggage {
			clone.Baggage[k] = v
		}
	}

	if m.Dispatched != nil {
		dispatched := *m.Dispatched
		clone.Dispatched = &dispatched
	}

	return &clone
}
