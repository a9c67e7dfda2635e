package inbox

import (
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
)

// Record is one processed-command entry. Its identity is the composite
// (CommandID, ContextKey) pair: the same command may be processed once per
// consuming context, and a second insert with the same identity is a
// conflict handled per the consumer's once-only action.
type Record struct {
	// CommandID is the processed command's identity, usually the message id.
	CommandID string

	// ContextKey scopes the record to one consuming context, usually the
	// queue or consumer-group name.
	ContextKey string

	// Timestamp is when the record was written.
	Timestamp time.Time

	// CommandType is the processed message's type, kept for audit.
	CommandType courier.MessageType

	// CommandBody is the processed payload, kept opaque for audit.
	CommandBody []byte

	// ExpireAfter is an optional retention period counted from Timestamp.
	// Zero keeps the record for the life of the store. Stores with native
	// TTL support enforce it directly; the others rely on Purge.
	ExpireAfter time.Duration
}

// RecordOption mutates a record at construction.
type RecordOption func(*Record)

// WithCommandType sets the processed message's type.
func WithCommandType(commandType courier.MessageType) RecordOption {
	return func(record *Record) {
		record.CommandType = commandType
	}
}

// WithCommandBody sets the processed payload.
func WithCommandBody(body []byte) RecordOption {
	return func(record *Record) {
		record.CommandBody = body
	}
}

// WithExpireAfter sets the retention period.
func WithExpireAfter(expireAfter time.Duration) RecordOption {
	return func(record *Record) {
		if expireAfter > 0 {
			record.ExpireAfter = expireAfter
		}
	}
}

// WithTimestamp overrides the record timestamp, normally set by the store
// at insert time.
func WithTimestamp(timestamp time.Time) RecordOption {
	return func(record *Record) {
		record.Timestamp = timestamp
	}
}

// NewRecord builds a validated record for the given identity.
func NewRecord(commandID, contextKey string, opts ...RecordOption) (*Record, error) {
	record := &Record{
		CommandID:  commandID,
		ContextKey: contextKey,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(record)
		}
	}

	if err := record.Validate(); err != nil {
		return nil, err
	}

	return record, nil
}

// RecordForMessage builds the record a consumer writes after processing the
// message in the given context.
func RecordForMessage(message *courier.Message, contextKey string, opts ...RecordOption) (*Record, error) {
	if message == nil {
		return nil, courier.ErrMessageRequired
	}

	base := []RecordOption{
		WithCommandType(message.MessageType),
		WithCommandBody(message.Body),
	}

	return NewRecord(message.MessageID, contextKey, append(base, opts...)...)
}

// Validate checks the record identity.
func (record *Record) Validate() error {
	if record == nil {
		return ErrRecordRequired
	}

	if strings.TrimSpace(record.CommandID) == "" {
		return ErrCommandIDRequired
	}

	if strings.TrimSpace(record.ContextKey) == "" {
		return ErrContextKeyRequired
	}

	return nil
}

// ExpiresAt returns the record's expiry instant, or false when the record
// never expires.
func (record *Record) ExpiresAt() (time.Time, bool) {
	if record == nil || record.ExpireAfter <= 0 {
		return time.Time{}, false
	}

	return record.Timestamp.Add(record.ExpireAfter), true
}

// Clone returns a deep copy detached from the receiver.
func (record *Record) Clone() *Record {
	if record == nil {
		return nil
	}

	clone := *record

	if record.CommandBody != nil {
		clone.CommandBody = append([]byte(nil), record.CommandBody...)
	}

	return &clone
}
