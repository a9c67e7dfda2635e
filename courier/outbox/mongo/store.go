package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

const (
	tracerName = "courier.outbox.mongo"

	defaultCollectionName        = "courier_outbox"
	defaultCounterCollectionName = "courier_counters"
	defaultOperationTimeout      = 30 * time.Second

	maxCollectionNameLength = 120
)

// validateCollectionName checks that name is usable as a MongoDB
// collection name.
func validateCollectionName(name string) error {
	if len(name) == 0 || len(name) > maxCollectionNameLength {
		return fmt.Errorf("%w: %q", ErrInvalidCollectionName, name)
	}

	if strings.ContainsAny(name, "$\x00") || strings.HasPrefix(name, "system.") {
		return fmt.Errorf("%w: %q", ErrInvalidCollectionName, name)
	}

	return nil
}

// Store is a MongoDB outbox store backed by a Connection hub.
//
// CreatedID is drawn from a per-collection counter document, incremented
// outside any caller transaction so an aborted deposit leaves a gap in
// the sequence rather than reordering it, the same contract a SQL
// sequence gives.
type Store struct {
	conn             *Connection
	logger           log.Logger
	collectionName   string
	counterName      string
	operationTimeout time.Duration

	databaseLookup func(ctx context.Context) (*mongo.Database, error)
}

var _ outbox.Store = (*Store)(nil)

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the logger used for store failures.
func WithLogger(logger log.Logger) Option {
	return func(s *Store) {
		if nilcheck.Interface(logger) {
			return
		}

		s.logger = logger
	}
}

// WithCollectionName overrides the default courier_outbox collection.
func WithCollectionName(name string) Option {
	return func(s *Store) {
		s.collectionName = name
	}
}

// WithCounterCollectionName overrides the default courier_counters
// collection holding the created_id sequence.
func WithCounterCollectionName(name string) Option {
	return func(s *Store) {
		s.counterName = name
	}
}

// WithOperationTimeout bounds store-issued operations when the caller's
// context carries no deadline. Non-positive values are ignored.
func WithOperationTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout <= 0 {
			return
		}

		s.operationTimeout = timeout
	}
}

// New builds a Store on top of conn. The hub connects lazily, so New
// does not touch the database.
func New(conn *Connection, opts ...Option) (*Store, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		conn:             conn,
		logger:           &log.NopLogger{},
		collectionName:   defaultCollectionName,
		counterName:      defaultCounterCollectionName,
		operationTimeout: defaultOperationTimeout,
	}
	store.databaseLookup = conn.Database

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	if err := validateCollectionName(store.collectionName); err != nil {
		return nil, fmt.Errorf("collection name: %w", err)
	}

	if err := validateCollectionName(store.counterName); err != nil {
		return nil, fmt.Errorf("counter collection name: %w", err)
	}

	return store, nil
}

// document is the persisted shape of a message. Headers are kept as the
// bag's JSON encoding so insertion order survives the round trip; BSON
// maps would not preserve it.
type document struct {
	MessageID     string            `bson:"message_id"`
	Topic         string            `bson:"topic"`
	MessageType   string            `bson:"message_type,omitempty"`
	OccurredAt    *time.Time        `bson:"occurred_at,omitempty"`
	CorrelationID string            `bson:"correlation_id,omitempty"`
	ReplyTo       string            `bson:"reply_to,omitempty"`
	ContentType   string            `bson:"content_type,omitempty"`
	PartitionKey  string            `bson:"partition_key,omitempty"`
	WorkflowID    string            `bson:"workflow_id,omitempty"`
	JobID         string            `bson:"job_id,omitempty"`
	Source        string            `bson:"source,omitempty"`
	EventType     string            `bson:"event_type,omitempty"`
	DataSchema    string            `bson:"data_schema,omitempty"`
	Subject       string            `bson:"subject,omitempty"`
	TraceParent   string            `bson:"trace_parent,omitempty"`
	TraceState    string            `bson:"trace_state,omitempty"`
	Baggage       map[string]string `bson:"baggage,omitempty"`
	Headers       []byte            `bson:"headers,omitempty"`
	Body          []byte            `bson:"body,omitempty"`
	DispatchedAt  *time.Time        `bson:"dispatched_at,omitempty"`
	CreatedAt     time.Time         `bson:"created_at"`
	CreatedID     int64             `bson:"created_id"`
}

// toDocument converts a message for insertion with the given sequence
// number and creation time.
func toDocument(message *courier.Message, createdID int64, createdAt time.Time) (*document, error) {
	doc := &document{
		MessageID:     message.MessageID,
		Topic:         message.Topic,
		MessageType:   string(message.MessageType),
		CorrelationID: message.CorrelationID,
		ReplyTo:       message.ReplyTo,
		ContentType:   message.ContentType,
		PartitionKey:  message.PartitionKey,
		WorkflowID:    message.WorkflowID,
		JobID:         message.JobID,
		Source:        message.Source,
		EventType:     message.Type,
		DataSchema:    message.DataSchema,
		Subject:       message.Subject,
		TraceParent:   message.TraceParent,
		TraceState:    message.TraceState,
		Baggage:       message.Baggage,
		Body:          message.Body,
		CreatedAt:     createdAt.UTC(),
		CreatedID:     createdID,
	}

	if !message.Timestamp.IsZero() {
		occurredAt := message.Timestamp.UTC()
		doc.OccurredAt = &occurredAt
	}

	if message.Dispatched != nil {
		dispatchedAt := message.Dispatched.UTC()
		doc.DispatchedAt = &dispatchedAt
	}

	if message.HeaderBag != nil && message.HeaderBag.Len() > 0 {
		headers, err := json.Marshal(message.HeaderBag)
		if err != nil {
			return nil, fmt.Errorf("encode headers: %w", err)
		}

		doc.Headers = headers
	}

	return doc, nil
}

// message rebuilds the courier message from its persisted shape.
func (doc *document) message() (*courier.Message, error) {
	message := &courier.Message{
		MessageID:     doc.MessageID,
		Topic:         doc.Topic,
		MessageType:   courier.MessageType(doc.MessageType),
		CorrelationID: doc.CorrelationID,
		ReplyTo:       doc.ReplyTo,
		ContentType:   doc.ContentType,
		PartitionKey:  doc.PartitionKey,
		WorkflowID:    doc.WorkflowID,
		JobID:         doc.JobID,
		Source:        doc.Source,
		Type:          doc.EventType,
		DataSchema:    doc.DataSchema,
		Subject:       doc.Subject,
		TraceParent:   doc.TraceParent,
		TraceState:    doc.TraceState,
		Baggage:       doc.Baggage,
		Body:          doc.Body,
		Created:       doc.CreatedAt.UTC(),
		CreatedID:     doc.CreatedID,
	}

	if doc.OccurredAt != nil {
		message.Timestamp = doc.OccurredAt.UTC()
	}

	if doc.DispatchedAt != nil {
		dispatched := doc.DispatchedAt.UTC()
		message.Dispatched = &dispatched
	}

	if len(doc.Headers) > 0 {
		bag := courier.NewHeaderBag()
		if err := json.Unmarshal(doc.Headers, bag); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}

		message.HeaderBag = bag
	}

	return message, nil
}

// EnsureSchema creates the indexes the store relies on: the unique
// message_id constraint backing duplicate detection and the compound
// pending-scan index. Collections themselves are created implicitly.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil {
		return outbox.ErrStoreRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "outbox.ensure_schema")
	defer span.End()

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	db, err := s.databaseLookup(ctx)
	if err != nil {
		span.RecordError(err)

		return err
	}

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "message_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "dispatched_at", Value: 1}, {Key: "created_id", Value: 1}},
		},
	}

	if _, err := db.Collection(s.collectionName).Indexes().CreateMany(ctx, indexes); err != nil {
		span.RecordError(err)
		s.logError(ctx, "failed to ensure outbox indexes", err)

		return fmt.Errorf("ensure outbox schema: %w", err)
	}

	return nil
}

// nextCreatedID increments and returns the collection's sequence
// counter. Runs outside any caller transaction on purpose: the counter
// must move forward even when the deposit later aborts, or two racing
// deposits could commit out of sequence order.
func (s *Store) nextCreatedID(ctx context.Context, db *mongo.Database) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}

	err := db.Collection(s.counterName).FindOneAndUpdate(ctx,
		bson.M{"_id": s.collectionName},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("next created id: %w", err)
	}

	return counter.Seq, nil
}

// Deposit inserts message, joining the caller's mongo.SessionContext
// when one is passed as the transaction handle. A nil tx deposits
// standalone.
func (s *Store) Deposit(ctx context.Context, tx outbox.Tx, message *courier.Message) error {
	if s == nil {
		return outbox.ErrStoreRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if message == nil {
		return courier.ErrMessageRequired
	}

	if strings.TrimSpace(message.MessageID) == "" {
		return courier.ErrMessageIDRequired
	}

	if strings.TrimSpace(message.Topic) == "" {
		return courier.ErrTopicRequired
	}

	sessCtx, ambient, err := sessionFor(tx)
	if err != nil {
		return err
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "outbox.deposit")
	defer span.End()

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	db, err := s.databaseLookup(ctx)
	if err != nil {
		span.RecordError(err)

		return err
	}

	// The sequence is allocated with the store's own context even for
	// ambient deposits; see nextCreatedID.
	createdID, err := s.nextCreatedID(ctx, db)
	if err != nil {
		span.RecordError(err)
		s.logError(ctx, "failed to allocate outbox sequence", err)

		return fmt.Errorf("deposit %q: %w", message.MessageID, err)
	}

	created := message.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}

	doc, err := toDocument(message, createdID, created)
	if err != nil {
		return fmt.Errorf("deposit %q: %w", message.MessageID, err)
	}

	insertCtx := ctx
	if ambient {
		// The insert joins the caller's session; bounding or cancelling
		// their transaction is not the store's call to make.
		insertCtx = sessCtx
	}

	if _, err := db.Collection(s.collectionName).InsertOne(insertCtx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("deposit %q: %w", message.MessageID, outbox.ErrDuplicateMessageID)
		}

		span.RecordError(err)
		s.logError(ctx, "failed to deposit outbox message", err)

		return fmt.Errorf("deposit %q: %w", message.MessageID, err)
	}

	return nil
}

// Undispatched returns up to maxCount undelivered messages in deposit
// order. A non-zero olderThan keeps only documents created at or before
// it.
func (s *Store) Undispatched(ctx context.Context, maxCount int, olderThan time.Time) ([]*courier.Message, error) {
	if s == nil {
		return nil, outbox.ErrStoreRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if maxCount <= 0 {
		return nil, nil
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "outbox.undispatched")
	defer span.End()

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	db, err := s.databaseLookup(ctx)
	if err != nil {
		span.RecordError(err)

		return nil, err
	}

	filter := bson.M{"dispatched_at": nil}
	if !olderThan.IsZero() {
		filter["created_at"] = bson.M{"$lte": olderThan.UTC()}
	}

	messages, err := s.find(ctx, db, filter, maxCount)
	if err != nil {
		span.RecordError(err)
		s.logError(ctx, "failed to list undispatched messages", err)

		return nil, fmt.Errorf("list undispatched: %w", err)
	}

	return messages, nil
}

// MarkDispatched stamps the given messages as dispatched and reports
// how many documents transitioned. Documents already dispatched are
// left alone, so concurrent dispatchers converge without double
// counting.
func (s *Store) MarkDispatched(ctx context.Context, ids []string, dispatchedAt time.Time) (int, error) {
	if s == nil {
		return 0, outbox.ErrStoreRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if len(ids) == 0 {
		return 0, nil
	}

	if dispatchedAt.IsZero() {
		dispatchedAt = time.Now().UTC()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "outbox.mark_dispatched")
	defer span.End()

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	db, err := s.databaseLookup(ctx)
	if err != nil {
		span.RecordError(err)

		return 0, err
	}

	result, err := db.Collection(s.collectionName).UpdateMany(ctx,
		bson.M{"message_id": bson.M{"$in": ids}, "dispatched_at": nil},
		bson.M{"$set": bson.M{"dispatched_at": dispatchedAt.UTC()}},
	)
	if err != nil {
		span.RecordError(err)
		s.logError(ctx, "failed to mark messages dispatched", err)

		return 0, fmt.Errorf("mark dispatched: %w", err)
	}

	return int(result.ModifiedCount), nil
}

// Dispatched returns up to maxCount dispatched messages in deposit
// order. A non-zero olderThan keeps only documents dispatched at or
// before it, which is the retention sweep's cutoff.
func (s *Store) Dispatched(ctx context.Context, olderThan time.Time, maxCount int) ([]*courier.Message, error) {
	if s == nil {
		return nil, outbox.ErrStoreRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if maxCount <= 0 {
		return nil, nil
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "outbox.dispatched")
	defer span.End()

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	db, err := s.databaseLookup(ctx)
	if err != nil {
		span.RecordError(err)

		return nil, err
	}

	filter := bson.M{"dispatched_at": bson.M{"$ne": nil}}
	if !olderThan.IsZero() {
		filter["dispatched_at"] = bson.M{"$ne": nil, "$lte": olderThan.UTC()}
	}

	messages, err := s.find(ctx, db, filter, maxCount)
	if err != nil {
		span.RecordError(err)
		s.logError(ctx, "failed to list dispatched messages", err)

		return nil, fmt.Errorf("list dispatched: %w", err)
	}

	return messages, nil
}

// Get returns the message with the given id.
func (s *Store) Get(ctx context.Context, messageID string) (*courier.Message, error) {
	if s == nil {
		return nil, outbox.ErrStoreRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "outbox.get")
	defer span.End()

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	db, err := s.databaseLookup(ctx)
	if err != nil {
		span.RecordError(err)

		return nil, err
	}

	var doc document

	err = db.Collection(s.collectionName).FindOne(ctx, bson.M{"message_id": messageID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("get %q: %w", messageID, outbox.ErrMessageNotFound)
		}

		span.RecordError(err)
		s.logError(ctx, "failed to get outbox message", err)

		return nil, fmt.Errorf("get %q: %w", messageID, err)
	}

	message, err := doc.message()
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", messageID, err)
	}

	return message, nil
}

// Delete removes the given messages and reports how many documents
// existed.
func (s *Store) Delete(ctx context.Context, ids []string) (int, error) {
	if s == nil {
		return 0, outbox.ErrStoreRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if len(ids) == 0 {
		return 0, nil
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "outbox.delete")
	defer span.End()

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	db, err := s.databaseLookup(ctx)
	if err != nil {
		span.RecordError(err)

		return 0, err
	}

	result, err := db.Collection(s.collectionName).DeleteMany(ctx,
		bson.M{"message_id": bson.M{"$in": ids}})
	if err != nil {
		span.RecordError(err)
		s.logError(ctx, "failed to delete outbox messages", err)

		return 0, fmt.Errorf("delete messages: %w", err)
	}

	return int(result.DeletedCount), nil
}

// Len counts undispatched messages.
func (s *Store) Len(ctx context.Context) (int, error) {
	if s == nil {
		return 0, outbox.ErrStoreRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "outbox.len")
	defer span.End()

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	db, err := s.databaseLookup(ctx)
	if err != nil {
		span.RecordError(err)

		return 0, err
	}

	count, err := db.Collection(s.collectionName).CountDocuments(ctx, bson.M{"dispatched_at": nil})
	if err != nil {
		span.RecordError(err)
		s.logError(ctx, "failed to count undispatched messages", err)

		return 0, fmt.Errorf("count undispatched: %w", err)
	}

	return int(count), nil
}

// find runs a filtered query sorted by created_id ascending.
func (s *Store) find(ctx context.Context, db *mongo.Database, filter bson.M, maxCount int) ([]*courier.Message, error) {
	cursor, err := db.Collection(s.collectionName).Find(ctx, filter,
		options.Find().
			SetSort(bson.D{{Key: "created_id", Value: 1}}).
			SetLimit(int64(maxCount)),
	)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var messages []*courier.Message

	for cursor.Next(ctx) {
		var doc document
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode outbox document: %w", err)
		}

		message, err := doc.message()
		if err != nil {
			return nil, err
		}

		messages = append(messages, message)
	}

	if err := cursor.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

// opContext bounds an operation by the configured timeout when the
// caller's context carries no deadline of its own.
func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, s.operationTimeout)
}

func (s *Store) logError(ctx context.Context, msg string, err error) {
	s.logger.Log(ctx, log.LevelError, msg,
		log.String("collection", s.collectionName),
		log.Err(err),
	)
}

// sessionFor resolves the Deposit transaction handle. A nil handle
// means the store runs the insert standalone.
func sessionFor(tx outbox.Tx) (mongo.SessionContext, bool, error) {
	switch handle := tx.(type) {
	case nil:
		return nil, false, nil
	case mongo.SessionContext:
		if handle == nil {
			return nil, false, nil
		}

		return handle, true, nil
	default:
		return nil, false, fmt.Errorf("%w: %T", ErrUnsupportedTx, tx)
	}
}
