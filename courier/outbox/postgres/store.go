package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	pg "github.com/LerianStudio/lib-courier/courier/postgres"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
)

const (
	tracerName = "courier.outbox.postgres"

	defaultTableName        = "courier_outbox"
	defaultOperationTimeout = 30 * time.Second

	// maxSQLIdentifierLength matches the PostgreSQL NAMEDATALEN-1 limit.
	maxSQLIdentifierLength = 63

	pgUniqueViolation = "23505"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// validateIdentifier checks that name is usable as a SQL identifier.
func validateIdentifier(name string) error {
	if len(name) == 0 || len(name) > maxSQLIdentifierLength {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}

	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}

	return nil
}

// validateIdentifierPath checks a dotted identifier such as
// "billing.courier_outbox".
func validateIdentifierPath(path string) error {
	for _, part := range strings.Split(path, ".") {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

// quoteIdentifier renders name as a quoted SQL identifier.
func quoteIdentifier(name string) string {
	name = strings.ReplaceAll(name, "\x00", "")

	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quoteIdentifierPath quotes each segment of a dotted identifier.
func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	for i, part := range parts {
		parts[i] = quoteIdentifier(strings.TrimSpace(part))
	}

	return strings.Join(parts, ".")
}

// insertColumns lists the columns written by Deposit, in placeholder
// order. created_id is generated by the database.
const insertColumns = "message_id, topic, message_type, occurred_at, " +
	"correlation_id, reply_to, content_type, partition_key, workflow_id, " +
	"job_id, source, event_type, data_schema, subject, trace_parent, " +
	"trace_state, baggage, headers, body, dispatched_at, created_at"

// selectColumns lists the columns read back, in scan order.
const selectColumns = insertColumns + ", created_id"

// Store is a PostgreSQL outbox store backed by a courier postgres hub.
// All statements run against the primary so deposits, claims, and
// acknowledgements never race replica lag.
type Store struct {
	conn             *pg.Connection
	logger           log.Logger
	tableName        string
	operationTimeout time.Duration

	primaryLookup func(ctx context.Context) (*sql.DB, error)
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

// WithTableName overrides the default courier_outbox table. The name
// may be schema qualified.
func WithTableName(name string) Option {
	return func(s *Store) {
		s.tableName = name
	}
}

// WithOperationTimeout bounds store-issued statements when the caller's
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
func New(conn *pg.Connection, opts ...Option) (*Store, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		conn:             conn,
		logger:           &log.NopLogger{},
		tableName:        defaultTableName,
		operationTimeout: defaultOperationTimeout,
	}
	store.primaryLookup = conn.Primary

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	if err := validateIdentifierPath(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return store, nil
}

// EnsureSchema creates the outbox table and its partial indexes if they
// do not exist. The table name is configurable, so the schema is issued
// at runtime rather than shipped as migration files.
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

	db, err := s.primaryLookup(ctx)
	if err != nil {
		span.RecordError(err)

		return err
	}

	for _, stmt := range s.schemaStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			span.RecordError(err)
			s.logError(ctx, "failed to ensure outbox schema", err)

			return fmt.Errorf("ensure outbox schema: %w", err)
		}
	}

	return nil
}

func (s *Store) schemaStatements() []string {
	table := s.table()
	pendingIndex := quoteIdentifier("idx_" + s.indexBase() + "_pending")
	dispatchedIndex := quoteIdentifier("idx_" + s.indexBase() + "_dispatched")

	return []string{
		"CREATE TABLE IF NOT EXISTS " + table + ` (
	created_id BIGSERIAL PRIMARY KEY,
	message_id TEXT NOT NULL UNIQUE,
	topic TEXT NOT NULL,
	message_type TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ,
	correlation_id TEXT NOT NULL DEFAULT '',
	reply_to TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	partition_key TEXT NOT NULL DEFAULT '',
	workflow_id TEXT NOT NULL DEFAULT '',
	job_id TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL DEFAULT '',
	data_schema TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	trace_parent TEXT NOT NULL DEFAULT '',
	trace_state TEXT NOT NULL DEFAULT '',
	baggage JSONB,
	headers JSONB,
	body BYTEA,
	dispatched_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		"CREATE INDEX IF NOT EXISTS " + pendingIndex + " ON " + table +
			" (created_id) WHERE dispatched_at IS NULL",
		"CREATE INDEX IF NOT EXISTS " + dispatchedIndex + " ON " + table +
			" (dispatched_at) WHERE dispatched_at IS NOT NULL",
	}
}

// Deposit inserts message, joining tx when the caller passes its
// ambient *sql.Tx. A nil tx deposits in its own implicit transaction.
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

	runner, ambient, err := runnerFor(tx)
	if err != nil {
		return err
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "outbox.deposit")
	defer span.End()

	if !ambient {
		// The operation timeout only bounds work this store opens
		// itself. Cancelling a caller's transaction is not ours to do.
		var cancel context.CancelFunc

		ctx, cancel = s.opContext(ctx)
		defer cancel()

		db, err := s.primaryLookup(ctx)
		if err != nil {
			span.RecordError(err)

			return err
		}

		runner = db
	}

	baggage, err := marshalBaggage(message.Baggage)
	if err != nil {
		return fmt.Errorf("deposit %q: %w", message.MessageID, err)
	}

	headers, err := marshalHeaders(message.HeaderBag)
	if err != nil {
		return fmt.Errorf("deposit %q: %w", message.MessageID, err)
	}

	created := message.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}

	var occurredAt any
	if !message.Timestamp.IsZero() {
		occurredAt = message.Timestamp.UTC()
	}

	var dispatchedAt any
	if message.Dispatched != nil {
		dispatchedAt = message.Dispatched.UTC()
	}

	query := "INSERT INTO " + s.table() + " (" + insertColumns + ") VALUES " +
		"($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, " +
		"$15, $16, $17::jsonb, $18::jsonb, $19, $20, $21)"

	_, err = runner.ExecContext(ctx, query,
		message.MessageID,
		message.Topic,
		string(message.MessageType),
		occurredAt,
		message.CorrelationID,
		message.ReplyTo,
		message.ContentType,
		message.PartitionKey,
		message.WorkflowID,
		message.JobID,
		message.Source,
		message.Type,
		message.DataSchema,
		message.Subject,
		message.TraceParent,
		message.TraceState,
		baggage,
		headers,
		message.Body,
		dispatchedAt,
		created.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("deposit %q: %w", message.MessageID, outbox.ErrDuplicateMessageID)
		}

		span.RecordError(err)
		s.logError(ctx, "failed to deposit outbox message", err)

		return fmt.Errorf("deposit %q: %w", message.MessageID, err)
	}

	return nil
}

// Undispatched returns up to maxCount undelivered messages in deposit
// order. A non-zero olderThan keeps only rows created at or before it.
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

	db, err := s.primaryLookup(ctx)
	if err != nil {
		span.RecordError(err)

		return nil, err
	}

	query := "SELECT " + selectColumns + " FROM " + s.table() +
		" WHERE dispatched_at IS NULL"
	args := make([]any, 0, 2)

	if !olderThan.IsZero() {
		args = append(args, olderThan.UTC())
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}

	args = append(args, maxCount)
	query += fmt.Sprintf(" ORDER BY created_id ASC LIMIT $%d", len(args))

	messages, err := s.queryMessages(ctx, db, query, args...)
	if err != nil {
		span.RecordError(err)
		s.logError(ctx, "failed to list undispatched messages", err)

		return nil, fmt.Errorf("list undispatched: %w", err)
	}

	return messages, nil
}

// MarkDispatched stamps the given messages as dispatched and reports
// how many rows transitioned. Rows already dispatched are left alone,
// so concurrent dispatchers converge without double counting.
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

	db, err := s.primaryLookup(ctx)
	if err != nil {
		span.RecordError(err)

		return 0, err
	}

	query := "UPDATE " + s.table() + " SET dispatched_at = $1 " +
		"WHERE message_id = ANY($2::text[]) AND dispatched_at IS NULL"

	result, err := db.ExecContext(ctx, query, dispatchedAt.UTC(), ids)
	if err != nil {
		span.RecordError(err)
		s.logError(ctx, "failed to mark messages dispatched", err)

		return 0, fmt.Errorf("mark dispatched: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark dispatched: %w", err)
	}

	return int(count), nil
}

// Dispatched returns up to maxCount dispatched messages in deposit
// order. A non-zero olderThan keeps only rows dispatched at or before
// it, which is the retention sweep's cutoff.
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

	db, err := s.primaryLookup(ctx)
	if err != nil {
		span.RecordError(err)

		return nil, err
	}

	query := "SELECT " + selectColumns + " FROM " + s.table() +
		" WHERE dispatched_at IS NOT NULL"
	args := make([]any, 0, 2)

	if !olderThan.IsZero() {
		args = append(args, olderThan.UTC())
		query += fmt.Sprintf(" AND dispatched_at <= $%d", len(args))
	}

	args = append(args, maxCount)
	query += fmt.Sprintf(" ORDER BY created_id ASC LIMIT $%d", len(args))

	messages, err := s.queryMessages(ctx, db, query, args...)
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

	db, err := s.primaryLookup(ctx)
	if err != nil {
		span.RecordError(err)

		return nil, err
	}

	query := "SELECT " + selectColumns + " FROM " + s.table() +
		" WHERE message_id = $1"

	message, err := scanMessage(db.QueryRowContext(ctx, query, messageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get %q: %w", messageID, outbox.ErrMessageNotFound)
		}

		span.RecordError(err)
		s.logError(ctx, "failed to get outbox message", err)

		return nil, fmt.Errorf("get %q: %w", messageID, err)
	}

	return message, nil
}

// Delete removes the given messages and reports how many rows existed.
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

	db, err := s.primaryLookup(ctx)
	if err != nil {
		span.RecordError(err)

		return 0, err
	}

	query := "DELETE FROM " + s.table() + " WHERE message_id = ANY($1::text[])"

	result, err := db.ExecContext(ctx, query, ids)
	if err != nil {
		span.RecordError(err)
		s.logError(ctx, "failed to delete outbox messages", err)

		return 0, fmt.Errorf("delete messages: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}

	return int(count), nil
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

	db, err := s.primaryLookup(ctx)
	if err != nil {
		span.RecordError(err)

		return 0, err
	}

	query := "SELECT COUNT(*) FROM " + s.table() + " WHERE dispatched_at IS NULL"

	var count int
	if err := db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		span.RecordError(err)
		s.logError(ctx, "failed to count undispatched messages", err)

		return 0, fmt.Errorf("count undispatched: %w", err)
	}

	return count, nil
}

func (s *Store) table() string {
	return quoteIdentifierPath(s.tableName)
}

func (s *Store) indexBase() string {
	parts := strings.Split(s.tableName, ".")

	return strings.TrimSpace(parts[len(parts)-1])
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
		log.String("table", s.tableName),
		log.Err(err),
	)
}

func (s *Store) queryMessages(ctx context.Context, db *sql.DB, query string, args ...any) ([]*courier.Message, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*courier.Message

	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}

		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// runnerFor resolves the Deposit transaction handle. A nil handle means
// the store runs the insert itself on the primary.
func runnerFor(tx outbox.Tx) (execer, bool, error) {
	switch handle := tx.(type) {
	case nil:
		return nil, false, nil
	case *sql.Tx:
		if handle == nil {
			return nil, false, nil
		}

		return handle, true, nil
	default:
		return nil, false, fmt.Errorf("%w: %T", ErrUnsupportedTx, tx)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func marshalBaggage(baggage map[string]string) (any, error) {
	if len(baggage) == 0 {
		return nil, nil
	}

	encoded, err := json.Marshal(baggage)
	if err != nil {
		return nil, fmt.Errorf("encode baggage: %w", err)
	}

	return string(encoded), nil
}

func marshalHeaders(bag *courier.HeaderBag) (any, error) {
	if bag == nil || bag.Len() == 0 {
		return nil, nil
	}

	encoded, err := json.Marshal(bag)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}

	return string(encoded), nil
}

// scanMessage rebuilds a message from a row in selectColumns order.
func scanMessage(scanner interface{ Scan(dest ...any) error }) (*courier.Message, error) {
	var (
		message      courier.Message
		messageType  string
		occurredAt   sql.NullTime
		baggage      []byte
		headers      []byte
		dispatchedAt sql.NullTime
	)

	err := scanner.Scan(
		&message.MessageID,
		&message.Topic,
		&messageType,
		&occurredAt,
		&message.CorrelationID,
		&message.ReplyTo,
		&message.ContentType,
		&message.PartitionKey,
		&message.WorkflowID,
		&message.JobID,
		&message.Source,
		&message.Type,
		&message.DataSchema,
		&message.Subject,
		&message.TraceParent,
		&message.TraceState,
		&baggage,
		&headers,
		&message.Body,
		&dispatchedAt,
		&message.Created,
		&message.CreatedID,
	)
	if err != nil {
		return nil, fmt.Errorf("scan outbox message: %w", err)
	}

	message.MessageType = courier.MessageType(messageType)
	message.Created = message.Created.UTC()

	if occurredAt.Valid {
		message.Timestamp = occurredAt.Time.UTC()
	}

	if dispatchedAt.Valid {
		stamp := dispatchedAt.Time.UTC()
		message.Dispatched = &stamp
	}

	if len(baggage) > 0 {
		if err := json.Unmarshal(baggage, &message.Baggage); err != nil {
			return nil, fmt.Errorf("decode baggage: %w", err)
		}
	}

	if len(headers) > 0 {
		bag := courier.NewHeaderBag()
		if err := json.Unmarshal(headers, bag); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}

		message.HeaderBag = bag
	}

	return &message, nil
}
