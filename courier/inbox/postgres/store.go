package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/inbox"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	pg "github.com/LerianStudio/lib-courier/courier/postgres"
	"go.opentelemetry.io/otel"
)

const (
	tracerName = "courier.inbox.postgres"

	defaultTableName        = "courier_inbox"
	defaultOperationTimeout = 30 * time.Second

	// maxSQLIdentifierLength matches the PostgreSQL NAMEDATALEN-1 limit.
	maxSQLIdentifierLength = 63
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateIdentifier(name string) error {
	if len(name) == 0 || len(name) > maxSQLIdentifierLength {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}

	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}

	return nil
}

func validateIdentifierPath(path string) error {
	for _, part := range strings.Split(path, ".") {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifier(name string) string {
	name = strings.ReplaceAll(name, "\x00", "")

	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	for i, part := range parts {
		parts[i] = quoteIdentifier(strings.TrimSpace(part))
	}

	return strings.Join(parts, ".")
}

// Store is a PostgreSQL inbox store backed by a courier postgres hub.
// All statements run against the primary: a dedup check answered by a
// lagging replica would wave a duplicate through.
type Store struct {
	conn             *pg.Connection
	logger           log.Logger
	tableName        string
	operationTimeout time.Duration

	primaryLookup func(ctx context.Context) (*sql.DB, error)
}

var _ inbox.Store = (*Store)(nil)

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

// WithTableName overrides the default courier_inbox table. The name may
// be schema qualified.
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

// EnsureSchema creates the inbox table and its indexes if they do not
// exist. The table name is configurable, so the schema is issued at
// runtime rather than shipped as migration files.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil {
		return inbox.ErrStoreRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "inbox.ensure_schema")
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
			s.logError(ctx, "failed to ensure inbox schema", err)

			return fmt.Errorf("ensure inbox schema: %w", err)
		}
	}

	return nil
}

func (s *Store) schemaStatements() []string {
	table := s.table()
	recordedIndex := quoteIdentifier("idx_" + s.indexBase() + "_recorded")
	expiryIndex := quoteIdentifier("idx_" + s.indexBase() + "_expiry")

	return []string{
		"CREATE TABLE IF NOT EXISTS " + table + ` (
	command_id TEXT NOT NULL,
	context_key TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	command_type TEXT NOT NULL DEFAULT '',
	command_body BYTEA,
	expires_at TIMESTAMPTZ,
	PRIMARY KEY (command_id, context_key)
)`,
		"CREATE INDEX IF NOT EXISTS " + recordedIndex + " ON " + table +
			" (recorded_at)",
		"CREATE INDEX IF NOT EXISTS " + expiryIndex + " ON " + table +
			" (expires_at) WHERE expires_at IS NOT NULL",
	}
}

// Exists reports whether a live record with the identity is present.
// Records past their expiry count as absent.
func (s *Store) Exists(ctx context.Context, commandID, contextKey string) (bool, error) {
	if s == nil {
		return false, inbox.ErrStoreRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "inbox.exists")
	defer span.End()

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	db, err := s.primaryLookup(ctx)
	if err != nil {
		span.RecordError(err)

		return false, err
	}

	query := "SELECT EXISTS (SELECT 1 FROM " + s.table() +
		" WHERE command_id = $1 AND context_key = $2" +
		" AND (expires_at IS NULL OR expires_at > now()))"

	var exists bool
	if err := db.QueryRowContext(ctx, query, commandID, contextKey).Scan(&exists); err != nil {
		span.RecordError(err)
		s.logError(ctx, "failed to check inbox record", err)

		return false, fmt.Errorf("exists %q in context %q: %w", commandID, contextKey, err)
	}

	return exists, nil
}

// Add inserts the record, stamping Timestamp when unset. A live record
// under the same identity fails with courier.ErrDuplicateKey; an
// expired one is replaced. The whole decision is one conditional
// upsert, so of two racing writers exactly one wins.
func (s *Store) Add(ctx context.Context, record *inbox.Record) error {
	if s == nil {
		return inbox.ErrStoreRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := record.Validate(); err != nil {
		return err
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "inbox.add")
	defer span.End()

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	db, err := s.primaryLookup(ctx)
	if err != nil {
		span.RecordError(err)

		return err
	}

	recordedAt := record.Timestamp
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	var expiresAt any
	if record.ExpireAfter > 0 {
		expiresAt = recordedAt.Add(record.ExpireAfter).UTC()
	}

	query := "INSERT INTO " + s.table() + " AS inbox " +
		"(command_id, context_key, recorded_at, command_type, command_body, expires_at) " +
		"VALUES ($1, $2, $3, $4, $5, $6) " +
		"ON CONFLICT (command_id, context_key) DO UPDATE SET " +
		"recorded_at = EXCLUDED.recorded_at, " +
		"command_type = EXCLUDED.command_type, " +
		"command_body = EXCLUDED.command_body, " +
		"expires_at = EXCLUDED.expires_at " +
		"WHERE inbox.expires_at IS NOT NULL AND inbox.expires_at <= now()"

	result, err := db.ExecContext(ctx, query,
		record.CommandID,
		record.ContextKey,
		recordedAt.UTC(),
		string(record.CommandType),
		record.CommandBody,
		expiresAt,
	)
	if err != nil {
		span.RecordError(err)
		s.logError(ctx, "failed to add inbox record", err)

		return fmt.Errorf("add %q in context %q: %w", record.CommandID, record.ContextKey, err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("add %q in context %q: %w", record.CommandID, record.ContextKey, err)
	}

	// Zero rows means the conflict target held a live record, so neither
	// the insert nor the expired-replacement branch fired.
	if count == 0 {
		return fmt.Errorf("add %q in context %q: %w", record.CommandID, record.ContextKey, courier.ErrDuplicateKey)
	}

	return nil
}

// Get fetches one live record by identity.
func (s *Store) Get(ctx context.Context, commandID, contextKey string) (*inbox.Record, error) {
	if s == nil {
		return nil, inbox.ErrStoreRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "inbox.get")
	defer span.End()

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	db, err := s.primaryLookup(ctx)
	if err != nil {
		span.RecordError(err)

		return nil, err
	}

	query := "SELECT command_id, context_key, recorded_at, command_type, " +
		"command_body, expires_at FROM " + s.table() +
		" WHERE command_id = $1 AND context_key = $2" +
		" AND (expires_at IS NULL OR expires_at > now())"

	record, err := scanRecord(db.QueryRowContext(ctx, query, commandID, contextKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get %q in context %q: %w", commandID, contextKey, inbox.ErrRecordNotFound)
		}

		span.RecordError(err)
		s.logError(ctx, "failed to get inbox record", err)

		return nil, fmt.Errorf("get %q in context %q: %w", commandID, contextKey, err)
	}

	return record, nil
}

// Purge removes records written before olderThan plus any past their
// expiry, and returns how many went away.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	if s == nil {
		return 0, inbox.ErrStoreRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "inbox.purge")
	defer span.End()

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	db, err := s.primaryLookup(ctx)
	if err != nil {
		span.RecordError(err)

		return 0, err
	}

	query := "DELETE FROM " + s.table() + " WHERE recorded_at < $1" +
		" OR (expires_at IS NOT NULL AND expires_at <= now())"

	result, err := db.ExecContext(ctx, query, olderThan.UTC())
	if err != nil {
		span.RecordError(err)
		s.logError(ctx, "failed to purge inbox records", err)

		return 0, fmt.Errorf("purge records: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge records: %w", err)
	}

	return int(count), nil
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

// scanRecord rebuilds a record from a row. ExpireAfter is derived from
// the stored expiry instant, so the round trip preserves it.
func scanRecord(scanner interface{ Scan(dest ...any) error }) (*inbox.Record, error) {
	var (
		record      inbox.Record
		commandType string
		expiresAt   sql.NullTime
	)

	err := scanner.Scan(
		&record.CommandID,
		&record.ContextKey,
		&record.Timestamp,
		&commandType,
		&record.CommandBody,
		&expiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan inbox record: %w", err)
	}

	record.CommandType = courier.MessageType(commandType)
	record.Timestamp = record.Timestamp.UTC()

	if expiresAt.Valid {
		record.ExpireAfter = expiresAt.Time.Sub(record.Timestamp)
	}

	return &record, nil
}
