package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/inbox"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

const (
	tracerName = "courier.inbox.redis"

	defaultKeyPrefix = "courier:inbox:"

	scanBatchSize = 100
)

// Store is a Redis inbox store. Expiring records carry a native key
// TTL, so the server reaps them without a purge pass.
type Store struct {
	client    redis.UniversalClient
	logger    log.Logger
	keyPrefix string
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

// WithKeyPrefix overrides the default courier:inbox: key prefix. Blank
// prefixes are ignored.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) == "" {
			return
		}

		s.keyPrefix = prefix
	}
}

// New builds a Store on the given client. The client's lifecycle stays
// with the caller; the store never closes it.
func New(client redis.UniversalClient, opts ...Option) (*Store, error) {
	if nilcheck.Interface(client) {
		return nil, ErrClientRequired
	}

	store := &Store{
		client:    client,
		logger:    &log.NopLogger{},
		keyPrefix: defaultKeyPrefix,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store, nil
}

// storedRecord is the JSON document kept under the record's key.
type storedRecord struct {
	CommandID   string              `json:"command_id"`
	ContextKey  string              `json:"context_key"`
	RecordedAt  time.Time           `json:"recorded_at"`
	CommandType courier.MessageType `json:"command_type,omitempty"`
	CommandBody []byte              `json:"command_body,omitempty"`
	ExpireAfter time.Duration       `json:"expire_after,omitempty"`
}

// Exists reports whether a live record with the identity is present.
func (s *Store) Exists(ctx context.Context, commandID, contextKey string) (bool, error) {
	if s == nil {
		return false, inbox.ErrStoreRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "inbox.exists")
	defer span.End()

	count, err := s.client.Exists(ctx, s.key(commandID, contextKey)).Result()
	if err != nil {
		span.RecordError(err)
		s.logError(ctx, "failed to check inbox record", err)

		return false, fmt.Errorf("exists %q in context %q: %w", commandID, contextKey, err)
	}

	return count > 0, nil
}

// Add inserts the record with SET NX, stamping Timestamp when unset. A
// live record under the same identity fails with courier.ErrDuplicateKey;
// an expired one has already been reaped by its TTL, so the insert wins.
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

	recordedAt := record.Timestamp
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	var ttl time.Duration

	if record.ExpireAfter > 0 {
		ttl = time.Until(recordedAt.Add(record.ExpireAfter))

		// A backdated record past its expiry is already absent; there is
		// nothing to write.
		if ttl <= 0 {
			return nil
		}
	}

	payload, err := json.Marshal(storedRecord{
		CommandID:   record.CommandID,
		ContextKey:  record.ContextKey,
		RecordedAt:  recordedAt.UTC(),
		CommandType: record.CommandType,
		CommandBody: record.CommandBody,
		ExpireAfter: record.ExpireAfter,
	})
	if err != nil {
		return fmt.Errorf("add %q in context %q: %w", record.CommandID, record.ContextKey, err)
	}

	ok, err := s.client.SetNX(ctx, s.key(record.CommandID, record.ContextKey), payload, ttl).Result()
	if err != nil {
		span.RecordError(err)
		s.logError(ctx, "failed to add inbox record", err)

		return fmt.Errorf("add %q in context %q: %w", record.CommandID, record.ContextKey, err)
	}

	if !ok {
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

	payload, err := s.client.Get(ctx, s.key(commandID, contextKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("get %q in context %q: %w", commandID, contextKey, inbox.ErrRecordNotFound)
		}

		span.RecordError(err)
		s.logError(ctx, "failed to get inbox record", err)

		return nil, fmt.Errorf("get %q in context %q: %w", commandID, contextKey, err)
	}

	record, err := decodeRecord(payload)
	if err != nil {
		span.RecordError(err)

		return nil, fmt.Errorf("get %q in context %q: %w", commandID, contextKey, err)
	}

	return record, nil
}

// Purge removes records written before olderThan. Records past their
// expiry have already been reaped by the server, so the sweep only ever
// sees live ones.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	if s == nil {
		return 0, inbox.ErrStoreRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "inbox.purge")
	defer span.End()

	removed := 0

	var cursor uint64

	for {
		keys, nextCursor, err := s.client.Scan(ctx, cursor, s.keyPrefix+"*", scanBatchSize).Result()
		if err != nil {
			span.RecordError(err)
			s.logError(ctx, "failed to scan inbox records", err)

			return removed, fmt.Errorf("purge records: %w", err)
		}

		for _, key := range keys {
			count, err := s.purgeKey(ctx, key, olderThan)
			if err != nil {
				span.RecordError(err)
				s.logError(ctx, "failed to purge inbox record", err)

				return removed, fmt.Errorf("purge records: %w", err)
			}

			removed += count
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return removed, nil
}

// purgeKey deletes one record when it predates the cutoff. A key that
// expired or changed mid-sweep counts as already gone.
func (s *Store) purgeKey(ctx context.Context, key string, olderThan time.Time) (int, error) {
	payload, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	record, err := decodeRecord(payload)
	if err != nil {
		// Not one of ours. Leave foreign keys under the prefix alone.
		s.logger.Log(ctx, log.LevelWarn, "skipping undecodable inbox record",
			log.String("key", key),
			log.Err(err),
		)

		return 0, nil
	}

	if !record.Timestamp.Before(olderThan) {
		return 0, nil
	}

	deleted, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return 0, err
	}

	return int(deleted), nil
}

func (s *Store) key(commandID, contextKey string) string {
	return s.keyPrefix + encodeKeyPart(contextKey) + ":" + encodeKeyPart(commandID)
}

// encodeKeyPart escapes the separator so a colon inside either identity
// part cannot alias another identity's key.
func encodeKeyPart(part string) string {
	part = strings.ReplaceAll(part, "%", "%25")

	return strings.ReplaceAll(part, ":", "%3A")
}

func (s *Store) logError(ctx context.Context, msg string, err error) {
	s.logger.Log(ctx, log.LevelError, msg,
		log.String("key_prefix", s.keyPrefix),
		log.Err(err),
	)
}

func decodeRecord(payload []byte) (*inbox.Record, error) {
	var stored storedRecord
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, fmt.Errorf("decode inbox record: %w", err)
	}

	return &inbox.Record{
		CommandID:   stored.CommandID,
		ContextKey:  stored.ContextKey,
		Timestamp:   stored.RecordedAt.UTC(),
		CommandType: stored.CommandType,
		CommandBody: stored.CommandBody,
		ExpireAfter: stored.ExpireAfter,
	}, nil
}
