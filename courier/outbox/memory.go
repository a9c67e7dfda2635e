package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
)

// InMemoryStore is the reference Store implementation, used by the unit
// suites and for local development. Safe for concurrent use. Messages are
// cloned on the way in and out so callers never share mutable state with the
// store.
type InMemoryStore struct {
	mu            sync.Mutex
	messages      map[string]*courier.Message
	order         []string
	nextCreatedID int64
}

// NewInMemoryStore creates an empty in-memory outbox store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		messages: make(map[string]*courier.Message),
	}
}

// Deposit stores a clone of the message and assigns it the next CreatedID.
// The Tx handle is ignored: in-memory deposits are atomic on their own.
func (store *InMemoryStore) Deposit(_ context.Context, _ Tx, message *courier.Message) error {
	if message == nil {
		return courier.ErrMessageRequired
	}

	if strings.TrimSpace(message.MessageID) == "" {
		return courier.ErrMessageIDRequired
	}

	if strings.TrimSpace(message.Topic) == "" {
		return courier.ErrTopicRequired
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if _, exists := store.messages[message.MessageID]; exists {
		return fmt.Errorf("deposit %q: %w", message.MessageID, ErrDuplicateMessageID)
	}

	clone := message.Clone()

	store.nextCreatedID++
	clone.CreatedID = store.nextCreatedID

	if clone.Created.IsZero() {
		clone.Created = time.Now().UTC()
	}

	store.messages[clone.MessageID] = clone
	store.order = append(store.order, clone.MessageID)

	return nil
}

// Undispatched returns pending messages by CreatedID ascending.
func (store *InMemoryStore) Undispatched(_ context.Context, maxCount int, olderThan time.Time) ([]*courier.Message, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	result := make([]*courier.Message, 0, maxCount)

	for _, id := range store.order {
		message := store.messages[id]
		if message == nil || message.IsDispatched() {
			continue
		}

		if !olderThan.IsZero() && message.Created.After(olderThan) {
			continue
		}

		result = append(result, message.Clone())

		if len(result) == maxCount {
			break
		}
	}

	return result, nil
}

// MarkDispatched transitions still-undispatched ids to dispatched. Rows
// already dispatched are left untouched, so racing markers converge.
func (store *InMemoryStore) MarkDispatched(_ context.Context, ids []string, dispatchedAt time.Time) (int, error) {
	if dispatchedAt.IsZero() {
		dispatchedAt = time.Now().UTC()
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	marked := 0

	for _, id := range ids {
		message, ok := store.messages[id]
		if !ok || message.IsDispatched() {
			continue
		}

		stamp := dispatchedAt
		message.Dispatched = &stamp
		marked++
	}

	return marked, nil
}

// Dispatched returns already-dispatched messages older than olderThan.
func (store *InMemoryStore) Dispatched(_ context.Context, olderThan time.Time, maxCount int) ([]*courier.Message, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	result := make([]*courier.Message, 0, maxCount)

	for _, id := range store.order {
		message := store.messages[id]
		if message == nil || !message.IsDispatched() {
			continue
		}

		if !olderThan.IsZero() && message.Dispatched.After(olderThan) {
			continue
		}

		result = append(result, message.Clone())

		if len(result) == maxCount {
			break
		}
	}

	return result, nil
}

// Get fetches one message by id.
func (store *InMemoryStore) Get(_ context.Context, messageID string) (*courier.Message, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	message, ok := store.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("get %q: %w", messageID, ErrMessageNotFound)
	}

	return message.Clone(), nil
}

// Delete removes the given ids and returns how many were present.
func (store *InMemoryStore) Delete(_ context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	deleted := 0

	for _, id := range ids {
		if _, ok := store.messages[id]; !ok {
			continue
		}

		delete(store.messages, id)
		deleted++
	}

	if deleted > 0 {
		order := make([]string, 0, len(store.order)-deleted)

		for _, id := range store.order {
			if _, ok := store.messages[id]; ok {
				order = append(order, id)
			}
		}

		store.order = order
	}

	return deleted, nil
}

// Len reports how many messages are still undispatched.
func (store *InMemoryStore) Len(_ context.Context) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	pending := 0

	for _, message := range store.messages {
		if !message.IsDispatched() {
			pending++
		}
	}

	return pending, nil
}
