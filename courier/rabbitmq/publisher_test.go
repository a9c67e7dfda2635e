//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amqp "github.com/rabbitmq/amqp091-go"
)

// mockConfirmableChannel scripts the confirm-mode channel surface. With
// autoConfirm or autoNack set it answers each publish immediately,
// otherwise the test drives confirmations through sendConfirm.
type mockConfirmableChannel struct {
	mu sync.Mutex

	confirmErr error
	publishErr error

	autoConfirm bool
	autoNack    bool

	confirms    chan amqp.Confirmation
	closeNotify chan *amqp.Error

	confirmCalled bool
	closeCalled   bool

	lastExchange string
	lastKey      string
	published    []amqp.Publishing

	deliveryCounter uint64
}

func newMockChannel() *mockConfirmableChannel {
	return &mockConfirmableChannel{
		closeNotify: make(chan *amqp.Error, 1),
	}
}

func (m *mockConfirmableChannel) Confirm(_ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmCalled = true

	return m.confirmErr
}

func (m *mockConfirmableChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirms = confirm

	return confirm
}

func (m *mockConfirmableChannel) NotifyClose(_ chan *amqp.Error) chan *amqp.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closeNotify
}

func (m *mockConfirmableChannel) PublishWithContext(
	_ context.Context,
	exchange, key string,
	_, _ bool,
	msg amqp.Publishing,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishErr != nil {
		return m.publishErr
	}

	m.deliveryCounter++
	m.lastExchange = exchange
	m.lastKey = key
	m.published = append(m.published, msg)

	if m.autoConfirm || m.autoNack {
		m.confirms <- amqp.Confirmation{DeliveryTag: m.deliveryCounter, Ack: m.autoConfirm}
	}

	return nil
}

func (m *mockConfirmableChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closeCalled {
		return nil
	}

	m.closeCalled = true
	if m.confirms != nil {
		close(m.confirms)
	}

	return nil
}

// sendClose simulates the broker killing the channel. The client library
// closes registered confirm channels during that teardown, so the mock does
// too.
func (m *mockConfirmableChannel) sendClose(amqpErr *amqp.Error) {
	m.mu.Lock()
	if !m.closeCalled {
		m.closeCalled = true

		if m.confirms != nil {
			close(m.confirms)
		}
	}
	m.mu.Unlock()

	m.closeNotify <- amqpErr
}

func (m *mockConfirmableChannel) sendConfirm(ack bool) {
	m.mu.Lock()
	tag := m.deliveryCounter
	confirms := m.confirms
	m.mu.Unlock()

	confirms <- amqp.Confirmation{DeliveryTag: tag, Ack: ack}
}

func (m *mockConfirmableChannel) waitForPublish(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()

		return m.deliveryCounter > 0
	}, time.Second, time.Millisecond)
}

func (m *mockConfirmableChannel) wasClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closeCalled
}

func TestNewConfirmablePublisher_NilChannel(t *testing.T) {
	t.Parallel()

	publisher, err := NewConfirmablePublisher(nil)
	assert.Nil(t, publisher)
	assert.ErrorIs(t, err, ErrChannelRequired)

	var typedNil *mockConfirmableChannel

	publisher, err = NewConfirmablePublisher(typedNil)
	assert.Nil(t, publisher)
	assert.ErrorIs(t, err, ErrChannelRequired)
}

func TestNewConfirmablePublisher_ConfirmModeUnavailable(t *testing.T) {
	t.Parallel()

	ch := newMockChannel()
	ch.confirmErr = errors.New("confirms disabled")

	publisher, err := NewConfirmablePublisher(ch)
	assert.Nil(t, publisher)
	assert.ErrorIs(t, err, ErrConfirmModeUnavailable)
}

func TestConfirmablePublisher_PublishSuccess(t *testing.T) {
	t.Parallel()

	ch := newMockChannel()
	publisher, err := NewConfirmablePublisher(ch)
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Close() })

	go func() {
		ch.waitForPublish(t)
		ch.sendConfirm(true)
	}()

	err = publisher.Publish(context.Background(), "", "orders", false, false, amqp.Publishing{Body: []byte("ok")})
	require.NoError(t, err)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.Equal(t, "orders", ch.lastKey)
	assert.Len(t, ch.published, 1)
}

func TestConfirmablePublisher_PublishNacked(t *testing.T) {
	t.Parallel()

	ch := newMockChannel()
	ch.autoNack = true

	publisher, err := NewConfirmablePublisher(ch)
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Close() })

	err = publisher.Publish(context.Background(), "", "orders", false, false, amqp.Publishing{})
	require.ErrorIs(t, err, ErrPublishNacked)
	assert.False(t, publisher.Closed(), "a broker nack does not corrupt the confirm stream")
}

func TestConfirmablePublisher_PublishErrorPropagates(t *testing.T) {
	t.Parallel()

	ch := newMockChannel()
	ch.publishErr = errors.New("frame too large")

	publisher, err := NewConfirmablePublisher(ch)
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Close() })

	err = publisher.Publish(context.Background(), "", "orders", false, false, amqp.Publishing{})
	require.ErrorContains(t, err, "frame too large")
}

func TestConfirmablePublisher_ConfirmTimeoutInvalidatesChannel(t *testing.T) {
	t.Parallel()

	ch := newMockChannel()

	publisher, err := NewConfirmablePublisher(ch, WithConfirmTimeout(25*time.Millisecond))
	require.NoError(t, err)

	err = publisher.Publish(context.Background(), "", "orders", false, false, amqp.Publishing{})
	require.ErrorIs(t, err, ErrConfirmTimeout)

	// The stale confirmation would desynchronize the next wait, so the
	// channel is sacrificed and the publisher marked down.
	assert.True(t, publisher.Closed())
	assert.True(t, ch.wasClosed())

	err = publisher.Publish(context.Background(), "", "orders", false, false, amqp.Publishing{})
	assert.ErrorIs(t, err, ErrPublisherClosed)
}

func TestConfirmablePublisher_ContextCancellationInvalidatesChannel(t *testing.T) {
	t.Parallel()

	ch := newMockChannel()

	publisher, err := NewConfirmablePublisher(ch)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = publisher.Publish(ctx, "", "orders", false, false, amqp.Publishing{})
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, publisher.Closed())
}

func TestConfirmablePublisher_PublishAfterClose(t *testing.T) {
	t.Parallel()

	ch := newMockChannel()
	publisher, err := NewConfirmablePublisher(ch)
	require.NoError(t, err)

	require.NoError(t, publisher.Close())
	require.NoError(t, publisher.Close(), "close is idempotent")

	err = publisher.Publish(context.Background(), "", "orders", false, false, amqp.Publishing{})
	assert.ErrorIs(t, err, ErrPublisherClosed)
	assert.True(t, ch.wasClosed())
}

func TestConfirmablePublisher_CloseMonitorMarksClosed(t *testing.T) {
	t.Parallel()

	ch := newMockChannel()
	publisher, err := NewConfirmablePublisher(ch)
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Close() })

	ch.sendClose(&amqp.Error{Code: amqp.ChannelError, Reason: "server shutdown"})

	require.Eventually(t, publisher.Closed, time.Second, time.Millisecond)

	err = publisher.Publish(context.Background(), "", "orders", false, false, amqp.Publishing{})
	assert.ErrorIs(t, err, ErrPublisherClosed)
}

func TestConfirmablePublisher_ReconnectRestoresPublishing(t *testing.T) {
	t.Parallel()

	ch := newMockChannel()
	publisher, err := NewConfirmablePublisher(ch)
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Close() })

	ch.sendClose(&amqp.Error{Code: amqp.ChannelError, Reason: "server shutdown"})
	require.Eventually(t, publisher.Closed, time.Second, time.Millisecond)

	replacement := newMockChannel()
	replacement.autoConfirm = true
	require.NoError(t, publisher.Reconnect(replacement))
	assert.False(t, publisher.Closed())

	err = publisher.Publish(context.Background(), "", "orders", false, false, amqp.Publishing{Body: []byte("again")})
	require.NoError(t, err)
}

func TestConfirmablePublisher_StaleCloseEventIgnored(t *testing.T) {
	t.Parallel()

	ch1 := newMockChannel()
	publisher, err := NewConfirmablePublisher(ch1, WithConfirmTimeout(20*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Close() })

	// Invalidate ch1 through a confirm timeout; its close monitor is still
	// parked on the notification channel.
	err = publisher.Publish(context.Background(), "", "orders", false, false, amqp.Publishing{})
	require.ErrorIs(t, err, ErrConfirmTimeout)
	require.True(t, publisher.Closed())

	ch2 := newMockChannel()
	ch2.autoConfirm = true
	require.NoError(t, publisher.Reconnect(ch2))

	// The first channel's close event arrives late. It must not take down
	// the replacement.
	ch1.sendClose(&amqp.Error{Code: amqp.ChannelError, Reason: "stale"})
	time.Sleep(50 * time.Millisecond)

	assert.False(t, publisher.Closed())
	err = publisher.Publish(context.Background(), "", "orders", false, false, amqp.Publishing{})
	assert.NoError(t, err)
}

func TestConfirmablePublisher_ReconnectWhileOpenRejected(t *testing.T) {
	t.Parallel()

	ch := newMockChannel()
	publisher, err := NewConfirmablePublisher(ch)
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Close() })

	err = publisher.Reconnect(newMockChannel())
	assert.ErrorIs(t, err, ErrReconnectWhileOpen)
}

func TestConfirmablePublisher_ReconnectAfterCloseRejected(t *testing.T) {
	t.Parallel()

	ch := newMockChannel()
	publisher, err := NewConfirmablePublisher(ch)
	require.NoError(t, err)

	require.NoError(t, publisher.Close())

	err = publisher.Reconnect(newMockChannel())
	assert.ErrorIs(t, err, ErrReconnectAfterClose)
}

func TestConfirmablePublisher_NilReceiver(t *testing.T) {
	t.Parallel()

	var publisher *ConfirmablePublisher

	assert.ErrorIs(t, publisher.Publish(context.Background(), "", "orders", false, false, amqp.Publishing{}), ErrPublisherRequired)
	assert.ErrorIs(t, publisher.Close(), ErrPublisherRequired)
	assert.ErrorIs(t, publisher.Reconnect(newMockChannel()), ErrPublisherRequired)
	assert.True(t, publisher.Closed())
}
