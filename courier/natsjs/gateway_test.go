//go:build unit

package natsjs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nats-io/nats.go"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/log"
)

// fakeJetStream is an in-memory JetStream slice: streams with their durable
// consumers, per-stream backlogs served through pull fetches, and the
// duplicate-window bookkeeping publishes rely on. Ack-reply subjects key the
// in-flight set exactly like the server does.
type fakeJetStream struct {
	mu sync.Mutex

	streams map[string]*fakeStream
	pulls   []*fakeConsumer

	infoCalls        int
	addStreamCalls   int
	addConsumerCalls int
	subscribeCalls   int
	extendCalls      int

	addStreamErr error
	publishErr   error

	published  []*nats.Msg
	inflight   map[string]*fakeEntry
	terminated []string

	fetchWait time.Duration
	nextSeq   uint64
}

type fakeStream struct {
	name      string
	config    nats.StreamConfig
	consumers map[string]nats.ConsumerConfig
	backlog   []*fakeEntry
	seenIDs   map[string]bool
	arrivals  chan struct{}
}

type fakeEntry struct {
	stream     string
	subject    string
	header     nats.Header
	data       []byte
	seq        uint64
	deliveries int
}

func newFakeJetStream() *fakeJetStream {
	return &fakeJetStream{
		streams:   make(map[string]*fakeStream),
		inflight:  make(map[string]*fakeEntry),
		fetchWait: 25 * time.Millisecond,
	}
}

func (f *fakeJetStream) StreamInfo(stream string, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.infoCalls++

	s, ok := f.streams[stream]
	if !ok {
		return nil, nats.ErrStreamNotFound
	}

	return &nats.StreamInfo{Config: s.config}, nil
}

func (f *fakeJetStream) AddStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.addStreamCalls++

	if err := f.addStreamErr; err != nil {
		return nil, err
	}

	s, ok := f.streams[cfg.Name]
	if !ok {
		s = &fakeStream{
			name:      cfg.Name,
			consumers: make(map[string]nats.ConsumerConfig),
			seenIDs:   make(map[string]bool),
			arrivals:  make(chan struct{}, 64),
		}
		f.streams[cfg.Name] = s
	}

	s.config = *cfg

	return &nats.StreamInfo{Config: s.config}, nil
}

func (f *fakeJetStream) AddConsumer(stream string, cfg *nats.ConsumerConfig, _ ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.addConsumerCalls++

	s, ok := f.streams[stream]
	if !ok {
		return nil, nats.ErrStreamNotFound
	}

	s.consumers[cfg.Durable] = *cfg

	return &nats.ConsumerInfo{Stream: stream, Name: cfg.Durable, Config: *cfg}, nil
}

func (f *fakeJetStream) Streams(_ ...nats.JSOpt) <-chan *nats.StreamInfo {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan *nats.StreamInfo, len(f.streams))
	for _, s := range f.streams {
		ch <- &nats.StreamInfo{Config: s.config}
	}
	close(ch)

	return ch
}

func (f *fakeJetStream) PublishMsg(msg *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.publishErr; err != nil {
		return nil, err
	}

	s := f.streamBySubjectLocked(msg.Subject)
	if s == nil {
		return nil, nats.ErrNoStreamResponse
	}

	f.published = append(f.published, msg)

	if values := msg.Header[nats.MsgIdHdr]; len(values) > 0 && values[0] != "" {
		if s.seenIDs[values[0]] {
			return &nats.PubAck{Stream: s.name, Duplicate: true}, nil
		}

		s.seenIDs[values[0]] = true
	}

	f.nextSeq++
	s.backlog = append(s.backlog, &fakeEntry{
		stream:  s.name,
		subject: msg.Subject,
		header:  cloneHeader(msg.Header),
		data:    msg.Data,
		seq:     f.nextSeq,
	})
	s.signalLocked()

	return &nats.PubAck{Stream: s.name, Sequence: f.nextSeq}, nil
}

// PullSubscribe serves only the not-found paths; delivering tests subscribe
// through the consumerFor seam instead.
func (f *fakeJetStream) PullSubscribe(subject, durable string, _ ...nats.SubOpt) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.streamBySubjectLocked(subject)
	if s == nil {
		return nil, nats.ErrNoMatchingStream
	}

	if _, ok := s.consumers[durable]; !ok {
		return nil, nats.ErrConsumerNotFound
	}

	return nil, errors.New("fake jetstream serves pull consumers through consumerFor")
}

func (f *fakeJetStream) streamBySubjectLocked(subject string) *fakeStream {
	for _, s := range f.streams {
		if len(s.config.Subjects) > 0 && s.config.Subjects[0] == subject {
			return s
		}
	}

	return nil
}

func (s *fakeStream) signalLocked() {
	select {
	case s.arrivals <- struct{}{}:
	default:
	}
}

// consumerFor binds a fake pull consumer to the identifier's stream the way
// the production subscriber binds the durable subscription.
func (f *fakeJetStream) consumerFor(identifier string) (pullConsumer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.subscribeCalls++

	stream := streamNameFor(identifier)
	if _, ok := f.streams[stream]; !ok {
		return nil, nats.ErrNoMatchingStream
	}

	consumer := &fakeConsumer{js: f, stream: stream}
	f.pulls = append(f.pulls, consumer)

	return consumer, nil
}

// pull pops the stream's next entry and records it in flight under a fresh
// ack-reply subject whose delivered count mirrors the entry's history.
func (f *fakeJetStream) pull(stream string) (*nats.Msg, <-chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.streams[stream]
	if !ok {
		return nil, nil, nats.ErrStreamNotFound
	}

	if len(s.backlog) == 0 {
		return nil, s.arrivals, nil
	}

	entry := s.backlog[0]
	s.backlog = s.backlog[1:]
	entry.deliveries++

	reply := fmt.Sprintf("$JS.ACK.%s.%s.%d.%d.%d.%d.0",
		s.name, s.name, entry.deliveries, entry.seq, entry.seq, time.Now().UnixNano())
	f.inflight[reply] = entry

	return &nats.Msg{
		Subject: entry.subject,
		Reply:   reply,
		Header:  cloneHeader(entry.header),
		Data:    entry.data,
		Sub:     &nats.Subscription{},
	}, nil, nil
}

func (f *fakeJetStream) resolveLocked(msg *nats.Msg) (*fakeEntry, error) {
	entry, ok := f.inflight[msg.Reply]
	if !ok {
		return nil, errors.New("unknown ack reply")
	}

	delete(f.inflight, msg.Reply)

	return entry, nil
}

func (f *fakeJetStream) ackMsg(msg *nats.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, err := f.resolveLocked(msg)

	return err
}

func (f *fakeJetStream) nakMsg(msg *nats.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, err := f.resolveLocked(msg)
	if err != nil {
		return err
	}

	s := f.streams[entry.stream]
	s.backlog = append([]*fakeEntry{entry}, s.backlog...)
	s.signalLocked()

	return nil
}

func (f *fakeJetStream) termMsg(msg *nats.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, err := f.resolveLocked(msg)
	if err != nil {
		return err
	}

	f.terminated = append(f.terminated, string(entry.data))

	return nil
}

func (f *fakeJetStream) extendMsg(msg *nats.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.inflight[msg.Reply]; !ok {
		return errors.New("unknown ack reply")
	}

	f.extendCalls++

	return nil
}

// declareStream seeds a stream and its durable consumer without going
// through the gateway's create path.
func (f *fakeJetStream) declareStream(identifier string) {
	stream := streamNameFor(identifier)

	_, _ = f.AddStream(&nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{identifier},
		Retention: nats.WorkQueuePolicy,
	})
	_, _ = f.AddConsumer(stream, &nats.ConsumerConfig{
		Durable:   stream,
		AckPolicy: nats.AckExplicitPolicy,
	})
}

// push seeds a backlog entry carrying just the message id envelope header.
func (f *fakeJetStream) push(identifier, messageID, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.streams[streamNameFor(identifier)]
	if s == nil {
		return
	}

	f.nextSeq++
	s.backlog = append(s.backlog, &fakeEntry{
		stream:  s.name,
		subject: identifier,
		header:  nats.Header{headerMessageID: []string{messageID}},
		data:    []byte(body),
		seq:     f.nextSeq,
	})
	s.signalLocked()
}

func (f *fakeJetStream) streamConfigOf(name string) (nats.StreamConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.streams[name]
	if !ok {
		return nats.StreamConfig{}, false
	}

	return s.config, true
}

func (f *fakeJetStream) consumerConfigOf(name string) (nats.ConsumerConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.streams[name]
	if !ok {
		return nats.ConsumerConfig{}, false
	}

	cfg, ok := s.consumers[name]

	return cfg, ok
}

func (f *fakeJetStream) backlogLen(identifier string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s := f.streams[streamNameFor(identifier)]; s != nil {
		return len(s.backlog)
	}

	return 0
}

func (f *fakeJetStream) publishedAt(index int) *nats.Msg {
	f.mu.Lock()
	defer f.mu.Unlock()

	if index >= len(f.published) {
		return nil
	}

	return f.published[index]
}

func (f *fakeJetStream) terminatedBodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.terminated...)
}

func (f *fakeJetStream) addStreamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.addStreamCalls
}

func (f *fakeJetStream) infoCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.infoCalls
}

func (f *fakeJetStream) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.subscribeCalls
}

func (f *fakeJetStream) extendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.extendCalls
}

func (f *fakeJetStream) pullAt(index int) *fakeConsumer {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.pulls[index]
}

// fakeConsumer serves fetches from its stream's backlog, blocking on the
// arrivals signal the way a pull request waits server-side.
type fakeConsumer struct {
	js     *fakeJetStream
	stream string

	mu           sync.Mutex
	fetchErr     error
	unsubscribed bool
}

func (c *fakeConsumer) Fetch(_ int, _ ...nats.PullOpt) ([]*nats.Msg, error) {
	c.mu.Lock()
	err := c.fetchErr
	dead := c.unsubscribed
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if dead {
		return nil, nats.ErrBadSubscription
	}

	deadline := time.NewTimer(c.js.wait())
	defer deadline.Stop()

	for {
		msg, arrivals, err := c.js.pull(c.stream)
		if err != nil {
			return nil, err
		}

		if msg != nil {
			return []*nats.Msg{msg}, nil
		}

		select {
		case <-arrivals:
		case <-deadline.C:
			return nil, nats.ErrTimeout
		}
	}
}

func (c *fakeConsumer) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.unsubscribed = true

	return nil
}

func (c *fakeConsumer) failWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fetchErr = err
}

func (c *fakeConsumer) wasUnsubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.unsubscribed
}

func (f *fakeJetStream) wait() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.fetchWait
}

func cloneHeader(header nats.Header) nats.Header {
	clone := make(nats.Header, len(header))
	for key, values := range header {
		clone[key] = append([]string(nil), values...)
	}

	return clone
}

// newTestGateway wires a gateway over the fake JetStream context, with pull
// consumers and terminal message operations served by the fake. Options
// appended by the test override the fixture.
func newTestGateway(t *testing.T, js *fakeJetStream, opts ...GatewayOption) *Gateway {
	t.Helper()

	conn := &Connection{URL: "nats://localhost:4222", Logger: &log.NopLogger{}}

	base := []GatewayOption{
		withJetStream(func(context.Context) (jsContext, error) {
			return js, nil
		}),
		withSubscriber(func(_ jsContext, ref courier.ChannelRef) (pullConsumer, error) {
			return js.consumerFor(ref.Identifier)
		}),
	}

	gw, err := NewGateway(conn, &log.NopLogger{}, append(base, opts...)...)
	require.NoError(t, err)

	gw.ackMsg = js.ackMsg
	gw.nakMsg = js.nakMsg
	gw.termMsg = js.termMsg
	gw.extendMsg = js.extendMsg

	t.Cleanup(func() { _ = gw.Close() })

	return gw
}

func TestNewGateway_RequiresConnection(t *testing.T) {
	t.Parallel()

	gw, err := NewGateway(nil, nil)
	assert.Nil(t, gw)
	assert.ErrorIs(t, err, ErrConnectionRequired)
}

func TestGateway_QualifyChannel(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, newFakeJetStream())
	assert.Equal(t, "orders", gw.QualifyChannel("orders"))

	namespaced := newTestGateway(t, newFakeJetStream(), WithNamespace("billing"))
	assert.Equal(t, "billing.orders", namespaced.QualifyChannel("orders"))
}

func TestGateway_EnsureChannelCreatesTopology(t *testing.T) {
	t.Parallel()

	js := newFakeJetStream()
	gw := newTestGateway(t, js,
		WithNamespace("billing"),
		WithReplicas(3),
		WithDedupWindow(90*time.Second),
	)

	descriptor := courier.ChannelDescriptor{
		RoutingKey:   "orders",
		Ordering:     courier.OrderingFIFO,
		DedupScope:   "billing",
		Retention:    time.Hour,
		LockDuration: 45 * time.Second,
		DeadLetter:   &courier.DeadLetterPolicy{RoutingKey: "orders.dead", MaxReceives: 4},
	}

	result, ref, err := gw.EnsureChannel(context.Background(), descriptor)
	require.NoError(t, err)
	assert.Equal(t, courier.EnsureCreated, result)
	assert.Equal(t, "orders", ref.RoutingKey)
	assert.Equal(t, "billing.orders", ref.Identifier)

	stream, ok := js.streamConfigOf("billing_orders")
	require.True(t, ok)
	assert.Equal(t, []string{"billing.orders"}, stream.Subjects)
	assert.Equal(t, nats.WorkQueuePolicy, stream.Retention)
	assert.Equal(t, nats.FileStorage, stream.Storage)
	assert.Equal(t, 3, stream.Replicas)
	assert.Equal(t, time.Hour, stream.MaxAge)
	assert.Equal(t, 90*time.Second, stream.Duplicates)

	consumer, ok := js.consumerConfigOf("billing_orders")
	require.True(t, ok)
	assert.Equal(t, "billing_orders", consumer.Durable)
	assert.Equal(t, nats.AckExplicitPolicy, consumer.AckPolicy)
	assert.Equal(t, 45*time.Second, consumer.AckWait)
	assert.Equal(t, "billing.orders", consumer.FilterSubject)
	assert.Equal(t, 1, consumer.MaxAckPending, "FIFO keeps one delivery outstanding")

	dead, ok := js.streamConfigOf("billing_orders_dead")
	require.True(t, ok)
	assert.Equal(t, []string{"billing.orders.dead"}, dead.Subjects)
	assert.Equal(t, nats.WorkQueuePolicy, dead.Retention)
	assert.Equal(t, time.Hour, dead.MaxAge)
	assert.Zero(t, dead.Duplicates, "dead-letter stream has no dedup window")

	deadConsumer, ok := js.consumerConfigOf("billing_orders_dead")
	require.True(t, ok)
	assert.Zero(t, deadConsumer.MaxAckPending, "dead-letter consumer is not FIFO")
}

func TestGateway_EnsureChannelDedupWindowClampedToRetention(t *testing.T) {
	t.Parallel()

	js := newFakeJetStream()
	gw := newTestGateway(t, js)

	_, _, err := gw.EnsureChannel(context.Background(), courier.ChannelDescriptor{
		RoutingKey: "short",
		DedupScope: "tenants",
		Retention:  30 * time.Second,
	})
	require.NoError(t, err)

	short, ok := js.streamConfigOf("short")
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, short.Duplicates, "window cannot outlive the stream age limit")

	_, _, err = gw.EnsureChannel(context.Background(), courier.ChannelDescriptor{
		RoutingKey: "plain",
		Retention:  30 * time.Second,
	})
	require.NoError(t, err)

	plain, ok := js.streamConfigOf("plain")
	require.True(t, ok)
	assert.Zero(t, plain.Duplicates, "no dedup scope, no window")
}

func TestGateway_EnsureChannelCachesResolution(t *testing.T) {
	t.Parallel()

	js := newFakeJetStream()
	gw := newTestGateway(t, js)

	descriptor := courier.ChannelDescriptor{RoutingKey: "orders"}

	result, _, err := gw.EnsureChannel(context.Background(), descriptor)
	require.NoError(t, err)
	assert.Equal(t, courier.EnsureCreated, result)
	assert.Equal(t, 1, js.addStreamCount())

	result, ref, err := gw.EnsureChannel(context.Background(), descriptor)
	require.NoError(t, err)
	assert.Equal(t, courier.EnsureExists, result)
	assert.Equal(t, "orders", ref.Identifier)
	assert.Equal(t, 1, js.addStreamCount(), "cache hit skips the backend")
}

func TestGateway_EnsureChannelValidateExisting(t *testing.T) {
	t.Parallel()

	js := newFakeJetStream()

	_, _, err := newTestGateway(t, js).EnsureChannel(context.Background(), courier.ChannelDescriptor{RoutingKey: "orders"})
	require.NoError(t, err)

	fresh := newTestGateway(t, js)

	result, ref, err := fresh.EnsureChannel(context.Background(), courier.ChannelDescriptor{
		RoutingKey: "orders",
		Creation:   courier.CreationValidate,
	})
	require.NoError(t, err)
	assert.Equal(t, courier.EnsureExists, result)
	assert.Equal(t, "orders", ref.Identifier)
	assert.Equal(t, 1, js.infoCount())
}

func TestGateway_EnsureChannelValidateMissing(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, newFakeJetStream())

	result, _, err := gw.EnsureChannel(context.Background(), courier.ChannelDescriptor{
		RoutingKey: "ghost",
		Creation:   courier.CreationValidate,
	})
	assert.Equal(t, courier.EnsureNotFound, result)
	assert.ErrorIs(t, err, courier.ErrChannelNotFound)
}

func TestGateway_EnsureChannelAssumeSkipsBackend(t *testing.T) {
	t.Parallel()

	js := newFakeJetStream()
	gw := newTestGateway(t, js)

	result, ref, err := gw.EnsureChannel(context.Background(), courier.ChannelDescriptor{
		RoutingKey: "orders",
		Reference:  "external.stream",
		Creation:   courier.CreationAssume,
	})
	require.NoError(t, err)
	assert.Equal(t, courier.EnsureExists, result)
	assert.Equal(t, "external.stream", ref.Identifier)
	assert.Zero(t, js.infoCount())
	assert.Zero(t, js.addStreamCount())
}

func TestGateway_EnsureChannelAttributeMismatch(t *testing.T) {
	t.Parallel()

	js := newFakeJetStream()
	js.addStreamErr = nats.ErrStreamNameAlreadyInUse

	gw := newTestGateway(t, js)

	_, _, err := gw.EnsureChannel(context.Background(), courier.ChannelDescriptor{RoutingKey: "orders"})
	assert.ErrorIs(t, err, courier.ErrConfiguration, "redeclaring with different attributes is a config fault")
	assert.NotErrorIs(t, err, courier.ErrTransport)
}

func TestGateway_ListChannelsEnumerates(t *testing.T) {
	t.Parallel()

	js := newFakeJetStream()
	gw := newTestGateway(t, js, WithNamespace("courier"))

	for _, key := range []string{"orders", "audit"} {
		_, _, err := gw.EnsureChannel(context.Background(), courier.ChannelDescriptor{RoutingKey: key})
		require.NoError(t, err)
	}

	identifiers, err := gw.ListChannels(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"courier.orders", "courier.audit"}, identifiers)

	fresh := newTestGateway(t, js, WithNamespace("courier"))

	result, ref, err := fresh.EnsureChannel(context.Background(), courier.ChannelDescriptor{
		RoutingKey: "audit",
		Strategy:   courier.ByEnumeration,
		Creation:   courier.CreationValidate,
	})
	require.NoError(t, err)
	assert.Equal(t, courier.EnsureExists, result)
	assert.Equal(t, "courier.audit", ref.Identifier)
}

func TestGateway_PublishSetsSubjectAndEnvelope(t *testing.T) {
	t.Parallel()

	js := newFakeJetStream()
	gw := newTestGateway(t, js)

	_, ref, err := gw.EnsureChannel(context.Background(), courier.ChannelDescriptor{RoutingKey: "orders"})
	require.NoError(t, err)

	require.NoError(t, gw.Publish(context.Background(), ref, sampleMessage()))

	msg := js.publishedAt(0)
	require.NotNil(t, msg)
	assert.Equal(t, "orders", msg.Subject)
	assert.Equal(t, []string{"msg-1"}, msg.Header[headerMessageID])
	assert.Equal(t, []byte(`{"order":42}`), msg.Data)
	assert.NotContains(t, msg.Header, nats.MsgIdHdr, "no dedup scope, no dedup key")
	assert.Equal(t, 1, js.backlogLen("orders"))
}

func TestGateway_PublishStampsDedupHeader(t *testing.T) {
	t.Parallel()

	js := newFakeJetStream()
	gw := newTestGateway(t, js)

	_, ref, err := gw.EnsureChannel(context.Background(), courier.ChannelDescriptor{
		RoutingKey: "orders",
		DedupScope: "billing",
	})
	require.NoError(t, err)

	message := &courier.Message{MessageID: "m1", Body: []byte("x")}
	require.NoError(t, gw.Publish(context.Background(), ref, message))

	msg := js.publishedAt(0)
	require.NotNil(t, msg)
	assert.Equal(t, []string{"billing/m1"}, msg.Header[nats.MsgIdHdr])

	require.NoError(t, gw.Publish(context.Background(), ref, message), "duplicates are suppressed, not errors")
	assert.Equal(t, 1, js.backlogLen("orders"), "the stream kept one copy")
}

func TestGateway_PublishMissingStream(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, newFakeJetStream())

	err := gw.Publish(context.Background(), courier.ChannelRef{Identifier: "ghost"}, &courier.Message{MessageID: "m1"})
	assert.ErrorIs(t, err, courier.ErrChannelNotFound)
	assert.NotErrorIs(t, err, courier.ErrTransport)
}

func TestGateway_PublishNilMessage(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, newFakeJetStream())

	err := gw.Publish(context.Background(), courier.ChannelRef{Identifier: "orders"}, nil)
	assert.ErrorIs(t, err, courier.ErrMessageRequired)
}

func TestGateway_ReceiveDeliversWithLockToken(t *testing.T) {
	t.Parallel()

	js := newFakeJetStream()
	js.declareStream("orders")
	js.push("orders", "m1", "x")

	gw := newTestGateway(t, js)

	delivery, err := gw.Receive(context.Background(), courier.ChannelRef{Identifier: "orders"})
	require.NoError(t, err)
	require.NotNil(t, delivery)

	assert.Equal(t, "m1", delivery.Message.MessageID)
	assert.Equal(t, "orders", delivery.Message.Topic)
	assert.NotEmpty(t, delivery.LockToken)
	assert.Equal(t, 1, delivery.ReceiveCount, "the ack reply reports the first delivery")
}

func TestGateway_ReceiveEmptyChannel(t *testing.T) {
	t.Parallel()

	js := newFakeJetStream()
	js.declareStream("orders")

	gw := newTestGateway(t, js)

	delivery, err := gw.Receive(context.Background(), courier.ChannelRef{Identifier: "orders"})
	require.NoError(t, err)
	assert.Nil(t, delivery, "an expired pull request is not an error")
}

func TestGateway_ReceiveLongPollPicksUpLateMessage(t *testing.T) {
	t.Parallel()

	js := newFakeJetStream()
	js.declareStream("orders")
	js.fetchWait = time.Second

	gw := newTestGateway(t, js)

	timer := time.AfterFunc(20*time.Millisecond, func() {
		js.push("orders", "late", "x")
	})
	defer timer.Stop()

	ref := courier.ChannelRef{
		Identifier: "orders",
		Descriptor: courier.ChannelDescriptor{LongPollWait: time.Second},
	}

	start := time.Now()
	delivery, err := gw.Receive(context.Background(), ref)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	assert.Equal(t, "late", delivery.Message.MessageID)
	assert.Less(t, time.Since(start), time.Second, "returns as soon as the message lands")
}

func TestGateway_ReceiveCancelledContext(t *testing.T) {
	t.Parallel()

	js := newFakeJetStream()
	js.declareStream("orders")

	gw := newTestGateway(t, js)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gw.Receive(ctx, courier.ChannelRef{Identifier: "orders"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGateway_ReceiveMissingStream(t *testing.T) {
	t.Parallel()

	js := newFakeJetStream()

	conn := &Connection{URL: "nats://localhost:4222", Logger: &log.NopLogger{}}

	// Only the jetStream seam is overridden, so the receive goes through the
	// production subscriber and its bind-time not-found mapping.
	gw, err := NewGateway(conn, &log.NopLogger{}, withJetStream(func(context.Context) (jsContext, error) {
		return js, nil
	}))
	require.NoError(t, err)

	_, err = gw.Receive(context.Background(), courier.ChannelRef{Identifier: "ghost"})
	assert.ErrorIs(t, err, courier.ErrChannelNotFound)
}

func TestGateway_ReceiveErrorReplacesConsumer(t *testing.T) {
	t.Parallel()

	js := newFakeJetStream()
	js.declareStream("orders")
	js.push("orders", "m1", "x")

	gw := newTestGateway(t, js)
	ref := courier.ChannelRef{Identifier: "orders"}

	delivery, err := gw.Receive(context.Background(), ref)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	require.Equal(t, 1, js.subscribeCount())

	js.pullAt(0).failWith(nats.ErrConnectionClosed)
	js.push("orders", "m2", "y")

	_, err = gw.Receive(context.Background(), ref)
	require.ErrorIs(t, err, courier.ErrTransport)
	assert.True(t, js.pullAt(0).wasUnsubscribed(), "the failed subscription is released")

	delivery, err = gw.Receive(context.Background(), ref)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	assert.Equal(t, "m2", delivery.Message.MessageID)
	assert.Equal(t, 2, js.subscribeCount(), "the next receive bound a fresh consumer")
}

func TestGateway_AckResolvesDelivery(t *testing.T) {
	t.Parallel()

	js := newFakeJetStream()
	js.declareStream("orders")
	js.push("orders", "m1", "x")

	gw := newTestGateway(t, js)

	delivery, err := gw.Receive(context.Background(), courier.ChannelRef{Identifier: "orders"})
	require.NoError(t, err)
	require.NotNil(t, delivery)

	require.NoError(t, gw.Ack(context.Background(), delivery.LockToken))

	err = gw.Ack(context.Background(), delivery.LockToken)
	assert.ErrorIs(t, err, ErrUnknownLockToken, "a lock token resolves once")
}

func TestGateway_NackRequeuesForRedelivery(t *testing.T) {
	t.Parallel()

	js := newFakeJetStream()
	js.declareStream("orders")
	js.push("orders", "m1", "x")

	gw := newTestGateway(t, js)
	ref := courier.ChannelRef{Identifier: "orders"}

	first, err := gw.Receive(context.Background(), ref)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 1, first.ReceiveCount)

	require.NoError(t, gw.Nack(context.Background(), first.LockToken))

	second, err := gw.Receive(context.Background(), ref)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "m1", second.Message.MessageID)
	assert.Equal(t, 2, second.ReceiveCount, "redelivery bumps the delivered count")
	assert.NotEqual(t, first.LockToken, second.LockToken)

	require.NoError(t, gw.Ack(context.Background(), second.LockToken))
}

func TestGateway_DeleteDropsWithoutDeadLetter(t *testing.T) {
	t.Parallel()

	js := newFakeJetStream()
	js.declareStream("orders")
	js.push("orders", "m1", "poison")

	gw := newTestGateway(t, js)
	ref := courier.ChannelRef{Identifier: "orders"}

	delivery, err := gw.Receive(context.Background(), ref)
	require.NoError(t, err)
	require.NotNil(t, delivery)

	require.NoError(t, gw.Delete(context.Background(), delivery.LockToken))
	assert.Equal(t, []string{"poison"}, js.terminatedBodies())

	gone, err := gw.Receive(context.Background(), ref)
	require.NoError(t, err)
	assert.Nil(t, gone, "a terminated message is not redelivered")
}

func TestGateway_ChangeLockDurationValidatesToken(t *testing.T) {
	t.Parallel()

	js := newFakeJetStream()
	js.declareStream("orders")
	js.push("orders", "m1", "x")

	gw := newTestGateway(t, js)

	delivery, err := gw.Receive(context.Background(), courier.ChannelRef{Identifier: "orders"})
	require.NoError(t, err)
	require.NotNil(t, delivery)

	require.NoError(t, gw.ChangeLockDuration(context.Background(), delivery.LockToken, time.Minute))
	assert.Equal(t, 1, js.extendCount())

	err = gw.ChangeLockDuration(context.Background(), "bogus", time.Minute)
	assert.ErrorIs(t, err, ErrUnknownLockToken)

	require.NoError(t, gw.Ack(context.Background(), delivery.LockToken), "extending does not resolve the delivery")

	err = gw.ChangeLockDuration(context.Background(), delivery.LockToken, time.Minute)
	assert.ErrorIs(t, err, ErrUnknownLockToken, "resolved deliveries cannot be extended")
}

func TestGateway_CloseReleasesResources(t *testing.T) {
	t.Parallel()

	js := newFakeJetStream()
	js.declareStream("orders")
	js.push("orders", "m1", "x")

	gw := newTestGateway(t, js)

	delivery, err := gw.Receive(context.Background(), courier.ChannelRef{Identifier: "orders"})
	require.NoError(t, err)
	require.NotNil(t, delivery)

	require.NoError(t, gw.Close())
	assert.True(t, js.pullAt(0).wasUnsubscribed())

	err = gw.Ack(context.Background(), delivery.LockToken)
	assert.ErrorIs(t, err, ErrUnknownLockToken, "close releases held locks")
}

func TestGateway_NilReceiver(t *testing.T) {
	t.Parallel()

	var gw *Gateway

	assert.ErrorIs(t, gw.Publish(context.Background(), courier.ChannelRef{}, &courier.Message{}), ErrGatewayRequired)

	_, err := gw.Receive(context.Background(), courier.ChannelRef{})
	assert.ErrorIs(t, err, ErrGatewayRequired)

	_, _, err = gw.EnsureChannel(context.Background(), courier.ChannelDescriptor{})
	assert.ErrorIs(t, err, ErrGatewayRequired)

	assert.ErrorIs(t, gw.ChangeLockDuration(context.Background(), "token", time.Minute), ErrGatewayRequired)

	assert.NoError(t, gw.Close())
}

func TestStreamNameFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		identifier string
		want       string
	}{
		{identifier: "billing.orders", want: "billing_orders"},
		{identifier: "orders", want: "orders"},
		{identifier: "Already-safe_123", want: "Already-safe_123"},
		{identifier: "audit.*.events>", want: "audit___events_"},
		{identifier: "with space", want: "with_space"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, streamNameFor(tc.identifier), tc.identifier)
	}
}
