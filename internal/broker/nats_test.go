package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blogmesh/internal/config"
	"blogmesh/internal/logger"
	"blogmesh/pkg/models"
)

type fakeJetStream struct {
	jetstream.JetStream

	mu        sync.Mutex
	streams   []jetstream.StreamConfig
	consumers []jetstream.ConsumerConfig
	published []*nats.Msg
	// failAt makes the publish with this index fail; -1 never fails.
	failAt   int
	consumer *fakeConsumer
}

func newFakeJetStream() *fakeJetStream {
	return &fakeJetStream{failAt: -1, consumer: &fakeConsumer{msgs: make(chan jetstream.Msg, 8)}}
}

func (f *fakeJetStream) CreateOrUpdateStream(_ context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, cfg)
	return nil, nil
}

func (f *fakeJetStream) CreateOrUpdateConsumer(_ context.Context, _ string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumers = append(f.consumers, cfg)
	return f.consumer, nil
}

func (f *fakeJetStream) PublishMsg(_ context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt == len(f.published) {
		return nil, errors.New("no responders")
	}
	f.published = append(f.published, msg)
	return &jetstream.PubAck{Stream: StreamName(msg.Subject), Sequence: uint64(len(f.published))}, nil
}

type fakeConsumer struct {
	jetstream.Consumer
	msgs chan jetstream.Msg
}

func (c *fakeConsumer) Fetch(int, ...jetstream.FetchOpt) (jetstream.MessageBatch, error) {
	out := make(chan jetstream.Msg, 1)
	select {
	case m := <-c.msgs:
		out <- m
	case <-time.After(10 * time.Millisecond):
	}
	close(out)
	return &fakeBatch{msgs: out}, nil
}

type fakeBatch struct {
	msgs chan jetstream.Msg
}

func (b *fakeBatch) Messages() <-chan jetstream.Msg { return b.msgs }
func (b *fakeBatch) Error() error                   { return nil }

type fakeMsg struct {
	jetstream.Msg
	data    []byte
	headers nats.Header
	seq     uint64
	ts      time.Time

	mu    sync.Mutex
	acked int
}

func (m *fakeMsg) Data() []byte         { return m.data }
func (m *fakeMsg) Headers() nats.Header { return m.headers }

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{
		Sequence:  jetstream.SequencePair{Stream: m.seq},
		Timestamp: m.ts,
	}, nil
}

func (m *fakeMsg) DoubleAck(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked++
	return nil
}

func stubNATS(t *testing.T, js *fakeJetStream) *NATS {
	t.Helper()
	prev := natsDial
	natsDial = func(string, ...nats.Option) (*nats.Conn, jetstream.JetStream, error) {
		return nil, js, nil
	}
	t.Cleanup(func() { natsDial = prev })
	return NewNATS(config.NATSConfig{URL: "nats://localhost:4222", MaxReconnects: -1}, "gateway", logger.NopLogger())
}

func TestStreamName(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"user-events", "user-events"},
		{"post.events", "post_2Eevents"},
		{"post_events", "post_5Fevents"},
		{"post.events.dlq", "post_2Eevents_2Edlq"},
		{"a b*>", "a_20b_2A_3E"},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, StreamName(tt.topic))
		})
	}
}

func TestStreamNameKeepsTopicsApart(t *testing.T) {
	topics := []string{"post.events", "post-events", "post_events", "post_2Eevents", "POST.EVENTS", "post events"}
	seen := make(map[string]string, len(topics))
	for _, topic := range topics {
		name := StreamName(topic)
		if other, dup := seen[name]; dup {
			t.Fatalf("%q and %q both map to stream %q", other, topic, name)
		}
		seen[name] = topic
	}
}

func TestNATSOptionsReconnectForever(t *testing.T) {
	n := NewNATS(config.NATSConfig{MaxReconnects: -1}, "gateway", logger.NopLogger())

	opts := nats.GetDefaultOptions()
	for _, opt := range n.options() {
		require.NoError(t, opt(&opts))
	}
	assert.Equal(t, -1, opts.MaxReconnect)
	assert.Equal(t, natsDefaultReconnectWait, opts.ReconnectWait)
	assert.Equal(t, "gateway", opts.Name)
}

func TestNATSWriterCarriesKeyAndHeaders(t *testing.T) {
	js := newFakeJetStream()
	n := stubNATS(t, js)

	w, err := n.Connect(context.Background())
	require.NoError(t, err)

	require.NoError(t, w.WriteMessages(context.Background(), Message{
		Topic:   "post.events",
		Key:     []byte("p1"),
		Value:   []byte(`{"type":"post.created"}`),
		Headers: []models.Header{{Key: "traceparent", Value: []byte("00-abc-def-01")}},
	}))

	require.Len(t, js.streams, 1)
	assert.Equal(t, "post_2Eevents", js.streams[0].Name)
	assert.Equal(t, []string{"post.events"}, js.streams[0].Subjects)

	require.Len(t, js.published, 1)
	pub := js.published[0]
	assert.Equal(t, "post.events", pub.Subject)
	assert.Equal(t, []string{"p1"}, pub.Header[natsKeyHeader])

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := fromNATSMessage("post.events", &fakeMsg{data: pub.Data, headers: pub.Header, seq: 42, ts: ts})
	assert.Equal(t, []byte("p1"), got.Key)
	assert.Equal(t, []byte(`{"type":"post.created"}`), got.Value)
	assert.Equal(t, []models.Header{{Key: "traceparent", Value: []byte("00-abc-def-01")}}, got.Headers)
	assert.Equal(t, int64(42), got.Offset)
	assert.Equal(t, ts, got.Time)
}

func TestNATSWriterStopsAtFirstFailedPublish(t *testing.T) {
	js := newFakeJetStream()
	js.failAt = 1
	n := stubNATS(t, js)

	w, err := n.Connect(context.Background())
	require.NoError(t, err)

	err = w.WriteMessages(context.Background(),
		Message{Topic: "user.events", Value: []byte("1")},
		Message{Topic: "user.events", Value: []byte("2")},
		Message{Topic: "user.events", Value: []byte("3")},
	)
	require.ErrorContains(t, err, "no responders")
	require.Len(t, js.published, 1, "earlier messages stay written")
	assert.Equal(t, []byte("1"), js.published[0].Data)
	assert.Len(t, js.streams, 1, "stream is created once per topic")
}

func TestNATSWriterAfterClose(t *testing.T) {
	n := stubNATS(t, newFakeJetStream())

	w, err := n.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	err = w.WriteMessages(context.Background(), Message{Topic: "user.events"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestNATSReaderFetchAndCommit(t *testing.T) {
	js := newFakeJetStream()
	n := stubNATS(t, js)

	r, err := n.NewReader(context.Background(), ReaderConfig{Topic: "file.events", GroupID: "notification-service", FromBeginning: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	require.Len(t, js.consumers, 1)
	cc := js.consumers[0]
	assert.Equal(t, "notification-service", cc.Durable)
	assert.Equal(t, "file.events", cc.FilterSubject)
	assert.Equal(t, jetstream.DeliverAllPolicy, cc.DeliverPolicy)
	assert.Equal(t, jetstream.AckExplicitPolicy, cc.AckPolicy)
	assert.Equal(t, natsDefaultAckWait, cc.AckWait)

	msg := &fakeMsg{data: []byte("v"), headers: nats.Header{natsKeyHeader: {"f1"}}, seq: 3}
	js.consumer.msgs <- msg

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := r.FetchMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "file.events", got.Topic)
	assert.Equal(t, []byte("f1"), got.Key)
	assert.Equal(t, int64(3), got.Offset)

	require.NoError(t, r.CommitMessages(ctx, got))
	assert.Equal(t, 1, msg.acked)
}

func TestNATSReaderFetchHonoursContext(t *testing.T) {
	n := stubNATS(t, newFakeJetStream())

	r, err := n.NewReader(context.Background(), ReaderConfig{Topic: "user.events", GroupID: "g"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.FetchMessage(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNATSClosedReaderStopsLifecycleEvents(t *testing.T) {
	n := stubNATS(t, newFakeJetStream())

	var mu sync.Mutex
	events := map[string][]LifecycleType{}
	record := func(name string) func(LifecycleType, error) {
		return func(lt LifecycleType, _ error) {
			mu.Lock()
			defer mu.Unlock()
			events[name] = append(events[name], lt)
		}
	}

	kept, err := n.NewReader(context.Background(), ReaderConfig{Topic: "user.events", GroupID: "a", OnLifecycle: record("kept")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kept.Close() })
	gone, err := n.NewReader(context.Background(), ReaderConfig{Topic: "post.events", GroupID: "b", OnLifecycle: record("gone")})
	require.NoError(t, err)

	require.NoError(t, gone.Close())
	require.NoError(t, gone.Close())
	n.mu.Lock()
	assert.Len(t, n.readers, 1)
	n.mu.Unlock()

	n.broadcast(LifecycleDisconnect, errors.New("connection lost"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []LifecycleType{LifecycleConnect, LifecycleGroupJoin, LifecycleDisconnect}, events["kept"])
	assert.Equal(t, []LifecycleType{LifecycleConnect, LifecycleGroupJoin, LifecycleDisconnect}, events["gone"],
		"only the disconnect from its own Close")

	_, err = gone.FetchMessage(context.Background())
	assert.ErrorIs(t, err, ErrReaderClosed)
}
