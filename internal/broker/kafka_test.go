package broker

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blogmesh/internal/config"
	"blogmesh/internal/logger"
	"blogmesh/pkg/models"
)

type recordingWriter struct {
	written [][]kafka.Message
	closed  bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.written = append(w.written, msgs)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func stubKafka(t *testing.T, dialErr error) *recordingWriter {
	t.Helper()
	w := &recordingWriter{}
	prevDial, prevWriter := kafkaDial, kafkaWriterFactory
	kafkaDial = func(context.Context, string) (io.Closer, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return nopCloser{}, nil
	}
	kafkaWriterFactory = func(config.KafkaConfig) kafkaWriter { return w }
	t.Cleanup(func() {
		kafkaDial, kafkaWriterFactory = prevDial, prevWriter
	})
	return w
}

func TestKafkaConnectFailsWhenNoBrokerAnswers(t *testing.T) {
	stubKafka(t, errors.New("connection refused"))
	k := NewKafka(config.KafkaConfig{Brokers: []string{"a:9092", "b:9092"}}, logger.NopLogger())

	_, err := k.Connect(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}

func TestKafkaBatchIsOneWriteCall(t *testing.T) {
	w := stubKafka(t, nil)
	k := NewKafka(config.KafkaConfig{Brokers: []string{"a:9092"}}, logger.NopLogger())

	c, err := New(context.Background(), k, logger.NopLogger(), WithServiceName("user-service"))
	require.NoError(t, err)

	require.NoError(t, c.PublishBatch(context.Background(), "user.events", []models.KeyedEnvelope{
		{Key: "u1", Envelope: seqEnvelope(1)},
		{Key: "u2", Envelope: seqEnvelope(2)},
	}))
	require.Len(t, w.written, 1)
	require.Len(t, w.written[0], 2)
	assert.Equal(t, "user.events", w.written[0][0].Topic)
	assert.Equal(t, []byte("u1"), w.written[0][0].Key)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.True(t, w.closed)
}

func TestKafkaMessageConversion(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	km := kafka.Message{
		Topic:     "post.events",
		Partition: 3,
		Offset:    42,
		Key:       []byte("p1"),
		Value:     []byte(`{}`),
		Headers:   []kafka.Header{{Key: models.HeaderEventType, Value: []byte("post.created")}},
		Time:      at,
	}

	m := fromKafkaMessage(km)
	assert.Equal(t, 3, m.Partition)
	assert.Equal(t, int64(42), m.Offset)
	assert.Equal(t, "post.created", models.HeaderValue(m.Headers, models.HeaderEventType))

	back := toKafkaMessage(m)
	assert.Equal(t, km.Topic, back.Topic)
	assert.Equal(t, km.Key, back.Key)
	assert.Equal(t, km.Headers, back.Headers)
}

func TestClassifyKafkaLog(t *testing.T) {
	tests := []struct {
		line    string
		isError bool
		want    LifecycleType
		ok      bool
	}{
		{"Joined group notification-service as member abc in generation 4", false, LifecycleGroupJoin, true},
		{"rebalancing consumer group", false, LifecycleRebalancing, true},
		{"generation 4 ended", false, LifecycleRebalancing, true},
		{"Failed to join group notification-service: broken pipe", true, LifecycleCrash, true},
		{"committed offsets for group", false, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := classifyKafkaLog(tt.line, tt.isError)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
